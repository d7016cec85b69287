package equalizer

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/faiface/beep"

	"waveplay/core/media"
	"waveplay/model"
)

type fakeElement struct {
	media.Element
}

type fakeGraph struct {
	mu     sync.Mutex
	gains  [model.BandCount]float64
	closed bool
}

func (g *fakeGraph) SetGain(band int, db float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gains[band] = db
}

func (g *fakeGraph) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
}

// gatedFactory 在 release 关闭前阻塞构建
type gatedFactory struct {
	release chan struct{}
	calls   atomic.Int32
	graph   *fakeGraph
	err     error
}

func (f *gatedFactory) build(_ media.Element, bands [model.BandCount]model.Band) (Graph, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	f.graph = &fakeGraph{}
	for i, b := range bands {
		f.graph.gains[i] = b.GainDb
	}
	return f.graph, nil
}

type memStore struct {
	data map[string][]float64
}

func (s *memStore) LoadGains(_ context.Context, key string) ([]float64, bool, error) {
	g, ok := s.data[key]
	return g, ok, nil
}

func (s *memStore) SaveGains(_ context.Context, key string, gains []float64) error {
	s.data[key] = gains
	return nil
}

type playCounter struct {
	n    atomic.Int32
	done chan struct{}
	once sync.Once
}

func newPlayCounter() *playCounter {
	return &playCounter{done: make(chan struct{})}
}

func (p *playCounter) play() {
	p.n.Add(1)
	p.once.Do(func() { close(p.done) })
}

func (p *playCounter) wait(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(within):
		t.Fatalf("play not invoked within %v", within)
	}
}

func TestWhenReadyConnectedIsSynchronous(t *testing.T) {
	f := &gatedFactory{}
	c := NewCoordinator(&fakeElement{}, Options{Factory: f.build})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	called := false
	c.WhenReady(func() { called = true })
	if !called {
		t.Error("play must run synchronously once the graph is connected")
	}
}

func TestWhenReadyConstrainedWithoutOptInSkipsGraph(t *testing.T) {
	f := &gatedFactory{}
	c := NewCoordinator(&fakeElement{}, Options{Factory: f.build, Constrained: true})

	called := false
	c.WhenReady(func() { called = true })
	if !called {
		t.Error("play must run synchronously on a constrained platform without opt-in")
	}
	time.Sleep(20 * time.Millisecond)
	if f.calls.Load() != 0 {
		t.Error("graph must not be built without opt-in")
	}
}

func TestWhenReadyGraphWinsRace(t *testing.T) {
	f := &gatedFactory{}
	c := NewCoordinator(&fakeElement{}, Options{Factory: f.build, DesktopTimeout: time.Second})

	p := newPlayCounter()
	start := time.Now()
	c.WhenReady(p.play)
	p.wait(t, 500*time.Millisecond)

	if elapsed := time.Since(start); elapsed >= time.Second {
		t.Errorf("graph readiness should beat the timeout, took %v", elapsed)
	}
	time.Sleep(1200 * time.Millisecond)
	if got := p.n.Load(); got != 1 {
		t.Errorf("play called %d times, want 1", got)
	}
	if !c.Connected() {
		t.Error("coordinator should be connected")
	}
}

func TestWhenReadyTimeoutWinsRace(t *testing.T) {
	f := &gatedFactory{release: make(chan struct{})}
	c := NewCoordinator(&fakeElement{}, Options{
		Factory:            f.build,
		Constrained:        true,
		ConstrainedOptIn:   true,
		ConstrainedTimeout: 20 * time.Millisecond,
	})

	p := newPlayCounter()
	c.WhenReady(p.play)
	p.wait(t, time.Second)

	close(f.release)
	time.Sleep(50 * time.Millisecond)
	if got := p.n.Load(); got != 1 {
		t.Errorf("play called %d times, want 1", got)
	}
	if !c.Connected() {
		t.Error("late graph should still connect")
	}

	// 之后的曲目同步放行
	called := false
	c.WhenReady(func() { called = true })
	if !called {
		t.Error("second track should play synchronously")
	}
	if f.calls.Load() != 1 {
		t.Errorf("factory called %d times, want 1", f.calls.Load())
	}
}

func TestGraphFailureDisablesEqualizerOnly(t *testing.T) {
	f := &gatedFactory{err: ErrGraphUnsupported}
	c := NewCoordinator(&fakeElement{}, Options{Factory: f.build, DesktopTimeout: time.Second})

	p := newPlayCounter()
	c.WhenReady(p.play)
	p.wait(t, 500*time.Millisecond)

	if !c.Disabled() {
		t.Error("equalizer should be disabled after construction failure")
	}
	called := false
	c.WhenReady(func() { called = true })
	if !called {
		t.Error("disabled equalizer must not delay playback")
	}
}

func TestConnectTwiceOnSameElementFails(t *testing.T) {
	f := &gatedFactory{}
	el := &fakeElement{}
	c := NewCoordinator(el, Options{Factory: f.build})

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(); !errors.Is(err, ErrSourceExists) {
		t.Errorf("second Connect = %v, want ErrSourceExists", err)
	}

	c.Rebind(&fakeElement{})
	if !f.graph.closed {
		t.Error("rebind should tear down the old graph")
	}
	if err := c.Connect(); err != nil {
		t.Errorf("connect on a fresh element: %v", err)
	}

	c.Rebind(el)
	if err := c.Connect(); !errors.Is(err, ErrSourceExists) {
		t.Errorf("reconnecting the original element = %v, want ErrSourceExists", err)
	}
}

func TestApplyTrackPresetUsesStableKey(t *testing.T) {
	saved := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	store := &memStore{data: map[string][]float64{
		"https://cdn.example.com/a.mp3": saved,
	}}
	f := &gatedFactory{}
	c := NewCoordinator(&fakeElement{}, Options{Factory: f.build, Store: store})
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}

	c.ApplyTrackPreset(context.Background(), model.Track{SourceURL: "https://cdn.example.com/a.mp3?Expires=99&Signature=x"})
	for i, g := range c.Gains() {
		if g != saved[i] || f.graph.gains[i] != saved[i] {
			t.Errorf("band %d = %v (live %v), want %v", i, g, f.graph.gains[i], saved[i])
		}
	}

	c.ApplyTrackPreset(context.Background(), model.Track{SourceURL: "/uploads/other.mp3"})
	for i, g := range c.Gains() {
		if g != 0 || f.graph.gains[i] != 0 {
			t.Errorf("band %d = %v, want flat", i, g)
		}
	}

	c.SetBandGain(0, 30)
	if err := c.SaveTrackPreset(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := store.data["/uploads/other.mp3"][0]; got != model.MaxGainDb {
		t.Errorf("saved band 0 = %v, want clamp to %v", got, model.MaxGainDb)
	}
}

func TestNamedPresets(t *testing.T) {
	c := NewCoordinator(&fakeElement{}, Options{Factory: (&gatedFactory{}).build})
	if err := c.ApplyNamedPreset("Bass_Boost"); err != nil {
		t.Fatal(err)
	}
	if c.Gains()[0] != 6 {
		t.Errorf("band 0 = %v, want 6", c.Gains()[0])
	}
	if err := c.ApplyNamedPreset("nope"); !errors.Is(err, ErrUnknownPreset) {
		t.Errorf("err = %v, want ErrUnknownPreset", err)
	}
	if err := c.SetGains([]float64{1, 2}); err == nil {
		t.Error("SetGains should reject wrong length")
	}
}

func TestParsePresets(t *testing.T) {
	data := []byte(`
presets:
  Rock: [4, 3, 1, 0, -1, 0, 1, 3, 4, 40]
`)
	presets, err := ParsePresets(data)
	if err != nil {
		t.Fatal(err)
	}
	rock, ok := presets["rock"]
	if !ok {
		t.Fatalf("presets = %v", presets)
	}
	if rock[9] != model.MaxGainDb {
		t.Errorf("band 9 = %v, want clamped", rock[9])
	}

	if _, err := ParsePresets([]byte("presets:\n  short: [1, 2]\n")); err == nil {
		t.Error("expected error for wrong band count")
	}
}

func TestStableKey(t *testing.T) {
	if got := StableKey(" https://x.test/a.flac?token=1#t "); got != "https://x.test/a.flac" {
		t.Errorf("StableKey = %q", got)
	}
}

type constStreamer float64

func (c constStreamer) Stream(samples [][2]float64) (int, bool) {
	for i := range samples {
		samples[i][0], samples[i][1] = float64(c), float64(c)
	}
	return len(samples), true
}

func (constStreamer) Err() error { return nil }

func settle(s beep.Streamer) float64 {
	buf := make([][2]float64, 512)
	for i := 0; i < 400; i++ {
		s.Stream(buf)
	}
	return buf[len(buf)-1][0]
}

func TestBiquadDCResponse(t *testing.T) {
	gain := func(db float64) *atomic.Uint64 {
		var g atomic.Uint64
		g.Store(math.Float64bits(db))
		return &g
	}

	low := newBiquad(constStreamer(0.1), model.ShapeLowShelf, 32, 44100, gain(12))
	if got, want := settle(low), 0.1*math.Pow(10, 12.0/20); math.Abs(got-want) > 1e-3 {
		t.Errorf("lowshelf DC = %v, want %v", got, want)
	}

	peak := newBiquad(constStreamer(0.1), model.ShapePeaking, 1000, 44100, gain(12))
	if got := settle(peak); math.Abs(got-0.1) > 1e-3 {
		t.Errorf("peaking DC = %v, want 0.1", got)
	}

	high := newBiquad(constStreamer(0.1), model.ShapeHighShelf, 16000, 44100, gain(-12))
	if got := settle(high); math.Abs(got-0.1) > 1e-3 {
		t.Errorf("highshelf DC = %v, want 0.1", got)
	}

	flat := newBiquad(constStreamer(0.25), model.ShapePeaking, 1000, 44100, gain(0))
	if got := settle(flat); got != 0.25 {
		t.Errorf("flat band = %v, want passthrough", got)
	}
}

func TestBeepGraphOnElement(t *testing.T) {
	el := media.NewBeepElement(nil, media.BeepOptions{})
	g, err := NewBeepGraph(el, model.DefaultBands())
	if err != nil {
		t.Fatalf("NewBeepGraph: %v", err)
	}
	g.SetGain(3, 100)
	if got := math.Float64frombits(g.(*BeepGraph).gains[3].Load()); got != model.MaxGainDb {
		t.Errorf("gain = %v, want clamp", got)
	}
	g.Close()

	if _, err := NewBeepGraph(el, model.DefaultBands()); !errors.Is(err, ErrSourceExists) {
		t.Errorf("second graph = %v, want ErrSourceExists", err)
	}
	if _, err := NewBeepGraph(&fakeElement{}, model.DefaultBands()); !errors.Is(err, ErrGraphUnsupported) {
		t.Errorf("non-routable element = %v, want ErrGraphUnsupported", err)
	}
}
