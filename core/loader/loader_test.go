package loader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"waveplay/core/media"
	"waveplay/core/media/mediatest"
	"waveplay/core/peaks"
	"waveplay/model"
)

var defaultRender = peaks.RenderConfig{PixelsPerSecond: 50, BarWidth: 2, BarGap: 1}

type stubPeaks struct {
	values []float64
	calls  int
	mu     sync.Mutex
	onCall func()
}

func (s *stubPeaks) Extract(ctx context.Context, ref *model.WaveformRef) []float64 {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.onCall != nil {
		s.onCall()
	}
	return append([]float64(nil), s.values...)
}

type recordingRenderer struct {
	mu       sync.Mutex
	rendered [][]float64
	loaded   [][]float64
	loadedEl media.Element
}

func (r *recordingRenderer) Render(_ model.Track, p []float64) {
	r.mu.Lock()
	r.rendered = append(r.rendered, p)
	r.mu.Unlock()
}

func (r *recordingRenderer) Load(_ model.Track, p []float64, el media.Element) {
	r.mu.Lock()
	r.loaded = append(r.loaded, p)
	r.loadedEl = el
	r.mu.Unlock()
}

type countingGate struct {
	mu    sync.Mutex
	calls int
	async bool
}

func (g *countingGate) WhenReady(play func()) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.async {
		time.AfterFunc(5*time.Millisecond, play)
		return
	}
	play()
}

type stubRefresher struct {
	fresh model.Track
	err   error
}

func (s stubRefresher) Refresh(context.Context, model.Track) (model.Track, error) {
	return s.fresh, s.err
}

func newTestLoader(el media.Element, opts Options) *Loader {
	opts.Element = el
	if opts.Render == (peaks.RenderConfig{}) {
		opts.Render = defaultRender
	}
	return New(opts)
}

func TestSegmentedScenarioResamplesTo3000(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vals := make([]string, 120)
		for i := range vals {
			vals[i] = fmt.Sprintf("%d", i%7)
		}
		fmt.Fprintf(w, `{"data":[%s]}`, strings.Join(vals, ","))
	}))
	defer srv.Close()

	el := mediatest.NewElement()
	factory := &mediatest.Factory{}
	renderer := &recordingRenderer{}
	gate := &countingGate{}
	l := newTestLoader(el, Options{
		Peaks:    peaks.NewExtractor(peaks.NewHTTPFetcher(""), nil),
		Renderer: renderer,
		Decoders: factory.New,
		Gate:     gate,
	})

	track := model.Track{
		ID:              "c",
		SourceURL:       "https://cdn.example/c/index.m3u8",
		Transport:       model.TransportSegmented,
		Waveform:        &model.WaveformRef{Kind: model.WaveformJSON, URL: srv.URL + "/c.json"},
		DurationSeconds: 180,
	}
	outcome, err := l.Load(context.Background(), track, true)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeStarted {
		t.Errorf("outcome = %s", outcome)
	}
	if got := len(l.CurrentPeaks()); got != 3000 {
		t.Errorf("peaks = %d, want 3000", got)
	}
	if len(renderer.loaded) != 1 || len(renderer.loaded[0]) != 3000 || renderer.loadedEl != el {
		t.Errorf("renderer did not receive peaks paired with the element")
	}
	decs := factory.Decoders()
	if len(decs) != 1 || decs[0].URL() != track.SourceURL || decs[0].Attached() != el {
		t.Fatalf("decoder not attached to element")
	}
	if len(el.Sources()) != 0 {
		t.Errorf("segmented load must not set a direct source: %v", el.Sources())
	}
	if gate.calls != 1 || el.Plays() != 1 {
		t.Errorf("gate calls = %d, plays = %d", gate.calls, el.Plays())
	}
}

// orderedElement 记录订阅就绪信号和设置音源的时机
type orderedElement struct {
	*mediatest.Element
	log *[]string
	mu  *sync.Mutex
}

func (e orderedElement) Ready() <-chan struct{} {
	e.mu.Lock()
	*e.log = append(*e.log, "ready")
	e.mu.Unlock()
	return e.Element.Ready()
}

func (e orderedElement) SetSource(ctx context.Context, url string) {
	e.mu.Lock()
	*e.log = append(*e.log, "source")
	e.mu.Unlock()
	e.Element.SetSource(ctx, url)
}

func TestDirectWaveformSubscribesAfterPeakFetch(t *testing.T) {
	var (
		log []string
		mu  sync.Mutex
	)
	el := orderedElement{Element: mediatest.NewElement(), log: &log, mu: &mu}
	src := &stubPeaks{values: []float64{0.2, 1}, onCall: func() {
		mu.Lock()
		log = append(log, "peaks")
		mu.Unlock()
	}}
	l := newTestLoader(el, Options{Peaks: src})

	track := model.Track{
		ID:        "1",
		SourceURL: "https://cdn.example/1.mp3",
		Transport: model.TransportDirect,
		Waveform:  &model.WaveformRef{Kind: model.WaveformJSON, URL: "https://cdn.example/1.json"},
	}
	if _, err := l.Load(context.Background(), track, true); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"peaks", "ready", "source"}
	if strings.Join(log, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", log, want)
	}
	// 时长未知时直接使用原始峰值
	if got := l.CurrentPeaks(); len(got) != 2 {
		t.Errorf("peaks = %v", got)
	}
}

func TestDirectWithoutWaveformSkipsPeaks(t *testing.T) {
	el := mediatest.NewElement()
	src := &stubPeaks{values: []float64{1}}
	l := newTestLoader(el, Options{Peaks: src})

	outcome, err := l.Load(context.Background(), model.Track{ID: "1", SourceURL: "a.mp3", Transport: model.TransportDirect}, true)
	if err != nil || outcome != OutcomeStarted {
		t.Fatalf("outcome = %s, err = %v", outcome, err)
	}
	if src.calls != 0 {
		t.Errorf("peak source called %d times", src.calls)
	}
	if got := el.Sources(); len(got) != 1 || got[0] != "a.mp3" {
		t.Errorf("sources = %v", got)
	}
}

func TestRefreshMergesBeforeLoading(t *testing.T) {
	el := mediatest.NewElement()
	l := newTestLoader(el, Options{Refresher: stubRefresher{fresh: model.Track{SourceURL: "https://cdn/x.mp3?sig=new"}}})

	track := model.Track{ID: "x", SourceURL: "https://cdn/x.mp3?sig=old", Transport: model.TransportDirect, Refreshable: true}
	if _, err := l.Load(context.Background(), track, true); err != nil {
		t.Fatal(err)
	}
	if got := el.Sources(); got[0] != "https://cdn/x.mp3?sig=new" {
		t.Errorf("source = %s", got[0])
	}
}

// presetRecorder 记录增益切换时元素所处的阶段
type presetRecorder struct {
	el      *mediatest.Element
	url     string
	resets  int
	sources int
	calls   int
}

func (p *presetRecorder) ApplyTrackPreset(_ context.Context, track model.Track) {
	p.calls++
	p.url = track.SourceURL
	p.resets = p.el.Resets()
	p.sources = len(p.el.Sources())
}

func TestPresetAppliedAfterRefreshAndTeardown(t *testing.T) {
	el := mediatest.NewElement()
	rec := &presetRecorder{el: el}
	l := newTestLoader(el, Options{
		Refresher: stubRefresher{fresh: model.Track{SourceURL: "https://cdn/x.mp3?sig=new"}},
		Presets:   rec,
	})

	track := model.Track{ID: "x", SourceURL: "https://cdn/x.mp3?sig=old", Transport: model.TransportDirect, Refreshable: true}
	if _, err := l.Load(context.Background(), track, true); err != nil {
		t.Fatal(err)
	}
	if rec.calls != 1 {
		t.Fatalf("preset applied %d times", rec.calls)
	}
	if rec.url != "https://cdn/x.mp3?sig=new" {
		t.Errorf("preset saw url %s, want refreshed url", rec.url)
	}
	if rec.resets != 1 || rec.sources != 0 {
		t.Errorf("preset applied with resets=%d sources=%d, want after teardown and before source", rec.resets, rec.sources)
	}
}

func TestRefreshFailureKeepsStaleURL(t *testing.T) {
	el := mediatest.NewElement()
	l := newTestLoader(el, Options{Refresher: stubRefresher{err: errors.New("503")}})

	track := model.Track{ID: "x", SourceURL: "https://cdn/x.mp3?sig=old", Transport: model.TransportDirect, Refreshable: true}
	outcome, err := l.Load(context.Background(), track, true)
	if err != nil || outcome != OutcomeStarted {
		t.Fatalf("outcome = %s, err = %v", outcome, err)
	}
	if got := el.Sources(); got[0] != track.SourceURL {
		t.Errorf("source = %s", got[0])
	}
}

func TestNewLoadTearsDownPreviousDecoder(t *testing.T) {
	el := mediatest.NewElement()
	factory := &mediatest.Factory{}
	l := newTestLoader(el, Options{Decoders: factory.New})

	seg := model.Track{ID: "s", SourceURL: "s.m3u8", Transport: model.TransportSegmented}
	if _, err := l.Load(context.Background(), seg, true); err != nil {
		t.Fatal(err)
	}
	resets := el.Resets()
	if _, err := l.Load(context.Background(), model.Track{ID: "d", SourceURL: "d.mp3", Transport: model.TransportDirect}, true); err != nil {
		t.Fatal(err)
	}
	if !factory.Decoders()[0].TornDown() {
		t.Error("previous decoder still attached")
	}
	if el.Resets() != resets+1 {
		t.Errorf("element resets = %d, want %d", el.Resets(), resets+1)
	}
}

func TestAutoplayBlockedIsNotAnError(t *testing.T) {
	el := mediatest.NewElement()
	el.RequiresGesture = true
	l := newTestLoader(el, Options{})

	outcome, err := l.Load(context.Background(), model.Track{ID: "1", SourceURL: "a.mp3", Transport: model.TransportDirect}, true)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeBlocked {
		t.Errorf("outcome = %s", outcome)
	}
}

func TestFailuresWrapErrLoad(t *testing.T) {
	track := model.Track{ID: "1", SourceURL: "a.mp3", Transport: model.TransportDirect}
	seg := model.Track{ID: "2", SourceURL: "b.m3u8", Transport: model.TransportSegmented}

	t.Run("play rejected", func(t *testing.T) {
		el := mediatest.NewElement()
		el.PlayErr = media.ErrUnsupportedFormat
		_, err := newTestLoader(el, Options{}).Load(context.Background(), track, true)
		if !errors.Is(err, ErrLoad) {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("element failed", func(t *testing.T) {
		el := mediatest.NewElement()
		el.AutoReady = false
		go func() {
			for len(el.Sources()) == 0 {
				time.Sleep(time.Millisecond)
			}
			el.Fail(errors.New("404"))
		}()
		_, err := newTestLoader(el, Options{}).Load(context.Background(), track, true)
		if !errors.Is(err, ErrLoad) {
			t.Errorf("err = %v", err)
		}
		if el.Plays() != 0 {
			t.Error("play must not be attempted after a failure")
		}
	})
	t.Run("decoder error", func(t *testing.T) {
		el := mediatest.NewElement()
		factory := &mediatest.Factory{Configure: func(d *mediatest.Decoder) {
			d.AutoParse = false
			d.Fail(errors.New("manifest 500"))
		}}
		_, err := newTestLoader(el, Options{Decoders: factory.New}).Load(context.Background(), seg, true)
		if !errors.Is(err, ErrLoad) {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("no source", func(t *testing.T) {
		_, err := newTestLoader(mediatest.NewElement(), Options{}).Load(context.Background(), model.Track{ID: "3"}, true)
		if !errors.Is(err, ErrLoad) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestCancelledLoadReturnsCanceled(t *testing.T) {
	el := mediatest.NewElement()
	el.AutoReady = false
	l := newTestLoader(el, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Load(ctx, model.Track{ID: "1", SourceURL: "a.mp3", Transport: model.TransportDirect}, true)
		done <- err
	}()
	for len(el.Sources()) == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("load did not observe cancellation")
	}
	if el.Plays() != 0 {
		t.Error("cancelled load must not start playback")
	}
}

func TestPlayGoesThroughGate(t *testing.T) {
	el := mediatest.NewElement()
	gate := &countingGate{async: true}
	l := newTestLoader(el, Options{Gate: gate})

	outcome, err := l.Load(context.Background(), model.Track{ID: "1", SourceURL: "a.mp3", Transport: model.TransportDirect}, true)
	if err != nil || outcome != OutcomeStarted {
		t.Fatalf("outcome = %s, err = %v", outcome, err)
	}
	if gate.calls != 1 || el.Plays() != 1 {
		t.Errorf("gate calls = %d, plays = %d", gate.calls, el.Plays())
	}
}

func TestLoadWithoutAutoplayStaysReady(t *testing.T) {
	el := mediatest.NewElement()
	gate := &countingGate{}
	l := newTestLoader(el, Options{Gate: gate})

	outcome, err := l.Load(context.Background(), model.Track{ID: "1", SourceURL: "a.mp3", Transport: model.TransportDirect}, false)
	if err != nil || outcome != OutcomeReady {
		t.Fatalf("outcome = %s, err = %v", outcome, err)
	}
	if gate.calls != 0 || el.Plays() != 0 {
		t.Error("non-autoplay load must not start playback")
	}
}
