package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"waveplay/cache"
	"waveplay/core/equalizer"
	"waveplay/core/events"
	"waveplay/core/loader"
	"waveplay/core/media"
	"waveplay/core/media/mediatest"
	"waveplay/core/player"
	"waveplay/metrics"
	"waveplay/model"
)

type stubGraph struct {
	mu    sync.Mutex
	gains [model.BandCount]float64
}

func (g *stubGraph) SetGain(band int, db float64) {
	g.mu.Lock()
	g.gains[band] = db
	g.mu.Unlock()
}

func (g *stubGraph) Close() {}

type stubCatalog struct {
	mu    sync.Mutex
	scope string
}

func (c *stubCatalog) List(_ context.Context, scope string) ([]model.Track, error) {
	c.mu.Lock()
	c.scope = scope
	c.mu.Unlock()
	return testTracks()[:2], nil
}

func (c *stubCatalog) Search(_ context.Context, q, _ string) ([]model.Track, error) {
	var out []model.Track
	for _, t := range testTracks() {
		if strings.EqualFold(t.Metadata.Title, q) {
			out = append(out, t)
		}
	}
	return out, nil
}

type stubHistory struct {
	entries []*model.PlayHistory
}

func (s *stubHistory) Record(_ context.Context, e *model.PlayHistory) error {
	s.entries = append(s.entries, e)
	return nil
}

func (s *stubHistory) Recent(_ context.Context, limit int) ([]*model.PlayHistory, error) {
	if limit < len(s.entries) {
		return s.entries[:limit], nil
	}
	return s.entries, nil
}

func (s *stubHistory) CountByTrack(context.Context, string) (int64, error) { return 0, nil }

func (s *stubHistory) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func testTracks() []model.Track {
	return []model.Track{
		{ID: "1", SourceURL: "https://cdn/1.mp3?sig=a", Transport: model.TransportDirect, Metadata: model.TrackMetadata{Title: "One"}},
		{ID: "2", SourceURL: "https://cdn/2.mp3", Transport: model.TransportDirect, Metadata: model.TrackMetadata{Title: "Two"}},
		{ID: "3", SourceURL: "https://cdn/3.mp3", Transport: model.TransportDirect, Metadata: model.TrackMetadata{Title: "Three"}},
	}
}

type testEnv struct {
	el      *mediatest.Element
	prefs   *cache.MemoryPreferences
	catalog *stubCatalog
	player  *player.Orchestrator
	bus     *events.Bus
	server  *httptest.Server
}

func newTestEnv(t *testing.T, history *stubHistory) *testEnv {
	t.Helper()
	el := mediatest.NewElement()
	bus := events.NewBus()
	prefs := cache.NewMemoryPreferences()
	catalog := &stubCatalog{}

	coord := equalizer.NewCoordinator(el, equalizer.Options{
		Factory: func(media.Element, [model.BandCount]model.Band) (equalizer.Graph, error) {
			return &stubGraph{}, nil
		},
		Store: prefs,
	})
	o := player.New(player.Options{
		Element:     el,
		Loader:      loader.New(loader.Options{Element: el, Gate: coord, Presets: coord}),
		Bus:         bus,
		Equalizer:   coord,
		Preferences: prefs,
		Catalog:     catalog,
		Scope:       "library",
	})

	var h *PlayerHandler
	if history != nil {
		h = NewPlayerHandler(o, coord, history)
	} else {
		h = NewPlayerHandler(o, coord, nil)
	}

	hub := NewPlayerHub()
	go hub.Run()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Forward(ctx, bus.Subscribe())

	srv := httptest.NewServer(NewRouter(h, hub, metrics.New()))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		hub.Stop()
		bus.Close()
	})
	return &testEnv{el: el, prefs: prefs, catalog: catalog, player: o, bus: bus, server: srv}
}

func (e *testEnv) post(t *testing.T, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	resp, err := http.Post(e.server.URL+path, "application/json", r)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func (e *testEnv) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func (e *testEnv) state(t *testing.T) model.PlaybackState {
	t.Helper()
	code, body := e.get(t, "/api/player/state")
	if code != http.StatusOK {
		t.Fatalf("state status = %d", code)
	}
	var st model.PlaybackState
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return st
}

func (e *testEnv) waitPlaying(t *testing.T, id model.TrackID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := e.player.Snapshot()
		if st.Status == model.StatusPlaying && !st.IsTransitioning &&
			st.CurrentTrack != nil && st.CurrentTrack.ID == id {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("track %s never started playing", id)
}

func (e *testEnv) loadQueue(t *testing.T) {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{"tracks": testTracks()})
	code, data := e.post(t, "/api/player/queue", string(body))
	if code != http.StatusOK {
		t.Fatalf("queue status = %d: %s", code, data)
	}
	var res QueueResult
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatal(err)
	}
	if res.Count != 3 || res.Index != -1 {
		t.Fatalf("queue result = %+v", res)
	}
}

func TestPlayRouteStartsTrack(t *testing.T) {
	env := newTestEnv(t, nil)
	env.loadQueue(t)

	code, body := env.post(t, "/api/player/play/2", "")
	if code != http.StatusOK {
		t.Fatalf("play status = %d: %s", code, body)
	}
	env.waitPlaying(t, "2")

	st := env.state(t)
	if st.CurrentIndex != 1 || st.QueueLength != 3 {
		t.Errorf("state = %+v", st)
	}
	if got := env.el.Sources(); len(got) != 1 || got[0] != "https://cdn/2.mp3" {
		t.Errorf("sources = %v", got)
	}

	// 再次点击当前曲目切换为暂停
	if code, _ := env.post(t, "/api/player/play/2", ""); code != http.StatusOK {
		t.Fatalf("toggle status = %d", code)
	}
	if st := env.state(t); st.Status != model.StatusPaused {
		t.Errorf("status after toggle = %s, want paused", st.Status)
	}
}

func TestPlayAdHocTrack(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"id":"x","sourceUrl":"https://cdn/x.mp3","transport":"direct"}`
	if code, data := env.post(t, "/api/player/play", body); code != http.StatusOK {
		t.Fatalf("status = %d: %s", code, data)
	}
	env.waitPlaying(t, "x")

	if code, _ := env.post(t, "/api/player/play", `{"id":"y"}`); code != http.StatusBadRequest {
		t.Errorf("track without source: status = %d, want 400", code)
	}
}

func TestCommandErrorStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"pause without track", "/api/player/pause", "", http.StatusConflict},
		{"next on empty queue", "/api/player/next", "", http.StatusConflict},
		{"unknown track", "/api/player/play/nope", "", http.StatusNotFound},
		{"seek without track", "/api/player/seek", `{"delta":5}`, http.StatusConflict},
		{"bad repeat mode", "/api/player/repeat", `{"mode":"sometimes"}`, http.StatusBadRequest},
		{"shuffle without flag", "/api/player/shuffle", `{}`, http.StatusBadRequest},
		{"malformed body", "/api/player/repeat", `{"mode":`, http.StatusBadRequest},
		{"unknown preset", "/api/player/eq/preset", `{"name":"nope"}`, http.StatusBadRequest},
		{"wrong band count", "/api/player/eq/bands", `{"gains":[1,2,3]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := env.post(t, tt.path, tt.body)
			if code != tt.want {
				t.Errorf("status = %d, want %d (%s)", code, tt.want, body)
			}
		})
	}
}

func TestSeekRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	env.loadQueue(t)
	env.post(t, "/api/player/play/1", "")
	env.waitPlaying(t, "1")

	if code, _ := env.post(t, "/api/player/seek", `{"fraction":0.5}`); code != http.StatusConflict {
		t.Errorf("fraction without duration: status = %d, want 409", code)
	}

	env.el.SetDuration(200)
	if code, _ := env.post(t, "/api/player/seek", `{"fraction":0.5}`); code != http.StatusOK {
		t.Fatalf("fraction seek status = %d", code)
	}
	if pos := env.el.Position(); pos != 100 {
		t.Errorf("position = %v, want 100", pos)
	}
	if code, _ := env.post(t, "/api/player/seek", `{"delta":-30}`); code != http.StatusOK {
		t.Fatalf("delta seek status = %d", code)
	}
	if pos := env.el.Position(); pos != 70 {
		t.Errorf("position = %v, want 70", pos)
	}
	if code, _ := env.post(t, "/api/player/seek", `{"fraction":1.5}`); code != http.StatusBadRequest {
		t.Errorf("out of range fraction: status = %d, want 400", code)
	}
	if code, _ := env.post(t, "/api/player/seek", `{}`); code != http.StatusBadRequest {
		t.Errorf("empty seek: status = %d, want 400", code)
	}
}

func TestRepeatAndShufflePersist(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.post(t, "/api/player/repeat", `{"mode":"one"}`)
	if code != http.StatusOK {
		t.Fatalf("repeat status = %d", code)
	}
	var st model.PlaybackState
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatal(err)
	}
	if st.RepeatMode != model.RepeatOne {
		t.Errorf("repeat = %s, want one", st.RepeatMode)
	}
	if mode, _ := env.prefs.RepeatMode(context.Background()); mode != model.RepeatOne {
		t.Errorf("persisted repeat = %s", mode)
	}

	if code, _ := env.post(t, "/api/player/shuffle", `{"enabled":true}`); code != http.StatusOK {
		t.Fatalf("shuffle status = %d", code)
	}
	if !env.state(t).ShuffleEnabled {
		t.Error("shuffle not enabled")
	}
	if on, _ := env.prefs.Shuffle(context.Background()); !on {
		t.Error("shuffle not persisted")
	}
}

func TestEqualizerRoutes(t *testing.T) {
	env := newTestEnv(t, nil)

	gains := `{"gains":[20,0,0,0,0,0,0,0,0,-3]}`
	code, body := env.post(t, "/api/player/eq/bands", gains)
	if code != http.StatusOK {
		t.Fatalf("bands status = %d: %s", code, body)
	}
	var eq EqualizerState
	if err := json.Unmarshal(body, &eq); err != nil {
		t.Fatal(err)
	}
	if eq.Bands[0].GainDb != model.MaxGainDb || eq.Bands[9].GainDb != -3 {
		t.Errorf("bands = %+v", eq.Bands)
	}

	code, body = env.post(t, "/api/player/eq/preset", `{"name":"Bass_Boost"}`)
	if code != http.StatusOK {
		t.Fatalf("preset status = %d", code)
	}
	if err := json.Unmarshal(body, &eq); err != nil {
		t.Fatal(err)
	}
	if eq.Bands[0].GainDb != 6 || eq.Bands[9].GainDb != 0 {
		t.Errorf("preset bands = %+v", eq.Bands)
	}

	code, body = env.post(t, "/api/player/eq/constrained", `{"enabled":true}`)
	if code != http.StatusOK {
		t.Fatalf("constrained status = %d", code)
	}
	if err := json.Unmarshal(body, &eq); err != nil {
		t.Fatal(err)
	}
	if !eq.ConstrainedOptIn {
		t.Error("constrained opt-in not reported")
	}
	if on, _ := env.prefs.EQConstrainedOptIn(context.Background()); !on {
		t.Error("constrained opt-in not persisted")
	}

	if code, _ := env.get(t, "/api/player/eq"); code != http.StatusOK {
		t.Errorf("eq state status = %d", code)
	}
}

func TestEqualizerSaveUsesStableKey(t *testing.T) {
	env := newTestEnv(t, nil)
	env.loadQueue(t)
	env.post(t, "/api/player/play/1", "")
	env.waitPlaying(t, "1")

	env.post(t, "/api/player/eq/band", `{"band":3,"gain":4.5}`)
	if code, body := env.post(t, "/api/player/eq/save", ""); code != http.StatusOK {
		t.Fatalf("save status = %d: %s", code, body)
	}

	saved, ok, err := env.prefs.LoadGains(context.Background(), equalizer.StableKey("https://cdn/1.mp3?sig=other"))
	if err != nil || !ok {
		t.Fatalf("saved gains missing: ok=%v err=%v", ok, err)
	}
	if saved[3] != 4.5 {
		t.Errorf("saved gains = %v", saved)
	}
}

func TestQueueFromCatalogAndSearch(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.post(t, "/api/player/queue", `{"scope":"favorites"}`)
	if code != http.StatusOK {
		t.Fatalf("queue status = %d: %s", code, body)
	}
	var res QueueResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatal(err)
	}
	if res.Count != 2 {
		t.Errorf("count = %d, want 2", res.Count)
	}
	env.catalog.mu.Lock()
	scope := env.catalog.scope
	env.catalog.mu.Unlock()
	if scope != "favorites" {
		t.Errorf("catalog scope = %q", scope)
	}

	code, body = env.get(t, "/api/player/queue")
	var tracks []model.Track
	if code != http.StatusOK || json.Unmarshal(body, &tracks) != nil || len(tracks) != 2 {
		t.Errorf("queue = %d %s", code, body)
	}

	code, body = env.get(t, "/api/player/search?q=three")
	if code != http.StatusOK || json.Unmarshal(body, &tracks) != nil || len(tracks) != 1 || tracks[0].ID != "3" {
		t.Errorf("search = %d %s", code, body)
	}
	if code, _ := env.get(t, "/api/player/search"); code != http.StatusBadRequest {
		t.Errorf("empty search status = %d", code)
	}
}

func TestPeaksRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	code, body := env.get(t, "/api/player/peaks")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var resp struct {
		ID    string    `json:"id"`
		Peaks []float64 `json:"peaks"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "" || resp.Peaks == nil || len(resp.Peaks) != 0 {
		t.Errorf("peaks = %s", body)
	}
}

func TestHistoryRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	if code, _ := env.get(t, "/api/player/history"); code != http.StatusServiceUnavailable {
		t.Errorf("without repository: status = %d, want 503", code)
	}

	hist := &stubHistory{}
	hist.Record(context.Background(), &model.PlayHistory{TrackID: "1"})
	hist.Record(context.Background(), &model.PlayHistory{TrackID: "2"})
	env = newTestEnv(t, hist)

	code, body := env.get(t, "/api/player/history?limit=1")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var entries []model.PlayHistory
	if err := json.Unmarshal(body, &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].TrackID != "1" {
		t.Errorf("entries = %+v", entries)
	}
	if code, _ := env.get(t, "/api/player/history?limit=abc"); code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", code)
	}
}

func TestMetricsAndCORS(t *testing.T) {
	env := newTestEnv(t, nil)

	if code, _ := env.get(t, "/metrics"); code != http.StatusOK {
		t.Errorf("metrics status = %d", code)
	}

	req, _ := http.NewRequest(http.MethodOptions, env.server.URL+"/api/player/state", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("preflight status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow origin = %q", got)
	}
}

func TestExecuteUnknownCommand(t *testing.T) {
	env := newTestEnv(t, nil)
	h := NewPlayerHandler(env.player, nil, nil)

	if _, err := h.Execute(context.Background(), "rewind", nil); statusFor(err) != http.StatusBadRequest {
		t.Errorf("unknown command: err = %v", err)
	}
	if _, err := h.Execute(context.Background(), CmdEQBands, json.RawMessage(`{"gains":[]}`)); statusFor(err) != http.StatusServiceUnavailable {
		t.Errorf("eq without coordinator: err = %v", err)
	}
	res, err := h.Execute(context.Background(), CmdEQConstrained, json.RawMessage(`{"enabled":false}`))
	if err != nil || res != nil {
		t.Errorf("constrained without coordinator: res = %v err = %v", res, err)
	}
}
