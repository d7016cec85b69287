package events

import (
	"sync"

	"waveplay/core/media"
	"waveplay/model"
)

// WaveformRenderer 无界面的波形渲染器
// 把峰值作为 waveform-loaded 信号发布给前端或锁屏等外部渲染方
type WaveformRenderer struct {
	bus *Bus

	mu    sync.RWMutex
	id    model.TrackID
	peaks []float64
}

var _ media.Renderer = (*WaveformRenderer)(nil)

// NewWaveformRenderer 创建渲染器
func NewWaveformRenderer(bus *Bus) *WaveformRenderer {
	return &WaveformRenderer{bus: bus}
}

// Render 实现 media.Renderer
func (r *WaveformRenderer) Render(track model.Track, peaks []float64) {
	r.store(track.ID, peaks)
}

// Load 实现 media.Renderer
// 分片流的峰值在解码器绑定之前发布
func (r *WaveformRenderer) Load(track model.Track, peaks []float64, _ media.Element) {
	r.store(track.ID, peaks)
}

func (r *WaveformRenderer) store(id model.TrackID, peaks []float64) {
	cp := make([]float64, len(peaks))
	copy(cp, peaks)

	r.mu.Lock()
	r.id = id
	r.peaks = cp
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(TypeWaveformLoaded, WaveformLoaded{ID: id, Peaks: cp})
	}
}

// Current 最近一次渲染的曲目和峰值
func (r *WaveformRenderer) Current() (model.TrackID, []float64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]float64, len(r.peaks))
	copy(out, r.peaks)
	return r.id, out
}
