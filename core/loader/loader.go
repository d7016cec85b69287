package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"waveplay/core/media"
	"waveplay/core/peaks"
	"waveplay/logger"
	"waveplay/metrics"
	"waveplay/model"
)

// ErrLoad 加载流程中的致命错误，调用方应进入 Error 状态且不重试
var ErrLoad = errors.New("track load failed")

// Outcome 一次加载的结果
type Outcome int

const (
	OutcomeStarted Outcome = iota // 已开始播放
	OutcomeBlocked                // 被自动播放策略拦截，等待用户点击
	OutcomeReady                  // 已就绪但调用方没有要求自动播放
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStarted:
		return "started"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeReady:
		return "ready"
	}
	return "unknown"
}

// Refresher 重新解析会过期的音源地址
type Refresher interface {
	Refresh(ctx context.Context, track model.Track) (model.Track, error)
}

// Gate 播放前的就绪闸门，由均衡器协调器实现
type Gate interface {
	WhenReady(play func())
}

// PeakSource 波形峰值来源
type PeakSource interface {
	Extract(ctx context.Context, ref *model.WaveformRef) []float64
}

// PresetApplier 切歌时应用曲目的均衡器增益
type PresetApplier interface {
	ApplyTrackPreset(ctx context.Context, track model.Track)
}

// Options 加载器依赖
type Options struct {
	Element   media.Element
	Peaks     PeakSource
	Renderer  media.Renderer
	Decoders  media.DecoderFactory
	Gate      Gate
	Refresher Refresher
	Presets   PresetApplier
	Render    peaks.RenderConfig
	Metrics   *metrics.Metrics
}

// Loader 曲目加载器
// 负责把一首歌装载到共享元素上：刷新地址、拆除旧解码器、准备波形、绑定音源、经由闸门开始播放
type Loader struct {
	el        media.Element
	peaks     PeakSource
	renderer  media.Renderer
	decoders  media.DecoderFactory
	gate      Gate
	refresher Refresher
	presets   PresetApplier
	metrics   *metrics.Metrics

	mu      sync.Mutex
	render  peaks.RenderConfig
	decoder media.Decoder
	current []float64
}

// New 创建加载器
func New(opts Options) *Loader {
	return &Loader{
		el:        opts.Element,
		peaks:     opts.Peaks,
		renderer:  opts.Renderer,
		decoders:  opts.Decoders,
		gate:      opts.Gate,
		refresher: opts.Refresher,
		presets:   opts.Presets,
		metrics:   opts.Metrics,
		render:    opts.Render,
	}
}

// SetRenderConfig 更新波形几何参数，下一次加载生效
func (l *Loader) SetRenderConfig(cfg peaks.RenderConfig) {
	l.mu.Lock()
	l.render = cfg
	l.mu.Unlock()
}

// CurrentPeaks 最近一次渲染的峰值
func (l *Loader) CurrentPeaks() []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]float64, len(l.current))
	copy(out, l.current)
	return out
}

// Load 装载并（按需）播放一首歌
// ctx 被取消说明已有更新的加载，此时返回 context.Canceled，结果应被忽略
func (l *Loader) Load(ctx context.Context, track model.Track, autoplay bool) (Outcome, error) {
	loadID := uuid.NewString()
	start := time.Now()
	l.metrics.LoadStarted(string(track.Transport))

	logger.Info("[TrackLoader] 开始加载",
		logger.String("loadId", loadID),
		logger.String("trackId", track.ID.String()),
		logger.String("transport", string(track.Transport)),
		logger.Bool("autoplay", autoplay))

	outcome, err := l.load(ctx, loadID, track, autoplay)

	label := outcome.String()
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		label = "canceled"
		logger.Debug("[TrackLoader] 加载已被取代", logger.String("loadId", loadID))
	case err != nil:
		label = "error"
		logger.Error("[TrackLoader] 加载失败",
			logger.String("loadId", loadID),
			logger.String("trackId", track.ID.String()),
			logger.ErrorField(err))
	default:
		logger.Info("[TrackLoader] 加载完成",
			logger.String("loadId", loadID),
			logger.String("outcome", label),
			logger.Duration("elapsed", time.Since(start)))
	}
	l.metrics.LoadFinished(label, time.Since(start).Seconds())
	return outcome, err
}

func (l *Loader) load(ctx context.Context, loadID string, track model.Track, autoplay bool) (Outcome, error) {
	if l.el == nil {
		return OutcomeReady, fmt.Errorf("%w: %v", ErrLoad, media.ErrNoSource)
	}

	// 1. 刷新会过期的地址，失败时继续使用旧地址
	if track.Refreshable && l.refresher != nil {
		fresh, err := l.refresher.Refresh(ctx, track)
		if err != nil {
			if ctx.Err() != nil {
				return OutcomeReady, ctx.Err()
			}
			logger.Warn("[TrackLoader] 刷新音源地址失败，使用旧地址",
				logger.String("loadId", loadID),
				logger.ErrorField(err))
		} else {
			track = track.Merge(&fresh)
		}
	}
	if track.SourceURL == "" {
		return OutcomeReady, fmt.Errorf("%w: %v", ErrLoad, media.ErrNoSource)
	}

	// 2-3. 拆除旧解码器并清空元素
	if err := l.teardown(ctx); err != nil {
		return OutcomeReady, err
	}

	// 旧曲目已经停下，此时再切换增益
	if l.presets != nil {
		l.presets.ApplyTrackPreset(ctx, track)
	}

	var (
		ready   <-chan struct{}
		failed  <-chan error
		decErrs <-chan error
	)

	// 4. 按传输方式分支
	switch track.Transport {
	case model.TransportSegmented:
		pk := l.preparePeaks(ctx, track)
		if ctx.Err() != nil {
			return OutcomeReady, ctx.Err()
		}
		if l.decoders == nil {
			return OutcomeReady, fmt.Errorf("%w: no segmented decoder available", ErrLoad)
		}

		l.mu.Lock()
		if ctx.Err() != nil {
			l.mu.Unlock()
			return OutcomeReady, ctx.Err()
		}
		// 分片解码器不产出整首歌的峰值，绑定前先放入渲染器
		l.current = pk
		if l.renderer != nil {
			l.renderer.Load(track, pk, l.el)
		}
		dec := l.decoders()
		l.decoder = dec
		ready = dec.ManifestParsed()
		decErrs = dec.Errors()
		failed = l.el.Failed()
		dec.LoadSource(ctx, track.SourceURL)
		err := dec.Attach(l.el)
		l.mu.Unlock()
		if err != nil {
			return OutcomeReady, fmt.Errorf("%w: attach decoder: %v", ErrLoad, err)
		}

	default:
		var pk []float64
		if track.Waveform.Usable() {
			pk = l.preparePeaks(ctx, track)
			if ctx.Err() != nil {
				return OutcomeReady, ctx.Err()
			}
		}

		l.mu.Lock()
		if ctx.Err() != nil {
			l.mu.Unlock()
			return OutcomeReady, ctx.Err()
		}
		l.current = pk
		if pk != nil && l.renderer != nil {
			l.renderer.Render(track, pk)
		}
		// 峰值获取完成之后才订阅就绪信号，避免拿到上一首拆除时残留的事件
		ready = l.el.Ready()
		failed = l.el.Failed()
		l.el.SetSource(ctx, track.SourceURL)
		l.mu.Unlock()
	}

	select {
	case <-ctx.Done():
		return OutcomeReady, ctx.Err()
	case <-ready:
	case err := <-failed:
		return OutcomeReady, fmt.Errorf("%w: %v", ErrLoad, err)
	case err := <-decErrs:
		return OutcomeReady, fmt.Errorf("%w: %v", ErrLoad, err)
	}

	if !autoplay {
		return OutcomeReady, nil
	}

	// 5. 经由均衡器闸门开始播放
	result := make(chan error, 1)
	play := func() {
		if ctx.Err() != nil {
			result <- ctx.Err()
			return
		}
		result <- l.el.Play()
	}
	if l.gate != nil {
		l.gate.WhenReady(play)
	} else {
		play()
	}

	select {
	case <-ctx.Done():
		return OutcomeReady, ctx.Err()
	case err := <-result:
		switch {
		case err == nil:
			return OutcomeStarted, nil
		case errors.Is(err, media.ErrAutoplayBlocked):
			logger.Info("[TrackLoader] 自动播放被拦截，等待用户操作", logger.String("loadId", loadID))
			return OutcomeBlocked, nil
		case errors.Is(err, context.Canceled):
			return OutcomeReady, err
		default:
			// 6. 真正的播放错误，不重试
			return OutcomeReady, fmt.Errorf("%w: play: %v", ErrLoad, err)
		}
	}
}

// teardown 拆除上一首的解码器并重置共享元素
func (l *Loader) teardown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if l.decoder != nil {
		l.decoder.Detach()
		l.decoder.Destroy()
		l.decoder = nil
	}
	l.current = nil
	l.el.Reset()
	return nil
}

// preparePeaks 获取并重采样峰值，失败时返回空切片
func (l *Loader) preparePeaks(ctx context.Context, track model.Track) []float64 {
	if l.peaks == nil || !track.Waveform.Usable() {
		return []float64{}
	}
	raw := l.peaks.Extract(ctx, track.Waveform)

	l.mu.Lock()
	cfg := l.render
	l.mu.Unlock()

	target := peaks.TargetLength(track.DurationSeconds, cfg)
	if target <= 0 {
		return raw
	}
	return peaks.Resample(raw, target)
}

// Stop 拆除当前解码器并清空元素
func (l *Loader) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.decoder != nil {
		l.decoder.Detach()
		l.decoder.Destroy()
		l.decoder = nil
	}
	if l.el != nil {
		l.el.Reset()
	}
}
