package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/flac"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"

	"waveplay/logger"
)

const (
	// maxSourceBytes 直接音源整体读入内存的上限
	maxSourceBytes = 512 << 20
	// timeUpdateInterval 播放进度回调间隔
	timeUpdateInterval = 250 * time.Millisecond
	// resampleQuality beep 重采样质量
	resampleQuality = 4
)

var (
	speakerOnce sync.Once
	speakerErr  error
)

// initSpeaker 扬声器全局只初始化一次
func initSpeaker(sr beep.SampleRate) error {
	speakerOnce.Do(func() {
		speakerErr = speaker.Init(sr, sr.N(time.Second/10))
	})
	return speakerErr
}

// StreamSink 可以直接接收解码后音频流的元素，分片流解码器通过它写入
type StreamSink interface {
	AttachStream(s beep.StreamSeekCloser, format beep.Format, duration float64) error
}

// Router 可以把输出经过处理图路由的元素
// 每个元素实例只能被接管一次
type Router interface {
	Route(fn func(beep.Streamer) beep.Streamer) error
	Unroute()
}

// BeepOptions BeepElement 配置
type BeepOptions struct {
	SampleRate      beep.SampleRate
	RequiresGesture bool // 没有用户手势时拒绝程序化播放
}

// BeepElement 基于 beep 扬声器的音频元素
//
//	[Decode] -> [Resample] -> [Route(EQ)] -> [Ctrl] -> [Speaker]
type BeepElement struct {
	opener          Opener
	sampleRate      beep.SampleRate
	requiresGesture bool

	mu          sync.Mutex
	gen         uint64
	ready       chan struct{}
	readyClosed bool
	failed      chan error
	cancel      context.CancelFunc

	source   beep.StreamSeekCloser
	format   beep.Format
	duration float64
	base     beep.Streamer
	ctrl     *beep.Ctrl
	started  bool
	paused   bool

	route     func(beep.Streamer) beep.Streamer
	captured  bool
	activated bool

	handlers   Handlers
	stopTicker chan struct{}
}

var (
	_ Element    = (*BeepElement)(nil)
	_ Activator  = (*BeepElement)(nil)
	_ StreamSink = (*BeepElement)(nil)
	_ Router     = (*BeepElement)(nil)
)

// NewBeepElement 创建音频元素
func NewBeepElement(opener Opener, opts BeepOptions) *BeepElement {
	if opts.SampleRate <= 0 {
		opts.SampleRate = beep.SampleRate(44100)
	}
	return &BeepElement{
		opener:          opener,
		sampleRate:      opts.SampleRate,
		requiresGesture: opts.RequiresGesture,
		ready:           make(chan struct{}),
		failed:          make(chan error, 1),
	}
}

// Reset 停止播放并清空状态
func (e *BeepElement) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.gen++
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.stopTickerLocked()
	if e.started {
		speaker.Clear()
	}
	if e.source != nil {
		if err := e.source.Close(); err != nil {
			logger.Debug("[MediaElement] 关闭音源失败", logger.ErrorField(err))
		}
	}
	e.source = nil
	e.base = nil
	e.ctrl = nil
	e.format = beep.Format{}
	e.duration = 0
	e.started = false
	e.paused = false
	e.ready = make(chan struct{})
	e.readyClosed = false
	e.failed = make(chan error, 1)
}

// SetSource 异步加载并解码音源
func (e *BeepElement) SetSource(ctx context.Context, url string) {
	e.mu.Lock()
	gen := e.gen
	lctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	go e.load(lctx, gen, url)
}

func (e *BeepElement) load(ctx context.Context, gen uint64, url string) {
	s, format, err := e.openSource(ctx, url)
	if err != nil {
		e.fail(gen, err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		// 已经被新的加载取代
		s.Close()
		return
	}
	e.setSourceLocked(s, format, format.SampleRate.D(s.Len()).Seconds())
}

func (e *BeepElement) openSource(ctx context.Context, url string) (beep.StreamSeekCloser, beep.Format, error) {
	if e.opener == nil {
		return nil, beep.Format{}, ErrNoSource
	}
	body, err := e.opener.Open(ctx, url)
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("open source: %w", err)
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxSourceBytes))
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("read source: %w", err)
	}
	return Decode(data)
}

func (e *BeepElement) fail(gen uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return
	}
	select {
	case e.failed <- err:
	default:
	}
}

func (e *BeepElement) setSourceLocked(s beep.StreamSeekCloser, format beep.Format, duration float64) {
	e.source = s
	e.format = format
	e.duration = duration
	if !e.readyClosed {
		close(e.ready)
		e.readyClosed = true
	}
}

// AttachStream 由分片流解码器调用
func (e *BeepElement) AttachStream(s beep.StreamSeekCloser, format beep.Format, duration float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("element already playing")
	}
	if e.source != nil {
		e.source.Close()
	}
	e.setSourceLocked(s, format, duration)
	return nil
}

// Ready 实现 Element
func (e *BeepElement) Ready() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// Failed 实现 Element
func (e *BeepElement) Failed() <-chan error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed
}

// Activate 记录一次用户手势
func (e *BeepElement) Activate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activated = true
}

// Play 开始或继续播放
func (e *BeepElement) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.requiresGesture && !e.activated {
		return ErrAutoplayBlocked
	}
	if e.source == nil {
		return ErrNoSource
	}

	if e.started {
		speaker.Lock()
		e.ctrl.Paused = false
		speaker.Unlock()
		e.paused = false
		e.startTickerLocked()
		return nil
	}

	if err := initSpeaker(e.sampleRate); err != nil {
		return fmt.Errorf("init speaker: %w", err)
	}

	var s beep.Streamer = e.source
	if e.format.SampleRate != e.sampleRate {
		s = beep.Resample(resampleQuality, e.format.SampleRate, e.sampleRate, s)
	}
	e.base = s
	e.ctrl = &beep.Ctrl{Streamer: e.chainLocked()}

	gen, src := e.gen, e.source
	speaker.Play(beep.Seq(e.ctrl, beep.Callback(func() {
		// 回调运行在扬声器锁内，必须另起 goroutine
		go e.finished(gen, src)
	})))

	e.started = true
	e.paused = false
	e.startTickerLocked()
	return nil
}

func (e *BeepElement) chainLocked() beep.Streamer {
	if e.route != nil {
		return e.route(e.base)
	}
	return e.base
}

func (e *BeepElement) finished(gen uint64, src beep.StreamSeekCloser) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.stopTickerLocked()
	e.started = false
	e.paused = false
	streamErr := src.Err()
	if streamErr == nil {
		// 回到开头，之后的 Play 从头播放
		_ = src.Seek(0)
	}
	h := e.handlers
	e.mu.Unlock()

	if streamErr != nil {
		if h.Error != nil {
			h.Error(streamErr)
		}
		return
	}
	if h.Ended != nil {
		h.Ended()
	}
}

// Pause 暂停
func (e *BeepElement) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	speaker.Lock()
	e.ctrl.Paused = true
	speaker.Unlock()
	e.paused = true
	e.stopTickerLocked()
}

// Paused 没有在出声时都算暂停
func (e *BeepElement) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.started || e.paused
}

// Seek 跳转到指定秒数
func (e *BeepElement) Seek(seconds float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.source == nil {
		return ErrNoSource
	}

	pos := e.format.SampleRate.N(time.Duration(seconds * float64(time.Second)))
	if pos < 0 {
		pos = 0
	}
	if n := e.source.Len(); n > 0 && pos >= n {
		pos = n - 1
	}

	speaker.Lock()
	err := e.source.Seek(pos)
	speaker.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotSeekable, err)
	}
	return nil
}

// Position 当前播放位置（秒）
func (e *BeepElement) Position() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positionLocked()
}

func (e *BeepElement) positionLocked() float64 {
	if e.source == nil || e.format.SampleRate == 0 {
		return 0
	}
	speaker.Lock()
	p := e.source.Position()
	speaker.Unlock()
	return e.format.SampleRate.D(p).Seconds()
}

// Duration 当前音源时长（秒），未知时为 0
func (e *BeepElement) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

// SampleRate 输出采样率
func (e *BeepElement) SampleRate() beep.SampleRate {
	return e.sampleRate
}

// SetHandlers 设置事件回调
func (e *BeepElement) SetHandlers(h Handlers) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = h
}

// Route 让输出经过处理图
// 正在播放时立即切换，不中断声音
func (e *BeepElement) Route(fn func(beep.Streamer) beep.Streamer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.captured {
		return ErrSourceCaptured
	}
	e.captured = true
	e.route = fn
	if e.started {
		speaker.Lock()
		e.ctrl.Streamer = fn(e.base)
		speaker.Unlock()
	}
	return nil
}

// Unroute 拆除处理图，元素仍然保持已被接管的状态
func (e *BeepElement) Unroute() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.route = nil
	if e.started {
		speaker.Lock()
		e.ctrl.Streamer = e.base
		speaker.Unlock()
	}
}

func (e *BeepElement) startTickerLocked() {
	if e.stopTicker != nil {
		return
	}
	stop := make(chan struct{})
	e.stopTicker = stop
	go e.tick(e.gen, stop)
}

func (e *BeepElement) stopTickerLocked() {
	if e.stopTicker != nil {
		close(e.stopTicker)
		e.stopTicker = nil
	}
}

func (e *BeepElement) tick(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(timeUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			if gen != e.gen {
				e.mu.Unlock()
				return
			}
			h := e.handlers.TimeUpdate
			cur, dur := e.positionLocked(), e.duration
			e.mu.Unlock()
			if h != nil {
				h(cur, dur)
			}
		}
	}
}

type readSeekNopCloser struct {
	*bytes.Reader
}

func (readSeekNopCloser) Close() error { return nil }

// Decode 根据文件头识别格式并解码
// 外部流地址通常没有扩展名，所以不看 URL 只看内容
func Decode(data []byte) (beep.StreamSeekCloser, beep.Format, error) {
	r := readSeekNopCloser{bytes.NewReader(data)}
	switch {
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return wav.Decode(r)
	case len(data) >= 4 && string(data[:4]) == "fLaC":
		return flac.Decode(r)
	case looksLikeMP3(data):
		return mp3.Decode(r)
	}
	return nil, beep.Format{}, ErrUnsupportedFormat
}

func looksLikeMP3(data []byte) bool {
	if len(data) >= 3 && string(data[:3]) == "ID3" {
		return true
	}
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}
