// Package mediatest 提供 media 接口的内存实现，供其它包的测试使用
package mediatest

import (
	"context"
	"sync"

	"waveplay/core/media"
)

// Element 可以手动控制就绪、失败和结束的元素
type Element struct {
	mu sync.Mutex

	// AutoReady 为 true 时 SetSource 立即就绪
	AutoReady bool
	// RequiresGesture 为 true 时没有 Activate 的 Play 返回 ErrAutoplayBlocked
	RequiresGesture bool
	// PlayErr 非空时 Play 直接返回它
	PlayErr error

	ready       chan struct{}
	readyClosed bool
	failed      chan error

	sources   []string
	resets    int
	plays     int
	playing   bool
	activated bool
	position  float64
	duration  float64
	handlers  media.Handlers
}

var (
	_ media.Element   = (*Element)(nil)
	_ media.Activator = (*Element)(nil)
)

// NewElement 创建元素
func NewElement() *Element {
	return &Element{
		AutoReady: true,
		ready:     make(chan struct{}),
		failed:    make(chan error, 1),
	}
}

func (e *Element) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resets++
	e.playing = false
	e.position = 0
	e.ready = make(chan struct{})
	e.readyClosed = false
	e.failed = make(chan error, 1)
}

func (e *Element) SetSource(_ context.Context, url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources = append(e.sources, url)
	if e.AutoReady {
		e.markReadyLocked()
	}
}

// SetAutoReady 修改 AutoReady
func (e *Element) SetAutoReady(auto bool) {
	e.mu.Lock()
	e.AutoReady = auto
	e.mu.Unlock()
}

// MakeReady 手动触发就绪
func (e *Element) MakeReady() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markReadyLocked()
}

func (e *Element) markReadyLocked() {
	if !e.readyClosed {
		close(e.ready)
		e.readyClosed = true
	}
}

// Fail 手动触发加载失败
func (e *Element) Fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case e.failed <- err:
	default:
	}
}

func (e *Element) Ready() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

func (e *Element) Failed() <-chan error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed
}

func (e *Element) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.PlayErr != nil {
		return e.PlayErr
	}
	if e.RequiresGesture && !e.activated {
		return media.ErrAutoplayBlocked
	}
	e.plays++
	e.playing = true
	return nil
}

func (e *Element) Pause() {
	e.mu.Lock()
	e.playing = false
	e.mu.Unlock()
}

func (e *Element) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.playing
}

func (e *Element) Seek(seconds float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if seconds < 0 {
		seconds = 0
	}
	if e.duration > 0 && seconds > e.duration {
		seconds = e.duration
	}
	e.position = seconds
	return nil
}

func (e *Element) Position() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

func (e *Element) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

// SetDuration 设置时长
func (e *Element) SetDuration(d float64) {
	e.mu.Lock()
	e.duration = d
	e.mu.Unlock()
}

func (e *Element) SetHandlers(h media.Handlers) {
	e.mu.Lock()
	e.handlers = h
	e.mu.Unlock()
}

// Activate 实现 media.Activator
func (e *Element) Activate() {
	e.mu.Lock()
	e.activated = true
	e.mu.Unlock()
}

// Finish 模拟自然播放结束
func (e *Element) Finish() {
	e.mu.Lock()
	e.playing = false
	h := e.handlers
	e.mu.Unlock()
	if h.Ended != nil {
		h.Ended()
	}
}

// Tick 模拟一次进度回调
func (e *Element) Tick(current float64) {
	e.mu.Lock()
	e.position = current
	h, d := e.handlers, e.duration
	e.mu.Unlock()
	if h.TimeUpdate != nil {
		h.TimeUpdate(current, d)
	}
}

// MediaError 模拟播放中的媒体错误
func (e *Element) MediaError(err error) {
	e.mu.Lock()
	e.playing = false
	h := e.handlers
	e.mu.Unlock()
	if h.Error != nil {
		h.Error(err)
	}
}

// Sources 设置过的全部音源
func (e *Element) Sources() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.sources...)
}

// Resets Reset 次数
func (e *Element) Resets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resets
}

// Plays 成功的 Play 次数
func (e *Element) Plays() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plays
}

// Decoder 可以手动控制 manifest 解析的解码器
type Decoder struct {
	mu sync.Mutex

	// AutoParse 为 true 时 Attach 之后立即视为 manifest 已解析
	AutoParse bool

	parsed    chan struct{}
	parseOnce sync.Once
	errs      chan error

	url       string
	attached  media.Element
	detached  bool
	destroyed bool
}

var _ media.Decoder = (*Decoder)(nil)

// NewDecoder 创建解码器
func NewDecoder() *Decoder {
	return &Decoder{
		AutoParse: true,
		parsed:    make(chan struct{}),
		errs:      make(chan error, 1),
	}
}

func (d *Decoder) LoadSource(_ context.Context, manifestURL string) {
	d.mu.Lock()
	d.url = manifestURL
	d.mu.Unlock()
}

func (d *Decoder) Attach(el media.Element) error {
	d.mu.Lock()
	d.attached = el
	auto := d.AutoParse
	d.mu.Unlock()
	if auto {
		d.Parse()
	}
	return nil
}

// Parse 手动触发 manifest 解析完成
func (d *Decoder) Parse() {
	d.parseOnce.Do(func() { close(d.parsed) })
}

// Fail 手动触发解码错误
func (d *Decoder) Fail(err error) {
	select {
	case d.errs <- err:
	default:
	}
}

func (d *Decoder) ManifestParsed() <-chan struct{} { return d.parsed }

func (d *Decoder) Errors() <-chan error { return d.errs }

func (d *Decoder) Detach() {
	d.mu.Lock()
	d.detached = true
	d.attached = nil
	d.mu.Unlock()
}

func (d *Decoder) Destroy() {
	d.mu.Lock()
	d.destroyed = true
	d.mu.Unlock()
}

// URL LoadSource 收到的地址
func (d *Decoder) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

// Attached 当前绑定的元素
func (d *Decoder) Attached() media.Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attached
}

// TornDown 是否已经解绑并销毁
func (d *Decoder) TornDown() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detached && d.destroyed
}

// Factory 记录创建过的解码器
type Factory struct {
	mu       sync.Mutex
	decoders []*Decoder
	// Configure 可选，创建后对解码器做调整
	Configure func(d *Decoder)
}

// New 实现 media.DecoderFactory
func (f *Factory) New() media.Decoder {
	d := NewDecoder()
	if f.Configure != nil {
		f.Configure(d)
	}
	f.mu.Lock()
	f.decoders = append(f.decoders, d)
	f.mu.Unlock()
	return d
}

// Decoders 创建过的全部解码器
func (f *Factory) Decoders() []*Decoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Decoder(nil), f.decoders...)
}
