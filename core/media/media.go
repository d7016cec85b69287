package media

import (
	"context"
	"errors"
	"io"

	"waveplay/model"
)

var (
	// ErrAutoplayBlocked 平台策略拒绝了没有用户手势的播放请求
	// 这是预期内的拒绝，调用方应进入暂停态并等待用户点击
	ErrAutoplayBlocked = errors.New("autoplay blocked: user gesture required")
	// ErrNoSource 元素上还没有可播放的音源
	ErrNoSource = errors.New("media element has no source")
	// ErrUnsupportedFormat 无法识别的音频格式
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	// ErrSourceCaptured 元素的音频输出已经被一个处理图接管，每个元素实例只允许一次
	ErrSourceCaptured = errors.New("media element source already captured")
	// ErrNotSeekable 当前音源不支持跳转
	ErrNotSeekable = errors.New("media source is not seekable")
)

// Handlers 元素事件回调
// 回调在元素内部的 goroutine 中触发，调用方需要自己做同步
type Handlers struct {
	Ended      func()
	TimeUpdate func(current, duration float64)
	Error      func(err error)
}

// Element 共享的音频输出元素
// 同一时刻只承载一首歌，每次加载前必须 Reset
type Element interface {
	// Reset 停止播放并清空上一首歌的状态，Ready/Failed 换成新的一次性信号
	Reset()
	// SetSource 开始异步加载音源，结果通过 Ready 或 Failed 通知
	SetSource(ctx context.Context, url string)
	// Ready 当前音源可以播放时关闭
	Ready() <-chan struct{}
	// Failed 当前音源加载失败时收到错误
	Failed() <-chan error
	// Play 开始或继续播放，可能返回 ErrAutoplayBlocked
	Play() error
	Pause()
	Paused() bool
	Seek(seconds float64) error
	Position() float64
	Duration() float64
	SetHandlers(h Handlers)
}

// Activator 可以接收用户手势的元素
// 用户命令（点击播放等）到达时调用，之后的程序化播放不再被拦截
type Activator interface {
	Activate()
}

// Decoder 分片流解码器，绑定到共享元素上
type Decoder interface {
	// LoadSource 开始加载 manifest
	LoadSource(ctx context.Context, manifestURL string)
	// Attach 绑定到元素
	Attach(el Element) error
	// ManifestParsed manifest 解析完成且已经绑定到元素时关闭
	ManifestParsed() <-chan struct{}
	// Errors 解码过程中的致命错误
	Errors() <-chan error
	// Detach 从元素上解绑，不再向元素写入数据
	Detach()
	// Destroy 释放全部资源
	Destroy()
}

// DecoderFactory 每次加载分片流时创建新的解码器
type DecoderFactory func() Decoder

// Renderer 波形渲染器
type Renderer interface {
	// Render 直接渲染一组峰值
	Render(track model.Track, peaks []float64)
	// Load 将峰值与准备好的元素配对渲染，用于分片流
	// 分片流解码器不会产生整首歌的峰值，所以必须在绑定前先放入
	Load(track model.Track, peaks []float64, el Element)
}

// Opener 获取音源字节
type Opener interface {
	Open(ctx context.Context, rawURL string) (io.ReadCloser, error)
}
