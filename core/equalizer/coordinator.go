package equalizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"waveplay/core/media"
	"waveplay/logger"
	"waveplay/metrics"
	"waveplay/model"
)

// ErrNoElement 还没有绑定元素
var ErrNoElement = errors.New("equalizer has no media element")

const (
	DefaultConstrainedTimeout = 30 * time.Millisecond
	DefaultDesktopTimeout     = 100 * time.Millisecond
)

// Options 协调器配置
type Options struct {
	// Constrained 移动端或已安装应用等受限平台
	// 受限平台上处理图与后台/锁屏播放互斥，需要用户主动开启
	Constrained        bool
	ConstrainedOptIn   bool
	ConstrainedTimeout time.Duration
	DesktopTimeout     time.Duration
	Factory            GraphFactory
	Store              PresetStore
	Presets            map[string][]float64
	Metrics            *metrics.Metrics
}

// Coordinator 均衡器处理图的协调器
// 负责懒加载构建滤波器链，并为播放请求提供就绪门，避免接入处理图与开始播放之间的竞争
type Coordinator struct {
	mu sync.Mutex

	el        media.Element
	used      map[media.Element]struct{} // 已经创建过音源节点的元素
	factory   GraphFactory
	graph     Graph
	connected bool
	disabled  bool
	settled   chan struct{} // 构建完成（无论成败）时关闭

	bands      [model.BandCount]model.Band
	currentKey string

	constrained        bool
	optIn              bool
	constrainedTimeout time.Duration
	desktopTimeout     time.Duration

	store   PresetStore
	presets map[string][]float64
	metrics *metrics.Metrics
}

// NewCoordinator 创建协调器
func NewCoordinator(el media.Element, opts Options) *Coordinator {
	if opts.Factory == nil {
		opts.Factory = NewBeepGraph
	}
	if opts.ConstrainedTimeout <= 0 {
		opts.ConstrainedTimeout = DefaultConstrainedTimeout
	}
	if opts.DesktopTimeout <= 0 {
		opts.DesktopTimeout = DefaultDesktopTimeout
	}
	if opts.Presets == nil {
		opts.Presets = BuiltinPresets()
	}
	return &Coordinator{
		el:                 el,
		used:               make(map[media.Element]struct{}),
		factory:            opts.Factory,
		bands:              model.DefaultBands(),
		constrained:        opts.Constrained,
		optIn:              opts.ConstrainedOptIn,
		constrainedTimeout: opts.ConstrainedTimeout,
		desktopTimeout:     opts.DesktopTimeout,
		store:              opts.Store,
		presets:            opts.Presets,
		metrics:            opts.Metrics,
	}
}

// WhenReady 通过就绪门发起播放
// 已接入处理图时同步调用；受限平台且未开启均衡器时跳过处理图同步调用；
// 否则懒加载构建处理图，并在构建完成与超时之间竞争，先到者调用 play，且只调用一次
func (c *Coordinator) WhenReady(play func()) {
	c.mu.Lock()
	switch {
	case c.connected:
		c.mu.Unlock()
		c.metrics.EQRace("connected")
		play()
		return
	case c.constrained && !c.optIn:
		c.mu.Unlock()
		c.metrics.EQRace("bypass")
		play()
		return
	case c.disabled || c.el == nil:
		c.mu.Unlock()
		c.metrics.EQRace("disabled")
		play()
		return
	}
	settled := c.ensureBuildLocked()
	timeout := c.timeoutLocked()
	c.mu.Unlock()

	var once sync.Once
	fire := func(winner string) {
		once.Do(func() {
			logger.Debug("[Equalizer] 就绪门放行", logger.String("winner", winner))
			c.metrics.EQRace(winner)
			play()
		})
	}

	timer := time.AfterFunc(timeout, func() { fire("timeout") })
	go func() {
		<-settled
		if timer.Stop() {
			fire("graph")
		}
	}()
}

func (c *Coordinator) timeoutLocked() time.Duration {
	if c.constrained {
		return c.constrainedTimeout
	}
	return c.desktopTimeout
}

// ensureBuildLocked 第一次调用时在后台构建处理图
func (c *Coordinator) ensureBuildLocked() chan struct{} {
	if c.settled != nil {
		return c.settled
	}
	settled := make(chan struct{})
	c.settled = settled
	go func() {
		defer close(settled)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.connected || c.disabled {
			return
		}
		if err := c.connectLocked(); err != nil {
			logger.Warn("[Equalizer] 构建处理图失败，均衡器已禁用", logger.ErrorField(err))
		}
	}()
	return settled
}

// Connect 同步构建处理图
// 同一元素上第二次调用返回 ErrSourceExists；构建失败会禁用均衡器，但不影响播放
func (c *Coordinator) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Coordinator) connectLocked() error {
	if c.el == nil {
		return ErrNoElement
	}
	if _, ok := c.used[c.el]; ok {
		logger.Error("[Equalizer] 元素上已经存在音源节点，拒绝重复创建")
		return ErrSourceExists
	}
	c.used[c.el] = struct{}{}

	g, err := c.factory(c.el, c.bands)
	if err != nil {
		c.disabled = true
		return fmt.Errorf("build equalizer graph: %w", err)
	}
	c.graph = g
	c.connected = true
	logger.Info("[Equalizer] 处理图已接入")
	return nil
}

// Rebind 切换到新的元素
// 旧元素上的处理图被拆除且不会再重建，新元素需要全新的处理图
func (c *Coordinator) Rebind(el media.Element) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.graph != nil {
		c.graph.Close()
		c.graph = nil
	}
	c.el = el
	c.connected = false
	c.disabled = false
	c.settled = nil
}

// ApplyTrackPreset 切歌时应用该曲目保存的增益，没有则恢复平直
func (c *Coordinator) ApplyTrackPreset(ctx context.Context, track model.Track) {
	key := StableKey(track.SourceURL)

	gains := make([]float64, model.BandCount)
	if c.store != nil && key != "" {
		saved, ok, err := c.store.LoadGains(ctx, key)
		switch {
		case err != nil:
			logger.Warn("[Equalizer] 读取曲目预设失败，使用平直增益",
				logger.String("key", key),
				logger.ErrorField(err))
		case ok && len(saved) == model.BandCount:
			gains = saved
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentKey = key
	c.setGainsLocked(gains)
}

// SaveTrackPreset 保存当前增益到当前曲目
func (c *Coordinator) SaveTrackPreset(ctx context.Context) error {
	c.mu.Lock()
	key := c.currentKey
	gains := c.gainsLocked()
	c.mu.Unlock()

	if c.store == nil {
		return fmt.Errorf("no preset store configured")
	}
	if key == "" {
		return fmt.Errorf("no current track")
	}
	return c.store.SaveGains(ctx, key, gains)
}

// SetBandGain 设置单个频段增益
func (c *Coordinator) SetBandGain(band int, db float64) error {
	if band < 0 || band >= model.BandCount {
		return fmt.Errorf("band %d out of range", band)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bands[band].GainDb = model.ClampGain(db)
	if c.graph != nil {
		c.graph.SetGain(band, c.bands[band].GainDb)
	}
	return nil
}

// SetGains 一次设置全部 10 个频段
func (c *Coordinator) SetGains(gains []float64) error {
	if len(gains) != model.BandCount {
		return fmt.Errorf("want %d gains, got %d", model.BandCount, len(gains))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setGainsLocked(gains)
	return nil
}

// ApplyNamedPreset 应用命名预设
func (c *Coordinator) ApplyNamedPreset(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	gains, ok := c.presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPreset, name)
	}
	c.setGainsLocked(gains)
	return nil
}

// SetPresets 替换命名预设
func (c *Coordinator) SetPresets(presets map[string][]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presets = presets
}

// setGainsLocked 尚未接入时只记录，接入时作为初始增益
func (c *Coordinator) setGainsLocked(gains []float64) {
	for i := range c.bands {
		c.bands[i].GainDb = model.ClampGain(gains[i])
		if c.graph != nil {
			c.graph.SetGain(i, c.bands[i].GainDb)
		}
	}
}

func (c *Coordinator) gainsLocked() []float64 {
	out := make([]float64, model.BandCount)
	for i, b := range c.bands {
		out[i] = b.GainDb
	}
	return out
}

// Gains 当前增益
func (c *Coordinator) Gains() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gainsLocked()
}

// Bands 当前频段描述
func (c *Coordinator) Bands() [model.BandCount]model.Band {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bands
}

// SetConstrainedOptIn 受限平台上开关均衡器
func (c *Coordinator) SetConstrainedOptIn(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.optIn = enabled
}

// ConstrainedOptIn 受限平台上是否开启了均衡器
func (c *Coordinator) ConstrainedOptIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.optIn
}

// SetTimeouts 调整就绪门超时，小于等于 0 的值保持不变
func (c *Coordinator) SetTimeouts(constrained, desktop time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if constrained > 0 {
		c.constrainedTimeout = constrained
	}
	if desktop > 0 {
		c.desktopTimeout = desktop
	}
}

// Connected 处理图是否已接入
func (c *Coordinator) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disabled 处理图构建失败后均衡器被禁用
func (c *Coordinator) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}
