package equalizer

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/faiface/beep"

	"waveplay/core/media"
	"waveplay/model"
)

var (
	// ErrSourceExists 同一个元素上第二次创建音源节点
	ErrSourceExists = errors.New("equalizer source node already exists for this element")
	// ErrGraphUnsupported 运行环境不支持音频处理图
	ErrGraphUnsupported = errors.New("audio processing graph not supported")
)

const (
	peakingQ        = 1.4
	defaultRate     = 44100
	gainEpsilon     = 0.1
	shelfSlopeAlpha = math.Sqrt2 // 坡度 S=1 时的 shelf alpha 系数
)

// Graph 已接入元素的滤波器链
type Graph interface {
	// SetGain 直接写入某个频段的实时增益
	SetGain(band int, db float64)
	// Close 拆除处理图，元素恢复直通
	Close()
}

// GraphFactory 在元素上构建滤波器链
// 同一元素实例上只能成功调用一次
type GraphFactory func(el media.Element, bands [model.BandCount]model.Band) (Graph, error)

type sampleRater interface {
	SampleRate() beep.SampleRate
}

// BeepGraph 基于 beep 的 10 段 biquad 滤波器链
//
//	source -> f0(lowshelf) -> f1..f8(peaking) -> f9(highshelf) -> output
type BeepGraph struct {
	router media.Router
	gains  [model.BandCount]atomic.Uint64
}

// NewBeepGraph 实现 GraphFactory
func NewBeepGraph(el media.Element, bands [model.BandCount]model.Band) (Graph, error) {
	router, ok := el.(media.Router)
	if !ok {
		return nil, fmt.Errorf("%w: element %T cannot route audio", ErrGraphUnsupported, el)
	}

	rate := float64(defaultRate)
	if sr, ok := el.(sampleRater); ok && sr.SampleRate() > 0 {
		rate = float64(sr.SampleRate())
	}

	g := &BeepGraph{router: router}
	for i, b := range bands {
		g.SetGain(i, b.GainDb)
	}

	err := router.Route(func(s beep.Streamer) beep.Streamer {
		for i, b := range bands {
			s = newBiquad(s, b.Shape, b.FrequencyHz, rate, &g.gains[i])
		}
		return s
	})
	if errors.Is(err, media.ErrSourceCaptured) {
		return nil, fmt.Errorf("%w: %v", ErrSourceExists, err)
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// SetGain 实现 Graph
func (g *BeepGraph) SetGain(band int, db float64) {
	if band < 0 || band >= model.BandCount {
		return
	}
	g.gains[band].Store(math.Float64bits(model.ClampGain(db)))
}

// Close 实现 Graph
func (g *BeepGraph) Close() {
	g.router.Unroute()
}

// biquad 二阶 IIR 滤波器，系数按 Audio EQ Cookbook 计算
// 增益通过原子变量读取，修改在下一次 Stream 调用时生效，不需要重建链路
type biquad struct {
	s     beep.Streamer
	shape model.FilterShape
	freq  float64
	rate  float64
	gain  *atomic.Uint64

	x1, x2 [2]float64
	y1, y2 [2]float64

	lastGain           float64
	inited             bool
	b0, b1, b2, a1, a2 float64
}

func newBiquad(s beep.Streamer, shape model.FilterShape, freq, rate float64, gain *atomic.Uint64) *biquad {
	return &biquad{s: s, shape: shape, freq: freq, rate: rate, gain: gain}
}

func (b *biquad) calcCoeffs(db float64) {
	if b.inited && db == b.lastGain {
		return
	}
	b.lastGain = db
	b.inited = true

	a := math.Pow(10, db/40)
	w0 := 2 * math.Pi * b.freq / b.rate
	cosW0, sinW0 := math.Cos(w0), math.Sin(w0)

	var b0, b1, b2, a0, a1, a2 float64
	switch b.shape {
	case model.ShapeLowShelf, model.ShapeHighShelf:
		alpha := sinW0 / 2 * shelfSlopeAlpha
		sqrtA2alpha := 2 * math.Sqrt(a) * alpha
		if b.shape == model.ShapeLowShelf {
			b0 = a * ((a + 1) - (a-1)*cosW0 + sqrtA2alpha)
			b1 = 2 * a * ((a - 1) - (a+1)*cosW0)
			b2 = a * ((a + 1) - (a-1)*cosW0 - sqrtA2alpha)
			a0 = (a + 1) + (a-1)*cosW0 + sqrtA2alpha
			a1 = -2 * ((a - 1) + (a+1)*cosW0)
			a2 = (a + 1) + (a-1)*cosW0 - sqrtA2alpha
		} else {
			b0 = a * ((a + 1) + (a-1)*cosW0 + sqrtA2alpha)
			b1 = -2 * a * ((a - 1) + (a+1)*cosW0)
			b2 = a * ((a + 1) + (a-1)*cosW0 - sqrtA2alpha)
			a0 = (a + 1) - (a-1)*cosW0 + sqrtA2alpha
			a1 = 2 * ((a - 1) - (a+1)*cosW0)
			a2 = (a + 1) - (a-1)*cosW0 - sqrtA2alpha
		}
	default:
		alpha := sinW0 / (2 * peakingQ)
		b0 = 1 + alpha*a
		b1 = -2 * cosW0
		b2 = 1 - alpha*a
		a0 = 1 + alpha/a
		a1 = -2 * cosW0
		a2 = 1 - alpha/a
	}

	b.b0 = b0 / a0
	b.b1 = b1 / a0
	b.b2 = b2 / a0
	b.a1 = a1 / a0
	b.a2 = a2 / a0
}

func (b *biquad) Stream(samples [][2]float64) (int, bool) {
	n, ok := b.s.Stream(samples)
	db := math.Float64frombits(b.gain.Load())

	// 增益接近 0 时直通
	if db > -gainEpsilon && db < gainEpsilon {
		return n, ok
	}

	b.calcCoeffs(db)
	for i := range n {
		for ch := range 2 {
			x := samples[i][ch]
			y := b.b0*x + b.b1*b.x1[ch] + b.b2*b.x2[ch] - b.a1*b.y1[ch] - b.a2*b.y2[ch]
			b.x2[ch] = b.x1[ch]
			b.x1[ch] = x
			b.y2[ch] = b.y1[ch]
			b.y1[ch] = y
			samples[i][ch] = y
		}
	}
	return n, ok
}

func (b *biquad) Err() error { return b.s.Err() }
