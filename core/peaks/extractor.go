package peaks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"waveplay/core/utils"
	"waveplay/logger"
	"waveplay/metrics"
	"waveplay/model"
)

// maxPeakBytes 单个波形资源的大小上限
const maxPeakBytes = 32 << 20

// Cache 已归一化峰值的缓存
type Cache interface {
	GetPeaks(ctx context.Context, key string) ([]float64, bool)
	SetPeaks(ctx context.Context, key string, peaks []float64)
}

// Extractor 将波形资源转换为 [0,1] 区间的峰值序列
// 任何获取或解码失败都返回空序列，波形缺失不应阻塞播放
type Extractor struct {
	fetcher Fetcher
	cache   Cache
	metrics *metrics.Metrics
}

// NewExtractor 创建峰值提取器，cache 可以为 nil
func NewExtractor(fetcher Fetcher, cache Cache) *Extractor {
	return &Extractor{fetcher: fetcher, cache: cache}
}

// SetMetrics 注入指标
func (e *Extractor) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// Extract 获取并解析波形数据
func (e *Extractor) Extract(ctx context.Context, ref *model.WaveformRef) []float64 {
	if !ref.Usable() {
		return []float64{}
	}

	key := string(ref.Kind) + ":" + utils.StripQuery(ref.URL)
	if e.cache != nil {
		if cached, ok := e.cache.GetPeaks(ctx, key); ok {
			e.metrics.PeakFetch("cached")
			return cached
		}
	}

	body, err := e.fetcher.Open(ctx, ref.URL)
	if err != nil {
		logger.Warn("[PeakExtractor] 获取波形数据失败",
			logger.String("url", ref.URL),
			logger.ErrorField(err))
		e.metrics.PeakFetch("empty")
		return []float64{}
	}
	defer body.Close()

	r := io.LimitReader(body, maxPeakBytes)

	var peaks []float64
	switch ref.Kind {
	case model.WaveformJSON:
		peaks, err = ParseJSONPeaks(r)
	case model.WaveformRaster:
		peaks, err = ParseRasterPeaks(r)
	default:
		err = fmt.Errorf("unknown waveform kind %q", ref.Kind)
	}
	if err != nil {
		logger.Warn("[PeakExtractor] 解析波形数据失败",
			logger.String("url", ref.URL),
			logger.String("kind", string(ref.Kind)),
			logger.ErrorField(err))
		e.metrics.PeakFetch("empty")
		return []float64{}
	}

	e.metrics.PeakFetch("ok")
	if e.cache != nil && len(peaks) > 0 {
		e.cache.SetPeaks(ctx, key, peaks)
	}
	return peaks
}

// ParseJSONPeaks 解析 JSON 峰值数组
// 兼容 {"data": [...]}、{"peaks": [...]} 以及顶层数组三种格式
func ParseJSONPeaks(r io.Reader) ([]float64, error) {
	var doc interface{}
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode peaks json: %w", err)
	}

	var raw []interface{}
	switch v := doc.(type) {
	case []interface{}:
		raw = v
	case map[string]interface{}:
		for _, key := range []string{"data", "peaks"} {
			if arr, ok := v[key].([]interface{}); ok {
				raw = arr
				break
			}
		}
		if raw == nil {
			return nil, fmt.Errorf("peaks json has neither data nor peaks array")
		}
	default:
		return nil, fmt.Errorf("unexpected peaks json root %T", doc)
	}

	values := make([]float64, 0, len(raw))
	for _, item := range raw {
		f, ok := item.(float64)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		values = append(values, f)
	}
	return Normalize(values), nil
}

// Normalize 按最大值归一化
// 最大值为 0 或非有限值时返回同长度的全零序列，NaN 视为 0
func Normalize(values []float64) []float64 {
	out := make([]float64, len(values))
	peak := 0.0
	for _, v := range values {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	if peak == 0 || math.IsInf(peak, 0) {
		return out
	}
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		out[i] = math.Abs(v) / peak
	}
	return out
}
