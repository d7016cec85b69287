package peaks

import "math"

// RenderConfig 波形渲染参数
type RenderConfig struct {
	PixelsPerSecond float64
	BarWidth        float64
	BarGap          float64
}

// TargetLength 计算重采样目标长度
// floor(duration * pixelsPerSecond / (barWidth + barGap))
// 时长未知或参数无效时返回 0，调用方应直接使用原始峰值
func TargetLength(durationSeconds float64, cfg RenderConfig) int {
	if durationSeconds <= 0 || math.IsNaN(durationSeconds) || math.IsInf(durationSeconds, 0) {
		return 0
	}
	slot := cfg.BarWidth + cfg.BarGap
	if slot <= 0 || cfg.PixelsPerSecond <= 0 {
		return 0
	}
	return int(math.Floor(durationSeconds * cfg.PixelsPerSecond / slot))
}

// Resample 将长度 N 的峰值序列缩放到 targetLength
// 下采样取每段最大值以保留尖峰，上采样做线性插值，首尾与输入严格对齐
func Resample(peaks []float64, targetLength int) []float64 {
	n := len(peaks)
	if n == 0 || targetLength <= 0 {
		return []float64{}
	}
	if n == targetLength {
		return peaks
	}
	if n > targetLength {
		return downsampleMax(peaks, targetLength)
	}
	return upsampleLinear(peaks, targetLength)
}

func downsampleMax(peaks []float64, m int) []float64 {
	n := len(peaks)
	out := make([]float64, m)
	for i := 0; i < m; i++ {
		start := i * n / m
		end := (i + 1) * n / m
		if end <= start {
			end = start + 1
		}
		if end > n {
			end = n
		}
		peak := peaks[start]
		for _, v := range peaks[start+1 : end] {
			if v > peak {
				peak = v
			}
		}
		out[i] = peak
	}
	return out
}

func upsampleLinear(peaks []float64, m int) []float64 {
	n := len(peaks)
	out := make([]float64, m)
	if n == 1 {
		for i := range out {
			out[i] = peaks[0]
		}
		return out
	}
	if m == 1 {
		out[0] = peaks[0]
		return out
	}
	scale := float64(n-1) / float64(m-1)
	for i := 0; i < m; i++ {
		pos := float64(i) * scale
		lo := int(math.Floor(pos))
		if lo >= n-1 {
			out[i] = peaks[n-1]
			continue
		}
		frac := pos - float64(lo)
		out[i] = peaks[lo] + (peaks[lo+1]-peaks[lo])*frac
	}
	out[0] = peaks[0]
	out[m-1] = peaks[n-1]
	return out
}
