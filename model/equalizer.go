package model

// FilterShape 滤波器类型
type FilterShape string

const (
	ShapeLowShelf  FilterShape = "lowshelf"
	ShapePeaking   FilterShape = "peaking"
	ShapeHighShelf FilterShape = "highshelf"
)

// BandCount 均衡器频段数
const BandCount = 10

// MaxGainDb 单个频段增益上限（绝对值）
const MaxGainDb = 12.0

// BandFrequencies 10 段均衡器中心频率
var BandFrequencies = [BandCount]float64{32, 64, 125, 250, 500, 1000, 2000, 4000, 8000, 16000}

// Band 单个频段描述
type Band struct {
	FrequencyHz float64     `json:"frequencyHz"`
	GainDb      float64     `json:"gainDb"`
	Shape       FilterShape `json:"shape"`
}

// DefaultBands 返回平直的 10 段配置
// 第一段为 lowshelf，最后一段为 highshelf，其余为 peaking
func DefaultBands() [BandCount]Band {
	var bands [BandCount]Band
	for i, f := range BandFrequencies {
		shape := ShapePeaking
		switch i {
		case 0:
			shape = ShapeLowShelf
		case BandCount - 1:
			shape = ShapeHighShelf
		}
		bands[i] = Band{FrequencyHz: f, Shape: shape}
	}
	return bands
}

// ClampGain 将增益限制在 [-MaxGainDb, MaxGainDb]
func ClampGain(db float64) float64 {
	if db != db {
		return 0
	}
	return max(min(db, MaxGainDb), -MaxGainDb)
}
