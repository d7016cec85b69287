package equalizer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"waveplay/core/utils"
	"waveplay/model"
)

// ErrUnknownPreset 找不到指定名称的预设
var ErrUnknownPreset = errors.New("unknown equalizer preset")

// PresetStore 按稳定键持久化每首歌的增益
type PresetStore interface {
	LoadGains(ctx context.Context, key string) ([]float64, bool, error)
	SaveGains(ctx context.Context, key string, gains []float64) error
}

// StableKey 由音源地址生成持久化键
// 外部流地址的查询参数是会过期的签名，不能参与键的计算
func StableKey(sourceURL string) string {
	return utils.StripQuery(strings.TrimSpace(sourceURL))
}

// presetFile 预设文件格式
//
//	presets:
//	  rock: [4, 3, 1, 0, -1, 0, 1, 3, 4, 4]
type presetFile struct {
	Presets map[string][]float64 `yaml:"presets"`
}

// BuiltinPresets 内置预设
func BuiltinPresets() map[string][]float64 {
	return map[string][]float64{
		"flat":         make([]float64, model.BandCount),
		"bass_boost":   {6, 5, 4, 2, 0, 0, 0, 0, 0, 0},
		"treble_boost": {0, 0, 0, 0, 0, 0, 2, 4, 5, 6},
		"vocal":        {-2, -2, -1, 0, 2, 4, 4, 2, 0, -1},
		"loudness":     {5, 4, 2, 0, -1, -1, 0, 2, 4, 5},
	}
}

// LoadPresets 读取 YAML 预设文件并与内置预设合并
// 文件中的同名预设覆盖内置预设
func LoadPresets(path string) (map[string][]float64, error) {
	presets := BuiltinPresets()
	if path == "" {
		return presets, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets file: %w", err)
	}
	parsed, err := ParsePresets(data)
	if err != nil {
		return nil, err
	}
	for name, gains := range parsed {
		presets[name] = gains
	}
	return presets, nil
}

// ParsePresets 解析预设 YAML，增益个数必须为 10，超出范围的值会被截断
func ParsePresets(data []byte) (map[string][]float64, error) {
	var f presetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}

	out := make(map[string][]float64, len(f.Presets))
	for name, gains := range f.Presets {
		if len(gains) != model.BandCount {
			return nil, fmt.Errorf("preset %q has %d gains, want %d", name, len(gains), model.BandCount)
		}
		clamped := make([]float64, model.BandCount)
		for i, g := range gains {
			clamped[i] = model.ClampGain(g)
		}
		out[strings.ToLower(strings.TrimSpace(name))] = clamped
	}
	return out, nil
}
