package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v8"

	"waveplay/core/equalizer"
	"waveplay/core/player"
	"waveplay/logger"
	"waveplay/model"
)

const (
	keyPrefix         = "waveplay:"
	keyRepeat         = keyPrefix + "prefs:repeat"
	keyShuffle        = keyPrefix + "prefs:shuffle"
	keyEQConstrained  = keyPrefix + "prefs:eq_constrained"
	keyEQPresetPrefix = keyPrefix + "eq:"
	keyPeaksPrefix    = keyPrefix + "peaks:"
)

// EQPresetKey 曲目均衡器增益的 Redis 键
func EQPresetKey(stableKey string) string {
	return keyEQPresetPrefix + stableKey
}

// RedisPreferences 基于 Redis 的客户端偏好与均衡器增益存储
// 偏好没有过期时间
type RedisPreferences struct {
	client *redis.Client
}

var (
	_ player.Preferences    = (*RedisPreferences)(nil)
	_ equalizer.PresetStore = (*RedisPreferences)(nil)
)

// NewRedisPreferences 创建偏好存储，client 为 nil 时使用全局客户端
func NewRedisPreferences(client *redis.Client) *RedisPreferences {
	if client == nil {
		client = RedisClient
	}
	return &RedisPreferences{client: client}
}

func (p *RedisPreferences) get(ctx context.Context, key string) (string, bool, error) {
	val, err := p.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("读取偏好失败 %s: %w", key, err)
	}
	return val, true, nil
}

func (p *RedisPreferences) set(ctx context.Context, key string, value interface{}) error {
	if err := p.client.Set(ctx, key, value, 0).Err(); err != nil {
		logger.Error("[Preferences] 保存偏好失败",
			logger.String("key", key),
			logger.ErrorField(err))
		return fmt.Errorf("保存偏好失败 %s: %w", key, err)
	}
	return nil
}

// RepeatMode 实现 player.Preferences
func (p *RedisPreferences) RepeatMode(ctx context.Context) (model.RepeatMode, error) {
	val, ok, err := p.get(ctx, keyRepeat)
	if err != nil || !ok {
		return model.RepeatOff, err
	}
	return model.ParseRepeatMode(val)
}

// SetRepeatMode 实现 player.Preferences
func (p *RedisPreferences) SetRepeatMode(ctx context.Context, mode model.RepeatMode) error {
	return p.set(ctx, keyRepeat, string(mode))
}

// Shuffle 实现 player.Preferences
func (p *RedisPreferences) Shuffle(ctx context.Context) (bool, error) {
	return p.getBool(ctx, keyShuffle)
}

// SetShuffle 实现 player.Preferences
func (p *RedisPreferences) SetShuffle(ctx context.Context, enabled bool) error {
	return p.set(ctx, keyShuffle, strconv.FormatBool(enabled))
}

// EQConstrainedOptIn 实现 player.Preferences
func (p *RedisPreferences) EQConstrainedOptIn(ctx context.Context) (bool, error) {
	return p.getBool(ctx, keyEQConstrained)
}

// SetEQConstrainedOptIn 实现 player.Preferences
func (p *RedisPreferences) SetEQConstrainedOptIn(ctx context.Context, enabled bool) error {
	return p.set(ctx, keyEQConstrained, strconv.FormatBool(enabled))
}

func (p *RedisPreferences) getBool(ctx context.Context, key string) (bool, error) {
	val, ok, err := p.get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("invalid bool preference %s=%q", key, val)
	}
	return b, nil
}

// LoadGains 实现 equalizer.PresetStore
func (p *RedisPreferences) LoadGains(ctx context.Context, key string) ([]float64, bool, error) {
	val, ok, err := p.get(ctx, EQPresetKey(key))
	if err != nil || !ok {
		return nil, false, err
	}
	gains, err := decodeGains(val)
	if err != nil {
		return nil, false, err
	}
	return gains, true, nil
}

// SaveGains 实现 equalizer.PresetStore
func (p *RedisPreferences) SaveGains(ctx context.Context, key string, gains []float64) error {
	data, err := json.Marshal(gains)
	if err != nil {
		return fmt.Errorf("序列化增益失败: %w", err)
	}
	return p.set(ctx, EQPresetKey(key), data)
}

func decodeGains(val string) ([]float64, error) {
	var gains []float64
	if err := json.Unmarshal([]byte(val), &gains); err != nil {
		return nil, fmt.Errorf("解析均衡器增益失败: %w", err)
	}
	if len(gains) != model.BandCount {
		return nil, fmt.Errorf("expected %d gains, got %d", model.BandCount, len(gains))
	}
	return gains, nil
}

// MemoryPreferences 进程内的偏好存储，没有 Redis 时使用
type MemoryPreferences struct {
	mu      sync.RWMutex
	repeat  model.RepeatMode
	shuffle bool
	optIn   bool
	gains   map[string][]float64
}

var (
	_ player.Preferences    = (*MemoryPreferences)(nil)
	_ equalizer.PresetStore = (*MemoryPreferences)(nil)
)

// NewMemoryPreferences 创建内存偏好存储
func NewMemoryPreferences() *MemoryPreferences {
	return &MemoryPreferences{
		repeat: model.RepeatOff,
		gains:  make(map[string][]float64),
	}
}

func (m *MemoryPreferences) RepeatMode(context.Context) (model.RepeatMode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.repeat, nil
}

func (m *MemoryPreferences) SetRepeatMode(_ context.Context, mode model.RepeatMode) error {
	m.mu.Lock()
	m.repeat = mode
	m.mu.Unlock()
	return nil
}

func (m *MemoryPreferences) Shuffle(context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shuffle, nil
}

func (m *MemoryPreferences) SetShuffle(_ context.Context, enabled bool) error {
	m.mu.Lock()
	m.shuffle = enabled
	m.mu.Unlock()
	return nil
}

func (m *MemoryPreferences) EQConstrainedOptIn(context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.optIn, nil
}

func (m *MemoryPreferences) SetEQConstrainedOptIn(_ context.Context, enabled bool) error {
	m.mu.Lock()
	m.optIn = enabled
	m.mu.Unlock()
	return nil
}

func (m *MemoryPreferences) LoadGains(_ context.Context, key string) ([]float64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.gains[key]
	if !ok {
		return nil, false, nil
	}
	return append([]float64(nil), g...), true, nil
}

func (m *MemoryPreferences) SaveGains(_ context.Context, key string, gains []float64) error {
	m.mu.Lock()
	m.gains[key] = append([]float64(nil), gains...)
	m.mu.Unlock()
	return nil
}
