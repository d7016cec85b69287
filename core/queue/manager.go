package queue

import (
	"math/rand"
	"sync"
	"time"

	"waveplay/logger"
	"waveplay/model"
)

const (
	// maxHistory 最近播放记录的最大长度
	maxHistory = 10
	// maxShuffleExclude 随机选择时最多排除的最近播放数
	maxShuffleExclude = 5
	// smallQueue 不超过该长度的队列直接均匀随机
	smallQueue = 3
)

// Manager 播放队列
// 维护有序曲目列表、当前游标和随机播放历史
type Manager struct {
	mu      sync.Mutex
	tracks  []model.Track
	index   int
	shuffle bool
	history []int
	rng     *rand.Rand
}

// Option 队列选项
type Option func(*Manager)

// WithRand 指定随机数源，测试时使用固定种子
func WithRand(r *rand.Rand) Option {
	return func(m *Manager) {
		m.rng = r
	}
}

// NewManager 创建空队列
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		tracks:  make([]model.Track, 0),
		index:   -1,
		history: make([]int, 0, maxHistory),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return m
}

// Replace 整体替换队列
// 游标按 previous 的 ID 重新定位，而不是沿用旧的下标；找不到时为 -1
func (m *Manager) Replace(tracks []model.Track, previous *model.Track) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tracks = make([]model.Track, len(tracks))
	copy(m.tracks, tracks)
	m.history = m.history[:0]
	m.index = -1

	if previous != nil {
		m.index = m.find(previous.ID)
	}

	logger.Debug("[QueueManager] 队列已替换",
		logger.Int("length", len(m.tracks)),
		logger.Int("index", m.index))
	return m.index
}

// Append 追加曲目到队尾
func (m *Manager) Append(tracks ...model.Track) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = append(m.tracks, tracks...)
}

// Remove 按 ID 移除曲目，游标保持在原来那首歌上
// 移除的正是当前曲目时游标变为 -1
func (m *Manager) Remove(id model.TrackID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	at := m.find(id)
	if at < 0 {
		return false
	}
	m.tracks = append(m.tracks[:at], m.tracks[at+1:]...)

	switch {
	case m.index == at:
		m.index = -1
	case m.index > at:
		m.index--
	}

	kept := m.history[:0]
	for _, h := range m.history {
		switch {
		case h == at:
			continue
		case h > at:
			kept = append(kept, h-1)
		default:
			kept = append(kept, h)
		}
	}
	m.history = kept
	return true
}

// Select 将游标移动到指定 ID 的曲目
func (m *Manager) Select(id model.TrackID) (model.Track, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at := m.find(id)
	if at < 0 {
		return model.Track{}, false
	}
	m.index = at
	if m.shuffle {
		m.remember(at)
	}
	return m.tracks[at], true
}

// Next 计算下一首并移动游标
// 队列为空或下一首就是当前曲目时返回 false，游标不变
func (m *Manager) Next(cause model.AdvanceCause) (model.Track, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.tracks)
	if n == 0 {
		return model.Track{}, false
	}

	var next int
	if m.shuffle {
		next = m.pickShuffle()
		m.remember(next)
	} else {
		next = (m.index + 1) % n
	}

	if next == m.index {
		logger.Debug("[QueueManager] 下一首与当前曲目相同",
			logger.String("cause", cause.String()),
			logger.Int("index", next))
		return model.Track{}, false
	}

	m.index = next
	return m.tracks[next], true
}

// Previous 向前切歌
// 随机模式下优先回到上一首实际播放过的曲目，否则顺序回绕
func (m *Manager) Previous() (model.Track, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.tracks)
	if n == 0 {
		return model.Track{}, false
	}

	prev := -1
	if m.shuffle {
		if last := len(m.history) - 1; last >= 1 && m.history[last] == m.index {
			m.history = m.history[:last]
			prev = m.history[last-1]
		}
	}
	if prev < 0 || prev >= n {
		if m.index <= 0 {
			prev = n - 1
		} else {
			prev = m.index - 1
		}
	}

	if prev == m.index {
		return model.Track{}, false
	}
	m.index = prev
	return m.tracks[prev], true
}

// pickShuffle 带偏向的随机选择
// 队列较长时排除当前曲目和最近播放过的若干曲目
func (m *Manager) pickShuffle() int {
	n := len(m.tracks)
	if n <= smallQueue {
		return m.rng.Intn(n)
	}

	exclude := make(map[int]struct{}, maxShuffleExclude+1)
	if m.index >= 0 {
		exclude[m.index] = struct{}{}
	}
	recent := min(maxShuffleExclude, n/3)
	for i := len(m.history) - 1; i >= 0 && recent > 0; i-- {
		exclude[m.history[i]] = struct{}{}
		recent--
	}

	pool := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if _, skip := exclude[i]; !skip {
			pool = append(pool, i)
		}
	}
	if len(pool) == 0 {
		m.history = m.history[:0]
		return m.rng.Intn(n)
	}
	return pool[m.rng.Intn(len(pool))]
}

// remember 记录一次随机选择，超出上限时丢弃最旧的
func (m *Manager) remember(i int) {
	m.history = append(m.history, i)
	if len(m.history) > maxHistory {
		m.history = append(m.history[:0], m.history[len(m.history)-maxHistory:]...)
	}
}

func (m *Manager) find(id model.TrackID) int {
	for i := range m.tracks {
		if model.SameID(m.tracks[i].ID, id) {
			return i
		}
	}
	return -1
}

// SetShuffle 开关随机播放
func (m *Manager) SetShuffle(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuffle != enabled {
		m.history = m.history[:0]
	}
	m.shuffle = enabled
}

// Shuffle 是否处于随机播放
func (m *Manager) Shuffle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuffle
}

// Current 当前曲目
func (m *Manager) Current() (model.Track, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index < 0 || m.index >= len(m.tracks) {
		return model.Track{}, false
	}
	return m.tracks[m.index], true
}

// Index 当前下标，-1 表示未选中
func (m *Manager) Index() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index
}

// Len 队列长度
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracks)
}

// Tracks 返回队列副本
func (m *Manager) Tracks() []model.Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Track, len(m.tracks))
	copy(out, m.tracks)
	return out
}

// History 返回最近随机播放的下标副本
func (m *Manager) History() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.history))
	copy(out, m.history)
	return out
}
