package events

import (
	"sync"
	"time"

	"waveplay/model"
)

// Type 信号类型
type Type string

const (
	TypeTrackChanged         Type = "track-changed"
	TypePlaybackStateChanged Type = "playback-state-changed"
	TypeTimeUpdated          Type = "time-updated"
	TypeTrackEnded           Type = "track-ended"
	TypeError                Type = "error"
	TypeAutoplayBlocked      Type = "autoplay-blocked"
	TypeWaveformLoaded       Type = "waveform-loaded"
)

// AllTypes 全部信号类型
var AllTypes = []Type{
	TypeTrackChanged,
	TypePlaybackStateChanged,
	TypeTimeUpdated,
	TypeTrackEnded,
	TypeError,
	TypeAutoplayBlocked,
	TypeWaveformLoaded,
}

// Signal 对外广播的信号
type Signal struct {
	Type    Type        `json:"type"`
	Payload interface{} `json:"payload"`
	Time    time.Time   `json:"time"`
}

// TrackChanged 当前曲目变化
type TrackChanged struct {
	ID model.TrackID `json:"id"`
}

// PlaybackStateChanged 播放/暂停变化
type PlaybackStateChanged struct {
	Playing bool                 `json:"playing"`
	Status  model.PlaybackStatus `json:"status"`
	Track   *model.Track         `json:"trackRef,omitempty"`
}

// TimeUpdated 播放进度
type TimeUpdated struct {
	CurrentSeconds  float64 `json:"currentSeconds"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// TrackEnded 曲目自然播放结束
type TrackEnded struct {
	ID model.TrackID `json:"id"`
}

// Error 加载或播放错误
type Error struct {
	ID      model.TrackID `json:"id"`
	Message string        `json:"message"`
}

// AutoplayBlocked 播放被自动播放策略拦截
type AutoplayBlocked struct {
	Track model.Track `json:"track"`
}

// WaveformLoaded 波形峰值已就绪
type WaveformLoaded struct {
	ID    model.TrackID `json:"id"`
	Peaks []float64     `json:"peaks"`
}

// Bus 基于 channel 的信号总线
// 订阅者处理不过来时丢弃信号，发布方永不阻塞
type Bus struct {
	subscribers map[Type][]chan Signal
	mu          sync.RWMutex
	closed      bool
}

// NewBus 创建总线
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Type][]chan Signal),
	}
}

// Subscribe 订阅指定类型，不传类型时订阅全部
func (b *Bus) Subscribe(types ...Type) <-chan Signal {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(types) == 0 {
		types = AllTypes
	}
	ch := make(chan Signal, 64)
	if b.closed {
		close(ch)
		return ch
	}
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}
	return ch
}

// Publish 发布信号
func (b *Bus) Publish(t Type, payload interface{}) {
	sig := Signal{Type: t, Payload: payload, Time: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[t] {
		select {
		case ch <- sig:
		default:
			// 订阅者已满，丢弃
		}
	}
}

// Unsubscribe 取消订阅并关闭 channel
func (b *Bus) Unsubscribe(sub <-chan Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var found chan Signal
	for t, subs := range b.subscribers {
		for i, ch := range subs {
			if ch == sub {
				found = ch
				b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
	if found != nil {
		close(found)
	}
}

// Close 关闭所有订阅
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	closed := make(map[chan Signal]bool)
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			if !closed[ch] {
				close(ch)
				closed[ch] = true
			}
		}
	}
	b.subscribers = make(map[Type][]chan Signal)
	b.closed = true
}
