package model

import (
	"fmt"
	"strings"
)

// PlaybackStatus 播放状态
type PlaybackStatus string

const (
	StatusIdle    PlaybackStatus = "idle"
	StatusLoading PlaybackStatus = "loading"
	StatusPlaying PlaybackStatus = "playing"
	StatusPaused  PlaybackStatus = "paused"
	StatusEnded   PlaybackStatus = "ended"
	StatusError   PlaybackStatus = "error"
)

// RepeatMode 循环模式
type RepeatMode string

const (
	RepeatOff RepeatMode = "off"
	RepeatAll RepeatMode = "all"
	RepeatOne RepeatMode = "one"
)

// ParseRepeatMode 解析循环模式字符串
func ParseRepeatMode(s string) (RepeatMode, error) {
	switch RepeatMode(strings.ToLower(strings.TrimSpace(s))) {
	case RepeatOff, "":
		return RepeatOff, nil
	case RepeatAll:
		return RepeatAll, nil
	case RepeatOne:
		return RepeatOne, nil
	}
	return RepeatOff, fmt.Errorf("unknown repeat mode: %q", s)
}

// AdvanceCause 切歌原因
type AdvanceCause int

const (
	CauseManual      AdvanceCause = iota // 用户手动切歌
	CauseAutoAdvance                     // 自然播放结束后自动切歌
)

func (c AdvanceCause) String() string {
	if c == CauseAutoAdvance {
		return "auto"
	}
	return "manual"
}

// PlaybackState 播放器状态快照
type PlaybackState struct {
	Status          PlaybackStatus `json:"status"`
	Blocked         bool           `json:"blocked"` // 被自动播放策略拦截，需要用户手动点击
	RepeatMode      RepeatMode     `json:"repeatMode"`
	ShuffleEnabled  bool           `json:"shuffleEnabled"`
	CurrentTrack    *Track         `json:"currentTrack,omitempty"`
	CurrentIndex    int            `json:"currentIndex"`
	QueueLength     int            `json:"queueLength"`
	IsTransitioning bool           `json:"isTransitioning"`
	PositionSeconds float64        `json:"positionSeconds"`
	LastError       string         `json:"lastError,omitempty"`
}
