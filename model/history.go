package model

import "time"

// PlayHistory 播放记录
// 每次成功开始播放时写入一条
type PlayHistory struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	TrackID   string    `json:"trackId" gorm:"size:64;index;not null"`
	Title     string    `json:"title" gorm:"size:255"`
	Artist    string    `json:"artist" gorm:"size:255"`
	Transport string    `json:"transport" gorm:"size:16"`
	Cause     string    `json:"cause" gorm:"size:16"` // manual, auto, repeat
	PlayedAt  time.Time `json:"playedAt" gorm:"index"`
}

// TableName 指定表名
func (PlayHistory) TableName() string {
	return "play_history"
}
