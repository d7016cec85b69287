package player

import (
	"errors"
	"fmt"

	"waveplay/model"
)

// Sentinel errors for common conditions
var (
	ErrTrackNotFound  = errors.New("track not found in queue")
	ErrEmptyQueue     = errors.New("playback queue is empty")
	ErrNothingLoaded  = errors.New("no track loaded")
	ErrInvalidSeek    = errors.New("seek fraction must be between 0.0 and 1.0")
	ErrNoCatalog      = errors.New("catalog is not configured")
	ErrInvalidCommand = errors.New("invalid command")
)

// PlayerError 命令失败时附带操作和曲目信息
type PlayerError struct {
	Op      string        // 失败的操作
	TrackID model.TrackID // 相关曲目，可为空
	Err     error
}

func (e *PlayerError) Error() string {
	if e.TrackID != "" {
		return fmt.Sprintf("%s failed for track %s: %v", e.Op, e.TrackID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PlayerError) Unwrap() error {
	return e.Err
}

// NewPlayerError creates a new PlayerError
func NewPlayerError(op string, id model.TrackID, err error) *PlayerError {
	return &PlayerError{Op: op, TrackID: id, Err: err}
}
