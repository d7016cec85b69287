package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"waveplay/core/utils"
)

// Transport 音频传输方式
type Transport string

const (
	TransportDirect    Transport = "direct"    // 单个可直接获取的音频文件
	TransportSegmented Transport = "segmented" // 基于 manifest 的分片流（HLS）
)

// WaveformKind 波形数据类型
type WaveformKind string

const (
	WaveformNone   WaveformKind = "none"
	WaveformJSON   WaveformKind = "json_peaks"   // JSON 峰值数组
	WaveformRaster WaveformKind = "raster_image" // 栅格化波形图片
)

// WaveformRef 波形数据引用
type WaveformRef struct {
	Kind WaveformKind `json:"kind"`
	URL  string       `json:"url"`
}

// Usable 判断引用是否指向可获取的波形数据
func (w *WaveformRef) Usable() bool {
	return w != nil && w.Kind != WaveformNone && w.Kind != "" && w.URL != ""
}

// TrackID 歌曲ID
// 外部接口有时返回数字有时返回字符串，这里统一保存为字符串
type TrackID string

// UnmarshalJSON 同时接受数字和字符串
func (id *TrackID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid track id: %w", err)
		}
		*id = TrackID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid track id: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*id = TrackID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = TrackID(n.String())
	return nil
}

// String 返回字符串形式
func (id TrackID) String() string {
	return string(id)
}

// SameID 按字符串比较两个ID，不做数值比较
func SameID(a, b TrackID) bool {
	return a != "" && strings.TrimSpace(string(a)) == strings.TrimSpace(string(b))
}

// TrackMetadata 展示用字段，不影响播放行为
type TrackMetadata struct {
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Album      string `json:"album,omitempty"`
	ArtworkURL string `json:"artworkUrl,omitempty"`
}

// Track 播放队列中的一首歌
// 每次加载队列时从外部数据重新构造，加载开始后不再修改
type Track struct {
	ID              TrackID       `json:"id"`
	SourceURL       string        `json:"sourceUrl"`
	Transport       Transport     `json:"transport"`
	Waveform        *WaveformRef  `json:"waveform,omitempty"`
	DurationSeconds float64       `json:"durationSeconds"`
	Refreshable     bool          `json:"refreshable"`
	Metadata        TrackMetadata `json:"metadata"`
}

// IsSegmented 是否为分片流
func (t *Track) IsSegmented() bool {
	return t.Transport == TransportSegmented
}

// Merge 合并刷新接口返回的字段，返回新的副本
// 空字段保留原值
func (t Track) Merge(fresh *Track) Track {
	if fresh == nil {
		return t
	}
	if fresh.SourceURL != "" {
		t.SourceURL = fresh.SourceURL
	}
	if fresh.Transport != "" {
		t.Transport = fresh.Transport
	}
	if fresh.Waveform.Usable() {
		w := *fresh.Waveform
		t.Waveform = &w
	}
	if fresh.DurationSeconds > 0 {
		t.DurationSeconds = fresh.DurationSeconds
	}
	if fresh.Metadata.Title != "" {
		t.Metadata.Title = fresh.Metadata.Title
	}
	if fresh.Metadata.Artist != "" {
		t.Metadata.Artist = fresh.Metadata.Artist
	}
	if fresh.Metadata.Album != "" {
		t.Metadata.Album = fresh.Metadata.Album
	}
	if fresh.Metadata.ArtworkURL != "" {
		t.Metadata.ArtworkURL = fresh.Metadata.ArtworkURL
	}
	return t
}

// Normalize 补全缺省字段
func (t *Track) Normalize() {
	if t.Transport == "" {
		if strings.HasSuffix(strings.ToLower(utils.StripQuery(t.SourceURL)), ".m3u8") {
			t.Transport = TransportSegmented
		} else {
			t.Transport = TransportDirect
		}
	}
	if t.Waveform != nil && t.Waveform.Kind == "" {
		t.Waveform.Kind = WaveformJSON
	}
}
