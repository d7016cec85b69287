package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/faiface/beep/mp3"

	"waveplay/logger"
)

// maxManifestBytes m3u8 文件大小上限
const maxManifestBytes = 1 << 20

// Segment m3u8 中的一个分片
type Segment struct {
	URI      string
	Duration float64
}

// Manifest 解析后的 m3u8 播放列表
type Manifest struct {
	TargetDuration float64
	Segments       []Segment
	Variants       []string // 主播放列表中的子播放列表地址
	Complete       bool     // 存在 #EXT-X-ENDLIST
}

// TotalDuration 所有分片时长之和
func (m *Manifest) TotalDuration() float64 {
	total := 0.0
	for _, s := range m.Segments {
		total += s.Duration
	}
	return total
}

// ParseManifest 解析 m3u8，分片地址按 manifest 地址解析为绝对或根相对路径
func ParseManifest(r io.Reader, manifestURL string) (*Manifest, error) {
	base, err := url.Parse(manifestURL)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest url: %w", err)
	}

	scanner := bufio.NewScanner(io.LimitReader(r, maxManifestBytes))
	m := &Manifest{}
	header := false
	pendingDuration := -1.0
	pendingVariant := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !header {
			if line != "#EXTM3U" {
				return nil, fmt.Errorf("missing #EXTM3U header")
			}
			header = true
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			value := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(value, ','); i >= 0 {
				value = value[:i]
			}
			d, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid EXTINF %q: %w", line, err)
			}
			pendingDuration = d
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			d, err := strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64)
			if err == nil {
				m.TargetDuration = d
			}
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF"):
			pendingVariant = true
		case line == "#EXT-X-ENDLIST":
			m.Complete = true
		case strings.HasPrefix(line, "#"):
			// 其他标签忽略
		default:
			ref, err := url.Parse(line)
			if err != nil {
				return nil, fmt.Errorf("invalid segment uri %q: %w", line, err)
			}
			uri := base.ResolveReference(ref).String()
			if pendingVariant {
				m.Variants = append(m.Variants, uri)
				pendingVariant = false
				continue
			}
			d := pendingDuration
			if d < 0 {
				d = m.TargetDuration
			}
			m.Segments = append(m.Segments, Segment{URI: uri, Duration: d})
			pendingDuration = -1
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if !header {
		return nil, fmt.Errorf("empty manifest")
	}
	return m, nil
}

// SegmentDecoder 分片流解码器
// 分片为打包的 MP3 音频，按顺序拉取后拼接成一条连续的流交给元素
type SegmentDecoder struct {
	opener Opener

	mu        sync.Mutex
	parsed    chan struct{}
	errs      chan error
	attached  chan struct{}
	sink      StreamSink
	cancel    context.CancelFunc
	reader    *segmentReader
	destroyed bool
}

var _ Decoder = (*SegmentDecoder)(nil)

// NewSegmentDecoder 创建解码器
func NewSegmentDecoder(opener Opener) *SegmentDecoder {
	return &SegmentDecoder{
		opener:   opener,
		parsed:   make(chan struct{}),
		errs:     make(chan error, 1),
		attached: make(chan struct{}),
	}
}

// NewSegmentDecoderFactory 返回使用同一个 Opener 的工厂
func NewSegmentDecoderFactory(opener Opener) DecoderFactory {
	return func() Decoder {
		return NewSegmentDecoder(opener)
	}
}

// LoadSource 开始拉取 manifest
func (d *SegmentDecoder) LoadSource(ctx context.Context, manifestURL string) {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	lctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	go d.run(lctx, manifestURL)
}

func (d *SegmentDecoder) run(ctx context.Context, manifestURL string) {
	m, err := d.fetchManifest(ctx, manifestURL, true)
	if err != nil {
		d.fail(err)
		return
	}
	if len(m.Segments) == 0 {
		d.fail(fmt.Errorf("manifest has no segments"))
		return
	}

	logger.Debug("[SegmentDecoder] manifest 解析完成",
		logger.String("url", manifestURL),
		logger.Int("segments", len(m.Segments)),
		logger.Float64("duration", m.TotalDuration()))

	select {
	case <-d.attached:
	case <-ctx.Done():
		return
	}

	reader := newSegmentReader(ctx, d.opener, m.Segments)
	stream, format, err := mp3.Decode(reader)
	if err != nil {
		reader.Close()
		d.fail(fmt.Errorf("decode first segment: %w", err))
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sink == nil || ctx.Err() != nil {
		stream.Close()
		return
	}
	if err := d.sink.AttachStream(stream, format, m.TotalDuration()); err != nil {
		stream.Close()
		d.failLocked(err)
		return
	}
	d.reader = reader
	close(d.parsed)
}

func (d *SegmentDecoder) fetchManifest(ctx context.Context, manifestURL string, followVariant bool) (*Manifest, error) {
	body, err := d.opener.Open(ctx, manifestURL)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	m, err := ParseManifest(body, manifestURL)
	body.Close()
	if err != nil {
		return nil, err
	}
	if len(m.Segments) == 0 && len(m.Variants) > 0 && followVariant {
		return d.fetchManifest(ctx, m.Variants[0], false)
	}
	return m, nil
}

func (d *SegmentDecoder) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failLocked(err)
}

func (d *SegmentDecoder) failLocked(err error) {
	if d.destroyed || errors.Is(err, context.Canceled) {
		return
	}
	select {
	case d.errs <- err:
	default:
	}
}

// Attach 绑定元素，元素必须能接收解码流
func (d *SegmentDecoder) Attach(el Element) error {
	sink, ok := el.(StreamSink)
	if !ok {
		return fmt.Errorf("element %T cannot receive a decoded stream", el)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return fmt.Errorf("decoder destroyed")
	}
	if d.sink != nil {
		return fmt.Errorf("decoder already attached")
	}
	d.sink = sink
	close(d.attached)
	return nil
}

// ManifestParsed 实现 Decoder
func (d *SegmentDecoder) ManifestParsed() <-chan struct{} {
	return d.parsed
}

// Errors 实现 Decoder
func (d *SegmentDecoder) Errors() <-chan error {
	return d.errs
}

// Detach 停止拉取并与元素解绑
func (d *SegmentDecoder) Detach() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	d.sink = nil
}

// Destroy 释放资源
func (d *SegmentDecoder) Destroy() {
	d.Detach()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = true
	if d.reader != nil {
		d.reader.Close()
		d.reader = nil
	}
}

// segmentReader 依次打开每个分片，拼接成一个连续的 Reader
type segmentReader struct {
	ctx      context.Context
	opener   Opener
	segments []Segment

	mu     sync.Mutex
	next   int
	cur    io.ReadCloser
	closed bool
}

func newSegmentReader(ctx context.Context, opener Opener, segments []Segment) *segmentReader {
	return &segmentReader{ctx: ctx, opener: opener, segments: segments}
}

func (r *segmentReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if r.closed {
			return 0, io.ErrClosedPipe
		}
		if r.cur == nil {
			if r.next >= len(r.segments) {
				return 0, io.EOF
			}
			seg := r.segments[r.next]
			body, err := r.opener.Open(r.ctx, seg.URI)
			if err != nil {
				return 0, fmt.Errorf("fetch segment %d: %w", r.next, err)
			}
			r.cur = body
			r.next++
		}

		n, err := r.cur.Read(p)
		if err == io.EOF {
			r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *segmentReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}
