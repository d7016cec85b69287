package peaks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnsupportedScheme 没有可以处理该地址的 Fetcher
var ErrUnsupportedScheme = errors.New("unsupported waveform url scheme")

// Fetcher 获取波形资源的原始字节
type Fetcher interface {
	Open(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// HTTPFetcher 通过 HTTP 获取波形资源
type HTTPFetcher struct {
	Client  *http.Client
	BaseURL string // 用于解析相对路径，如 /peaks/1.json
}

// NewHTTPFetcher 创建 HTTP Fetcher
// 不设置整体超时，慢速下载只会推迟开播，取消由每次加载的 ctx 负责
// 只对建连和等待响应头设置上限，避免死连接一直挂着
func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.ResponseHeaderTimeout = 30 * time.Second

	return &HTTPFetcher{
		Client:  &http.Client{Transport: transport},
		BaseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Open 发送 GET 请求，非 2xx 状态码视为失败
func (f *HTTPFetcher) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	target := rawURL
	if strings.HasPrefix(rawURL, "/") && f.BaseURL != "" {
		target = f.BaseURL + rawURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求失败: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, target)
	}
	return resp.Body, nil
}

// MultiFetcher 按 URL scheme 分发到不同的 Fetcher
// 没有 scheme 的相对路径交给 http
type MultiFetcher struct {
	fetchers map[string]Fetcher
}

// NewMultiFetcher 创建分发器
func NewMultiFetcher() *MultiFetcher {
	return &MultiFetcher{fetchers: make(map[string]Fetcher)}
}

// Register 注册 scheme 对应的 Fetcher
func (m *MultiFetcher) Register(scheme string, f Fetcher) *MultiFetcher {
	m.fetchers[strings.ToLower(scheme)] = f
	return m
}

// Open 实现 Fetcher
func (m *MultiFetcher) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	scheme := "http"
	if u, err := url.Parse(rawURL); err == nil && u.Scheme != "" {
		scheme = strings.ToLower(u.Scheme)
	}
	f, ok := m.fetchers[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
	return f.Open(ctx, rawURL)
}
