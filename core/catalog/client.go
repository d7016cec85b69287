package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"waveplay/logger"
	"waveplay/model"
)

// maxResponseBytes 目录接口响应大小上限
const maxResponseBytes = 16 << 20

// Client 曲目目录 API 客户端
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient 创建客户端
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetTimeout 设置请求超时
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

// List 获取某个范围内的曲目
func (c *Client) List(ctx context.Context, scope string) ([]model.Track, error) {
	q := url.Values{}
	if scope != "" {
		q.Set("scope", scope)
	}
	var tracks []model.Track
	if err := c.get(ctx, "/api/tracks", q, &tracks); err != nil {
		return nil, err
	}
	return normalize(tracks), nil
}

// Search 按关键词搜索曲目
func (c *Client) Search(ctx context.Context, query, scope string) ([]model.Track, error) {
	q := url.Values{}
	q.Set("q", query)
	if scope != "" {
		q.Set("scope", scope)
	}
	var tracks []model.Track
	if err := c.get(ctx, "/api/tracks/search", q, &tracks); err != nil {
		return nil, err
	}
	return normalize(tracks), nil
}

// Refresh 重新解析会过期的音源地址
func (c *Client) Refresh(ctx context.Context, track model.Track) (model.Track, error) {
	path := fmt.Sprintf("/api/tracks/%s/refresh", url.PathEscape(track.ID.String()))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return model.Track{}, fmt.Errorf("创建请求失败: %w", err)
	}

	var fresh model.Track
	if err := c.do(req, &fresh); err != nil {
		return model.Track{}, err
	}
	fresh.Normalize()
	return fresh, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Warn("[Catalog] 接口返回错误状态码",
			logger.String("url", req.URL.String()),
			logger.Int("status", resp.StatusCode))
		return fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}
	return decode(body, out)
}

// envelope 包装格式 {"success": true, "data": ...}
type envelope struct {
	Success *bool           `json:"success"`
	Code    *int            `json:"code"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// decode 兼容裸 JSON 与包装格式
func decode(body []byte, out interface{}) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty catalog response")
	}

	if trimmed[0] == '{' {
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err == nil && env.Data != nil {
			if env.Success != nil && !*env.Success {
				return fmt.Errorf("catalog error: %s%s", env.Message, env.Error)
			}
			if env.Code != nil && *env.Code != 0 && *env.Code != http.StatusOK {
				return fmt.Errorf("catalog error: %s (code: %d)", env.Message, *env.Code)
			}
			trimmed = env.Data
		}
	}

	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

func normalize(tracks []model.Track) []model.Track {
	out := tracks[:0]
	for _, t := range tracks {
		if t.ID == "" || t.SourceURL == "" {
			continue
		}
		t.Normalize()
		out = append(out, t)
	}
	return out
}
