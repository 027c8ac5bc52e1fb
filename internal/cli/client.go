package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/supervm/internal/pool"
	"github.com/ChuLiYu/supervm/internal/scaling"
	"github.com/ChuLiYu/supervm/internal/scheduler"
	"github.com/ChuLiYu/supervm/pkg/types"
)

// Client 排程器 HTTP API 的最小客戶端（供 CLI 子命令使用）
type Client struct {
	base string
	http *http.Client
}

// NodeInfo GET /api/v1/nodes 的單個項目
type NodeInfo struct {
	types.Node
	Usage pool.NodeUsage `json:"usage"`
}

// APIError 非 2xx 回應
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: %s (%d): %s", e.Code, e.Status, e.Message)
}

func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Submit(ctx context.Context, body map[string]any) (*types.Task, error) {
	var t types.Task
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) Status(ctx context.Context) (*scheduler.Status, error) {
	var st scheduler.Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Nodes(ctx context.Context) ([]NodeInfo, error) {
	var out struct {
		Items []NodeInfo `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/nodes", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) Scale(ctx context.Context, delta int) (*scaling.Decision, error) {
	var d scaling.Decision
	if err := c.do(ctx, http.MethodPost, "/api/v1/scale", map[string]int{"delta": delta}, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
