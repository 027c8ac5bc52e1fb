// ============================================================================
// SuperVM Provisioning Client - 外部節點供應服務
// ============================================================================
//
// Package: internal/provision
// 文件: provision.go
// 功能: 向外部供應服務（Terraform / Ansible 包裝層）申請與釋放節點
//
// HTTP 介面:
//   POST   {base}/nodes        body: NodeSpec   → 201 NodeHandle
//   DELETE {base}/nodes/{id}                    → 204
//
// 錯誤處理:
//   - 連線失敗、逾時、5xx 一律包裝為 ErrProvisioningUnavailable
//   - 4xx 回傳服務端訊息，不視為暫時性錯誤
//
// ============================================================================

package provision

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

	"github.com/ChuLiYu/supervm/pkg/types"
)

// NodeSpec 申請節點的規格
type NodeSpec struct {
	Capacity types.Resources   `json:"capacity"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// NodeHandle 供應服務回傳的節點
type NodeHandle struct {
	ID       string            `json:"id"`
	Endpoint string            `json:"endpoint"`
	Capacity types.Resources   `json:"capacity"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// Provisioner 節點供應者
type Provisioner interface {
	RequestNode(ctx context.Context, spec NodeSpec) (NodeHandle, error)
	ReleaseNode(ctx context.Context, id string) error
}

// ErrResponse 供應服務的錯誤回應
type ErrResponse struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
}

func (e *ErrResponse) Error() string {
	return fmt.Sprintf("provisioning service returned %d: %s", e.StatusCode, e.Message)
}

// HTTPClient 以 HTTP 呼叫供應服務
type HTTPClient struct {
	base       string
	httpClient *http.Client
}

// NewHTTPClient 建立客戶端；timeout 為單次請求上限（0 = 30s）
func NewHTTPClient(base string, timeout time.Duration) (*HTTPClient, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, &types.ValidationError{Field: "provision.base_url", Reason: err.Error()}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// RequestNode 申請一個新節點
func (c *HTTPClient) RequestNode(ctx context.Context, spec NodeSpec) (NodeHandle, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return NodeHandle{}, fmt.Errorf("provision: marshal spec: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/nodes", bytes.NewReader(data))
	if err != nil {
		return NodeHandle{}, fmt.Errorf("provision: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NodeHandle{}, fmt.Errorf("%w: %v", types.ErrProvisioningUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return NodeHandle{}, responseError(resp)
	}
	var h NodeHandle
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return NodeHandle{}, fmt.Errorf("provision: decode node: %w", err)
	}
	if h.Endpoint == "" {
		return NodeHandle{}, fmt.Errorf("provision: node %q has no endpoint", h.ID)
	}
	if h.Capacity.IsZero() {
		h.Capacity = spec.Capacity
	}
	return h, nil
}

// ReleaseNode 釋放節點；節點已不存在 (404) 視為成功
func (c *HTTPClient) ReleaseNode(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/nodes/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("provision: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrProvisioningUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusAccepted, http.StatusNotFound:
		return nil
	}
	return responseError(resp)
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	e := &ErrResponse{StatusCode: resp.StatusCode}
	if json.Unmarshal(body, e) != nil || e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %v", types.ErrProvisioningUnavailable, e)
	}
	return e
}
