package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const maxResponseBody = 1 << 20

// HTTPEngine forwards the payload as JSON to a service and returns its
// JSON answer (render and browser tasks).
type HTTPEngine struct {
	URL    string
	Client *http.Client
}

// NewHTTPEngine creates an engine posting to url.
func NewHTTPEngine(url string, timeout time.Duration) *HTTPEngine {
	return &HTTPEngine{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (e *HTTPEngine) Execute(ctx context.Context, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(e.Client, req)
}

// SyncEngine uploads a file to the sync service.
//
// Payload: {filename, content_base64}. The file is sent as the multipart
// field "file" to {BaseURL}/sync.
type SyncEngine struct {
	BaseURL string
	Client  *http.Client
}

// NewSyncEngine creates a sync engine for the service at baseURL.
func NewSyncEngine(baseURL string, timeout time.Duration) *SyncEngine {
	return &SyncEngine{BaseURL: strings.TrimRight(baseURL, "/"), Client: &http.Client{Timeout: timeout}}
}

func (e *SyncEngine) Execute(ctx context.Context, payload map[string]any) (map[string]any, error) {
	name, err := payloadString(payload, "filename")
	if err != nil {
		return nil, err
	}
	encoded, err := payloadString(payload, "content_base64")
	if err != nil {
		return nil, err
	}
	content, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: content_base64: %v", ErrBadPayload, err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(content); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/sync", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	out, err := doJSON(e.Client, req)
	if err != nil {
		return out, err
	}
	out["filename"] = name
	out["bytes"] = len(content)
	return out, nil
}

// doJSON sends req and decodes a JSON object answer. A plain text answer
// is returned under "message".
func doJSON(c *http.Client, req *http.Request) (map[string]any, error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			out = map[string]any{"message": strings.TrimSpace(string(raw))}
		}
	}
	out["status_code"] = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return out, nil
}
