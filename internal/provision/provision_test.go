package provision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/supervm/pkg/types"
)

func TestRequestNode(t *testing.T) {
	var got NodeSpec
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/nodes", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(NodeHandle{ID: "vm-1", Endpoint: "10.0.0.9:7070"})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL+"/", time.Second)
	require.NoError(t, err)

	spec := NodeSpec{Capacity: types.Resources{CPUMillis: 4000, MemoryMB: 8192}, Labels: map[string]string{"pool": "burst"}}
	h, err := c.RequestNode(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "vm-1", h.ID)
	assert.Equal(t, "10.0.0.9:7070", h.Endpoint)
	// capacity falls back to the requested spec
	assert.Equal(t, spec.Capacity, h.Capacity)
	assert.Equal(t, "burst", got.Labels["pool"])
}

func TestRequestNodeErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		unavailable bool
	}{
		{"server error", http.StatusServiceUnavailable, `{"message":"quota exhausted"}`, true},
		{"bad request", http.StatusBadRequest, `{"message":"unknown flavour"}`, false},
		{"plain text", http.StatusInternalServerError, "boom", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewHTTPClient(srv.URL, time.Second)
			require.NoError(t, err)
			_, err = c.RequestNode(context.Background(), NodeSpec{})
			require.Error(t, err)
			assert.Equal(t, tt.unavailable, errors.Is(err, types.ErrProvisioningUnavailable))

			var er *ErrResponse
			require.True(t, errors.As(err, &er))
			assert.Equal(t, tt.status, er.StatusCode)
		})
	}
}

func TestRequestNodeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewHTTPClient(url, 200*time.Millisecond)
	require.NoError(t, err)
	_, err = c.RequestNode(context.Background(), NodeSpec{})
	assert.ErrorIs(t, err, types.ErrProvisioningUnavailable)
}

func TestReleaseNode(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/nodes/gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, time.Second)
	require.NoError(t, err)
	require.NoError(t, c.ReleaseNode(context.Background(), "vm-1"))
	require.NoError(t, c.ReleaseNode(context.Background(), "gone"))
	assert.Equal(t, []string{"/nodes/vm-1", "/nodes/gone"}, paths)
}

func TestNewHTTPClientValidatesURL(t *testing.T) {
	_, err := NewHTTPClient("not a url", 0)
	assert.ErrorIs(t, err, types.ErrValidation)
}
