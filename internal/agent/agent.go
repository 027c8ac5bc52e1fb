// ============================================================================
// SuperVM Agent - Worker Node Process
// ============================================================================
//
// Package: internal/agent
// File: agent.go
// Function: Runs on every worker node. Serves the Executor gRPC service for
// the dispatcher and keeps the node registered with the scheduler API.
//
// Lifecycle:
//   1. Listen on Config.Listen and serve supervm.worker.v1.Executor
//   2. POST /api/v1/nodes to register (409 means already registered)
//   3. Every HeartbeatInterval POST /api/v1/nodes/{id}/heartbeat with load
//      metrics; a 404 means the scheduler forgot the node, so register again
//   4. On ctx cancel: stop heartbeats, abort running attempts, stop gRPC
//
// ============================================================================

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/supervm/api/executorpb"
	"github.com/ChuLiYu/supervm/pkg/types"
)

// Config agent settings.
type Config struct {
	ID                types.NodeID
	Listen            string // gRPC listen address, e.g. ":7070"
	Endpoint          string // address the dispatcher dials; defaults to Listen
	APIURL            string // scheduler API base, e.g. http://scheduler:8080
	Capacity          types.Resources
	Labels            map[string]string
	HeartbeatInterval time.Duration
	MaxConcurrent     int
}

// ErrNotRegistered is returned by Heartbeat when the scheduler does not know
// the node.
var ErrNotRegistered = errors.New("agent: node is not registered")

// Agent ties the executor to the scheduler.
type Agent struct {
	cfg    Config
	exec   *Executor
	client *http.Client
}

// New creates an agent. A node ID is generated when cfg.ID is empty.
func New(cfg Config, exec *Executor) (*Agent, error) {
	if cfg.Listen == "" {
		return nil, errors.New("agent: listen address is required")
	}
	if cfg.APIURL == "" {
		return nil, errors.New("agent: api url is required")
	}
	if cfg.Capacity.IsZero() || cfg.Capacity.Negative() {
		return nil, errors.New("agent: capacity must be positive")
	}
	if cfg.ID == "" {
		cfg.ID = types.NodeID(uuid.NewString())
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = cfg.Listen
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Agent{cfg: cfg, exec: exec, client: &http.Client{Timeout: 10 * time.Second}}, nil
}

// ID node ID used for registration.
func (a *Agent) ID() types.NodeID { return a.cfg.ID }

// Run serves until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return fmt.Errorf("agent: listen %s: %w", a.cfg.Listen, err)
	}
	srv := grpc.NewServer()
	executorpb.RegisterExecutorServer(srv, NewGRPCServer(a.exec))

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(lis) }()
	log.Info("Agent serving", "node", a.cfg.ID, "listen", a.cfg.Listen, "endpoint", a.cfg.Endpoint)

	go a.heartbeatLoop(ctx)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		a.exec.Close()
		return fmt.Errorf("agent: grpc serve: %w", err)
	}

	log.Info("Agent stopping", "node", a.cfg.ID, "running", a.exec.Running())
	a.exec.Close()
	srv.GracefulStop()
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	registered := false
	for {
		if !registered {
			if err := a.Register(ctx); err != nil {
				log.Warn("Registration failed", "node", a.cfg.ID, "error", err)
			} else {
				registered = true
			}
		} else if err := a.Heartbeat(ctx); err != nil {
			if errors.Is(err, ErrNotRegistered) {
				registered = false
			}
			log.Warn("Heartbeat failed", "node", a.cfg.ID, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type registerRequest struct {
	ID       types.NodeID      `json:"id"`
	Endpoint string            `json:"endpoint"`
	Capacity types.Resources   `json:"capacity"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// Register announces the node to the scheduler.
func (a *Agent) Register(ctx context.Context) error {
	status, err := a.post(ctx, "/api/v1/nodes", registerRequest{
		ID:       a.cfg.ID,
		Endpoint: a.cfg.Endpoint,
		Capacity: a.cfg.Capacity,
		Labels:   a.cfg.Labels,
	})
	if err != nil {
		return err
	}
	switch status {
	case http.StatusCreated, http.StatusOK:
		log.Info("Node registered with scheduler", "node", a.cfg.ID)
		return nil
	case http.StatusConflict:
		log.Info("Node already registered", "node", a.cfg.ID)
		return nil
	}
	return fmt.Errorf("agent: register: unexpected status %d", status)
}

// Heartbeat reports liveness and load.
func (a *Agent) Heartbeat(ctx context.Context) error {
	m := types.NodeMetrics{RunningJobs: a.exec.Running()}
	status, err := a.post(ctx, "/api/v1/nodes/"+string(a.cfg.ID)+"/heartbeat", m)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return ErrNotRegistered
	}
	return fmt.Errorf("agent: heartbeat: unexpected status %d", status)
}

func (a *Agent) post(ctx context.Context, path string, body any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
