package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ChuLiYu/supervm/internal/pool"
	"github.com/ChuLiYu/supervm/pkg/types"
)

const maxBodyBytes = 4 << 20

// ============================================================================
// Request / response bodies
// ============================================================================

// resourcesBody accepts CPU either as cores ("cpu": 1.5) or millicores.
type resourcesBody struct {
	CPU       *float64 `json:"cpu,omitempty"`
	CPUMillis int64    `json:"cpu_millis,omitempty"`
	MemoryMB  int64    `json:"memory_mb,omitempty"`
	GPUUnits  int64    `json:"gpu_units,omitempty"`
}

func (b resourcesBody) resources() types.Resources {
	r := types.Resources{CPUMillis: b.CPUMillis, MemoryMB: b.MemoryMB, GPUUnits: b.GPUUnits}
	if b.CPU != nil {
		r.CPUMillis = int64(math.Round(*b.CPU * 1000))
	}
	return r
}

type submitBody struct {
	Type        types.TaskType `json:"type"`
	Demand      resourcesBody  `json:"demand"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timeout     string         `json:"timeout,omitempty"` // "90s"
	MaxAttempts int            `json:"max_attempts,omitempty"`
}

func (b submitBody) spec() (types.TaskSpec, error) {
	spec := types.TaskSpec{
		Type:        b.Type,
		Demand:      b.Demand.resources(),
		Payload:     b.Payload,
		MaxAttempts: b.MaxAttempts,
	}
	if b.Timeout != "" {
		d, err := time.ParseDuration(b.Timeout)
		if err != nil {
			return spec, &types.ValidationError{Field: "timeout", Reason: "must be a duration such as 30s"}
		}
		spec.Timeout = d
	}
	return spec, nil
}

type registerBody struct {
	ID       types.NodeID      `json:"id,omitempty"`
	Endpoint string            `json:"endpoint"`
	Capacity resourcesBody     `json:"capacity"`
	Labels   map[string]string `json:"labels,omitempty"`
}

type scaleBody struct {
	Delta int `json:"delta"`
}

type nodeView struct {
	*types.Node
	Usage pool.NodeUsage `json:"usage"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ============================================================================
// Helpers
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to encode response", "error", err)
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &types.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// writeError 將哨兵錯誤映射為 HTTP 狀態碼
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, types.ErrValidation):
		status, code = http.StatusBadRequest, "validation"
	case errors.Is(err, types.ErrUnschedulable):
		status, code = http.StatusUnprocessableEntity, "unschedulable"
	case errors.Is(err, types.ErrDuplicateNode):
		status, code = http.StatusConflict, "duplicate_node"
	case errors.Is(err, types.ErrTaskNotFound), errors.Is(err, types.ErrNodeNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, types.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, types.ErrNodeBusy):
		status, code = http.StatusConflict, "node_busy"
	case errors.Is(err, types.ErrProvisioningUnavailable):
		status, code = http.StatusServiceUnavailable, "provisioning_unavailable"
	}
	if status == http.StatusInternalServerError {
		log.Error("Request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: code, Message: err.Error()})
}

// ============================================================================
// Status / pool / scale
// ============================================================================

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) getPool(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.PoolSnapshot())
}

func (s *Server) postScale(w http.ResponseWriter, r *http.Request) {
	var body scaleBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.sched.RequestScale(r.Context(), body.Delta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

// ============================================================================
// Tasks
// ============================================================================

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	spec, err := body.spec()
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := s.sched.Submit(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/tasks/"+string(t.ID))
	writeJSON(w, http.StatusCreated, t)
}

func parseFilter(r *http.Request) (types.TaskFilter, error) {
	q := r.URL.Query()
	f := types.TaskFilter{
		State: types.TaskState(q.Get("state")),
		Type:  types.TaskType(q.Get("type")),
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		if v := q.Get(p.name); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, &types.ValidationError{Field: p.name, Reason: "must be RFC3339"}
			}
			*p.dst = ts
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, &types.ValidationError{Field: "limit", Reason: "must be a non-negative integer"}
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks := s.sched.List(f)
	writeJSON(w, http.StatusOK, map[string]any{"items": tasks, "count": len(tasks)})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.sched.Get(types.TaskID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.sched.Cancel(r.Context(), types.TaskID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !t.State.Terminal() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, t)
}

// ============================================================================
// Nodes
// ============================================================================

func (s *Server) listNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := s.sched.ListNodes()
	usage := make(map[types.NodeID]pool.NodeUsage)
	for _, u := range s.sched.PoolSnapshot().Nodes {
		usage[u.NodeID] = u
	}
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeView{Node: n, Usage: usage[n.ID]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "count": len(out)})
}

func (s *Server) registerNode(w http.ResponseWriter, r *http.Request) {
	var body registerBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.sched.RegisterNode(types.Node{
		ID:       body.ID,
		Endpoint: body.Endpoint,
		Capacity: body.Capacity.resources(),
		Labels:   body.Labels,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	n, usage, err := s.sched.GetNode(id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/nodes/%s", id))
	writeJSON(w, http.StatusCreated, nodeView{Node: n, Usage: usage})
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	n, usage, err := s.sched.GetNode(types.NodeID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodeView{Node: n, Usage: usage})
}

func (s *Server) deleteNode(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Decommission(r.Context(), types.NodeID(chi.URLParam(r, "id"))); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var m types.NodeMetrics
	if r.ContentLength != 0 {
		if err := decode(r, &m); err != nil {
			writeError(w, err)
			return
		}
	}
	id := types.NodeID(chi.URLParam(r, "id"))
	if _, err := s.sched.Heartbeat(id, m); err != nil {
		writeError(w, err)
		return
	}
	n, _, err := s.sched.GetNode(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "health": n.Health})
}

func (s *Server) markUnreachable(w http.ResponseWriter, r *http.Request) {
	id := types.NodeID(chi.URLParam(r, "id"))
	if _, err := s.sched.MarkUnreachable(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	n, usage, err := s.sched.GetNode(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "health": n.Health, "usage": usage})
}

func (s *Server) reconcileNode(w http.ResponseWriter, r *http.Request) {
	usage, err := s.sched.ReconcileNode(types.NodeID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}
