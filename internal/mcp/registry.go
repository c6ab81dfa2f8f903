// Package mcp hosts the per-session MCP tool server: transport glue,
// server-side identity binding, and the tool handlers agents call.
package mcp

import (
	"sync"
	"time"

	"github.com/LupusDei/adjutant/internal/bus"
	"github.com/LupusDei/adjutant/internal/errs"
)

// Agent self-reported statuses.
const (
	StatusWorking = "working"
	StatusBlocked = "blocked"
	StatusIdle    = "idle"
	StatusDone    = "done"
)

// IsValidAgentStatus reports whether s is an allowed agent status.
func IsValidAgentStatus(s string) bool {
	switch s {
	case StatusWorking, StatusBlocked, StatusIdle, StatusDone:
		return true
	}
	return false
}

// AgentConnection is one agent's live MCP session. Identity is bound once,
// at initialize; tool calls resolve it by session id and never from
// parameters.
type AgentConnection struct {
	SessionID   string    `json:"session_id"`
	AgentID     string    `json:"agent_id"`
	ConnectedAt time.Time `json:"connected_at"`

	ProjectID   string `json:"project_id,omitempty"`
	ProjectPath string `json:"project_path,omitempty"`
	BeadsDir    string `json:"beads_dir,omitempty"`

	Status string `json:"status"`
	Task   string `json:"task,omitempty"`
	BeadID string `json:"bead_id,omitempty"`
}

// Registry tracks live sessions. One connection per session id; an agent id
// may hold several concurrent sessions. Sessions do not survive a restart.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*AgentConnection
	bus   *bus.Bus
}

// NewRegistry creates an empty session registry.
func NewRegistry(b *bus.Bus) *Registry {
	return &Registry{conns: make(map[string]*AgentConnection), bus: b}
}

// Bind registers a new session at initialize time and emits
// mcp:agent_connected.
func (r *Registry) Bind(conn *AgentConnection) {
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = time.Now().UTC()
	}
	if conn.Status == "" {
		conn.Status = StatusIdle
	}
	r.mu.Lock()
	r.conns[conn.SessionID] = conn
	r.mu.Unlock()

	if r.bus != nil {
		cp := *conn
		r.bus.Publish(bus.EventAgentConnected, &cp)
	}
}

// Resolve returns the connection for a session id.
func (r *Registry) Resolve(sessionID string) (*AgentConnection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[sessionID]
	if !ok {
		return nil, errs.New(errs.CodeInvalidArg, "unknown session %s", sessionID)
	}
	cp := *conn
	return &cp, nil
}

// Remove reaps a terminated session and emits mcp:agent_disconnected.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	conn, ok := r.conns[sessionID]
	if ok {
		delete(r.conns, sessionID)
	}
	r.mu.Unlock()

	if ok && r.bus != nil {
		r.bus.Publish(bus.EventAgentDisconnect, map[string]string{
			"session_id": sessionID,
			"agent_id":   conn.AgentID,
		})
	}
}

// SetStatus updates a session's self-reported status and emits
// agent:status_changed.
func (r *Registry) SetStatus(sessionID, status, task, beadID string) (*AgentConnection, error) {
	r.mu.Lock()
	conn, ok := r.conns[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, errs.New(errs.CodeInvalidArg, "unknown session %s", sessionID)
	}
	conn.Status = status
	conn.Task = task
	conn.BeadID = beadID
	cp := *conn
	r.mu.Unlock()

	if r.bus != nil {
		payload := map[string]string{
			"agent_id": cp.AgentID,
			"status":   status,
		}
		if task != "" {
			payload["task"] = task
		}
		if beadID != "" {
			payload["bead_id"] = beadID
		}
		r.bus.Publish(bus.EventStatusChanged, payload)
	}
	return &cp, nil
}

// List returns a snapshot of live connections, optionally filtered by
// status.
func (r *Registry) List(status string) []*AgentConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*AgentConnection
	for _, conn := range r.conns {
		if status != "" && conn.Status != status {
			continue
		}
		cp := *conn
		out = append(out, &cp)
	}
	return out
}

// Count reports how many sessions are live.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
