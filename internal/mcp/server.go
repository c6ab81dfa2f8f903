package mcp

import (
	"context"
	"log"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/LupusDei/adjutant/internal/beads"
	"github.com/LupusDei/adjutant/internal/bridge"
	"github.com/LupusDei/adjutant/internal/bus"
	"github.com/LupusDei/adjutant/internal/project"
	"github.com/LupusDei/adjutant/internal/store"
)

// ctxKey types for values carried from the HTTP layer into handler context.
type ctxKey int

const (
	ctxAgentID ctxKey = iota
	ctxProjectID
)

// Server wires the MCP protocol server, the session registry, and the tool
// handlers into one streamable HTTP endpoint.
type Server struct {
	Registry *Registry
	handler  http.Handler
}

// Deps are the components the tool handlers operate on.
type Deps struct {
	Store    *store.Store
	Gateway  *beads.Gateway
	Projects *project.Registry
	Bridge   *bridge.Bridge
	Registry *Registry
	Bus      *bus.Bus
}

// NewServer builds the MCP server. Agent identity comes exclusively from the
// X-Agent-Id header or agentId query string on the initialize request;
// project context from X-Project-Id or projectId.
func NewServer(deps Deps) *Server {
	srv := &Server{Registry: deps.Registry}

	hooks := &server.Hooks{}
	hooks.AddBeforeInitialize(func(ctx context.Context, id any, message *mcp.InitializeRequest) {
		session := server.ClientSessionFromContext(ctx)
		if session == nil {
			return
		}
		agentID, _ := ctx.Value(ctxAgentID).(string)
		if agentID == "" {
			// No declared identity: fall back to a server-generated id so the
			// session is still attributable.
			agentID = "agent-" + session.SessionID()[:8]
		}

		conn := &AgentConnection{
			SessionID: session.SessionID(),
			AgentID:   agentID,
		}
		if projectID, _ := ctx.Value(ctxProjectID).(string); projectID != "" && deps.Projects != nil {
			if p, err := deps.Projects.Get(projectID); err == nil {
				conn.ProjectID = p.ID
				conn.ProjectPath = p.Path
				if p.HasBeads {
					conn.BeadsDir = p.Path
				}
			}
		}
		deps.Registry.Bind(conn)
		log.Printf("mcp: session %s bound to agent %s", conn.SessionID, conn.AgentID)
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		deps.Registry.Remove(session.SessionID())
	})

	mcpServer := server.NewMCPServer(
		"adjutant",
		"1.0.0",
		server.WithInstructions(instructionsText),
		server.WithHooks(hooks),
	)

	tools := newTools(deps)
	tools.register(mcpServer)

	srv.handler = server.NewStreamableHTTPServer(mcpServer,
		server.WithHTTPContextFunc(httpContext),
	)
	return srv
}

// httpContext carries connection-time identity into the protocol context.
// This is the ONLY place identity enters the system.
func httpContext(ctx context.Context, r *http.Request) context.Context {
	agentID := r.Header.Get("X-Agent-Id")
	if agentID == "" {
		agentID = r.URL.Query().Get("agentId")
	}
	if agentID != "" {
		ctx = context.WithValue(ctx, ctxAgentID, agentID)
	}

	projectID := r.Header.Get("X-Project-Id")
	if projectID == "" {
		projectID = r.URL.Query().Get("projectId")
	}
	if projectID != "" {
		ctx = context.WithValue(ctx, ctxProjectID, projectID)
	}
	return ctx
}

// ServeHTTP handles the /mcp endpoint (POST, GET stream, DELETE terminate).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

const instructionsText = `You are an agent connected to the Adjutant coordination server.

Use send_message to reach the operator or other agents, set_status to keep
the dashboard current, report_progress while working, and announce for
completions, blockers, and questions. Bead tools operate on your session's
project tracker. Your identity is bound to this session at connect time;
identity fields inside tool arguments are ignored.`
