package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/LupusDei/adjutant/internal/errs"
)

// tools holds the stateless handler set. Handlers read shared components
// through deps and resolve the calling agent through the session registry,
// never from tool parameters.
type tools struct {
	deps Deps

	// sessionID extracts the calling session id from context. Overridable
	// so tests can exercise handlers without a live transport.
	sessionID func(ctx context.Context) string
}

func newTools(deps Deps) *tools {
	return &tools{
		deps: deps,
		sessionID: func(ctx context.Context) string {
			if session := server.ClientSessionFromContext(ctx); session != nil {
				return session.SessionID()
			}
			return ""
		},
	}
}

// caller resolves the calling session's connection.
func (t *tools) caller(ctx context.Context) (*AgentConnection, error) {
	sid := t.sessionID(ctx)
	if sid == "" {
		return nil, errs.New(errs.CodeInvalidArg, "no session in request context")
	}
	return t.deps.Registry.Resolve(sid)
}

// errResult renders a coded error as the structured {code, message} envelope.
func errResult(err error) *mcp.CallToolResult {
	ce := errs.Wrap(errs.CodeInternal, err)
	data, _ := json.Marshal(ce)
	return mcp.NewToolResultError(string(data))
}

// okResult renders a payload as JSON text.
func okResult(payload any) *mcp.CallToolResult {
	data, err := json.Marshal(payload)
	if err != nil {
		return errResult(errs.New(errs.CodeInternal, "encoding result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

// register adds every tool to the protocol server.
func (t *tools) register(s *server.MCPServer) {
	t.registerMessaging(s)
	t.registerStatus(s)
	t.registerBeads(s)
	t.registerProposals(s)
	t.registerQueries(s)
}
