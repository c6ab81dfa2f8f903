package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/LupusDei/adjutant/internal/errs"
)

func (t *tools) registerProposals(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("create_proposal",
		mcp.WithDescription("Propose a product or engineering change for operator triage. Author is your session identity."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Proposal title")),
		mcp.WithString("description", mcp.Required(), mcp.Description("What and why")),
		mcp.WithString("type", mcp.Required(), mcp.Description("product | engineering")),
	), t.createProposal)

	s.AddTool(mcp.NewTool("list_proposals",
		mcp.WithDescription("List proposals newest-first."),
		mcp.WithString("status", mcp.Description("pending | accepted | dismissed | completed")),
		mcp.WithString("type", mcp.Description("product | engineering")),
	), t.listProposals)
}

func (t *tools) createProposal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conn, err := t.caller(ctx)
	if err != nil {
		return errResult(err), nil
	}

	title, err := req.RequireString("title")
	if err != nil {
		return errResult(errs.New(errs.CodeValidation, "title is required")), nil
	}
	description, err := req.RequireString("description")
	if err != nil {
		return errResult(errs.New(errs.CodeValidation, "description is required")), nil
	}
	typ, err := req.RequireString("type")
	if err != nil {
		return errResult(errs.New(errs.CodeValidation, "type is required")), nil
	}

	p, err := t.deps.Store.CreateProposal(conn.AgentID, title, description, typ)
	if err != nil {
		return errResult(err), nil
	}
	return okResult(p), nil
}

func (t *tools) listProposals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := t.caller(ctx); err != nil {
		return errResult(err), nil
	}
	props, err := t.deps.Store.ListProposals(req.GetString("status", ""), req.GetString("type", ""))
	if err != nil {
		return errResult(err), nil
	}
	return okResult(props), nil
}

func (t *tools) registerQueries(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("list_agents",
		mcp.WithDescription("List connected agents and their statuses."),
		mcp.WithString("status", mcp.Description("working | blocked | idle | done")),
	), t.listAgents)

	s.AddTool(mcp.NewTool("get_project_state",
		mcp.WithDescription("Get your session's project record and bead overview."),
	), t.getProjectState)

	s.AddTool(mcp.NewTool("search_messages",
		mcp.WithDescription("Full-text search over message bodies."),
		mcp.WithString("query", mcp.Required(), mcp.Description("FTS query")),
		mcp.WithString("agent_id", mcp.Description("Restrict to one agent's messages")),
		mcp.WithNumber("limit", mcp.Description("Max results")),
	), t.searchMessages)
}

func (t *tools) listAgents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := t.caller(ctx); err != nil {
		return errResult(err), nil
	}
	status := req.GetString("status", "")
	if status != "" && !IsValidAgentStatus(status) {
		return errResult(errs.New(errs.CodeValidation, "unknown status %q", status)), nil
	}
	return okResult(t.deps.Registry.List(status)), nil
}

func (t *tools) getProjectState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conn, err := t.caller(ctx)
	if err != nil {
		return errResult(err), nil
	}
	if conn.ProjectID == "" {
		return errResult(errs.New(errs.CodeNotFound, "session has no project context")), nil
	}

	p, err := t.deps.Projects.Get(conn.ProjectID)
	if err != nil {
		return errResult(err), nil
	}

	state := map[string]any{"project": p}
	if conn.BeadsDir != "" {
		if ov, err := t.deps.Gateway.ProjectOverview(ctx, conn.BeadsDir); err == nil {
			state["overview"] = ov
		}
	}
	return okResult(state), nil
}

func (t *tools) searchMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := t.caller(ctx); err != nil {
		return errResult(err), nil
	}
	query, err := req.RequireString("query")
	if err != nil {
		return errResult(errs.New(errs.CodeValidation, "query is required")), nil
	}

	msgs, err := t.deps.Store.Search(query, req.GetString("agent_id", ""), req.GetInt("limit", 0))
	if err != nil {
		return errResult(err), nil
	}
	return okResult(msgs), nil
}
