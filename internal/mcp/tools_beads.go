package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/LupusDei/adjutant/internal/beads"
	"github.com/LupusDei/adjutant/internal/errs"
)

func (t *tools) registerBeads(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("create_bead",
		mcp.WithDescription("Create a bead in your session's project tracker."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Bead title")),
		mcp.WithString("description", mcp.Description("Bead description")),
		mcp.WithString("type", mcp.Description("epic | task | bug (default task)")),
		mcp.WithNumber("priority", mcp.Description("0..4, 0=urgent (default 2)")),
		mcp.WithString("assignee", mcp.Description("Optional assignee")),
	), t.createBead)

	s.AddTool(mcp.NewTool("update_bead",
		mcp.WithDescription("Update a bead's fields."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Bead id")),
		mcp.WithString("status", mcp.Description("New status")),
		mcp.WithString("title", mcp.Description("New title")),
		mcp.WithString("description", mcp.Description("New description")),
		mcp.WithString("assignee", mcp.Description("New assignee")),
		mcp.WithNumber("priority", mcp.Description("New priority 0..4")),
	), t.updateBead)

	s.AddTool(mcp.NewTool("close_bead",
		mcp.WithDescription("Close a bead. Fully-closed parent epics auto-close."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Bead id")),
		mcp.WithString("reason", mcp.Description("Closure reason")),
	), t.closeBead)

	s.AddTool(mcp.NewTool("list_beads",
		mcp.WithDescription("List beads in your session's project tracker."),
		mcp.WithString("status", mcp.Description("Status filter")),
		mcp.WithString("assignee", mcp.Description("Assignee filter")),
		mcp.WithString("type", mcp.Description("Type filter")),
		mcp.WithNumber("limit", mcp.Description("Max results")),
	), t.listBeads)

	s.AddTool(mcp.NewTool("show_bead",
		mcp.WithDescription("Show one bead with its dependency edges."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Bead id")),
	), t.showBead)
}

// beadsDir resolves the calling session's bead database. Sessions without a
// project context cannot run bead operations.
func (t *tools) beadsDir(ctx context.Context) (string, *AgentConnection, error) {
	conn, err := t.caller(ctx)
	if err != nil {
		return "", nil, err
	}
	if conn.BeadsDir == "" {
		return "", conn, errs.New(errs.CodeInvalidArg, "session has no beads database; connect with a project context")
	}
	return conn.BeadsDir, conn, nil
}

func (t *tools) createBead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dir, _, err := t.beadsDir(ctx)
	if err != nil {
		return errResult(err), nil
	}

	title, err := req.RequireString("title")
	if err != nil {
		return errResult(errs.New(errs.CodeValidation, "title is required")), nil
	}

	b, err := t.deps.Gateway.Create(ctx, dir, beads.CreateOptions{
		Title:       title,
		Description: req.GetString("description", ""),
		Type:        req.GetString("type", "task"),
		Priority:    req.GetInt("priority", 2),
		Assignee:    req.GetString("assignee", ""),
	})
	if err != nil {
		return errResult(err), nil
	}
	return okResult(b), nil
}

func (t *tools) updateBead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dir, _, err := t.beadsDir(ctx)
	if err != nil {
		return errResult(err), nil
	}
	id, err := req.RequireString("id")
	if err != nil {
		return errResult(errs.New(errs.CodeValidation, "id is required")), nil
	}

	var opts beads.UpdateOptions
	if v := req.GetString("status", ""); v != "" {
		opts.Status = &v
	}
	if v := req.GetString("title", ""); v != "" {
		opts.Title = &v
	}
	if v := req.GetString("description", ""); v != "" {
		opts.Description = &v
	}
	if v := req.GetString("assignee", ""); v != "" {
		opts.Assignee = &v
	}
	if v := req.GetInt("priority", -1); v >= 0 {
		opts.Priority = &v
	}

	b, err := t.deps.Gateway.Update(ctx, dir, id, opts)
	if err != nil {
		return errResult(err), nil
	}
	return okResult(b), nil
}

func (t *tools) closeBead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dir, _, err := t.beadsDir(ctx)
	if err != nil {
		return errResult(err), nil
	}
	id, err := req.RequireString("id")
	if err != nil {
		return errResult(errs.New(errs.CodeValidation, "id is required")), nil
	}

	b, err := t.deps.Gateway.Close(ctx, dir, id, req.GetString("reason", ""))
	if err != nil {
		return errResult(err), nil
	}
	return okResult(b), nil
}

func (t *tools) listBeads(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dir, _, err := t.beadsDir(ctx)
	if err != nil {
		return errResult(err), nil
	}

	list, err := t.deps.Gateway.List(ctx, dir, beads.ListOptions{
		Status:   req.GetString("status", ""),
		Assignee: req.GetString("assignee", ""),
		Type:     req.GetString("type", ""),
		Limit:    req.GetInt("limit", 0),
	})
	if err != nil {
		return errResult(err), nil
	}
	return okResult(list), nil
}

func (t *tools) showBead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dir, _, err := t.beadsDir(ctx)
	if err != nil {
		return errResult(err), nil
	}
	id, err := req.RequireString("id")
	if err != nil {
		return errResult(errs.New(errs.CodeValidation, "id is required")), nil
	}

	b, err := t.deps.Gateway.Get(ctx, dir, id)
	if err != nil {
		return errResult(err), nil
	}
	return okResult(b), nil
}
