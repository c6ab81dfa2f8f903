package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/LupusDei/adjutant/internal/bus"
	"github.com/LupusDei/adjutant/internal/errs"
	"github.com/LupusDei/adjutant/internal/store"
)

// Announcement types accepted by the announce tool.
var announceTypes = map[string]bool{
	"completion": true,
	"blocker":    true,
	"question":   true,
}

func (t *tools) registerStatus(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("set_status",
		mcp.WithDescription("Update your working status on the dashboard."),
		mcp.WithString("status", mcp.Required(), mcp.Description("working | blocked | idle | done")),
		mcp.WithString("task", mcp.Description("What you are working on")),
		mcp.WithString("bead_id", mcp.Description("The bead you are working on")),
	), t.setStatus)

	s.AddTool(mcp.NewTool("report_progress",
		mcp.WithDescription("Report progress on your current task."),
		mcp.WithString("task", mcp.Required(), mcp.Description("Task description")),
		mcp.WithNumber("percentage", mcp.Required(), mcp.Description("Completion 0..100")),
		mcp.WithString("description", mcp.Description("Optional detail")),
	), t.reportProgress)

	s.AddTool(mcp.NewTool("announce",
		mcp.WithDescription("Broadcast an announcement to all UI clients."),
		mcp.WithString("type", mcp.Required(), mcp.Description("completion | blocker | question")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Short headline")),
		mcp.WithString("body", mcp.Required(), mcp.Description("Announcement body")),
		mcp.WithString("bead_id", mcp.Description("Related bead")),
	), t.announce)
}

func (t *tools) setStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conn, err := t.caller(ctx)
	if err != nil {
		return errResult(err), nil
	}

	status, err := req.RequireString("status")
	if err != nil || !IsValidAgentStatus(status) {
		return errResult(errs.New(errs.CodeValidation, "status must be one of working, blocked, idle, done")), nil
	}

	updated, err := t.deps.Registry.SetStatus(conn.SessionID, status,
		req.GetString("task", ""), req.GetString("bead_id", ""))
	if err != nil {
		return errResult(err), nil
	}
	return okResult(updated), nil
}

func (t *tools) reportProgress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conn, err := t.caller(ctx)
	if err != nil {
		return errResult(err), nil
	}

	task, err := req.RequireString("task")
	if err != nil {
		return errResult(errs.New(errs.CodeValidation, "task is required")), nil
	}
	pct := req.GetInt("percentage", -1)
	if pct < 0 || pct > 100 {
		return errResult(errs.New(errs.CodeValidation, "percentage %d out of range 0..100", pct)), nil
	}

	payload := map[string]any{
		"agent_id":   conn.AgentID,
		"task":       task,
		"percentage": pct,
	}
	if desc := req.GetString("description", ""); desc != "" {
		payload["description"] = desc
	}
	if t.deps.Bus != nil {
		t.deps.Bus.Publish(bus.EventProgress, payload)
	}
	return okResult(payload), nil
}

func (t *tools) announce(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conn, err := t.caller(ctx)
	if err != nil {
		return errResult(err), nil
	}

	typ, err := req.RequireString("type")
	if err != nil || !announceTypes[typ] {
		return errResult(errs.New(errs.CodeValidation, "type must be completion, blocker, or question")), nil
	}
	title, err := req.RequireString("title")
	if err != nil {
		return errResult(errs.New(errs.CodeValidation, "title is required")), nil
	}
	body, err := req.RequireString("body")
	if err != nil {
		return errResult(errs.New(errs.CodeValidation, "body is required")), nil
	}

	metadata := map[string]string{"title": title}
	if beadID := req.GetString("bead_id", ""); beadID != "" {
		metadata["bead_id"] = beadID
	}

	msg, err := t.deps.Store.Insert(conn.AgentID, "user", store.RoleAnnouncement, body, store.InsertOptions{
		EventType: typ,
		Metadata:  metadata,
	})
	if err != nil {
		return errResult(err), nil
	}
	return okResult(msg), nil
}
