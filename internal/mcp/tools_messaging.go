package mcp

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/LupusDei/adjutant/internal/errs"
	"github.com/LupusDei/adjutant/internal/store"
)

func (t *tools) registerMessaging(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Send a message to the operator or another agent. Sender identity comes from your session."),
		mcp.WithString("to", mcp.Required(), mcp.Description("Recipient agent id, or \"user\" for the operator")),
		mcp.WithString("body", mcp.Required(), mcp.Description("Message body")),
		mcp.WithString("thread_id", mcp.Description("Optional thread to append to")),
		mcp.WithObject("metadata", mcp.Description("Optional free-form metadata map")),
	), t.sendMessage)

	s.AddTool(mcp.NewTool("read_messages",
		mcp.WithDescription("Read messages newest-first with cursor pagination."),
		mcp.WithString("thread_id", mcp.Description("Restrict to one thread")),
		mcp.WithString("agent_id", mcp.Description("Restrict to messages sent by or addressed to this agent")),
		mcp.WithNumber("limit", mcp.Description("Page size (default 50, max 200)")),
		mcp.WithString("before", mcp.Description("Cursor timestamp (RFC3339) from the previous page's last message")),
		mcp.WithString("before_id", mcp.Description("Cursor id paired with before")),
	), t.readMessages)

	s.AddTool(mcp.NewTool("list_threads",
		mcp.WithDescription("List message threads with counts and latest previews."),
		mcp.WithString("agent_id", mcp.Description("Only threads this agent participates in")),
	), t.listThreads)

	s.AddTool(mcp.NewTool("mark_read",
		mcp.WithDescription("Mark one message read, or every message addressed to an agent. One of message_id or agent_id is required."),
		mcp.WithString("message_id", mcp.Description("Single message to mark read")),
		mcp.WithString("agent_id", mcp.Description("Mark all of this agent's messages read")),
	), t.markRead)
}

func (t *tools) sendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conn, err := t.caller(ctx)
	if err != nil {
		return errResult(err), nil
	}

	to, err := req.RequireString("to")
	if err != nil {
		return errResult(errs.New(errs.CodeValidation, "to is required")), nil
	}
	body, err := req.RequireString("body")
	if err != nil {
		return errResult(errs.New(errs.CodeValidation, "body is required")), nil
	}

	var metadata map[string]string
	if raw, ok := req.GetArguments()["metadata"].(map[string]any); ok {
		metadata = make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				metadata[k] = s
			}
		}
	}

	msg, err := t.deps.Store.Insert(conn.AgentID, to, store.RoleAgent, body, store.InsertOptions{
		ThreadID: req.GetString("thread_id", ""),
		Metadata: metadata,
	})
	if err != nil {
		return errResult(err), nil
	}
	return okResult(msg), nil
}

func (t *tools) readMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := t.caller(ctx); err != nil {
		return errResult(err), nil
	}

	filter := store.ReadFilter{
		ThreadID: req.GetString("thread_id", ""),
		AgentID:  req.GetString("agent_id", ""),
		Limit:    req.GetInt("limit", 0),
		BeforeID: req.GetString("before_id", ""),
	}
	if before := req.GetString("before", ""); before != "" {
		ts, err := time.Parse(time.RFC3339Nano, before)
		if err != nil {
			return errResult(errs.New(errs.CodeValidation, "before is not an RFC3339 timestamp: %v", err)), nil
		}
		filter.Before = ts
	}

	msgs, err := t.deps.Store.Read(filter)
	if err != nil {
		return errResult(err), nil
	}
	return okResult(msgs), nil
}

func (t *tools) listThreads(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := t.caller(ctx); err != nil {
		return errResult(err), nil
	}
	threads, err := t.deps.Store.ListThreads(req.GetString("agent_id", ""))
	if err != nil {
		return errResult(err), nil
	}
	return okResult(threads), nil
}

func (t *tools) markRead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := t.caller(ctx); err != nil {
		return errResult(err), nil
	}

	messageID := req.GetString("message_id", "")
	agentID := req.GetString("agent_id", "")
	switch {
	case messageID != "":
		if err := t.deps.Store.MarkRead(messageID); err != nil {
			return errResult(err), nil
		}
		return okResult(map[string]any{"marked": 1}), nil
	case agentID != "":
		n, err := t.deps.Store.MarkReadBulk(agentID)
		if err != nil {
			return errResult(err), nil
		}
		return okResult(map[string]any{"marked": n}), nil
	default:
		return errResult(errs.New(errs.CodeValidation, "message_id or agent_id is required")), nil
	}
}
