package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/LupusDei/adjutant/internal/beads"
	"github.com/LupusDei/adjutant/internal/bus"
	"github.com/LupusDei/adjutant/internal/errs"
	"github.com/LupusDei/adjutant/internal/store"
)

// newTestTools builds a tool set over a real store and registry, with the
// session id pinned by context value instead of a live transport.
type sidKey struct{}

func newTestTools(t *testing.T) (*tools, *store.Store, *Registry, *bus.Bus) {
	t.Helper()
	b := bus.New(64)
	t.Cleanup(b.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), b)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg := NewRegistry(b)
	gw := beads.NewGateway("", "adjutant", 2*time.Second, b)

	tl := newTools(Deps{Store: st, Registry: reg, Gateway: gw, Bus: b})
	tl.sessionID = func(ctx context.Context) string {
		sid, _ := ctx.Value(sidKey{}).(string)
		return sid
	}
	return tl, st, reg, b
}

func sessionCtx(sid string) context.Context {
	return context.WithValue(context.Background(), sidKey{}, sid)
}

func callReq(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("result content is %T, not text", res.Content[0])
	}
	return tc.Text
}

func errorCode(t *testing.T, res *mcp.CallToolResult) errs.Code {
	t.Helper()
	if !res.IsError {
		t.Fatal("result is not an error")
	}
	var e errs.Error
	if err := json.Unmarshal([]byte(resultText(t, res)), &e); err != nil {
		t.Fatalf("error envelope is not JSON: %v", err)
	}
	return e.Code
}

// TestIdentityBindingIgnoresParams is the imposter scenario: the stored
// sender is the session-bound identity even when tool arguments carry a
// contradictory agent id, and the metadata survives verbatim.
func TestIdentityBindingIgnoresParams(t *testing.T) {
	tl, st, reg, _ := newTestTools(t)
	reg.Bind(&AgentConnection{SessionID: "sess-1", AgentID: "researcher"})

	res, err := tl.sendMessage(sessionCtx("sess-1"), callReq(map[string]any{
		"to":       "user",
		"body":     "hi",
		"metadata": map[string]any{"agentId": "imposter"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("sendMessage error: %s", resultText(t, res))
	}

	msgs, err := st.Read(store.ReadFilter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatal("message not stored")
	}
	if msgs[0].Sender != "researcher" {
		t.Fatalf("sender = %q, want session identity researcher", msgs[0].Sender)
	}
	if msgs[0].Metadata["agentId"] != "imposter" {
		t.Fatalf("metadata not preserved verbatim: %v", msgs[0].Metadata)
	}
}

func TestUnknownSessionIsInvalidArgument(t *testing.T) {
	tl, _, _, _ := newTestTools(t)

	res, err := tl.sendMessage(sessionCtx("ghost"), callReq(map[string]any{
		"to": "user", "body": "hi",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if got := errorCode(t, res); got != errs.CodeInvalidArg {
		t.Fatalf("code = %v, want INVALID_ARGUMENT", got)
	}
}

func TestMarkReadRequiresATarget(t *testing.T) {
	tl, _, reg, _ := newTestTools(t)
	reg.Bind(&AgentConnection{SessionID: "s", AgentID: "a"})

	res, err := tl.markRead(sessionCtx("s"), callReq(map[string]any{}))
	if err != nil {
		t.Fatal(err)
	}
	if got := errorCode(t, res); got != errs.CodeValidation {
		t.Fatalf("code = %v, want VALIDATION_ERROR", got)
	}
}

func TestSetStatusEmitsEvent(t *testing.T) {
	tl, _, reg, b := newTestTools(t)
	reg.Bind(&AgentConnection{SessionID: "s", AgentID: "worker"})

	sub := b.Subscribe(bus.EventStatusChanged)
	defer sub.Close()

	res, err := tl.setStatus(sessionCtx("s"), callReq(map[string]any{
		"status": "working", "task": "parsing", "bead_id": "adj-1",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("setStatus error: %s", resultText(t, res))
	}

	select {
	case ev := <-sub.C():
		payload := ev.Payload.(map[string]string)
		if payload["agent_id"] != "worker" || payload["status"] != "working" {
			t.Fatalf("payload = %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("agent:status_changed not published")
	}

	conn, err := reg.Resolve("s")
	if err != nil {
		t.Fatal(err)
	}
	if conn.Status != "working" || conn.Task != "parsing" || conn.BeadID != "adj-1" {
		t.Fatalf("connection = %+v", conn)
	}
}

func TestSetStatusRejectsUnknownStatus(t *testing.T) {
	tl, _, reg, _ := newTestTools(t)
	reg.Bind(&AgentConnection{SessionID: "s", AgentID: "worker"})

	res, err := tl.setStatus(sessionCtx("s"), callReq(map[string]any{"status": "dancing"}))
	if err != nil {
		t.Fatal(err)
	}
	if got := errorCode(t, res); got != errs.CodeValidation {
		t.Fatalf("code = %v, want VALIDATION_ERROR", got)
	}
}

func TestReportProgressBounds(t *testing.T) {
	tl, _, reg, b := newTestTools(t)
	reg.Bind(&AgentConnection{SessionID: "s", AgentID: "worker"})

	sub := b.Subscribe(bus.EventProgress)
	defer sub.Close()

	res, err := tl.reportProgress(sessionCtx("s"), callReq(map[string]any{
		"task": "tests", "percentage": 101,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if got := errorCode(t, res); got != errs.CodeValidation {
		t.Fatalf("out-of-range code = %v", got)
	}

	res, err = tl.reportProgress(sessionCtx("s"), callReq(map[string]any{
		"task": "tests", "percentage": 40,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("reportProgress error: %s", resultText(t, res))
	}
	select {
	case ev := <-sub.C():
		payload := ev.Payload.(map[string]any)
		if payload["percentage"] != 40 {
			t.Fatalf("payload = %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("agent:progress not published")
	}
}

func TestAnnounceStoresAnnouncementRole(t *testing.T) {
	tl, st, reg, b := newTestTools(t)
	reg.Bind(&AgentConnection{SessionID: "s", AgentID: "worker"})

	sub := b.Subscribe(bus.EventAnnouncement)
	defer sub.Close()

	res, err := tl.announce(sessionCtx("s"), callReq(map[string]any{
		"type": "completion", "title": "done", "body": "parser shipped",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("announce error: %s", resultText(t, res))
	}

	select {
	case ev := <-sub.C():
		m := ev.Payload.(*store.Message)
		if m.Role != store.RoleAnnouncement || m.EventType != "completion" {
			t.Fatalf("announcement = %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("agent:announcement not published")
	}

	msgs, err := st.Read(store.ReadFilter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Metadata["title"] != "done" {
		t.Fatalf("metadata = %v", msgs[0].Metadata)
	}
}

func TestBeadToolsRequireProjectContext(t *testing.T) {
	tl, _, reg, _ := newTestTools(t)
	reg.Bind(&AgentConnection{SessionID: "s", AgentID: "worker"}) // no beads dir

	res, err := tl.listBeads(sessionCtx("s"), callReq(map[string]any{}))
	if err != nil {
		t.Fatal(err)
	}
	if got := errorCode(t, res); got != errs.CodeInvalidArg {
		t.Fatalf("code = %v, want INVALID_ARGUMENT", got)
	}
}

func TestProposalToolRoundTrip(t *testing.T) {
	tl, _, reg, _ := newTestTools(t)
	reg.Bind(&AgentConnection{SessionID: "s", AgentID: "planner"})

	res, err := tl.createProposal(sessionCtx("s"), callReq(map[string]any{
		"title": "cache bd", "description": "memoize list output", "type": "engineering",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("createProposal error: %s", resultText(t, res))
	}
	var p store.Proposal
	if err := json.Unmarshal([]byte(resultText(t, res)), &p); err != nil {
		t.Fatal(err)
	}
	if p.Author != "planner" {
		t.Fatalf("author = %q, want session identity planner", p.Author)
	}

	res, err = tl.listProposals(sessionCtx("s"), callReq(map[string]any{"status": "pending"}))
	if err != nil {
		t.Fatal(err)
	}
	var list []*store.Proposal
	if err := json.Unmarshal([]byte(resultText(t, res)), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("listProposals = %d rows, want 1", len(list))
	}
}

// TestCrossProjectBeadIsolation: a bead created through a session bound to
// project A gets A's prefix, and a session bound to project B sees none of
// A's beads.
func TestCrossProjectBeadIsolation(t *testing.T) {
	tl, _, reg, _ := newTestTools(t)

	dirA, dirB := t.TempDir(), t.TempDir()
	// The stub serves fixtures from its working directory, so routing is
	// observable through which project answered.
	if err := os.WriteFile(filepath.Join(dirA, "create.json"),
		[]byte(`{"id":"alpha-1","title":"t","status":"open","priority":2,"issue_type":"task"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dirA, "list.json"),
		[]byte(`[{"id":"alpha-1","title":"t","status":"open","priority":2,"issue_type":"task"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dirB, "list.json"), []byte(`[]`), 0o644); err != nil {
		t.Fatal(err)
	}

	stubDir := t.TempDir()
	stub := filepath.Join(stubDir, "bd")
	script := "#!/bin/sh\ncase \"$1\" in\n  create) cat ./create.json ;;\n  *) cat ./list.json ;;\nesac\n"
	if err := os.WriteFile(stub, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	tl.deps.Gateway.SetBinary(stub)

	reg.Bind(&AgentConnection{SessionID: "sa", AgentID: "a", BeadsDir: dirA})
	reg.Bind(&AgentConnection{SessionID: "sb", AgentID: "b", BeadsDir: dirB})

	res, err := tl.createBead(sessionCtx("sa"), callReq(map[string]any{
		"title": "t", "description": "d", "type": "task", "priority": 2,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("createBead error: %s", resultText(t, res))
	}
	var created beads.Bead
	if err := json.Unmarshal([]byte(resultText(t, res)), &created); err != nil {
		t.Fatal(err)
	}
	if beads.Prefix(created.ID) != "alpha" {
		t.Fatalf("created id = %q, want alpha- prefix", created.ID)
	}

	res, err = tl.listBeads(sessionCtx("sb"), callReq(map[string]any{}))
	if err != nil {
		t.Fatal(err)
	}
	var fromB []*beads.Bead
	if err := json.Unmarshal([]byte(resultText(t, res)), &fromB); err != nil {
		t.Fatal(err)
	}
	if len(fromB) != 0 {
		t.Fatalf("session B sees %d beads from project A", len(fromB))
	}
}

func TestListAgentsFiltersByStatus(t *testing.T) {
	tl, _, reg, _ := newTestTools(t)
	reg.Bind(&AgentConnection{SessionID: "s1", AgentID: "a", Status: StatusWorking})
	reg.Bind(&AgentConnection{SessionID: "s2", AgentID: "b", Status: StatusIdle})

	res, err := tl.listAgents(sessionCtx("s1"), callReq(map[string]any{"status": "working"}))
	if err != nil {
		t.Fatal(err)
	}
	var agents []*AgentConnection
	if err := json.Unmarshal([]byte(resultText(t, res)), &agents); err != nil {
		t.Fatal(err)
	}
	if len(agents) != 1 || agents[0].AgentID != "a" {
		t.Fatalf("agents = %+v", agents)
	}
}
