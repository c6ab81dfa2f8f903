// Package bridge multiplexes terminal sessions running coding agents:
// tmux discovery and capture, output parsing, client streaming, and input
// routing.
package bridge

import (
	"regexp"
	"strconv"
	"strings"
)

// OutputEvent types.
const (
	EventMessage    = "message"
	EventToolUse    = "tool_use"
	EventToolResult = "tool_result"
	EventStatus     = "status"
	EventPermission = "permission_request"
	EventError      = "error"
	EventRaw        = "raw"
)

// Agent activity statuses carried by status events.
const (
	StatusThinking = "thinking"
	StatusWorking  = "working"
	StatusIdle     = "idle"
)

// OutputEvent is a parsed view of raw terminal output. Parsing is
// best-effort; the raw stream remains the ground truth.
type OutputEvent struct {
	Type string `json:"type"`

	Text      string `json:"text,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Input     string `json:"input,omitempty"`
	Output    string `json:"output,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Status    string `json:"status,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Action    string `json:"action,omitempty"`
	Details   string `json:"details,omitempty"`
}

// ansiPattern strips CSI/OSC escape sequences before matching.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

// StripANSI removes terminal escape sequences from a line.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// Heuristic patterns calibrated against the agent runtime's terminal output.
// The markers are runtime-specific; keeping the whole table here makes
// re-calibration a one-file change.
var (
	toolUsePattern    = regexp.MustCompile(`^[⏺●]\s+(\w+)\s*\((.*)\)\s*$`)
	toolResultPattern = regexp.MustCompile(`^\s*⎿\s+(.*)$`)
	thinkingPattern   = regexp.MustCompile(`^[✻✽✢·*]\s+(?:Thinking|Pondering|Deliberating)`)
	workingPattern    = regexp.MustCompile(`esc to interrupt`)
	permissionPattern = regexp.MustCompile(`^\s*Do you want to (.+?)\??\s*$`)
	errorPattern      = regexp.MustCompile(`^(?:Error|ERROR|✗|panic):?\s+(.*)$`)
	truncatedSuffix   = "… +"
)

// Parser converts line-completed UTF-8 terminal output into tagged events.
// It carries a small amount of state: the tool whose result lines are
// currently streaming, and a counter for permission request ids.
type Parser struct {
	sessionID   string
	lastTool    string
	permCounter int
}

// NewParser creates a parser for one session's output.
func NewParser(sessionID string) *Parser {
	return &Parser{sessionID: sessionID}
}

// ParseLine maps one line to zero or one events. Blank lines yield nil.
func (p *Parser) ParseLine(line string) *OutputEvent {
	clean := strings.TrimRight(StripANSI(line), " \r\n")
	if strings.TrimSpace(clean) == "" {
		return nil
	}

	if m := toolUsePattern.FindStringSubmatch(clean); m != nil {
		p.lastTool = m[1]
		return &OutputEvent{Type: EventToolUse, Tool: m[1], Input: m[2]}
	}

	if m := toolResultPattern.FindStringSubmatch(clean); m != nil {
		out := m[1]
		truncated := strings.Contains(out, truncatedSuffix)
		return &OutputEvent{Type: EventToolResult, Tool: p.lastTool, Output: out, Truncated: truncated}
	}

	if thinkingPattern.MatchString(clean) {
		return &OutputEvent{Type: EventStatus, Status: StatusThinking}
	}

	if workingPattern.MatchString(clean) {
		return &OutputEvent{Type: EventStatus, Status: StatusWorking}
	}

	if m := permissionPattern.FindStringSubmatch(clean); m != nil {
		p.permCounter++
		return &OutputEvent{
			Type:      EventPermission,
			RequestID: reqID(p.sessionID, p.permCounter),
			Action:    m[1],
			Details:   clean,
		}
	}

	if m := errorPattern.FindStringSubmatch(clean); m != nil {
		return &OutputEvent{Type: EventError, Text: m[1]}
	}

	return &OutputEvent{Type: EventMessage, Text: clean}
}

func reqID(sessionID string, n int) string {
	return sessionID + "-perm-" + strconv.Itoa(n)
}
