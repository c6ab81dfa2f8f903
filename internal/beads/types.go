// Package beads wraps the external bd CLI behind a serialized gateway with
// per-database routing.
package beads

import (
	"errors"
	"strings"
)

// Common errors.
var (
	ErrNotInstalled = errors.New("bd not installed: see https://github.com/steveyegge/beads")
	ErrNotFound     = errors.New("bead not found")
)

// Bead statuses accepted by update and close operations.
var ValidStatuses = []string{
	"backlog", "open", "in_progress", "hooked", "blocked",
	"testing", "merging", "complete", "closed", "deferred",
}

// IsValidStatus reports whether s is in the allowed status set.
func IsValidStatus(s string) bool {
	for _, v := range ValidStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Bead is a tracked work item managed by the bd CLI.
type Bead struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	Priority    int      `json:"priority"`
	Type        string   `json:"issue_type"`
	Assignee    string   `json:"assignee,omitempty"`
	Rig         string   `json:"rig,omitempty"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
	ClosedAt    string   `json:"closed_at,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Ephemeral   bool     `json:"ephemeral,omitempty"`

	DependsOn []string  `json:"depends_on,omitempty"`
	BlockedBy []string  `json:"blocked_by,omitempty"`
	Deps      []BeadDep `json:"dependencies,omitempty"`
	Parents   []BeadDep `json:"dependents,omitempty"`
}

// BeadDep is a dependency or dependent edge with the neighbor's summary.
type BeadDep struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	Priority       int    `json:"priority"`
	Type           string `json:"issue_type"`
	DependencyType string `json:"dependency_type,omitempty"`
}

// Prefix returns the database-routing prefix of a bead id: the characters
// before the first dash ("adj-022.1" → "adj"). Empty when no dash exists.
func Prefix(id string) string {
	idx := strings.Index(id, "-")
	if idx <= 0 {
		return ""
	}
	return id[:idx]
}

// IsWisp reports whether a bead is a scratch/ephemeral entry filtered from
// normal listings. Wisps either carry the ephemeral flag or encode the
// marker in their id.
func IsWisp(b *Bead) bool {
	if b.Ephemeral {
		return true
	}
	return strings.Contains(b.ID, "-wisp-")
}

// ListOptions filters a list operation.
type ListOptions struct {
	Status       string
	Assignee     string
	Type         string
	Limit        int
	Rig          string
	IncludeWisps bool
}

// CreateOptions specifies a new bead.
type CreateOptions struct {
	Title       string
	Description string
	Type        string // epic | task | bug
	Priority    int    // 0..4, 0=urgent
	Assignee    string
	Labels      []string
}

// UpdateOptions mutates an existing bead. Nil fields are left unchanged.
type UpdateOptions struct {
	Status      *string
	Title       *string
	Description *string
	Assignee    *string
	Priority    *int
}

// EpicWithProgress is an epic plus its closed-over-total child tally.
type EpicWithProgress struct {
	Bead          *Bead   `json:"bead"`
	ClosedChildren int     `json:"closed_children"`
	TotalChildren  int     `json:"total_children"`
	Completion     float64 `json:"completion"`
}

// GraphNode and GraphEdge form the dependency graph view.
type GraphNode struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Type     string `json:"type"`
	Priority int    `json:"priority"`
}

type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"`
}

// Graph is the deduplicated dependency graph across one or more databases.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// ProjectOverview aggregates a single project's bead state.
type ProjectOverview struct {
	OpenBeads      []*Bead             `json:"open_beads"`
	InProgress     []*Bead             `json:"in_progress"`
	RecentlyClosed []*Bead             `json:"recently_closed"`
	Epics          []*EpicWithProgress `json:"epics_with_progress"`
}
