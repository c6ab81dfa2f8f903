package beads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/LupusDei/adjutant/internal/bus"
	"github.com/LupusDei/adjutant/internal/errs"
)

// Gateway is the single point that invokes the bd CLI. Every invocation is
// serialized through one mutex: bd performs non-atomic file writes on its
// SQLite store, and concurrent invocations corrupt it. No exceptions.
type Gateway struct {
	// mu spans the whole subprocess lifetime.
	mu sync.Mutex

	actor    string
	timeout  time.Duration
	prefixes *PrefixMap
	bus      *bus.Bus

	// binary is "bd" in production; tests point it at a stub script.
	binary string
}

// NewGateway creates a gateway scanning workspaceRoot for beads databases.
// actor is passed as BD_ACTOR for attribution on every invocation.
func NewGateway(workspaceRoot, actor string, timeout time.Duration, b *bus.Bus) *Gateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		actor:    actor,
		timeout:  timeout,
		prefixes: NewPrefixMap(workspaceRoot),
		bus:      b,
		binary:   "bd",
	}
}

// PrefixMap exposes the gateway's database router (read-mostly; tests use it
// to pre-seed mappings).
func (g *Gateway) PrefixMap() *PrefixMap {
	return g.prefixes
}

// SetBinary overrides the bd executable. Test hook.
func (g *Gateway) SetBinary(path string) {
	g.binary = path
}

// invoke runs one bd command under the gateway mutex. dir is the working
// directory whose .beads database the command targets. The child is killed
// when ctx or the gateway timeout expires.
func (g *Gateway) invoke(ctx context.Context, dir string, args ...string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.binary, args...)
	cmd.Dir = dir
	env := os.Environ()
	if g.actor != "" {
		env = append(env, "BD_ACTOR="+g.actor)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, errs.New(errs.CodeTimeout, "bd %s timed out after %s", firstArg(args), g.timeout)
	}
	if err != nil {
		return nil, g.wrapError(err, stderr.String(), args)
	}
	return stdout.Bytes(), nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// wrapError maps a bd failure onto the error taxonomy, preserving stderr.
func (g *Gateway) wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	var execErr *exec.Error
	if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
		return errs.Wrap(errs.CodeSubprocess, ErrNotInstalled)
	}

	lower := strings.ToLower(stderr)
	if strings.Contains(lower, "not found") || strings.Contains(lower, "no such") || strings.Contains(lower, "missing") {
		return errs.New(errs.CodeNotFound, "bd %s: %s", firstArg(args), stderr)
	}

	if stderr != "" {
		return errs.New(errs.CodeSubprocess, "bd %s: %s", firstArg(args), stderr)
	}
	return errs.New(errs.CodeSubprocess, "bd %s: %v", firstArg(args), err)
}

// dirFor resolves the database directory for a bead id via the prefix map.
// sessionDir, when non-empty, overrides the map (session-scoped operations).
func (g *Gateway) dirFor(id, sessionDir string) (string, error) {
	if sessionDir != "" {
		return sessionDir, nil
	}
	prefix := Prefix(id)
	if prefix == "" {
		return "", errs.New(errs.CodeInvalidArg, "bead id %q has no prefix", id)
	}
	dir, ok := g.prefixes.Lookup(prefix)
	if !ok {
		return "", errs.New(errs.CodeNotFound, "no beads database for prefix %q", prefix)
	}
	return dir, nil
}

// List queries one rig's databases (or every known database when rig is
// empty), dedupes by id, filters wisps, and sorts by (priority asc,
// updated_at desc). sessionDir scopes the query to one database.
func (g *Gateway) List(ctx context.Context, sessionDir string, opts ListOptions) ([]*Bead, error) {
	dirs := g.databaseList(sessionDir, opts.Rig)
	if len(dirs) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool)
	var out []*Bead
	var firstErr error
	fails := 0
	for _, dir := range dirs {
		beadList, err := g.listOne(ctx, dir, opts)
		if err != nil {
			// One unreadable database does not fail the union, but if
			// every database fails the caller needs to know.
			fails++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, b := range beadList {
			if seen[b.ID] {
				continue
			}
			seen[b.ID] = true
			out = append(out, b)
		}
	}
	if fails == len(dirs) {
		return nil, firstErr
	}

	if !opts.IncludeWisps {
		out = filterWisps(out)
	}
	sortBeads(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// ListAll is the union of every known database regardless of rig.
func (g *Gateway) ListAll(ctx context.Context, opts ListOptions) ([]*Bead, error) {
	opts.Rig = ""
	return g.List(ctx, "", opts)
}

// ListRecentlyClosed returns beads closed within the last N hours across
// every database, newest closure first.
func (g *Gateway) ListRecentlyClosed(ctx context.Context, hours int) ([]*Bead, error) {
	if hours <= 0 {
		hours = 24
	}
	all, err := g.List(ctx, "", ListOptions{Status: "closed"})
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	var out []*Bead
	for _, b := range all {
		if t, err := time.Parse(time.RFC3339, b.ClosedAt); err == nil && t.After(cutoff) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ClosedAt > out[j].ClosedAt
	})
	return out, nil
}

func (g *Gateway) listOne(ctx context.Context, dir string, opts ListOptions) ([]*Bead, error) {
	args := []string{"list", "--json"}
	if opts.Status != "" {
		args = append(args, "--status="+opts.Status)
	}
	if opts.Assignee != "" {
		args = append(args, "--assignee="+opts.Assignee)
	}
	if opts.Type != "" {
		args = append(args, "--type="+opts.Type)
	}
	out, err := g.invoke(ctx, dir, args...)
	if err != nil {
		return nil, err
	}
	var beadList []*Bead
	if err := json.Unmarshal(out, &beadList); err != nil {
		return nil, errs.New(errs.CodeSubprocess, "parsing bd list output: %v", err)
	}
	return beadList, nil
}

// Get returns one bead by id, routed through the prefix map.
func (g *Gateway) Get(ctx context.Context, sessionDir, id string) (*Bead, error) {
	dir, err := g.dirFor(id, sessionDir)
	if err != nil {
		return nil, err
	}
	out, err := g.invoke(ctx, dir, "show", id, "--json")
	if err != nil {
		return nil, err
	}
	// bd show --json returns an array with one element.
	var beadList []*Bead
	if err := json.Unmarshal(out, &beadList); err != nil {
		return nil, errs.New(errs.CodeSubprocess, "parsing bd show output: %v", err)
	}
	if len(beadList) == 0 {
		return nil, errs.Wrap(errs.CodeNotFound, ErrNotFound)
	}
	return beadList[0], nil
}

// Create makes a new bead in the session's database.
func (g *Gateway) Create(ctx context.Context, sessionDir string, opts CreateOptions) (*Bead, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return nil, errs.New(errs.CodeValidation, "bead title is empty")
	}
	if sessionDir == "" {
		return nil, errs.New(errs.CodeInvalidArg, "no beads database bound to this operation")
	}
	if opts.Priority < 0 || opts.Priority > 4 {
		return nil, errs.New(errs.CodeValidation, "priority %d out of range 0..4", opts.Priority)
	}

	args := []string{"create", "--json",
		"--title=" + opts.Title,
		fmt.Sprintf("--priority=%d", opts.Priority),
	}
	if opts.Description != "" {
		args = append(args, "--description="+opts.Description)
	}
	if opts.Type != "" {
		args = append(args, "--type="+opts.Type)
	}
	if opts.Assignee != "" {
		args = append(args, "--assignee="+opts.Assignee)
	}
	if len(opts.Labels) > 0 {
		args = append(args, "--labels="+strings.Join(opts.Labels, ","))
	}

	out, err := g.invoke(ctx, sessionDir, args...)
	if err != nil {
		return nil, err
	}
	var b Bead
	if err := json.Unmarshal(out, &b); err != nil {
		return nil, errs.New(errs.CodeSubprocess, "parsing bd create output: %v", err)
	}
	g.publish(bus.EventBeadCreated, &b)
	return &b, nil
}

// Update mutates a bead. Status values are validated against the allowed set.
func (g *Gateway) Update(ctx context.Context, sessionDir, id string, opts UpdateOptions) (*Bead, error) {
	if opts.Status != nil && !IsValidStatus(*opts.Status) {
		return nil, errs.New(errs.CodeValidation, "invalid status %q", *opts.Status)
	}

	dir, err := g.dirFor(id, sessionDir)
	if err != nil {
		return nil, err
	}

	args := []string{"update", id}
	if opts.Status != nil {
		args = append(args, "--status="+*opts.Status)
	}
	if opts.Title != nil {
		args = append(args, "--title="+*opts.Title)
	}
	if opts.Description != nil {
		args = append(args, "--description="+*opts.Description)
	}
	if opts.Assignee != nil {
		args = append(args, "--assignee="+*opts.Assignee)
	}
	if opts.Priority != nil {
		if *opts.Priority < 0 || *opts.Priority > 4 {
			return nil, errs.New(errs.CodeValidation, "priority %d out of range 0..4", *opts.Priority)
		}
		args = append(args, fmt.Sprintf("--priority=%d", *opts.Priority))
	}

	if _, err := g.invoke(ctx, dir, args...); err != nil {
		return nil, err
	}

	b, err := g.Get(ctx, sessionDir, id)
	if err != nil {
		return nil, err
	}
	g.publish(bus.EventBeadUpdated, b)

	if opts.Status != nil && *opts.Status == "closed" {
		g.publish(bus.EventBeadClosed, b)
		g.cascadeClose(ctx, sessionDir, b)
	}
	return b, nil
}

// Close closes a bead and runs the epic auto-complete cascade.
func (g *Gateway) Close(ctx context.Context, sessionDir, id, reason string) (*Bead, error) {
	dir, err := g.dirFor(id, sessionDir)
	if err != nil {
		return nil, err
	}

	args := []string{"close", id}
	if reason != "" {
		args = append(args, "--reason="+reason)
	}
	if _, err := g.invoke(ctx, dir, args...); err != nil {
		return nil, err
	}

	b, err := g.Get(ctx, sessionDir, id)
	if err != nil {
		return nil, err
	}
	g.publish(bus.EventBeadClosed, b)
	g.cascadeClose(ctx, sessionDir, b)
	return b, nil
}

func (g *Gateway) publish(name string, payload any) {
	if g.bus != nil {
		g.bus.Publish(name, payload)
	}
}

func filterWisps(in []*Bead) []*Bead {
	out := in[:0]
	for _, b := range in {
		if !IsWisp(b) {
			out = append(out, b)
		}
	}
	return out
}

// sortBeads orders by (priority asc, updated_at desc).
func sortBeads(beadList []*Bead) {
	sort.SliceStable(beadList, func(i, j int) bool {
		if beadList[i].Priority != beadList[j].Priority {
			return beadList[i].Priority < beadList[j].Priority
		}
		return beadList[i].UpdatedAt > beadList[j].UpdatedAt
	})
}

// databaseList selects the directories to query: the session's database, a
// rig's database, or every known database.
func (g *Gateway) databaseList(sessionDir, rig string) []string {
	if sessionDir != "" {
		return []string{sessionDir}
	}
	if rig != "" {
		if dir, ok := g.prefixes.LookupRig(rig); ok {
			return []string{dir}
		}
		return nil
	}
	return g.prefixes.AllDirs()
}

// ProjectOverview aggregates one project's bead state. Partial failures of
// individual sections surface as empty slices; the first hard error is
// returned only when every section failed.
func (g *Gateway) ProjectOverview(ctx context.Context, projectPath string) (*ProjectOverview, error) {
	dir := projectPath
	if !hasBeadsDB(dir) {
		return nil, errs.New(errs.CodeNotFound, "project %s has no beads database", projectPath)
	}

	ov := &ProjectOverview{}
	var firstErr error
	fails := 0

	if open, err := g.List(ctx, dir, ListOptions{Status: "open"}); err == nil {
		ov.OpenBeads = open
	} else {
		fails++
		firstErr = err
	}
	if inProg, err := g.List(ctx, dir, ListOptions{Status: "in_progress"}); err == nil {
		ov.InProgress = inProg
	} else {
		fails++
		if firstErr == nil {
			firstErr = err
		}
	}
	if closed, err := g.List(ctx, dir, ListOptions{Status: "closed"}); err == nil {
		cutoff := time.Now().Add(-24 * time.Hour)
		for _, b := range closed {
			if t, perr := time.Parse(time.RFC3339, b.ClosedAt); perr == nil && t.After(cutoff) {
				ov.RecentlyClosed = append(ov.RecentlyClosed, b)
			}
		}
	} else {
		fails++
		if firstErr == nil {
			firstErr = err
		}
	}
	if epics, err := g.EpicsWithProgress(ctx, dir, ""); err == nil {
		ov.Epics = epics
	} else {
		fails++
		if firstErr == nil {
			firstErr = err
		}
	}

	if fails == 4 {
		return nil, firstErr
	}
	return ov, nil
}

func hasBeadsDB(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".beads", "beads.db"))
	return err == nil
}
