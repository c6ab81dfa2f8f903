// Package project maintains the on-disk registry of known projects.
package project

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/LupusDei/adjutant/internal/bus"
	"github.com/LupusDei/adjutant/internal/errs"
)

// Project modes.
const (
	ModeStandalone = "standalone"
	ModeSwarm      = "swarm"
	ModeGasTown    = "gastown"
)

// Project is one registered workspace.
type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	GitRemote string `json:"git_remote,omitempty"`
	Mode      string `json:"mode"`
	Active    bool   `json:"active"`
	HasBeads  bool   `json:"has_beads"`
}

// Health reports a project's on-disk state.
type Health struct {
	PathExists bool `json:"path_exists"`
	GitValid   bool `json:"git_valid"`
	HasBeads   bool `json:"has_beads"`
}

// Registry persists projects to a JSON file. At most one project is active.
// Writes replace the whole file via temp-file-and-rename under a file lock.
type Registry struct {
	mu       sync.RWMutex
	path     string
	projects []*Project
	bus      *bus.Bus
}

// Load opens (creating if absent) the registry at path.
func Load(path string, b *bus.Bus) (*Registry, error) {
	r := &Registry{path: path, bus: b}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("reading project registry: %w", err)
	}
	if err := json.Unmarshal(data, &r.projects); err != nil {
		return nil, fmt.Errorf("parsing project registry: %w", err)
	}
	return r, nil
}

// save writes the registry atomically: temp file in the same directory, then
// rename. A flock guards against a concurrent adjutant process.
func (r *Registry) save() error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	fl := flock.New(r.path + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("locking project registry: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := json.MarshalIndent(r.projects, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding project registry: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".projects-*.json")
	if err != nil {
		return fmt.Errorf("creating temp registry file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing project registry: %w", err)
	}
	return nil
}

// RegisterOptions specifies a registration. Exactly one of Path, CloneURL,
// or (Name with Empty) is the source.
type RegisterOptions struct {
	Path     string
	CloneURL string
	Name     string
	Empty    bool
	Mode     string
	// BaseDir is where clones and empty projects are created.
	BaseDir string
}

// Register adds a project. An existing path registration is rejected with
// ALREADY_EXISTS. Registration never modifies the project's own files.
func (r *Registry) Register(opts RegisterOptions) (*Project, error) {
	path := opts.Path

	switch {
	case opts.Path != "":
		info, err := os.Stat(opts.Path)
		if err != nil || !info.IsDir() {
			return nil, errs.New(errs.CodeValidation, "project path %s does not exist", opts.Path)
		}
	case opts.CloneURL != "":
		name := opts.Name
		if name == "" {
			name = cloneName(opts.CloneURL)
		}
		path = filepath.Join(opts.BaseDir, name)
		cmd := exec.Command("git", "clone", opts.CloneURL, path)
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, errs.New(errs.CodeSubprocess, "cloning %s: %s", opts.CloneURL, strings.TrimSpace(string(out)))
		}
	case opts.Name != "" && opts.Empty:
		path = filepath.Join(opts.BaseDir, opts.Name)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, errs.Wrap(errs.CodeStorage, err)
		}
	default:
		return nil, errs.New(errs.CodeValidation, "register requires a path, clone_url, or name with empty=true")
	}

	path = filepath.Clean(path)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.projects {
		if p.Path == path {
			return nil, errs.New(errs.CodeAlreadyExists, "project at %s already registered", path)
		}
	}

	name := opts.Name
	if name == "" {
		name = filepath.Base(path)
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeStandalone
	}

	p := &Project{
		ID:        uuid.NewString()[:8],
		Name:      name,
		Path:      path,
		GitRemote: gitRemote(path),
		Mode:      mode,
		HasBeads:  hasBeadsDB(path),
	}
	r.projects = append(r.projects, p)
	if err := r.save(); err != nil {
		r.projects = r.projects[:len(r.projects)-1]
		return nil, errs.Wrap(errs.CodeStorage, err)
	}

	if r.bus != nil {
		r.bus.Publish(bus.EventProjectAdded, p)
	}
	return p, nil
}

// List returns a snapshot of every registered project.
func (r *Registry) List() []*Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Project, len(r.projects))
	for i, p := range r.projects {
		cp := *p
		out[i] = &cp
	}
	return out
}

// Get returns one project by id.
func (r *Registry) Get(id string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.projects {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, errs.New(errs.CodeNotFound, "project %s not found", id)
}

// Active returns the active project, or nil when none is active.
func (r *Registry) Active() *Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.projects {
		if p.Active {
			cp := *p
			return &cp
		}
	}
	return nil
}

// Activate marks one project active and clears the flag everywhere else.
func (r *Registry) Activate(id string) (*Project, error) {
	r.mu.Lock()
	var activated *Project
	for _, p := range r.projects {
		p.Active = p.ID == id
		if p.Active {
			activated = p
		}
	}
	if activated == nil {
		r.mu.Unlock()
		return nil, errs.New(errs.CodeNotFound, "project %s not found", id)
	}
	if err := r.save(); err != nil {
		r.mu.Unlock()
		return nil, errs.Wrap(errs.CodeStorage, err)
	}
	cp := *activated
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(bus.EventProjectActive, &cp)
	}
	return &cp, nil
}

// Unregister removes a project from the registry. The filesystem is never
// touched.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	idx := -1
	for i, p := range r.projects {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return errs.New(errs.CodeNotFound, "project %s not found", id)
	}
	removed := r.projects[idx]
	r.projects = append(r.projects[:idx], r.projects[idx+1:]...)
	if err := r.save(); err != nil {
		r.mu.Unlock()
		return errs.Wrap(errs.CodeStorage, err)
	}
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(bus.EventProjectRemoved, removed)
	}
	return nil
}

// Discover scans base directories for projects (marker: .git or .beads),
// registers new ones and refreshes has_beads on existing entries.
// maxDepth is clamped to 1..3.
func (r *Registry) Discover(baseDirs []string, maxDepth int) ([]*Project, error) {
	if maxDepth < 1 {
		maxDepth = 1
	}
	if maxDepth > 3 {
		maxDepth = 3
	}

	var added []*Project
	for _, base := range baseDirs {
		base = filepath.Clean(base)
		_ = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(base, path)
			if relErr == nil && rel != "." && strings.Count(rel, string(filepath.Separator)) >= maxDepth {
				return filepath.SkipDir
			}
			if strings.HasPrefix(d.Name(), ".") && rel != "." {
				return filepath.SkipDir
			}
			if !isProjectDir(path) {
				return nil
			}

			r.mu.Lock()
			var known *Project
			for _, p := range r.projects {
				if p.Path == path {
					known = p
					break
				}
			}
			if known != nil {
				known.HasBeads = hasBeadsDB(path)
				r.mu.Unlock()
				return filepath.SkipDir
			}
			r.mu.Unlock()

			p, regErr := r.Register(RegisterOptions{Path: path})
			if regErr == nil {
				added = append(added, p)
			}
			return filepath.SkipDir
		})
	}

	r.mu.Lock()
	err := r.save()
	r.mu.Unlock()
	if err != nil {
		return added, errs.Wrap(errs.CodeStorage, err)
	}
	return added, nil
}

// CheckHealth reports the on-disk state of a project.
func (r *Registry) CheckHealth(id string) (*Health, error) {
	p, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	h := &Health{}
	if info, statErr := os.Stat(p.Path); statErr == nil && info.IsDir() {
		h.PathExists = true
	}
	if h.PathExists {
		if info, statErr := os.Stat(filepath.Join(p.Path, ".git")); statErr == nil && info.IsDir() {
			h.GitValid = true
		}
		h.HasBeads = hasBeadsDB(p.Path)
	}
	return h, nil
}

func isProjectDir(path string) bool {
	for _, marker := range []string{".git", ".beads"} {
		if _, err := os.Stat(filepath.Join(path, marker)); err == nil {
			return true
		}
	}
	return false
}

func hasBeadsDB(path string) bool {
	_, err := os.Stat(filepath.Join(path, ".beads", "beads.db"))
	return err == nil
}

// gitRemote returns the origin URL, or "" when the path is not a git repo.
func gitRemote(path string) string {
	cmd := exec.Command("git", "-C", path, "remote", "get-url", "origin")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// cloneName derives a directory name from a clone URL.
func cloneName(url string) string {
	base := filepath.Base(strings.TrimSuffix(url, "/"))
	return strings.TrimSuffix(base, ".git")
}
