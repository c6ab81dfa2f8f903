package beads

import (
	"database/sql"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// PrefixMap routes bead id prefixes to the project directory owning the
// matching beads database. Built by scanning the workspace for
// .beads/beads.db files and reading each database's issue_prefix tag.
// Refreshed on an interval, on filesystem events under watched .beads
// directories, and on demand when a lookup misses.
type PrefixMap struct {
	mu   sync.RWMutex
	root string
	// prefix → project dir (the parent of .beads), rebuilt by each scan
	dirs map[string]string
	// overrides survive rescans: session-scoped registrations take
	// precedence over the workspace scan
	overrides map[string]string

	watcher *fsnotify.Watcher
	stop    chan struct{}
	once    sync.Once
}

// maxScanDepth bounds the workspace walk relative to the root.
const maxScanDepth = 3

// NewPrefixMap creates a map for the given workspace root and performs an
// initial scan.
func NewPrefixMap(root string) *PrefixMap {
	m := &PrefixMap{
		root:      root,
		dirs:      make(map[string]string),
		overrides: make(map[string]string),
		stop:      make(chan struct{}),
	}
	m.Refresh()
	return m
}

// Start launches the periodic refresher and the filesystem watcher.
func (m *PrefixMap) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	if w, err := fsnotify.NewWatcher(); err == nil {
		m.mu.Lock()
		m.watcher = w
		for _, dir := range m.dirs {
			_ = w.Add(filepath.Join(dir, ".beads"))
		}
		m.mu.Unlock()

		go func() {
			for {
				select {
				case _, ok := <-w.Events:
					if !ok {
						return
					}
					m.Refresh()
				case _, ok := <-w.Errors:
					if !ok {
						return
					}
				case <-m.stop:
					return
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Refresh()
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop halts refreshers and the watcher.
func (m *PrefixMap) Stop() {
	m.once.Do(func() {
		close(m.stop)
		m.mu.Lock()
		if m.watcher != nil {
			_ = m.watcher.Close()
		}
		m.mu.Unlock()
	})
}

// Refresh rescans the workspace and rebuilds the map.
func (m *PrefixMap) Refresh() {
	found := scanWorkspace(m.root)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs = found
	if m.watcher != nil {
		for _, dir := range found {
			_ = m.watcher.Add(filepath.Join(dir, ".beads"))
		}
	}
}

// Lookup resolves a prefix to its project directory. A miss triggers one
// on-demand rescan before giving up.
func (m *PrefixMap) Lookup(prefix string) (string, bool) {
	m.mu.RLock()
	dir, ok := m.lookupLocked(prefix)
	m.mu.RUnlock()
	if ok {
		return dir, true
	}

	m.Refresh()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(prefix)
}

func (m *PrefixMap) lookupLocked(prefix string) (string, bool) {
	if dir, ok := m.overrides[prefix]; ok {
		return dir, true
	}
	dir, ok := m.dirs[prefix]
	return dir, ok
}

// LookupRig resolves a rig/project directory name to its database directory.
func (m *PrefixMap) LookupRig(rig string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, dirs := range []map[string]string{m.overrides, m.dirs} {
		for _, dir := range dirs {
			if filepath.Base(dir) == rig {
				return dir, true
			}
		}
	}
	return "", false
}

// AllDirs returns every known database directory, deterministically ordered.
func (m *PrefixMap) AllDirs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool, len(m.dirs)+len(m.overrides))
	var out []string
	for _, dirs := range []map[string]string{m.dirs, m.overrides} {
		for _, dir := range dirs {
			if !seen[dir] {
				seen[dir] = true
				out = append(out, dir)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Register seeds a prefix → directory mapping directly. Used when a session
// binds a project whose database lives outside the workspace root, and by
// tests.
func (m *PrefixMap) Register(prefix, dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[prefix] = dir
}

// Snapshot returns a copy of the mapping for inspection.
func (m *PrefixMap) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.dirs)+len(m.overrides))
	for k, v := range m.dirs {
		out[k] = v
	}
	for k, v := range m.overrides {
		out[k] = v
	}
	return out
}

// scanWorkspace walks root to maxScanDepth looking for .beads/beads.db and
// reads each database's prefix tag.
func scanWorkspace(root string) map[string]string {
	found := make(map[string]string)
	if root == "" {
		return found
	}

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr == nil && rel != "." && strings.Count(rel, string(filepath.Separator)) >= maxScanDepth {
			return filepath.SkipDir
		}
		// Never descend into hidden trees other than .beads itself.
		name := d.Name()
		if strings.HasPrefix(name, ".") && name != ".beads" && rel != "." {
			return filepath.SkipDir
		}
		if name != ".beads" {
			return nil
		}

		dbPath := filepath.Join(path, "beads.db")
		if _, statErr := os.Stat(dbPath); statErr != nil {
			return filepath.SkipDir
		}
		projectDir := filepath.Dir(path)
		if prefix := readPrefixTag(dbPath); prefix != "" {
			found[prefix] = projectDir
		}
		return filepath.SkipDir
	})
	return found
}

// readPrefixTag reads the issue_prefix config value from a beads database.
// The database is opened read-only; a missing or unreadable tag yields "".
func readPrefixTag(dbPath string) string {
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro&_pragma=busy_timeout(2000)")
	if err != nil {
		return ""
	}
	defer func() { _ = db.Close() }()

	var prefix string
	if err := db.QueryRow(`SELECT value FROM config WHERE key = 'issue_prefix'`).Scan(&prefix); err != nil {
		log.Printf("beads: no prefix tag in %s: %v", dbPath, err)
		return ""
	}
	return strings.TrimSpace(prefix)
}
