package beads

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

// makeBeadsDB creates a minimal beads database carrying an issue_prefix tag,
// the same config table the bd CLI writes.
func makeBeadsDB(t *testing.T, projectDir, prefix string) {
	t.Helper()
	beadsDir := filepath.Join(projectDir, ".beads")
	if err := os.MkdirAll(beadsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(beadsDir, "beads.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE config (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO config (key, value) VALUES ('issue_prefix', ?)`, prefix); err != nil {
		t.Fatal(err)
	}
}

func TestPrefixMapScan(t *testing.T) {
	root := t.TempDir()
	makeBeadsDB(t, filepath.Join(root, "alpha-proj"), "alpha")
	makeBeadsDB(t, filepath.Join(root, "nested", "beta-proj"), "beta")
	// A directory without a database is ignored.
	if err := os.MkdirAll(filepath.Join(root, "plain"), 0o755); err != nil {
		t.Fatal(err)
	}

	m := NewPrefixMap(root)
	defer m.Stop()

	dir, ok := m.Lookup("alpha")
	if !ok || filepath.Base(dir) != "alpha-proj" {
		t.Fatalf("Lookup(alpha) = %q, %v", dir, ok)
	}
	dir, ok = m.Lookup("beta")
	if !ok || filepath.Base(dir) != "beta-proj" {
		t.Fatalf("Lookup(beta) = %q, %v", dir, ok)
	}
	if _, ok := m.Lookup("gamma"); ok {
		t.Fatal("Lookup(gamma) found a mapping for an unknown prefix")
	}
}

func TestPrefixMapOnDemandRefresh(t *testing.T) {
	root := t.TempDir()
	m := NewPrefixMap(root)
	defer m.Stop()

	if _, ok := m.Lookup("late"); ok {
		t.Fatal("empty workspace resolved a prefix")
	}

	// Database appears after the initial scan; a lookup miss rescans.
	makeBeadsDB(t, filepath.Join(root, "late-proj"), "late")
	dir, ok := m.Lookup("late")
	if !ok || filepath.Base(dir) != "late-proj" {
		t.Fatalf("Lookup(late) after refresh = %q, %v", dir, ok)
	}
}

func TestPrefixMapRegisterOverride(t *testing.T) {
	m := NewPrefixMap("")
	defer m.Stop()

	m.Register("adj", "/work/adjutant")
	dir, ok := m.Lookup("adj")
	if !ok || dir != "/work/adjutant" {
		t.Fatalf("Lookup(adj) = %q, %v", dir, ok)
	}

	if got := len(m.AllDirs()); got != 1 {
		t.Fatalf("AllDirs() = %d entries, want 1", got)
	}
}
