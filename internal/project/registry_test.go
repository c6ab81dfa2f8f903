package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/LupusDei/adjutant/internal/errs"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Load(filepath.Join(t.TempDir(), "projects.json"), nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return r
}

func mkProjectDir(t *testing.T, markers ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, m := range markers {
		if err := os.MkdirAll(filepath.Join(dir, m), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestRegisterListRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	dir := mkProjectDir(t, ".git")

	p, err := r.Register(RegisterOptions{Path: dir})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if p.ID == "" {
		t.Fatal("Register() produced an empty id")
	}

	got := r.List()
	if len(got) != 1 || got[0].Path != filepath.Clean(dir) {
		t.Fatalf("List() = %+v", got)
	}
}

func TestRegisterDuplicateIsRejected(t *testing.T) {
	r := newTestRegistry(t)
	dir := mkProjectDir(t)

	if _, err := r.Register(RegisterOptions{Path: dir}); err != nil {
		t.Fatal(err)
	}
	_, err := r.Register(RegisterOptions{Path: dir})
	if errs.CodeOf(err) != errs.CodeAlreadyExists {
		t.Fatalf("code = %v, want ALREADY_EXISTS", errs.CodeOf(err))
	}
}

func TestRegisterMissingPath(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(RegisterOptions{Path: "/does/not/exist"})
	if errs.CodeOf(err) != errs.CodeValidation {
		t.Fatalf("code = %v, want VALIDATION_ERROR", errs.CodeOf(err))
	}
}

func TestActivateIsExclusive(t *testing.T) {
	r := newTestRegistry(t)
	a, err := r.Register(RegisterOptions{Path: mkProjectDir(t)})
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Register(RegisterOptions{Path: mkProjectDir(t)})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Activate(a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Activate(b.ID); err != nil {
		t.Fatal(err)
	}

	active := 0
	for _, p := range r.List() {
		if p.Active {
			active++
			if p.ID != b.ID {
				t.Fatalf("active project = %s, want %s", p.ID, b.ID)
			}
		}
	}
	if active != 1 {
		t.Fatalf("%d active projects, want 1", active)
	}
}

func TestPersistenceAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.json")
	r, err := Load(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	p, err := r.Register(RegisterOptions{Path: mkProjectDir(t, ".git")})
	if err != nil {
		t.Fatal(err)
	}

	r2, err := Load(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := r2.Get(p.ID)
	if err != nil {
		t.Fatalf("Get() after reload error = %v", err)
	}
	if got.Path != p.Path {
		t.Fatalf("reloaded path = %q, want %q", got.Path, p.Path)
	}
}

func TestUnregisterKeepsFilesystem(t *testing.T) {
	r := newTestRegistry(t)
	dir := mkProjectDir(t, ".git")
	p, err := r.Register(RegisterOptions{Path: dir})
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Unregister(p.ID); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if len(r.List()) != 0 {
		t.Fatal("project still listed after unregister")
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatal("unregister touched the project filesystem")
	}

	if err := r.Unregister(p.ID); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("second unregister code = %v, want NOT_FOUND", errs.CodeOf(err))
	}
}

func TestDiscoverFindsMarkedDirs(t *testing.T) {
	base := t.TempDir()
	for _, name := range []string{"one", "two"} {
		if err := os.MkdirAll(filepath.Join(base, name, ".git"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(base, "plain"), 0o755); err != nil {
		t.Fatal(err)
	}

	r := newTestRegistry(t)
	added, err := r.Discover([]string{base}, 2)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(added) != 2 {
		t.Fatalf("Discover() added %d projects, want 2", len(added))
	}

	// Re-running discovers nothing new.
	added, err = r.Discover([]string{base}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 0 {
		t.Fatalf("second Discover() added %d, want 0", len(added))
	}
}

func TestCheckHealth(t *testing.T) {
	r := newTestRegistry(t)
	dir := mkProjectDir(t, ".git")
	p, err := r.Register(RegisterOptions{Path: dir})
	if err != nil {
		t.Fatal(err)
	}

	h, err := r.CheckHealth(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !h.PathExists || !h.GitValid || h.HasBeads {
		t.Fatalf("health = %+v", h)
	}
}
