package beads

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LupusDei/adjutant/internal/errs"
)

// writeStub writes an executable fake bd script into dir and returns its path.
func writeStub(t *testing.T, dir, script string) string {
	t.Helper()
	path := filepath.Join(dir, "bd")
	full := "#!/bin/sh\n" + script
	if err := os.WriteFile(path, []byte(full), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestGateway(t *testing.T, script string) (*Gateway, string) {
	t.Helper()
	dir := t.TempDir()
	stub := writeStub(t, dir, script)
	g := NewGateway("", "tester", 5*time.Second, nil)
	g.SetBinary(stub)
	return g, dir
}

func TestInvokeMapsNotFoundStderr(t *testing.T) {
	g, dir := newTestGateway(t, `echo "issue adj-404 not found" >&2; exit 1`)
	_, err := g.invoke(context.Background(), dir, "show", "adj-404")
	if errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("code = %v, want NOT_FOUND", errs.CodeOf(err))
	}
}

func TestInvokePreservesStderrOnFailure(t *testing.T) {
	g, dir := newTestGateway(t, `echo "database is locked" >&2; exit 3`)
	_, err := g.invoke(context.Background(), dir, "list")
	ce := errs.Wrap(errs.CodeInternal, err)
	if ce.Code != errs.CodeSubprocess {
		t.Fatalf("code = %v, want SUBPROCESS_ERROR", ce.Code)
	}
	if want := "database is locked"; !strings.Contains(ce.Message, want) {
		t.Fatalf("message %q does not preserve stderr %q", ce.Message, want)
	}
}

func TestInvokeTimeoutKillsChild(t *testing.T) {
	dir := t.TempDir()
	stub := writeStub(t, dir, `sleep 30`)
	g := NewGateway("", "", 100*time.Millisecond, nil)
	g.SetBinary(stub)

	start := time.Now()
	_, err := g.invoke(context.Background(), dir, "list")
	if errs.CodeOf(err) != errs.CodeTimeout {
		t.Fatalf("code = %v, want TIMEOUT", errs.CodeOf(err))
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("child not killed on timeout; took %v", elapsed)
	}
}

// TestGatewaySerialization checks that exactly one bd subprocess is live at
// any instant: the stub records overlap when it finds another invocation's
// marker file.
func TestGatewaySerialization(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "live")
	overlap := filepath.Join(dir, "overlap")
	script := `
if [ -f "` + marker + `" ]; then touch "` + overlap + `"; fi
touch "` + marker + `"
sleep 0.05
rm -f "` + marker + `"
echo "[]"
`
	stub := writeStub(t, dir, script)
	g := NewGateway("", "", 5*time.Second, nil)
	g.SetBinary(stub)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.invoke(context.Background(), dir, "list")
		}()
	}
	wg.Wait()

	if _, err := os.Stat(overlap); err == nil {
		t.Fatal("two bd subprocesses were live at the same instant")
	}
}

func TestListFiltersWispsAndSorts(t *testing.T) {
	dir := t.TempDir()
	fixture := `[
		{"id":"adj-2","title":"low","status":"open","priority":3,"issue_type":"task","updated_at":"2026-01-02T00:00:00Z"},
		{"id":"adj-1","title":"urgent","status":"open","priority":0,"issue_type":"bug","updated_at":"2026-01-01T00:00:00Z"},
		{"id":"adj-wisp-9","title":"scratch","status":"open","priority":1,"issue_type":"task","updated_at":"2026-01-03T00:00:00Z"},
		{"id":"adj-3","title":"ephemeral","status":"open","priority":1,"issue_type":"task","ephemeral":true,"updated_at":"2026-01-03T00:00:00Z"},
		{"id":"adj-4","title":"mid-new","status":"open","priority":3,"issue_type":"task","updated_at":"2026-01-05T00:00:00Z"}
	]`
	if err := os.WriteFile(filepath.Join(dir, "list.json"), []byte(fixture), 0o644); err != nil {
		t.Fatal(err)
	}
	g, _ := newTestGateway(t, `cat "`+dir+`/list.json"`)

	got, err := g.List(context.Background(), dir, ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	var ids []string
	for _, b := range got {
		ids = append(ids, b.ID)
	}
	want := []string{"adj-1", "adj-4", "adj-2"}
	if len(ids) != len(want) {
		t.Fatalf("List() ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("List() ids = %v, want %v", ids, want)
		}
	}
}

// TestSessionDatabaseIsolation: listing scoped to one session dir never
// reaches another project's database.
func TestSessionDatabaseIsolation(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	if err := os.WriteFile(filepath.Join(dirA, "list.json"),
		[]byte(`[{"id":"alpha-1","title":"a","status":"open","priority":2,"issue_type":"task"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dirB, "list.json"), []byte(`[]`), 0o644); err != nil {
		t.Fatal(err)
	}

	// The stub reads list.json from its working directory, so routing is
	// observable through which fixture it serves.
	stubDir := t.TempDir()
	stub := writeStub(t, stubDir, `cat ./list.json`)
	g := NewGateway("", "", 5*time.Second, nil)
	g.SetBinary(stub)

	fromA, err := g.List(context.Background(), dirA, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(fromA) != 1 || Prefix(fromA[0].ID) != "alpha" {
		t.Fatalf("session A list = %+v", fromA)
	}

	fromB, err := g.List(context.Background(), dirB, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(fromB) != 0 {
		t.Fatalf("session B sees %d beads, want 0", len(fromB))
	}
}

func TestUpdateRejectsUnknownStatus(t *testing.T) {
	g, dir := newTestGateway(t, `echo "[]"`)
	bad := "exploded"
	_, err := g.Update(context.Background(), dir, "adj-1", UpdateOptions{Status: &bad})
	if errs.CodeOf(err) != errs.CodeValidation {
		t.Fatalf("code = %v, want VALIDATION_ERROR", errs.CodeOf(err))
	}
}

func TestPrefixHelper(t *testing.T) {
	cases := []struct{ id, want string }{
		{"adj-022.1.1", "adj"},
		{"gt-abc", "gt"},
		{"noprefix", ""},
		{"-weird", ""},
	}
	for _, tc := range cases {
		if got := Prefix(tc.id); got != tc.want {
			t.Errorf("Prefix(%q) = %q, want %q", tc.id, got, tc.want)
		}
	}
}
