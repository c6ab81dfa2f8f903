package bridge

import (
	"os"
	"testing"
	"time"

	"github.com/LupusDei/adjutant/internal/bus"
)

// TestCaptureStreamsFifoBytes drives the capture loop through a real FIFO:
// every attached client observes the same raw lines, in arrival order, and
// the ring buffer accumulates them.
func TestCaptureStreamsFifoBytes(t *testing.T) {
	mux := newFakeMux()
	b := bus.New(64)
	defer b.Close()

	br, err := New(mux, b, Options{FifoDir: t.TempDir(), RingLines: 16})
	if err != nil {
		t.Fatal(err)
	}
	s, err := br.Create(CreateOptions{ProjectPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	sub := b.Subscribe(bus.EventSessionOutput)
	defer sub.Close()

	// First attach starts pipe-pane capture.
	if _, err := br.Attach(s.ID, "alice", false); err != nil {
		t.Fatal(err)
	}
	mux.mu.Lock()
	piped := mux.piped["%1"]
	mux.mu.Unlock()
	if !piped {
		t.Fatal("first attach did not start pipe-pane")
	}

	br.mu.Lock()
	fifo := br.sessions[s.ID].fifoPath
	br.mu.Unlock()

	// Simulate tmux pipe-pane writing into the FIFO.
	w, err := os.OpenFile(fifo, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("opening fifo for write: %v", err)
	}
	lines := []string{"line one", "line two", "line three"}
	for _, l := range lines {
		if _, err := w.Write([]byte(l + "\n")); err != nil {
			t.Fatal(err)
		}
	}
	_ = w.Close()

	var rawSeen []string
	deadline := time.After(3 * time.Second)
	for len(rawSeen) < len(lines) {
		select {
		case ev := <-sub.C():
			out := ev.Payload.(*SessionOutput)
			if out.Raw != "" {
				rawSeen = append(rawSeen, out.Raw)
			}
		case <-deadline:
			t.Fatalf("raw stream saw %v, want %v", rawSeen, lines)
		}
	}
	for i := range lines {
		if rawSeen[i] != lines[i] {
			t.Fatalf("raw order = %v, want %v", rawSeen, lines)
		}
	}

	// Replay on a later attach returns the buffered lines.
	replay, err := br.Attach(s.ID, "bob", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(replay) != len(lines) {
		t.Fatalf("replay = %v", replay)
	}

	// Last detach stops capture.
	if err := br.Detach(s.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := br.Detach(s.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	mux.mu.Lock()
	piped = mux.piped["%1"]
	mux.mu.Unlock()
	if piped {
		t.Fatal("last detach left pipe-pane running")
	}
}

// TestPermissionPromptFlowsToBus: a captured permission prompt flips the
// session to waiting_permission and publishes session:permission.
func TestPermissionPromptFlowsToBus(t *testing.T) {
	mux := newFakeMux()
	b := bus.New(64)
	defer b.Close()

	br, err := New(mux, b, Options{FifoDir: t.TempDir(), RingLines: 16})
	if err != nil {
		t.Fatal(err)
	}
	s, err := br.Create(CreateOptions{ProjectPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	permSub := b.Subscribe(bus.EventSessionPerm)
	defer permSub.Close()

	br.mu.Lock()
	sess := br.sessions[s.ID]
	br.mu.Unlock()

	br.handleLine(sess, "Do you want to run rm -rf build?")

	select {
	case ev := <-permSub.C():
		p := ev.Payload.(*SessionPermission)
		if p.SessionID != s.ID || p.Action == "" {
			t.Fatalf("permission payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("session:permission not published")
	}

	got, err := br.Get(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != SessionWaitingPerm {
		t.Fatalf("status = %q, want waiting_permission", got.Status)
	}
}
