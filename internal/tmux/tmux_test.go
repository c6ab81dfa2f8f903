package tmux

import (
	"errors"
	"testing"
)

func TestWrapErrorSentinels(t *testing.T) {
	tm := New()

	cases := []struct {
		name   string
		stderr string
		want   error
	}{
		{"no server", "no server running on /tmp/tmux-0/default", ErrNoServer},
		{"connect failure", "error connecting to /tmp/tmux-0/default", ErrNoServer},
		{"duplicate", "duplicate session: adj-web", ErrSessionExists},
		{"missing session", "can't find session: adj-web", ErrSessionNotFound},
		{"missing pane", "can't find pane: %7", ErrSessionNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tm.wrapError(errors.New("exit status 1"), tc.stderr, []string{"has-session"})
			if !errors.Is(got, tc.want) {
				t.Fatalf("wrapError(%q) = %v, want %v", tc.stderr, got, tc.want)
			}
		})
	}
}

func TestWrapErrorPreservesUnknownStderr(t *testing.T) {
	tm := New()
	got := tm.wrapError(errors.New("exit status 1"), "protocol version mismatch", []string{"list-sessions"})
	if errors.Is(got, ErrNoServer) || errors.Is(got, ErrSessionNotFound) {
		t.Fatalf("unknown stderr mapped to a sentinel: %v", got)
	}
	if got.Error() != "tmux list-sessions: protocol version mismatch" {
		t.Fatalf("wrapError() = %q", got.Error())
	}
}
