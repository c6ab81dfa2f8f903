package bridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/LupusDei/adjutant/internal/bus"
	"github.com/LupusDei/adjutant/internal/errs"
)

// Terminal session statuses.
const (
	SessionIdle        = "idle"
	SessionWorking     = "working"
	SessionWaitingPerm = "waiting_permission"
	SessionOffline     = "offline"
)

// Workspace types.
const (
	WorkspacePrimary  = "primary"
	WorkspaceWorktree = "worktree"
	WorkspaceCopy     = "copy"
)

// Multiplexer is the subset of tmux operations the bridge needs. The real
// implementation is *tmux.Tmux; tests substitute a fake.
type Multiplexer interface {
	NewSessionWithCommand(name, workDir, command string) error
	HasSession(name string) (bool, error)
	KillSession(name string) error
	GetPaneID(session string) (string, error)
	PipePane(target, fifoPath string) error
	PipePaneOff(target string) error
	CapturePane(target string, lines int) (string, error)
	SendText(target, text string) error
	SendRaw(target string, keys ...string) error
	SendInterrupt(target string) error
}

// TerminalSession is one managed tmux session running a coding agent.
// The output ring buffer is runtime-only and omitted from persistence.
type TerminalSession struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	TmuxSession   string    `json:"tmux_session"`
	PaneTarget    string    `json:"pane_target"`
	ProjectPath   string    `json:"project_path"`
	Mode          string    `json:"mode"`
	Status        string    `json:"status"`
	WorkspaceType string    `json:"workspace_type"`
	PipeActive    bool      `json:"pipe_active"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`

	// runtime state
	ring     *ring
	parser   *Parser
	clients  map[string]bool
	holder   string // input-lock holder client id; first to attach wins
	queue    []string
	fifoPath string
	stopCh   chan struct{}

	// snapshot fallback state: active between the last detach and the
	// next attach
	snapStop chan struct{}
	lastSnap []string
}

// CreateOptions specifies a new terminal session.
type CreateOptions struct {
	ProjectPath   string
	Mode          string
	Name          string
	WorkspaceType string
	CloneURL      string
	// AgentCommand is the process spawned inside the pane.
	AgentCommand string
}

// Options configures a Bridge.
type Options struct {
	StatePath   string
	FifoDir     string
	RingLines   int
	MaxSessions int
	// SnapshotInterval paces the capture-pane fallback that runs while no
	// client is attached. Zero uses the default.
	SnapshotInterval time.Duration
}

const defaultSnapshotInterval = 2 * time.Second

// Bridge owns the terminal-session registry and capture plumbing.
type Bridge struct {
	mu       sync.Mutex
	sessions map[string]*TerminalSession
	mux      Multiplexer
	bus      *bus.Bus
	opts     Options
}

// New creates a bridge, loading any persisted registry and rebinding to
// tmux sessions that are still alive.
func New(mux Multiplexer, b *bus.Bus, opts Options) (*Bridge, error) {
	if opts.RingLines <= 0 {
		opts.RingLines = 1000
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 10
	}
	if opts.FifoDir == "" {
		opts.FifoDir = os.TempDir()
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = defaultSnapshotInterval
	}

	br := &Bridge{
		sessions: make(map[string]*TerminalSession),
		mux:      mux,
		bus:      b,
		opts:     opts,
	}
	if err := br.load(); err != nil {
		return nil, err
	}
	br.rediscover()
	return br, nil
}

// load reads the persisted registry.
func (br *Bridge) load() error {
	if br.opts.StatePath == "" {
		return nil
	}
	data, err := os.ReadFile(br.opts.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading session registry: %w", err)
	}
	var list []*TerminalSession
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parsing session registry: %w", err)
	}
	for _, s := range list {
		s.ring = newRing(br.opts.RingLines)
		s.parser = NewParser(s.ID)
		s.clients = make(map[string]bool)
		s.PipeActive = false
		br.sessions[s.ID] = s
	}
	return nil
}

// rediscover checks which persisted sessions still have a live tmux session.
func (br *Bridge) rediscover() {
	br.mu.Lock()
	defer br.mu.Unlock()
	for _, s := range br.sessions {
		alive, err := br.mux.HasSession(s.TmuxSession)
		if err != nil || !alive {
			s.Status = SessionOffline
			continue
		}
		if s.Status == SessionOffline || s.Status == "" {
			s.Status = SessionIdle
		}
	}
	if err := br.saveLocked(); err != nil {
		log.Printf("bridge: persisting registry after rediscover: %v", err)
	}
}

// saveLocked persists the registry. Caller holds br.mu.
func (br *Bridge) saveLocked() error {
	if br.opts.StatePath == "" {
		return nil
	}
	dir := filepath.Dir(br.opts.StatePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	fl := flock.New(br.opts.StatePath + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("locking session registry: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	list := make([]*TerminalSession, 0, len(br.sessions))
	for _, s := range br.sessions {
		list = append(list, s)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".sessions-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, br.opts.StatePath)
}

// List returns a snapshot of every session.
func (br *Bridge) List() []*TerminalSession {
	br.mu.Lock()
	defer br.mu.Unlock()
	out := make([]*TerminalSession, 0, len(br.sessions))
	for _, s := range br.sessions {
		cp := *s
		out = append(out, &cp)
	}
	return out
}

// Get returns one session by id.
func (br *Bridge) Get(id string) (*TerminalSession, error) {
	br.mu.Lock()
	defer br.mu.Unlock()
	s, ok := br.sessions[id]
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "terminal session %s not found", id)
	}
	cp := *s
	return &cp, nil
}

// Create makes a tmux session, prepares the workspace, and spawns the agent
// process inside the pane.
func (br *Bridge) Create(opts CreateOptions) (*TerminalSession, error) {
	if opts.ProjectPath == "" && opts.CloneURL == "" {
		return nil, errs.New(errs.CodeValidation, "project_path or clone_url is required")
	}
	if opts.WorkspaceType == "" {
		opts.WorkspaceType = WorkspacePrimary
	}

	br.mu.Lock()
	if len(br.sessions) >= br.opts.MaxSessions {
		br.mu.Unlock()
		return nil, errs.New(errs.CodeAlreadyRunning, "session limit %d reached", br.opts.MaxSessions)
	}
	br.mu.Unlock()

	workDir, err := br.prepareWorkspace(opts)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()[:8]
	name := opts.Name
	if name == "" {
		name = "agent-" + id
	}
	tmuxName := "adj-" + name

	command := opts.AgentCommand
	if command == "" {
		command = "claude"
	}
	if err := br.mux.NewSessionWithCommand(tmuxName, workDir, command); err != nil {
		return nil, errs.New(errs.CodeSubprocess, "creating tmux session: %v", err)
	}

	pane, err := br.mux.GetPaneID(tmuxName)
	if err != nil {
		pane = tmuxName
	}

	now := time.Now().UTC()
	s := &TerminalSession{
		ID:            id,
		Name:          name,
		TmuxSession:   tmuxName,
		PaneTarget:    pane,
		ProjectPath:   workDir,
		Mode:          opts.Mode,
		Status:        SessionIdle,
		WorkspaceType: opts.WorkspaceType,
		CreatedAt:     now,
		LastActivity:  now,
		ring:          newRing(br.opts.RingLines),
		parser:        NewParser(id),
		clients:       make(map[string]bool),
	}

	br.mu.Lock()
	br.sessions[id] = s
	err = br.saveLocked()
	br.mu.Unlock()
	if err != nil {
		log.Printf("bridge: persisting registry: %v", err)
	}

	cp := *s
	return &cp, nil
}

// prepareWorkspace resolves the working directory for a new session.
func (br *Bridge) prepareWorkspace(opts CreateOptions) (string, error) {
	switch opts.WorkspaceType {
	case WorkspacePrimary:
		return opts.ProjectPath, nil
	case WorkspaceWorktree:
		dest := opts.ProjectPath + "-wt-" + uuid.NewString()[:6]
		branch := filepath.Base(dest)
		cmd := exec.Command("git", "-C", opts.ProjectPath, "worktree", "add", "-b", branch, dest)
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", errs.New(errs.CodeSubprocess, "creating worktree: %s", string(out))
		}
		return dest, nil
	case WorkspaceCopy:
		dest := opts.ProjectPath + "-copy-" + uuid.NewString()[:6]
		cmd := exec.Command("cp", "-a", opts.ProjectPath, dest)
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", errs.New(errs.CodeSubprocess, "copying workspace: %s", string(out))
		}
		return dest, nil
	default:
		return "", errs.New(errs.CodeValidation, "unknown workspace type %q", opts.WorkspaceType)
	}
}

// Attach adds a client to the session's stream. With replay, the current
// ring buffer contents are returned for the client to catch up; otherwise
// the stream starts from now. The first attached client starts pipe-pane
// capture and takes the input lock.
func (br *Bridge) Attach(sessionID, clientID string, replay bool) ([]string, error) {
	br.mu.Lock()
	s, ok := br.sessions[sessionID]
	if !ok {
		br.mu.Unlock()
		return nil, errs.New(errs.CodeNotFound, "terminal session %s not found", sessionID)
	}
	if s.Status == SessionOffline {
		br.mu.Unlock()
		return nil, errs.New(errs.CodeAlreadyStopped, "terminal session %s is offline", sessionID)
	}

	first := len(s.clients) == 0
	s.clients[clientID] = true
	if s.holder == "" {
		s.holder = clientID
	}
	br.mu.Unlock()

	if first {
		br.stopSnapshot(s)
		if err := br.startCapture(s); err != nil {
			log.Printf("bridge: starting capture for %s: %v", sessionID, err)
		}
	}

	if replay {
		return s.ring.snapshot(), nil
	}
	return nil, nil
}

// Detach removes a client. When the last client leaves, pipe-pane capture
// stops to conserve resources; state then falls back to periodic
// capture-pane snapshots.
func (br *Bridge) Detach(sessionID, clientID string) error {
	br.mu.Lock()
	s, ok := br.sessions[sessionID]
	if !ok {
		br.mu.Unlock()
		return errs.New(errs.CodeNotFound, "terminal session %s not found", sessionID)
	}
	delete(s.clients, clientID)
	if s.holder == clientID {
		s.holder = ""
		for c := range s.clients {
			s.holder = c
			break
		}
	}
	last := len(s.clients) == 0
	br.mu.Unlock()

	if last {
		br.stopCapture(s)
		br.startSnapshot(s)
	}
	return nil
}

// startSnapshot launches the capture-pane fallback loop that keeps the ring
// buffer current while nobody is attached.
func (br *Bridge) startSnapshot(s *TerminalSession) {
	br.mu.Lock()
	if s.snapStop != nil {
		br.mu.Unlock()
		return
	}
	s.snapStop = make(chan struct{})
	s.lastSnap = nil
	stop := s.snapStop
	br.mu.Unlock()

	go br.snapshotLoop(s, stop)
}

// stopSnapshot ends the fallback loop.
func (br *Bridge) stopSnapshot(s *TerminalSession) {
	br.mu.Lock()
	stop := s.snapStop
	s.snapStop = nil
	br.mu.Unlock()

	if stop != nil {
		close(stop)
	}
}

// snapshotLoop polls capture-pane and feeds lines that appeared since the
// previous snapshot through the normal output path.
func (br *Bridge) snapshotLoop(s *TerminalSession, stop <-chan struct{}) {
	ticker := time.NewTicker(br.opts.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		out, err := br.mux.CapturePane(s.PaneTarget, br.opts.RingLines)
		if err != nil {
			log.Printf("bridge: snapshot capture for %s: %v", s.ID, err)
			continue
		}
		cur := splitPaneLines(out)

		br.mu.Lock()
		prev := s.lastSnap
		s.lastSnap = cur
		br.mu.Unlock()

		for _, line := range newLinesSince(prev, cur) {
			br.handleLine(s, line)
		}
	}
}

func splitPaneLines(out string) []string {
	if out == "" {
		return nil
	}
	lines := strings.Split(out, "\n")
	// capture-pane pads the window bottom with empty lines
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// newLinesSince returns the lines of cur that appeared after the previous
// snapshot. The pane is a sliding window, so the anchor is the previous
// snapshot's final line: everything after its last occurrence in cur is
// new. With no usable anchor the whole capture is treated as new.
func newLinesSince(prev, cur []string) []string {
	if len(cur) == 0 {
		return nil
	}
	if len(prev) == 0 {
		return cur
	}
	anchor := prev[len(prev)-1]
	for i := len(cur) - 1; i >= 0; i-- {
		if cur[i] == anchor {
			return cur[i+1:]
		}
	}
	return cur
}

// Input sends text to the session's pane. Only the input-lock holder may
// send; mid-turn input is queued FIFO and delivered when the session
// returns to idle.
func (br *Bridge) Input(sessionID, clientID, text string) error {
	br.mu.Lock()
	s, ok := br.sessions[sessionID]
	if !ok {
		br.mu.Unlock()
		return errs.New(errs.CodeNotFound, "terminal session %s not found", sessionID)
	}
	if s.holder != clientID {
		br.mu.Unlock()
		return errs.New(errs.CodeInvalidArg, "client %s does not hold the input lock", clientID)
	}
	busy := s.Status == SessionWorking || s.Status == SessionWaitingPerm
	if busy {
		s.queue = append(s.queue, text)
		br.mu.Unlock()
		return nil
	}
	target := s.PaneTarget
	br.mu.Unlock()

	return br.mux.SendText(target, text)
}

// StealInput transfers the input lock to clientID.
func (br *Bridge) StealInput(sessionID, clientID string) error {
	br.mu.Lock()
	defer br.mu.Unlock()
	s, ok := br.sessions[sessionID]
	if !ok {
		return errs.New(errs.CodeNotFound, "terminal session %s not found", sessionID)
	}
	if !s.clients[clientID] {
		return errs.New(errs.CodeInvalidArg, "client %s is not attached", clientID)
	}
	s.holder = clientID
	return nil
}

// Interrupt sends C-c to the pane. Queued input is preserved unless
// dropQueue is set.
func (br *Bridge) Interrupt(sessionID string, dropQueue bool) error {
	br.mu.Lock()
	s, ok := br.sessions[sessionID]
	if !ok {
		br.mu.Unlock()
		return errs.New(errs.CodeNotFound, "terminal session %s not found", sessionID)
	}
	if dropQueue {
		s.queue = nil
	}
	target := s.PaneTarget
	br.mu.Unlock()

	return br.mux.SendInterrupt(target)
}

// Permission answers a pending permission prompt.
func (br *Bridge) Permission(sessionID, requestID string, approved bool) error {
	br.mu.Lock()
	s, ok := br.sessions[sessionID]
	if !ok {
		br.mu.Unlock()
		return errs.New(errs.CodeNotFound, "terminal session %s not found", sessionID)
	}
	target := s.PaneTarget
	br.mu.Unlock()

	key := "n"
	if approved {
		key = "y"
	}
	if err := br.mux.SendRaw(target, key, "Enter"); err != nil {
		return errs.New(errs.CodeSubprocess, "answering permission %s: %v", requestID, err)
	}
	br.setStatus(sessionID, SessionWorking)
	return nil
}

// Kill terminates the tmux session and removes it from the registry.
// The capture reader and snapshot loop are stopped before the tmux session
// is killed.
func (br *Bridge) Kill(sessionID string) error {
	br.mu.Lock()
	s, ok := br.sessions[sessionID]
	if !ok {
		br.mu.Unlock()
		return errs.New(errs.CodeNotFound, "terminal session %s not found", sessionID)
	}
	delete(br.sessions, sessionID)
	if err := br.saveLocked(); err != nil {
		log.Printf("bridge: persisting registry: %v", err)
	}
	br.mu.Unlock()

	br.stopSnapshot(s)
	br.stopCapture(s)
	if err := br.mux.KillSession(s.TmuxSession); err != nil {
		log.Printf("bridge: killing tmux session %s: %v", s.TmuxSession, err)
	}

	if br.bus != nil {
		br.bus.Publish(bus.EventSessionEnded, map[string]string{"session_id": sessionID})
	}
	return nil
}

// Buffer returns the session's current ring buffer contents.
func (br *Bridge) Buffer(sessionID string) ([]string, error) {
	br.mu.Lock()
	s, ok := br.sessions[sessionID]
	br.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "terminal session %s not found", sessionID)
	}
	return s.ring.snapshot(), nil
}

// setStatus transitions a session's status, publishing session:status and
// flushing the input queue on transition to idle.
func (br *Bridge) setStatus(sessionID, status string) {
	br.mu.Lock()
	s, ok := br.sessions[sessionID]
	if !ok || s.Status == status {
		br.mu.Unlock()
		return
	}
	s.Status = status
	s.LastActivity = time.Now().UTC()

	var flush []string
	var target string
	if status == SessionIdle && len(s.queue) > 0 {
		flush = s.queue
		s.queue = nil
		target = s.PaneTarget
	}
	br.mu.Unlock()

	if br.bus != nil {
		br.bus.Publish(bus.EventSessionStatus, map[string]string{
			"session_id": sessionID,
			"status":     status,
		})
	}

	for _, text := range flush {
		if err := br.mux.SendText(target, text); err != nil {
			log.Printf("bridge: delivering queued input to %s: %v", sessionID, err)
		}
	}
}

// startCapture creates the session FIFO, starts pipe-pane into it, and
// launches the reader goroutine.
func (br *Bridge) startCapture(s *TerminalSession) error {
	fifo := filepath.Join(br.opts.FifoDir, "adjutant-"+s.ID+".fifo")
	_ = os.Remove(fifo)
	if err := syscall.Mkfifo(fifo, 0o600); err != nil {
		return fmt.Errorf("creating capture fifo: %w", err)
	}

	br.mu.Lock()
	s.fifoPath = fifo
	s.stopCh = make(chan struct{})
	s.PipeActive = true
	stop := s.stopCh
	br.mu.Unlock()

	if err := br.mux.PipePane(s.PaneTarget, fifo); err != nil {
		return fmt.Errorf("starting pipe-pane: %w", err)
	}

	go br.captureLoop(s, fifo, stop)
	return nil
}

// stopCapture ends pipe-pane and the reader goroutine.
func (br *Bridge) stopCapture(s *TerminalSession) {
	br.mu.Lock()
	stop := s.stopCh
	s.stopCh = nil
	fifo := s.fifoPath
	s.PipeActive = false
	br.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	_ = br.mux.PipePaneOff(s.PaneTarget)
	if fifo != "" {
		// Unblock a reader stuck in open() by connecting as a writer once.
		if w, err := os.OpenFile(fifo, os.O_WRONLY|syscall.O_NONBLOCK, 0); err == nil {
			_ = w.Close()
		}
		_ = os.Remove(fifo)
	}
}

// captureLoop reads pane bytes from the FIFO, feeds the ring buffer and the
// parser, and publishes raw and parsed events. Transient read errors log
// and restart the loop; a closed stop channel ends it.
func (br *Bridge) captureLoop(s *TerminalSession, fifo string, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		// Nonblocking open: the read end registers with the runtime poller
		// immediately, so reads wait for data without wedging the open()
		// when pipe-pane has not connected yet.
		f, err := os.OpenFile(fifo, os.O_RDONLY|syscall.O_NONBLOCK, 0)
		if err != nil {
			select {
			case <-stop:
				return
			case <-time.After(200 * time.Millisecond):
				continue
			}
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case <-stop:
				_ = f.Close()
				return
			default:
			}
			br.handleLine(s, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			log.Printf("bridge: capture read for %s: %v", s.ID, err)
		}
		_ = f.Close()

		// EOF: the writer (pipe-pane) went away. Reopen unless stopping.
		select {
		case <-stop:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// handleLine processes one captured output line.
func (br *Bridge) handleLine(s *TerminalSession, line string) {
	s.ring.append(line)

	br.mu.Lock()
	s.LastActivity = time.Now().UTC()
	br.mu.Unlock()

	if br.bus != nil {
		br.bus.Publish(bus.EventSessionOutput, &SessionOutput{
			SessionID: s.ID,
			Raw:       line,
		})
	}

	ev := s.parser.ParseLine(line)
	if ev == nil {
		return
	}

	switch ev.Type {
	case EventStatus:
		switch ev.Status {
		case StatusThinking, StatusWorking:
			br.setStatus(s.ID, SessionWorking)
		case StatusIdle:
			br.setStatus(s.ID, SessionIdle)
		}
	case EventPermission:
		br.setStatus(s.ID, SessionWaitingPerm)
		if br.bus != nil {
			br.bus.Publish(bus.EventSessionPerm, &SessionPermission{
				SessionID: s.ID,
				RequestID: ev.RequestID,
				Action:    ev.Action,
				Details:   ev.Details,
			})
		}
	}

	if br.bus != nil {
		br.bus.Publish(bus.EventSessionOutput, &SessionOutput{
			SessionID: s.ID,
			Event:     ev,
		})
	}
}

// SessionOutput is the bus payload for captured output: either a raw line
// or a parsed event.
type SessionOutput struct {
	SessionID string       `json:"session_id"`
	Raw       string       `json:"raw,omitempty"`
	Event     *OutputEvent `json:"event,omitempty"`
}

// SessionPermission is the bus payload for a permission prompt.
type SessionPermission struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Action    string `json:"action"`
	Details   string `json:"details"`
}

// MarkIdle flips a session to idle, which delivers its queued input. Nothing
// in this package calls it; it is exported for other callers and tests.
func (br *Bridge) MarkIdle(sessionID string) {
	br.setStatus(sessionID, SessionIdle)
}
