// Package status models the deployment-mode capabilities: system status and
// power control vary between standalone, swarm, and gastown deployments.
package status

import (
	"runtime"
	"time"

	"github.com/LupusDei/adjutant/internal/bridge"
	"github.com/LupusDei/adjutant/internal/errs"
	"github.com/LupusDei/adjutant/internal/mcp"
)

// Snapshot is the mode-independent status shape.
type Snapshot struct {
	Mode             string    `json:"mode"`
	Running          bool      `json:"running"`
	AgentCount       int       `json:"agent_count"`
	TerminalSessions int       `json:"terminal_sessions"`
	UptimeSeconds    int64     `json:"uptime_seconds"`
	Goroutines       int       `json:"goroutines"`
	StartedAt        time.Time `json:"started_at"`
}

// Provider is the status capability. Power operations are NOT_SUPPORTED in
// modes that lack a controller.
type Provider interface {
	Mode() string
	GetStatus() (*Snapshot, error)
	HasPowerControl() bool
	PowerUp() error
	PowerDown() error
}

// Base collects the registries every mode reads its counts from.
type Base struct {
	Registry *mcp.Registry
	Bridge   *bridge.Bridge
	started  time.Time
}

func newBase(reg *mcp.Registry, br *bridge.Bridge) Base {
	return Base{Registry: reg, Bridge: br, started: time.Now().UTC()}
}

func (b *Base) snapshot(mode string) *Snapshot {
	s := &Snapshot{
		Mode:       mode,
		Running:    true,
		Goroutines: runtime.NumGoroutine(),
		StartedAt:  b.started,
	}
	s.UptimeSeconds = int64(time.Since(b.started).Seconds())
	if b.Registry != nil {
		s.AgentCount = b.Registry.Count()
	}
	if b.Bridge != nil {
		s.TerminalSessions = len(b.Bridge.List())
	}
	return s
}

// Standalone is the single-machine mode: always running, no power control.
type Standalone struct {
	Base
}

// NewStandalone creates the standalone provider.
func NewStandalone(reg *mcp.Registry, br *bridge.Bridge) *Standalone {
	return &Standalone{Base: newBase(reg, br)}
}

func (s *Standalone) Mode() string { return "standalone" }

func (s *Standalone) GetStatus() (*Snapshot, error) {
	return s.snapshot(s.Mode()), nil
}

func (s *Standalone) HasPowerControl() bool { return false }

func (s *Standalone) PowerUp() error {
	return errs.New(errs.CodeNotSupported, "power control is not available in standalone mode")
}

func (s *Standalone) PowerDown() error {
	return errs.New(errs.CodeNotSupported, "power control is not available in standalone mode")
}

// GasTown reports town-wide agent state. The town daemon owns power, so
// power ops are not supported here either.
type GasTown struct {
	Base
}

// NewGasTown creates the gastown provider.
func NewGasTown(reg *mcp.Registry, br *bridge.Bridge) *GasTown {
	return &GasTown{Base: newBase(reg, br)}
}

func (g *GasTown) Mode() string { return "gastown" }

func (g *GasTown) GetStatus() (*Snapshot, error) {
	return g.snapshot(g.Mode()), nil
}

func (g *GasTown) HasPowerControl() bool { return false }

func (g *GasTown) PowerUp() error {
	return errs.New(errs.CodeNotSupported, "power is managed by the town daemon")
}

func (g *GasTown) PowerDown() error {
	return errs.New(errs.CodeNotSupported, "power is managed by the town daemon")
}

// Swarm supports power control through an external controller hook.
type Swarm struct {
	Base
	// Up and Down run the swarm controller; nil means unsupported.
	Up   func() error
	Down func() error

	powered bool
}

// NewSwarm creates the swarm provider with optional power hooks.
func NewSwarm(reg *mcp.Registry, br *bridge.Bridge, up, down func() error) *Swarm {
	return &Swarm{Base: newBase(reg, br), Up: up, Down: down, powered: true}
}

func (s *Swarm) Mode() string { return "swarm" }

func (s *Swarm) GetStatus() (*Snapshot, error) {
	snap := s.snapshot(s.Mode())
	snap.Running = s.powered
	return snap, nil
}

func (s *Swarm) HasPowerControl() bool { return s.Up != nil && s.Down != nil }

func (s *Swarm) PowerUp() error {
	if s.Up == nil {
		return errs.New(errs.CodeNotSupported, "no swarm controller configured")
	}
	if s.powered {
		return errs.New(errs.CodeAlreadyRunning, "swarm is already up")
	}
	if err := s.Up(); err != nil {
		return errs.Wrap(errs.CodeSubprocess, err)
	}
	s.powered = true
	return nil
}

func (s *Swarm) PowerDown() error {
	if s.Down == nil {
		return errs.New(errs.CodeNotSupported, "no swarm controller configured")
	}
	if !s.powered {
		return errs.New(errs.CodeAlreadyStopped, "swarm is already down")
	}
	if err := s.Down(); err != nil {
		return errs.Wrap(errs.CodeSubprocess, err)
	}
	s.powered = false
	return nil
}
