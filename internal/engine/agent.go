// Package engine runs the agent step loop on top of the event bus: it owns
// the execution state machine, the cooperative stop flag, execution modes,
// and the approval/input round-trips interactive layers answer over the bus.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flitsinc/agenthub/internal/eventbus"
	"github.com/flitsinc/agenthub/internal/history"
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusStopping     Status = "stopping"
	StatusError        Status = "error"
)

// Mode gates whether tool calls need a round-trip approval before execution:
// auto never asks, supervised asks for side-effecting tools, manual asks for
// every tool.
type Mode string

const (
	ModeAuto       Mode = "auto"
	ModeManual     Mode = "manual"
	ModeSupervised Mode = "supervised"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAuto, ModeManual, ModeSupervised:
		return Mode(s), nil
	}
	return "", ValidationError{Msg: fmt.Sprintf("invalid execution mode %q", s)}
}

var legalTransitions = map[Status][]Status{
	StatusIdle:         {StatusInitializing},
	StatusInitializing: {StatusRunning, StatusError, StatusStopping},
	StatusRunning:      {StatusStopping, StatusError},
	StatusStopping:     {StatusIdle},
	StatusError:        {StatusIdle},
}

const (
	DefaultMaxSteps       = 20
	DefaultRequestTimeout = 60 * time.Second
)

// Config wires an Agent. Zero values fall back to defaults.
type Config struct {
	SessionID string
	Mode      Mode
	MaxSteps  int
	// RequestTimeout bounds approval/input/mode-change round-trips.
	RequestTimeout time.Duration
	Tools          ToolRunner
	ToolDefs       []ToolDef
}

// Agent is the execution state machine. All mutable fields are guarded by mu;
// the step loop itself runs on the caller's goroutine.
type Agent struct {
	bus       *eventbus.Bus
	history   *history.Manager
	provider  Provider
	tools     ToolRunner
	toolDefs  []ToolDef
	sessionID string
	maxSteps  int
	timeout   time.Duration

	mu            sync.Mutex
	status        Status
	mode          Mode
	pendingMode   Mode
	step          int
	stopRequested bool
	stopReason    string
}

func New(bus *eventbus.Bus, hist *history.Manager, provider Provider, cfg Config) (*Agent, error) {
	if bus == nil {
		return nil, ValidationError{Msg: "event bus is required"}
	}
	if hist == nil {
		return nil, ValidationError{Msg: "history manager is required"}
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeAuto
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Agent{
		bus:       bus,
		history:   hist,
		provider:  provider,
		tools:     cfg.Tools,
		toolDefs:  cfg.ToolDefs,
		sessionID: cfg.SessionID,
		maxSteps:  maxSteps,
		timeout:   timeout,
		status:    StatusIdle,
		mode:      mode,
	}, nil
}

func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Agent) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func (a *Agent) SessionID() string { return a.sessionID }

// Step returns the index of the next reasoning step.
func (a *Agent) Step() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.step
}

// Setup moves the agent from idle to initializing. Context and tool
// registration happen in the collaborators; here only the transition and its
// event matter.
func (a *Agent) Setup(ctx context.Context) error {
	if err := a.setStatus(ctx, StatusInitializing, ""); err != nil {
		return err
	}
	return nil
}

// Stop requests a cooperative stop. The flag is checked at step boundaries;
// an in-flight provider call is never interrupted.
func (a *Agent) Stop(ctx context.Context) {
	a.mu.Lock()
	switch a.status {
	case StatusRunning, StatusInitializing:
		a.stopRequested = true
		a.stopReason = "stop requested"
	default:
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	a.emit(ctx, eventbus.TypeStopRequested, eventbus.Payload{Reason: "stop requested"})
}

// Reset returns the agent to idle after an error (or from idle, as a no-op)
// so it can be restarted.
func (a *Agent) Reset(ctx context.Context) error {
	a.mu.Lock()
	if a.status == StatusIdle {
		a.mu.Unlock()
		return nil
	}
	if a.status != StatusError {
		status := a.status
		a.mu.Unlock()
		return fmt.Errorf("cannot reset agent while %s", status)
	}
	a.status = StatusIdle
	a.stopRequested = false
	a.stopReason = ""
	a.mu.Unlock()
	a.emit(ctx, eventbus.TypeAgentStatusChanged, eventbus.Payload{Status: string(StatusIdle)})
	return nil
}

// setStatus performs a checked transition and publishes the status event.
func (a *Agent) setStatus(ctx context.Context, to Status, reason string) error {
	a.mu.Lock()
	from := a.status
	if !transitionAllowed(from, to) {
		a.mu.Unlock()
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	a.status = to
	a.mu.Unlock()
	a.emit(ctx, eventbus.TypeAgentStatusChanged, eventbus.Payload{Status: string(to), Reason: reason})
	return nil
}

func transitionAllowed(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// emit publishes on behalf of the agent. Bus failures here are best-effort:
// a stopped bus must not break the step loop.
func (a *Agent) emit(ctx context.Context, t eventbus.Type, p eventbus.Payload) {
	_, _ = a.bus.Publish(ctx, eventbus.EventInput{
		Type:      t,
		Source:    eventbus.SourceAgent,
		SessionID: a.sessionID,
		Payload:   p,
	})
}
