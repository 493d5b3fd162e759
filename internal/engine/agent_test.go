package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flitsinc/agenthub/internal/eventbus"
	"github.com/flitsinc/agenthub/internal/history"
)

type scriptProvider struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	script  []StepResult
	err     error
}

func (p *scriptProvider) Generate(_ context.Context, prompt string, _ []ToolDef) (StepResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	if p.err != nil {
		return StepResult{}, p.err
	}
	i := p.calls
	p.calls++
	if i < len(p.script) {
		return p.script[i], nil
	}
	return StepResult{Stop: true}, nil
}

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptProvider) lastPrompt() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.prompts) == 0 {
		return ""
	}
	return p.prompts[len(p.prompts)-1]
}

type recordingRunner struct {
	mu    sync.Mutex
	calls []ToolCall
}

func (r *recordingRunner) Run(_ context.Context, call ToolCall) (ToolResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
	return ToolResult{Name: call.Name, CallID: call.ID, Status: ToolStatusSucceed, Result: "ok"}, nil
}

func (r *recordingRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var testTools = []ToolDef{
	{Name: "write_file", SideEffects: true},
	{Name: "read_file", SideEffects: false},
}

func newTestAgent(t *testing.T, provider Provider, cfg Config) (*Agent, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.NewBus(eventbus.Config{})
	bus.Start()
	agent, err := New(bus, history.NewManager(history.DefaultConfig()), provider, cfg)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return agent, bus
}

// approveAll answers every approval request on the bus and counts them.
func approveAll(t *testing.T, bus *eventbus.Bus, sessionID, decision string) *int32 {
	t.Helper()
	var requests int32
	_, err := bus.Subscribe([]eventbus.Type{eventbus.TypeApprovalRequest}, func(ctx context.Context, evt eventbus.Event) error {
		atomic.AddInt32(&requests, 1)
		_, err := bus.Publish(ctx, eventbus.EventInput{
			Type:      eventbus.TypeApprovalResponse,
			Source:    eventbus.SourceInteractionHub,
			SessionID: sessionID,
			Payload:   eventbus.Payload{RequestID: evt.Payload.RequestID, Decision: decision},
		})
		return err
	}, nil)
	if err != nil {
		t.Fatalf("subscribe approver: %v", err)
	}
	return &requests
}

func TestRunRequiresSetup(t *testing.T) {
	agent, _ := newTestAgent(t, &scriptProvider{}, Config{})
	err := agent.Run(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "illegal transition") {
		t.Fatalf("expected illegal transition error, got %v", err)
	}

	ctx := context.Background()
	if err := agent.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := agent.Setup(ctx); err == nil {
		t.Fatalf("expected second setup to be rejected")
	}
}

func TestRunCompletesOnModelStop(t *testing.T) {
	provider := &scriptProvider{script: []StepResult{
		{Text: "thinking it over"},
		{Text: "done", Stop: true},
	}}
	agent, bus := newTestAgent(t, provider, Config{})
	ctx := context.Background()

	if err := agent.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := agent.Run(ctx, "do the thing"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if agent.Status() != StatusIdle {
		t.Fatalf("expected idle after stop, got %s", agent.Status())
	}
	if provider.callCount() != 2 {
		t.Fatalf("expected 2 provider calls, got %d", provider.callCount())
	}
	if !strings.Contains(provider.lastPrompt(), "do the thing") {
		t.Fatalf("prompt should contain the user message, got %q", provider.lastPrompt())
	}

	// stopping then idle visible on the bus.
	entries := bus.History(&eventbus.Filter{Types: []eventbus.Type{eventbus.TypeAgentStatusChanged}}, 0)
	if len(entries) == 0 || entries[0].Event.Payload.Status != string(StatusIdle) {
		t.Fatalf("expected final status event idle")
	}
}

func TestRunStopsAtMaxSteps(t *testing.T) {
	provider := &scriptProvider{script: []StepResult{
		{Text: "1"}, {Text: "2"}, {Text: "3"}, {Text: "4"}, {Text: "5"},
	}}
	agent, _ := newTestAgent(t, provider, Config{MaxSteps: 3})
	ctx := context.Background()

	if err := agent.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := agent.Run(ctx, "loop forever"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if provider.callCount() != 3 {
		t.Fatalf("expected 3 steps, got %d", provider.callCount())
	}
	if agent.Status() != StatusIdle {
		t.Fatalf("expected idle, got %s", agent.Status())
	}
}

func TestStopIsCooperative(t *testing.T) {
	provider := &scriptProvider{script: []StepResult{
		{Text: "1"}, {Text: "2"}, {Text: "3"}, {Text: "4"},
	}}
	agent, bus := newTestAgent(t, provider, Config{MaxSteps: 100})
	ctx := context.Background()

	// Stop after the first completed step; the loop must end at the next
	// boundary without running step two.
	if _, err := bus.Subscribe([]eventbus.Type{eventbus.TypeStepCompleted}, func(ctx context.Context, _ eventbus.Event) error {
		agent.Stop(ctx)
		return nil
	}, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := agent.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := agent.Run(ctx, "go"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if provider.callCount() != 1 {
		t.Fatalf("expected exactly one step before stop, got %d", provider.callCount())
	}
	if agent.Status() != StatusIdle {
		t.Fatalf("expected idle, got %s", agent.Status())
	}
}

func TestStepFailureSurfaces(t *testing.T) {
	provider := &scriptProvider{err: errors.New("provider exploded")}
	agent, bus := newTestAgent(t, provider, Config{})
	ctx := context.Background()

	if err := agent.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	err := agent.Run(ctx, "boom")
	if err == nil || !strings.Contains(err.Error(), "provider exploded") {
		t.Fatalf("expected surfaced step failure, got %v", err)
	}
	if agent.Status() != StatusError {
		t.Fatalf("expected error status, got %s", agent.Status())
	}

	entries := bus.History(&eventbus.Filter{Types: []eventbus.Type{eventbus.TypeErrorOccurred}}, 0)
	if len(entries) != 1 || !strings.Contains(entries[0].Event.Payload.Error, "provider exploded") {
		t.Fatalf("expected error_occurred event, got %v", entries)
	}

	if err := agent.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if agent.Status() != StatusIdle {
		t.Fatalf("expected idle after reset, got %s", agent.Status())
	}
}

func TestAutoModeNeverAsksForApproval(t *testing.T) {
	provider := &scriptProvider{script: []StepResult{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "write_file"}, {ID: "c2", Name: "read_file"}}, Stop: true},
	}}
	runner := &recordingRunner{}
	agent, bus := newTestAgent(t, provider, Config{Mode: ModeAuto, Tools: runner, ToolDefs: testTools})
	requests := approveAll(t, bus, "", "approve")
	ctx := context.Background()

	if err := agent.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := agent.Run(ctx, "write it"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := atomic.LoadInt32(requests); got != 0 {
		t.Fatalf("auto mode must not request approval, got %d requests", got)
	}
	if runner.callCount() != 2 {
		t.Fatalf("expected both tools executed, got %d", runner.callCount())
	}
}

func TestSupervisedModeAsksPerSideEffectingCall(t *testing.T) {
	provider := &scriptProvider{script: []StepResult{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "write_file"}, {ID: "c2", Name: "read_file"}}, Stop: true},
	}}
	runner := &recordingRunner{}
	agent, bus := newTestAgent(t, provider, Config{
		Mode:           ModeSupervised,
		Tools:          runner,
		ToolDefs:       testTools,
		RequestTimeout: 2 * time.Second,
	})
	requests := approveAll(t, bus, "", "approve")
	ctx := context.Background()

	if err := agent.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := agent.Run(ctx, "write it"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := atomic.LoadInt32(requests); got != 1 {
		t.Fatalf("expected exactly one approval request for the side-effecting call, got %d", got)
	}
	if runner.callCount() != 2 {
		t.Fatalf("expected both tools executed after approval, got %d", runner.callCount())
	}
}

func TestManualModeAsksForEveryCall(t *testing.T) {
	provider := &scriptProvider{script: []StepResult{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "write_file"}, {ID: "c2", Name: "read_file"}}, Stop: true},
	}}
	runner := &recordingRunner{}
	agent, bus := newTestAgent(t, provider, Config{
		Mode:           ModeManual,
		Tools:          runner,
		ToolDefs:       testTools,
		RequestTimeout: 2 * time.Second,
	})
	requests := approveAll(t, bus, "", "approve")
	ctx := context.Background()

	if err := agent.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := agent.Run(ctx, "write it"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := atomic.LoadInt32(requests); got != 2 {
		t.Fatalf("manual mode should ask for every call, got %d", got)
	}
}

func TestApprovalDenialSkipsExecution(t *testing.T) {
	provider := &scriptProvider{script: []StepResult{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "write_file"}}, Stop: true},
	}}
	runner := &recordingRunner{}
	agent, bus := newTestAgent(t, provider, Config{
		Mode:           ModeSupervised,
		Tools:          runner,
		ToolDefs:       testTools,
		RequestTimeout: 2 * time.Second,
	})
	approveAll(t, bus, "", "reject")
	ctx := context.Background()

	if err := agent.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := agent.Run(ctx, "write it"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if runner.callCount() != 0 {
		t.Fatalf("denied tool must not run, got %d executions", runner.callCount())
	}

	completed := bus.History(&eventbus.Filter{Types: []eventbus.Type{eventbus.TypeToolCallCompleted}}, 0)
	if len(completed) != 1 || completed[0].Event.Payload.Status != string(ToolStatusFailed) {
		t.Fatalf("expected failed tool_call_completed event, got %v", completed)
	}
}

func TestApprovalTimeoutDefaultsToReject(t *testing.T) {
	provider := &scriptProvider{script: []StepResult{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "write_file"}}, Stop: true},
	}}
	runner := &recordingRunner{}
	agent, bus := newTestAgent(t, provider, Config{
		Mode:           ModeSupervised,
		Tools:          runner,
		ToolDefs:       testTools,
		RequestTimeout: 100 * time.Millisecond,
	})
	ctx := context.Background()

	if err := agent.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	start := time.Now()
	if err := agent.Run(ctx, "write it"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("run returned before the approval deadline: %v", elapsed)
	}
	if runner.callCount() != 0 {
		t.Fatalf("timed-out approval must reject, got %d executions", runner.callCount())
	}

	timeouts := bus.History(&eventbus.Filter{Types: []eventbus.Type{eventbus.TypeApprovalTimeout}}, 0)
	if len(timeouts) != 1 {
		t.Fatalf("expected approval_timeout event in history, got %d", len(timeouts))
	}
	if timeouts[0].Event.Payload.Decision != "reject" || !timeouts[0].Event.Payload.TimedOut {
		t.Fatalf("timeout event should record the reject default, got %+v", timeouts[0].Event.Payload)
	}
}

func TestRequestInputTimeoutIsCancelled(t *testing.T) {
	agent, _ := newTestAgent(t, &scriptProvider{}, Config{RequestTimeout: 50 * time.Millisecond})
	res := agent.RequestInput(context.Background(), "which file?")
	if !res.Cancelled {
		t.Fatalf("expected cancelled input on timeout, got %+v", res)
	}
}

func TestRequestInputAnswered(t *testing.T) {
	agent, bus := newTestAgent(t, &scriptProvider{}, Config{RequestTimeout: 2 * time.Second})

	if _, err := bus.Subscribe([]eventbus.Type{eventbus.TypeInputRequest}, func(ctx context.Context, evt eventbus.Event) error {
		_, err := bus.Publish(ctx, eventbus.EventInput{
			Type:    eventbus.TypeInputResponse,
			Source:  eventbus.SourceCLIClient,
			Payload: eventbus.Payload{RequestID: evt.Payload.RequestID, Answer: "main.go"},
		})
		return err
	}, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	res := agent.RequestInput(context.Background(), "which file?")
	if res.Cancelled || res.Answer != "main.go" {
		t.Fatalf("expected answered input, got %+v", res)
	}
}

func TestModeChangeNegotiation(t *testing.T) {
	agent, bus := newTestAgent(t, &scriptProvider{}, Config{RequestTimeout: 2 * time.Second})
	ctx := context.Background()

	if _, err := bus.Subscribe([]eventbus.Type{eventbus.TypeModeChangeRequest}, func(ctx context.Context, evt eventbus.Event) error {
		decision := "approve"
		if evt.Payload.Mode == string(ModeManual) {
			decision = "reject"
		}
		_, err := bus.Publish(ctx, eventbus.EventInput{
			Type:    eventbus.TypeModeChangeResponse,
			Source:  eventbus.SourceInteractionHub,
			Payload: eventbus.Payload{RequestID: evt.Payload.RequestID, Decision: decision},
		})
		return err
	}, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	approved, err := agent.RequestModeChange(ctx, ModeSupervised)
	if err != nil {
		t.Fatalf("mode change: %v", err)
	}
	if !approved || agent.Mode() != ModeSupervised {
		t.Fatalf("expected approved supervised mode, got approved=%v mode=%s", approved, agent.Mode())
	}

	approved, err = agent.RequestModeChange(ctx, ModeManual)
	if err != nil {
		t.Fatalf("mode change: %v", err)
	}
	if approved || agent.Mode() != ModeSupervised {
		t.Fatalf("vetoed change must not apply, got approved=%v mode=%s", approved, agent.Mode())
	}

	if _, err := agent.RequestModeChange(ctx, Mode("turbo")); err == nil {
		t.Fatalf("expected validation error for unknown mode")
	}
}

func TestModeChangeAppliesAtStepBoundary(t *testing.T) {
	provider := &scriptProvider{script: []StepResult{
		{Text: "step one"},
		{ToolCalls: []ToolCall{{ID: "c1", Name: "write_file"}}, Stop: true},
	}}
	runner := &recordingRunner{}
	agent, bus := newTestAgent(t, provider, Config{
		Mode:           ModeAuto,
		Tools:          runner,
		ToolDefs:       testTools,
		RequestTimeout: 2 * time.Second,
	})
	requests := approveAll(t, bus, "", "approve")
	ctx := context.Background()

	// Flip to supervised while the first step is in flight; the tool call in
	// the second step must then require approval.
	if _, err := bus.Subscribe([]eventbus.Type{eventbus.TypeModeChangeRequest}, func(ctx context.Context, evt eventbus.Event) error {
		_, err := bus.Publish(ctx, eventbus.EventInput{
			Type:    eventbus.TypeModeChangeResponse,
			Source:  eventbus.SourceInteractionHub,
			Payload: eventbus.Payload{RequestID: evt.Payload.RequestID, Decision: "approve"},
		})
		return err
	}, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := bus.Subscribe([]eventbus.Type{eventbus.TypeStepStarted}, func(ctx context.Context, evt eventbus.Event) error {
		if evt.Payload.Step == 0 {
			if _, err := agent.RequestModeChange(ctx, ModeSupervised); err != nil {
				return err
			}
		}
		return nil
	}, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := agent.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := agent.Run(ctx, "go"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := atomic.LoadInt32(requests); got != 1 {
		t.Fatalf("expected the second step's tool call to need approval, got %d requests", got)
	}
	if agent.Mode() != ModeSupervised {
		t.Fatalf("expected supervised mode after boundary, got %s", agent.Mode())
	}
}
