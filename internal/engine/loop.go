package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flitsinc/agenthub/internal/eventbus"
	"github.com/flitsinc/agenthub/internal/history"
)

// Run records the user input and drives the step loop until a stop signal,
// the step cap, or a step failure. The agent must have been set up first.
func (a *Agent) Run(ctx context.Context, userInput string) error {
	if strings.TrimSpace(userInput) == "" {
		return ValidationError{Msg: "user input is required"}
	}
	if err := a.setStatus(ctx, StatusRunning, ""); err != nil {
		return err
	}

	startStep := a.Step()
	if _, err := a.history.Add(history.Message{
		Role:    history.RoleUser,
		Type:    history.TypeMessage,
		Step:    startStep,
		Content: userInput,
	}); err != nil {
		a.fail(ctx, startStep, err)
		return err
	}
	a.emit(ctx, eventbus.TypeUserMessage, eventbus.Payload{Content: userInput, Step: startStep})

	for {
		a.mu.Lock()
		if a.pendingMode != "" {
			a.mode = a.pendingMode
			a.pendingMode = ""
		}
		step := a.step
		stopped := a.stopRequested || ctx.Err() != nil
		reason := a.stopReason
		a.mu.Unlock()

		if stopped {
			if reason == "" {
				reason = "context cancelled"
			}
			return a.finish(ctx, reason)
		}
		if step >= a.maxSteps {
			return a.finish(ctx, "max steps reached")
		}

		a.emit(ctx, eventbus.TypeStepStarted, eventbus.Payload{Step: step})
		if err := a.runStep(ctx, step); err != nil {
			a.fail(ctx, step, err)
			return fmt.Errorf("step %d: %w", step, err)
		}
		a.emit(ctx, eventbus.TypeStepCompleted, eventbus.Payload{Step: step})

		a.mu.Lock()
		a.step++
		a.mu.Unlock()
	}
}

func (a *Agent) runStep(ctx context.Context, step int) error {
	if a.provider == nil {
		return fmt.Errorf("no provider configured")
	}

	msgs, err := a.history.Filtered(step)
	if err != nil {
		return err
	}
	res, err := a.provider.Generate(ctx, buildPrompt(msgs), a.toolDefs)
	if err != nil {
		return err
	}

	if res.Text != "" {
		if _, err := a.history.Add(history.Message{
			Role:    history.RoleAgent,
			Type:    history.TypeResponse,
			Step:    step,
			Content: res.Text,
		}); err != nil {
			return err
		}
	}

	for _, call := range res.ToolCalls {
		a.runToolCall(ctx, step, call)
	}

	if res.Stop {
		_, _ = a.history.Add(history.Message{
			Role:    history.RoleAgent,
			Type:    history.TypeStopSignal,
			Step:    step,
			Content: "model requested stop",
		})
		a.mu.Lock()
		a.stopRequested = true
		a.stopReason = "model requested stop"
		a.mu.Unlock()
	}
	return nil
}

// runToolCall executes one provider-requested tool call, asking for approval
// first when the execution mode demands it. Tool failures are recorded, not
// escalated: only the surrounding step machinery can fail a step.
func (a *Agent) runToolCall(ctx context.Context, step int, call ToolCall) {
	a.mu.Lock()
	mode := a.mode
	a.mu.Unlock()

	def := a.toolDef(call.Name)
	needsApproval := mode == ModeManual || (mode == ModeSupervised && def.SideEffects)
	if needsApproval && !a.requestApproval(ctx, step, call) {
		result := ToolResult{
			Name:    call.Name,
			CallID:  call.ID,
			Status:  ToolStatusFailed,
			Message: "approval denied",
		}
		a.recordToolResult(ctx, step, result)
		return
	}

	a.emit(ctx, eventbus.TypeToolCallStarted, eventbus.Payload{
		Step:      step,
		CallID:    call.ID,
		ToolName:  call.Name,
		Arguments: call.Arguments,
	})

	started := time.Now()
	var result ToolResult
	if a.tools == nil {
		result = ToolResult{Name: call.Name, CallID: call.ID, Status: ToolStatusFailed, Message: "no tool runner configured"}
	} else {
		res, err := a.tools.Run(ctx, call)
		if err != nil {
			result = ToolResult{Name: call.Name, CallID: call.ID, Status: ToolStatusFailed, Message: err.Error()}
		} else {
			result = res
		}
	}
	if result.ExecutionTime == 0 {
		result.ExecutionTime = time.Since(started)
	}
	a.recordToolResult(ctx, step, result)
}

func (a *Agent) recordToolResult(ctx context.Context, step int, result ToolResult) {
	content := fmt.Sprintf("%s (%s)", result.Name, result.Status)
	if result.Result != "" {
		content += ": " + result.Result
	} else if result.Message != "" {
		content += ": " + result.Message
	}
	_, _ = a.history.Add(history.Message{
		Role:    history.RoleAgent,
		Type:    history.TypeToolCall,
		Step:    step,
		Content: content,
	})
	a.emit(ctx, eventbus.TypeToolCallCompleted, eventbus.Payload{
		Step:     step,
		CallID:   result.CallID,
		ToolName: result.Name,
		Status:   string(result.Status),
		Result:   result.Result,
		Error:    result.Message,
	})
}

func (a *Agent) toolDef(name string) ToolDef {
	for _, def := range a.toolDefs {
		if def.Name == name {
			return def
		}
	}
	// Unknown tools are treated as side-effecting so supervised mode never
	// lets them through silently.
	return ToolDef{Name: name, SideEffects: true}
}

// fail moves the agent to the error state and surfaces the failure as an
// error_occurred event plus an error message in the chat log.
func (a *Agent) fail(ctx context.Context, step int, err error) {
	a.mu.Lock()
	a.status = StatusError
	a.mu.Unlock()
	_, _ = a.history.Add(history.Message{
		Role:    history.RoleSystem,
		Type:    history.TypeError,
		Step:    step,
		Content: err.Error(),
	})
	a.emit(ctx, eventbus.TypeErrorOccurred, eventbus.Payload{Step: step, Error: err.Error()})
	a.emit(ctx, eventbus.TypeAgentStatusChanged, eventbus.Payload{Status: string(StatusError)})
}

// finish runs the stopping -> idle tail of the state machine.
func (a *Agent) finish(ctx context.Context, reason string) error {
	if err := a.setStatus(ctx, StatusStopping, reason); err != nil {
		return err
	}
	a.mu.Lock()
	a.stopRequested = false
	a.stopReason = ""
	a.mu.Unlock()
	return a.setStatus(ctx, StatusIdle, reason)
}

func buildPrompt(msgs []history.Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		fmt.Fprintf(&b, "%s [%s]: %s\n", msg.Role, msg.Type, msg.Content)
	}
	return b.String()
}
