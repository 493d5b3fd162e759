package engine

import (
	"context"
	"time"

	"github.com/flitsinc/agenthub/internal/eventbus"
	"github.com/flitsinc/agenthub/internal/idgen"
)

// InputResult is the outcome of an input round-trip. Cancelled is set when
// the interactive layer declined or the request timed out.
type InputResult struct {
	Answer    string
	Cancelled bool
}

// roundTrip subscribes for the response first, then publishes the request,
// so a subscriber answering synchronously inside its handler cannot be
// missed. It reports false when no matching response arrives in time.
func (a *Agent) roundTrip(ctx context.Context, reqType, respType eventbus.Type, requestID string, payload eventbus.Payload) (eventbus.Event, bool) {
	ch := make(chan eventbus.Event, 1)
	subID, err := a.bus.Subscribe([]eventbus.Type{respType}, func(_ context.Context, evt eventbus.Event) error {
		if evt.Payload.RequestID != requestID {
			return nil
		}
		select {
		case ch <- evt:
		default:
		}
		return nil
	}, &eventbus.SubscriptionConfig{SessionID: a.sessionID})
	if err != nil {
		return eventbus.Event{}, false
	}
	defer a.bus.Unsubscribe(subID)

	payload.RequestID = requestID
	a.emit(ctx, reqType, payload)

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()
	select {
	case evt := <-ch:
		return evt, true
	case <-timer.C:
		return eventbus.Event{}, false
	case <-ctx.Done():
		return eventbus.Event{}, false
	}
}

// requestApproval asks interactive layers whether the tool call may run. On
// timeout the decision defaults to reject; acceptance is never assumed.
func (a *Agent) requestApproval(ctx context.Context, step int, call ToolCall) bool {
	requestID := idgen.Request("appr")
	evt, ok := a.roundTrip(ctx, eventbus.TypeApprovalRequest, eventbus.TypeApprovalResponse, requestID, eventbus.Payload{
		Step:      step,
		CallID:    call.ID,
		ToolName:  call.Name,
		Arguments: call.Arguments,
	})
	if !ok {
		a.emit(ctx, eventbus.TypeApprovalTimeout, eventbus.Payload{
			RequestID: requestID,
			Step:      step,
			CallID:    call.ID,
			ToolName:  call.Name,
			TimedOut:  true,
			Decision:  "reject",
		})
		return false
	}
	return evt.Payload.Decision == "approve"
}

// RequestInput asks interactive layers for free-form input. On timeout the
// result is cancelled rather than fabricated.
func (a *Agent) RequestInput(ctx context.Context, prompt string) InputResult {
	requestID := idgen.Request("input")
	step := a.Step()
	evt, ok := a.roundTrip(ctx, eventbus.TypeInputRequest, eventbus.TypeInputResponse, requestID, eventbus.Payload{
		Step:    step,
		Content: prompt,
	})
	if !ok {
		a.emit(ctx, eventbus.TypeInputTimeout, eventbus.Payload{
			RequestID: requestID,
			Step:      step,
			TimedOut:  true,
			Cancelled: true,
		})
		return InputResult{Cancelled: true}
	}
	if evt.Payload.Cancelled {
		return InputResult{Cancelled: true}
	}
	return InputResult{Answer: evt.Payload.Answer}
}

// RequestModeChange negotiates a new execution mode with interactive layers.
// An approved change applies at the next step boundary, never mid-step.
func (a *Agent) RequestModeChange(ctx context.Context, mode Mode) (bool, error) {
	parsed, err := ParseMode(string(mode))
	if err != nil {
		return false, err
	}
	requestID := idgen.Request("mode")
	evt, ok := a.roundTrip(ctx, eventbus.TypeModeChangeRequest, eventbus.TypeModeChangeResponse, requestID, eventbus.Payload{
		Mode: string(parsed),
	})
	if !ok || evt.Payload.Decision != "approve" {
		return false, nil
	}
	a.mu.Lock()
	if a.status == StatusRunning {
		a.pendingMode = parsed
	} else {
		a.mode = parsed
	}
	a.mu.Unlock()
	return true, nil
}
