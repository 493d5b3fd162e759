package eventbus

import (
	"context"
	"time"
)

// Source identifies which part of the system published an event.
type Source string

const (
	SourceUser           Source = "user"
	SourceAgent          Source = "agent"
	SourceSystem         Source = "system"
	SourceInteractionHub Source = "interaction_hub"
	SourceErrorHandler   Source = "error_handler"
	SourceCLIClient      Source = "cli_client"
)

// Type discriminates events. Each type populates a known subset of Payload.
type Type string

const (
	TypeUserMessage        Type = "user_message"
	TypeAgentStatusChanged Type = "agent_status_changed"
	TypeStepStarted        Type = "step_started"
	TypeStepCompleted      Type = "step_completed"
	TypeToolCallStarted    Type = "tool_call_started"
	TypeToolCallCompleted  Type = "tool_call_completed"
	TypeApprovalRequest    Type = "approval_request"
	TypeApprovalResponse   Type = "approval_response"
	TypeApprovalTimeout    Type = "approval_timeout"
	TypeInputRequest       Type = "input_request"
	TypeInputResponse      Type = "input_response"
	TypeInputTimeout       Type = "input_timeout"
	TypeModeChangeRequest  Type = "execution_mode_change_request"
	TypeModeChangeResponse Type = "execution_mode_change_response"
	TypeStopRequested      Type = "stop_requested"
	TypeErrorOccurred      Type = "error_occurred"
)

// Payload carries the data for every event type in one flat struct. Only the
// fields relevant to an event's Type are populated; the rest stay at their
// zero values.
type Payload struct {
	Content   string         `json:"content,omitempty"`
	Step      int            `json:"step,omitempty"`
	Status    string         `json:"status,omitempty"`
	Mode      string         `json:"mode,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Decision  string         `json:"decision,omitempty"`
	Answer    string         `json:"answer,omitempty"`
	Cancelled bool           `json:"cancelled,omitempty"`
	TimedOut  bool           `json:"timed_out,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Event is an immutable record flowing through the bus. ID and Timestamp are
// assigned by the bus at publish time; publishers cannot supply them.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Source    Source    `json:"source"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// EventInput is what publishers hand to Publish. It deliberately has no ID or
// timestamp fields.
type EventInput struct {
	Type      Type
	Source    Source
	SessionID string
	Payload   Payload
}

// Handler is a subscription callback. A returned error is recorded against
// the event's history entry and never propagated to the publisher.
type Handler func(ctx context.Context, evt Event) error

// Filter selects events. All set fields are AND-combined; a zero field
// matches everything.
type Filter struct {
	Types     []Type
	Sources   []Source
	SessionID string
	Since     time.Time
	Until     time.Time
}

// Matches reports whether evt passes the filter. A nil filter matches all.
func (f *Filter) Matches(evt Event) bool {
	if f == nil {
		return true
	}
	if len(f.Types) > 0 && !containsType(f.Types, evt.Type) {
		return false
	}
	if len(f.Sources) > 0 && !containsSource(f.Sources, evt.Source) {
		return false
	}
	if f.SessionID != "" && f.SessionID != evt.SessionID {
		return false
	}
	if !f.Since.IsZero() && evt.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && evt.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// SubscriptionConfig holds the optional constraints beyond the mandatory
// event-type match.
type SubscriptionConfig struct {
	Sources   []Source
	SessionID string
	Since     time.Time
	Until     time.Time

	// Persistent subscriptions ignore MaxEvents.
	Persistent bool
	// MaxEvents > 0 removes the subscription after that many deliveries.
	MaxEvents int
}

// HistoryEntry wraps a published event with processing diagnostics. Entries
// are immutable except for Processed and Errors.
type HistoryEntry struct {
	Event     Event    `json:"event"`
	Processed bool     `json:"processed"`
	Errors    []string `json:"errors,omitempty"`
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	EventsPublished     int64         `json:"events_published"`
	TotalSubscriptions  int64         `json:"total_subscriptions"`
	ActiveSubscriptions int           `json:"active_subscriptions"`
	ActiveSessions      int           `json:"active_sessions"`
	HistorySize         int           `json:"history_size"`
	AvgProcessingTime   time.Duration `json:"avg_processing_time"`
	ErrorRatePercent    float64       `json:"error_rate_percent"`
}

func containsType(list []Type, t Type) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsSource(list []Source, s Source) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
