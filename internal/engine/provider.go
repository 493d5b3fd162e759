package engine

import (
	"context"
	"time"
)

// ToolDef describes a tool offered to the provider. SideEffects marks tools
// whose execution needs approval in supervised mode.
type ToolDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SideEffects bool   `json:"side_effects"`
}

// ToolCall is a provider-requested tool invocation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// StepResult is what one provider call produces. Stop set means the model
// asked to end the loop; it is honored at the next step boundary.
type StepResult struct {
	Text      string
	ToolCalls []ToolCall
	Stop      bool
}

// Provider is the boundary to the LLM wrapper. The engine awaits it inside a
// step and does not care about its wire format.
type Provider interface {
	Generate(ctx context.Context, prompt string, tools []ToolDef) (StepResult, error)
}

type ToolStatus string

const (
	ToolStatusPending ToolStatus = "pending"
	ToolStatusSucceed ToolStatus = "succeed"
	ToolStatusFailed  ToolStatus = "failed"
)

// ToolResult is the shape tool execution results arrive in from the external
// tool client.
type ToolResult struct {
	Name          string        `json:"name"`
	CallID        string        `json:"call_id"`
	Status        ToolStatus    `json:"status"`
	Result        string        `json:"result,omitempty"`
	Message       string        `json:"message,omitempty"`
	ExecutionTime time.Duration `json:"execution_time,omitempty"`
}

// ToolRunner is the boundary to the external tool client.
type ToolRunner interface {
	Run(ctx context.Context, call ToolCall) (ToolResult, error)
}
