// Package history keeps the step-tagged conversation log and decides which
// messages enter the next prompt: each message type has its own retention
// window measured in steps, and individual messages can be excluded for good
// when the reasoning loop recognizes them as noise.
package history

import (
	"sort"
	"sync"
	"time"

	"github.com/flitsinc/agenthub/internal/idgen"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

type MessageType string

const (
	TypeMessage     MessageType = "message"
	TypeToolCall    MessageType = "tool-call"
	TypeError       MessageType = "error"
	TypeThinking    MessageType = "thinking"
	TypeAnalysis    MessageType = "analysis"
	TypePlan        MessageType = "plan"
	TypeReasoning   MessageType = "reasoning"
	TypeInteractive MessageType = "interactive"
	TypeResponse    MessageType = "response"
	TypeStopSignal  MessageType = "stop-signal"
)

// Message is one conversation entry. A message belongs to exactly one step
// and one type; once appended it is immutable apart from exclusion.
type Message struct {
	ID        string      `json:"id"`
	Role      Role        `json:"role"`
	Type      MessageType `json:"type"`
	Step      int         `json:"step"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// DefaultKeepSteps is the retention window for message types with no
// configured entry.
const DefaultKeepSteps = 5

// Config maps message types to how many most-recent steps each stays visible
// for. Retention is per-type because tool-call noise and error traces go
// stale far sooner than the dialogue itself.
type Config struct {
	KeepSteps        map[MessageType]int `json:"keep_steps"`
	DefaultKeepSteps int                 `json:"default_keep_steps"`
}

// DefaultConfig keeps the dialogue for a long window and the noisy types for
// a short one.
func DefaultConfig() Config {
	return Config{
		KeepSteps: map[MessageType]int{
			TypeMessage:     50,
			TypeResponse:    50,
			TypeInteractive: 20,
			TypePlan:        10,
			TypeAnalysis:    10,
			TypeReasoning:   5,
			TypeThinking:    3,
			TypeToolCall:    3,
			TypeError:       3,
			TypeStopSignal:  1,
		},
		DefaultKeepSteps: DefaultKeepSteps,
	}
}

// Manager owns the message list and exclusion set; both are mutated only
// through its methods.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	messages []Message
	excluded map[string]struct{}
}

func NewManager(cfg Config) *Manager {
	if cfg.KeepSteps == nil {
		cfg.KeepSteps = map[MessageType]int{}
	}
	if cfg.DefaultKeepSteps <= 0 {
		cfg.DefaultKeepSteps = DefaultKeepSteps
	}
	return &Manager{cfg: cfg, excluded: map[string]struct{}{}}
}

// Add stamps identity and timestamp onto the partial message and appends it.
func (m *Manager) Add(msg Message) (Message, error) {
	if msg.Step < 0 {
		return Message{}, ValidationError{Msg: "step must not be negative"}
	}
	if msg.Type == "" {
		return Message{}, ValidationError{Msg: "message type is required"}
	}
	msg.ID = idgen.New()
	msg.Timestamp = time.Now().UTC()

	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
	return msg, nil
}

// AddComplete appends a message that already carries identity and timestamp,
// without restamping it. Used when rehydrating from external storage.
func (m *Manager) AddComplete(msg Message) error {
	if msg.ID == "" {
		return ValidationError{Msg: "message id is required"}
	}
	if msg.Step < 0 {
		return ValidationError{Msg: "step must not be negative"}
	}
	if msg.Type == "" {
		return ValidationError{Msg: "message type is required"}
	}
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
	return nil
}

// SetConfig overlays the given retention entries onto the current config.
// Types absent from cfg.KeepSteps are left untouched.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, keep := range cfg.KeepSteps {
		if keep < 0 {
			continue
		}
		m.cfg.KeepSteps[t] = keep
	}
	if cfg.DefaultKeepSteps > 0 {
		m.cfg.DefaultKeepSteps = cfg.DefaultKeepSteps
	}
}

// Config returns a copy of the current retention policy.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	keep := make(map[MessageType]int, len(m.cfg.KeepSteps))
	for t, v := range m.cfg.KeepSteps {
		keep[t] = v
	}
	return Config{KeepSteps: keep, DefaultKeepSteps: m.cfg.DefaultKeepSteps}
}

// UpdateTypeConfig changes the retention window for exactly one message type.
func (m *Manager) UpdateTypeConfig(t MessageType, keepSteps int) error {
	if t == "" {
		return ValidationError{Msg: "message type is required"}
	}
	if keepSteps < 0 {
		return ValidationError{Msg: "keep steps must not be negative"}
	}
	m.mu.Lock()
	m.cfg.KeepSteps[t] = keepSteps
	m.mu.Unlock()
	return nil
}

// Exclude marks the message as permanently hidden from all future filtered
// views. Exclusion is irreversible and independent of retention.
func (m *Manager) Exclude(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.excludeLocked(id)
}

// ExcludeBatch excludes several messages at once. An empty set is rejected;
// an unknown id aborts with a NotFoundError naming it. The batch is atomic:
// nothing is excluded unless every id resolves.
func (m *Manager) ExcludeBatch(ids []string) error {
	if len(ids) == 0 {
		return ValidationError{Msg: "at least one message id is required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if !m.hasMessageLocked(id) {
			return NotFoundError{ID: id}
		}
	}
	for _, id := range ids {
		m.excluded[id] = struct{}{}
	}
	return nil
}

func (m *Manager) excludeLocked(id string) error {
	if !m.hasMessageLocked(id) {
		return NotFoundError{ID: id}
	}
	m.excluded[id] = struct{}{}
	return nil
}

func (m *Manager) hasMessageLocked(id string) bool {
	for _, msg := range m.messages {
		if msg.ID == id {
			return true
		}
	}
	return false
}

// Messages returns the full unfiltered list, for persistence and inspection.
func (m *Manager) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// ExcludedIDs returns the ids of excluded messages, for persistence.
func (m *Manager) ExcludedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.excluded))
	for id := range m.excluded {
		out = append(out, id)
	}
	return out
}

// Filtered returns the messages visible at currentStep: not excluded and
// younger than their type's retention window. Order is step, then insertion.
func (m *Manager) Filtered(currentStep int) ([]Message, error) {
	if currentStep < 0 {
		return nil, ValidationError{Msg: "current step must not be negative"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Message
	for _, msg := range m.messages {
		if _, gone := m.excluded[msg.ID]; gone {
			continue
		}
		if currentStep-msg.Step >= m.keepForLocked(msg.Type) {
			continue
		}
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

// Clear resets the log and exclusion set. Used on session reset.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.messages = nil
	m.excluded = map[string]struct{}{}
	m.mu.Unlock()
}

func (m *Manager) keepForLocked(t MessageType) int {
	if keep, ok := m.cfg.KeepSteps[t]; ok {
		return keep
	}
	return m.cfg.DefaultKeepSteps
}
