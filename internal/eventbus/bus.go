package eventbus

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/flitsinc/agenthub/internal/idgen"
)

const (
	// DefaultMaxHistorySize bounds the in-memory event history.
	DefaultMaxHistorySize = 1000

	// processingWindow is how many recent publishes feed the average
	// processing time statistic.
	processingWindow = 100
)

// Config tunes a Bus. Zero values fall back to defaults.
type Config struct {
	MaxHistorySize int
}

// Bus is the single delivery mechanism for cross-component events: it stamps
// identity, keeps a bounded most-recent-N history, fans out to filtered
// subscriptions, and isolates handler failures. All mutable state is owned by
// the bus and guarded by one mutex.
type Bus struct {
	maxHistory int

	mu       sync.Mutex
	running  bool
	subs     map[string]*subscription
	history  []HistoryEntry
	sessions map[string]time.Time

	published  int64
	totalSubs  int64
	errorCount int64
	durations  []time.Duration
	lastStamp  time.Time
}

type subscription struct {
	id        string
	types     map[Type]struct{}
	cfg       SubscriptionConfig
	handler   Handler
	delivered int
	createdAt time.Time
}

func (s *subscription) matches(evt Event) bool {
	if _, ok := s.types[evt.Type]; !ok {
		return false
	}
	if len(s.cfg.Sources) > 0 && !containsSource(s.cfg.Sources, evt.Source) {
		return false
	}
	if s.cfg.SessionID != "" && s.cfg.SessionID != evt.SessionID {
		return false
	}
	if !s.cfg.Since.IsZero() && evt.Timestamp.Before(s.cfg.Since) {
		return false
	}
	if !s.cfg.Until.IsZero() && evt.Timestamp.After(s.cfg.Until) {
		return false
	}
	return true
}

func NewBus(cfg Config) *Bus {
	maxHistory := cfg.MaxHistorySize
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistorySize
	}
	return &Bus{
		maxHistory: maxHistory,
		subs:       map[string]*subscription{},
		sessions:   map[string]time.Time{},
	}
}

// Start makes the bus accept publishes and subscriptions. Idempotent.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = true
}

// Stop rejects further publishes and subscriptions, removes all
// subscriptions, and clears open sessions. History stays queryable.
// Idempotent.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	b.subs = map[string]*subscription{}
	b.sessions = map[string]time.Time{}
}

// Running reports whether the bus accepts publishes.
func (b *Bus) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Publish stamps the event with a bus-assigned id and timestamp, appends it
// to history, and delivers it to every matching subscription concurrently.
// It returns once all matching handlers have settled. Handler errors are
// recorded against the history entry and never fail the publish.
func (b *Bus) Publish(ctx context.Context, input EventInput) (Event, error) {
	if input.Type == "" {
		return Event{}, ValidationError{Msg: "event type is required"}
	}
	if input.Source == "" {
		return Event{}, ValidationError{Msg: "event source is required"}
	}

	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return Event{}, ErrNotRunning
	}

	evt := Event{
		ID:        ulid.Make().String(),
		Type:      input.Type,
		Source:    input.Source,
		SessionID: input.SessionID,
		Timestamp: b.nextTimestampLocked(),
		Payload:   input.Payload,
	}
	b.appendHistoryLocked(HistoryEntry{Event: evt})
	b.published++

	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if !sub.matches(evt) {
			continue
		}
		sub.delivered++
		targets = append(targets, sub)
		if !sub.cfg.Persistent && sub.cfg.MaxEvents > 0 && sub.delivered >= sub.cfg.MaxEvents {
			delete(b.subs, sub.id)
		}
	}
	b.mu.Unlock()

	start := time.Now()
	var (
		wg      sync.WaitGroup
		errMu   sync.Mutex
		errMsgs []string
	)
	for _, sub := range targets {
		wg.Add(1)
		go func(sub *subscription) {
			defer wg.Done()
			if err := sub.handler(ctx, evt); err != nil {
				log.Printf("eventbus: handler %s failed for event %s (%s): %v", sub.id, evt.ID, evt.Type, err)
				errMu.Lock()
				errMsgs = append(errMsgs, "subscription "+sub.id+": "+err.Error())
				errMu.Unlock()
			}
		}(sub)
	}
	wg.Wait()

	b.recordProcessed(evt.ID, time.Since(start), errMsgs)
	return evt, nil
}

// Subscribe registers a handler for the given event types. Type match is
// mandatory; cfg adds further constraints. Returns the subscription id.
func (b *Bus) Subscribe(types []Type, handler Handler, cfg *SubscriptionConfig) (string, error) {
	if len(types) == 0 {
		return "", ValidationError{Msg: "at least one event type is required"}
	}
	if handler == nil {
		return "", ValidationError{Msg: "handler is required"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return "", ErrNotRunning
	}

	typeSet := make(map[Type]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}
	sub := &subscription{
		id:        idgen.New(),
		types:     typeSet,
		handler:   handler,
		createdAt: time.Now().UTC(),
	}
	if cfg != nil {
		sub.cfg = *cfg
	}
	b.subs[sub.id] = sub
	b.totalSubs++
	return sub.id, nil
}

// Unsubscribe removes a subscription and reports whether it existed. Removal
// takes effect for publishes after the call returns; a publish already in
// flight may still reach the handler.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[id]
	delete(b.subs, id)
	return ok
}

// History returns up to limit of the most recent matching entries, newest
// first. A limit <= 0 defaults to 100.
func (b *Bus) History(filter *Filter, limit int) []HistoryEntry {
	if limit <= 0 {
		limit = 100
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]HistoryEntry, 0, limit)
	for i := len(b.history) - 1; i >= 0 && len(out) < limit; i-- {
		entry := b.history[i]
		if !filter.Matches(entry.Event) {
			continue
		}
		entry.Errors = append([]string(nil), entry.Errors...)
		out = append(out, entry)
	}
	return out
}

// ClearHistory removes matching entries (all, when filter is nil) and
// returns the number removed.
func (b *Bus) ClearHistory(filter *Filter) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if filter == nil {
		removed := len(b.history)
		b.history = nil
		return removed
	}
	kept := b.history[:0]
	removed := 0
	for _, entry := range b.history {
		if filter.Matches(entry.Event) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	b.history = kept
	return removed
}

// CreateSession registers a new open session and returns its id.
func (b *Bus) CreateSession() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := idgen.New()
	b.sessions[id] = time.Now().UTC()
	return id
}

// CloseSession removes the session and purges its history entries, returning
// how many entries were removed.
func (b *Bus) CloseSession(id string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[id]; !ok {
		return 0, NotFoundError{Kind: "session", ID: id}
	}
	delete(b.sessions, id)

	kept := b.history[:0]
	removed := 0
	for _, entry := range b.history {
		if entry.Event.SessionID == id {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	b.history = kept
	return removed, nil
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var avg time.Duration
	if len(b.durations) > 0 {
		var total time.Duration
		for _, d := range b.durations {
			total += d
		}
		avg = total / time.Duration(len(b.durations))
	}
	var errorRate float64
	if b.published > 0 {
		errorRate = float64(b.errorCount) / float64(b.published) * 100
	}
	return Stats{
		EventsPublished:     b.published,
		TotalSubscriptions:  b.totalSubs,
		ActiveSubscriptions: len(b.subs),
		ActiveSessions:      len(b.sessions),
		HistorySize:         len(b.history),
		AvgProcessingTime:   avg,
		ErrorRatePercent:    errorRate,
	}
}

// nextTimestampLocked returns a strictly increasing UTC timestamp so history
// order and timestamp order never disagree.
func (b *Bus) nextTimestampLocked() time.Time {
	now := time.Now().UTC()
	if !now.After(b.lastStamp) {
		now = b.lastStamp.Add(time.Nanosecond)
	}
	b.lastStamp = now
	return now
}

// appendHistoryLocked appends the entry and drops the oldest entries so the
// buffer always holds the most recent maxHistory events.
func (b *Bus) appendHistoryLocked(entry HistoryEntry) {
	b.history = append(b.history, entry)
	if over := len(b.history) - b.maxHistory; over > 0 {
		b.history = append(b.history[:0], b.history[over:]...)
	}
}

func (b *Bus) recordProcessed(eventID string, took time.Duration, errMsgs []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.durations = append(b.durations, took)
	if over := len(b.durations) - processingWindow; over > 0 {
		b.durations = append(b.durations[:0], b.durations[over:]...)
	}
	b.errorCount += int64(len(errMsgs))

	// The entry may already be evicted or cleared; that is fine.
	for i := len(b.history) - 1; i >= 0; i-- {
		if b.history[i].Event.ID == eventID {
			b.history[i].Processed = true
			b.history[i].Errors = append(b.history[i].Errors, errMsgs...)
			return
		}
	}
}
