package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flitsinc/agenthub/internal/engine"
	"github.com/flitsinc/agenthub/internal/eventbus"
	"github.com/flitsinc/agenthub/internal/history"
	"github.com/flitsinc/agenthub/internal/state"
)

// Server is the boundary interactive layers talk to: it exposes the event
// bus, the chat log, and the agent over HTTP, plus a websocket event feed.
type Server struct {
	Bus     *eventbus.Bus
	Agent   *engine.Agent
	History *history.Manager
	Store   *state.Store

	// sendMu and sending serialize send handling so two concurrent sends
	// cannot both observe an idle agent and race to start the run.
	sendMu  sync.Mutex
	sending bool
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/events/stats", s.handleEventStats)
	mux.HandleFunc("/api/events/ws", s.handleEventsWS)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionItem)
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/chat/filtered", s.handleChatFiltered)
	mux.HandleFunc("/api/chat/exclude", s.handleChatExclude)
	mux.HandleFunc("/api/chat/config", s.handleChatConfig)
	mux.HandleFunc("/api/agent", s.handleAgent)
	mux.HandleFunc("/api/agent/send", s.handleAgentSend)
	mux.HandleFunc("/api/agent/stop", s.handleAgentStop)
	mux.HandleFunc("/api/agent/mode", s.handleAgentMode)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter := filterFromQuery(r)
		limit := parseInt(r.URL.Query().Get("limit"), 100)
		writeJSON(w, http.StatusOK, s.Bus.History(filter, limit))
	case http.MethodPost:
		var payload struct {
			Type      string           `json:"type"`
			Source    string           `json:"source"`
			SessionID string           `json:"session_id"`
			Payload   eventbus.Payload `json:"payload"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		source := eventbus.Source(payload.Source)
		if source == "" {
			source = eventbus.SourceCLIClient
		}
		evt, err := s.Bus.Publish(r.Context(), eventbus.EventInput{
			Type:      eventbus.Type(payload.Type),
			Source:    source,
			SessionID: payload.SessionID,
			Payload:   payload.Payload,
		})
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, evt)
	case http.MethodDelete:
		filter := filterFromQuery(r)
		removed := s.Bus.ClearHistory(filter)
		writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.Bus.Stats())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	id := s.Bus.CreateSession()
	if s.Store != nil {
		if _, err := s.Store.CreateSession(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleSessionItem(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, errNotFound("session"))
		return
	}
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w)
		return
	}
	purged, err := s.Bus.CloseSession(id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	if s.Store != nil {
		_ = s.Store.CloseSession(r.Context(), id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": purged})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.History.Messages())
	case http.MethodDelete:
		s.History.Clear()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleChatFiltered(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	step := parseInt(r.URL.Query().Get("step"), -1)
	if step < 0 && s.Agent != nil {
		step = s.Agent.Step()
	}
	msgs, err := s.History.Filtered(step)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleChatExclude(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		IDs []string `json:"ids"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.History.ExcludeBatch(payload.IDs); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"excluded": len(payload.IDs)})
}

func (s *Server) handleChatConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.History.Config())
	case http.MethodPut:
		var cfg history.Config
		if err := decodeJSON(r.Body, &cfg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.History.SetConfig(cfg)
		writeJSON(w, http.StatusOK, s.History.Config())
	case http.MethodPost:
		var payload struct {
			Type      string `json:"type"`
			KeepSteps int    `json:"keep_steps"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.History.UpdateTypeConfig(history.MessageType(payload.Type), payload.KeepSteps); err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, s.History.Config())
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Agent == nil {
		writeError(w, http.StatusNotFound, errNotFound("agent"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  s.Agent.Status(),
		"mode":    s.Agent.Mode(),
		"step":    s.Agent.Step(),
		"session": s.Agent.SessionID(),
	})
}

// handleAgentSend sets the agent up if needed and starts a run in the
// background; the caller observes progress through the event feed.
func (s *Server) handleAgentSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.Agent == nil {
		writeError(w, http.StatusNotFound, errNotFound("agent"))
		return
	}
	var payload struct {
		Input string `json:"input"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.Input) == "" {
		writeError(w, http.StatusBadRequest, errors.New("input is required"))
		return
	}
	s.sendMu.Lock()
	if s.sending {
		s.sendMu.Unlock()
		writeError(w, http.StatusConflict, errors.New("agent is busy"))
		return
	}
	if s.Agent.Status() == engine.StatusIdle {
		if err := s.Agent.Setup(r.Context()); err != nil {
			s.sendMu.Unlock()
			writeError(w, http.StatusConflict, err)
			return
		}
	}
	if s.Agent.Status() != engine.StatusInitializing {
		s.sendMu.Unlock()
		writeError(w, http.StatusConflict, errors.New("agent is busy"))
		return
	}
	s.sending = true
	s.sendMu.Unlock()
	go func() {
		if err := s.Agent.Run(context.Background(), payload.Input); err != nil {
			log.Printf("agent run failed: %v", err)
		}
		s.sendMu.Lock()
		s.sending = false
		s.sendMu.Unlock()
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.Agent == nil {
		writeError(w, http.StatusNotFound, errNotFound("agent"))
		return
	}
	s.Agent.Stop(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleAgentMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.Agent == nil {
		writeError(w, http.StatusNotFound, errNotFound("agent"))
		return
	}
	var payload struct {
		Mode string `json:"mode"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	approved, err := s.Agent.RequestModeChange(r.Context(), engine.Mode(payload.Mode))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approved": approved, "mode": s.Agent.Mode()})
}

func filterFromQuery(r *http.Request) *eventbus.Filter {
	q := r.URL.Query()
	filter := &eventbus.Filter{SessionID: q.Get("session")}
	for _, t := range splitComma(q.Get("types")) {
		filter.Types = append(filter.Types, eventbus.Type(t))
	}
	for _, src := range splitComma(q.Get("sources")) {
		filter.Sources = append(filter.Sources, eventbus.Source(src))
	}
	if filter.SessionID == "" && len(filter.Types) == 0 && len(filter.Sources) == 0 {
		return nil
	}
	return filter
}

func statusForError(err error) int {
	var busValidation eventbus.ValidationError
	var historyValidation history.ValidationError
	var engineValidation engine.ValidationError
	if errors.As(err, &busValidation) || errors.As(err, &historyValidation) || errors.As(err, &engineValidation) {
		return http.StatusBadRequest
	}
	var busNotFound eventbus.NotFoundError
	var historyNotFound history.NotFoundError
	if errors.As(err, &busNotFound) || errors.As(err, &historyNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, eventbus.ErrNotRunning) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
