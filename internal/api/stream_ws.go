package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/flitsinc/agenthub/internal/eventbus"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.Bus == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("event bus"))
		return
	}

	typesParam := r.URL.Query().Get("types")
	var types []eventbus.Type
	for _, t := range splitComma(typesParam) {
		types = append(types, eventbus.Type(t))
	}
	if len(types) == 0 {
		types = []eventbus.Type{
			eventbus.TypeAgentStatusChanged,
			eventbus.TypeStepStarted,
			eventbus.TypeStepCompleted,
			eventbus.TypeErrorOccurred,
		}
	}
	cfg := &eventbus.SubscriptionConfig{
		SessionID:  r.URL.Query().Get("session"),
		Persistent: true,
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	if err := streamEvents(ctx, s.Bus, types, cfg, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

// streamEvents bridges a bus subscription onto a websocket. Events are
// queued on a buffered channel; a client that falls far enough behind
// loses the oldest deliveries rather than stalling the bus.
func streamEvents(ctx context.Context, bus *eventbus.Bus, types []eventbus.Type, cfg *eventbus.SubscriptionConfig, writer wsWriter) error {
	events := make(chan eventbus.Event, 64)
	subID, err := bus.Subscribe(types, func(_ context.Context, evt eventbus.Event) error {
		select {
		case events <- evt:
		default:
		}
		return nil
	}, cfg)
	if err != nil {
		return err
	}
	defer bus.Unsubscribe(subID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-events:
			payload, err := json.Marshal(evt)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}
