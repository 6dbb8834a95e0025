package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"octopusspain/internal/coordinator"
)

const (
	eventBuffer  = 16
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// EventMessage is one refresh event on the /api/events stream.
type EventMessage struct {
	Type       string                `json:"type"`
	Tier       coordinator.Tier      `json:"tier"`
	PassID     string                `json:"pass_id,omitempty"`
	Error      string                `json:"error,omitempty"`
	DurationMs int64                 `json:"duration_ms"`
	Snapshot   *coordinator.Snapshot `json:"snapshot,omitempty"`
}

func newEventMessage(e coordinator.Event) EventMessage {
	msg := EventMessage{
		Type:       "refresh",
		Tier:       e.Tier,
		DurationMs: e.Duration.Milliseconds(),
		Snapshot:   e.Snapshot,
	}
	if e.Snapshot != nil {
		msg.PassID = e.Snapshot.PassID
	}
	if e.Err != nil {
		msg.Type = "refresh_failed"
		msg.Error = e.Err.Error()
	}
	return msg
}

// handleEvents upgrades to a websocket, sends the current snapshot of every
// tier and then one message per refresh pass. A client that falls behind by
// more than eventBuffer messages is disconnected.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	logger := s.logger.With(zap.String("client_id", clientID))
	logger.Info("Event stream client connected", zap.String("remote_addr", r.RemoteAddr))

	events := make(chan coordinator.Event, eventBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	sub := s.integration.Subscribe(func(e coordinator.Event) {
		select {
		case events <- e:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	defer sub.Unsubscribe()

	// The read loop only exists to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, tier := range coordinator.Tiers {
		snap := s.integration.Snapshot(tier)
		if err := s.send(conn, EventMessage{Type: "snapshot", Tier: tier, PassID: snap.PassID, Snapshot: snap}); err != nil {
			logger.Debug("Initial snapshot write failed", zap.Error(err))
			return
		}
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case e := <-events:
			if err := s.send(conn, newEventMessage(e)); err != nil {
				logger.Debug("Event write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-overflow:
			logger.Warn("Event stream client too slow, disconnecting")
			return
		case <-closed:
			logger.Info("Event stream client disconnected")
			return
		case <-s.done:
			deadline := time.Now().Add(writeTimeout)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"), deadline)
			return
		}
	}
}

func (s *Server) send(conn *websocket.Conn, msg EventMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}
