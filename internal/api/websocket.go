package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"order-core/internal/compliance"
	"order-core/internal/engine"
	"order-core/internal/events"
	"order-core/internal/order"
	"order-core/internal/position"
	"order-core/internal/supervisor"
)

const (
	wsBuffer     = 256
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams bus events as {type, payload} envelopes. Price ticks are
// public; account events need ?token= and only the caller's own events are
// sent. ?topics= narrows the stream to a comma-separated topic list.
func (s *Server) websocket(c *gin.Context) {
	accountID := ""
	if tok := c.Query("token"); tok != "" {
		claims, err := parseToken(tok, s.JWTSecret)
		if err != nil {
			respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
			return
		}
		accountID = claims.AccountID
	}
	topics := wsTopics(c.Query("topics"), accountID != "")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteJSON(gin.H{"error": "bus not ready"})
		return
	}

	out := make(chan events.Envelope, wsBuffer)
	done := make(chan struct{})
	defer close(done)
	for _, topic := range topics {
		ch, unsubscribe := s.Bus.Subscribe(topic, wsBuffer)
		defer unsubscribe()
		go forward(topic, ch, out, done)
	}

	// Reader: only control frames are expected; a read error ends the stream.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case env := <-out:
			if owner, private := ownerOf(env.Payload); private && owner != accountID {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(env); err != nil {
				s.log.Debug("ws write failed", zap.Error(err))
				return
			}
		}
	}
}

func forward(topic events.Event, in <-chan any, out chan<- events.Envelope, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- events.Envelope{Type: topic, Payload: msg}:
			case <-done:
				return
			}
		}
	}
}

// wsTopics resolves the requested topics. Anonymous clients only get ticks.
func wsTopics(query string, authed bool) []events.Event {
	if !authed {
		return []events.Event{events.EventPriceTick}
	}
	if query == "" {
		return events.All
	}
	known := make(map[events.Event]bool, len(events.All))
	for _, e := range events.All {
		known[e] = true
	}
	var out []events.Event
	for _, t := range strings.Split(query, ",") {
		if e := events.Event(strings.TrimSpace(t)); known[e] {
			out = append(out, e)
		}
	}
	return out
}

// ownerOf returns the account a payload belongs to. Market data and other
// payloads without an owner are public.
func ownerOf(payload any) (string, bool) {
	switch p := payload.(type) {
	case order.Order:
		return p.AccountID, true
	case engine.FillMessage:
		return p.Fill.AccountID, true
	case position.Position:
		return p.AccountID, true
	case supervisor.Snapshot:
		return p.AccountID, true
	case compliance.Event:
		return p.AccountID, true
	}
	return "", false
}
