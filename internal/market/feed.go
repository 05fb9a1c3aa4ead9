package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"order-core/internal/events"
	"order-core/pkg/logger"
)

// WSFeed streams JSON ticks ({"symbol","price","qty","ts"}) from a websocket
// endpoint and publishes them to the bus. On disconnect it redials with
// backoff; consumers keep the last price they saw in the meantime.
type WSFeed struct {
	URL      string
	Bus      *events.Bus
	Symbols  []string
	Logger   *zap.Logger
	MaxRetry time.Duration

	dialer *websocket.Dialer
}

// Start connects in the background until ctx is cancelled.
func (f *WSFeed) Start(ctx context.Context) {
	log := logger.OrNop(f.Logger)
	if f.Bus == nil || f.URL == "" {
		log.Warn("ws feed not fully configured; skipping start")
		return
	}
	if f.dialer == nil {
		f.dialer = websocket.DefaultDialer
	}
	if f.MaxRetry == 0 {
		f.MaxRetry = 30 * time.Second
	}

	go func() {
		backoff := 500 * time.Millisecond
		for {
			err := f.stream(ctx)
			if ctx.Err() != nil {
				return
			}
			log.Warn("ws feed disconnected", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > f.MaxRetry {
				backoff = f.MaxRetry
			}
		}
	}()
}

func (f *WSFeed) stream(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.URL, nil)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()

	if len(f.Symbols) > 0 {
		sub := map[string]any{"op": "subscribe", "symbols": f.Symbols}
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return err
		}
		tick, err := ParseTick(msg)
		if err != nil {
			logger.OrNop(f.Logger).Debug("ws feed parse error", zap.Error(err))
			continue
		}
		f.Bus.Publish(events.EventPriceTick, tick)
	}
}

// ParseTick decodes one feed message.
func ParseTick(msg []byte) (Tick, error) {
	var t Tick
	if err := json.Unmarshal(msg, &t); err != nil {
		return Tick{}, err
	}
	if t.Symbol == "" || !t.Price.IsPositive() {
		return Tick{}, fmt.Errorf("incomplete tick: %s", string(msg))
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	return t, nil
}
