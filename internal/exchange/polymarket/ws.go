package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"hedgerd/pkg/types"
)

const (
	wsPingInterval  = 50 * time.Second // keep-alive cadence
	wsReadTimeout   = 90 * time.Second // ~2 missed pings triggers reconnect
	wsWriteTimeout  = 10 * time.Second
	wsMaxReconnect  = 30 * time.Second
	wsInitReconnect = time.Second
)

// wsSubscribeMsg opens the authenticated user channel for a set of
// condition IDs.
type wsSubscribeMsg struct {
	Type    string   `json:"type"` // "user"
	Auth    *wsAuth  `json:"auth"`
	Markets []string `json:"markets"`
}

// SubscribeFills runs the user websocket channel, converting "trade" events
// into fills on ch. It reconnects with exponential backoff until ctx is
// cancelled; fill delivery blocks rather than drops, the reconciler drains
// fast and dedups replays after a reconnect.
func (c *Client) SubscribeFills(ctx context.Context, ch chan<- types.Fill) error {
	logger := c.logger.With("channel", "user_ws")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = wsInitReconnect
	bo.MaxInterval = wsMaxReconnect

	for {
		err := c.runUserFeed(ctx, ch, logger, bo)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		logger.Warn("user websocket disconnected, reconnecting",
			"error", err,
			"backoff", wait,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) runUserFeed(ctx context.Context, ch chan<- types.Fill, logger *slog.Logger, bo *backoff.ExponentialBackOff) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	sub := wsSubscribeMsg{
		Type:    "user",
		Auth:    c.auth.wsAuthPayload(),
		Markets: c.markets,
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	logger.Info("user websocket connected", "markets", len(c.markets))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go pingLoop(pingCtx, conn, logger)

	// Close the connection on cancellation to unblock ReadMessage.
	go func() {
		<-pingCtx.Done()
		conn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		bo.Reset()

		if err := c.dispatchUserMessage(ctx, msg, ch, logger); err != nil {
			return err
		}
	}
}

// dispatchUserMessage routes one frame. Only "trade" events produce fills;
// order lifecycle frames are informational here because order state is
// driven by acks and the fill stream.
func (c *Client) dispatchUserMessage(ctx context.Context, data []byte, ch chan<- types.Fill, logger *slog.Logger) error {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		logger.Debug("ignoring non-json ws message", "data", string(data))
		return nil
	}

	switch envelope.EventType {
	case "trade":
		var evt tradeRow
		if err := json.Unmarshal(data, &evt); err != nil {
			logger.Error("unmarshal trade event", "error", err)
			return nil
		}
		for _, fill := range tradeToFills(evt) {
			select {
			case ch <- fill:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

	case "order":
		logger.Debug("order event", "data", string(data))

	default:
		logger.Debug("ignoring ws event", "type", envelope.EventType)
	}
	return nil
}

func pingLoop(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
				logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}
