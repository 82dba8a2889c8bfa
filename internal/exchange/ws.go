// ws.go implements the Kraken WebSocket v2 stream.
//
// One connection carries both subscriptions the bot needs:
//
//   - ticker (public): last-trade price updates for the pair
//   - executions (authenticated): order lifecycle reports for the account
//
// The stream auto-reconnects with exponential backoff (1s → 30s max) and
// re-subscribes on every reconnect, fetching a fresh auth token each time
// (tokens are single-use). A read deadline detects silent server failures
// within ~2 missed pings. Parsed messages go to a single handler callback,
// synchronously: a message is fully handled before the next is read. A
// handler error is fatal and stops the stream without reconnecting.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"kraken-gridbot/pkg/types"
)

const (
	wsPingInterval     = 50 * time.Second
	wsReadTimeout      = 90 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsMaxReconnectWait = 30 * time.Second
)

// StreamMessage is one parsed message off the WebSocket, normalized for the
// engine. Exactly one of the payload fields is set depending on Channel.
type StreamMessage struct {
	Channel string // "ticker", "executions", "heartbeat", "status"
	Method  string // set on request acks: "subscribe", "pong"
	Success *bool  // set on request acks
	Error   string // set on failed request acks

	Ticker     *types.Ticker     // Channel == "ticker"
	Executions []types.Execution // Channel == "executions"
}

// MessageHandler consumes one stream message. A returned error is fatal to
// the stream.
type MessageHandler func(StreamMessage) error

// TokenFunc returns a fresh WebSocket auth token. nil disables the
// executions subscription (dry-run without credentials).
type TokenFunc func(context.Context) (string, error)

// Stream manages the WebSocket connection lifecycle: dial, subscribe, read,
// reconnect.
type Stream struct {
	url     string
	symbol  string // ws pair name, e.g. "BTC/USD"
	tokenFn TokenFunc
	handler MessageHandler
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewStream creates a stream for one pair. handler must be non-nil.
func NewStream(wsURL, symbol string, tokenFn TokenFunc, handler MessageHandler, logger *slog.Logger) *Stream {
	return &Stream{
		url:     wsURL,
		symbol:  symbol,
		tokenFn: tokenFn,
		handler: handler,
		logger:  logger.With("component", "stream"),
	}
}

// errHandler marks handler failures so Run can tell them apart from
// transport errors, which are retried.
var errHandler = errors.New("handler failed")

// Run connects and maintains the connection until ctx is cancelled or the
// handler returns an error.
func (s *Stream) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = time.Second
	backoffCfg.MaxInterval = wsMaxReconnectWait

	for {
		err := s.connectAndRead(ctx, backoffCfg)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errHandler) {
			return err
		}

		sleep := backoffCfg.NextBackOff()
		s.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", sleep,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// Close closes the current connection, unblocking the read loop.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Stream) connectAndRead(ctx context.Context, backoffCfg *backoff.ExponentialBackOff) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.subscribe(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("websocket connected", "symbol", s.symbol)
	backoffCfg.Reset()

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		msg, ok, err := parseStreamMessage(raw)
		if err != nil {
			s.logger.Error("unparseable ws message", "error", err, "data", string(raw))
			continue
		}
		if !ok {
			continue
		}
		if err := s.handler(msg); err != nil {
			return fmt.Errorf("%w: %w", errHandler, err)
		}
	}
}

func (s *Stream) subscribe(ctx context.Context) error {
	if err := s.writeJSON(map[string]any{
		"method": "subscribe",
		"params": map[string]any{
			"channel": "ticker",
			"symbol":  []string{s.symbol},
		},
	}); err != nil {
		return err
	}

	if s.tokenFn == nil {
		return nil
	}
	token, err := s.tokenFn(ctx)
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}
	return s.writeJSON(map[string]any{
		"method": "subscribe",
		"params": map[string]any{
			"channel":     "executions",
			"token":       token,
			"snap_orders": false,
		},
	})
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeJSON(map[string]any{"method": "ping"}); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Stream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(v)
}

// ————————————————————————————————————————————————————————————————————————
// Message parsing
// ————————————————————————————————————————————————————————————————————————

type wsEnvelope struct {
	Channel string          `json:"channel"`
	Method  string          `json:"method"`
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

type wsTickerData struct {
	Symbol string      `json:"symbol"`
	Last   json.Number `json:"last"`
}

type wsExecutionData struct {
	OrderID  string `json:"order_id"`
	ExecType string `json:"exec_type"`
}

// parseStreamMessage converts a raw frame into a StreamMessage. ok is false
// for frames the bot has no use for (heartbeats, status updates, pongs).
func parseStreamMessage(raw []byte) (StreamMessage, bool, error) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return StreamMessage{}, false, fmt.Errorf("envelope: %w", err)
	}

	switch {
	case env.Method != "":
		if env.Method == "pong" {
			return StreamMessage{}, false, nil
		}
		// Request acks only matter when they report failure.
		return StreamMessage{
			Channel: env.Channel,
			Method:  env.Method,
			Success: env.Success,
			Error:   env.Error,
		}, true, nil

	case env.Channel == "ticker":
		var data []wsTickerData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return StreamMessage{}, false, fmt.Errorf("ticker data: %w", err)
		}
		if len(data) == 0 {
			return StreamMessage{}, false, nil
		}
		last, err := decimal.NewFromString(data[0].Last.String())
		if err != nil {
			return StreamMessage{}, false, fmt.Errorf("ticker last %q: %w", data[0].Last, err)
		}
		return StreamMessage{
			Channel: "ticker",
			Ticker:  &types.Ticker{Symbol: data[0].Symbol, Last: last},
		}, true, nil

	case env.Channel == "executions":
		var data []wsExecutionData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return StreamMessage{}, false, fmt.Errorf("executions data: %w", err)
		}
		execs := make([]types.Execution, 0, len(data))
		for _, d := range data {
			execs = append(execs, types.Execution{
				TxID:     d.OrderID,
				ExecType: types.ExecType(d.ExecType),
			})
		}
		return StreamMessage{Channel: "executions", Executions: execs}, true, nil

	case env.Channel == "heartbeat", env.Channel == "status":
		return StreamMessage{}, false, nil

	default:
		return StreamMessage{}, false, nil
	}
}
