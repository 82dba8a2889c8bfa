package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kraken-gridbot/internal/bus"
	"kraken-gridbot/internal/config"
	"kraken-gridbot/internal/exchange"
	"kraken-gridbot/internal/notify"
	"kraken-gridbot/internal/state"
	"kraken-gridbot/internal/store"
	"kraken-gridbot/pkg/types"
)

const testUserref = int64(9)

// newTestEngine builds an engine with just the pieces the stream and
// watchdog paths touch. No client, no stream.
func newTestEngine(t *testing.T) (*Engine, *bus.Bus) {
	t.Helper()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	b := bus.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &Engine{
		cfg: &config.Config{
			Name:    "test-bot",
			Userref: testUserref,
			Trading: config.TradingConfig{Strategy: config.StrategyGridHODL},
		},
		store:    st,
		bus:      b,
		machine:  state.New(),
		notifier: notify.NewDispatcher(logger),
		logger:   logger,
	}
	return e, b
}

func record(b *bus.Bus, types ...bus.EventType) *[]bus.Event {
	var got []bus.Event
	for _, typ := range types {
		b.Subscribe(typ, func(evt bus.Event) error {
			got = append(got, evt)
			return nil
		})
	}
	return &got
}

func TestStreamTickerBecomesTickerUpdate(t *testing.T) {
	t.Parallel()
	e, b := newTestEngine(t)
	got := record(b, bus.TickerUpdate)

	tick := types.Ticker{Symbol: "BTC/USD", Last: decimal.RequireFromString("50000.0")}
	if err := e.onStreamMessage(exchange.StreamMessage{Channel: "ticker", Ticker: &tick}); err != nil {
		t.Fatalf("onStreamMessage: %v", err)
	}

	if len(*got) != 1 {
		t.Fatalf("got %d ticker events, want 1", len(*got))
	}
	if (*got)[0].Data.(types.Ticker).Last.String() != "50000" {
		t.Fatalf("unexpected ticker payload %v", (*got)[0].Data)
	}
}

func TestStreamExecutionsMapToOrderEvents(t *testing.T) {
	t.Parallel()
	e, b := newTestEngine(t)
	got := record(b, bus.OrderPlaced, bus.OrderFilled, bus.OrderCancelled)

	msg := exchange.StreamMessage{
		Channel: "executions",
		Executions: []types.Execution{
			{TxID: "TX-NEW", ExecType: types.ExecNew},
			{TxID: "TX-PEND", ExecType: types.ExecPending},
			{TxID: "TX-FILL", ExecType: types.ExecFilled},
			{TxID: "TX-CANC", ExecType: types.ExecCanceled},
			{TxID: "TX-EXP", ExecType: types.ExecExpired},
			{TxID: "TX-TRADE", ExecType: types.ExecTrade},
		},
	}
	if err := e.onStreamMessage(msg); err != nil {
		t.Fatalf("onStreamMessage: %v", err)
	}

	want := []struct {
		typ  bus.EventType
		txid string
	}{
		{bus.OrderPlaced, "TX-NEW"},
		{bus.OrderPlaced, "TX-PEND"},
		{bus.OrderFilled, "TX-FILL"},
		{bus.OrderCancelled, "TX-CANC"},
		{bus.OrderCancelled, "TX-EXP"},
	}
	if len(*got) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(*got), len(want), *got)
	}
	for i, w := range want {
		evt := (*got)[i]
		if evt.Type != w.typ || evt.Data.(string) != w.txid {
			t.Errorf("event %d = {%s %v}, want {%s %s}", i, evt.Type, evt.Data, w.typ, w.txid)
		}
	}
}

func TestStreamMessagesDroppedWhenTerminal(t *testing.T) {
	t.Parallel()
	e, b := newTestEngine(t)
	got := record(b, bus.TickerUpdate, bus.OnMessage)

	if err := e.machine.Transition(state.Error); err != nil {
		t.Fatalf("transition: %v", err)
	}

	tick := types.Ticker{Symbol: "BTC/USD", Last: decimal.RequireFromString("50000.0")}
	if err := e.onStreamMessage(exchange.StreamMessage{Channel: "ticker", Ticker: &tick}); err != nil {
		t.Fatalf("onStreamMessage: %v", err)
	}
	if len(*got) != 0 {
		t.Fatalf("got %d events after terminal state, want 0", len(*got))
	}
}

func TestStreamRejectedSubscriptionEscalates(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)

	no := false
	err := e.onStreamMessage(exchange.StreamMessage{
		Method:  "subscribe",
		Success: &no,
		Error:   "Currency pair not supported",
	})
	if err == nil {
		t.Fatal("expected error from rejected subscription")
	}
	if got := e.machine.Current(); got != state.Error {
		t.Fatalf("machine state = %s, want ERROR", got)
	}
}

func TestStreamHandlerErrorEscalates(t *testing.T) {
	t.Parallel()
	e, b := newTestEngine(t)

	b.Subscribe(bus.TickerUpdate, func(bus.Event) error {
		return context.DeadlineExceeded
	})

	tick := types.Ticker{Symbol: "BTC/USD", Last: decimal.RequireFromString("50000.0")}
	if err := e.onStreamMessage(exchange.StreamMessage{Channel: "ticker", Ticker: &tick}); err == nil {
		t.Fatal("expected handler error to propagate")
	}
	if got := e.machine.Current(); got != state.Error {
		t.Fatalf("machine state = %s, want ERROR", got)
	}
}

func TestWatchdogStalePriceTriggersError(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.store.InitConfiguration(ctx, testUserref,
		decimal.RequireFromString("100"), decimal.RequireFromString("0.01")); err != nil {
		t.Fatalf("init configuration: %v", err)
	}
	now := time.Now().UTC()
	if err := e.store.SetLastPriceTime(ctx, testUserref, now.Add(-11*time.Minute)); err != nil {
		t.Fatalf("set last price time: %v", err)
	}

	e.checkHealth(ctx, now)

	if got := e.machine.Current(); got != state.Error {
		t.Fatalf("machine state = %s, want ERROR", got)
	}
}

func TestWatchdogFreshPriceKeepsRunning(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.store.InitConfiguration(ctx, testUserref,
		decimal.RequireFromString("100"), decimal.RequireFromString("0.01")); err != nil {
		t.Fatalf("init configuration: %v", err)
	}
	now := time.Now().UTC()
	if err := e.store.SetLastPriceTime(ctx, testUserref, now.Add(-30*time.Second)); err != nil {
		t.Fatalf("set last price time: %v", err)
	}

	e.checkHealth(ctx, now)

	if got := e.machine.Current(); got != state.Initializing {
		t.Fatalf("machine state = %s, want INITIALIZING", got)
	}
}

func TestWatchdogHourlyNotificationPersisted(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.store.InitConfiguration(ctx, testUserref,
		decimal.RequireFromString("100"), decimal.RequireFromString("0.01")); err != nil {
		t.Fatalf("init configuration: %v", err)
	}
	now := time.Now().UTC()
	if err := e.store.SetLastPriceTime(ctx, testUserref, now); err != nil {
		t.Fatalf("set last price time: %v", err)
	}
	if err := e.store.SetLastNotificationTime(ctx, testUserref, now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("set last notification time: %v", err)
	}

	e.checkHealth(ctx, now)

	c, err := e.store.GetConfiguration(ctx, testUserref)
	if err != nil {
		t.Fatalf("get configuration: %v", err)
	}
	if c.LastNotificationTime.Before(now.Add(-time.Second)) {
		t.Fatalf("last notification time not advanced: %v", c.LastNotificationTime)
	}

	// A second check within the hour must not bump it again.
	e.checkHealth(ctx, now.Add(time.Minute))
	c2, err := e.store.GetConfiguration(ctx, testUserref)
	if err != nil {
		t.Fatalf("get configuration: %v", err)
	}
	if !c2.LastNotificationTime.Equal(c.LastNotificationTime) {
		t.Fatalf("notification time bumped twice: %v vs %v", c2.LastNotificationTime, c.LastNotificationTime)
	}
}

func TestWatchdogNoConfigurationIsHarmless(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)

	e.checkHealth(context.Background(), time.Now().UTC())

	if got := e.machine.Current(); got != state.Initializing {
		t.Fatalf("machine state = %s, want INITIALIZING", got)
	}
}
