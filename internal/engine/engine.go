// Package engine is the central orchestrator of the grid bot.
//
// It wires together all subsystems:
//
//  1. The exchange REST client and WebSocket stream (one pair).
//  2. The SQLite store holding the orderbook and grid bookkeeping.
//  3. The event bus connecting stream messages to the strategy.
//  4. The lifecycle state machine and its one-shot shutdown signal.
//  5. The notification dispatcher (Telegram when configured).
//
// Lifecycle: New() → Run() → [runs until SIGINT/SIGTERM or ERROR] → teardown.
// Run returns a non-nil error iff the bot stopped because of an error, so
// main can exit nonzero and a supervisor can restart it.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"kraken-gridbot/internal/bus"
	"kraken-gridbot/internal/config"
	"kraken-gridbot/internal/exchange"
	"kraken-gridbot/internal/notify"
	"kraken-gridbot/internal/state"
	"kraken-gridbot/internal/store"
	"kraken-gridbot/internal/strategy"
	"kraken-gridbot/pkg/types"
)

const (
	watchdogInterval = 6 * time.Second
	stalePriceAfter  = 600 * time.Second
	statusEvery      = time.Hour
	statusProbeTries = 3
)

// Engine owns the lifecycle of every component and goroutine.
type Engine struct {
	cfg      *config.Config
	client   *exchange.Client
	stream   *exchange.Stream
	store    *store.Store
	bus      *bus.Bus
	machine  *state.Machine
	notifier *notify.Dispatcher
	grid     *strategy.GridBot
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates and wires all components. The strategy fetches pair metadata
// during construction, so the exchange must be reachable.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	var auth *exchange.Auth
	if cfg.Exchange.APIKey != "" && cfg.Exchange.APISecret != "" {
		var err error
		if auth, err = exchange.NewAuth(cfg.Exchange.APIKey, cfg.Exchange.APISecret); err != nil {
			return nil, err
		}
	} else if !cfg.DryRun {
		return nil, fmt.Errorf("missing exchange credentials")
	}

	client := exchange.NewClient(cfg, auth, logger)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	b := bus.New()
	machine := state.New()

	var channels []notify.Notifier
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		channels = append(channels, notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, logger))
	}
	dispatcher := notify.NewDispatcher(logger, channels...)
	b.Subscribe(bus.Notification, dispatcher.BusHandler(context.Background()))

	policy, err := strategy.PolicyFromName(cfg.Trading.Strategy)
	if err != nil {
		st.Close()
		return nil, err
	}
	grid, err := strategy.New(context.Background(), cfg, policy, st, client, b, machine, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	grid.Register(b)

	return &Engine{
		cfg:      cfg,
		client:   client,
		store:    st,
		bus:      b,
		machine:  machine,
		notifier: dispatcher,
		grid:     grid,
		logger:   logger.With("component", "engine"),
	}, nil
}

// Run drives the bot until shutdown or error.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Signals request a graceful shutdown; the state machine fans it out.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-ctx.Done():
		case sig := <-sigCh:
			e.logger.Info("signal received", "signal", sig)
			if err := e.machine.Transition(state.ShutdownRequested); err != nil {
				e.logger.Error("shutdown transition failed", "error", err)
			}
		}
	}()

	if err := e.preflight(ctx); err != nil {
		e.fail(err)
		return e.finish()
	}

	// Startup reconciliation runs before the stream so the first ticker
	// finds a consistent local orderbook.
	if err := e.bus.Publish(bus.Event{Type: bus.PrepareForTrading}); err != nil {
		e.fail(fmt.Errorf("prepare for trading: %w", err))
		return e.finish()
	}
	if err := e.store.SetLastPriceTime(ctx, e.cfg.Userref, time.Now().UTC()); err != nil {
		e.fail(fmt.Errorf("seed last price time: %w", err))
		return e.finish()
	}

	pair, err := e.client.AssetPairInfo(ctx)
	if err != nil {
		e.fail(err)
		return e.finish()
	}
	var tokenFn exchange.TokenFunc
	if !e.cfg.DryRun || e.cfg.Exchange.APIKey != "" {
		tokenFn = e.client.WebSocketToken
	}
	e.stream = exchange.NewStream(e.cfg.Exchange.WSURL, pair.WSName, tokenFn, e.onStreamMessage, e.logger)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.stream.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("stream stopped", "error", err)
			e.fail(err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.watchdog(ctx)
	}()

	e.notifier.Notify(ctx, fmt.Sprintf("%s: started (%s on %s)",
		e.cfg.Name, e.cfg.Trading.Strategy, pair.Altname))

	<-e.machine.Shutdown()
	cancel()
	if e.stream != nil {
		e.stream.Close()
	}
	e.wg.Wait()
	return e.finish()
}

// preflight verifies the exchange is online and the key has every
// permission the session will need. Failing here beats failing mid-trade.
func (e *Engine) preflight(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	for n := 1; ; n++ {
		status, err := e.client.SystemStatus(ctx)
		if err == nil && status == "online" {
			break
		}
		if n >= statusProbeTries {
			return fmt.Errorf("exchange not online after %d attempts (status %q): %w", n, status, err)
		}
		sleep := backoffCfg.NextBackOff()
		e.logger.Warn("exchange not online, retrying", "status", status, "error", err, "backoff", sleep)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}

	if err := e.client.CheckAPIKeyPermissions(ctx); err != nil {
		return err
	}
	if !e.cfg.DryRun {
		if _, err := e.client.WebSocketToken(ctx); err != nil {
			return fmt.Errorf("websocket token permission: %w", err)
		}
	}
	return nil
}

// onStreamMessage is the single stream handler: it translates stream
// messages into bus events, serially, dropping everything once the
// lifecycle is terminal.
func (e *Engine) onStreamMessage(msg exchange.StreamMessage) error {
	switch e.machine.Current() {
	case state.Error, state.ShutdownRequested:
		return nil
	}

	if err := e.bus.Publish(bus.Event{Type: bus.OnMessage, Data: msg}); err != nil {
		return e.escalate(err)
	}

	switch {
	case msg.Method == "subscribe" && msg.Success != nil && !*msg.Success:
		return e.escalate(fmt.Errorf("subscription rejected: %s", msg.Error))

	case msg.Channel == "ticker" && msg.Ticker != nil:
		if err := e.bus.Publish(bus.Event{Type: bus.TickerUpdate, Data: *msg.Ticker}); err != nil {
			return e.escalate(err)
		}

	case msg.Channel == "executions":
		for _, exec := range msg.Executions {
			var evtType bus.EventType
			switch exec.ExecType {
			case types.ExecNew, types.ExecPending:
				evtType = bus.OrderPlaced
			case types.ExecFilled:
				evtType = bus.OrderFilled
			case types.ExecCanceled, types.ExecExpired:
				evtType = bus.OrderCancelled
			case types.ExecTrade:
				// Trade reports accompany each fill; the strategy acts on
				// the order-level filled report instead.
				continue
			default:
				continue
			}
			if err := e.bus.Publish(bus.Event{Type: evtType, Data: exec.TxID}); err != nil {
				return e.escalate(err)
			}
		}
	}
	return nil
}

func (e *Engine) escalate(err error) error {
	e.logger.Error("stream handling failed", "error", err)
	if terr := e.machine.Transition(state.Error); terr != nil {
		e.logger.Error("error transition failed", "error", terr)
	}
	return err
}

// watchdog ticks every few seconds: a status notification goes out once
// per hour, and a price feed silent for over ten minutes means the stream
// is dead even if the socket still looks connected.
func (e *Engine) watchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkHealth(ctx, time.Now().UTC())
		}
	}
}

func (e *Engine) checkHealth(ctx context.Context, now time.Time) {
	c, err := e.store.GetConfiguration(ctx, e.cfg.Userref)
	if err != nil {
		// Nothing persisted yet; the first ticker seeds it.
		return
	}

	// Unset timestamps decode as the Unix epoch.
	if c.LastPriceTime.Unix() > 0 && now.Sub(c.LastPriceTime) > stalePriceAfter {
		e.logger.Error("no price update received, stream presumed dead",
			"last_price_time", c.LastPriceTime)
		if err := e.machine.Transition(state.Error); err != nil {
			e.logger.Error("error transition failed", "error", err)
		}
		return
	}

	if now.Sub(c.LastNotificationTime) >= statusEvery {
		e.notifier.Notify(ctx, fmt.Sprintf("%s: %s, still running (%s)",
			e.cfg.Name, e.machine.Current(), e.cfg.Trading.Strategy))
		if err := e.store.SetLastNotificationTime(ctx, e.cfg.Userref, now); err != nil {
			e.logger.Error("persist notification time", "error", err)
		}
	}
}

func (e *Engine) fail(err error) {
	e.logger.Error("fatal", "error", err)
	if terr := e.machine.Transition(state.Error); terr != nil {
		e.logger.Error("error transition failed", "error", terr)
	}
}

// finish tears down shared resources and reports the cause of death.
func (e *Engine) finish() error {
	cause := e.machine.Current()
	e.notifier.Notify(context.Background(), fmt.Sprintf("%s: stopped (%s)", e.cfg.Name, cause))
	if err := e.store.Close(); err != nil {
		e.logger.Error("close store", "error", err)
	}
	if cause == state.Error {
		return fmt.Errorf("terminated due to error")
	}
	return nil
}

// CancelAllOrders bulk-cancels every open order on the account, regardless
// of userref. Backs the `cancel --force` subcommand.
func (e *Engine) CancelAllOrders(ctx context.Context) error {
	count, err := e.client.CancelAll(ctx)
	if err != nil {
		return err
	}
	e.logger.Info("orders cancelled", "count", count)
	e.notifier.Notify(ctx, fmt.Sprintf("%s: cancelled all %d open orders", e.cfg.Name, count))
	return e.store.Close()
}
