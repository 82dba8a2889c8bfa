// Package strategy implements the grid trading core.
//
// The grid keeps n_open_buy_orders post-only limit buys ladder-spaced by the
// configured interval below the last price. A filled buy gets a counter-sell
// one interval above it (variant permitting); a filled sell re-opens a buy
// one interval below. When the market runs away upward, the whole buy ladder
// is cancelled and rebuilt near the new price.
//
// Two persistent sets make the pipeline crash-safe:
//
//   - pending_txids: placements acknowledged by the exchange but not yet
//     reconciled into the local orderbook;
//   - unsold_buy_txids: filled buys whose counter-sell has not yet been
//     accepted. The entry is written before the sell placement, so a crash
//     between the two is recovered by reconciliation.
//
// All handlers run under one mutex. The stream delivers messages serially,
// so the lock only matters for the watchdog and tests.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kraken-gridbot/internal/bus"
	"kraken-gridbot/internal/config"
	"kraken-gridbot/internal/exchange"
	"kraken-gridbot/internal/state"
	"kraken-gridbot/internal/store"
	"kraken-gridbot/pkg/types"
)

// shiftUpFactor is the hysteresis band on the grid rebuild trigger: the
// ladder shifts up only once the ticker exceeds the highest buy by two
// intervals plus 0.1%, preventing oscillation at the boundary.
var shiftUpFactor = decimal.RequireFromString("1.001")

var (
	one     = decimal.NewFromInt(1)
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// GridBot is the grid core. It owns all writes to the four persistent
// tables; the engine and notifier only read.
type GridBot struct {
	mu sync.Mutex

	cfg     *config.Config
	policy  Policy
	store   *store.Store
	ex      Exchange
	bus     *bus.Bus
	machine *state.Machine
	logger  *slog.Logger

	pair      types.AssetPairInfo
	userref   int64
	interval  decimal.Decimal
	amount    decimal.Decimal
	maxInvest decimal.Decimal
	fee       decimal.Decimal
	nOpenBuys int
	dryRun    bool

	ticker       decimal.Decimal
	readyToTrade bool

	// sleep is swapped out by tests; production uses time.Sleep.
	sleep func(time.Duration)
}

// New creates the grid core. It fetches pair metadata once to resolve
// precision and the maker fee (unless overridden in the config).
func New(ctx context.Context, cfg *config.Config, policy Policy, st *store.Store, ex Exchange, b *bus.Bus, machine *state.Machine, logger *slog.Logger) (*GridBot, error) {
	pair, err := ex.AssetPairInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch pair info: %w", err)
	}

	fee := decimal.NewFromFloat(cfg.Trading.Fee)
	if fee.IsZero() {
		fee = pair.MakerFee()
	}

	g := &GridBot{
		cfg:       cfg,
		policy:    policy,
		store:     st,
		ex:        ex,
		bus:       b,
		machine:   machine,
		logger:    logger.With("component", "strategy", "strategy", policy.Name()),
		pair:      pair,
		userref:   cfg.Userref,
		interval:  decimal.NewFromFloat(cfg.Trading.Interval),
		amount:    decimal.NewFromFloat(cfg.Trading.AmountPerGrid),
		maxInvest: decimal.NewFromFloat(cfg.Trading.MaxInvestment),
		fee:       fee,
		nOpenBuys: cfg.Trading.NOpenBuyOrders,
		dryRun:    cfg.DryRun,
		sleep:     time.Sleep,
	}
	return g, nil
}

// Register subscribes the grid's handlers on the bus.
func (g *GridBot) Register(b *bus.Bus) {
	b.Subscribe(bus.PrepareForTrading, func(bus.Event) error {
		return g.onPrepareForTrading(context.Background())
	})
	b.Subscribe(bus.TickerUpdate, func(evt bus.Event) error {
		t, ok := evt.Data.(types.Ticker)
		if !ok {
			return fmt.Errorf("ticker_update: unexpected payload %T", evt.Data)
		}
		return g.onTickerUpdate(context.Background(), t)
	})
	b.Subscribe(bus.OrderPlaced, func(evt bus.Event) error {
		txid, ok := evt.Data.(string)
		if !ok {
			return fmt.Errorf("order_placed: unexpected payload %T", evt.Data)
		}
		return g.onOrderPlaced(context.Background(), txid)
	})
	b.Subscribe(bus.OrderFilled, func(evt bus.Event) error {
		txid, ok := evt.Data.(string)
		if !ok {
			return fmt.Errorf("order_filled: unexpected payload %T", evt.Data)
		}
		return g.onOrderFilled(context.Background(), txid)
	})
	b.Subscribe(bus.OrderCancelled, func(evt bus.Event) error {
		txid, ok := evt.Data.(string)
		if !ok {
			return fmt.Errorf("order_cancelled: unexpected payload %T", evt.Data)
		}
		return g.onOrderCancelled(context.Background(), txid)
	})
}

func (g *GridBot) notify(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if err := g.bus.Publish(bus.Event{Type: bus.Notification, Data: msg}); err != nil {
		g.logger.Error("notification publish failed", "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Price formulas
// ————————————————————————————————————————————————————————————————————————

// buyPrice computes the next buy level one interval below pLast, clamped
// below the current ticker. The 100/(100+100ε) form matches the exchange's
// own percent arithmetic.
func (g *GridBot) buyPrice(pLast, t decimal.Decimal) decimal.Decimal {
	denom := hundred.Add(hundred.Mul(g.interval))
	p := pLast.Mul(hundred).Div(denom)
	if p.GreaterThan(t) {
		p = t.Mul(hundred).Div(denom)
	}
	return p
}

// sellPrice computes the counter-sell one interval above pLast, bumped to
// one interval above the ticker when the market has already moved past it.
// Tracks price_of_highest_buy as a side effect.
func (g *GridBot) sellPrice(ctx context.Context, pLast decimal.Decimal) (decimal.Decimal, error) {
	c, err := g.store.GetConfiguration(ctx, g.userref)
	if err != nil {
		return decimal.Zero, err
	}
	if pLast.GreaterThan(c.PriceOfHighestBuy) {
		if err := g.store.SetPriceOfHighestBuy(ctx, g.userref, pLast); err != nil {
			return decimal.Zero, err
		}
	}

	p := pLast.Mul(one.Add(g.interval))
	if g.ticker.GreaterThan(p) {
		p = g.ticker.Mul(one.Add(g.interval))
	}
	return p, nil
}

// extraSellPrice is the SWING-only sell level two intervals above the
// ticker, or above the highest buy ever filled if that is higher.
func (g *GridBot) extraSellPrice(ctx context.Context, t decimal.Decimal) (decimal.Decimal, error) {
	c, err := g.store.GetConfiguration(ctx, g.userref)
	if err != nil {
		return decimal.Zero, err
	}
	sq := one.Add(g.interval).Mul(one.Add(g.interval))
	p := t.Mul(sq)
	if fromHigh := c.PriceOfHighestBuy.Mul(sq); fromHigh.GreaterThan(p) {
		p = fromHigh
	}
	return p, nil
}

// sellVolume is the fee-corrected volume that keeps the quote balance
// constant over a full buy→sell cycle.
func (g *GridBot) sellVolume(price decimal.Decimal) decimal.Decimal {
	return g.amount.Div(price.Mul(one.Sub(two.Mul(g.fee))))
}

// maxInvestmentReached reports whether one more grid level would exceed the
// configured cap on open-buy notional.
func (g *GridBot) maxInvestmentReached(ctx context.Context) (bool, error) {
	buys, err := g.store.OpenOrders(ctx, g.userref, types.Buy)
	if err != nil {
		return false, err
	}
	total := decimal.Zero
	for _, o := range buys {
		total = total.Add(o.Price.Mul(o.Volume))
	}
	return total.Add(g.amount).GreaterThan(g.maxInvest), nil
}

// ————————————————————————————————————————————————————————————————————————
// Startup reconciliation
// ————————————————————————————————————————————————————————————————————————

func (g *GridBot) onPrepareForTrading(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.store.InitConfiguration(ctx, g.userref, g.amount, g.interval); err != nil {
		return err
	}

	if err := g.reconcile(ctx); err != nil {
		return err
	}

	// Detect grid parameter drift against the previous session. The buy
	// ladder is priced for the old parameters; sells still map to real
	// inventory and are left alone.
	c, err := g.store.GetConfiguration(ctx, g.userref)
	if err != nil {
		return err
	}
	if !c.AmountPerGrid.Equal(g.amount) || !c.Interval.Equal(g.interval) {
		g.logger.Warn("grid parameters changed, cancelling open buys",
			"old_amount", c.AmountPerGrid, "new_amount", g.amount,
			"old_interval", c.Interval, "new_interval", g.interval,
		)
		buys, err := g.store.OpenOrders(ctx, g.userref, types.Buy)
		if err != nil {
			return err
		}
		for _, o := range buys {
			if err := g.handleCancel(ctx, o.TxID); err != nil {
				return err
			}
		}
		if err := g.store.SetGridParams(ctx, g.userref, g.amount, g.interval); err != nil {
			return err
		}
		g.notify("%s: grid parameters changed, open buys cancelled", g.cfg.Name)
	}

	g.readyToTrade = true
	g.logger.Info("ready to trade",
		"pair", g.pair.Altname, "fee", g.fee,
		"interval", g.interval, "amount_per_grid", g.amount,
	)
	return g.machine.Transition(state.Running)
}

// reconcile aligns the local orderbook with the upstream view and drains
// the pending and unsold sets. Running it twice in a row is a no-op.
func (g *GridBot) reconcile(ctx context.Context) error {
	upstream, err := g.ex.OpenOrdersByUserref(ctx)
	if err != nil {
		return err
	}
	upstreamSet := make(map[string]bool, len(upstream))

	// Upstream orders we do not track yet are adopted.
	for _, o := range upstream {
		upstreamSet[o.TxID] = true
		if o.Symbol != g.pair.Altname {
			continue
		}
		local, err := g.store.GetOrder(ctx, o.TxID)
		if err != nil {
			return err
		}
		if local == nil {
			g.logger.Info("adopting upstream order", "txid", o.TxID, "side", o.Side, "price", o.Price)
			if err := g.store.UpsertOrder(ctx, o); err != nil {
				return err
			}
		}
	}

	// Local orders no longer open upstream are resolved to their fate.
	local, err := g.store.Orders(ctx, g.userref)
	if err != nil {
		return err
	}
	for _, o := range local {
		if upstreamSet[o.TxID] || !o.IsOpen() {
			continue
		}
		upstreamOrder, found, err := g.getOrderWithRetry(ctx, o.TxID, 5)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		switch upstreamOrder.Status {
		case types.StatusClosed:
			if err := g.handleFilled(ctx, o.TxID); err != nil {
				return err
			}
		case types.StatusCanceled, types.StatusExpired:
			if err := g.store.RemoveOrder(ctx, o.TxID); err != nil {
				return err
			}
		}
	}

	// Drain pending placements into the orderbook.
	pending, err := g.store.PendingTxids(ctx, g.userref)
	if err != nil {
		return err
	}
	for _, txid := range pending {
		o, found, err := g.getOrderWithRetry(ctx, txid, 5)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if !g.owns(o) {
			g.logger.Warn("pending txid not owned by this instance", "txid", txid)
			continue
		}
		if err := g.store.UpsertOrder(ctx, o); err != nil {
			return err
		}
		if err := g.store.RemovePending(ctx, txid); err != nil {
			return err
		}
	}

	// Retry counter-sells for buys that filled without one.
	unsold, err := g.store.UnsoldBuys(ctx, g.userref)
	if err != nil {
		return err
	}
	for _, u := range unsold {
		if _, err := g.placeSell(ctx, u.Price, u.TxID); err != nil {
			return err
		}
	}
	return nil
}

func (g *GridBot) owns(o types.Order) bool {
	return o.Userref == g.userref && o.Symbol == g.pair.Altname
}

// getOrderWithRetry fetches one order, retrying with a 2·n second backoff
// while the REST view lags the stream.
func (g *GridBot) getOrderWithRetry(ctx context.Context, txid string, tries int) (types.Order, bool, error) {
	for n := 1; n <= tries; n++ {
		orders, err := g.ex.OrdersInfo(ctx, []string{txid})
		if err != nil {
			return types.Order{}, false, err
		}
		if o, ok := orders[txid]; ok {
			return o, true, nil
		}
		if n < tries {
			g.sleep(time.Duration(2*n) * time.Second)
		}
	}
	return types.Order{}, false, nil
}

// ————————————————————————————————————————————————————————————————————————
// Ticker handling — the decision loop
// ————————————————————————————————————————————————————————————————————————

func (g *GridBot) onTickerUpdate(ctx context.Context, t types.Ticker) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ticker = t.Last
	if err := g.store.SetLastPriceTime(ctx, g.userref, time.Now().UTC()); err != nil {
		return err
	}
	if !g.readyToTrade {
		return nil
	}

	// Unreconciled placements first; the price-range check is skipped for
	// this tick so a slow exchange view cannot cause double-placement.
	hasPending, err := g.store.HasPending(ctx, g.userref)
	if err != nil {
		return err
	}
	if hasPending {
		return g.reconcile(ctx)
	}

	return g.checkPriceRange(ctx)
}

func (g *GridBot) checkPriceRange(ctx context.Context) error {
	for {
		if err := g.cancelNearBuys(ctx); err != nil {
			return err
		}

		placed, err := g.topUpBuys(ctx)
		if err != nil {
			return err
		}
		if placed {
			return nil
		}

		if err := g.trimSurplusBuys(ctx); err != nil {
			return err
		}

		shifted, err := g.shiftUp(ctx)
		if err != nil {
			return err
		}
		if shifted {
			continue
		}

		if g.policy.HasExtraSell() {
			if err := g.placeExtraSell(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// cancelNearBuys enforces the minimum ladder spacing of ε/2: of any two
// open buys closer than that, the higher one is cancelled.
func (g *GridBot) cancelNearBuys(ctx context.Context) error {
	for {
		buys, err := g.store.OpenOrders(ctx, g.userref, types.Buy)
		if err != nil {
			return err
		}

		cancelled := false
		halfStep := g.interval.Div(two)
		// OpenOrders sorts ascending; walk top-down comparing neighbors.
		for i := len(buys) - 1; i > 0; i-- {
			higher, lower := buys[i], buys[i-1]
			ratio := higher.Price.Div(lower.Price).Sub(one)
			if ratio.LessThan(halfStep) {
				g.logger.Warn("buys too close, cancelling higher",
					"higher", higher.Price, "lower", lower.Price)
				if err := g.handleCancel(ctx, higher.TxID); err != nil {
					return err
				}
				cancelled = true
				break
			}
		}
		if !cancelled {
			return nil
		}
	}
}

// topUpBuys extends the ladder downward until n buys are open or a guard
// (pending placement, max investment, quote balance) stops it.
func (g *GridBot) topUpBuys(ctx context.Context) (bool, error) {
	placedAny := false
	for {
		buys, err := g.store.OpenOrders(ctx, g.userref, types.Buy)
		if err != nil {
			return placedAny, err
		}
		if len(buys) >= g.nOpenBuys {
			return placedAny, nil
		}
		hasPending, err := g.store.HasPending(ctx, g.userref)
		if err != nil {
			return placedAny, err
		}
		if hasPending {
			return placedAny, nil
		}
		reached, err := g.maxInvestmentReached(ctx)
		if err != nil {
			return placedAny, err
		}
		if reached {
			return placedAny, nil
		}
		bal, err := g.ex.Balances(ctx)
		if err != nil {
			return placedAny, err
		}
		if !bal.QuoteAvailable().GreaterThan(g.amount.Mul(one.Add(g.fee))) {
			return placedAny, nil
		}

		pLast := g.ticker
		if len(buys) > 0 {
			pLast = buys[0].Price // lowest open buy
		}
		price := g.buyPrice(pLast, g.ticker)

		placed, err := g.placeBuy(ctx, price, "")
		if err != nil {
			return placedAny, err
		}
		if !placed {
			return placedAny, nil
		}
		placedAny = true
	}
}

// trimSurplusBuys cancels the lowest-priced buys until the count matches
// the configured target.
func (g *GridBot) trimSurplusBuys(ctx context.Context) error {
	buys, err := g.store.OpenOrders(ctx, g.userref, types.Buy)
	if err != nil {
		return err
	}
	for i := 0; len(buys)-i > g.nOpenBuys; i++ {
		if err := g.handleCancel(ctx, buys[i].TxID); err != nil {
			return err
		}
	}
	return nil
}

// shiftUp rebuilds the ladder when the market has run away upward: once
// the ticker clears the highest buy by two intervals plus the hysteresis
// band, every open buy is cancelled so the next loop iteration re-places
// them near the new price.
func (g *GridBot) shiftUp(ctx context.Context) (bool, error) {
	buys, err := g.store.OpenOrders(ctx, g.userref, types.Buy)
	if err != nil {
		return false, err
	}
	if len(buys) == 0 {
		return false, nil
	}
	maxBuy := buys[len(buys)-1].Price
	sq := one.Add(g.interval).Mul(one.Add(g.interval))
	threshold := maxBuy.Mul(sq).Mul(shiftUpFactor)
	if !g.ticker.GreaterThan(threshold) {
		return false, nil
	}

	g.logger.Info("shifting grid up", "ticker", g.ticker, "highest_buy", maxBuy)
	for _, o := range buys {
		if err := g.handleCancel(ctx, o.TxID); err != nil {
			return false, err
		}
	}
	return true, nil
}

// placeExtraSell sells spare base inventory two intervals above the market
// when no sell is resting (SWING only).
func (g *GridBot) placeExtraSell(ctx context.Context) error {
	sells, err := g.store.OpenOrders(ctx, g.userref, types.Sell)
	if err != nil {
		return err
	}
	if len(sells) > 0 {
		return nil
	}
	bal, err := g.ex.Balances(ctx)
	if err != nil {
		return err
	}
	if !bal.BaseAvailable().Mul(g.ticker).GreaterThan(g.amount.Mul(one.Add(g.fee))) {
		return nil
	}
	price, err := g.extraSellPrice(ctx, g.ticker)
	if err != nil {
		return err
	}
	_, err = g.placeSell(ctx, price, "")
	return err
}

// ————————————————————————————————————————————————————————————————————————
// Execution events
// ————————————————————————————————————————————————————————————————————————

func (g *GridBot) onOrderPlaced(ctx context.Context, txid string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.assignOrderByTxid(ctx, txid)
}

// assignOrderByTxid confirms a placement into the local orderbook and
// clears it from pending. Idempotent: a second application updates the
// existing row.
func (g *GridBot) assignOrderByTxid(ctx context.Context, txid string) error {
	orders, err := g.ex.OrdersInfo(ctx, []string{txid})
	if err != nil {
		return err
	}
	o, ok := orders[txid]
	if !ok {
		// Not visible on the REST side yet; the pending entry keeps it
		// alive for the next reconciliation.
		return nil
	}
	if !g.owns(o) {
		g.logger.Warn("ignoring order not owned by this instance",
			"txid", txid, "userref", o.Userref, "symbol", o.Symbol)
		return nil
	}
	if err := g.store.UpsertOrder(ctx, o); err != nil {
		return err
	}
	return g.store.RemovePending(ctx, txid)
}

func (g *GridBot) onOrderFilled(ctx context.Context, txid string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handleFilled(ctx, txid)
}

func (g *GridBot) handleFilled(ctx context.Context, txid string) error {
	local, err := g.store.GetOrder(ctx, txid)
	if err != nil {
		return err
	}
	if local == nil {
		// A fill for a pending placement can beat its confirmation.
		hasPending, err := g.store.HasPending(ctx, g.userref)
		if err != nil {
			return err
		}
		if hasPending {
			if err := g.reconcile(ctx); err != nil {
				return err
			}
			if local, err = g.store.GetOrder(ctx, txid); err != nil {
				return err
			}
		}
		if local == nil {
			return nil
		}
	}

	// The stream can outrun the REST view; wait for it to show closed.
	order, found, err := g.getOrderWithRetry(ctx, txid, 3)
	if err != nil {
		return err
	}
	if !found {
		g.logger.Warn("filled order not found upstream", "txid", txid)
		return nil
	}
	for n := 1; order.Status != types.StatusClosed && n <= 3; n++ {
		g.sleep(time.Duration(2*n) * time.Second)
		if order, found, err = g.getOrderWithRetry(ctx, txid, 1); err != nil {
			return err
		}
		if !found {
			return nil
		}
	}
	if order.Status != types.StatusClosed {
		g.logger.Warn("order reported filled but not closed upstream, giving up",
			"txid", txid, "status", order.Status)
		return nil
	}
	if !g.owns(order) {
		return nil
	}
	if err := g.store.UpsertOrder(ctx, order); err != nil {
		return err
	}

	g.notify("%s: filled %s %s %s @ %s %s", g.cfg.Name, order.Side,
		order.VolumeExec, g.cfg.Trading.BaseCurrency, order.Price, g.cfg.Trading.QuoteCurrency)

	if order.Side == types.Buy {
		if !g.policy.PlacesSells() {
			return g.store.RemoveOrder(ctx, txid)
		}
		price, err := g.sellPrice(ctx, order.Price)
		if err != nil {
			return err
		}
		_, err = g.placeSell(ctx, price, txid)
		return err
	}

	// Filled sell: re-open a buy one interval below, but only while other
	// sells remain. When the last sell fills the market is above the whole
	// grid and the shift-up rule will rebuild it at the right level.
	sells, err := g.store.OpenOrders(ctx, g.userref, types.Sell)
	if err != nil {
		return err
	}
	remaining := 0
	for _, s := range sells {
		if s.TxID != txid {
			remaining++
		}
	}
	if remaining == 0 {
		return g.store.RemoveOrder(ctx, txid)
	}
	price := g.buyPrice(order.Price, g.ticker)
	_, err = g.placeBuy(ctx, price, txid)
	return err
}

func (g *GridBot) onOrderCancelled(ctx context.Context, txid string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handleCancel(ctx, txid)
}

// handleCancel removes an order from both sides, salvaging any partial
// fill. Unknown txids are a no-op, which makes the handler idempotent.
func (g *GridBot) handleCancel(ctx context.Context, txid string) error {
	local, err := g.store.GetOrder(ctx, txid)
	if err != nil {
		return err
	}
	if local == nil {
		return nil
	}

	order := *local
	if upstream, found, err := g.getOrderWithRetry(ctx, txid, 1); err != nil {
		return err
	} else if found {
		if !g.owns(upstream) {
			g.logger.Warn("cancel for order not owned by this instance", "txid", txid)
			return nil
		}
		order = upstream
	}

	if err := g.ex.CancelOrder(ctx, txid); err != nil {
		return err
	}
	if err := g.store.RemoveOrder(ctx, txid); err != nil {
		return err
	}

	if order.VolumeExec.IsZero() || order.Side != types.Buy {
		return nil
	}
	return g.salvagePartialFill(ctx, order)
}

// salvagePartialFill accumulates partially executed buy volume until it is
// worth a full grid level, then sells it off in one order.
func (g *GridBot) salvagePartialFill(ctx context.Context, order types.Order) error {
	c, err := g.store.GetConfiguration(ctx, g.userref)
	if err != nil {
		return err
	}
	vol := c.VolOfUnfilledRemaining.Add(order.VolumeExec)
	maxPrice := c.VolOfUnfilledRemainingMaxPrice
	if order.Price.GreaterThan(maxPrice) {
		maxPrice = order.Price
	}
	if err := g.store.SetUnfilledRemaining(ctx, g.userref, vol, maxPrice); err != nil {
		return err
	}
	g.logger.Info("accumulated partial fill",
		"txid", order.TxID, "vol", vol, "max_price", maxPrice)

	if vol.Mul(maxPrice).LessThan(g.amount) {
		return nil
	}
	// cDCA never sells; the accumulated volume simply stays in the balance.
	if !g.policy.PlacesSells() {
		return nil
	}

	price, err := g.sellPrice(ctx, maxPrice)
	if err != nil {
		return err
	}
	placed, err := g.placeSell(ctx, price, "")
	if err != nil {
		return err
	}
	if placed {
		return g.store.SetUnfilledRemaining(ctx, g.userref, decimal.Zero, decimal.Zero)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Order placement (the arbitrage path)
// ————————————————————————————————————————————————————————————————————————

// placeBuy opens one grid level. txidToDelete names a filled sell being
// replaced. Returns whether an order was actually placed; guard conditions
// (ladder full, max investment, insufficient quote) return false, nil.
func (g *GridBot) placeBuy(ctx context.Context, price decimal.Decimal, txidToDelete string) (bool, error) {
	if g.dryRun {
		g.logger.Info("DRY-RUN: would place buy", "price", price)
		return false, nil
	}
	if txidToDelete != "" {
		if err := g.store.RemoveOrder(ctx, txidToDelete); err != nil {
			return false, err
		}
	}

	buys, err := g.store.OpenOrders(ctx, g.userref, types.Buy)
	if err != nil {
		return false, err
	}
	if len(buys) >= g.nOpenBuys {
		return false, nil
	}
	reached, err := g.maxInvestmentReached(ctx)
	if err != nil {
		return false, err
	}
	if reached {
		g.logger.Info("max investment reached, not placing buy")
		return false, nil
	}

	price = g.pair.TruncPrice(price)
	volume := g.pair.TruncVolume(g.amount.Div(price))

	bal, err := g.ex.Balances(ctx)
	if err != nil {
		return false, err
	}
	if !bal.QuoteAvailable().GreaterThan(g.amount.Mul(one.Add(g.fee))) {
		g.notify("%s: insufficient %s to place buy at %s",
			g.cfg.Name, g.cfg.Trading.QuoteCurrency, price)
		return false, nil
	}

	txid, err := g.ex.CreateOrder(ctx, types.Buy, price, volume)
	if errors.Is(err, exchange.ErrInsufficientFunds) {
		g.notify("%s: exchange rejected buy at %s: insufficient funds", g.cfg.Name, price)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := g.store.AddPending(ctx, g.userref, txid); err != nil {
		return false, err
	}
	g.logger.Info("buy placed", "txid", txid, "price", price, "volume", volume)
	return true, g.assignOrderByTxid(ctx, txid)
}

// placeSell places the counter-sell for a filled buy (txidToDelete set) or
// a standalone sell (salvage, SWING extra). The unsold-buy entry is written
// before the placement attempt so a crash in between is recoverable.
func (g *GridBot) placeSell(ctx context.Context, price decimal.Decimal, txidToDelete string) (bool, error) {
	if g.dryRun {
		g.logger.Info("DRY-RUN: would place sell", "price", price)
		return false, nil
	}

	var sourceBuy types.Order
	if txidToDelete != "" {
		if err := g.store.AddUnsoldBuy(ctx, g.userref, txidToDelete, price); err != nil {
			return false, err
		}
		// The buy must be fully visible before its volume can be trusted.
		for n := 1; ; n++ {
			o, found, err := g.getOrderWithRetry(ctx, txidToDelete, 1)
			if err != nil {
				return false, err
			}
			if found && o.Status == types.StatusClosed && o.VolumeExec.GreaterThan(decimal.Zero) {
				sourceBuy = o
				break
			}
			if n >= 10 {
				g.logger.Warn("source buy not settled, leaving unsold entry for reconciliation",
					"txid", txidToDelete)
				return false, nil
			}
			g.sleep(time.Second)
		}
	}

	price = g.pair.TruncPrice(price)
	var volume decimal.Decimal
	if g.policy.SellsBuyVolume() && txidToDelete != "" {
		volume = g.pair.TruncVolume(sourceBuy.VolumeExec)
	} else {
		volume = g.pair.TruncVolume(g.sellVolume(price))
	}

	bal, err := g.ex.Balances(ctx)
	if err != nil {
		return false, err
	}
	if bal.BaseAvailable().LessThan(volume) {
		g.notify("%s: insufficient %s to place sell at %s",
			g.cfg.Name, g.cfg.Trading.BaseCurrency, price)
		if g.policy.SellsBuyVolume() && txidToDelete != "" {
			// GridSell holds no reserve: a missing counter-sell here is a
			// misconfiguration. Drop the buy; the unsold entry retries the
			// sell after the supervisor restarts the process.
			if err := g.store.RemoveOrder(ctx, txidToDelete); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	txid, err := g.ex.CreateOrder(ctx, types.Sell, price, volume)
	if errors.Is(err, exchange.ErrInsufficientFunds) {
		g.notify("%s: exchange rejected sell at %s: insufficient funds", g.cfg.Name, price)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := g.store.AddPending(ctx, g.userref, txid); err != nil {
		return false, err
	}
	if txidToDelete != "" {
		if err := g.store.RemoveOrder(ctx, txidToDelete); err != nil {
			return false, err
		}
		if err := g.store.RemoveUnsoldBuy(ctx, txidToDelete); err != nil {
			return false, err
		}
	}
	g.logger.Info("sell placed", "txid", txid, "price", price, "volume", volume)
	return true, g.assignOrderByTxid(ctx, txid)
}
