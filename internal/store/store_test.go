package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kraken-gridbot/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testOrder(txid string, side types.Side, price string) types.Order {
	return types.Order{
		TxID:      txid,
		Userref:   7,
		Symbol:    "XBTUSD",
		Side:      side,
		Price:     dec(price),
		Volume:    dec("0.002"),
		Status:    types.StatusOpen,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestUpsertOrderIsIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	o := testOrder("TX-1", types.Buy, "49504.9")
	if err := s.UpsertOrder(ctx, o); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Second application updates the existing row rather than duplicating.
	o.VolumeExec = dec("0.001")
	o.Status = types.StatusClosed
	if err := s.UpsertOrder(ctx, o); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	orders, err := s.Orders(ctx, 7)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("got %d orders, want 1", len(orders))
	}
	if orders[0].Status != types.StatusClosed {
		t.Fatalf("status = %s, want closed", orders[0].Status)
	}
	if !orders[0].VolumeExec.Equal(dec("0.001")) {
		t.Fatalf("vol_exec = %s, want 0.001", orders[0].VolumeExec)
	}
}

func TestOpenOrdersFiltersAndSorts(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for _, o := range []types.Order{
		testOrder("TX-1", types.Buy, "49014.7"),
		testOrder("TX-2", types.Buy, "49504.9"),
		testOrder("TX-3", types.Sell, "50500.0"),
	} {
		if err := s.UpsertOrder(ctx, o); err != nil {
			t.Fatalf("upsert %s: %v", o.TxID, err)
		}
	}
	closed := testOrder("TX-4", types.Buy, "48000.0")
	closed.Status = types.StatusClosed
	if err := s.UpsertOrder(ctx, closed); err != nil {
		t.Fatalf("upsert closed: %v", err)
	}

	buys, err := s.OpenOrders(ctx, 7, types.Buy)
	if err != nil {
		t.Fatalf("open buys: %v", err)
	}
	if len(buys) != 2 {
		t.Fatalf("got %d open buys, want 2", len(buys))
	}
	if !buys[0].Price.Equal(dec("49014.7")) || !buys[1].Price.Equal(dec("49504.9")) {
		t.Fatalf("buys not sorted ascending: %s, %s", buys[0].Price, buys[1].Price)
	}

	sells, err := s.OpenOrders(ctx, 7, types.Sell)
	if err != nil {
		t.Fatalf("open sells: %v", err)
	}
	if len(sells) != 1 || sells[0].TxID != "TX-3" {
		t.Fatalf("open sells = %v", sells)
	}
}

func TestRemoveOrderIsIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertOrder(ctx, testOrder("TX-1", types.Buy, "100")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.RemoveOrder(ctx, "TX-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveOrder(ctx, "TX-1"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	got, err := s.GetOrder(ctx, "TX-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatal("order still present after remove")
	}
}

func TestPendingSetSemantics(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	has, err := s.HasPending(ctx, 7)
	if err != nil {
		t.Fatalf("has pending: %v", err)
	}
	if has {
		t.Fatal("fresh store reports pending")
	}

	if err := s.AddPending(ctx, 7, "TX-1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddPending(ctx, 7, "TX-1"); err != nil {
		t.Fatalf("re-add: %v", err)
	}

	txids, err := s.PendingTxids(ctx, 7)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txids) != 1 || txids[0] != "TX-1" {
		t.Fatalf("pending = %v, want [TX-1]", txids)
	}

	if err := s.RemovePending(ctx, "TX-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	has, err = s.HasPending(ctx, 7)
	if err != nil {
		t.Fatalf("has pending: %v", err)
	}
	if has {
		t.Fatal("pending not cleared")
	}
}

func TestUnsoldBuyRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddUnsoldBuy(ctx, 7, "TX-1", dec("50500.0")); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Re-adding with a new price replaces the entry (idempotent on re-entry).
	if err := s.AddUnsoldBuy(ctx, 7, "TX-1", dec("50600.0")); err != nil {
		t.Fatalf("re-add: %v", err)
	}

	entries, err := s.UnsoldBuys(ctx, 7)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if !entries[0].Price.Equal(dec("50600.0")) {
		t.Fatalf("price = %s, want 50600.0", entries[0].Price)
	}

	if err := s.RemoveUnsoldBuy(ctx, "TX-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	entries, err = s.UnsoldBuys(ctx, 7)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries = %v, want none", entries)
	}
}

func TestConfigurationLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InitConfiguration(ctx, 7, dec("100"), dec("0.01")); err != nil {
		t.Fatalf("init: %v", err)
	}
	// Init with different params must not clobber the existing row.
	if err := s.InitConfiguration(ctx, 7, dec("200"), dec("0.02")); err != nil {
		t.Fatalf("second init: %v", err)
	}

	c, err := s.GetConfiguration(ctx, 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !c.AmountPerGrid.Equal(dec("100")) || !c.Interval.Equal(dec("0.01")) {
		t.Fatalf("params = %s/%s, want 100/0.01", c.AmountPerGrid, c.Interval)
	}

	if err := s.SetGridParams(ctx, 7, dec("200"), dec("0.02")); err != nil {
		t.Fatalf("set params: %v", err)
	}
	if err := s.SetPriceOfHighestBuy(ctx, 7, dec("50000")); err != nil {
		t.Fatalf("set highest buy: %v", err)
	}
	if err := s.SetUnfilledRemaining(ctx, 7, dec("0.002"), dec("49504.9")); err != nil {
		t.Fatalf("set unfilled: %v", err)
	}
	now := time.Unix(1700000123, 0).UTC()
	if err := s.SetLastPriceTime(ctx, 7, now); err != nil {
		t.Fatalf("set price time: %v", err)
	}

	c, err = s.GetConfiguration(ctx, 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !c.AmountPerGrid.Equal(dec("200")) || !c.Interval.Equal(dec("0.02")) {
		t.Fatalf("params after update = %s/%s", c.AmountPerGrid, c.Interval)
	}
	if !c.PriceOfHighestBuy.Equal(dec("50000")) {
		t.Fatalf("highest buy = %s", c.PriceOfHighestBuy)
	}
	if !c.VolOfUnfilledRemaining.Equal(dec("0.002")) ||
		!c.VolOfUnfilledRemainingMaxPrice.Equal(dec("49504.9")) {
		t.Fatalf("accumulators = %s @ %s", c.VolOfUnfilledRemaining, c.VolOfUnfilledRemainingMaxPrice)
	}
	if !c.LastPriceTime.Equal(now) {
		t.Fatalf("last price time = %v, want %v", c.LastPriceTime, now)
	}
}

func TestConfigurationMissingUserref(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetConfiguration(ctx, 99); err == nil {
		t.Fatal("expected error for missing configuration")
	}
	if err := s.SetPriceOfHighestBuy(ctx, 99, dec("1")); err == nil {
		t.Fatal("expected error updating missing configuration")
	}
}
