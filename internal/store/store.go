// Package store persists the bot's trading state in SQLite.
//
// Four tables, all keyed by userref so multiple bot instances can share one
// database file:
//
//	orderbook        — local mirror of our orders on the exchange
//	configuration    — grid parameters and tracking counters per instance
//	pending_txids    — placements accepted upstream but not yet reconciled
//	unsold_buy_txids — filled buys whose counter-sell is not yet accepted
//
// WAL mode is enabled for crash recovery. Prices and volumes are stored as
// TEXT and converted to decimal at the boundary so no precision is lost.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"kraken-gridbot/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS orderbook (
	txid       TEXT PRIMARY KEY,
	userref    INTEGER NOT NULL,
	symbol     TEXT NOT NULL,
	side       TEXT NOT NULL,
	price      TEXT NOT NULL,
	volume     TEXT NOT NULL,
	vol_exec   TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orderbook_userref ON orderbook(userref);

CREATE TABLE IF NOT EXISTS configuration (
	userref                             INTEGER PRIMARY KEY,
	amount_per_grid                     TEXT NOT NULL,
	interval                            TEXT NOT NULL,
	price_of_highest_buy                TEXT NOT NULL DEFAULT '0',
	vol_of_unfilled_remaining           TEXT NOT NULL DEFAULT '0',
	vol_of_unfilled_remaining_max_price TEXT NOT NULL DEFAULT '0',
	last_price_time                     INTEGER NOT NULL DEFAULT 0,
	last_notification_time              INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pending_txids (
	txid    TEXT PRIMARY KEY,
	userref INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS unsold_buy_txids (
	txid    TEXT PRIMARY KEY,
	userref INTEGER NOT NULL,
	price   TEXT NOT NULL
);
`

// Configuration is the persisted per-userref setup and tracking record.
type Configuration struct {
	Userref                        int64
	AmountPerGrid                  decimal.Decimal
	Interval                       decimal.Decimal
	PriceOfHighestBuy              decimal.Decimal
	VolOfUnfilledRemaining         decimal.Decimal
	VolOfUnfilledRemainingMaxPrice decimal.Decimal
	LastPriceTime                  time.Time
	LastNotificationTime           time.Time
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path.
// Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	// Single writer; the in-memory DSN needs this to share one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Orderbook
// ————————————————————————————————————————————————————————————————————————

// UpsertOrder inserts the order or, if the txid exists, updates it in place.
func (s *Store) UpsertOrder(ctx context.Context, o types.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orderbook (txid, userref, symbol, side, price, volume, vol_exec, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(txid) DO UPDATE SET
			symbol = excluded.symbol,
			side = excluded.side,
			price = excluded.price,
			volume = excluded.volume,
			vol_exec = excluded.vol_exec,
			status = excluded.status`,
		o.TxID, o.Userref, o.Symbol, string(o.Side),
		o.Price.String(), o.Volume.String(), o.VolumeExec.String(),
		string(o.Status), o.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.TxID, err)
	}
	return nil
}

// GetOrder returns the order with the given txid, or nil if not tracked.
func (s *Store) GetOrder(ctx context.Context, txid string) (*types.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT txid, userref, symbol, side, price, volume, vol_exec, status, created_at
		FROM orderbook WHERE txid = ?`, txid)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", txid, err)
	}
	return o, nil
}

// RemoveOrder deletes the order from the local orderbook. Removing an
// untracked txid is a no-op.
func (s *Store) RemoveOrder(ctx context.Context, txid string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM orderbook WHERE txid = ?`, txid); err != nil {
		return fmt.Errorf("remove order %s: %w", txid, err)
	}
	return nil
}

// Orders returns all locally tracked orders for a userref.
func (s *Store) Orders(ctx context.Context, userref int64) ([]types.Order, error) {
	return s.queryOrders(ctx, `
		SELECT txid, userref, symbol, side, price, volume, vol_exec, status, created_at
		FROM orderbook WHERE userref = ? ORDER BY created_at, txid`, userref)
}

// OpenOrders returns the open orders of one side, sorted ascending by price.
func (s *Store) OpenOrders(ctx context.Context, userref int64, side types.Side) ([]types.Order, error) {
	orders, err := s.queryOrders(ctx, `
		SELECT txid, userref, symbol, side, price, volume, vol_exec, status, created_at
		FROM orderbook
		WHERE userref = ? AND side = ? AND status IN ('open', 'pending')
		ORDER BY CAST(price AS REAL), txid`, userref, string(side))
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]types.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (*types.Order, error) {
	var (
		o                      types.Order
		side, status           string
		price, volume, volExec string
		createdAt              int64
	)
	if err := r.Scan(&o.TxID, &o.Userref, &o.Symbol, &side, &price, &volume, &volExec, &status, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("price %q: %w", price, err)
	}
	if o.Volume, err = decimal.NewFromString(volume); err != nil {
		return nil, fmt.Errorf("volume %q: %w", volume, err)
	}
	if o.VolumeExec, err = decimal.NewFromString(volExec); err != nil {
		return nil, fmt.Errorf("vol_exec %q: %w", volExec, err)
	}
	o.Side = types.Side(side)
	o.Status = types.OrderStatus(status)
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &o, nil
}

// ————————————————————————————————————————————————————————————————————————
// Pending txids
// ————————————————————————————————————————————————————————————————————————

// AddPending records a placement accepted by the exchange but not yet
// reconciled into the orderbook. Set semantics: re-adding is a no-op.
func (s *Store) AddPending(ctx context.Context, userref int64, txid string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pending_txids (txid, userref) VALUES (?, ?)`, txid, userref)
	if err != nil {
		return fmt.Errorf("add pending %s: %w", txid, err)
	}
	return nil
}

// RemovePending drops a txid from the pending set.
func (s *Store) RemovePending(ctx context.Context, txid string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_txids WHERE txid = ?`, txid); err != nil {
		return fmt.Errorf("remove pending %s: %w", txid, err)
	}
	return nil
}

// PendingTxids lists the pending txids for a userref.
func (s *Store) PendingTxids(ctx context.Context, userref int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT txid FROM pending_txids WHERE userref = ? ORDER BY txid`, userref)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var txids []string
	for rows.Next() {
		var txid string
		if err := rows.Scan(&txid); err != nil {
			return nil, err
		}
		txids = append(txids, txid)
	}
	return txids, rows.Err()
}

// HasPending reports whether any placement is awaiting reconciliation.
func (s *Store) HasPending(ctx context.Context, userref int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_txids WHERE userref = ?`, userref).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count pending: %w", err)
	}
	return n > 0, nil
}

// ————————————————————————————————————————————————————————————————————————
// Unsold buy txids
// ————————————————————————————————————————————————————————————————————————

// AddUnsoldBuy records a filled buy whose counter-sell at price has not yet
// been accepted. Written before the sell placement so a crash in between
// still leads to the sell being attempted on restart.
func (s *Store) AddUnsoldBuy(ctx context.Context, userref int64, txid string, price decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO unsold_buy_txids (txid, userref, price) VALUES (?, ?, ?)`,
		txid, userref, price.String())
	if err != nil {
		return fmt.Errorf("add unsold buy %s: %w", txid, err)
	}
	return nil
}

// RemoveUnsoldBuy clears the entry once the counter-sell was accepted.
func (s *Store) RemoveUnsoldBuy(ctx context.Context, txid string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM unsold_buy_txids WHERE txid = ?`, txid); err != nil {
		return fmt.Errorf("remove unsold buy %s: %w", txid, err)
	}
	return nil
}

// UnsoldBuys lists the unsold-buy entries for a userref.
func (s *Store) UnsoldBuys(ctx context.Context, userref int64) ([]types.UnsoldBuy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT txid, userref, price FROM unsold_buy_txids WHERE userref = ? ORDER BY txid`, userref)
	if err != nil {
		return nil, fmt.Errorf("list unsold buys: %w", err)
	}
	defer rows.Close()

	var entries []types.UnsoldBuy
	for rows.Next() {
		var (
			e     types.UnsoldBuy
			price string
		)
		if err := rows.Scan(&e.TxID, &e.Userref, &price); err != nil {
			return nil, err
		}
		if e.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("unsold price %q: %w", price, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Configuration
// ————————————————————————————————————————————————————————————————————————

// InitConfiguration creates the configuration row for a userref if it does
// not exist yet. An existing row is left untouched so grid-parameter drift
// can be detected against it.
func (s *Store) InitConfiguration(ctx context.Context, userref int64, amountPerGrid, interval decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO configuration (userref, amount_per_grid, interval)
		VALUES (?, ?, ?)`,
		userref, amountPerGrid.String(), interval.String())
	if err != nil {
		return fmt.Errorf("init configuration: %w", err)
	}
	return nil
}

// GetConfiguration returns the configuration row for a userref.
func (s *Store) GetConfiguration(ctx context.Context, userref int64) (*Configuration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT userref, amount_per_grid, interval, price_of_highest_buy,
		       vol_of_unfilled_remaining, vol_of_unfilled_remaining_max_price,
		       last_price_time, last_notification_time
		FROM configuration WHERE userref = ?`, userref)

	var (
		c                                      Configuration
		amount, interval, highest, vol, volMax string
		priceTime, notifTime                   int64
	)
	err := row.Scan(&c.Userref, &amount, &interval, &highest, &vol, &volMax, &priceTime, &notifTime)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no configuration for userref %d", userref)
	}
	if err != nil {
		return nil, fmt.Errorf("get configuration: %w", err)
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&c.AmountPerGrid, amount},
		{&c.Interval, interval},
		{&c.PriceOfHighestBuy, highest},
		{&c.VolOfUnfilledRemaining, vol},
		{&c.VolOfUnfilledRemainingMaxPrice, volMax},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("configuration value %q: %w", f.src, err)
		}
	}
	c.LastPriceTime = time.Unix(priceTime, 0).UTC()
	c.LastNotificationTime = time.Unix(notifTime, 0).UTC()
	return &c, nil
}

// SetGridParams persists new grid parameters, as after drift detection.
func (s *Store) SetGridParams(ctx context.Context, userref int64, amountPerGrid, interval decimal.Decimal) error {
	return s.updateConfig(ctx, userref,
		`UPDATE configuration SET amount_per_grid = ?, interval = ? WHERE userref = ?`,
		amountPerGrid.String(), interval.String())
}

// SetPriceOfHighestBuy updates the highest-buy tracking price.
func (s *Store) SetPriceOfHighestBuy(ctx context.Context, userref int64, price decimal.Decimal) error {
	return s.updateConfig(ctx, userref,
		`UPDATE configuration SET price_of_highest_buy = ? WHERE userref = ?`, price.String())
}

// SetUnfilledRemaining updates the partial-fill salvage accumulators.
func (s *Store) SetUnfilledRemaining(ctx context.Context, userref int64, vol, maxPrice decimal.Decimal) error {
	return s.updateConfig(ctx, userref, `
		UPDATE configuration
		SET vol_of_unfilled_remaining = ?, vol_of_unfilled_remaining_max_price = ?
		WHERE userref = ?`,
		vol.String(), maxPrice.String())
}

// SetLastPriceTime records when the last ticker was observed.
func (s *Store) SetLastPriceTime(ctx context.Context, userref int64, t time.Time) error {
	return s.updateConfig(ctx, userref,
		`UPDATE configuration SET last_price_time = ? WHERE userref = ?`, t.Unix())
}

// SetLastNotificationTime records when the last status notification was sent.
func (s *Store) SetLastNotificationTime(ctx context.Context, userref int64, t time.Time) error {
	return s.updateConfig(ctx, userref,
		`UPDATE configuration SET last_notification_time = ? WHERE userref = ?`, t.Unix())
}

func (s *Store) updateConfig(ctx context.Context, userref int64, query string, args ...any) error {
	args = append(args, userref)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update configuration: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no configuration for userref %d", userref)
	}
	return nil
}
