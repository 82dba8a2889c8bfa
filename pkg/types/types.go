// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — orders, tickers,
// trading-pair metadata, balances, and stream event payloads. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderStatus is the lifecycle state of an order as the exchange reports it.
type OrderStatus string

const (
	StatusPending  OrderStatus = "pending"
	StatusOpen     OrderStatus = "open"
	StatusClosed   OrderStatus = "closed"
	StatusCanceled OrderStatus = "canceled"
	StatusExpired  OrderStatus = "expired"
)

// ExecType is the execution report kind delivered on the executions stream.
type ExecType string

const (
	ExecNew      ExecType = "new"
	ExecFilled   ExecType = "filled"
	ExecCanceled ExecType = "canceled"
	ExecExpired  ExecType = "expired"
	ExecPending  ExecType = "pending_new"
	ExecTrade    ExecType = "trade"
)

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// Order is the local record of an exchange order. Symbol is always the
// exchange altname (no separator); VolumeExec never exceeds Volume.
type Order struct {
	TxID       string
	Userref    int64
	Symbol     string
	Side       Side
	Price      decimal.Decimal
	Volume     decimal.Decimal
	VolumeExec decimal.Decimal
	Status     OrderStatus
	CreatedAt  time.Time
}

// IsOpen reports whether the order is still resting on the book.
func (o Order) IsOpen() bool {
	return o.Status == StatusOpen || o.Status == StatusPending
}

// UnsoldBuy records a filled buy whose counter-sell has not yet been
// accepted by the exchange. Price is the sell price to attempt.
type UnsoldBuy struct {
	Userref int64
	TxID    string
	Price   decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Ticker carries the latest observed trade price for a symbol.
type Ticker struct {
	Symbol string
	Last   decimal.Decimal
}

// FeeTier is one entry of the maker fee schedule: Fee applies once the
// 30-day traded volume reaches Volume. Fee is a fraction, not a percentage.
type FeeTier struct {
	Volume decimal.Decimal
	Fee    decimal.Decimal
}

// AssetPairInfo is static-for-a-session pair metadata fetched from the
// exchange. CostDecimals and LotDecimals bound the precision of prices and
// volumes the exchange accepts.
type AssetPairInfo struct {
	Altname      string // e.g. "XBTUSD"
	WSName       string // e.g. "BTC/USD"
	Base         string
	Quote        string
	CostDecimals int
	LotDecimals  int
	FeesMaker    []FeeTier
}

// MakerFee returns the top-tier (lowest-volume) maker fee as a fraction.
func (p AssetPairInfo) MakerFee() decimal.Decimal {
	if len(p.FeesMaker) == 0 {
		return decimal.Zero
	}
	return p.FeesMaker[0].Fee
}

// TruncPrice cuts a price down to the pair's cost precision.
func (p AssetPairInfo) TruncPrice(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(int32(p.CostDecimals))
}

// TruncVolume cuts a volume down to the pair's lot precision.
func (p AssetPairInfo) TruncVolume(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(int32(p.LotDecimals))
}

// PairBalance is the account balance for one base/quote pair. Held amounts
// are locked in open orders; available = total − held.
type PairBalance struct {
	Base      decimal.Decimal
	BaseHeld  decimal.Decimal
	Quote     decimal.Decimal
	QuoteHeld decimal.Decimal
}

// BaseAvailable returns the base balance not locked in open orders.
func (b PairBalance) BaseAvailable() decimal.Decimal { return b.Base.Sub(b.BaseHeld) }

// QuoteAvailable returns the quote balance not locked in open orders.
func (b PairBalance) QuoteAvailable() decimal.Decimal { return b.Quote.Sub(b.QuoteHeld) }

// ————————————————————————————————————————————————————————————————————————
// Stream events
// ————————————————————————————————————————————————————————————————————————

// Execution is a single execution report from the stream: an order entered
// the book, filled, or left the book.
type Execution struct {
	TxID     string
	ExecType ExecType
}
