package strategy

import (
	"context"

	"github.com/shopspring/decimal"

	"kraken-gridbot/pkg/types"
)

// Exchange is the REST surface the grid needs. Satisfied by
// exchange.Client; tests substitute a fake.
type Exchange interface {
	AssetPairInfo(ctx context.Context) (types.AssetPairInfo, error)
	Balances(ctx context.Context) (types.PairBalance, error)
	CreateOrder(ctx context.Context, side types.Side, price, volume decimal.Decimal) (string, error)
	CancelOrder(ctx context.Context, txid string) error
	OrdersInfo(ctx context.Context, txids []string) (map[string]types.Order, error)
	OpenOrdersByUserref(ctx context.Context) ([]types.Order, error)
}
