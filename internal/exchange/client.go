// Package exchange implements the Kraken REST and WebSocket clients.
//
// The REST client (Client) covers everything the grid needs:
//   - SystemStatus:     GET  /0/public/SystemStatus  — online check at startup
//   - AssetPairInfo:    GET  /0/public/AssetPairs    — pair precision + fee schedule
//   - Balances:         POST /0/private/BalanceEx    — balances incl. held amounts
//   - CreateOrder:      POST /0/private/AddOrder     — post-only limit orders
//   - CancelOrder:      POST /0/private/CancelOrder  — cancel one txid
//   - CancelAll:        POST /0/private/CancelAll    — emergency cancel everything
//   - OrdersInfo:       POST /0/private/QueryOrders  — resolve txids to orders
//   - OpenOrdersByUserref / ClosedOrdersExist        — reconciliation queries
//   - WebSocketToken:   POST /0/private/GetWebSocketsToken
//
// Every request is rate-limited via per-category limiters, retried on 5xx,
// and signed with the API-Sign HMAC scheme (public endpoints excepted).
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"kraken-gridbot/internal/config"
	"kraken-gridbot/pkg/types"
)

// Kraken uses legacy asset codes in pair names. The config speaks the
// common ticker; translate before building the pair query.
var assetAliases = map[string]string{
	"BTC":  "XBT",
	"DOGE": "XDG",
}

// Client is the Kraken REST API client. It wraps a resty HTTP client with
// rate limiting, retry, and request signing.
type Client struct {
	http    *resty.Client
	auth    *Auth // nil in dry-run mode without credentials
	rl      *RateLimiter
	dryRun  bool
	base    string // configured base currency, e.g. "BTC"
	quote   string // configured quote currency, e.g. "USD"
	userref int64
	logger  *slog.Logger

	pairMu   sync.Mutex
	pairInfo *types.AssetPairInfo // cached after first AssetPairInfo call

	dryRunSeq atomic.Int64 // synthetic txid counter for dry-run orders
}

// NewClient creates a REST client with rate limiting and retry. auth may be
// nil only when cfg.DryRun is set.
func NewClient(cfg *config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Exchange.RESTURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &Client{
		http:    httpClient,
		auth:    auth,
		rl:      NewRateLimiter(),
		dryRun:  cfg.DryRun,
		base:    cfg.Trading.BaseCurrency,
		quote:   cfg.Trading.QuoteCurrency,
		userref: cfg.Userref,
		logger:  logger.With("component", "exchange"),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Transport
// ————————————————————————————————————————————————————————————————————————

func (c *Client) public(ctx context.Context, endpoint string, params url.Values, out any) error {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return err
	}

	req := c.http.R().SetContext(ctx)
	for k := range params {
		req.SetQueryParam(k, params.Get(k))
	}
	resp, err := req.Get("/0/public/" + endpoint)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	return c.decode(endpoint, resp, out)
}

func (c *Client) private(ctx context.Context, endpoint string, limiter interface {
	Wait(context.Context) error
}, params url.Values, out any) error {
	if c.auth == nil {
		return fmt.Errorf("%s: no credentials configured", endpoint)
	}
	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("nonce", c.auth.Nonce())

	path := "/0/private/" + endpoint
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("API-Key", c.auth.Key()).
		SetHeader("API-Sign", c.auth.Sign(path, params)).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(params.Encode()).
		Post(path)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	return c.decode(endpoint, resp, out)
}

// decode unwraps the Kraken response envelope, mapping API error codes to
// sentinels and unmarshalling the result payload into out.
func (c *Client) decode(endpoint string, resp *resty.Response, out any) error {
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", endpoint, resp.StatusCode(), resp.String())
	}
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("%s: decode envelope: %w", endpoint, err)
	}
	if err := apiError(endpoint, env.Error); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", endpoint, err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Public endpoints
// ————————————————————————————————————————————————————————————————————————

// SystemStatus returns the exchange status string ("online" when trading
// is fully available).
func (c *Client) SystemStatus(ctx context.Context) (string, error) {
	var result systemStatusResult
	if err := c.public(ctx, "SystemStatus", nil, &result); err != nil {
		return "", err
	}
	return result.Status, nil
}

// AssetPairInfo fetches precision and fee metadata for the configured pair.
// The result is cached for the lifetime of the client; pair metadata does
// not change within a session.
func (c *Client) AssetPairInfo(ctx context.Context) (types.AssetPairInfo, error) {
	c.pairMu.Lock()
	defer c.pairMu.Unlock()
	if c.pairInfo != nil {
		return *c.pairInfo, nil
	}

	base := c.base
	if alias, ok := assetAliases[base]; ok {
		base = alias
	}
	quote := c.quote
	if alias, ok := assetAliases[quote]; ok {
		quote = alias
	}

	params := url.Values{}
	params.Set("pair", base+quote)
	var result map[string]assetPairPayload
	if err := c.public(ctx, "AssetPairs", params, &result); err != nil {
		return types.AssetPairInfo{}, err
	}
	if len(result) != 1 {
		return types.AssetPairInfo{}, fmt.Errorf("AssetPairs: %d results for %s%s", len(result), base, quote)
	}

	for _, p := range result {
		info := types.AssetPairInfo{
			Altname:      p.Altname,
			WSName:       p.WSName,
			Base:         p.Base,
			Quote:        p.Quote,
			CostDecimals: p.PairDecimals,
			LotDecimals:  p.LotDecimals,
		}
		// Kraken reports fees in percent; convert to fractions.
		for _, tier := range p.FeesMaker {
			if len(tier) != 2 {
				continue
			}
			vol, err := decimal.NewFromString(tier[0].String())
			if err != nil {
				return types.AssetPairInfo{}, fmt.Errorf("AssetPairs: fee tier volume: %w", err)
			}
			pct, err := decimal.NewFromString(tier[1].String())
			if err != nil {
				return types.AssetPairInfo{}, fmt.Errorf("AssetPairs: fee tier percent: %w", err)
			}
			info.FeesMaker = append(info.FeesMaker, types.FeeTier{
				Volume: vol,
				Fee:    pct.Div(decimal.NewFromInt(100)),
			})
		}
		c.pairInfo = &info
		c.logger.Info("asset pair resolved",
			"altname", info.Altname,
			"wsname", info.WSName,
			"cost_decimals", info.CostDecimals,
			"lot_decimals", info.LotDecimals,
			"maker_fee", info.MakerFee(),
		)
		return info, nil
	}
	return types.AssetPairInfo{}, fmt.Errorf("AssetPairs: empty result")
}

// ————————————————————————————————————————————————————————————————————————
// Private endpoints
// ————————————————————————————————————————————————————————————————————————

// Balances returns the account balance for the configured pair, including
// the amounts held in open orders. In dry-run mode without credentials a
// generously funded synthetic balance is returned so decision logic can run.
func (c *Client) Balances(ctx context.Context) (types.PairBalance, error) {
	if c.dryRun && c.auth == nil {
		return types.PairBalance{
			Base:  decimal.NewFromInt(1_000_000),
			Quote: decimal.NewFromInt(1_000_000_000),
		}, nil
	}

	var result map[string]balanceEntry
	if err := c.private(ctx, "BalanceEx", c.rl.Query, nil, &result); err != nil {
		return types.PairBalance{}, err
	}

	pair, err := c.AssetPairInfo(ctx)
	if err != nil {
		return types.PairBalance{}, err
	}

	var bal types.PairBalance
	if entry, ok := result[pair.Base]; ok {
		if bal.Base, bal.BaseHeld, err = parseBalance(entry); err != nil {
			return types.PairBalance{}, fmt.Errorf("BalanceEx: %s: %w", pair.Base, err)
		}
	}
	if entry, ok := result[pair.Quote]; ok {
		if bal.Quote, bal.QuoteHeld, err = parseBalance(entry); err != nil {
			return types.PairBalance{}, fmt.Errorf("BalanceEx: %s: %w", pair.Quote, err)
		}
	}
	return bal, nil
}

func parseBalance(e balanceEntry) (total, held decimal.Decimal, err error) {
	if total, err = decimal.NewFromString(e.Balance); err != nil {
		return
	}
	if e.HoldTrade == "" {
		return
	}
	held, err = decimal.NewFromString(e.HoldTrade)
	return
}

// CreateOrder places a limit order tagged with the bot's userref and
// returns the exchange txid. Buys are post-only; sells are plain limits so
// a counter-sell that would cross after the price moved still fills.
// Price and volume must already be truncated to the pair's precision.
// In dry-run mode no order is sent; a synthetic txid is returned so the
// rest of the pipeline exercises normally.
func (c *Client) CreateOrder(ctx context.Context, side types.Side, price, volume decimal.Decimal) (string, error) {
	if c.dryRun {
		txid := fmt.Sprintf("DRYRUN-%06d", c.dryRunSeq.Add(1))
		c.logger.Info("DRY-RUN: would place order",
			"side", side, "price", price, "volume", volume, "txid", txid)
		return txid, nil
	}

	pair, err := c.AssetPairInfo(ctx)
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("pair", pair.Altname)
	params.Set("type", string(side))
	params.Set("ordertype", "limit")
	params.Set("price", price.String())
	params.Set("volume", volume.String())
	if side == types.Buy {
		params.Set("oflags", "post")
	}
	params.Set("userref", strconv.FormatInt(c.userref, 10))

	var result addOrderResult
	if err := c.private(ctx, "AddOrder", c.rl.Order, params, &result); err != nil {
		return "", err
	}
	if len(result.TxID) == 0 {
		return "", fmt.Errorf("AddOrder: no txid in response")
	}

	c.logger.Info("order placed",
		"txid", result.TxID[0], "side", side, "price", price, "volume", volume)
	return result.TxID[0], nil
}

// CancelOrder cancels a single order. Cancelling an order the exchange no
// longer knows is treated as success: the order is gone either way.
func (c *Client) CancelOrder(ctx context.Context, txid string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "txid", txid)
		return nil
	}
	err := c.cancel(ctx, txid)
	if errors.Is(err, ErrUnknownOrder) {
		c.logger.Warn("cancel of unknown order ignored", "txid", txid)
		return nil
	}
	return err
}

func (c *Client) cancel(ctx context.Context, txid string) error {
	params := url.Values{}
	params.Set("txid", txid)
	var result cancelResult
	return c.private(ctx, "CancelOrder", c.rl.Cancel, params, &result)
}

// CancelAll cancels every open order on the account, regardless of userref,
// and returns the number cancelled.
func (c *Client) CancelAll(ctx context.Context) (int, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return 0, nil
	}
	var result cancelResult
	if err := c.private(ctx, "CancelAll", c.rl.Cancel, nil, &result); err != nil {
		return 0, err
	}
	c.logger.Warn("all orders cancelled", "count", result.Count)
	return result.Count, nil
}

// OrdersInfo resolves txids to their current order state. Txids unknown to
// the exchange are absent from the result rather than an error.
func (c *Client) OrdersInfo(ctx context.Context, txids []string) (map[string]types.Order, error) {
	if len(txids) == 0 {
		return map[string]types.Order{}, nil
	}

	orders := make(map[string]types.Order, len(txids))
	// QueryOrders accepts at most 50 txids per call.
	for start := 0; start < len(txids); start += 50 {
		end := min(start+50, len(txids))

		params := url.Values{}
		params.Set("txid", strings.Join(txids[start:end], ","))
		var result map[string]orderInfo
		err := c.private(ctx, "QueryOrders", c.rl.Query, params, &result)
		if errors.Is(err, ErrUnknownOrder) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for txid, info := range result {
			o, err := c.orderFromInfo(txid, info)
			if err != nil {
				return nil, err
			}
			orders[txid] = o
		}
	}
	return orders, nil
}

// OpenOrdersByUserref returns the account's open orders carrying the bot's
// userref.
func (c *Client) OpenOrdersByUserref(ctx context.Context) ([]types.Order, error) {
	if c.dryRun && c.auth == nil {
		return nil, nil
	}

	var result openOrdersResult
	if err := c.private(ctx, "OpenOrders", c.rl.Query, nil, &result); err != nil {
		return nil, err
	}

	var orders []types.Order
	for txid, info := range result.Open {
		if info.Userref != c.userref {
			continue
		}
		o, err := c.orderFromInfo(txid, info)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// ClosedOrdersExist reports whether the account has any closed orders at
// all. Used once at startup to verify the query-closed-orders permission.
func (c *Client) ClosedOrdersExist(ctx context.Context) (bool, error) {
	params := url.Values{}
	params.Set("ofs", "0")
	var result closedOrdersResult
	if err := c.private(ctx, "ClosedOrders", c.rl.Query, params, &result); err != nil {
		return false, err
	}
	return result.Count > 0, nil
}

// WebSocketToken fetches a fresh token for authenticated WebSocket
// subscriptions. Tokens expire if unused, so one is fetched per connect.
func (c *Client) WebSocketToken(ctx context.Context) (string, error) {
	var result wsTokenResult
	if err := c.private(ctx, "GetWebSocketsToken", c.rl.Query, nil, &result); err != nil {
		return "", err
	}
	return result.Token, nil
}

// CheckAPIKeyPermissions verifies the key can query funds, query open and
// closed orders, and cancel orders. A key missing any of these would fail
// at an unpredictable point mid-session; better to fail at startup.
func (c *Client) CheckAPIKeyPermissions(ctx context.Context) error {
	if c.dryRun && c.auth == nil {
		return nil
	}
	if _, err := c.Balances(ctx); err != nil {
		return fmt.Errorf("query funds permission: %w", err)
	}
	if _, err := c.OpenOrdersByUserref(ctx); err != nil {
		return fmt.Errorf("query open orders permission: %w", err)
	}
	if _, err := c.ClosedOrdersExist(ctx); err != nil {
		return fmt.Errorf("query closed orders permission: %w", err)
	}
	// Cancelling a txid that cannot exist exercises the cancel permission;
	// the expected outcome is ErrUnknownOrder.
	err := c.cancel(ctx, "OOOOOO-OOOOO-OOOOOO")
	if err != nil && !errors.Is(err, ErrUnknownOrder) {
		return fmt.Errorf("cancel order permission: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

func (c *Client) orderFromInfo(txid string, info orderInfo) (types.Order, error) {
	price, err := decimal.NewFromString(info.Descr.Price)
	if err != nil {
		return types.Order{}, fmt.Errorf("order %s: price %q: %w", txid, info.Descr.Price, err)
	}
	vol, err := decimal.NewFromString(info.Vol)
	if err != nil {
		return types.Order{}, fmt.Errorf("order %s: volume %q: %w", txid, info.Vol, err)
	}
	volExec := decimal.Zero
	if info.VolExec != "" {
		if volExec, err = decimal.NewFromString(info.VolExec); err != nil {
			return types.Order{}, fmt.Errorf("order %s: vol_exec %q: %w", txid, info.VolExec, err)
		}
	}

	sec := int64(info.OpenTm)
	nsec := int64((info.OpenTm - float64(sec)) * 1e9)

	return types.Order{
		TxID:       txid,
		Userref:    info.Userref,
		Symbol:     info.Descr.Pair,
		Side:       types.Side(info.Descr.Type),
		Price:      price,
		Volume:     vol,
		VolumeExec: volExec,
		Status:     types.OrderStatus(info.Status),
		CreatedAt:  time.Unix(sec, nsec).UTC(),
	}, nil
}
