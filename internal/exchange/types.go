// types.go holds the Kraken REST wire payloads. These structs mirror the
// JSON the API returns and stay private to this package; the client
// converts them into pkg/types values before handing them out.
package exchange

import "encoding/json"

// envelope is the response wrapper every Kraken REST endpoint uses.
// A non-empty Error slice means the call failed even on HTTP 200.
type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

type systemStatusResult struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// assetPairPayload is one entry of the AssetPairs result map. Fee schedules
// come as [volume, percent] pairs with the fee in percent, not fraction.
type assetPairPayload struct {
	Altname      string          `json:"altname"`
	WSName       string          `json:"wsname"`
	Base         string          `json:"base"`
	Quote        string          `json:"quote"`
	PairDecimals int             `json:"pair_decimals"`
	LotDecimals  int             `json:"lot_decimals"`
	FeesMaker    [][]json.Number `json:"fees_maker"`
}

// balanceEntry is one asset of the BalanceEx result. Amounts are strings;
// hold_trade is the portion locked in open orders.
type balanceEntry struct {
	Balance   string `json:"balance"`
	HoldTrade string `json:"hold_trade"`
}

// orderInfo is the order description shared by OpenOrders, ClosedOrders and
// QueryOrders. Only the fields the bot reads are mapped.
type orderInfo struct {
	Userref int64   `json:"userref"`
	Status  string  `json:"status"`
	OpenTm  float64 `json:"opentm"`
	Vol     string  `json:"vol"`
	VolExec string  `json:"vol_exec"`
	Descr   struct {
		Pair  string `json:"pair"`
		Type  string `json:"type"`
		Price string `json:"price"`
	} `json:"descr"`
}

type openOrdersResult struct {
	Open map[string]orderInfo `json:"open"`
}

type closedOrdersResult struct {
	Closed map[string]orderInfo `json:"closed"`
	Count  int                  `json:"count"`
}

type addOrderResult struct {
	Descr struct {
		Order string `json:"order"`
	} `json:"descr"`
	TxID []string `json:"txid"`
}

type cancelResult struct {
	Count int `json:"count"`
}

type wsTokenResult struct {
	Token   string `json:"token"`
	Expires int    `json:"expires"`
}
