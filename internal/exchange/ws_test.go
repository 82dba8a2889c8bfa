package exchange

import (
	"testing"

	"github.com/shopspring/decimal"

	"kraken-gridbot/pkg/types"
)

func TestParseTickerMessage(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"channel":"ticker","type":"update","data":[{"symbol":"BTC/USD","bid":49999.9,"ask":50000.1,"last":50000.0}]}`)

	msg, ok, err := parseStreamMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !ok {
		t.Fatal("ticker message dropped")
	}
	if msg.Channel != "ticker" || msg.Ticker == nil {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.Ticker.Symbol != "BTC/USD" {
		t.Fatalf("symbol = %s", msg.Ticker.Symbol)
	}
	if !msg.Ticker.Last.Equal(decimal.RequireFromString("50000.0")) {
		t.Fatalf("last = %s, want 50000.0", msg.Ticker.Last)
	}
}

func TestParseExecutionsMessage(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"channel":"executions","type":"update","data":[` +
		`{"order_id":"TX-1","exec_type":"filled","order_status":"filled"},` +
		`{"order_id":"TX-2","exec_type":"new","order_status":"new"}]}`)

	msg, ok, err := parseStreamMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !ok || msg.Channel != "executions" {
		t.Fatalf("msg = %+v, ok = %v", msg, ok)
	}
	if len(msg.Executions) != 2 {
		t.Fatalf("got %d executions, want 2", len(msg.Executions))
	}
	if msg.Executions[0].TxID != "TX-1" || msg.Executions[0].ExecType != types.ExecFilled {
		t.Fatalf("exec[0] = %+v", msg.Executions[0])
	}
	if msg.Executions[1].TxID != "TX-2" || msg.Executions[1].ExecType != types.ExecNew {
		t.Fatalf("exec[1] = %+v", msg.Executions[1])
	}
}

func TestParseIgnoresKeepaliveTraffic(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{
		`{"channel":"heartbeat"}`,
		`{"channel":"status","type":"update","data":[{"system":"online"}]}`,
		`{"method":"pong","time_in":"t","time_out":"t"}`,
	} {
		_, ok, err := parseStreamMessage([]byte(raw))
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		if ok {
			t.Fatalf("message not dropped: %s", raw)
		}
	}
}

func TestParseSubscriptionAck(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"method":"subscribe","success":false,"error":"Currency pair not supported","result":{"channel":"ticker"}}`)

	msg, ok, err := parseStreamMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !ok {
		t.Fatal("subscription ack dropped")
	}
	if msg.Method != "subscribe" {
		t.Fatalf("method = %s", msg.Method)
	}
	if msg.Success == nil || *msg.Success {
		t.Fatal("failed ack not marked unsuccessful")
	}
	if msg.Error != "Currency pair not supported" {
		t.Fatalf("error = %q", msg.Error)
	}
}

func TestParseRejectsMalformedFrame(t *testing.T) {
	t.Parallel()
	if _, _, err := parseStreamMessage([]byte(`{not json`)); err == nil {
		t.Fatal("expected parse error")
	}
}
