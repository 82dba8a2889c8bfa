package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestOrderIsOpen(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status OrderStatus
		want   bool
	}{
		{StatusPending, true},
		{StatusOpen, true},
		{StatusClosed, false},
		{StatusCanceled, false},
		{StatusExpired, false},
	}
	for _, tc := range cases {
		if got := (Order{Status: tc.status}).IsOpen(); got != tc.want {
			t.Errorf("IsOpen(%s) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestMakerFee(t *testing.T) {
	t.Parallel()

	pair := AssetPairInfo{FeesMaker: []FeeTier{
		{Volume: d("0"), Fee: d("0.0025")},
		{Volume: d("10000"), Fee: d("0.002")},
	}}
	if got := pair.MakerFee(); !got.Equal(d("0.0025")) {
		t.Errorf("MakerFee() = %s, want 0.0025", got)
	}
	if got := (AssetPairInfo{}).MakerFee(); !got.IsZero() {
		t.Errorf("MakerFee() without schedule = %s, want 0", got)
	}
}

func TestTruncation(t *testing.T) {
	t.Parallel()

	pair := AssetPairInfo{CostDecimals: 1, LotDecimals: 8}

	// Truncates, never rounds.
	if got := pair.TruncPrice(d("49504.99")); got.String() != "49504.9" {
		t.Errorf("TruncPrice = %s, want 49504.9", got)
	}
	if got := pair.TruncVolume(d("0.002020209999")); got.String() != "0.00202020" && got.String() != "0.0020202" {
		t.Errorf("TruncVolume = %s, want 0.0020202", got)
	}
}

func TestPairBalanceAvailable(t *testing.T) {
	t.Parallel()

	b := PairBalance{
		Base: d("1.0"), BaseHeld: d("0.6"),
		Quote: d("10000"), QuoteHeld: d("2500"),
	}
	if got := b.BaseAvailable(); !got.Equal(d("0.4")) {
		t.Errorf("BaseAvailable = %s, want 0.4", got)
	}
	if got := b.QuoteAvailable(); !got.Equal(d("7500")) {
		t.Errorf("QuoteAvailable = %s, want 7500", got)
	}
}
