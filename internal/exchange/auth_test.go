package exchange

import (
	"net/url"
	"testing"
)

// Key pair and expected signature from the Kraken REST API documentation.
func TestSignMatchesDocumentedVector(t *testing.T) {
	t.Parallel()
	secret := "kQH5HW/8p1uGOVjbgWA7FunAmGO8lsSUXNsu3eow76sz84Q18fWxnyRzBHCd3pd5nE9qa99HAZtuZuj6F1huXg=="
	a, err := NewAuth("key", secret)
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}

	values := url.Values{}
	values.Set("nonce", "1616492376594")
	values.Set("ordertype", "limit")
	values.Set("pair", "XBTUSD")
	values.Set("price", "37500")
	values.Set("type", "buy")
	values.Set("volume", "1.25")

	got := a.Sign("/0/private/AddOrder", values)
	want := "4/dpxb3iT4tp/ZCVEwSnEsLxx0bqyhLpdfOpc6fn7OR8+UClSV5n9E6aSS8MPtnRfp32bAb0nmbRn6H8ndwLUQ=="
	if got != want {
		t.Fatalf("signature mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestNonceIsStrictlyIncreasing(t *testing.T) {
	t.Parallel()
	a, err := NewAuth("key", "c2VjcmV0")
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	prev := ""
	for i := 0; i < 100; i++ {
		n := a.Nonce()
		if prev != "" && n <= prev {
			t.Fatalf("nonce %s not greater than previous %s", n, prev)
		}
		prev = n
	}
}

func TestNewAuthRejectsBadSecret(t *testing.T) {
	t.Parallel()
	if _, err := NewAuth("key", "not-base64!!!"); err == nil {
		t.Fatal("expected error for invalid base64 secret")
	}
}
