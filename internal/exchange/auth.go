// auth.go implements Kraken private-endpoint request signing.
//
// Every private call carries two headers:
//
//	API-Key:  the public API key
//	API-Sign: HMAC-SHA512(path + SHA256(nonce + POST data), base64(secret))
//
// The nonce is a strictly increasing millisecond timestamp; a mutex keeps
// it monotonic even if two calls land in the same millisecond.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// Auth signs private REST requests.
type Auth struct {
	key    string
	secret []byte

	mu        sync.Mutex
	lastNonce int64
}

// NewAuth creates a signer from the API key pair. The secret is the
// base64-encoded private key as issued by the exchange.
func NewAuth(apiKey, apiSecret string) (*Auth, error) {
	secret, err := base64.StdEncoding.DecodeString(apiSecret)
	if err != nil {
		return nil, fmt.Errorf("decode api secret: %w", err)
	}
	return &Auth{key: apiKey, secret: secret}, nil
}

// Key returns the public API key.
func (a *Auth) Key() string { return a.key }

// Nonce returns a strictly increasing nonce.
func (a *Auth) Nonce() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := time.Now().UnixMilli()
	if n <= a.lastNonce {
		n = a.lastNonce + 1
	}
	a.lastNonce = n
	return strconv.FormatInt(n, 10)
}

// Sign computes the API-Sign header for a private endpoint call.
// path is the URI path (e.g. "/0/private/AddOrder"), values the form data
// including the nonce.
func (a *Auth) Sign(path string, values url.Values) string {
	nonce := values.Get("nonce")
	sha := sha256.Sum256([]byte(nonce + values.Encode()))

	mac := hmac.New(sha512.New, a.secret)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
