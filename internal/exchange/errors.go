package exchange

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors derived from Kraken API error codes. Callers branch on
// these instead of string-matching response bodies.
var (
	// ErrUnknownOrder: cancel or query targeted a txid the exchange does not
	// know (already closed, already canceled, or never existed).
	ErrUnknownOrder = errors.New("unknown order")

	// ErrInsufficientFunds: the account balance cannot cover the order.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrPermissionDenied: the API key lacks a required permission.
	ErrPermissionDenied = errors.New("permission denied")
)

// apiError converts the error strings of a Kraken response envelope into a
// single Go error, mapping known codes onto the sentinels above. Warnings
// (prefixed "W") are ignored.
func apiError(op string, errs []string) error {
	for _, e := range errs {
		if strings.HasPrefix(e, "W") {
			continue
		}
		switch {
		case strings.Contains(e, "Unknown order"):
			return fmt.Errorf("%s: %w", op, ErrUnknownOrder)
		case strings.Contains(e, "Insufficient funds"):
			return fmt.Errorf("%s: %w", op, ErrInsufficientFunds)
		case strings.Contains(e, "Permission denied"), strings.Contains(e, "Invalid key"):
			return fmt.Errorf("%s: %s: %w", op, e, ErrPermissionDenied)
		default:
			return fmt.Errorf("%s: %s", op, e)
		}
	}
	return nil
}
