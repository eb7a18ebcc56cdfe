// Package oracle defines the independent usage-metering boundary.
//
// The oracle reports what a proxied request actually consumed, independent
// of the provider's claim. Its report feeds reconciliation; the gateway
// never settles on the provider's word alone.
package oracle

import (
	"context"
	"encoding/json"

	"github.com/meterd/x402gw/internal/reconcile"
)

// Query describes one completed proxied invocation for metering.
type Query struct {
	IntentID       string          `json:"intentId"`
	Endpoint       string          `json:"endpoint"`
	RequestPayload json.RawMessage `json:"requestPayload,omitempty"`
	Response       json.RawMessage `json:"response,omitempty"`
}

// Oracle measures usage for a completed invocation.
type Oracle interface {
	MeasureUsage(ctx context.Context, q Query) (reconcile.Usage, error)
}
