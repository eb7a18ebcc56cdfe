package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meterd/x402gw/internal/metrics"
	"github.com/meterd/x402gw/internal/receipt"
)

const (
	defaultUpstreamTimeout = 30 * time.Second
	maxUpstreamResponse    = 4 << 20 // 4 MiB
)

// UpstreamResult is the backing service's response: the passthrough
// result plus the signed usage receipt it issued for this invocation.
type UpstreamResult struct {
	Result  json.RawMessage  `json:"result"`
	Receipt *receipt.Receipt `json:"receipt"`
}

// Forwarder dispatches the deferred request to the backing service.
type Forwarder interface {
	Forward(ctx context.Context, intentID, endpoint string, payload json.RawMessage) (*UpstreamResult, error)
}

// HTTPForwarder proxies to the backing service over HTTP. A call that
// exceeds the deadline is a failure that triggers the refund path; there
// is no silent retry.
type HTTPForwarder struct {
	baseURL string
	client  *http.Client
}

func NewHTTPForwarder(baseURL string, timeout time.Duration) *HTTPForwarder {
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	return &HTTPForwarder{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (f *HTTPForwarder) Forward(ctx context.Context, intentID, endpoint string, payload json.RawMessage) (*UpstreamResult, error) {
	timer := prometheus.NewTimer(metrics.UpstreamCallDuration)
	defer timer.ObserveDuration()

	body := payload
	if body == nil {
		body = json.RawMessage("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Intent-Id", intentID)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamResponse))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUpstreamFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: upstream status %d", ErrUpstreamFailed, resp.StatusCode)
	}

	var out UpstreamResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUpstreamFailed, err)
	}
	if out.Receipt == nil {
		return nil, ErrMissingReceipt
	}
	return &out, nil
}

var _ Forwarder = (*HTTPForwarder)(nil)
