package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meterd/x402gw/internal/circuitbreaker"
	"github.com/meterd/x402gw/internal/metrics"
	"github.com/meterd/x402gw/internal/money"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseSize = 1 << 20 // 1MB
)

// HTTPClient talks to the escrow service over its JSON HTTP API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewHTTPClient creates an escrow HTTP client. Pass timeout=0 to use the
// default (15s).
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// wire types for the escrow JSON API; amounts travel as decimal strings.

type createIntentRequest struct {
	IntentID string `json:"intentId"`
	Payer    string `json:"payer"`
	Amount   string `json:"amount"`
	Expiry   int64  `json:"expiry"`
}

type settleRequest struct {
	Recipient   string `json:"recipient"`
	Amount      string `json:"amount"`
	TargetChain string `json:"targetChain,omitempty"`
}

type escrowResponse struct {
	TxRef  string `json:"txRef,omitempty"`
	State  string `json:"state,omitempty"`
	Amount string `json:"amount,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (c *HTTPClient) CreateIntent(ctx context.Context, id, payer string, amount int64, expiry time.Time) (TxRef, error) {
	resp, err := c.post(ctx, "create_intent", "/escrow/intents", createIntentRequest{
		IntentID: id,
		Payer:    payer,
		Amount:   money.Format(amount),
		Expiry:   expiry.Unix(),
	})
	if err != nil {
		return "", err
	}
	return TxRef(resp.TxRef), nil
}

func (c *HTTPClient) GetStatus(ctx context.Context, id string) (Status, error) {
	resp, err := c.do(ctx, "get_status", http.MethodGet, "/escrow/intents/"+id, nil)
	if err != nil {
		return Status{State: StateUnknown}, err
	}

	amount, _ := money.Parse(resp.Amount)
	switch State(resp.State) {
	case StateLocked, StateSettled, StateRefunded:
		return Status{State: State(resp.State), Amount: amount}, nil
	default:
		return Status{State: StateUnknown, Amount: amount}, nil
	}
}

func (c *HTTPClient) Settle(ctx context.Context, id, recipient string, amount int64, targetChain string) (TxRef, error) {
	resp, err := c.post(ctx, "settle", "/escrow/intents/"+id+"/settle", settleRequest{
		Recipient:   recipient,
		Amount:      money.Format(amount),
		TargetChain: targetChain,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSettlementFailed, err)
	}
	return TxRef(resp.TxRef), nil
}

func (c *HTTPClient) Refund(ctx context.Context, id string) (TxRef, error) {
	resp, err := c.post(ctx, "refund", "/escrow/intents/"+id+"/refund", struct{}{})
	if err != nil {
		// Keep the inner sentinel (ErrIntentUnknown in particular) in the
		// chain: callers distinguish "never funded" from "refund failed".
		return "", fmt.Errorf("%w: %w", ErrRefundFailed, err)
	}
	return TxRef(resp.TxRef), nil
}

func (c *HTTPClient) post(ctx context.Context, op, path string, body interface{}) (*escrowResponse, error) {
	return c.do(ctx, op, http.MethodPost, path, body)
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body interface{}) (*escrowResponse, error) {
	if !c.breaker.Allow(op) {
		return nil, fmt.Errorf("%w: circuit open for %s", ErrEscrowUnavailable, op)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("escrow: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("escrow: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	timer := prometheus.NewTimer(metrics.EscrowCallDuration.WithLabelValues(op))
	resp, err := c.client.Do(req)
	timer.ObserveDuration()
	if err != nil {
		c.breaker.RecordFailure(op)
		return nil, fmt.Errorf("%w: %v", ErrEscrowUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.breaker.RecordFailure(op)
		return nil, fmt.Errorf("%w: read response: %v", ErrEscrowUnavailable, err)
	}

	var parsed escrowResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &parsed); err != nil {
			c.breaker.RecordFailure(op)
			return nil, fmt.Errorf("%w: malformed response: %v", ErrEscrowUnavailable, err)
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.breaker.RecordSuccess(op)
		return &parsed, nil
	case resp.StatusCode == http.StatusPaymentRequired:
		c.breaker.RecordSuccess(op) // service is up; the payer is broke
		return nil, fmt.Errorf("%w: %s", ErrInsufficientFunds, parsed.Error)
	case resp.StatusCode == http.StatusNotFound:
		c.breaker.RecordSuccess(op)
		return nil, fmt.Errorf("%w: %s", ErrIntentUnknown, parsed.Error)
	case resp.StatusCode >= 500:
		c.breaker.RecordFailure(op)
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrEscrowUnavailable, resp.StatusCode, parsed.Error)
	default:
		c.breaker.RecordSuccess(op)
		return nil, fmt.Errorf("escrow: HTTP %d: %s", resp.StatusCode, parsed.Error)
	}
}

// Compile-time assertion.
var _ Client = (*HTTPClient)(nil)
