package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meterd/x402gw/internal/reconcile"
)

// ErrOracleUnavailable means the metering service could not be reached or
// returned an unusable report.
var ErrOracleUnavailable = errors.New("oracle: metering service unavailable")

const (
	defaultTimeout  = 10 * time.Second
	maxResponseSize = 1 << 20 // 1MB
)

// HTTPOracle queries an external metering service over JSON HTTP.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
}

// NewHTTPOracle creates a metering oracle client. Pass timeout=0 to use
// the default (10s).
func NewHTTPOracle(baseURL string, timeout time.Duration) *HTTPOracle {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &HTTPOracle{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type meterResponse struct {
	Components map[string]int64 `json:"components"`
	Error      string           `json:"error,omitempty"`
}

func (o *HTTPOracle) MeasureUsage(ctx context.Context, q Query) (reconcile.Usage, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return reconcile.Usage{}, fmt.Errorf("oracle: marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/meter", bytes.NewReader(body))
	if err != nil {
		return reconcile.Usage{}, fmt.Errorf("oracle: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return reconcile.Usage{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return reconcile.Usage{}, fmt.Errorf("%w: read response: %v", ErrOracleUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return reconcile.Usage{}, fmt.Errorf("%w: HTTP %d", ErrOracleUnavailable, resp.StatusCode)
	}

	var parsed meterResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return reconcile.Usage{}, fmt.Errorf("%w: malformed report: %v", ErrOracleUnavailable, err)
	}
	if parsed.Components == nil {
		return reconcile.Usage{}, fmt.Errorf("%w: empty report", ErrOracleUnavailable)
	}

	return reconcile.Usage{Components: parsed.Components}, nil
}

// Compile-time assertion.
var _ Oracle = (*HTTPOracle)(nil)
