package escrow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateIntentSendsDecimalAmount(t *testing.T) {
	var got createIntentRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/escrow/intents", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(escrowResponse{TxRef: "0xabc"})
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, time.Second)
	expiry := time.Now().Add(5 * time.Minute)
	tx, err := c.CreateIntent(context.Background(), "int_1", "0xpayer", 50_000, expiry)
	require.NoError(t, err)
	assert.Equal(t, TxRef("0xabc"), tx)
	assert.Equal(t, "0.05", got.Amount)
	assert.Equal(t, expiry.Unix(), got.Expiry)
}

func TestGetStatusParsesLockedState(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/escrow/intents/int_1", r.URL.Path)
		json.NewEncoder(w).Encode(escrowResponse{State: "LOCKED", Amount: "0.05"})
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, time.Second)
	st, err := c.GetStatus(context.Background(), "int_1")
	require.NoError(t, err)
	assert.Equal(t, StateLocked, st.State)
	assert.Equal(t, int64(50_000), st.Amount)
}

func TestGetStatusUnknownIntentIs404(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(escrowResponse{Error: "no such intent"})
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, time.Second)
	_, err := c.GetStatus(context.Background(), "int_missing")
	assert.ErrorIs(t, err, ErrIntentUnknown)
}

func TestInsufficientFundsMapsFrom402(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(escrowResponse{Error: "balance too low"})
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, time.Second)
	_, err := c.CreateIntent(context.Background(), "int_1", "0xpayer", 1, time.Now())
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestRefundUnknownIntentKeepsSentinel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(escrowResponse{Error: "intent unknown"})
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, time.Second)
	_, err := c.Refund(context.Background(), "int_missing")
	assert.ErrorIs(t, err, ErrRefundFailed)
	// Never-funded intents are told apart from failed refunds by this.
	assert.ErrorIs(t, err, ErrIntentUnknown)
}

func TestSettleWrapsServerErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, time.Second)
	_, err := c.Settle(context.Background(), "int_1", "0xrecipient", 7_500, "base")
	assert.ErrorIs(t, err, ErrSettlementFailed)
	assert.Contains(t, err.Error(), "HTTP 500")
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, time.Second)
	for i := 0; i < 5; i++ {
		_, err := c.GetStatus(context.Background(), "int_1")
		require.Error(t, err)
	}

	// Next call trips on the breaker without hitting the wire.
	ts.Close()
	_, err := c.GetStatus(context.Background(), "int_1")
	assert.ErrorIs(t, err, ErrEscrowUnavailable)
	assert.Contains(t, err.Error(), "circuit open")
}

func TestMalformedResponseIsUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, time.Second)
	_, err := c.Refund(context.Background(), "int_1")
	assert.ErrorIs(t, err, ErrRefundFailed)
}
