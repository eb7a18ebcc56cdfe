package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/meterd/x402gw/internal/escrow"
	"github.com/meterd/x402gw/internal/intent"
	"github.com/meterd/x402gw/internal/logging"
	"github.com/meterd/x402gw/internal/metrics"
	"github.com/meterd/x402gw/internal/money"
	"github.com/meterd/x402gw/internal/oracle"
	"github.com/meterd/x402gw/internal/pricing"
	"github.com/meterd/x402gw/internal/receipt"
	"github.com/meterd/x402gw/internal/reconcile"
	"github.com/meterd/x402gw/internal/traces"
)

// Service orchestrates the full pay-per-request flow: challenge, evidence
// verification, proxying, receipt validation, reconciliation, settlement.
type Service struct {
	registry  *intent.Registry
	validator *receipt.Validator
	oracle    oracle.Oracle
	forwarder Forwarder
	prices    *pricing.Table
	rules     ReconcileRules

	trustedIssuer string // provider signing address receipts must recover to
	token         string // asset symbol quoted in challenges
	escrowURL     string // where the payer locks funds
	logger        *slog.Logger
}

func NewService(
	registry *intent.Registry,
	validator *receipt.Validator,
	orc oracle.Oracle,
	forwarder Forwarder,
	prices *pricing.Table,
	rules ReconcileRules,
	trustedIssuer, token, escrowURL string,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:      registry,
		validator:     validator,
		oracle:        orc,
		forwarder:     forwarder,
		prices:        prices,
		rules:         rules,
		trustedIssuer: trustedIssuer,
		token:         token,
		escrowURL:     escrowURL,
		logger:        logger,
	}
}

// Challenge is the 402 response body telling the client what to lock.
type Challenge struct {
	ChallengeType string                `json:"challengeType"` // always "x402"
	IntentID      string                `json:"intentId"`
	MaxBudget     string                `json:"maxBudget"` // decimal string
	Token         string                `json:"token"`
	ExpiresAt     int64                 `json:"expiresAt"` // unix seconds
	Instructions  ChallengeInstructions `json:"instructions"`
}

// ChallengeInstructions tell the client how to satisfy the challenge.
type ChallengeInstructions struct {
	EscrowURL   string `json:"escrowUrl"`
	Action      string `json:"action"`
	RetryHeader string `json:"retryHeader"`
	Note        string `json:"note"`
}

// BuildChallenge prices the endpoint, registers a fresh PENDING intent,
// and returns the challenge payload. maxBudget is always the upper bound
// of the matched band — never less than the worst-case estimate.
func (s *Service) BuildChallenge(ctx context.Context, endpoint, payer string, payload json.RawMessage) (*Challenge, error) {
	ctx, span := traces.StartSpan(ctx, "gateway.challenge", traces.Endpoint(endpoint))
	defer span.End()

	band := s.prices.Match(endpoint)
	in, err := s.registry.Challenge(ctx, intent.ChallengeParams{
		Endpoint:       endpoint,
		RequestPayload: payload,
		Payer:          payer,
		MaxBudget:      band.Max,
		ExpirySeconds:  band.ExpirySeconds,
	})
	if err != nil {
		return nil, err
	}
	return &Challenge{
		ChallengeType: "x402",
		IntentID:      in.ID,
		MaxBudget:     money.Format(in.LockedAmount),
		Token:         s.token,
		ExpiresAt:     in.Expiry.Unix(),
		Instructions: ChallengeInstructions{
			EscrowURL:   s.escrowURL,
			Action:      "lock",
			RetryHeader: EvidenceHeader,
			Note:        fmt.Sprintf("lock %s %s against intent %s, then retry with the %s header", money.Format(in.LockedAmount), s.token, in.ID, EvidenceHeader),
		},
	}, nil
}

// Settlement is the payment summary returned with a successful response.
type Settlement struct {
	IntentID     string `json:"intentId"`
	UsedAmount   string `json:"usedAmount"`   // decimal string
	SettledTx    string `json:"settledTx"`    // escrow settlement reference
	RefundAmount string `json:"refundAmount"` // decimal string, lock minus settlement
}

// ExecutionResult pairs the upstream passthrough with the settlement.
type ExecutionResult struct {
	Result     json.RawMessage `json:"result"`
	Settlement Settlement      `json:"settlement"`
}

// Execute runs the evidenced request end to end. Any failure after the
// evidence is accepted triggers a refund attempt, and the returned
// FundsError states whether the payer's lock was released.
func (s *Service) Execute(ctx context.Context, ev PaymentEvidence, endpoint string, payload json.RawMessage) (*ExecutionResult, *FundsError) {
	ctx, span := traces.StartSpan(ctx, "gateway.execute",
		traces.IntentID(ev.IntentID),
		traces.Endpoint(endpoint),
		traces.EscrowTx(ev.EscrowTx))
	defer span.End()

	log := logging.L(ctx).With("intent_id", ev.IntentID, "endpoint", endpoint)

	in, err := s.registry.Get(ctx, ev.IntentID)
	if err != nil {
		metrics.EvidenceTotal.WithLabelValues("rejected").Inc()
		return nil, &FundsError{
			Err: err, Code: "intent_not_found", FundsStatus: FundsNoCharge,
			Recovery:   "request a fresh challenge",
			IntentID:   ev.IntentID,
			HTTPStatus: http.StatusNotFound,
		}
	}
	if in.Endpoint != endpoint {
		metrics.EvidenceTotal.WithLabelValues("rejected").Inc()
		return nil, &FundsError{
			Err:  fmt.Errorf("%w: intent is for %s", ErrEndpointBound, in.Endpoint),
			Code: "endpoint_mismatch", FundsStatus: FundsHeld,
			Recovery:   fmt.Sprintf("retry against %s or let the lock expire", in.Endpoint),
			IntentID:   in.ID,
			HTTPStatus: http.StatusConflict,
		}
	}

	in, err = s.registry.AcceptEvidence(ctx, ev.IntentID, ev.EscrowTx)
	if err != nil {
		metrics.EvidenceTotal.WithLabelValues("rejected").Inc()
		return nil, s.evidenceError(ctx, ev.IntentID, err)
	}
	metrics.EvidenceTotal.WithLabelValues("accepted").Inc()

	if err := s.registry.MarkDispatched(ctx, in.ID); err != nil {
		return nil, s.refundAndFail(ctx, in.ID, err, "dispatch_conflict", "failure", http.StatusConflict)
	}

	up, err := s.forwarder.Forward(ctx, in.ID, endpoint, payload)
	if err != nil {
		log.Warn("backing call failed", "error", err)
		return nil, s.refundAndFail(ctx, in.ID, err, "upstream_failed", "failure", http.StatusBadGateway)
	}

	validated, err := s.validator.Validate(ctx, up.Receipt, receipt.ExpectedIntent{
		IntentID:     in.ID,
		LockedAmount: in.LockedAmount,
	}, s.trustedIssuer)
	if err != nil {
		metrics.ReceiptValidationsTotal.WithLabelValues(validationOutcome(err)).Inc()
		log.Warn("receipt rejected", "error", err)
		trigger := "validation"
		if errors.Is(err, receipt.ErrReplayedNonce) {
			trigger = "replay"
		}
		return nil, s.refundAndFail(ctx, in.ID, err, validationOutcome(err), trigger, http.StatusPaymentRequired)
	}
	metrics.ReceiptValidationsTotal.WithLabelValues("valid").Inc()

	usage, err := s.oracle.MeasureUsage(ctx, oracle.Query{
		IntentID:       in.ID,
		Endpoint:       endpoint,
		RequestPayload: payload,
		Response:       up.Result,
	})
	if err != nil {
		log.Warn("metering oracle failed", "error", err)
		return nil, s.refundAndFail(ctx, in.ID, err, "oracle_unavailable", "failure", http.StatusBadGateway)
	}

	settleAmount, err := reconcile.Reconcile(validated.UsedAmount, usage, s.rules.Match(endpoint))
	if err != nil {
		metrics.ReconciliationsTotal.WithLabelValues("mismatch").Inc()
		log.Warn("usage reconciliation failed",
			"claimed", validated.UsedAmount,
			"error", err)
		return nil, s.refundAndFail(ctx, in.ID, err, "usage_mismatch", "failure", http.StatusBadGateway)
	}
	metrics.ReconciliationsTotal.WithLabelValues("ok").Inc()

	rec, err := s.registry.Settle(ctx, in.ID, settleAmount)
	if err != nil {
		log.Error("settlement failed", "error", err)
		return nil, s.refundAndFail(ctx, in.ID, err, "settlement_failed", "failure", http.StatusBadGateway)
	}

	log.Info("request settled",
		"settled_amount", rec.SettledAmount,
		"refund_amount", rec.RefundAmount,
		"usage_metric", validated.UsageMetric)
	return &ExecutionResult{
		Result: up.Result,
		Settlement: Settlement{
			IntentID:     rec.IntentID,
			UsedAmount:   money.Format(rec.SettledAmount),
			SettledTx:    rec.SettledTx,
			RefundAmount: money.Format(rec.RefundAmount),
		},
	}, nil
}

// GetIntent exposes intent status for polling clients.
func (s *Service) GetIntent(ctx context.Context, id string) (*intent.Intent, error) {
	return s.registry.Get(ctx, id)
}

// AuditTrail exposes the per-intent audit records.
func (s *Service) AuditTrail(ctx context.Context, id string) ([]*intent.AuditRecord, error) {
	return s.registry.Audit(ctx, id)
}

func (s *Service) evidenceError(ctx context.Context, intentID string, err error) *FundsError {
	fe := &FundsError{Err: err, IntentID: intentID}
	switch {
	case errors.Is(err, intent.ErrIntentNotFound):
		fe.Code, fe.FundsStatus = "intent_not_found", FundsNoCharge
		fe.Recovery = "request a fresh challenge"
		fe.HTTPStatus = http.StatusNotFound
	case errors.Is(err, intent.ErrIntentExpired):
		fe.Code, fe.FundsStatus = "intent_expired", FundsRefundPending
		fe.Recovery = "any locked funds are released by the expiry sweep; request a fresh challenge"
		fe.HTTPStatus = http.StatusPaymentRequired
	case errors.Is(err, intent.ErrNotLocked):
		fe.Code, fe.FundsStatus = "funds_not_locked", FundsNoCharge
		fe.Recovery = "lock the quoted budget at the escrow service, then retry"
		fe.HTTPStatus = http.StatusPaymentRequired
	case errors.Is(err, intent.ErrInsufficientLock):
		fe.Code, fe.FundsStatus = "insufficient_lock", FundsHeld
		fe.Recovery = "top up the lock to the quoted budget and retry before expiry"
		fe.HTTPStatus = http.StatusPaymentRequired
	case errors.Is(err, intent.ErrAlreadyProcessing):
		fe.Code, fe.FundsStatus = "already_processing", FundsHeld
		fe.Recovery = "the original request is still in flight; poll the intent status"
		fe.HTTPStatus = http.StatusConflict
	case errors.Is(err, intent.ErrInvalidTransition):
		fe.Code = "intent_finalized"
		fe.FundsStatus, fe.Recovery = s.finalFundsStatus(ctx, intentID)
		fe.HTTPStatus = http.StatusConflict
	case errors.Is(err, escrow.ErrEscrowUnavailable):
		fe.Code, fe.FundsStatus = "escrow_unavailable", FundsHeld
		fe.Recovery = "retry shortly; locked funds are untouched"
		fe.HTTPStatus = http.StatusServiceUnavailable
	default:
		fe.Code, fe.FundsStatus = "evidence_rejected", FundsHeld
		fe.Recovery = "poll the intent status"
		fe.HTTPStatus = http.StatusInternalServerError
	}
	return fe
}

// finalFundsStatus inspects a finalized intent to report where the money
// ended up.
func (s *Service) finalFundsStatus(ctx context.Context, intentID string) (string, string) {
	in, err := s.registry.Get(ctx, intentID)
	if err != nil {
		return FundsRefundPending, "poll the intent status"
	}
	switch in.State {
	case intent.StateSettled:
		return FundsSettled, "the intent already settled; request a fresh challenge for a new call"
	case intent.StateRefunded:
		return FundsRefunded, "the lock was released; request a fresh challenge"
	case intent.StateExpired:
		return FundsNoCharge, "the intent lapsed unfunded; request a fresh challenge"
	}
	return FundsHeld, "poll the intent status"
}

// refundAndFail attempts to release the payer's lock and reports whether
// it succeeded. A failed refund is not terminal: the expiry sweep retries
// it until the escrow accepts.
func (s *Service) refundAndFail(ctx context.Context, intentID string, cause error, code, trigger string, status int) *FundsError {
	fe := &FundsError{
		Err:        cause,
		Code:       code,
		IntentID:   intentID,
		HTTPStatus: status,
	}
	if err := s.registry.Refund(ctx, intentID, code, trigger); err != nil {
		s.logger.Warn("immediate refund failed, sweep will retry",
			"intent_id", intentID,
			"error", err)
		fe.FundsStatus = FundsRefundPending
		fe.Recovery = "locked funds will be refunded automatically; poll the intent status"
		return fe
	}
	fe.FundsStatus = FundsRefunded
	fe.Recovery = "locked funds were refunded; request a fresh challenge to retry"
	return fe
}

func validationOutcome(err error) string {
	switch {
	case errors.Is(err, receipt.ErrReplayedNonce):
		return "replayed_nonce"
	case errors.Is(err, receipt.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, receipt.ErrStaleOrFuture):
		return "stale_receipt"
	case errors.Is(err, receipt.ErrAmountOutOfBounds):
		return "amount_out_of_bounds"
	case errors.Is(err, receipt.ErrIntentMismatch):
		return "intent_mismatch"
	case errors.Is(err, receipt.ErrIncompleteReceipt):
		return "incomplete_receipt"
	}
	return "error"
}
