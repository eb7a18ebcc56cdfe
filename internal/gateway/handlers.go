package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meterd/x402gw/internal/intent"
	"github.com/meterd/x402gw/internal/validation"
)

// maxRequestBody bounds the deferred request payload we accept and store.
const maxRequestBody = 1 << 20 // 1 MiB

// RegisterRoutes mounts the metered proxy under each configured prefix and
// the intent status endpoints under /x402.
func (s *Service) RegisterRoutes(r gin.IRouter, meteredPrefixes []string) {
	for _, prefix := range meteredPrefixes {
		r.POST(prefix+"/*path", s.handleMetered)
	}
	r.GET("/x402/intents/:id", s.handleGetIntent)
	r.GET("/x402/intents/:id/audit", s.handleAudit)
}

// handleMetered is the paywall: without evidence it answers 402 with a
// challenge; with evidence it runs the paid request end to end.
func (s *Service) handleMetered(c *gin.Context) {
	endpoint := c.Request.URL.Path

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}
	if len(payload) > maxRequestBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
		return
	}
	if len(payload) > 0 && !json.Valid(payload) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}

	evHeader := c.GetHeader(EvidenceHeader)
	if evHeader == "" {
		challenge, err := s.BuildChallenge(c.Request.Context(), endpoint, c.GetHeader("X-Payer"), payload)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "challenge_unavailable",
				"message": "could not issue a payment challenge, try again shortly",
			})
			return
		}
		c.Header("X-Payment-Required", "true")
		c.JSON(http.StatusPaymentRequired, challenge)
		return
	}

	var ev PaymentEvidence
	if err := json.Unmarshal([]byte(evHeader), &ev); err != nil || ev.IntentID == "" || ev.EscrowTx == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "bad_evidence",
			"message": "Payment-Evidence must be JSON with intentId and escrowTx",
		})
		return
	}
	if !validation.IsValidIntentID(ev.IntentID) || !validation.IsValidHex(ev.EscrowTx) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "bad_evidence",
			"message": "intentId or escrowTx is malformed",
		})
		return
	}

	result, fe := s.Execute(c.Request.Context(), ev, endpoint, payload)
	if fe != nil {
		c.JSON(fe.HTTPStatus, gin.H{
			"error":        fe.Code,
			"message":      fe.Err.Error(),
			"intentId":     fe.IntentID,
			"funds_status": fe.FundsStatus,
			"recovery":     fe.Recovery,
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Service) handleGetIntent(c *gin.Context) {
	in, err := s.GetIntent(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, intent.ErrIntentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "intent_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, in)
}

func (s *Service) handleAudit(c *gin.Context) {
	trail, err := s.AuditTrail(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if len(trail) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "intent_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"intentId": c.Param("id"), "events": trail})
}
