// Package validation provides input validation helpers and middleware for
// the gateway API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

var (
	// ethAddressRegex validates Ethereum-style signing addresses
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// hexRegex validates hex strings (escrow tx refs, signatures, nonces)
	hexRegex = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)
	// intentIDRegex matches gateway-issued intent identifiers
	intentIDRegex = regexp.MustCompile(`^int_[a-f0-9]{24}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid signing address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidHex checks if a string is valid hex
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// IsValidIntentID checks a gateway-issued intent identifier
func IsValidIntentID(id string) bool {
	return intentIDRegex.MatchString(id)
}

// SanitizeAddress normalizes a signing address
func SanitizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.ToLower(addr)

	// Ensure 0x prefix
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}

	return addr
}

// IntentIDParamMiddleware validates the :id URL parameter on intent routes,
// rejecting malformed identifiers before they reach a store lookup.
func IntentIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidIntentID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_intent_id",
				"message": "intent id must look like int_<24 hex chars>",
			})
			return
		}
		c.Next()
	}
}
