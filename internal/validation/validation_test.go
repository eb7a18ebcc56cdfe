package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidEthAddress(t *testing.T) {
	valid := []string{
		"0x1234567890abcdef1234567890abcdef12345678",
		"0xABCDEF1234567890abcdef1234567890ABCDEF12",
	}
	for _, addr := range valid {
		if !IsValidEthAddress(addr) {
			t.Errorf("IsValidEthAddress(%q) = false, want true", addr)
		}
	}

	invalid := []string{
		"",
		"0x123",
		"1234567890abcdef1234567890abcdef12345678",
		"0x1234567890abcdef1234567890abcdef1234567z",
	}
	for _, addr := range invalid {
		if IsValidEthAddress(addr) {
			t.Errorf("IsValidEthAddress(%q) = true, want false", addr)
		}
	}
}

func TestIsValidIntentID(t *testing.T) {
	if !IsValidIntentID("int_0123456789abcdef01234567") {
		t.Error("well-formed intent id rejected")
	}
	for _, id := range []string{"", "int_", "int_XYZ", "ses_0123456789abcdef01234567"} {
		if IsValidIntentID(id) {
			t.Errorf("IsValidIntentID(%q) = true, want false", id)
		}
	}
}

func TestSanitizeAddress(t *testing.T) {
	got := SanitizeAddress("  ABCDEF1234567890abcdef1234567890ABCDEF12 ")
	want := "0xabcdef1234567890abcdef1234567890abcdef12"
	if got != want {
		t.Errorf("SanitizeAddress = %q, want %q", got, want)
	}
}

func TestIntentIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/intents/:id", IntentIDParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/intents/int_0123456789abcdef01234567", nil))
	if w.Code != http.StatusOK {
		t.Errorf("valid id: status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/intents/bogus", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid id: status = %d, want 400", w.Code)
	}
}
