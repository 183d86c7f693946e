package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/listflow/model"
)

// ==========================================================================
// Authentication Tests
// ==========================================================================

func TestSecurity_NoAuthHeader_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	endpoints := []string{
		"/v1/queue/next",
		"/v1/stages/PRICING/items",
		"/v1/items/item-1",
		"/v1/items/item-1/history",
		"/v1/actions",
	}

	for _, ep := range endpoints {
		t.Run(ep, func(t *testing.T) {
			h.AssertError(t, h.GET(ep, ""), http.StatusUnauthorized, model.ErrUnauthenticated)
		})
	}
}

func TestSecurity_ExpiredJWT_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateExpiredToken(TestClaims{SubjectID: UserManager})

	env := h.AssertError(t, h.GET("/v1/queue/next", token), http.StatusUnauthorized, model.ErrUnauthenticated)
	if env.Message != "Token expired" {
		t.Errorf("message = %q", env.Message)
	}
}

func TestSecurity_WrongIssuerOrAudience_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	tests := []struct {
		name  string
		extra map[string]any
		want  string
	}{
		{"issuer", map[string]any{"iss": "https://id.elsewhere.test"}, "Invalid token issuer"},
		{"audience", map[string]any{"aud": "someone-else"}, "Invalid token audience"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := h.GenerateToken(TestClaims{SubjectID: UserManager, Extra: tt.extra})
			env := h.AssertError(t, h.GET("/v1/queue/next", token), http.StatusUnauthorized, model.ErrUnauthenticated)
			if env.Message != tt.want {
				t.Errorf("message = %q, want %q", env.Message, tt.want)
			}
		})
	}
}

func TestSecurity_InvalidSignature_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	// Same kid, different RSA key.
	differentKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	claims := jwt.MapClaims{
		"iss": "https://id.listflow.test",
		"aud": "listflow-api",
		"sub": UserManager,
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(differentKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	h.AssertError(t, h.GET("/v1/queue/next", signed), http.StatusUnauthorized, model.ErrUnauthenticated)
}

func TestSecurity_HMACTokenRejectedUnderJWKS(t *testing.T) {
	h := NewTestHarness(t)

	// Signing with the public modulus as an HMAC secret is the classic
	// algorithm-confusion attack.
	secret := []byte(base64.RawURLEncoding.EncodeToString(h.issuer.privateKey.PublicKey.N.Bytes()))
	token := h.issuer.GenerateHMACToken(TestClaims{SubjectID: UserManager}, secret)

	env := h.AssertError(t, h.GET("/v1/queue/next", token), http.StatusUnauthorized, model.ErrUnauthenticated)
	if env.Message != "Disallowed signing algorithm" {
		t.Errorf("message = %q", env.Message)
	}
}

func TestSecurity_UnknownKeyID_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.issuer.GenerateTokenWithKeyID(TestClaims{SubjectID: UserManager}, "rotated-away")

	h.AssertError(t, h.GET("/v1/queue/next", token), http.StatusUnauthorized, model.ErrUnauthenticated)
}

func TestSecurity_NoneAlgorithm_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"u-max","iss":"https://id.listflow.test","aud":"listflow-api"}`))
	noneToken := header + "." + payload + "."

	h.AssertError(t, h.GET("/v1/queue/next", noneToken), http.StatusUnauthorized, model.ErrUnauthenticated)
}

func TestSecurity_MalformedToken_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	h.AssertError(t, h.GET("/v1/queue/next", "not.a.valid.jwt.token"), http.StatusUnauthorized, model.ErrUnauthenticated)
}

func TestSecurity_MissingSubject_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(TestClaims{})

	env := h.AssertError(t, h.GET("/v1/queue/next", token), http.StatusUnauthorized, model.ErrUnauthenticated)
	if env.Message != "Token has no subject" {
		t.Errorf("message = %q", env.Message)
	}
}

func TestSecurity_ValidJWT_Returns200(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedItemAt(UserPhotographer, model.StagePricing)

	h.AssertStatus(t, h.GET("/v1/queue/next", h.Token(UserPricer)), http.StatusOK)
}

// ==========================================================================
// Identity Tests
// ==========================================================================

func TestSecurity_UnknownSubject_Returns404(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(TestClaims{SubjectID: "u-ghost"})

	env := h.AssertError(t, h.GET("/v1/queue/next", token), http.StatusNotFound, model.ErrNotFound)
	if env.Context[model.CtxUserID] != "u-ghost" {
		t.Errorf("context = %v", env.Context)
	}
}

func TestSecurity_RoleComesFromDirectoryNotToken(t *testing.T) {
	h := NewTestHarness(t)
	item := h.SeedItemAt(UserPhotographer, model.StageFinalReview)

	// A role claim in the token carries no weight.
	token := h.GenerateToken(TestClaims{
		SubjectID: UserPhotographer,
		Extra:     map[string]any{"role": "MANAGER", "roles": []string{"ADMIN"}},
	})
	h.AssertError(t, h.POST("/v1/items/"+item.ID+"/advance", map[string]any{}, token), http.StatusForbidden, model.ErrUnauthorized)

	if stored := h.StoredItem(t, item.ID); stored.Stage != model.StageFinalReview {
		t.Errorf("stage = %s, want FINAL_REVIEW", stored.Stage)
	}
}

// ==========================================================================
// Information Leakage Tests
// ==========================================================================

func TestSecurity_AIFailureHidesGatewayDetails(t *testing.T) {
	h := NewTestHarness(t, WithRetryAttempts(1))
	h.Gateway().On(OpAnalyze).RespondWith(http.StatusInternalServerError, map[string]any{
		"error": "model shard 7 at 10.0.4.12 out of memory",
	})

	item := h.SeedItem(UserPhotographer, "s3://photos/a.jpg")
	resp := h.Advance(item.ID, UserPhotographer, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	body := string(h.ReadBody(resp))

	gatewayHost := strings.TrimPrefix(h.Gateway().URL(), "http://")
	for _, s := range []string{"10.0.4.12", "out of memory", gatewayHost, "/analyze"} {
		if strings.Contains(body, s) {
			t.Errorf("error response contains %q: %s", s, body)
		}
	}

	var got model.Item
	h.AssertJSON(t, h.GET("/v1/items/"+item.ID, h.Token(UserPhotographer)), http.StatusOK, &got)
	if got.LastError != "ai service unavailable" {
		t.Errorf("last_error = %q", got.LastError)
	}
}

func TestSecurity_ErrorResponseNoStackTrace(t *testing.T) {
	h := NewTestHarness(t)
	item := h.SeedItemAt(UserPhotographer, model.StagePricing)

	body := string(h.ReadBody(h.Advance(item.ID, UserProcessor, nil)))

	for _, pattern := range []string{"goroutine", ".go:", "panic", "runtime.", "/internal/"} {
		if strings.Contains(body, pattern) {
			t.Errorf("error response contains sensitive pattern %q: %s", pattern, body)
		}
	}
}

func TestSecurity_MalformedBodyReturns400(t *testing.T) {
	h := NewTestHarness(t)
	item := h.SeedItemAt(UserPhotographer, model.StageReviewEdit)

	h.AssertError(t,
		h.POST("/v1/items/"+item.ID+"/reject", `{"reason": `, h.Token(UserProcessor)),
		http.StatusBadRequest, model.ErrBadRequest)
}

// ==========================================================================
// Security Headers Tests
// ==========================================================================

var securityHeaders = map[string]string{
	"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"Cache-Control":             "no-store",
	"Referrer-Policy":           "no-referrer",
}

func assertSecurityHeaders(t *testing.T, resp *http.Response) {
	t.Helper()
	for name, expected := range securityHeaders {
		if actual := resp.Header.Get(name); actual != expected {
			t.Errorf("header %s = %q, want %q", name, actual, expected)
		}
	}
}

func TestSecurity_HeadersOnAuthenticatedResponse(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/v1/stages/PRICING/items", h.Token(UserPricer))
	h.AssertStatus(t, resp, http.StatusOK)
	assertSecurityHeaders(t, resp)
}

func TestSecurity_HeadersOnErrorResponse(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/v1/queue/next", "")
	h.AssertStatus(t, resp, http.StatusUnauthorized)
	assertSecurityHeaders(t, resp)
}

func TestSecurity_HeadersOnPublicEndpoint(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/health", "")
	h.AssertStatus(t, resp, http.StatusOK)
	assertSecurityHeaders(t, resp)
}

func TestSecurity_CorrelationIDReturned(t *testing.T) {
	h := NewTestHarness(t)
	token := h.Token(UserPricer)

	resp1 := h.GET("/v1/stages/PRICING/items", token)
	h.AssertStatus(t, resp1, http.StatusOK)
	if resp1.Header.Get("X-Correlation-Id") == "" {
		t.Error("X-Correlation-Id not set in response")
	}

	resp2 := h.Do(http.MethodGet, "/v1/stages/PRICING/items", nil, token, map[string]string{
		"X-Correlation-Id": "custom-trace-123",
	})
	h.AssertStatus(t, resp2, http.StatusOK)
	if got := resp2.Header.Get("X-Correlation-Id"); got != "custom-trace-123" {
		t.Errorf("X-Correlation-Id = %q, want %q", got, "custom-trace-123")
	}
}

// ==========================================================================
// Input Handling Tests
// ==========================================================================

func TestSecurity_PathTraversalInItemID(t *testing.T) {
	h := NewTestHarness(t)
	token := h.Token(UserManager)

	h.AssertError(t, h.GET("/v1/items/..%2F..%2Fetc%2Fpasswd", token), http.StatusNotFound, model.ErrNotFound)
	h.AssertError(t, h.GET("/v1/items/%27%20OR%201=1--", token), http.StatusNotFound, model.ErrNotFound)
}

func TestSecurity_UnknownStageRejected(t *testing.T) {
	h := NewTestHarness(t)

	env := h.AssertError(t, h.GET("/v1/stages/ARCHIVED/items", h.Token(UserManager)), http.StatusUnprocessableEntity, model.ErrValidationError)
	if len(env.Details) != 1 || env.Details[0].Field != "stage" {
		t.Errorf("details = %+v", env.Details)
	}
}

// ==========================================================================
// CORS Tests
// ==========================================================================

func TestSecurity_CORSAllowedOrigin(t *testing.T) {
	h := NewTestHarness(t, WithCORSOrigins("http://localhost:3000"))

	resp := h.Do(http.MethodGet, "/health", nil, "", map[string]string{"Origin": "http://localhost:3000"})
	h.AssertStatus(t, resp, http.StatusOK)

	if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("CORS not set for allowed origin")
	}
	if resp.Header.Get("Access-Control-Expose-Headers") != "X-Correlation-Id" {
		t.Errorf("expose headers = %q", resp.Header.Get("Access-Control-Expose-Headers"))
	}
}

func TestSecurity_CORSPreflight(t *testing.T) {
	h := NewTestHarness(t, WithCORSOrigins("http://localhost:3000"))

	resp := h.Do(http.MethodOptions, "/v1/items/item-1/advance", nil, "", map[string]string{
		"Origin":                        "http://localhost:3000",
		"Access-Control-Request-Method": http.MethodPost,
	})
	h.AssertStatus(t, resp, http.StatusNoContent)
	if resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Error("preflight missing Access-Control-Allow-Methods")
	}
}

func TestSecurity_CORSDisallowedOrigin(t *testing.T) {
	h := NewTestHarness(t, WithCORSOrigins("http://localhost:3000"))

	resp := h.Do(http.MethodGet, "/health", nil, "", map[string]string{"Origin": "https://evil.example.com"})
	h.AssertStatus(t, resp, http.StatusOK)

	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers should not be set for disallowed origin")
	}
}
