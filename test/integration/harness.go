// Package integration provides a reusable test harness for end-to-end
// testing of the listflow service. It starts the full HTTP stack over the
// in-memory store, a mock model gateway and a test JWKS issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/listflow/internal/app"
	"github.com/pitabwire/listflow/internal/config"
	"github.com/pitabwire/listflow/internal/observability"
	"github.com/pitabwire/listflow/internal/openapi"
	"github.com/pitabwire/listflow/internal/transport"
	"github.com/pitabwire/listflow/model"
)

// Seeded users, one per role.
const (
	UserPhotographer  = "u-ana"
	UserPhotographer2 = "u-otto"
	UserProcessor     = "u-pete"
	UserPricer        = "u-pam"
	UserPublisher     = "u-paul"
	UserManager       = "u-max"
	UserAdmin         = "u-ada"
)

var seededUsers = []model.User{
	{ID: UserPhotographer, Name: "Ana", Role: model.RolePhotographer},
	{ID: UserPhotographer2, Name: "Otto", Role: model.RolePhotographer},
	{ID: UserProcessor, Name: "Pete", Role: model.RoleProcessor},
	{ID: UserPricer, Name: "Pam", Role: model.RolePricer},
	{ID: UserPublisher, Name: "Paul", Role: model.RolePublisher},
	{ID: UserManager, Name: "Max", Role: model.RoleManager},
	{ID: UserAdmin, Name: "Ada", Role: model.RoleAdmin},
}

// TestHarness encapsulates a fully wired service instance.
type TestHarness struct {
	t       *testing.T
	server  *httptest.Server
	issuer  *tokenIssuer
	gateway *MockGateway

	// Components exposes the wired engine and store for seeding and
	// assertions that bypass HTTP.
	Components *app.Components
	Registry   *prometheus.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*config.Config)

// WithCircuitBreaker overrides the model gateway breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *config.Config) { c.AI.CircuitBreaker = cb }
}

// WithRetryAttempts overrides the gateway retry budget.
func WithRetryAttempts(n int) HarnessOption {
	return func(c *config.Config) { c.AI.Retry.MaxAttempts = n }
}

// WithIdempotency enables the in-memory idempotency store.
func WithIdempotency() HarnessOption {
	return func(c *config.Config) { c.Idempotency.Enabled = true }
}

// WithAsyncWorkers enables the background AI dispatcher.
func WithAsyncWorkers(n int) HarnessOption {
	return func(c *config.Config) { c.AI.Async.Workers = n }
}

// WithAITimeout bounds the AI sub-pipeline.
func WithAITimeout(d time.Duration) HarnessOption {
	return func(c *config.Config) { c.Workflow.AITimeout = d }
}

// WithCORSOrigins allows the given origins.
func WithCORSOrigins(origins ...string) HarnessOption {
	return func(c *config.Config) { c.Server.CORS.AllowedOrigins = origins }
}

// NewTestHarness builds and starts a service instance. Everything is torn
// down by t.Cleanup.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	issuer := newTokenIssuer(t)
	gateway := newMockGateway(t)

	cfg := config.Defaults()
	cfg.Identity.Issuer = issuer.issuer
	cfg.Identity.Audience = issuer.audience
	cfg.Identity.JWKSURL = issuer.JWKSURL()
	cfg.AI.BaseURL = gateway.URL()
	cfg.AI.Timeout = 5 * time.Second
	cfg.AI.Retry.BackoffInitial = time.Millisecond
	cfg.AI.Retry.BackoffMax = 5 * time.Millisecond
	cfg.Workflow.AITimeout = 5 * time.Second
	cfg.Server.HandlerTimeout = 10 * time.Second
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("harness config: %v", err)
	}

	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)

	ctx := context.Background()
	components, err := app.Build(ctx, cfg, logger, app.Options{Metrics: metrics})
	if err != nil {
		t.Fatalf("build components: %v", err)
	}
	t.Cleanup(components.Close)

	for _, u := range seededUsers {
		if err := components.Store.PutUser(ctx, u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}

	authenticate, err := transport.NewAuthenticator(cfg.Identity, logger)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}

	apiDoc, err := openapi.Load(ctx)
	if err != nil {
		t.Fatalf("api document: %v", err)
	}

	var tickets transport.TicketLookup
	if components.Dispatcher != nil {
		tickets = components.Dispatcher
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Handlers:     transport.NewHandlers(components.Engine, tickets, logger),
		Authenticate: authenticate,
		Metrics:      metrics,
		MetricsPath:  cfg.Observability.Metrics.Path,
		MetricsPage:  observability.Handler(reg),
		APIDocument:  apiDoc,
		Readiness:    components.Readiness,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &TestHarness{
		t:          t,
		server:     srv,
		issuer:     issuer,
		gateway:    gateway,
		Components: components,
		Registry:   reg,
		cfg:        cfg,
	}
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Gateway returns the mock model gateway.
func (h *TestHarness) Gateway() *MockGateway {
	return h.gateway
}

// Token returns a valid bearer token for userID.
func (h *TestHarness) Token(userID string) string {
	return h.issuer.GenerateToken(TestClaims{SubjectID: userID, Email: userID + "@listflow.test"})
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// SeedItem creates an ACTIVE item at PHOTO_UPLOAD owned by owner. Items
// seeded in sequence get strictly increasing creation times.
func (h *TestHarness) SeedItem(owner string, photos ...string) model.Item {
	h.t.Helper()
	return h.SeedItemAt(owner, model.StagePhotoUpload, photos...)
}

// SeedItemAt creates an ACTIVE item directly at stage.
func (h *TestHarness) SeedItemAt(owner string, stage model.Stage, photos ...string) model.Item {
	h.t.Helper()
	seedSeq++
	created := seedEpoch.Add(time.Duration(seedSeq) * time.Second)
	item := model.Item{
		ID:        fmt.Sprintf("item-%03d", seedSeq),
		Stage:     stage,
		Status:    model.StatusActive,
		PhotoRefs: photos,
		CreatedBy: owner,
		CreatedAt: created,
		UpdatedAt: created,
		Version:   1,
	}
	if err := h.Components.Store.CreateItem(context.Background(), item); err != nil {
		h.t.Fatalf("seed item: %v", err)
	}
	return item
}

var (
	seedEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seedSeq   int
)

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

// Do performs a request with an arbitrary method and headers.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(method, path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			bodyReader = strings.NewReader(b)
		default:
			data, err := json.Marshal(body)
			if err != nil {
				h.t.Fatalf("marshal request body: %v", err)
			}
			bodyReader = strings.NewReader(string(data))
		}
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 15 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expected {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks status and error code of an error response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) *model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error == nil {
		t.Fatalf("response has no error envelope")
	}
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
	return body.Error
}

// --- Workflow helpers ---

// Advance posts an advance for itemID as userID and returns the response.
func (h *TestHarness) Advance(itemID, userID string, body map[string]any) *http.Response {
	h.t.Helper()
	if body == nil {
		body = map[string]any{}
	}
	return h.POST("/v1/items/"+itemID+"/advance", body, h.Token(userID))
}

// MustAdvance advances itemID and returns the resulting item.
func (h *TestHarness) MustAdvance(t *testing.T, itemID, userID string, body map[string]any) model.Item {
	t.Helper()
	var item model.Item
	h.AssertJSON(t, h.Advance(itemID, userID, body), http.StatusOK, &item)
	return item
}

// History returns the audit trail of itemID.
func (h *TestHarness) History(t *testing.T, itemID string) []model.WorkflowAction {
	t.Helper()
	var list struct {
		Data  []model.WorkflowAction `json:"data"`
		Count int                    `json:"count"`
	}
	h.AssertJSON(t, h.GET("/v1/items/"+itemID+"/history", h.Token(UserManager)), http.StatusOK, &list)
	return list.Data
}

// StoredItem reads itemID straight from the store.
func (h *TestHarness) StoredItem(t *testing.T, itemID string) model.Item {
	t.Helper()
	item, err := h.Components.Store.GetItem(context.Background(), itemID)
	if err != nil {
		t.Fatalf("get item %s: %v", itemID, err)
	}
	return item
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
