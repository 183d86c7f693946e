package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// Gateway operations served by MockGateway.
const (
	OpAnalyze = "analyze"
	OpListing = "listing"
)

// MockGateway is a configurable stand-in for the model gateway. Each
// operation replays a queue of canned responses, repeating the last one, and
// records every request it receives.
type MockGateway struct {
	t      *testing.T
	server *httptest.Server

	mu         sync.RWMutex
	operations map[string]*operationConfig
	received   map[string][]*RecordedRequest
}

// RecordedRequest captures one request received by the gateway.
type RecordedRequest struct {
	Path       string
	Headers    http.Header
	Body       map[string]any
	ReceivedAt time.Time
}

type operationConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// OperationMock is a builder for configuring responses for one operation.
type OperationMock struct {
	gateway *MockGateway
	op      string
}

func newMockGateway(t *testing.T) *MockGateway {
	t.Helper()

	mg := &MockGateway{
		t:          t,
		operations: make(map[string]*operationConfig),
		received:   make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /"+OpAnalyze, mg.handle(OpAnalyze))
	mux.HandleFunc("POST /"+OpListing, mg.handle(OpListing))

	mg.server = httptest.NewServer(mux)
	t.Cleanup(mg.server.Close)
	return mg
}

// URL returns the gateway base URL.
func (mg *MockGateway) URL() string {
	return mg.server.URL
}

// On returns a builder for the named operation.
func (mg *MockGateway) On(op string) *OperationMock {
	return &OperationMock{gateway: mg, op: op}
}

// RespondWith queues a response with the given status and JSON body.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.gateway.addResponse(om.op, &mockResponse{status: status, body: body})
	return om
}

// RespondWithDelay queues a delayed response to simulate a slow model.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.gateway.addResponse(om.op, &mockResponse{status: status, body: body, delay: delay})
	return om
}

// RespondWithConnectionError queues a response that drops the connection.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.gateway.addResponse(om.op, &mockResponse{connError: true})
	return om
}

func (mg *MockGateway) addResponse(op string, resp *mockResponse) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	cfg, ok := mg.operations[op]
	if !ok {
		cfg = &operationConfig{}
		mg.operations[op] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (mg *MockGateway) handle(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Path:       r.URL.Path,
			Headers:    r.Header.Clone(),
			ReceivedAt: time.Now(),
		}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			var parsed map[string]any
			if err := json.Unmarshal(data, &parsed); err == nil {
				rec.Body = parsed
			}
		}
		mg.mu.Lock()
		mg.received[op] = append(mg.received[op], rec)
		mg.mu.Unlock()

		resp := mg.nextResponse(op)
		if resp == nil {
			resp = &mockResponse{status: http.StatusOK, body: defaultGatewayBody(op)}
		}

		if resp.connError {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, _ := hj.Hijack(); conn != nil {
					_ = conn.Close()
				}
			}
			return
		}

		if resp.delay > 0 {
			select {
			case <-time.After(resp.delay):
			case <-r.Context().Done():
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		if resp.body != nil {
			_ = json.NewEncoder(w).Encode(resp.body)
		}
	}
}

func (mg *MockGateway) nextResponse(op string) *mockResponse {
	mg.mu.RLock()
	cfg, ok := mg.operations[op]
	mg.mu.RUnlock()
	if !ok {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	if len(cfg.responses) == 0 {
		return nil
	}
	idx := cfg.current
	if idx >= len(cfg.responses) {
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// Calls returns how many requests op has received.
func (mg *MockGateway) Calls(op string) int {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	return len(mg.received[op])
}

// AssertCalled verifies that op was called the expected number of times.
func (mg *MockGateway) AssertCalled(t *testing.T, op string, expected int) {
	t.Helper()
	if got := mg.Calls(op); got != expected {
		t.Errorf("gateway %q called %d times, want %d", op, got, expected)
	}
}

// LastRequest returns the last request received for op, or nil.
func (mg *MockGateway) LastRequest(op string) *RecordedRequest {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	reqs := mg.received[op]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// Reset clears recorded requests and configured responses.
func (mg *MockGateway) Reset() {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	mg.operations = make(map[string]*operationConfig)
	mg.received = make(map[string][]*RecordedRequest)
}

func defaultGatewayBody(op string) map[string]any {
	if op == OpAnalyze {
		return AnalysisFixture("footwear", "used", "Acme")
	}
	return ListingFixture("Acme leather boots", 45)
}

// AnalysisFixture is a gateway analysis response.
func AnalysisFixture(category, condition, brand string) map[string]any {
	return map[string]any{
		"labels":     []string{"boot", "leather"},
		"category":   category,
		"condition":  condition,
		"brand":      brand,
		"confidence": 0.93,
	}
}

// ListingFixture is a gateway listing response.
func ListingFixture(title string, price float64) map[string]any {
	return map[string]any{
		"title":           title,
		"description":     "Lightly worn, resoled last spring.",
		"suggested_price": price,
		"tags":            []string{"boots", "leather"},
	}
}
