package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Set with -ldflags "-X".
var (
	Version = "dev"
	Commit  = "unknown"
)

// Readiness states reported by /ready.
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the /ready body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult reports one dependency. Advisory checks never make the
// service unready.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Advisory  bool   `json:"advisory,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker pings a dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a ping function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists what /ready probes. Store is required.
// IdempotencyStore and Directory are probed when set and fail readiness.
// AIGateway is advisory: items outside AI_PROCESSING keep moving while the
// model service is down, so a failure only marks the service degraded.
type ReadinessChecks struct {
	Store            HealthChecker
	IdempotencyStore HealthChecker
	Directory        HealthChecker
	AIGateway        HealthChecker
}

type namedCheck struct {
	name     string
	checker  HealthChecker
	advisory bool
}

func (c ReadinessChecks) list() []namedCheck {
	checks := []namedCheck{{name: "store", checker: c.Store}}
	if c.IdempotencyStore != nil {
		checks = append(checks, namedCheck{name: "idempotency_store", checker: c.IdempotencyStore})
	}
	if c.Directory != nil {
		checks = append(checks, namedCheck{name: "directory", checker: c.Directory})
	}
	if c.AIGateway != nil {
		checks = append(checks, namedCheck{name: "ai_gateway", checker: c.AIGateway, advisory: true})
	}
	return checks
}

const checkTimeout = 2 * time.Second

// HandleHealth answers liveness with the build version.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady probes every configured dependency in parallel, each under
// checkTimeout. It answers 503 when a required check fails.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := checks.list()
		results := make(map[string]CheckResult, len(list))

		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for _, c := range list {
			wg.Go(func() {
				res := CheckResult{Status: "error", Error: "not configured"}
				if c.checker != nil {
					res = runCheck(r.Context(), c.checker)
				}
				res.Advisory = c.advisory
				mu.Lock()
				results[c.name] = res
				mu.Unlock()
			})
		}
		wg.Wait()

		status, code := StatusReady, http.StatusOK
		for _, res := range results {
			if res.Status == "ok" {
				continue
			}
			if !res.Advisory {
				status, code = StatusNotReady, http.StatusServiceUnavailable
				break
			}
			status = StatusDegraded
		}
		writeHealthJSON(w, code, ReadinessResponse{Status: status, Checks: results})
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status, res.Error = "error", err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
