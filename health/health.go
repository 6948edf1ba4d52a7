// Package health runs health checks and serves them over HTTP.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Status is the outcome of a check. Unhealthy outranks Degraded, which
// outranks Healthy.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Worse returns whichever of s and other is more severe. Unknown statuses
// count as unhealthy.
func (s Status) Worse(other Status) Status {
	if other.severity() > s.severity() {
		return other
	}
	return s
}

// CheckResult is what one Checker reports
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
}

// OverallHealth is the report of one Registry.Check
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
}

type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// CheckerFunc adapts a function to Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

func (c *CheckerFunc) Name() string {
	return c.name
}

// Registry holds the checks of a process in registration order
type Registry struct {
	mu           sync.RWMutex
	checkers     []Checker
	checkTimeout time.Duration
}

func NewRegistry(checkers ...Checker) *Registry {
	r := &Registry{}
	for _, c := range checkers {
		r.Register(c)
	}
	return r
}

// Register adds checker. A checker with the same name is replaced in place.
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.checkers {
		if existing.Name() == checker.Name() {
			r.checkers[i] = checker
			return
		}
	}
	r.checkers = append(r.checkers, checker)
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.checkers {
		if existing.Name() == name {
			r.checkers = append(r.checkers[:i], r.checkers[i+1:]...)
			return
		}
	}
}

// SetCheckTimeout bounds every single check in addition to the context
// given to Check. Zero means no bound of its own.
func (r *Registry) SetCheckTimeout(timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkTimeout = timeout
}

// Check runs all checks in parallel and waits for each one to report or
// run out of time. A check that runs out of time is reported unhealthy;
// it keeps running in the background until it returns.
func (r *Registry) Check(ctx context.Context) OverallHealth {
	start := time.Now()

	r.mu.RLock()
	checkers := append([]Checker(nil), r.checkers...)
	timeout := r.checkTimeout
	r.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, checker := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runCheck(ctx, checker, timeout)
		}()
	}
	wg.Wait()

	report := OverallHealth{
		Status: StatusHealthy,
		Checks: make(map[string]CheckResult, len(results)),
	}
	for _, res := range results {
		report.Checks[res.Name] = res
		report.Status = report.Status.Worse(res.Status)
	}
	report.Timestamp = time.Now()
	report.Duration = report.Timestamp.Sub(start)
	return report
}

func runCheck(ctx context.Context, checker Checker, timeout time.Duration) CheckResult {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() { done <- checker.Check(ctx) }()

	select {
	case res := <-done:
		if res.Name == "" {
			res.Name = checker.Name()
		}
		return res
	case <-ctx.Done():
		return CheckResult{
			Name:      checker.Name(),
			Status:    StatusUnhealthy,
			Message:   "check timed out",
			Duration:  time.Since(start),
			Timestamp: time.Now(),
			Error:     ctx.Err().Error(),
		}
	}
}

// Handler serves the registry report as JSON. An unhealthy report answers
// 503, degraded and healthy ones 200.
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{registry: registry, timeout: timeout}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	report := h.registry.Check(ctx)

	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}

// LivenessHandler always answers 200
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	}
}

// NewServeMux exposes /healthz (full report) and /livez
func NewServeMux(registry *Registry, timeout time.Duration) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", NewHandler(registry, timeout))
	mux.Handle("/livez", LivenessHandler())
	return mux
}
