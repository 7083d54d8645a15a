package observability

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultCheckTimeout bounds each check run by `yas doctor`.
const DefaultCheckTimeout = 5 * time.Second

// Check outcomes.
const (
	CheckOK   = "ok"
	CheckWarn = "warn"
	CheckFail = "fail"
)

// HealthChecker runs named environment checks in registration order.
// A failing required check degrades the result; a failing advisory check
// only reports a warning.
type HealthChecker struct {
	checks  []HealthCheck
	logger  *slog.Logger
	Timeout time.Duration // Per check. Zero = DefaultCheckTimeout.
}

// HealthCheck is one named check.
type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Advisory bool
}

// HealthStatus is the outcome of all checks, in registration order.
type HealthStatus struct {
	Status string        `json:"status"` // "ok" or "degraded"
	Checks []CheckResult `json:"checks,omitempty"`
}

// OK reports whether every required check passed.
func (s HealthStatus) OK() bool { return s.Status == "ok" }

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Name    string        `json:"name"`
	Status  string        `json:"status"` // CheckOK, CheckWarn or CheckFail.
	Message string        `json:"message,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a required check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// AddAdvisoryCheck registers a check whose failure is reported as a warning.
func (h *HealthChecker) AddAdvisoryCheck(name string, check func(ctx context.Context) error) {
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check, Advisory: true})
}

// Run executes the checks one after another, each under its own deadline.
// Once ctx is done the remaining checks fail without running.
func (h *HealthChecker) Run(ctx context.Context) HealthStatus {
	status := HealthStatus{Status: "ok"}
	for _, c := range h.checks {
		res := h.run(ctx, c)
		if res.Status == CheckFail {
			status.Status = "degraded"
		}
		status.Checks = append(status.Checks, res)
	}
	return status
}

func (h *HealthChecker) run(ctx context.Context, c HealthCheck) CheckResult {
	res := CheckResult{Name: c.Name, Status: CheckOK}
	if err := ctx.Err(); err != nil {
		res.Status, res.Message = CheckFail, err.Error()
		return res
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(checkCtx)
	res.Elapsed = time.Since(start)
	if err == nil {
		return res
	}
	if errors.Is(err, context.DeadlineExceeded) {
		res.Message = "timed out after " + timeout.String()
	} else {
		res.Message = err.Error()
	}
	res.Status = CheckFail
	if c.Advisory {
		res.Status = CheckWarn
	}
	if h.logger != nil {
		h.logger.Warn("doctor check failed",
			slog.String("check", c.Name),
			slog.String("status", res.Status),
			slog.String("error", err.Error()),
		)
	}
	return res
}
