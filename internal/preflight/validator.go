// Package preflight runs the readiness checks that gate engine startup:
// configuration, connectivity, account health, risk limits, emergency-stop
// configuration, and (for live trading) the live-trading safeguards.
package preflight

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"helmsman/internal/broker"
	"helmsman/internal/config"
)

// Status is the aggregate outcome of a validation run.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusPass    Status = "PASS"
	StatusFail    Status = "FAIL"
)

// Check names, in report order.
const (
	CheckConfiguration = "configuration"
	CheckConnectivity  = "connectivity"
	CheckAccount       = "account"
	CheckRiskLimits    = "risk_limits"
	CheckEmergencyStop = "emergency_stop"
	CheckLiveTrading   = "live_trading"
)

// CheckResult is the outcome of a single readiness check.
type CheckResult struct {
	Name     string
	Passed   bool
	Errors   []string
	Warnings []string
}

// Result is an immutable report from one ValidateAll run. Callers must
// re-validate rather than reuse a stale result after changing configuration.
type Result struct {
	Timestamp time.Time
	Broker    string
	Checks    []CheckResult
	Errors    []string
	Warnings  []string
	Overall   Status
}

// Validator runs the full battery of readiness checks against a broker
// client and configuration. Checks never short-circuit: the report always
// carries an entry for every check.
type Validator struct {
	cfg    config.Config
	client broker.Client
	live   bool
	log    *slog.Logger

	mu   sync.Mutex
	last *Result
}

// New creates a Validator. live selects the additional live-trading check;
// pass it when real-money execution is requested.
func New(cfg config.Config, client broker.Client, live bool) *Validator {
	return &Validator{
		cfg:    cfg,
		client: client,
		live:   live,
		log:    slog.Default().With("component", "preflight"),
	}
}

// ValidateAll runs every check unconditionally and returns a fresh Result.
// Warnings never fail a run; the overall status is PASS iff every check
// passed.
func (v *Validator) ValidateAll(ctx context.Context) *Result {
	result := &Result{
		Timestamp: time.Now(),
		Broker:    v.client.Name(),
		Overall:   StatusPending,
	}

	checks := []func(context.Context) CheckResult{
		v.checkConfiguration,
		v.checkConnectivity,
		v.checkAccount,
		v.checkRiskLimits,
		v.checkEmergencyStop,
	}
	if v.live {
		checks = append(checks, v.checkLiveTrading)
	}

	result.Overall = StatusPass
	for _, check := range checks {
		cr := check(ctx)
		result.Checks = append(result.Checks, cr)
		result.Errors = append(result.Errors, cr.Errors...)
		result.Warnings = append(result.Warnings, cr.Warnings...)
		if !cr.Passed {
			result.Overall = StatusFail
		}
		v.log.Debug("preflight check done", "check", cr.Name, "passed", cr.Passed,
			"errors", len(cr.Errors), "warnings", len(cr.Warnings))
	}

	v.mu.Lock()
	v.last = result
	v.mu.Unlock()

	return result
}

// CanProceed reports whether the last completed run passed. It never
// re-validates; callers that changed configuration must run ValidateAll
// again.
func (v *Validator) CanProceed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last != nil && v.last.Overall == StatusPass
}

// LastResult returns the most recent validation result, or nil before the
// first run.
func (v *Validator) LastResult() *Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last
}

// ---------------------------------------------------------------------------
// Individual checks
// ---------------------------------------------------------------------------

func (v *Validator) checkConfiguration(context.Context) CheckResult {
	cr := CheckResult{Name: CheckConfiguration, Passed: true}
	if err := v.cfg.Validate(); err != nil {
		cr.Passed = false
		cr.Errors = append(cr.Errors, err.Error())
	}
	return cr
}

func (v *Validator) checkConnectivity(ctx context.Context) CheckResult {
	cr := CheckResult{Name: CheckConnectivity, Passed: true}

	if !v.client.IsConnected() {
		if err := v.client.Connect(ctx); err != nil {
			cr.Passed = false
			cr.Errors = append(cr.Errors, fmt.Sprintf("connect failed: %v", err))
			return cr
		}
	}

	// A session is not enough; prove a live API round trip works.
	if _, err := v.client.GetClock(ctx); err != nil {
		cr.Passed = false
		cr.Errors = append(cr.Errors, fmt.Sprintf("market clock unavailable: %v", err))
	}
	return cr
}

func (v *Validator) checkAccount(ctx context.Context) CheckResult {
	cr := CheckResult{Name: CheckAccount, Passed: true}

	acct, err := v.client.GetAccount(ctx)
	if err != nil {
		cr.Passed = false
		cr.Errors = append(cr.Errors, fmt.Sprintf("account fetch failed: %v", err))
		return cr
	}
	if acct.Zero() {
		cr.Passed = false
		cr.Errors = append(cr.Errors, "account snapshot is empty")
		return cr
	}

	switch strings.ToUpper(acct.Status) {
	case "ACTIVE", "APPROVED":
	default:
		cr.Passed = false
		cr.Errors = append(cr.Errors, fmt.Sprintf("account status is %q, need ACTIVE or APPROVED", acct.Status))
	}

	if acct.Cash <= 0 {
		cr.Warnings = append(cr.Warnings, fmt.Sprintf("cash balance is non-positive ($%.2f)", acct.Cash))
	}
	if acct.PortfolioValue <= 0 {
		cr.Warnings = append(cr.Warnings, fmt.Sprintf("portfolio value is non-positive ($%.2f)", acct.PortfolioValue))
	}
	if acct.BuyingPower <= 0 {
		cr.Warnings = append(cr.Warnings, fmt.Sprintf("buying power is non-positive ($%.2f)", acct.BuyingPower))
	}
	return cr
}

func (v *Validator) checkRiskLimits(context.Context) CheckResult {
	cr := CheckResult{Name: CheckRiskLimits, Passed: true}
	r := v.cfg.Risk

	fail := func(msg string, args ...any) {
		cr.Passed = false
		cr.Errors = append(cr.Errors, fmt.Sprintf(msg, args...))
	}

	if r.DailyLossLimitPct <= 0 {
		fail("daily loss limit must be > 0, got %v", r.DailyLossLimitPct)
	}
	if r.MaxPositionSizePct <= 0 || r.MaxPositionSizePct > 1 {
		fail("max position size must be in (0, 1], got %v", r.MaxPositionSizePct)
	}
	if r.MinOrderValue <= 0 {
		fail("min order value must be > 0, got %v", r.MinOrderValue)
	}
	if r.MaxOrderValue <= r.MinOrderValue {
		fail("max order value (%v) must exceed min order value (%v)", r.MaxOrderValue, r.MinOrderValue)
	}
	if r.MaxDailyTrades <= 0 {
		fail("max daily trades must be > 0, got %d", r.MaxDailyTrades)
	}
	if r.EmergencyStopEnabled && r.EmergencyStopLossPct <= 0 {
		fail("emergency stop loss must be > 0 when the stop is enabled")
	}
	return cr
}

func (v *Validator) checkEmergencyStop(context.Context) CheckResult {
	cr := CheckResult{Name: CheckEmergencyStop, Passed: true}
	r := v.cfg.Risk

	if !r.EmergencyStopEnabled {
		cr.Passed = false
		cr.Errors = append(cr.Errors, "emergency stop is disabled; it must be enabled to trade")
		return cr
	}
	if r.EmergencyStopLossPct <= 0 {
		cr.Passed = false
		cr.Errors = append(cr.Errors, fmt.Sprintf("emergency stop loss %v must be > 0", r.EmergencyStopLossPct))
	} else if r.EmergencyStopLossPct > 0.5 {
		cr.Passed = false
		cr.Errors = append(cr.Errors, fmt.Sprintf("emergency stop loss %.0f%% is too high (max 50%%)", r.EmergencyStopLossPct*100))
	}
	return cr
}

func (v *Validator) checkLiveTrading(context.Context) CheckResult {
	cr := CheckResult{Name: CheckLiveTrading, Passed: true}

	if !v.cfg.Risk.LiveTradingEnabled {
		cr.Passed = false
		cr.Errors = append(cr.Errors, "live trading requested but live_trading_enabled is false")
	}
	if strings.Contains(v.cfg.Alpaca.BaseURL, "paper") {
		cr.Passed = false
		cr.Errors = append(cr.Errors, fmt.Sprintf("live trading requested but base URL %q is a paper endpoint", v.cfg.Alpaca.BaseURL))
	}
	return cr
}

// ---------------------------------------------------------------------------
// Report
// ---------------------------------------------------------------------------

// Report formats the result as a human-readable multi-line string.
func (r *Result) Report() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Pre-flight validation (broker %s) %s\n", r.Broker, r.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Overall: %s\n", r.Overall)

	for _, cr := range r.Checks {
		status := "PASS"
		if !cr.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(&b, "  [%s] %s\n", status, cr.Name)
		for _, e := range cr.Errors {
			fmt.Fprintf(&b, "      error: %s\n", e)
		}
		for _, w := range cr.Warnings {
			fmt.Fprintf(&b, "      warning: %s\n", w)
		}
	}

	fmt.Fprintf(&b, "Errors: %d, Warnings: %d\n", len(r.Errors), len(r.Warnings))
	return b.String()
}
