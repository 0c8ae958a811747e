package preflight

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helmsman/internal/broker"
	"helmsman/internal/config"
)

func simConfig() config.Config {
	cfg := config.Default()
	cfg.Broker = "sim"
	return cfg
}

func checkByName(t *testing.T, r *Result, name string) CheckResult {
	t.Helper()
	for _, cr := range r.Checks {
		if cr.Name == name {
			return cr
		}
	}
	t.Fatalf("no check named %q in result", name)
	return CheckResult{}
}

func TestValidateAllPasses(t *testing.T) {
	cfg := simConfig()
	v := New(cfg, broker.NewSimClient(), false)

	result := v.ValidateAll(context.Background())

	assert.Equal(t, StatusPass, result.Overall)
	assert.Len(t, result.Checks, 5)
	assert.Empty(t, result.Errors)
	assert.True(t, v.CanProceed())
}

func TestValidateAllRunsEveryCheckDespiteFailures(t *testing.T) {
	cfg := simConfig()
	cfg.Risk.MaxDailyTrades = 0 // fails configuration and risk_limits
	client := broker.NewSimClient()
	client.FailConnect = errors.New("refused") // fails connectivity

	v := New(cfg, client, false)
	result := v.ValidateAll(context.Background())

	assert.Equal(t, StatusFail, result.Overall)
	require.Len(t, result.Checks, 5, "no short-circuiting: every check reports")

	assert.False(t, checkByName(t, result, CheckConfiguration).Passed)
	assert.False(t, checkByName(t, result, CheckConnectivity).Passed)
	assert.False(t, checkByName(t, result, CheckAccount).Passed)
	assert.False(t, checkByName(t, result, CheckRiskLimits).Passed)
	assert.True(t, checkByName(t, result, CheckEmergencyStop).Passed)
	assert.False(t, v.CanProceed())
}

func TestValidateAllLiveAddsSixthCheck(t *testing.T) {
	cfg := simConfig()
	cfg.Risk.LiveTradingEnabled = true
	cfg.Alpaca.BaseURL = "https://api.alpaca.markets"

	v := New(cfg, broker.NewSimClient(), true)
	result := v.ValidateAll(context.Background())

	require.Len(t, result.Checks, 6)
	assert.True(t, checkByName(t, result, CheckLiveTrading).Passed)
	assert.Equal(t, StatusPass, result.Overall)
}

func TestLiveTradingRejectsPaperEndpoint(t *testing.T) {
	cfg := simConfig()
	cfg.Risk.LiveTradingEnabled = true
	cfg.Alpaca.BaseURL = "https://paper-api.alpaca.markets"

	v := New(cfg, broker.NewSimClient(), true)
	result := v.ValidateAll(context.Background())

	cr := checkByName(t, result, CheckLiveTrading)
	assert.False(t, cr.Passed)
	require.NotEmpty(t, cr.Errors)
	assert.Contains(t, cr.Errors[0], "paper")
	assert.Equal(t, StatusFail, result.Overall)
}

func TestLiveTradingRequiresExplicitFlag(t *testing.T) {
	cfg := simConfig()
	cfg.Risk.LiveTradingEnabled = false
	cfg.Alpaca.BaseURL = "https://api.alpaca.markets"

	v := New(cfg, broker.NewSimClient(), true)
	result := v.ValidateAll(context.Background())

	cr := checkByName(t, result, CheckLiveTrading)
	assert.False(t, cr.Passed)
}

func TestEmergencyStopMandatory(t *testing.T) {
	cfg := simConfig()
	cfg.Risk.EmergencyStopEnabled = false

	v := New(cfg, broker.NewSimClient(), false)
	result := v.ValidateAll(context.Background())

	cr := checkByName(t, result, CheckEmergencyStop)
	assert.False(t, cr.Passed)
	assert.NotEmpty(t, cr.Errors)
	assert.Equal(t, StatusFail, result.Overall)
}

func TestEmergencyStopLossTooHigh(t *testing.T) {
	cfg := simConfig()
	cfg.Risk.EmergencyStopLossPct = 0.6

	v := New(cfg, broker.NewSimClient(), false)
	result := v.ValidateAll(context.Background())

	cr := checkByName(t, result, CheckEmergencyStop)
	assert.False(t, cr.Passed)
	require.NotEmpty(t, cr.Errors)
	assert.Contains(t, cr.Errors[0], "too high")
}

func TestAccountWarningsDoNotFail(t *testing.T) {
	cfg := simConfig()
	client := broker.NewSimClient()
	client.SetCash(0) // portfolio value 0 as well: warnings only

	v := New(cfg, client, false)
	result := v.ValidateAll(context.Background())

	cr := checkByName(t, result, CheckAccount)
	assert.True(t, cr.Passed)
	assert.NotEmpty(t, cr.Warnings)
	assert.Equal(t, StatusPass, result.Overall, "warnings never fail the run")
}

func TestCanProceedReadsLastResultOnly(t *testing.T) {
	cfg := simConfig()
	v := New(cfg, broker.NewSimClient(), false)

	assert.False(t, v.CanProceed(), "no run yet")

	v.ValidateAll(context.Background())
	assert.True(t, v.CanProceed())
}

func TestReportAlwaysProducible(t *testing.T) {
	cfg := simConfig()
	cfg.Risk.EmergencyStopEnabled = false
	client := broker.NewSimClient()
	client.FailConnect = errors.New("dns failure")

	v := New(cfg, client, false)
	result := v.ValidateAll(context.Background())

	report := result.Report()
	assert.Contains(t, report, "Overall: FAIL")
	assert.Contains(t, report, "connectivity")
	assert.Contains(t, report, "emergency_stop")
	assert.Contains(t, report, "dns failure")
}
