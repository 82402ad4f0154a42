package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthyCheck(ctx context.Context) CheckResult {
	return CheckResult{Status: StatusHealthy}
}

func TestChecker_ReadyState(t *testing.T) {
	c := NewChecker()
	assert.False(t, c.IsReady())

	c.SetReady(true)
	assert.True(t, c.IsReady())
}

func TestChecker_CheckRunsAll(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, healthyCheck)
	c.RegisterFunc("ledger", true, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusDegraded, Message: "verify backlog"}
	})

	results := c.Check(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, StatusHealthy, results["store"].Status)
	assert.Equal(t, StatusDegraded, results["ledger"].Status)
	assert.Equal(t, StatusDegraded, c.OverallStatus())
}

func TestChecker_CriticalFailureIsUnhealthy(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy, Error: "database locked"}
	})
	c.RegisterFunc("gnss", false, healthyCheck)

	c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())
}

func TestChecker_NonCriticalFailureDegrades(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("osnma", false, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy}
	})
	c.RegisterFunc("store", true, healthyCheck)

	c.Check(context.Background())
	assert.Equal(t, StatusDegraded, c.OverallStatus())
}

func TestChecker_PanicRecovered(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("flaky", true, func(ctx context.Context) CheckResult {
		panic("boom")
	})

	results := c.Check(context.Background())
	require.Contains(t, results, "flaky")
	assert.Equal(t, StatusUnhealthy, results["flaky"].Status)
	assert.Equal(t, "check panicked", results["flaky"].Message)
}

func TestChecker_Timeout(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:     "slow",
		Critical: true,
		Timeout:  20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)
}

func TestChecker_CheckComponent(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, healthyCheck)

	res, ok := c.CheckComponent(context.Background(), "store")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, res.Status)

	_, ok = c.CheckComponent(context.Background(), "missing")
	assert.False(t, ok)
}

func TestChecker_UnregisteredIsHealthyByDefault(t *testing.T) {
	c := NewChecker()
	assert.Equal(t, StatusHealthy, c.OverallStatus())
}

func TestChecker_Report(t *testing.T) {
	c := NewChecker()
	c.SetReady(true)
	c.RegisterFunc("store", true, healthyCheck)

	rep := c.Report(context.Background(), true)
	assert.Equal(t, StatusHealthy, rep.Status)
	assert.True(t, rep.Ready)
	assert.Contains(t, rep.Components, "store")
}
