package health_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airouter/gateway/internal/health"
)

func TestChecker_AllHealthy(t *testing.T) {
	probers := []health.Prober{
		health.NewBalancerProber("balancer", func() error { return nil }),
		&health.FuncProber{ProbeName: "cache", Check: func(ctx context.Context) error { return nil }},
	}
	c := health.NewChecker(probers, time.Hour, time.Second)
	defer c.Close()

	snap := c.Snapshot()
	assert.Equal(t, health.StatusOK, snap.Status)
	require.True(t, c.ReadinessOK())
}

func TestChecker_UnavailableBalancerFailsReadiness(t *testing.T) {
	probers := []health.Prober{
		health.NewBalancerProber("balancer", func() error { return errors.New("no endpoints") }),
	}
	c := health.NewChecker(probers, time.Hour, time.Second)
	defer c.Close()

	assert.False(t, c.ReadinessOK())
	assert.Equal(t, health.StatusUnavailable, c.Snapshot().Components["balancer"])
}

func TestChecker_DegradedCacheStillReady(t *testing.T) {
	probers := []health.Prober{
		&health.FuncProber{ProbeName: "cache", Check: func(ctx context.Context) error { return errors.New("redis down") }},
	}
	c := health.NewChecker(probers, time.Hour, time.Second)
	defer c.Close()

	assert.True(t, c.ReadinessOK())
	assert.Equal(t, health.StatusDegraded, c.Snapshot().Status)
}
