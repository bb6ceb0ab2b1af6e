package breaker

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottgal/stylobot-sub006/pkg/config"
)

func newTestRegistry(threshold uint32, cooldown time.Duration) *Registry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewRegistry(config.BreakerConfig{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
	}, logger)
}

func TestRegistry_AllowsHealthyDetector(t *testing.T) {
	r := newTestRegistry(3, time.Minute)

	done, ok := r.AllowRequest("ua")
	require.True(t, ok)
	require.NotNil(t, done)
	done(true)

	assert.Equal(t, gobreaker.StateClosed, r.State("ua"))
}

func TestRegistry_SuccessResetsConsecutiveFailures(t *testing.T) {
	r := newTestRegistry(3, time.Minute)

	for i := 0; i < 2; i++ {
		done, ok := r.AllowRequest("ua")
		require.True(t, ok)
		done(false)
	}
	done, ok := r.AllowRequest("ua")
	require.True(t, ok)
	done(true)

	for i := 0; i < 2; i++ {
		done, ok := r.AllowRequest("ua")
		require.True(t, ok)
		done(false)
	}
	assert.Equal(t, gobreaker.StateClosed, r.State("ua"))
}

func TestRegistry_TripsOpenAtThreshold(t *testing.T) {
	r := newTestRegistry(3, time.Minute)

	for i := 0; i < 3; i++ {
		done, ok := r.AllowRequest("ai")
		require.True(t, ok)
		done(false)
	}

	assert.Equal(t, gobreaker.StateOpen, r.State("ai"))
	_, ok := r.AllowRequest("ai")
	assert.False(t, ok)
}

func TestRegistry_HalfOpenAdmitsSingleProbe(t *testing.T) {
	r := newTestRegistry(2, 30*time.Millisecond)

	for i := 0; i < 2; i++ {
		done, ok := r.AllowRequest("ai")
		require.True(t, ok)
		done(false)
	}
	require.Equal(t, gobreaker.StateOpen, r.State("ai"))

	time.Sleep(50 * time.Millisecond)

	probe, ok := r.AllowRequest("ai")
	require.True(t, ok, "first request after cooldown is the probe")

	_, second := r.AllowRequest("ai")
	assert.False(t, second, "only one probe admitted while half-open")

	probe(true)
	assert.Equal(t, gobreaker.StateClosed, r.State("ai"))
}

func TestRegistry_FailedProbeReopens(t *testing.T) {
	r := newTestRegistry(2, 30*time.Millisecond)

	for i := 0; i < 2; i++ {
		done, ok := r.AllowRequest("ai")
		require.True(t, ok)
		done(false)
	}
	time.Sleep(50 * time.Millisecond)

	probe, ok := r.AllowRequest("ai")
	require.True(t, ok)
	probe(false)

	assert.Equal(t, gobreaker.StateOpen, r.State("ai"))
}

func TestRegistry_BreakersAreIndependent(t *testing.T) {
	r := newTestRegistry(2, time.Minute)

	for i := 0; i < 2; i++ {
		done, ok := r.AllowRequest("flaky")
		require.True(t, ok)
		done(false)
	}

	assert.Equal(t, gobreaker.StateOpen, r.State("flaky"))
	_, ok := r.AllowRequest("healthy")
	assert.True(t, ok)
}

func TestRegistry_StateChangeHook(t *testing.T) {
	r := newTestRegistry(2, time.Minute)

	var transitions []string
	r.OnStateChange(func(name string, from, to gobreaker.State) {
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	})

	for i := 0; i < 2; i++ {
		done, ok := r.AllowRequest("ua")
		require.True(t, ok)
		done(false)
	}

	require.Len(t, transitions, 1)
	assert.Equal(t, "ua:closed->open", transitions[0])
}
