package breaker

import (
	"errors"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *Registry {
	return NewRegistry(log.New(io.Discard, "", 0))
}

func failing() (any, error)  { return nil, errors.New("dependency error") }
func succeeds() (any, error) { return "ok", nil }

func TestRegistry_InitialState(t *testing.T) {
	r := testRegistry()
	r.Configure("ledger", DefaultConfig())

	assert.Equal(t, StateClosed, r.GetState("ledger"))
	assert.True(t, r.IsHealthy("ledger"))
	assert.Equal(t, StateUnknown, r.GetState("never-configured"))
	assert.True(t, r.IsHealthy("never-configured"))
}

func TestRegistry_OpensAfterThreshold(t *testing.T) {
	r := testRegistry()
	r.Configure("ledger", DefaultConfig())

	for i := 0; i < 4; i++ {
		_, err := r.Execute("ledger", failing, nil)
		require.Error(t, err)
		assert.False(t, IsRejection(err), "genuine failures are not rejections")
	}
	assert.Equal(t, StateClosed, r.GetState("ledger"), "one failure short of the threshold")

	_, err := r.Execute("ledger", failing, nil)
	require.Error(t, err)
	assert.Equal(t, StateOpen, r.GetState("ledger"))
	assert.False(t, r.IsHealthy("ledger"))
}

func TestRegistry_OpenRejectsWithoutInvoking(t *testing.T) {
	r := testRegistry()
	r.Configure("ledger", DefaultConfig())
	for i := 0; i < 5; i++ {
		_, _ = r.Execute("ledger", failing, nil)
	}
	require.Equal(t, StateOpen, r.GetState("ledger"))

	var invoked atomic.Bool
	_, err := r.Execute("ledger", func() (any, error) {
		invoked.Store(true)
		return nil, nil
	}, nil)

	require.Error(t, err)
	assert.True(t, IsRejection(err))
	assert.False(t, invoked.Load(), "open breaker must not invoke the operation")

	var re *RejectedError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "ledger", re.Dependency)
}

func TestRegistry_FallbackOnlyOnRejection(t *testing.T) {
	r := testRegistry()
	r.Configure("ledger", DefaultConfig())

	fallback := func() (any, error) { return "cached", nil }

	// Genuine failure: fallback is not consulted.
	res, err := r.Execute("ledger", failing, fallback)
	require.Error(t, err)
	assert.Nil(t, res)

	for i := 0; i < 4; i++ {
		_, _ = r.Execute("ledger", failing, nil)
	}
	require.Equal(t, StateOpen, r.GetState("ledger"))

	// Rejection: fallback result is returned without error.
	res, err = r.Execute("ledger", succeeds, fallback)
	require.NoError(t, err)
	assert.Equal(t, "cached", res)
}

func TestRegistry_RecoveryViaHalfOpen(t *testing.T) {
	r := testRegistry()
	r.Configure("ledger", Config{
		FailureThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenMaxCalls: 3,
	})

	for i := 0; i < 2; i++ {
		_, _ = r.Execute("ledger", failing, nil)
	}
	require.Equal(t, StateOpen, r.GetState("ledger"))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, r.GetState("ledger"))

	// Three consecutive successful trials close the breaker.
	for i := 0; i < 3; i++ {
		_, err := r.Execute("ledger", succeeds, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, StateClosed, r.GetState("ledger"))
}

func TestRegistry_HalfOpenFailureReopens(t *testing.T) {
	r := testRegistry()
	r.Configure("ledger", Config{
		FailureThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenMaxCalls: 3,
	})

	for i := 0; i < 2; i++ {
		_, _ = r.Execute("ledger", failing, nil)
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, r.GetState("ledger"))

	_, err := r.Execute("ledger", failing, nil)
	require.Error(t, err)
	assert.Equal(t, StateOpen, r.GetState("ledger"))
}

func TestRegistry_SuccessResetsConsecutiveFailures(t *testing.T) {
	r := testRegistry()
	r.Configure("ledger", DefaultConfig())

	for i := 0; i < 4; i++ {
		_, _ = r.Execute("ledger", failing, nil)
	}
	_, err := r.Execute("ledger", succeeds, nil)
	require.NoError(t, err)

	// Four more failures still do not reach the threshold.
	for i := 0; i < 4; i++ {
		_, _ = r.Execute("ledger", failing, nil)
	}
	assert.Equal(t, StateClosed, r.GetState("ledger"))
}

func TestRegistry_Counts(t *testing.T) {
	r := testRegistry()
	r.Configure("ledger", DefaultConfig())

	for i := 0; i < 3; i++ {
		_, _ = r.Execute("ledger", succeeds, nil)
	}
	for i := 0; i < 2; i++ {
		_, _ = r.Execute("ledger", failing, nil)
	}

	counts := r.GetCounts("ledger")
	assert.Equal(t, uint32(5), counts.Requests)
	assert.Equal(t, uint32(3), counts.TotalSuccesses)
	assert.Equal(t, uint32(2), counts.TotalFailures)
	assert.Equal(t, uint32(2), counts.ConsecutiveFailures)
}

func TestRegistry_Reset(t *testing.T) {
	r := testRegistry()
	r.Configure("ledger", DefaultConfig())
	for i := 0; i < 5; i++ {
		_, _ = r.Execute("ledger", failing, nil)
	}
	require.Equal(t, StateOpen, r.GetState("ledger"))

	r.Reset("ledger")
	assert.Equal(t, StateClosed, r.GetState("ledger"))
	assert.Equal(t, Counts{}, r.GetCounts("ledger"))

	_, err := r.Execute("ledger", succeeds, nil)
	assert.NoError(t, err)
}

func TestRegistry_IndependentBreakers(t *testing.T) {
	r := testRegistry()
	r.Configure("ledger", DefaultConfig())
	r.Configure("codehost", DefaultConfig())

	for i := 0; i < 5; i++ {
		_, _ = r.Execute("ledger", failing, nil)
	}
	assert.Equal(t, StateOpen, r.GetState("ledger"))
	assert.Equal(t, StateClosed, r.GetState("codehost"))

	_, err := r.Execute("codehost", succeeds, nil)
	assert.NoError(t, err)
}

func TestRegistry_StateChangeListener(t *testing.T) {
	r := testRegistry()
	r.Configure("ledger", DefaultConfig())

	type transition struct{ from, to State }
	changes := make(chan transition, 4)
	r.OnStateChange(func(dep string, from, to State) {
		assert.Equal(t, "ledger", dep)
		changes <- transition{from, to}
	})

	for i := 0; i < 5; i++ {
		_, _ = r.Execute("ledger", failing, nil)
	}

	select {
	case tr := <-changes:
		assert.Equal(t, StateClosed, tr.from)
		assert.Equal(t, StateOpen, tr.to)
	case <-time.After(time.Second):
		t.Fatal("state change listener not notified")
	}
}

func TestRegistry_UnconfiguredUsesDefaults(t *testing.T) {
	r := testRegistry()

	_, err := r.Execute("adhoc", succeeds, nil)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, r.GetState("adhoc"))
	assert.Contains(t, r.Names(), "adhoc")
}
