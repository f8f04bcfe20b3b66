package component

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory builds a fresh Component instance for one conformance check.
type Factory func() Component

const suiteTimeout = 5 * time.Second

// RunLifecycleTests is the lifecycle conformance suite. Every managed
// component in the pipeline is expected to pass it, so sink, session,
// and dispatcher packages invoke it from their own tests with a factory
// producing a fully wired instance.
//
// The suite pins down the contract edges that bite in production:
// stable naming, double stop, stop before start, restart, health during
// and after a run, and lifecycle calls racing each other.
func RunLifecycleTests(t *testing.T, factory Factory) {
	build := func(t *testing.T) Component {
		t.Helper()
		comp := factory()
		require.NotNil(t, comp, "factory returned nil component")
		return comp
	}

	// launch takes a component through Initialize and Start and hands
	// back the context cancel for cleanup.
	launch := func(t *testing.T, comp Component) context.CancelFunc {
		t.Helper()
		require.NoError(t, comp.Initialize())
		ctx, cancel := context.WithTimeout(context.Background(), suiteTimeout)
		require.NoError(t, comp.Start(ctx))
		return cancel
	}

	t.Run("NameStable", func(t *testing.T) {
		comp := build(t)
		name := comp.Name()
		assert.NotEmpty(t, name)

		require.NoError(t, comp.Initialize())
		assert.Equal(t, name, comp.Name(), "name changed across lifecycle")
		_ = comp.Stop(suiteTimeout)
	})

	t.Run("StartStop", func(t *testing.T) {
		comp := build(t)
		cancel := launch(t, comp)
		defer cancel()
		assert.NoError(t, comp.Stop(suiteTimeout))
	})

	t.Run("StopTwice", func(t *testing.T) {
		comp := build(t)
		cancel := launch(t, comp)
		defer cancel()

		assert.NoError(t, comp.Stop(suiteTimeout))
		assert.NoError(t, comp.Stop(suiteTimeout), "second stop must be a no-op")
	})

	t.Run("StopBeforeStart", func(t *testing.T) {
		comp := build(t)
		assert.NoError(t, comp.Stop(suiteTimeout), "stop on a never-started component must not fail")
	})

	t.Run("Restart", func(t *testing.T) {
		comp := build(t)
		cancel := launch(t, comp)
		require.NoError(t, comp.Stop(suiteTimeout))
		cancel()

		ctx, cancel2 := context.WithTimeout(context.Background(), suiteTimeout)
		defer cancel2()
		if err := comp.Start(ctx); err != nil {
			// Some components rebuild their resources in Initialize
			// and need it again after a stop.
			require.NoError(t, comp.Initialize())
			assert.NoError(t, comp.Start(ctx))
		}
		assert.NoError(t, comp.Stop(suiteTimeout))
	})

	t.Run("HealthyWhileRunning", func(t *testing.T) {
		comp := build(t)
		cancel := launch(t, comp)
		defer cancel()

		assert.True(t, comp.Health().Healthy, "component reports unhealthy right after start")

		require.NoError(t, comp.Stop(suiteTimeout))
		_ = comp.Health() // must stay callable after stop
	})

	t.Run("StartCancelledContext", func(t *testing.T) {
		comp := build(t)
		require.NoError(t, comp.Initialize())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := comp.Start(ctx)
		require.Error(t, err, "start accepted a cancelled context")
		mentions := strings.Contains(err.Error(), "context") || strings.Contains(err.Error(), "cancel")
		assert.True(t, mentions, "error does not mention cancellation: %v", err)

		assert.NoError(t, comp.Stop(suiteTimeout), "component not stoppable after failed start")
	})

	t.Run("StartWithoutInitialize", func(t *testing.T) {
		comp := build(t)

		ctx, cancel := context.WithTimeout(context.Background(), suiteTimeout)
		defer cancel()

		// Implicit initialization is allowed; so is a descriptive
		// refusal.
		if err := comp.Start(ctx); err != nil {
			assert.Contains(t, err.Error(), "not initialized")
		}
		assert.NoError(t, comp.Stop(suiteTimeout))
	})

	t.Run("ConcurrentStop", func(t *testing.T) {
		comp := build(t)
		cancel := launch(t, comp)
		defer cancel()

		const callers = 10
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				errs[idx] = comp.Stop(suiteTimeout)
			}(i)
		}
		wg.Wait()

		for i, err := range errs {
			assert.NoError(t, err, "racing stop %d failed", i)
		}
	})

	t.Run("ConcurrentHealth", func(t *testing.T) {
		comp := build(t)
		cancel := launch(t, comp)
		defer cancel()

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					_ = comp.Health()
				}
			}()
		}
		wg.Wait()

		assert.NoError(t, comp.Stop(suiteTimeout))
	})

	t.Run("RestartStress", func(t *testing.T) {
		if testing.Short() {
			t.Skip("restart stress skipped in short mode")
		}

		for i := 0; i < 20; i++ {
			comp := build(t)
			require.NoError(t, comp.Initialize(), "iteration %d", i)

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := comp.Start(ctx); err != nil {
				cancel()
				t.Fatalf("start failed on iteration %d: %v", i, err)
			}
			if err := comp.Stop(suiteTimeout); err != nil {
				cancel()
				t.Fatalf("stop failed on iteration %d: %v", i, err)
			}
			cancel()
		}
	})
}
