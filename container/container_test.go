package container

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgehost/registry"
)

var (
	tagConn = registry.NewTag[string]("test.conn")
	tagPool = registry.NewTag[string]("test.pool")
)

func TestContainer_Materialize_RunsProvidersOnce(t *testing.T) {
	// Arrange
	var builds int32
	blueprint := NewBlueprint("worker",
		Provide(tagConn, func(ctx context.Context, a *Assembly) (string, error) {
			atomic.AddInt32(&builds, 1)
			return "conn-1", nil
		}),
	)
	c := New(blueprint)

	// Act
	first, err1 := c.Materialize(context.Background())
	second, err2 := c.Materialize(context.Background())

	// Assert
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
}

func TestContainer_Materialize_ConcurrentFirstCallers(t *testing.T) {
	// Arrange: a slow provider so concurrent callers overlap the build.
	var builds int32
	blueprint := NewBlueprint("worker",
		Provide(tagConn, func(ctx context.Context, a *Assembly) (string, error) {
			atomic.AddInt32(&builds, 1)
			time.Sleep(20 * time.Millisecond)
			return "conn-1", nil
		}),
	)
	c := New(blueprint)

	// Act
	var wg sync.WaitGroup
	regs := make([]*registry.Registry, 20)
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			regs[i], errs[i] = c.Materialize(context.Background())
		}(i)
	}
	wg.Wait()

	// Assert: one build, everyone observes the same registry.
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
	for i := range regs {
		require.NoError(t, errs[i])
		assert.Same(t, regs[0], regs[i])
	}
}

func TestContainer_Materialize_FailureIsMemoized(t *testing.T) {
	// Arrange
	var builds int32
	boom := stderrors.New("db unreachable")
	blueprint := NewBlueprint("worker",
		Provide(tagConn, func(ctx context.Context, a *Assembly) (string, error) {
			atomic.AddInt32(&builds, 1)
			return "", boom
		}),
	)
	c := New(blueprint)

	// Act
	_, err1 := c.Materialize(context.Background())
	_, err2 := c.Materialize(context.Background())

	// Assert: no retry, both callers see the same failure.
	require.Error(t, err1)
	assert.Equal(t, err1, err2)
	assert.ErrorIs(t, err1, boom)
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
}

func TestContainer_Materialize_LaterProviderResolvesEarlier(t *testing.T) {
	// Arrange
	blueprint := NewBlueprint("worker",
		Supply(tagConn, "conn-1"),
		Provide(tagPool, func(ctx context.Context, a *Assembly) (string, error) {
			conn, err := Resolve(a, tagConn)
			if err != nil {
				return "", err
			}
			return "pool(" + conn + ")", nil
		}),
	)
	c := New(blueprint)

	// Act
	reg, err := c.Materialize(context.Background())

	// Assert
	require.NoError(t, err)
	pool, err := registry.Get(reg, tagPool)
	require.NoError(t, err)
	assert.Equal(t, "pool(conn-1)", pool)
}

func TestContainer_Teardown_ReleasesInReverseOrder(t *testing.T) {
	// Arrange
	var order []string
	blueprint := NewBlueprint("worker",
		Provide(tagConn, func(ctx context.Context, a *Assembly) (string, error) {
			a.OnRelease(func(ctx context.Context) error {
				order = append(order, "conn")
				return nil
			})
			return "conn-1", nil
		}),
		Provide(tagPool, func(ctx context.Context, a *Assembly) (string, error) {
			a.OnRelease(func(ctx context.Context) error {
				order = append(order, "pool")
				return nil
			})
			return "pool-1", nil
		}),
	)
	c := New(blueprint)
	_, err := c.Materialize(context.Background())
	require.NoError(t, err)

	// Act
	err = c.Teardown(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []string{"pool", "conn"}, order)
}

func TestContainer_Teardown_Idempotent(t *testing.T) {
	// Arrange
	var releases int32
	blueprint := NewBlueprint("worker",
		Provide(tagConn, func(ctx context.Context, a *Assembly) (string, error) {
			a.OnRelease(func(ctx context.Context) error {
				atomic.AddInt32(&releases, 1)
				return nil
			})
			return "conn-1", nil
		}),
	)
	c := New(blueprint)
	_, err := c.Materialize(context.Background())
	require.NoError(t, err)

	// Act
	err1 := c.Teardown(context.Background())
	err2 := c.Teardown(context.Background())

	// Assert
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&releases))
	assert.True(t, c.Closed())
}

func TestContainer_Teardown_ReleasesPartialAcquisitions(t *testing.T) {
	// A provider failure mid-assembly still releases what earlier providers
	// acquired.

	// Arrange
	var released bool
	blueprint := NewBlueprint("worker",
		Provide(tagConn, func(ctx context.Context, a *Assembly) (string, error) {
			a.OnRelease(func(ctx context.Context) error {
				released = true
				return nil
			})
			return "conn-1", nil
		}),
		Provide(tagPool, func(ctx context.Context, a *Assembly) (string, error) {
			return "", stderrors.New("pool exhausted")
		}),
	)
	c := New(blueprint)
	_, err := c.Materialize(context.Background())
	require.Error(t, err)

	// Act
	err = c.Teardown(context.Background())

	// Assert
	require.NoError(t, err)
	assert.True(t, released)
}

func TestContainer_Teardown_WaitsForInFlightMaterialization(t *testing.T) {
	// Arrange: materialization slow enough that teardown starts mid-flight.
	started := make(chan struct{})
	var released atomic.Bool
	blueprint := NewBlueprint("worker",
		Provide(tagConn, func(ctx context.Context, a *Assembly) (string, error) {
			close(started)
			time.Sleep(30 * time.Millisecond)
			a.OnRelease(func(ctx context.Context) error {
				released.Store(true)
				return nil
			})
			return "conn-1", nil
		}),
	)
	c := New(blueprint)

	go c.Materialize(context.Background())
	<-started

	// Act
	err := c.Teardown(context.Background())

	// Assert: teardown waited for the acquisition and released it.
	require.NoError(t, err)
	assert.True(t, released.Load())
}

func TestContainer_Materialize_SharedCacheDeduplicatesAcrossContainers(t *testing.T) {
	// Two containers materializing the same named sub-assembly through one
	// shared cache observe a single build.

	// Arrange
	cache := NewAssemblyCache()
	var builds int32
	blueprint := NewBlueprint("worker",
		Provide(tagPool, func(ctx context.Context, a *Assembly) (string, error) {
			pool, err := a.Shared(ctx, "pool", func(ctx context.Context) (any, error) {
				atomic.AddInt32(&builds, 1)
				return "shared-pool", nil
			})
			if err != nil {
				return "", err
			}
			return pool.(string), nil
		}),
	)
	first := New(blueprint, WithAssemblyCache(cache))
	second := New(blueprint, WithAssemblyCache(cache))

	// Act
	firstReg, err1 := first.Materialize(context.Background())
	secondReg, err2 := second.Materialize(context.Background())

	// Assert
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
	firstPool, err := registry.Get(firstReg, tagPool)
	require.NoError(t, err)
	secondPool, err := registry.Get(secondReg, tagPool)
	require.NoError(t, err)
	assert.Equal(t, "shared-pool", firstPool)
	assert.Equal(t, "shared-pool", secondPool)
}

func TestContainer_Materialize_WithoutSharedCacheBuildsDirectly(t *testing.T) {
	// Arrange: no cache configured; Shared degrades to a direct build per
	// container.
	var builds int32
	blueprint := NewBlueprint("worker",
		Provide(tagPool, func(ctx context.Context, a *Assembly) (string, error) {
			pool, err := a.Shared(ctx, "pool", func(ctx context.Context) (any, error) {
				atomic.AddInt32(&builds, 1)
				return "pool", nil
			})
			if err != nil {
				return "", err
			}
			return pool.(string), nil
		}),
	)

	// Act
	_, err1 := New(blueprint).Materialize(context.Background())
	_, err2 := New(blueprint).Materialize(context.Background())

	// Assert
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&builds))
}

func TestContainer_Materialize_FirstCallerCancellationSettlesAsFailure(t *testing.T) {
	// The blueprint runs on the first caller's context; a provider that
	// honors a cancellation settles the container as failed for everyone.

	// Arrange
	ctx, cancel := context.WithCancel(context.Background())
	blueprint := NewBlueprint("worker",
		Provide(tagConn, func(ctx context.Context, a *Assembly) (string, error) {
			cancel()
			return "", ctx.Err()
		}),
	)
	c := New(blueprint)

	// Act
	_, err1 := c.Materialize(ctx)
	_, err2 := c.Materialize(context.Background())

	// Assert
	require.ErrorIs(t, err1, context.Canceled)
	assert.ErrorIs(t, err2, context.Canceled)
}

func TestContainer_Materialize_AfterTeardownFails(t *testing.T) {
	// Arrange
	c := New(NewBlueprint("worker", Supply(tagConn, "conn-1")))
	require.NoError(t, c.Teardown(context.Background()))

	// Act
	_, err := c.Materialize(context.Background())

	// Assert
	assert.ErrorIs(t, err, ErrClosed)
}

func TestContainer_Teardown_JoinsReleaseErrors(t *testing.T) {
	// Arrange
	first := stderrors.New("first release failed")
	second := stderrors.New("second release failed")
	blueprint := NewBlueprint("worker",
		Provide(tagConn, func(ctx context.Context, a *Assembly) (string, error) {
			a.OnRelease(func(ctx context.Context) error { return first })
			a.OnRelease(func(ctx context.Context) error { return second })
			return "conn-1", nil
		}),
	)
	c := New(blueprint)
	_, err := c.Materialize(context.Background())
	require.NoError(t, err)

	// Act
	err = c.Teardown(context.Background())

	// Assert
	require.Error(t, err)
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
}

func TestContainer_Go_TrackedUntilTeardown(t *testing.T) {
	// Arrange
	c := New(NewBlueprint("worker", Supply(tagConn, "conn-1")))
	_, err := c.Materialize(context.Background())
	require.NoError(t, err)

	var finished atomic.Bool
	c.Go(func(ctx context.Context) {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	})

	// Act
	err = c.Teardown(context.Background())

	// Assert: teardown waited for the deferred work.
	require.NoError(t, err)
	assert.True(t, finished.Load())
}

func TestContainer_Go_ContextCancelledOnTeardown(t *testing.T) {
	// Arrange
	c := New(NewBlueprint("worker", Supply(tagConn, "conn-1")))
	_, err := c.Materialize(context.Background())
	require.NoError(t, err)

	cancelled := make(chan struct{})
	c.Go(func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	})

	// Act
	require.NoError(t, c.Teardown(context.Background()))

	// Assert
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("background context was not cancelled by teardown")
	}
}
