package container

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssemblyCache_Materialize_MemoizesPerName(t *testing.T) {
	// Arrange
	cache := NewAssemblyCache()
	var builds int32

	build := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&builds, 1)
		return "shared-pool", nil
	}

	// Act
	first, err1 := cache.Materialize(context.Background(), "pool", build)
	second, err2 := cache.Materialize(context.Background(), "pool", build)

	// Assert
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, "shared-pool", first)
	assert.Equal(t, "shared-pool", second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
}

func TestAssemblyCache_Materialize_ConcurrentRequestsShareOneBuild(t *testing.T) {
	// Arrange
	cache := NewAssemblyCache()
	var builds int32

	// Act
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := cache.Materialize(context.Background(), "pool", func(ctx context.Context) (any, error) {
				atomic.AddInt32(&builds, 1)
				return "shared-pool", nil
			})
			assert.NoError(t, err)
			assert.Equal(t, "shared-pool", v)
		}()
	}
	wg.Wait()

	// Assert
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
}

func TestAssemblyCache_Materialize_FailureMemoized(t *testing.T) {
	// Arrange
	cache := NewAssemblyCache()
	boom := stderrors.New("broker unreachable")
	var builds int32

	// Act
	_, err1 := cache.Materialize(context.Background(), "broker", func(ctx context.Context) (any, error) {
		atomic.AddInt32(&builds, 1)
		return nil, boom
	})
	_, err2 := cache.Materialize(context.Background(), "broker", func(ctx context.Context) (any, error) {
		atomic.AddInt32(&builds, 1)
		return "would succeed", nil
	})

	// Assert
	assert.ErrorIs(t, err1, boom)
	assert.ErrorIs(t, err2, boom)
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
}

func TestAssemblyCache_Materialize_DistinctNamesBuildIndependently(t *testing.T) {
	// Arrange
	cache := NewAssemblyCache()

	// Act
	a, err1 := cache.Materialize(context.Background(), "a", func(ctx context.Context) (any, error) { return 1, nil })
	b, err2 := cache.Materialize(context.Background(), "b", func(ctx context.Context) (any, error) { return 2, nil })

	// Assert
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestAssemblyCache_Release_RunsHooksOnceInReverseOrder(t *testing.T) {
	// Arrange
	cache := NewAssemblyCache()
	var order []string
	cache.OnRelease(func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})
	cache.OnRelease(func(ctx context.Context) error {
		order = append(order, "second")
		return nil
	})

	// Act
	err1 := cache.Release(context.Background())
	err2 := cache.Release(context.Background())

	// Assert: hooks consumed on first run, reverse registration order.
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestAssemblyCache_Release_ClearsEntries(t *testing.T) {
	// Arrange
	cache := NewAssemblyCache()
	var builds int32
	build := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&builds, 1)
		return "pool", nil
	}
	_, err := cache.Materialize(context.Background(), "pool", build)
	require.NoError(t, err)

	// Act
	require.NoError(t, cache.Release(context.Background()))
	_, err = cache.Materialize(context.Background(), "pool", build)

	// Assert: a released cache builds afresh.
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&builds))
}
