package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Get_BoundCapability(t *testing.T) {
	// Arrange
	tag := NewTag[string]("db.url")
	reg := New(Bind(tag, "postgres://localhost"))

	// Act
	value, err := Get(reg, tag)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost", value)
}

func TestRegistry_Get_UnboundCapability(t *testing.T) {
	// Arrange
	tag := NewTag[int]("retries")
	reg := New()

	// Act
	_, err := Get(reg, tag)

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries")
}

func TestRegistry_Get_TagIdentityNotName(t *testing.T) {
	// Two tags with the same name are distinct keys.

	// Arrange
	first := NewTag[string]("shared.name")
	second := NewTag[string]("shared.name")
	reg := New(Bind(first, "first"))

	// Act
	got, err := Get(reg, first)
	_, missErr := Get(reg, second)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "first", got)
	assert.Error(t, missErr)
}

func TestRegistry_Extend_FallsThroughToParent(t *testing.T) {
	// Arrange
	base := NewTag[string]("base")
	over := NewTag[string]("over")
	parent := New(Bind(base, "from parent"))

	// Act
	child := parent.Extend(Bind(over, "from child"))

	// Assert
	baseVal, err := Get(child, base)
	require.NoError(t, err)
	assert.Equal(t, "from parent", baseVal)

	overVal, err := Get(child, over)
	require.NoError(t, err)
	assert.Equal(t, "from child", overVal)
}

func TestRegistry_Extend_OverlayShadowsParent(t *testing.T) {
	// Arrange
	tag := NewTag[int]("limit")
	parent := New(Bind(tag, 10))

	// Act
	child := parent.Extend(Bind(tag, 99))

	// Assert
	childVal, err := Get(child, tag)
	require.NoError(t, err)
	assert.Equal(t, 99, childVal)

	parentVal, err := Get(parent, tag)
	require.NoError(t, err)
	assert.Equal(t, 10, parentVal, "parent must not observe the overlay")
}

func TestRegistry_Extend_SiblingOverlaysAreIsolated(t *testing.T) {
	// Arrange
	tag := NewTag[string]("request.id")
	parent := New()

	// Act: many concurrent overlays of the same parent, each with its own
	// binding, resolved concurrently.
	var wg sync.WaitGroup
	errs := make([]error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("req-%d", i)
			overlay := parent.Extend(Bind(tag, want))
			got, err := Get(overlay, tag)
			if err != nil {
				errs[i] = err
				return
			}
			if got != want {
				errs[i] = fmt.Errorf("overlay %d saw %q", i, got)
			}
		}(i)
	}
	wg.Wait()

	// Assert
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestRegistry_Has(t *testing.T) {
	// Arrange
	bound := NewTag[string]("bound")
	unbound := NewTag[string]("unbound")
	reg := New(Bind(bound, "x"))

	// Act / Assert
	assert.True(t, Has(reg, bound))
	assert.False(t, Has(reg, unbound))
	assert.True(t, Has(reg.Extend(), bound), "Has must walk the parent chain")
}

func TestRegistry_MustGet_PanicsWhenUnbound(t *testing.T) {
	// Arrange
	tag := NewTag[string]("missing")
	reg := New()

	// Act / Assert
	assert.Panics(t, func() { MustGet(reg, tag) })
}

func TestRegistry_Bind_PanicsOnZeroTag(t *testing.T) {
	// Arrange
	var zero Tag[string]

	// Act / Assert
	assert.Panics(t, func() { Bind(zero, "value") })
}

func TestRegistry_New_LaterBindingWins(t *testing.T) {
	// Arrange
	tag := NewTag[string]("dup")

	// Act
	reg := New(Bind(tag, "first"), Bind(tag, "second"))

	// Assert
	got, err := Get(reg, tag)
	require.NoError(t, err)
	assert.Equal(t, "second", got)
}
