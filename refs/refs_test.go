package refs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type testResource struct {
	Reflexive

	name string
}

func TestRefResolvesLiveTarget(t *testing.T) {
	res := &testResource{name: "pool"}
	ref := NewRef(res)

	target, ok := ref.Get()
	require.True(t, ok)
	require.Equal(t, "pool", target.name)
	require.True(t, ref.Alive())
}

func TestRefObservesPoisonedTarget(t *testing.T) {
	res := &testResource{name: "pool"}
	ref := NewRef(res)

	res.Poison()

	target, ok := ref.Get()
	require.False(t, ok)
	require.Nil(t, target)
	require.False(t, ref.Alive())
}

func TestRefsShareOneRecord(t *testing.T) {
	res := &testResource{}
	first := NewRef(res)
	second := NewRef(res)
	copied := first

	res.Poison()

	require.False(t, first.Alive())
	require.False(t, second.Alive())
	require.False(t, copied.Alive())
}

func TestZeroRefIsEmpty(t *testing.T) {
	var ref Ref[*testResource]

	target, ok := ref.Get()
	require.False(t, ok)
	require.Nil(t, target)
	require.False(t, ref.Alive())
}

func TestClearNeutralizesRef(t *testing.T) {
	res := &testResource{}
	ref := NewRef(res)

	ref.Clear()

	require.False(t, ref.Alive())
	_, ok := ref.Get()
	require.False(t, ok)

	// The target itself is unaffected
	require.False(t, res.Poisoned())
}

func TestDoublePoisonPanics(t *testing.T) {
	res := &testResource{}
	res.Poison()

	require.Panics(t, func() {
		res.Poison()
	})
}

func TestPoisonBeforeAnyRef(t *testing.T) {
	res := &testResource{}
	res.Poison()

	ref := NewRef(res)
	require.False(t, ref.Alive())
}
