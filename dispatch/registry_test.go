package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_DuplicateKeepsOriginal(t *testing.T) {
	reg := NewRegistry()
	first := &countingUnit{kinds: []Kind{"Ping"}, policy: Guests}
	second := &countingUnit{kinds: []Kind{"Ping"}, policy: Guests}

	require.NoError(t, reg.RegisterUnit(first))
	err := reg.RegisterUnit(second)
	require.ErrorIs(t, err, ErrDuplicateRegistration)

	entry, err := reg.Resolve("Ping")
	require.NoError(t, err)
	assert.Same(t, first, entry.Unit)
}

func TestRegistry_SameUnitTwiceIsRejected(t *testing.T) {
	reg := NewRegistry()
	unit := &countingUnit{kinds: []Kind{"Ping"}, policy: Guests}
	require.NoError(t, reg.RegisterUnit(unit))
	require.ErrorIs(t, reg.RegisterUnit(unit), ErrDuplicateRegistration)
}

func TestRegistry_RegisterUnitIsAllOrNothing(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("B", &countingUnit{kinds: []Kind{"B"}}, Guests))

	multi := &countingUnit{kinds: []Kind{"A", "B", "C"}, policy: Guests}
	require.ErrorIs(t, reg.RegisterUnit(multi), ErrDuplicateRegistration)

	assert.Equal(t, []Kind{"B"}, reg.Kinds())
	_, err := reg.Resolve("A")
	assert.ErrorIs(t, err, ErrUnknownMessageKind)
}

func TestRegistry_RejectsInvalidRegistrations(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register("", &countingUnit{}, Guests))
	assert.Error(t, reg.Register("X", nil, Guests))
	assert.Error(t, reg.RegisterUnit(nil))

	var typedNil *countingUnit
	assert.NotPanics(t, func() {
		assert.ErrorIs(t, reg.RegisterUnit(typedNil), ErrMalformedMessage)
	})
	assert.ErrorIs(t, reg.Register("Y", typedNil, Guests), ErrMalformedMessage)
	assert.Error(t, reg.RegisterUnit(&countingUnit{}))
	assert.Error(t, reg.RegisterUnit(&countingUnit{kinds: []Kind{"D", "D"}}))
	assert.Zero(t, reg.Len())
}

func TestRegistry_KindsSorted(t *testing.T) {
	reg := NewRegistry()
	unit := &countingUnit{kinds: []Kind{"Zeta", "Alpha", "Mid"}, policy: Guests}
	require.NoError(t, reg.RegisterUnit(unit))
	assert.Equal(t, []Kind{"Alpha", "Mid", "Zeta"}, reg.Kinds())
	assert.Equal(t, 3, reg.Len())
}

func TestRegistry_NilPolicyRequiresAuthentication(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("Guarded", &countingUnit{}, nil))

	_, err := NewDispatcher(reg).Dispatch(context.Background(), nil, &Message{Kind: "Guarded"}, nil)
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
}

func TestRegistry_Seal(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("Ping", &countingUnit{}, Guests))
	reg.Seal()
	assert.True(t, reg.Sealed())

	require.ErrorIs(t, reg.Register("Pong", &countingUnit{}, Guests), ErrRegistrySealed)
	_, err := reg.Resolve("Ping")
	assert.NoError(t, err)
}

func TestRegistry_ConcurrentResolve(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterUnit(&countingUnit{kinds: []Kind{"A", "B"}, policy: Guests}))
	reg.Seal()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := reg.Resolve("A"); err != nil {
					t.Error(err)
					return
				}
				_ = reg.Kinds()
			}
		}()
	}
	wg.Wait()
}

func TestMustRegisterPanicsOnConflict(t *testing.T) {
	unit := &countingUnit{kinds: []Kind{"dispatch.test.MustRegister"}, policy: Guests}
	MustRegister(unit)
	assert.Panics(t, func() { MustRegister(unit) })

	entry, err := Default().Resolve("dispatch.test.MustRegister")
	require.NoError(t, err)
	assert.Same(t, unit, entry.Unit)
}
