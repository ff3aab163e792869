package kma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixhu/kma/kernel/bud"
	"github.com/felixhu/kma/kernel/page"
	"github.com/felixhu/kma/kernel/rm"
)

// Both strategies satisfy the shared contract; this is checked at compile
// time rather than decided between at runtime.
var (
	_ Allocator = (*bud.Allocator)(nil)
	_ Allocator = (*rm.Allocator)(nil)
)

func newStrategies(t *testing.T) map[string]Allocator {
	t.Helper()
	return map[string]Allocator{
		"bud": bud.New(page.NewInMemoryProvider(1 << (bud.Levels + bud.BlockBits))),
		"rm":  rm.New(page.NewInMemoryProvider(8192)),
	}
}

func TestAllocators_AllocateThenRelease(t *testing.T) {
	for name, a := range newStrategies(t) {
		t.Run(name, func(t *testing.T) {
			addr, err := a.Allocate(64)
			require.NoError(t, err)
			assert.NotZero(t, addr)
			require.NoError(t, a.Release(addr, 64))
		})
	}
}

func TestAllocators_NonOverlap(t *testing.T) {
	for name, a := range newStrategies(t) {
		t.Run(name, func(t *testing.T) {
			a1, err := a.Allocate(32)
			require.NoError(t, err)
			a2, err := a.Allocate(32)
			require.NoError(t, err)
			assert.NotEqual(t, a1, a2)

			require.NoError(t, a.Release(a1, 32))
			require.NoError(t, a.Release(a2, 32))
		})
	}
}
