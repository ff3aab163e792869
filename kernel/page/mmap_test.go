//go:build !windows

package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMmapProvider_GetFreePage(t *testing.T) {
	p := NewMmapProvider(4096)

	h, err := p.GetPage()
	require.NoError(t, err)
	assert.Zero(t, uint64(h.Base)%4096, "page base must be PageSize-aligned")

	require.NoError(t, p.WriteAt(h.Base+64, []byte("hello")))
	got := make([]byte, 5)
	require.NoError(t, p.ReadAt(h.Base+64, got))
	assert.Equal(t, "hello", string(got))

	require.NoError(t, p.FreePage(h))
}

func TestMmapProvider_FreePage_WrongID(t *testing.T) {
	p := NewMmapProvider(4096)

	h, err := p.GetPage()
	require.NoError(t, err)
	defer p.FreePage(h)

	bad := h
	bad.ID++
	assert.ErrorIs(t, p.FreePage(bad), ErrInvalidHandle)
}
