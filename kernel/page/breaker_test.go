package page

import (
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyProvider struct {
	Provider
	failNext int
}

func (f *flakyProvider) GetPage() (Handle, error) {
	if f.failNext > 0 {
		f.failNext--
		return Handle{}, errors.New("provider unavailable")
	}
	return f.Provider.GetPage()
}

func TestWithBreaker_PassesThroughOnSuccess(t *testing.T) {
	inner := NewInMemoryProvider(4096)
	p := WithBreaker(inner)

	h, err := p.GetPage()
	require.NoError(t, err)
	assert.NotZero(t, h.Base)
}

func TestWithBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyProvider{Provider: NewInMemoryProvider(4096), failNext: 10}
	p := WithBreaker(inner)

	var lastErr error
	for i := 0; i < 5; i++ {
		_, lastErr = p.GetPage()
	}
	assert.ErrorIs(t, lastErr, gobreaker.ErrOpenState, "the fifth call must be rejected by the breaker tripped after four failures")
}
