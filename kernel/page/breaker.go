package page

import "github.com/sony/gobreaker"

// breakerProvider wraps a Provider and trips a circuit breaker around
// GetPage after repeated failures, so a mutator that keeps calling
// Allocate against an exhausted or failing provider fails fast instead of
// retrying the same expensive failure on every call.
type breakerProvider struct {
	Provider
	cb *gobreaker.CircuitBreaker
}

// WithBreaker decorates p with a circuit breaker guarding GetPage. FreePage
// and the read/write path are passed through unguarded: a provider that can
// no longer produce pages can usually still release the ones it already
// holds, and gating that path too would make teardown unreliable exactly
// when it matters most.
func WithBreaker(p Provider) Provider {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "page-provider",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &breakerProvider{Provider: p, cb: cb}
}

func (b *breakerProvider) GetPage() (Handle, error) {
	h, err := b.cb.Execute(func() (interface{}, error) {
		return b.Provider.GetPage()
	})
	if err != nil {
		return Handle{}, err
	}
	return h.(Handle), nil
}
