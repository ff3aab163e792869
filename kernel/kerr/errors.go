// Package kerr holds the allocator's error sentinels and wrapping helper.
package kerr

import (
	"errors"
	"fmt"
)

var (
	// ErrOversize is returned when a request plus its header would exceed
	// one page (RM) or the configured maximum level (BUD).
	ErrOversize = errors.New("kma: request exceeds one page")
	// ErrProviderExhausted is returned when the page provider cannot
	// produce a new page.
	ErrProviderExhausted = errors.New("kma: page provider exhausted")
)

// Wrap adds call-site context to err without discarding it from errors.Is/As.
func Wrap(err error, msg string) error {
	if err == nil {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// WrapProviderExhausted wraps a failed GetPage call so errors.Is matches
// both ErrProviderExhausted and the provider's own error.
func WrapProviderExhausted(err error) error {
	return fmt.Errorf("get page: %w: %w", ErrProviderExhausted, err)
}
