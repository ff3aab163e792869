// Package kma defines the public contract shared by both allocation
// strategies in this repository: BUD, a power-of-two buddy allocator
// operating on a single page (kernel/bud), and RM, a resource-map
// explicit-free-list allocator spanning many pages (kernel/rm).
//
// Exactly one strategy is linked into a given program; this package only
// names the contract both satisfy, it does not choose between them.
package kma

import "github.com/felixhu/kma/kernel/page"

// Allocator is satisfied by *bud.Allocator and *rm.Allocator.
type Allocator interface {
	// Allocate returns the address of a payload of the requested size, or
	// a non-nil error if the request (plus any required header) exceeds
	// one page or the strategy's configured maximum level.
	Allocate(size uint32) (page.Addr, error)

	// Release returns a previously allocated address to the allocator.
	// addr must have been returned by Allocate on the same instance.
	// BUD ignores size; RM uses it to size the freed block.
	Release(addr page.Addr, size uint32) error
}
