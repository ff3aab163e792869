// Package page defines the page-provider contract that both allocation
// strategies sit on top of, plus two concrete implementations.
package page

import "errors"

// Addr is an opaque offset into a provider's address space. It is never
// dereferenced directly; all access goes through a Provider.
type Addr uint64

// Handle identifies a page obtained from a Provider. ID is stable for the
// lifetime of the page; Base is the page's PAGE_SIZE-aligned address.
type Handle struct {
	ID   uint64
	Base Addr
}

// Provider hands out fixed-size, PAGE_SIZE-aligned page frames. No ordering
// relation between successive GetPage results is assumed.
type Provider interface {
	PageSize() uint32
	GetPage() (Handle, error)
	FreePage(h Handle) error
	ReadAt(addr Addr, dest []byte) error
	WriteAt(addr Addr, src []byte) error
}

var (
	// ErrOutOfBounds is returned when an address/length falls outside any
	// page the provider currently holds.
	ErrOutOfBounds = errors.New("page: address out of bounds")
	// ErrInvalidHandle is returned when FreePage is called with a handle
	// that does not match the page currently stored at its base address.
	ErrInvalidHandle = errors.New("page: invalid handle")
	// ErrExhausted is returned when a provider cannot produce a new page.
	ErrExhausted = errors.New("page: provider exhausted")
)

// PageBase rounds addr down to the start of the page that contains it.
func PageBase(addr Addr, pageSize uint32) Addr {
	return addr &^ Addr(pageSize-1)
}
