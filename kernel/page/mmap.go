//go:build !windows

package page

import (
	"encoding/binary"
	"fmt"
	"sync"
	"syscall"
	"unsafe"
)

// MmapProvider backs pages with anonymous, page-aligned memory mappings,
// one independent mapping per page, matching the get/free-page-at-a-time
// lifecycle the allocators drive it with.
type MmapProvider struct {
	mu       sync.Mutex
	pageSize uint32
	nextID   uint64
	pages    map[Addr]*mmapPage
}

type mmapPage struct {
	raw   []byte // the full over-allocated mapping, needed by Munmap
	slice []byte // the PageSize-aligned sub-slice actually in use
}

// NewMmapProvider creates a provider backed by real OS pages.
func NewMmapProvider(pageSize uint32) *MmapProvider {
	return &MmapProvider{pageSize: pageSize, pages: make(map[Addr]*mmapPage)}
}

func (m *MmapProvider) PageSize() uint32 { return m.pageSize }

func (m *MmapProvider) GetPage() (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := int(m.pageSize)
	raw, err := syscall.Mmap(-1, 0, size*2,
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_ANON|syscall.MAP_PRIVATE)
	if err != nil {
		return Handle{}, fmt.Errorf("mmap page: %w: %w", ErrExhausted, err)
	}

	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + uintptr(m.pageSize) - 1) &^ (uintptr(m.pageSize) - 1)
	start := int(aligned - base)
	slice := raw[start : start+size]

	m.nextID++
	h := Handle{ID: m.nextID, Base: Addr(aligned)}
	binary.LittleEndian.PutUint64(slice[:8], h.ID)

	m.pages[h.Base] = &mmapPage{raw: raw, slice: slice}
	return h, nil
}

func (m *MmapProvider) FreePage(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pages[h.Base]
	if !ok {
		return ErrInvalidHandle
	}
	if binary.LittleEndian.Uint64(p.slice[:8]) != h.ID {
		return ErrInvalidHandle
	}
	delete(m.pages, h.Base)
	return syscall.Munmap(p.raw)
}

func (m *MmapProvider) ReadAt(addr Addr, dest []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	slice, off, err := m.locate(addr, uint32(len(dest)))
	if err != nil {
		return err
	}
	copy(dest, slice[off:])
	return nil
}

func (m *MmapProvider) WriteAt(addr Addr, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	slice, off, err := m.locate(addr, uint32(len(src)))
	if err != nil {
		return err
	}
	copy(slice[off:], src)
	return nil
}

func (m *MmapProvider) locate(addr Addr, n uint32) ([]byte, uint32, error) {
	base := PageBase(addr, m.pageSize)
	p, ok := m.pages[base]
	if !ok {
		return nil, 0, ErrOutOfBounds
	}
	off := uint32(addr - base)
	if uint64(off)+uint64(n) > uint64(m.pageSize) {
		return nil, 0, ErrOutOfBounds
	}
	return p.slice, off, nil
}
