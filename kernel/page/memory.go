package page

import (
	"encoding/binary"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// InMemoryProvider backs pages with independently allocated byte slices,
// addressed by a monotonically increasing synthetic base. Addresses are
// never reused across the provider's lifetime: both BUD's page table and
// RM's firstBase+i*PageSize index arithmetic depend on pages never
// aliasing an address that belonged to an earlier, since-freed page.
type InMemoryProvider struct {
	mu       sync.Mutex
	pageSize uint32
	nextID   uint64
	nextBase Addr
	pages    map[Addr][]byte
	seen     *bloom.BloomFilter
}

// NewInMemoryProvider creates a provider that hands out pageSize-aligned
// pages backed by ordinary Go byte slices.
func NewInMemoryProvider(pageSize uint32) *InMemoryProvider {
	return &InMemoryProvider{
		pageSize: pageSize,
		nextBase: Addr(pageSize),
		pages:    make(map[Addr][]byte),
		seen:     bloom.NewWithEstimates(1024, 0.01),
	}
}

func (m *InMemoryProvider) PageSize() uint32 { return m.pageSize }

func (m *InMemoryProvider) GetPage() (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	base := m.nextBase
	m.nextBase += Addr(m.pageSize)

	buf := make([]byte, m.pageSize)
	binary.LittleEndian.PutUint64(buf[:8], m.nextID)
	m.pages[base] = buf
	m.seen.Add(addrKey(base))

	return Handle{ID: m.nextID, Base: base}, nil
}

func (m *InMemoryProvider) FreePage(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.seen.Test(addrKey(h.Base)) {
		return ErrInvalidHandle
	}
	buf, ok := m.pages[h.Base]
	if !ok {
		return ErrInvalidHandle
	}
	if binary.LittleEndian.Uint64(buf[:8]) != h.ID {
		return ErrInvalidHandle
	}
	delete(m.pages, h.Base)
	return nil
}

func (m *InMemoryProvider) ReadAt(addr Addr, dest []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, off, err := m.locate(addr, uint32(len(dest)))
	if err != nil {
		return err
	}
	copy(dest, buf[off:])
	return nil
}

func (m *InMemoryProvider) WriteAt(addr Addr, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, off, err := m.locate(addr, uint32(len(src)))
	if err != nil {
		return err
	}
	copy(buf[off:], src)
	return nil
}

func (m *InMemoryProvider) locate(addr Addr, n uint32) ([]byte, uint32, error) {
	base := PageBase(addr, m.pageSize)
	if !m.seen.Test(addrKey(base)) {
		return nil, 0, ErrOutOfBounds
	}
	buf, ok := m.pages[base]
	if !ok {
		return nil, 0, ErrOutOfBounds
	}
	off := uint32(addr - base)
	if uint64(off)+uint64(n) > uint64(len(buf)) {
		return nil, 0, ErrOutOfBounds
	}
	return buf, off, nil
}

// PagesHeld reports how many pages are currently live, for tests that
// assert on testable property 3 (page reclamation).
func (m *InMemoryProvider) PagesHeld() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

func addrKey(a Addr) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(a))
	return buf[:]
}
