// Package rm implements RM, a resource-map explicit-free-list allocator
// spanning many pages, with an address-ordered free list and whole-page
// reclamation on release.
package rm

import (
	"encoding/binary"
	"sync"

	"github.com/felixhu/kma/kernel/kerr"
	"github.com/felixhu/kma/kernel/klog"
	"github.com/felixhu/kma/kernel/page"
)

const (
	pageHeaderSize = 24 // PageID(8) + AllocatedBlocks(4); the remaining 12 bytes are unused
	blockHeaderSize = 32 // Size(8) + OwningPage(8) + Prev(8) + Next(8)
)

// pageHeader is the first record of every page: the provider's page id and
// the page's own AllocatedBlocks count. The free-list head and the page
// count are held on Allocator, not in any page.
type pageHeader struct {
	PageID          uint64
	AllocatedBlocks uint32
	_               uint32 // padding to keep the struct's on-wire size stable
}

func decodePageHeader(p page.Provider, addr page.Addr) (pageHeader, error) {
	var buf [pageHeaderSize]byte
	if err := p.ReadAt(addr, buf[:]); err != nil {
		return pageHeader{}, err
	}
	return pageHeader{
		PageID:          binary.LittleEndian.Uint64(buf[0:8]),
		AllocatedBlocks: binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

func encodePageHeader(p page.Provider, addr page.Addr, h pageHeader) error {
	var buf [pageHeaderSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], h.PageID)
	binary.LittleEndian.PutUint32(buf[8:12], h.AllocatedBlocks)
	return p.WriteAt(addr, buf[:])
}

// blockHeader is written in-band at the start of every free block. Live
// (allocated) blocks carry no header of their own beyond the caller's data;
// RM trusts the caller-supplied size on release.
type blockHeader struct {
	Size       uint64
	OwningPage page.Addr
	Prev       page.Addr
	Next       page.Addr
}

func decodeBlockHeader(p page.Provider, addr page.Addr) (blockHeader, error) {
	var buf [blockHeaderSize]byte
	if err := p.ReadAt(addr, buf[:]); err != nil {
		return blockHeader{}, err
	}
	return blockHeader{
		Size:       binary.LittleEndian.Uint64(buf[0:8]),
		OwningPage: page.Addr(binary.LittleEndian.Uint64(buf[8:16])),
		Prev:       page.Addr(binary.LittleEndian.Uint64(buf[16:24])),
		Next:       page.Addr(binary.LittleEndian.Uint64(buf[24:32])),
	}, nil
}

func encodeBlockHeader(p page.Provider, addr page.Addr, h blockHeader) error {
	var buf [blockHeaderSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], h.Size)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.OwningPage))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.Prev))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.Next))
	return p.WriteAt(addr, buf[:])
}

// Allocator is a multi-page resource-map (explicit free-list) allocator.
// Construct it with New; it initializes lazily on the first Allocate.
type Allocator struct {
	mu sync.Mutex
	p  page.Provider
	log *klog.Logger

	firstBase  page.Addr // base address of the first page; 0 if none held yet
	totalPages uint32    // number of pages currently held
	freeHead   page.Addr // head of the address-ordered free-list; 0 if empty

	// pageIDs records the provider's page identity for every page index,
	// so a page can be returned to the provider without re-reading its
	// header bytes.
	pageIDs []uint64
}

// New creates an allocator on top of p.
func New(p page.Provider) *Allocator {
	return &Allocator{p: p, log: klog.New("rm")}
}

// Allocate satisfies kma.Allocator.
func (a *Allocator) Allocate(size uint32) (page.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint64(size)+pageHeaderSize > uint64(a.p.PageSize()) {
		return 0, kerr.ErrOversize
	}
	if a.totalPages == 0 {
		if err := a.makeNewPage(); err != nil {
			return 0, err
		}
	}

	block, err := a.findFreeSpace(size)
	if err != nil {
		return 0, err
	}

	base := a.pageBase(a.pageIndexOf(block))
	hdr, err := decodePageHeader(a.p, base)
	if err != nil {
		return 0, err
	}
	hdr.AllocatedBlocks++
	if err := encodePageHeader(a.p, base, hdr); err != nil {
		return 0, err
	}
	return block, nil
}

// Release satisfies kma.Allocator. RM trusts size: the caller must pass
// the same size given to Allocate. Sizes below the block-header size are
// raised to it, as Allocate does.
func (a *Allocator) Release(addr page.Addr, size uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size < blockHeaderSize {
		size = blockHeaderSize
	}
	idx := a.pageIndexOf(addr)
	if err := a.addBlock(addr, uint64(size)); err != nil {
		return err
	}

	base := a.pageBase(idx)
	hdr, err := decodePageHeader(a.p, base)
	if err != nil {
		return err
	}
	hdr.AllocatedBlocks--
	if err := encodePageHeader(a.p, base, hdr); err != nil {
		return err
	}

	return a.sweep()
}

func (a *Allocator) makeNewPage() error {
	h, err := a.p.GetPage()
	if err != nil {
		return kerr.WrapProviderExhausted(err)
	}
	idx := uint32(len(a.pageIDs))
	if idx == 0 {
		a.firstBase = h.Base
	}
	a.pageIDs = append(a.pageIDs, h.ID)
	a.totalPages++

	if err := encodePageHeader(a.p, h.Base, pageHeader{PageID: h.ID}); err != nil {
		return err
	}

	freeStart := h.Base + pageHeaderSize
	freeSize := uint64(a.p.PageSize()) - pageHeaderSize
	if err := a.addBlock(freeStart, freeSize); err != nil {
		return err
	}
	a.log.Debug("page obtained", klog.Uint64("page_id", h.ID), klog.Int("index", int(idx)))
	return nil
}

// findFreeSpace performs a first-fit scan of the address-ordered free-list,
// raising requests below the block-header size up to that size so a carved
// remainder (if any) is itself a legal free block.
func (a *Allocator) findFreeSpace(size uint32) (page.Addr, error) {
	need := uint64(size)
	if need < blockHeaderSize {
		need = blockHeaderSize
	}

	current := a.freeHead
	for current != 0 {
		hdr, err := decodeBlockHeader(a.p, current)
		if err != nil {
			return 0, err
		}
		if hdr.Size >= need {
			if hdr.Size == need || hdr.Size-need < blockHeaderSize {
				if err := a.removeBlock(current); err != nil {
					return 0, err
				}
				return current, nil
			}
			remainder := current + page.Addr(need)
			if err := a.addBlock(remainder, hdr.Size-need); err != nil {
				return 0, err
			}
			if err := a.removeBlock(current); err != nil {
				return 0, err
			}
			return current, nil
		}
		current = hdr.Next
	}

	if err := a.makeNewPage(); err != nil {
		return 0, err
	}
	return a.findFreeSpace(size)
}

// addBlock stamps block's header and inserts it into the free-list at the
// unique position that keeps addresses strictly increasing. The
// "list is currently empty" case is an explicit branch rather than folded
// into the general predecessor search, which keeps the insertion logic a
// plain address comparison with no reliance on sentinel values.
func (a *Allocator) addBlock(addr page.Addr, size uint64) error {
	owning := a.pageBase(a.pageIndexOf(addr))
	hdr := blockHeader{Size: size, OwningPage: owning}

	if a.freeHead == 0 {
		hdr.Prev, hdr.Next = 0, 0
		a.freeHead = addr
		return encodeBlockHeader(a.p, addr, hdr)
	}

	if addr < a.freeHead {
		headHdr, err := decodeBlockHeader(a.p, a.freeHead)
		if err != nil {
			return err
		}
		headHdr.Prev = addr
		if err := encodeBlockHeader(a.p, a.freeHead, headHdr); err != nil {
			return err
		}
		hdr.Next = a.freeHead
		hdr.Prev = 0
		a.freeHead = addr
		return encodeBlockHeader(a.p, addr, hdr)
	}

	current := a.freeHead
	for {
		curHdr, err := decodeBlockHeader(a.p, current)
		if err != nil {
			return err
		}
		if curHdr.Next == 0 || curHdr.Next > addr {
			hdr.Prev = current
			hdr.Next = curHdr.Next
			if curHdr.Next != 0 {
				nextHdr, err := decodeBlockHeader(a.p, curHdr.Next)
				if err != nil {
					return err
				}
				nextHdr.Prev = addr
				if err := encodeBlockHeader(a.p, curHdr.Next, nextHdr); err != nil {
					return err
				}
			}
			curHdr.Next = addr
			if err := encodeBlockHeader(a.p, current, curHdr); err != nil {
				return err
			}
			return encodeBlockHeader(a.p, addr, hdr)
		}
		current = curHdr.Next
	}
}

func (a *Allocator) removeBlock(addr page.Addr) error {
	hdr, err := decodeBlockHeader(a.p, addr)
	if err != nil {
		return err
	}

	if hdr.Prev == 0 {
		a.freeHead = hdr.Next
	} else {
		prevHdr, err := decodeBlockHeader(a.p, hdr.Prev)
		if err != nil {
			return err
		}
		prevHdr.Next = hdr.Next
		if err := encodeBlockHeader(a.p, hdr.Prev, prevHdr); err != nil {
			return err
		}
	}
	if hdr.Next != 0 {
		nextHdr, err := decodeBlockHeader(a.p, hdr.Next)
		if err != nil {
			return err
		}
		nextHdr.Prev = hdr.Prev
		if err := encodeBlockHeader(a.p, hdr.Next, nextHdr); err != nil {
			return err
		}
	}
	return nil
}

// sweep reclaims pages with zero live allocations, highest index first,
// stopping at the first occupied page it encounters. The loop bound is
// snapshotted once at entry: totalPages shrinks as pages
// are reclaimed, but the sweep must still visit every index it started
// with, never revisiting an index already freed this call.
func (a *Allocator) sweep() error {
	startCount := a.totalPages
	for i := int(startCount) - 1; i >= 0; i-- {
		if uint32(i) >= a.totalPages {
			continue // already reclaimed earlier in this same sweep
		}
		base := a.pageBase(uint32(i))
		hdr, err := decodePageHeader(a.p, base)
		if err != nil {
			return err
		}
		if hdr.AllocatedBlocks != 0 {
			return nil
		}

		if err := a.unlinkPageBlocks(base); err != nil {
			return err
		}

		id := a.pageIDs[i]
		if err := a.p.FreePage(page.Handle{Base: base, ID: id}); err != nil {
			return kerr.Wrap(err, "free page")
		}
		a.log.Debug("page returned", klog.Uint64("page_id", id), klog.Int("index", i))

		if i == 0 {
			a.firstBase = 0
			a.totalPages = 0
			a.freeHead = 0
			a.pageIDs = nil
			return nil
		}
		a.removePageIndex(uint32(i))
	}
	return nil
}

// unlinkPageBlocks removes every free-list entry whose owning page is base.
func (a *Allocator) unlinkPageBlocks(base page.Addr) error {
	current := a.freeHead
	for current != 0 {
		hdr, err := decodeBlockHeader(a.p, current)
		if err != nil {
			return err
		}
		next := hdr.Next
		if hdr.OwningPage == base {
			if err := a.removeBlock(current); err != nil {
				return err
			}
		}
		current = next
	}
	return nil
}

// removePageIndex drops page index i from the tail, compacting pageIDs.
// Only ever called for i > 0 (index 0's removal clears all state instead),
// so no addresses above i need renumbering: a reclaimed page's address is
// never handed to a later page, sweep only ever shrinks from the high end.
func (a *Allocator) removePageIndex(i uint32) {
	a.totalPages--
	a.pageIDs = append(a.pageIDs[:i], a.pageIDs[i+1:]...)
}

func (a *Allocator) pageBase(index uint32) page.Addr {
	return a.firstBase + page.Addr(index)*page.Addr(a.p.PageSize())
}

func (a *Allocator) pageIndexOf(addr page.Addr) uint32 {
	return uint32((addr - a.firstBase) / page.Addr(a.p.PageSize()))
}

// Stats summarizes the allocator's current state for tests and diagnostics.
type Stats struct {
	TotalPages uint32
	FreeBlocks int
}

func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{TotalPages: a.totalPages}
	addr := a.freeHead
	for addr != 0 {
		s.FreeBlocks++
		hdr, err := decodeBlockHeader(a.p, addr)
		if err != nil {
			break
		}
		addr = hdr.Next
	}
	return s
}
