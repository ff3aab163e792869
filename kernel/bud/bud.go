// Package bud implements BUD, a power-of-two buddy allocator operating on a
// single page at a time, with in-band block headers and per-level
// doubly-linked free lists.
package bud

import (
	"encoding/binary"
	"sync"

	"github.com/felixhu/kma/kernel/kerr"
	"github.com/felixhu/kma/kernel/klog"
	"github.com/felixhu/kma/kernel/page"
)

const (
	// BlockBits sets the block sizes: a level-L block is 1<<(L+BlockBits)
	// bytes, so the smallest (level 1) block is 32 bytes including its header.
	BlockBits = 4
	// Levels is the number of buddy levels; level Levels spans one page.
	Levels = 9

	// headerSize = PageID(8) + Level(4) + State(4) + Prev(8) + Next(8). The
	// leading PageID field always carries the owning page's provider-assigned
	// id, restamped on every header write so the page's first 8 bytes never
	// drift from what the provider's FreePage validation expects there.
	headerSize = 32

	stateFree      uint32 = 0
	stateAllocated uint32 = 1

	// controlReserve is the nominal size of the control header (free-lists
	// and used counter) carved from the tree during Init, mirroring the
	// original's self-hosted control header without requiring this
	// implementation to re-decode bookkeeping it already holds in Go
	// fields. See DESIGN.md.
	controlReserve = 64
)

// blockSize returns the size, in bytes, of a block at the given level.
func blockSize(level int) uint32 { return uint32(1) << uint(level+BlockBits) }

// levelOfSize returns the smallest level L >= 1 with blockSize(L) >= n +
// headerSize, or Levels+1 if no such level exists.
func levelOfSize(n uint32) int {
	for l := 1; l <= Levels; l++ {
		if uint64(blockSize(l)) >= uint64(n)+headerSize {
			return l
		}
	}
	return Levels + 1
}

type blockHeader struct {
	// PageID is the provider-assigned id of the page this block lives on. It
	// occupies the same leading 8 bytes the provider itself stamps a page's
	// id into at GetPage time; every encodeHeader call must carry the
	// correct value forward so a block header written at a page's base
	// address never corrupts the identity FreePage checks against.
	PageID uint64
	Level  uint32
	State  uint32
	Prev   page.Addr
	Next   page.Addr
}

func decodeHeader(p page.Provider, addr page.Addr) (blockHeader, error) {
	var buf [headerSize]byte
	if err := p.ReadAt(addr, buf[:]); err != nil {
		return blockHeader{}, err
	}
	return blockHeader{
		PageID: binary.LittleEndian.Uint64(buf[0:8]),
		Level:  binary.LittleEndian.Uint32(buf[8:12]),
		State:  binary.LittleEndian.Uint32(buf[12:16]),
		Prev:   page.Addr(binary.LittleEndian.Uint64(buf[16:24])),
		Next:   page.Addr(binary.LittleEndian.Uint64(buf[24:32])),
	}, nil
}

func encodeHeader(p page.Provider, addr page.Addr, h blockHeader) error {
	var buf [headerSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], h.PageID)
	binary.LittleEndian.PutUint32(buf[8:12], h.Level)
	binary.LittleEndian.PutUint32(buf[12:16], h.State)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.Prev))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.Next))
	return p.WriteAt(addr, buf[:])
}

// Allocator is a single-page buddy allocator. Construct it with New; it
// initializes lazily on the first Allocate.
type Allocator struct {
	mu        sync.Mutex
	p         page.Provider
	log       *klog.Logger
	pageBase  page.Addr
	pageID    uint64
	held      bool
	used      uint32
	freeLists [Levels + 1]page.Addr

	// extra tracks standalone, page-sized blocks handed out directly when
	// a full-page request arrives and the home page has none free (see
	// findBlock's level == Levels branch). These never join the home
	// page's buddy tree; each is returned to the provider the instant it
	// is released, keyed by its own provider-assigned id.
	extra map[page.Addr]uint64
}

// New creates an allocator on top of p.
func New(p page.Provider) *Allocator {
	return &Allocator{p: p, log: klog.New("bud")}
}

// Allocate satisfies kma.Allocator.
func (a *Allocator) Allocate(size uint32) (page.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	level := levelOfSize(size)
	if level > Levels {
		return 0, kerr.ErrOversize
	}
	if !a.held {
		if err := a.init(); err != nil {
			return 0, kerr.Wrap(err, "bud: init")
		}
	}
	addr, err := a.findBlock(level)
	if err != nil {
		return 0, err
	}
	return addr, nil
}

// Release satisfies kma.Allocator. The size argument is ignored; BUD
// derives the block's size from its header.
func (a *Allocator) Release(addr page.Addr, _ uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.freeBlock(addr - headerSize); err != nil {
		return err
	}
	if a.used == 0 && a.held {
		return a.freeTopPage()
	}
	return nil
}

func (a *Allocator) init() error {
	h, err := a.p.GetPage()
	if err != nil {
		return kerr.WrapProviderExhausted(err)
	}
	a.pageBase = h.Base
	a.pageID = h.ID
	a.held = true
	a.used = 0
	a.freeLists = [Levels + 1]page.Addr{}

	if err := encodeHeader(a.p, h.Base, blockHeader{PageID: h.ID, Level: Levels, State: stateFree}); err != nil {
		return err
	}
	a.addToFreeList(h.Base, Levels)
	a.log.Debug("page obtained", klog.Uint64("page_id", h.ID))

	// Carve the control header out of the tree like any other block, then
	// forget it: it is never a live allocation.
	if _, err := a.findBlock(levelOfSize(controlReserve)); err != nil {
		return err
	}
	a.used = 0
	return nil
}

func (a *Allocator) findBlock(level int) (page.Addr, error) {
	a.used++

	if head := a.freeLists[level]; head != 0 {
		if err := a.removeFromFreeList(head, level); err != nil {
			return 0, err
		}
		if err := encodeHeader(a.p, head, blockHeader{PageID: a.pageID, Level: uint32(level), State: stateAllocated}); err != nil {
			return 0, err
		}
		return head + headerSize, nil
	}

	if level < Levels {
		parentPayload, err := a.findBlock(level + 1)
		if err != nil {
			return 0, err
		}
		kept := parentPayload - headerSize
		sibling := kept + page.Addr(blockSize(level))

		if err := encodeHeader(a.p, sibling, blockHeader{PageID: a.pageID, Level: uint32(level), State: stateFree}); err != nil {
			return 0, err
		}
		a.addToFreeList(sibling, level)

		if err := encodeHeader(a.p, kept, blockHeader{PageID: a.pageID, Level: uint32(level), State: stateAllocated}); err != nil {
			return 0, err
		}
		return kept + headerSize, nil
	}

	// level == Levels and the home page's top-level slot is already
	// spoken for (init always runs before findBlock can be reached, so
	// a.held is already true here): hand out an independent standalone
	// page instead, never folded into the home buddy tree.
	h, err := a.p.GetPage()
	if err != nil {
		return 0, kerr.WrapProviderExhausted(err)
	}
	if a.extra == nil {
		a.extra = make(map[page.Addr]uint64)
	}
	a.extra[h.Base] = h.ID
	if err := encodeHeader(a.p, h.Base, blockHeader{PageID: h.ID, Level: Levels, State: stateAllocated}); err != nil {
		return 0, err
	}
	return h.Base + headerSize, nil
}

// freeBlock is the recursive release/coalesce step: the used counter is
// decremented once per recursive call, not once per external Release,
// matching the symmetric per-level increment in findBlock so a fully
// balanced allocate/release sequence nets to zero.
func (a *Allocator) freeBlock(blockAddr page.Addr) error {
	a.used--

	hdr, err := decodeHeader(a.p, blockAddr)
	if err != nil {
		return err
	}
	if hdr.Level == Levels {
		if blockAddr == a.pageBase {
			return nil // home page; Release's used==0 check handles reclaiming it.
		}
		id := a.extra[blockAddr]
		delete(a.extra, blockAddr)
		if err := a.p.FreePage(page.Handle{Base: blockAddr, ID: id}); err != nil {
			return kerr.Wrap(err, "free standalone page")
		}
		a.log.Debug("standalone page returned", klog.Uint64("page_id", id))
		return nil
	}

	buddyAddr := blockAddr ^ page.Addr(blockSize(int(hdr.Level)))
	buddyHdr, err := decodeHeader(a.p, buddyAddr)
	buddyFree := err == nil && buddyHdr.State == stateFree && buddyHdr.Level == hdr.Level

	if !buddyFree {
		if err := encodeHeader(a.p, blockAddr, blockHeader{PageID: a.pageID, Level: hdr.Level, State: stateFree}); err != nil {
			return err
		}
		a.addToFreeList(blockAddr, int(hdr.Level))
		return nil
	}

	if err := a.removeFromFreeList(buddyAddr, int(hdr.Level)); err != nil {
		return err
	}
	merged := blockAddr
	if buddyAddr < merged {
		merged = buddyAddr
	}
	if err := encodeHeader(a.p, merged, blockHeader{PageID: a.pageID, Level: hdr.Level + 1, State: stateAllocated}); err != nil {
		return err
	}
	return a.freeBlock(merged)
}

// freeTopPage returns the page to the provider once nothing on it remains
// allocated. The page's identity is tracked as Go-level state (set when init
// obtains the page) rather than read back from the page's first word; every
// header write restamps that id into the first word, so it still matches
// what the provider's FreePage checks.
func (a *Allocator) freeTopPage() error {
	h := page.Handle{Base: a.pageBase, ID: a.pageID}
	if err := a.p.FreePage(h); err != nil {
		return kerr.Wrap(err, "free page")
	}
	a.log.Debug("page returned", klog.Uint64("page_id", a.pageID))
	a.held = false
	a.pageID = 0
	a.used = 0
	a.freeLists = [Levels + 1]page.Addr{}
	return nil
}

func (a *Allocator) addToFreeList(addr page.Addr, level int) {
	head := a.freeLists[level]
	_ = encodeHeader(a.p, addr, blockHeader{PageID: a.pageID, Level: uint32(level), State: stateFree, Next: head})
	if head != 0 {
		if hdr, err := decodeHeader(a.p, head); err == nil {
			hdr.Prev = addr
			_ = encodeHeader(a.p, head, hdr)
		}
	}
	a.freeLists[level] = addr
}

func (a *Allocator) removeFromFreeList(addr page.Addr, level int) error {
	hdr, err := decodeHeader(a.p, addr)
	if err != nil {
		return err
	}
	if hdr.Prev == 0 {
		a.freeLists[level] = hdr.Next
	} else {
		prevHdr, err := decodeHeader(a.p, hdr.Prev)
		if err != nil {
			return err
		}
		prevHdr.Next = hdr.Next
		if err := encodeHeader(a.p, hdr.Prev, prevHdr); err != nil {
			return err
		}
	}
	if hdr.Next != 0 {
		nextHdr, err := decodeHeader(a.p, hdr.Next)
		if err != nil {
			return err
		}
		nextHdr.Prev = hdr.Prev
		if err := encodeHeader(a.p, hdr.Next, nextHdr); err != nil {
			return err
		}
	}
	return nil
}

// Stats summarizes the allocator's current state for tests and diagnostics.
type Stats struct {
	PagesHeld  int
	Used       uint32
	FreeCounts [Levels + 1]int
}

func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{Used: a.used}
	if a.held {
		s.PagesHeld = 1
	}
	s.PagesHeld += len(a.extra)
	for level := 1; level <= Levels; level++ {
		addr := a.freeLists[level]
		for addr != 0 {
			s.FreeCounts[level]++
			hdr, err := decodeHeader(a.p, addr)
			if err != nil {
				break
			}
			addr = hdr.Next
		}
	}
	return s
}
