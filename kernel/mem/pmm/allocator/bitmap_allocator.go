// Package allocator implements the physical frame pool that hands out zeroed
// page frames from a pmm.Arena.
package allocator

import (
	"gophervm/kernel"
	"gophervm/kernel/mem"
	"gophervm/kernel/mem/pmm"
	"gophervm/kernel/sync"

	"github.com/bits-and-blooms/bitset"
)

var (
	// ErrOutOfMemory is returned when a pool has no free frames left.
	ErrOutOfMemory = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}

	errInvalidPoolSplit  = &kernel.Error{Module: "bitmap_alloc", Message: "pool split leaves a pool without frames"}
	errFrameNotManaged   = &kernel.Error{Module: "bitmap_alloc", Message: "frame not managed by this allocator"}
	errFrameNotAllocated = &kernel.Error{Module: "bitmap_alloc", Message: "frame is not allocated"}
	errUnknownPool       = &kernel.Error{Module: "bitmap_alloc", Message: "unknown pool kind"}

	// memsetFn is mocked by tests.
	memsetFn = kernel.Memset
)

// PoolKind selects the pool a frame is allocated from.
type PoolKind uint8

const (
	// KernelPool frames hold kernel data such as page directory tables.
	KernelPool PoolKind = iota

	// UserPool frames back user pages. Exhausting this pool triggers
	// eviction.
	UserPool

	poolCount
)

// String implements fmt.Stringer for PoolKind.
func (k PoolKind) String() string {
	switch k {
	case KernelPool:
		return "kernel"
	case UserPool:
		return "user"
	default:
		return "unknown"
	}
}

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame pmm.Frame

	// endFrame tracks the last frame in the pool.
	endFrame pmm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the bitmap.
	freeCount uint32

	// usedBitmap tracks used/free pages in the pool.
	usedBitmap *bitset.BitSet
}

func (p *framePool) contains(f pmm.Frame) bool {
	return f >= p.startFrame && f <= p.endFrame
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the kernel and user pools using bitmaps.
type BitmapAllocator struct {
	lock sync.Spinlock

	arena *pmm.Arena

	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools [poolCount]framePool
}

// NewBitmapAllocator splits the frames of arena into a kernel pool and a
// user pool containing the last userFrames frames. Frame 0 is permanently
// reserved so that a zero physical address never refers to a valid
// allocation.
func NewBitmapAllocator(arena *pmm.Arena, userFrames uint32) (*BitmapAllocator, *kernel.Error) {
	total := arena.FrameCount()
	if userFrames == 0 || uint64(userFrames)+2 > total {
		return nil, errInvalidPoolSplit
	}

	alloc := &BitmapAllocator{
		arena:      arena,
		totalPages: uint32(total),
	}

	userStart := pmm.Frame(total - uint64(userFrames))
	alloc.initPool(KernelPool, 0, userStart-1)
	alloc.initPool(UserPool, userStart, pmm.Frame(total-1))

	// Reserve the null frame
	alloc.markFrame(KernelPool, 0, true)

	return alloc, nil
}

func (alloc *BitmapAllocator) initPool(kind PoolKind, start, end pmm.Frame) {
	count := uint(end - start + 1)
	alloc.pools[kind] = framePool{
		startFrame: start,
		endFrame:   end,
		freeCount:  uint32(count),
		usedBitmap: bitset.New(count),
	}
}

// markFrame updates the reservation bit for a frame in the given pool.
func (alloc *BitmapAllocator) markFrame(kind PoolKind, f pmm.Frame, used bool) {
	pool := &alloc.pools[kind]
	index := uint(f - pool.startFrame)

	switch {
	case used && !pool.usedBitmap.Test(index):
		pool.usedBitmap.Set(index)
		pool.freeCount--
		alloc.reservedPages++
	case !used && pool.usedBitmap.Test(index):
		pool.usedBitmap.Clear(index)
		pool.freeCount++
		alloc.reservedPages--
	}
}

// AllocFrame reserves a free frame from the requested pool and fills it with
// zeroes. It returns ErrOutOfMemory if the pool is exhausted.
func (alloc *BitmapAllocator) AllocFrame(kind PoolKind) (pmm.Frame, *kernel.Error) {
	if kind >= poolCount {
		return pmm.InvalidFrame, errUnknownPool
	}

	alloc.lock.Acquire()
	pool := &alloc.pools[kind]
	if pool.freeCount == 0 {
		alloc.lock.Release()
		return pmm.InvalidFrame, ErrOutOfMemory
	}

	index, _ := pool.usedBitmap.NextClear(0)
	frame := pool.startFrame + pmm.Frame(index)
	alloc.markFrame(kind, frame, true)
	alloc.lock.Release()

	memsetFn(alloc.arena.KernelAddr(frame.Address()), 0, uintptr(mem.PageSize))
	return frame, nil
}

// FreeFrame releases a frame previously allocated via AllocFrame.
func (alloc *BitmapAllocator) FreeFrame(f pmm.Frame) *kernel.Error {
	if !alloc.arena.Contains(f) {
		return errFrameNotManaged
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for kind := PoolKind(0); kind < poolCount; kind++ {
		pool := &alloc.pools[kind]
		if !pool.contains(f) {
			continue
		}

		// The null frame is never handed out
		if f == 0 || !pool.usedBitmap.Test(uint(f-pool.startFrame)) {
			return errFrameNotAllocated
		}

		alloc.markFrame(kind, f, false)
		return nil
	}

	return errFrameNotManaged
}

// FreeCount returns the number of free frames in a pool.
func (alloc *BitmapAllocator) FreeCount(kind PoolKind) uint32 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.pools[kind].freeCount
}

// PoolSize returns the number of frames in a pool.
func (alloc *BitmapAllocator) PoolSize(kind PoolKind) uint32 {
	return uint32(alloc.pools[kind].endFrame - alloc.pools[kind].startFrame + 1)
}

// ReservedPages returns the number of frames reserved across all pools.
func (alloc *BitmapAllocator) ReservedPages() uint32 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.reservedPages
}
