package vm

import (
	"gophervm/device"
	"gophervm/device/block"
	"gophervm/kernel"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mem"
	"gophervm/kernel/mem/pmm"
	"gophervm/kernel/mem/pmm/allocator"
	"gophervm/kernel/mem/swap"
	"gophervm/kernel/mem/vmm"
	"sync"
	"time"
)

var (
	errInvalidConfig = &kernel.Error{Module: "vm", Message: "invalid configuration"}

	// faultLogInterval bounds the rate of unhandled fault warnings.
	faultLogInterval = time.Second
)

// Config describes the simulated machine managed by a Manager.
type Config struct {
	// Frames is the number of physical frames.
	Frames uint64 `toml:"frames"`

	// UserFrames is the number of frames reserved for user pages. The
	// remaining frames hold page tables.
	UserFrames uint32 `toml:"user_frames"`

	// SwapSectors is the capacity of the in-memory swap device created
	// when New is not given one.
	SwapSectors uint64 `toml:"swap_sectors"`

	// StackGrowthMargin is the distance below the stack pointer within
	// which a fault grows the stack.
	StackGrowthMargin uint64 `toml:"stack_growth_margin"`

	// LogLevel is the minimum level of log entries.
	LogLevel string `toml:"log_level"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Frames:            1024,
		UserFrames:        256,
		SwapSectors:       1024 * swap.SlotSectors,
		StackGrowthMargin: 8,
		LogLevel:          "info",
	}
}

// Manager owns the physical memory, the frame table and the swap space shared
// by all address spaces.
type Manager struct {
	cfg Config

	arena   *pmm.Arena
	pool    FramePool
	swapDev block.Device
	slots   *swap.SlotTable
	frames  frameTable

	stats    stats
	faultLog kfmt.Logger

	mu     sync.Mutex
	spaces map[*AddressSpace]struct{}
}

// New sets up physical memory and page tables according to cfg and uses
// swapDev for swap space. If swapDev is nil, an in-memory disk with
// cfg.SwapSectors sectors is used. Only one Manager may be active at a time
// since it owns the hardware page tables.
func New(cfg Config, swapDev block.Device) (*Manager, *kernel.Error) {
	if cfg.Frames == 0 || cfg.UserFrames == 0 {
		return nil, errInvalidConfig
	}

	if swapDev == nil {
		swapDev = block.NewMemDisk(cfg.SwapSectors)
	}

	if cfg.LogLevel != "" {
		if err := kfmt.SetLogLevel(cfg.LogLevel); err != nil {
			return nil, err
		}
	}

	arena, err := pmm.NewArena(mem.Size(cfg.Frames) * mem.PageSize)
	if err != nil {
		return nil, err
	}

	alloc, err := allocator.NewBitmapAllocator(arena, cfg.UserFrames)
	if err != nil {
		_ = arena.Release()
		return nil, err
	}

	allocTableFn := func() (pmm.Frame, *kernel.Error) {
		return alloc.AllocFrame(allocator.KernelPool)
	}
	if err = vmm.Init(arena, allocTableFn, alloc.FreeFrame); err != nil {
		_ = arena.Release()
		return nil, err
	}

	if err = device.Init(swapDev, kfmt.GetOutputSink()); err != nil {
		_ = arena.Release()
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		arena:    arena,
		pool:     alloc,
		swapDev:  swapDev,
		slots:    swap.NewSlotTable(swapDev),
		faultLog: kfmt.RateLimited(kfmt.Log(), faultLogInterval),
		spaces:   make(map[*AddressSpace]struct{}),
	}

	kfmt.Log().Infof("%s arena: %d frames (%d user), %d swap slots", arena.Size(), cfg.Frames, cfg.UserFrames, m.slots.Len())
	return m, nil
}

// Config returns the configuration of the Manager.
func (m *Manager) Config() Config {
	return m.cfg
}

// Close destroys all remaining address spaces and releases physical memory.
func (m *Manager) Close() *kernel.Error {
	m.mu.Lock()
	spaces := make([]*AddressSpace, 0, len(m.spaces))
	for as := range m.spaces {
		spaces = append(spaces, as)
	}
	m.mu.Unlock()

	for _, as := range spaces {
		as.Destroy()
	}

	vmm.KernelPDT().Activate()
	return m.arena.Release()
}
