package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"gophervm/device/block"
	"gophervm/kernel"
	"gophervm/kernel/gate"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mem"
	"gophervm/kernel/mem/vmm"
	"gophervm/kernel/vm"
	"io"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
)

const (
	heapBase   = uintptr(0x400000)
	mmapBase   = uintptr(0x10000000)
	stackPages = 4

	pageSize = uintptr(mem.PageSize)
)

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	path    string
	procs   int
	pages   int
	rounds  int
	swap    string
	mmap    string
	metrics string
}

// Name implements subcommands.Command.
func (*runCmd) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.
func (*runCmd) Synopsis() string {
	return "runs a paging workload and prints memory statistics"
}

// Usage implements subcommands.Command.
func (*runCmd) Usage() string {
	return `run [-config file] [-procs N] [-pages P] [-rounds R] [-swap path] [-mmap path] [-metrics path]

Spawns N address spaces that write and verify P anonymous pages for R
rounds, forks the first one and checks that the copies are isolated.
`
}

// SetFlags implements subcommands.Command.
func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.path, "config", "", "path to a TOML configuration file.")
	f.IntVar(&r.procs, "procs", 0, "number of address spaces; overrides the config file if set.")
	f.IntVar(&r.pages, "pages", 0, "anonymous pages per address space; overrides the config file if set.")
	f.IntVar(&r.rounds, "rounds", 0, "write and verify passes; overrides the config file if set.")
	f.StringVar(&r.swap, "swap", "", "file used as the swap device; overrides the config file if set.")
	f.StringVar(&r.mmap, "mmap", "", "file mapped read-only into the first address space.")
	f.StringVar(&r.metrics, "metrics", "", "file to write the final statistics to in Prometheus text format.")
}

// apply overrides the fields of cfg for which a flag was supplied.
func (r *runCmd) apply(cfg *config) {
	if r.procs > 0 {
		cfg.Workload.Procs = r.procs
	}
	if r.pages > 0 {
		cfg.Workload.Pages = r.pages
	}
	if r.rounds > 0 {
		cfg.Workload.Rounds = r.rounds
	}
	if r.swap != "" {
		cfg.Workload.SwapImage = r.swap
	}
	if r.mmap != "" {
		cfg.Workload.MmapFile = r.mmap
	}
	if r.metrics != "" {
		cfg.Workload.MetricsFile = r.metrics
	}
}

// Execute implements subcommands.Command.
func (r *runCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := loadConfig(r.path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	r.apply(&cfg)

	kfmt.SetOutputSink(os.Stdout)
	if err = runWorkload(ctx, cfg, os.Stdout); err != nil {
		kfmt.Log().WithError(err).Error("workload failed")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// asError converts a *kernel.Error into an error without producing a
// non-nil interface for a nil pointer.
func asError(err *kernel.Error) error {
	if err == nil {
		return nil
	}
	return err
}

// pattern returns the page contents written by proc during round.
func pattern(proc, page, round int) []byte {
	return bytes.Repeat([]byte{byte(proc*31 + page*7 + round + 1)}, int(mem.PageSize))
}

// runWorkload executes the workload described by cfg and writes the final
// statistics to w.
func runWorkload(ctx context.Context, cfg config, w io.Writer) error {
	wl := cfg.Workload
	if wl.Procs <= 0 || wl.Pages <= 0 || wl.Rounds <= 0 {
		return fmt.Errorf("procs, pages and rounds must be positive")
	}

	var swapDev block.Device
	if wl.SwapImage != "" {
		disk, err := block.OpenFileDisk(wl.SwapImage, cfg.VM.SwapSectors)
		if err != nil {
			return fmt.Errorf("opening swap image %q: %w", wl.SwapImage, err)
		}
		defer disk.Close()
		swapDev = disk
	}

	mgr, kErr := vm.New(cfg.VM, swapDev)
	if kErr != nil {
		return kErr
	}
	defer mgr.Close()

	spaces := make([]*vm.AddressSpace, wl.Procs)
	for i := range spaces {
		if spaces[i], kErr = mgr.NewAddressSpace(); kErr != nil {
			return kErr
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, as := range spaces {
		i, as := i, as
		g.Go(func() error {
			return exerciseSpace(ctx, mgr, as, i, wl)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := checkFork(mgr, spaces[0], wl); err != nil {
		return err
	}

	if wl.MmapFile != "" {
		if err := mapFile(mgr, spaces[0], wl.MmapFile, w); err != nil {
			return err
		}
	}

	stats := mgr.Stats()
	stats.DumpTo(w)

	if wl.MetricsFile != "" {
		return writeMetrics(wl.MetricsFile, stats)
	}
	return nil
}

// writeMetrics stores stats at path in the Prometheus text format.
func writeMetrics(path string, stats vm.Stats) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err = stats.WritePrometheus(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing metrics to %q: %w", path, err)
	}
	return f.Close()
}

// exerciseSpace writes and verifies the heap pages of as and pushes a few
// pages onto its stack.
func exerciseSpace(ctx context.Context, mgr *vm.Manager, as *vm.AddressSpace, proc int, wl workloadConfig) error {
	for page := 0; page < wl.Pages; page++ {
		va := heapBase + uintptr(page)*pageSize
		if err := mgr.AllocPage(as, vm.TypeAnon, va, true, nil, nil); err != nil {
			return fmt.Errorf("proc %d: allocating page at 0x%x: %w", proc, va, err)
		}
	}

	buf := make([]byte, mem.PageSize)
	for round := 0; round < wl.Rounds; round++ {
		for page := 0; page < wl.Pages; page++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			va := heapBase + uintptr(page)*pageSize
			if err := mgr.Write(as, nil, va, pattern(proc, page, round)); err != nil {
				return fmt.Errorf("proc %d: writing 0x%x: %w", proc, va, err)
			}
		}
		for page := 0; page < wl.Pages; page++ {
			va := heapBase + uintptr(page)*pageSize
			if err := mgr.Read(as, nil, va, buf); err != nil {
				return fmt.Errorf("proc %d: reading 0x%x: %w", proc, va, err)
			}
			if !bytes.Equal(buf, pattern(proc, page, round)) {
				return fmt.Errorf("proc %d: round %d: page 0x%x lost its contents", proc, round, va)
			}
		}
	}

	// Each push moves the stack pointer down a page before touching it.
	regs := &gate.Registers{}
	for k := 1; k <= stackPages; k++ {
		sp := vmm.UserStack - uintptr(k)*pageSize
		regs.RSP = uint64(sp)
		as.SetUserStackPointer(sp)
		if err := mgr.Write(as, regs, sp, []byte{byte(proc), byte(k)}); err != nil {
			return fmt.Errorf("proc %d: pushing stack page %d: %w", proc, k, err)
		}
	}
	return nil
}

// checkFork forks as and verifies that writes to the child do not leak
// into the parent.
func checkFork(mgr *vm.Manager, as *vm.AddressSpace, wl workloadConfig) error {
	child, err := as.Fork()
	if err != nil {
		return fmt.Errorf("fork: %w", err)
	}
	defer child.Destroy()

	last := wl.Rounds - 1
	scribble := bytes.Repeat([]byte{0xa5}, int(mem.PageSize))
	if err = mgr.Write(child, nil, heapBase, scribble); err != nil {
		return fmt.Errorf("fork: writing child: %w", err)
	}

	buf := make([]byte, mem.PageSize)
	if err = mgr.Read(as, nil, heapBase, buf); err != nil {
		return fmt.Errorf("fork: reading parent: %w", err)
	}
	if !bytes.Equal(buf, pattern(0, 0, last)) {
		return fmt.Errorf("fork: child write is visible in the parent")
	}

	if wl.Pages > 1 {
		va := heapBase + pageSize
		if err = mgr.Read(child, nil, va, buf); err != nil {
			return fmt.Errorf("fork: reading child: %w", err)
		}
		if !bytes.Equal(buf, pattern(0, 1, last)) {
			return fmt.Errorf("fork: child did not inherit parent contents")
		}
	}

	kfmt.Log().WithField("pages", child.PageCount()).Info("fork isolation verified")
	return nil
}

// osFile adapts *os.File to vm.File.
type osFile struct {
	*os.File
	size int64
}

func (f *osFile) Size() int64 { return f.size }

// mapFile maps path read-only into as and prints a summary of its first
// page.
func mapFile(mgr *vm.Manager, as *vm.AddressSpace, path string, w io.Writer) error {
	fd, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fd.Close()

	info, err := fd.Stat()
	if err != nil {
		return err
	}
	file := &osFile{File: fd, size: info.Size()}

	addr, kErr := mgr.Mmap(as, mmapBase, int(file.size), false, file, 0)
	if kErr != nil {
		return fmt.Errorf("mapping %q: %w", path, kErr)
	}

	n := file.size
	if n > int64(mem.PageSize) {
		n = int64(mem.PageSize)
	}
	buf := make([]byte, n)
	if kErr = mgr.Read(as, nil, addr, buf); kErr != nil {
		return fmt.Errorf("reading mapping of %q: %w", path, kErr)
	}

	var sum uint32
	for _, b := range buf {
		sum = sum*31 + uint32(b)
	}
	kfmt.Fprintf(w, "mapped %s at 0x%x (%d bytes, first page checksum %x)\n", path, addr, file.size, sum)

	return asError(mgr.Munmap(as, addr))
}
