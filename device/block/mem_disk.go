package block

import (
	"gophervm/kernel"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/sync"
	"io"
)

// MemDisk is a block device backed by host memory. Its contents are lost
// when the process exits.
type MemDisk struct {
	lock sync.Spinlock

	data []byte

	reads, writes uint64
}

// NewMemDisk creates a zero-filled in-memory disk with the requested number
// of sectors.
func NewMemDisk(sectors uint64) *MemDisk {
	return &MemDisk{data: make([]byte, sectors*SectorSize)}
}

// DriverName returns the name of the driver.
func (d *MemDisk) DriverName() string { return "memdisk" }

// DriverVersion returns the driver version.
func (d *MemDisk) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

// DriverInit initializes the device driver.
func (d *MemDisk) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "%d sectors\n", d.SectorCount())
	return nil
}

// SectorCount returns the capacity of the device in sectors.
func (d *MemDisk) SectorCount() uint64 {
	return uint64(len(d.data) / SectorSize)
}

// ReadSector reads the contents of a sector into buf.
func (d *MemDisk) ReadSector(sector uint64, buf []byte) *kernel.Error {
	if err := checkAccess(d, sector, buf); err != nil {
		return err
	}

	d.lock.Acquire()
	copy(buf, d.data[sector*SectorSize:])
	d.reads++
	d.lock.Release()
	return nil
}

// WriteSector writes buf to a sector.
func (d *MemDisk) WriteSector(sector uint64, buf []byte) *kernel.Error {
	if err := checkAccess(d, sector, buf); err != nil {
		return err
	}

	d.lock.Acquire()
	copy(d.data[sector*SectorSize:(sector+1)*SectorSize], buf)
	d.writes++
	d.lock.Release()
	return nil
}

// IOCount returns the number of sector reads and writes served so far.
func (d *MemDisk) IOCount() (reads, writes uint64) {
	d.lock.Acquire()
	defer d.lock.Release()
	return d.reads, d.writes
}
