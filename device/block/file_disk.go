package block

import (
	"gophervm/kernel"
	"gophervm/kernel/kfmt"
	"io"
	"os"

	"github.com/gofrs/flock"
)

var (
	errDiskLocked = &kernel.Error{Module: "block", Message: "disk image is in use by another process"}
	errDiskOpen   = &kernel.Error{Module: "block", Message: "unable to open disk image"}
	errDiskIO     = &kernel.Error{Module: "block", Message: "disk image I/O error"}
)

// lockSuffix is appended to the image path to obtain the lock file path.
const lockSuffix = ".lock"

// FileDisk is a block device backed by an image file on the host. An
// exclusive advisory lock is held on the image for as long as the disk is
// open so that two processes never share the same swap image.
type FileDisk struct {
	path string
	file *os.File
	lock *flock.Flock

	sectors uint64
}

// OpenFileDisk opens (creating it if needed) the image at path and resizes it
// to hold the requested number of sectors.
func OpenFileDisk(path string, sectors uint64) (*FileDisk, *kernel.Error) {
	lock := flock.NewFlock(path + lockSuffix)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errDiskOpen
	}
	if !locked {
		return nil, errDiskLocked
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		_ = lock.Unlock()
		return nil, errDiskOpen
	}

	if err = file.Truncate(int64(sectors * SectorSize)); err != nil {
		_ = file.Close()
		_ = lock.Unlock()
		return nil, errDiskOpen
	}

	return &FileDisk{
		path:    path,
		file:    file,
		lock:    lock,
		sectors: sectors,
	}, nil
}

// Close closes the image file and releases its lock.
func (d *FileDisk) Close() *kernel.Error {
	if d.file == nil {
		return nil
	}

	closeErr := d.file.Close()
	unlockErr := d.lock.Unlock()
	d.file = nil
	if closeErr != nil || unlockErr != nil {
		return errDiskIO
	}
	return nil
}

// DriverName returns the name of the driver.
func (d *FileDisk) DriverName() string { return "filedisk" }

// DriverVersion returns the driver version.
func (d *FileDisk) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

// DriverInit initializes the device driver.
func (d *FileDisk) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "%d sectors backed by %s\n", d.sectors, d.path)
	return nil
}

// SectorCount returns the capacity of the device in sectors.
func (d *FileDisk) SectorCount() uint64 {
	return d.sectors
}

// ReadSector reads the contents of a sector into buf.
func (d *FileDisk) ReadSector(sector uint64, buf []byte) *kernel.Error {
	if err := checkAccess(d, sector, buf); err != nil {
		return err
	}

	if _, err := d.file.ReadAt(buf, int64(sector*SectorSize)); err != nil {
		return errDiskIO
	}
	return nil
}

// WriteSector writes buf to a sector.
func (d *FileDisk) WriteSector(sector uint64, buf []byte) *kernel.Error {
	if err := checkAccess(d, sector, buf); err != nil {
		return err
	}

	if _, err := d.file.WriteAt(buf, int64(sector*SectorSize)); err != nil {
		return errDiskIO
	}
	return nil
}
