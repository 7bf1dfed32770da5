// Package block provides sector-addressed storage devices used as swap
// space.
package block

import (
	"gophervm/device"
	"gophervm/kernel"
)

// SectorSize is the size in bytes of a device sector.
const SectorSize = 512

var (
	// ErrSectorOutOfRange is returned when accessing a sector beyond the
	// end of the device.
	ErrSectorOutOfRange = &kernel.Error{Module: "block", Message: "sector out of range"}

	errBadBufferSize = &kernel.Error{Module: "block", Message: "buffer size must match the sector size"}
)

// Device is a block device that transfers data one sector at a time. Reads
// and writes are synchronous.
type Device interface {
	device.Driver

	// SectorCount returns the capacity of the device in sectors.
	SectorCount() uint64

	// ReadSector reads the contents of a sector into buf.
	ReadSector(sector uint64, buf []byte) *kernel.Error

	// WriteSector writes buf to a sector.
	WriteSector(sector uint64, buf []byte) *kernel.Error
}

// checkAccess validates the arguments of a sector transfer.
func checkAccess(dev Device, sector uint64, buf []byte) *kernel.Error {
	if len(buf) != SectorSize {
		return errBadBufferSize
	}
	if sector >= dev.SectorCount() {
		return ErrSectorOutOfRange
	}
	return nil
}
