package device

import (
	"bytes"
	"gophervm/kernel"
	"gophervm/kernel/kfmt"
	"io"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprintf.
	DriverInit(io.Writer) *kernel.Error
}

// Init initializes drv. Any output generated by the driver, followed by the
// outcome of the initialization, is written to w with each line prefixed by
// the driver name and version.
func Init(drv Driver, w io.Writer) *kernel.Error {
	var prefix bytes.Buffer
	major, minor, patch := drv.DriverVersion()
	kfmt.Fprintf(&prefix, "[dev] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)

	pw := &kfmt.PrefixWriter{Sink: w, Prefix: prefix.Bytes()}
	if err := drv.DriverInit(pw); err != nil {
		kfmt.Fprintf(pw, "init failed: %s\n", err.Message)
		return err
	}

	kfmt.Fprintf(pw, "initialized\n")
	return nil
}
