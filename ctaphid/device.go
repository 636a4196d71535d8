package ctaphid

import (
	"errors"
	"time"
)

// ErrUnsupportedPlatform is returned by Enumerate/OpenHidraw on
// platforms with no hidraw backend (only Linux is implemented; other
// OS HID APIs are OS-discovery specifics spec.md §1 leaves external).
var ErrUnsupportedPlatform = errors.New("ctaphid: no USB-HID backend on this platform")

// RawDevice is the minimum a USB-HID backend must provide: fixed-size
// report read/write with a timeout, a resolved report size, and
// close. The Linux hidraw backend and any other platform backend
// both implement this; Channel is built entirely on top of it, so
// the framing/handshake/recovery logic in channel.go needs no
// platform-specific code at all.
type RawDevice interface {
	// WriteReport writes one output report (including its leading
	// report-ID byte) and returns the number of bytes written.
	WriteReport(report []byte) (int, error)

	// ReadReport reads one input report into buf, blocking at most
	// until timeout elapses. Returns the number of bytes read.
	ReadReport(buf []byte, timeout time.Duration) (int, error)

	// ReportSize is the resolved report payload size (64 unless the
	// device's report descriptor says otherwise).
	ReportSize() int

	// Close releases the OS handle. Safe to call more than once.
	Close() error
}

// DeviceInfo describes a discovered candidate before it is opened.
type DeviceInfo struct {
	Path      string
	Name      string
	VendorID  uint16
	ProductID uint16
}

// Opener opens a RawDevice given its DeviceInfo.Path. Both platform
// backends and test fakes implement this.
type Opener func(path string) (RawDevice, error)
