// Package transport defines the common device contract every engine
// (USB-HID, PC/SC NFC, CCID NFC) exposes to the CTAP command layer,
// plus the shared transport-fault error family and discovery order.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Kind tags which engine produced a Device.
type Kind string

const (
	KindUSB  Kind = "usb-hid"
	KindPCSC Kind = "pcsc"
	KindCCID Kind = "ccid"
)

// Device is the capability every discovered authenticator handle
// offers: send a request, get a response, and release whatever OS
// resource backs it. Send blocks until a response, ctx expiry/
// cancellation, or an unrecoverable fault.
type Device interface {
	// Send transmits data and returns the raw response. For the
	// USB-HID engine this is one CTAPHID transaction; for PC/SC and
	// CCID it is a fully chained+drained APDU exchange.
	Send(ctx context.Context, data []byte) ([]byte, error)

	// Dispose releases the underlying OS handle (HID file descriptor,
	// PC/SC card/context, or USB device handle). Safe to call more
	// than once.
	Dispose() error

	// Descriptor returns the static metadata discovery resolved for
	// this device.
	Descriptor() Descriptor
}

// Descriptor carries discovery-time metadata about a device, beyond
// the minimal filter contract needed to find it.
type Descriptor struct {
	Name string
	Path string
	Kind Kind

	// ReportSize is the resolved HID output/input report length for
	// KindUSB devices (0 for PC/SC and CCID).
	ReportSize int

	// USBBus and USBAddress identify an underlying USB device. No
	// engine in this module fills them in, so they are zero for every
	// handle; the CCID engine names its devices "ccid-<bus>-<address>"
	// instead.
	USBBus     int
	USBAddress int
}

// Stage tags a point of failure within a transport engine, mirroring
// the teacher's Step field on authentication errors.
type Stage string

const (
	StageOpen       Stage = "open"
	StageHandshake  Stage = "handshake"
	StageWrite      Stage = "write"
	StageRead       Stage = "read"
	StageFraming    Stage = "framing"
	StageChaining   Stage = "chaining"
	StageCardStatus Stage = "card-status"
	StageTimeExtend Stage = "time-extension"
	StageReconnect  Stage = "reconnect"
)

// Error is the transport-fault family from spec.md §7: I/O failures,
// framing violations, handshake failures, CCID command-status
// failures, and response-matching exhaustion. It mirrors the
// teacher's AuthError shape (stage + wrapped cause).
type Error struct {
	Stage  Stage
	Device string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transport: %s: %s: %v", e.Device, e.Stage, e.Cause)
	}
	return fmt.Sprintf("transport: %s: %s", e.Device, e.Stage)
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrAborted is returned (wrapped) when a Send is abandoned because
// its context was cancelled or its deadline expired, distinct from
// an actual device fault.
var ErrAborted = errors.New("transport: aborted")

// IsAborted reports whether err denotes cooperative cancellation
// rather than a device fault.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}

// IsStage reports whether err is a *Error at the given stage.
func IsStage(err error, stage Stage) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	return te.Stage == stage
}

// Discoverer is implemented by each engine's discovery entry point.
// Discover aggregates them in USB-HID, then PC/SC, then CCID order
// per spec.md §4.4.
type Discoverer interface {
	Discover(ctx context.Context) ([]Device, error)
}

// Discover runs each engine's discovery in turn and concatenates the
// results, preserving USB-HID-then-PC/SC-then-CCID ordering. An
// engine that finds nothing (or whose hardware support is absent on
// the host) returns an empty slice rather than an error; only a
// genuine enumeration fault is propagated.
func Discover(ctx context.Context, engines ...Discoverer) ([]Device, error) {
	var all []Device
	for _, e := range engines {
		devices, err := e.Discover(ctx)
		if err != nil {
			return all, err
		}
		all = append(all, devices...)
	}
	return all, nil
}
