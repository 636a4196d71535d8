// Package ctap implements the CTAP 2.0 command layer: it prepends a
// command byte to an externally-encoded CBOR body, forwards the
// packet through a transport, and strips and classifies the
// trailing CTAP status byte. CBOR encoding/decoding itself is an
// external collaborator (spec Non-goal) — see Marshal.
package ctap

import (
	"errors"
	"fmt"
)

// Status is a CTAP response status byte. Zero means success;
// everything else is a member of the taxonomy below.
type Status byte

// Status byte taxonomy, per CTAP 2.0 and spec.md §6.
const (
	StatusSuccess Status = 0x00

	// Generic errors.
	StatusInvalidCommand   Status = 0x01
	StatusInvalidParameter Status = 0x02
	StatusInvalidLength    Status = 0x03
	StatusInvalidSeq       Status = 0x04
	StatusTimeout          Status = 0x05
	StatusChannelBusy      Status = 0x06
	StatusLockRequired     Status = 0x0A
	StatusInvalidChannel   Status = 0x0B

	// CBOR errors.
	StatusCBORUnexpectedType Status = 0x11
	StatusInvalidCBOR        Status = 0x12

	// Semantic errors.
	StatusMissingParameter     Status = 0x14
	StatusLimitExceeded        Status = 0x15
	StatusUnsupportedExtension Status = 0x16
	StatusCredentialExcluded   Status = 0x19
	StatusProcessing           Status = 0x21
	StatusInvalidCredential    Status = 0x22
	StatusUserActionPending    Status = 0x23
	StatusOperationPending     Status = 0x24
	StatusNoOperations         Status = 0x25
	StatusUnsupportedAlgorithm Status = 0x26
	StatusOperationDenied      Status = 0x27
	StatusKeyStoreFull         Status = 0x28
	StatusNotBusy              Status = 0x29
	StatusNoOperationPending   Status = 0x2A
	StatusUnsupportedOption    Status = 0x2B
	StatusInvalidOption        Status = 0x2C
	StatusKeepaliveCancel      Status = 0x2D
	StatusNoCredentials        Status = 0x2E
	StatusUserActionTimeout    Status = 0x2F
	StatusNotAllowed           Status = 0x30
	StatusPinInvalid           Status = 0x31
	StatusPinBlocked           Status = 0x32
	StatusPinAuthInvalid       Status = 0x33
	StatusPinAuthBlocked       Status = 0x34
	StatusPinNotSet            Status = 0x35
	StatusPinRequired          Status = 0x36
	StatusPinPolicyViolation   Status = 0x37
	StatusPinTokenExpired      Status = 0x38
	StatusRequestTooLarge      Status = 0x39
	StatusActionTimeout        Status = 0x3A
	StatusUpRequired           Status = 0x3B

	// Spec-last and extension/vendor ranges.
	StatusSpecLast Status = 0xDF
	StatusErrOther Status = 0x7F
)

// IsExtension reports whether the status falls in the extension
// range 0xE0–0xEF.
func (s Status) IsExtension() bool { return s >= 0xE0 && s <= 0xEF }

// IsVendor reports whether the status falls in the vendor range
// 0xF0–0xFF.
func (s Status) IsVendor() bool { return s >= 0xF0 }

var statusNames = map[Status]string{
	StatusSuccess:              "success",
	StatusInvalidCommand:       "invalid command",
	StatusInvalidParameter:     "invalid parameter",
	StatusInvalidLength:        "invalid length",
	StatusInvalidSeq:           "invalid sequencing",
	StatusTimeout:              "timeout",
	StatusChannelBusy:          "channel busy",
	StatusLockRequired:         "lock required",
	StatusInvalidChannel:       "invalid channel",
	StatusCBORUnexpectedType:   "unexpected CBOR type",
	StatusInvalidCBOR:          "invalid CBOR",
	StatusMissingParameter:     "missing parameter",
	StatusLimitExceeded:        "limit exceeded",
	StatusUnsupportedExtension: "unsupported extension",
	StatusCredentialExcluded:   "credential excluded",
	StatusProcessing:           "processing",
	StatusInvalidCredential:    "invalid credential",
	StatusUserActionPending:    "user action pending",
	StatusOperationPending:     "operation pending",
	StatusNoOperations:         "no operations",
	StatusUnsupportedAlgorithm: "unsupported algorithm",
	StatusOperationDenied:      "operation denied",
	StatusKeyStoreFull:         "key store full",
	StatusNotBusy:              "not busy",
	StatusNoOperationPending:   "no operation pending",
	StatusUnsupportedOption:    "unsupported option",
	StatusInvalidOption:        "invalid option",
	StatusKeepaliveCancel:      "keepalive cancel",
	StatusNoCredentials:        "no credentials",
	StatusUserActionTimeout:    "user action timeout",
	StatusNotAllowed:           "not allowed",
	StatusPinInvalid:           "PIN invalid",
	StatusPinBlocked:           "PIN blocked",
	StatusPinAuthInvalid:       "PIN auth invalid",
	StatusPinAuthBlocked:       "PIN auth blocked",
	StatusPinNotSet:            "PIN not set",
	StatusPinRequired:          "PIN required",
	StatusPinPolicyViolation:   "PIN policy violation",
	StatusPinTokenExpired:      "PIN token expired",
	StatusRequestTooLarge:      "request too large",
	StatusActionTimeout:        "action timeout",
	StatusUpRequired:           "user presence required",
	StatusSpecLast:             "spec last",
	StatusErrOther:             "other error",
}

// String returns a short human-readable description, falling back to
// the numeric ranges documented in spec.md §6 for unnamed codes.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	switch {
	case s.IsVendor():
		return fmt.Sprintf("vendor error 0x%02X", byte(s))
	case s.IsExtension():
		return fmt.Sprintf("extension error 0x%02X", byte(s))
	default:
		return fmt.Sprintf("unknown status 0x%02X", byte(s))
	}
}

// Error is returned when a CTAP response carries a non-zero status
// byte. It carries both the status code and the device name, so a
// caller can decide on a UX step (e.g. StatusPinRequired prompting
// for a PIN) without string-matching Error().
type Error struct {
	Status Status
	Device string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ctap: %s: %s (0x%02X)", e.Device, e.Status, byte(e.Status))
}

// IsStatus reports whether err is, or wraps, a *Error carrying the
// given status.
func IsStatus(err error, want Status) bool {
	var ctapErr *Error
	if !errors.As(err, &ctapErr) {
		return false
	}
	return ctapErr.Status == want
}
