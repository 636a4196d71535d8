// Package ctaphid implements the USB-HID CTAPHID channel protocol:
// device discovery filtered on the FIDO usage page/usage pair,
// channel initialization, message fragmentation/reassembly, keep-
// alive filtering, and single-retry recovery from a transient stream
// fault.
//
// # Discovery and open
//
// Engine.Discover enumerates hidraw nodes, admits those whose report
// descriptor declares usage page 0xF1D0 / usage 0x0001, probe-opens
// each, and runs the CTAPHID INIT handshake. Open failures and INIT
// failures are not propagated as discovery errors — a candidate that
// fails either is simply excluded, since it may not be a FIDO
// authenticator or may be transiently unavailable.
//
// # Wire framing
//
// A CTAP message longer than one report is split into an
// initialization packet (CID ‖ CMD ‖ BCNT ‖ first payload bytes)
// followed by continuation packets (CID ‖ SEQ ‖ payload bytes), with
// every report padded to the device's resolved size (64 bytes unless
// the kernel's report descriptor says otherwise). Reading mirrors
// this, discarding any frame whose CMD byte is 0xBB (keep-alive)
// before it reaches message reassembly.
//
// # Error recovery
//
// A write fault, or a fault on the first read of a response, triggers
// exactly one close-and-reopen of the underlying hidraw handle before
// the operation is retried; a second failure is reported as a
// transport.Error. A fault while reading continuation frames is
// reported directly, without a reopen. Cancellation observed
// between frames closes the stream and reports transport.ErrAborted
// rather than retrying.
package ctaphid
