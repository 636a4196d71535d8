// Package ccid drives a raw CCID-class USB smart-card reader as a
// CTAP transport: bulk endpoint discovery, CCID message framing,
// slot/ICC lifecycle management, and the same APDU chaining and
// response-drainage layer pcsc uses, carried over XfrBlock instead of
// a PC/SC Transmit.
//
// # Discovery
//
// Discover enumerates USB devices, admits those whose configuration
// declares a bInterfaceClass=0x0B interface with bulk OUT and IN
// endpoints, and probes each with a raw (unchained) FIDO applet
// SELECT. Only readers answering SW=9000 are reported.
//
// # Per-exchange pipeline
//
// Every SendApdu issues three CCID exchanges under a fresh bSeq each:
// GetSlotStatus, an IccPowerOn when the card is present but
// unpowered, then XfrBlock carrying the APDU. Each exchange reads up
// to 12 CCID messages looking for a (type, bSeq) match, following any
// cmdStatus=2 (time-extension) response for up to 30 further reads.
//
// # Endpoint reopening
//
// A Device keeps its USB device handle open across calls (closed by
// Dispose) but re-claims the interface and re-opens its bulk
// endpoints on every Send, mirroring the PC/SC engine's per-Send
// reconnect policy applied to a USB handle instead of a card handle.
package ccid
