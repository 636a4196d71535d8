// Package pcsc talks CTAP over ISO 7816 APDUs through a PC/SC smart
// card reader.
//
// # Discovery
//
// Discover establishes a PC/SC context, lists reader names, and
// probes each by connecting and selecting the FIDO applet (AID
// A0 00 00 06 47 2F 00 01). Only readers where the SELECT returns
// SW=9000 are reported; every probe disconnects before moving to the
// next reader regardless of outcome.
//
// # Sending
//
// Every Send reconnects from scratch: Connect, select the FIDO
// applet, run the chained send/drain exchange from package chain,
// then Disconnect(LeaveCard). This mirrors the CCID engine's
// endpoint-reopening behavior applied to a PC/SC card handle instead
// of a USB handle — see DESIGN.md for the reasoning.
//
// # Command chaining and response drainage
//
// A CTAP message is split into blocks of at most 251 bytes. All but
// the last block carry CLA=0x90 (chaining); the last carries
// CLA=0x80. Every block uses INS=0x10 and Le=0x00. After the final
// block, response data accumulates across GET NEXT RESPONSE
// (SW=9100) and ISO GET RESPONSE (SW1=61) follow-ups until SW=9000.
package pcsc
