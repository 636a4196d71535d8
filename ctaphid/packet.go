package ctaphid

import (
	"encoding/binary"
	"errors"
)

// ReportSize is the payload length of a CTAPHID report (the 64-byte
// report body, excluding the leading report-ID byte written on the
// wire). The Linux hidraw backend may resolve a different size from
// the device's report descriptor; this is the fallback from
// spec.md §4.1/§6.
const ReportSize = 64

const (
	initPayloadMax = 57 // ReportSize - 4 (CID) - 1 (CMD) - 2 (BCNTH/BCNTL)
	contPayloadMax = 59 // ReportSize - 4 (CID) - 1 (SEQ)
)

// BroadcastCID is the channel identifier used for CTAPHID INIT,
// before a channel has been allocated.
const BroadcastCID uint32 = 0xFFFFFFFF

// CTAPHID command bytes, high bit set per spec.md §6. CmdCbor carries
// CTAP2 request/response bodies; the legacy U2F CmdMsg (0x83) is not
// used since this module targets CTAP2 only.
const (
	CmdInit      byte = 0x86
	CmdCbor      byte = 0x90
	CmdKeepAlive byte = 0xBB
)

var (
	// ErrShortPacket is returned when a raw report is too small to be
	// a valid CTAPHID frame.
	ErrShortPacket = errors.New("ctaphid: report shorter than a CID")
)

// initPacket encodes one CTAPHID initialization packet: the first
// packet of a message (or the whole message, if it fits).
type initPacket struct {
	CID  uint32
	Cmd  byte
	BCNT uint16
	Data []byte // ≤ initPayloadMax bytes
}

// encode renders the packet as a ReportSize-byte payload (the
// report-ID byte is prepended separately by the Device write path).
func (p initPacket) encode(size int) []byte {
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], p.CID)
	buf[4] = p.Cmd
	binary.BigEndian.PutUint16(buf[5:7], p.BCNT)
	copy(buf[7:], p.Data)
	return buf
}

// decodeInitPacket parses a report payload as an initialization
// packet. isKeepAlive reports whether CMD==0xBB so callers can
// discard it without further parsing.
func decodeInitPacket(buf []byte) (initPacket, error) {
	if len(buf) < 7 {
		return initPacket{}, ErrShortPacket
	}
	cid := binary.BigEndian.Uint32(buf[0:4])
	cmd := buf[4]
	bcnt := binary.BigEndian.Uint16(buf[5:7])
	data := buf[7:]
	max := int(bcnt)
	if max > len(data) {
		max = len(data)
	}
	return initPacket{CID: cid, Cmd: cmd, BCNT: bcnt, Data: data[:max]}, nil
}

// contPacket encodes one CTAPHID continuation packet.
type contPacket struct {
	CID  uint32
	Seq  byte // high bit clear, 0..0x7F
	Data []byte
}

func (p contPacket) encode(size int) []byte {
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], p.CID)
	buf[4] = p.Seq & 0x7F
	copy(buf[5:], p.Data)
	return buf
}

func decodeContPacket(buf []byte) (contPacket, error) {
	if len(buf) < 5 {
		return contPacket{}, ErrShortPacket
	}
	cid := binary.BigEndian.Uint32(buf[0:4])
	seq := buf[4]
	return contPacket{CID: cid, Seq: seq, Data: buf[5:]}, nil
}

// encodeMessage splits a CTAP message into the sequence of reports
// needed to transmit it, per spec.md §4.1's Write algorithm: one
// initialization packet with cmd and the big-endian length, then as
// many continuation packets as needed, each report padded to size
// bytes (the resolved report size; 64 if unknown).
func encodeMessage(cid uint32, cmd byte, msg []byte, size int) [][]byte {
	payloadMax := size - 7
	contMax := size - 5
	if payloadMax <= 0 {
		payloadMax = initPayloadMax
	}
	if contMax <= 0 {
		contMax = contPayloadMax
	}

	first := msg
	if len(first) > payloadMax {
		first = msg[:payloadMax]
	}
	reports := [][]byte{initPacket{CID: cid, Cmd: cmd, BCNT: uint16(len(msg)), Data: first}.encode(size)}

	rest := msg[len(first):]
	seq := byte(0)
	for len(rest) > 0 {
		n := contMax
		if n > len(rest) {
			n = len(rest)
		}
		reports = append(reports, contPacket{CID: cid, Seq: seq, Data: rest[:n]}.encode(size))
		rest = rest[n:]
		seq++
	}
	return reports
}
