package ccid

import (
	"encoding/binary"
	"fmt"
)

// PC-to-RDR command types, per spec.md §3.
const (
	MsgIccPowerOn    byte = 0x62
	MsgIccPowerOff   byte = 0x63
	MsgGetSlotStatus byte = 0x65
	MsgXfrBlock      byte = 0x6F
)

// RDR-to-PC response types.
const (
	MsgDataBlock  byte = 0x80
	MsgSlotStatus byte = 0x81
	MsgEscape     byte = 0x83
)

// headerLen is the fixed 10-byte CCID message header:
// bMessageType(1) dwLength(4) bSlot(1) bSeq(1) msgSpecific(3).
const headerLen = 10

// maxDwLength bounds a sane dwLength, per spec.md §4.3's read-loop
// validation.
const maxDwLength = 65536

// Message is one CCID bulk-transfer frame.
type Message struct {
	Type        byte
	Slot        byte
	Seq         byte
	MsgSpecific [3]byte
	Data        []byte
}

// Encode renders m as its wire bytes.
func (m Message) Encode() []byte {
	buf := make([]byte, headerLen+len(m.Data))
	buf[0] = m.Type
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(m.Data)))
	buf[5] = m.Slot
	buf[6] = m.Seq
	copy(buf[7:10], m.MsgSpecific[:])
	copy(buf[10:], m.Data)
	return buf
}

// BStatus decodes the first msgSpecific byte of a RDR-to-PC response
// into its ICC status (bits 0-1) and command status (bits 6-7).
type BStatus byte

// ICC status values (bits 0-1).
const (
	IccStatusActive   = 0 // present, powered
	IccStatusInactive = 1 // present, not powered
	IccStatusAbsent   = 2 // not present
)

// Command status values (bits 6-7).
const (
	CmdStatusSuccess       = 0
	CmdStatusFailed        = 1
	CmdStatusTimeExtension = 2
)

func (b BStatus) IccStatus() byte { return byte(b) & 0x03 }
func (b BStatus) CmdStatus() byte { return (byte(b) >> 6) & 0x03 }

func (m Message) BStatus() BStatus { return BStatus(m.MsgSpecific[0]) }

// XfrBlockSpecific builds the msgSpecific field for an XfrBlock
// command: bBWI=0x0A, wLevelParameter=0x0000, per spec.md §4.3.
func XfrBlockSpecific() [3]byte {
	return [3]byte{0x0A, 0x00, 0x00}
}

// ErrImplausibleLength is returned when a decoded dwLength exceeds
// the sane bound spec.md §4.3 places on the read loop.
var ErrImplausibleLength = fmt.Errorf("ccid: dwLength exceeds %d", maxDwLength)

// DecodeHeader parses the fixed 10-byte header from the first chunk
// of a RDR-to-PC message.
func DecodeHeader(chunk []byte) (Message, uint32, error) {
	if len(chunk) < headerLen {
		return Message{}, 0, fmt.Errorf("ccid: header chunk shorter than %d bytes", headerLen)
	}
	dwLength := binary.LittleEndian.Uint32(chunk[1:5])
	if dwLength > maxDwLength {
		return Message{}, 0, ErrImplausibleLength
	}
	m := Message{
		Type: chunk[0],
		Slot: chunk[5],
		Seq:  chunk[6],
	}
	copy(m.MsgSpecific[:], chunk[7:10])
	return m, dwLength, nil
}
