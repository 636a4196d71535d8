package ccid

import (
	"bytes"
	"testing"
)

func TestMessageEncodeRoundTrip(t *testing.T) {
	m := Message{
		Type:        MsgXfrBlock,
		Slot:        0,
		Seq:         5,
		MsgSpecific: XfrBlockSpecific(),
		Data:        []byte{0x00, 0xA4, 0x04, 0x00},
	}
	wire := m.Encode()
	if len(wire) != headerLen+len(m.Data) {
		t.Fatalf("encoded length = %d, want %d", len(wire), headerLen+len(m.Data))
	}

	decoded, dwLength, err := DecodeHeader(wire)
	if err != nil {
		t.Fatalf("DecodeHeader returned error: %v", err)
	}
	if decoded.Type != m.Type || decoded.Seq != m.Seq || decoded.Slot != m.Slot {
		t.Fatalf("decoded header mismatch: %+v", decoded)
	}
	if int(dwLength) != len(m.Data) {
		t.Fatalf("dwLength = %d, want %d", dwLength, len(m.Data))
	}
	if !bytes.Equal(wire[headerLen:], m.Data) {
		t.Fatalf("data mismatch after header")
	}
}

func TestDecodeHeaderRejectsImplausibleLength(t *testing.T) {
	wire := make([]byte, headerLen)
	wire[1], wire[2], wire[3], wire[4] = 0xFF, 0xFF, 0xFF, 0xFF // dwLength = huge
	if _, _, err := DecodeHeader(wire); err != ErrImplausibleLength {
		t.Fatalf("expected ErrImplausibleLength, got %v", err)
	}
}

func TestBStatusDecoding(t *testing.T) {
	cases := []struct {
		raw     byte
		wantICC byte
		wantCmd byte
	}{
		{0x00, IccStatusActive, CmdStatusSuccess},
		{0x01, IccStatusInactive, CmdStatusSuccess},
		{0x02, IccStatusAbsent, CmdStatusSuccess},
		{0x80, IccStatusActive, CmdStatusTimeExtension},
		{0x40, IccStatusActive, CmdStatusFailed},
	}
	for _, c := range cases {
		b := BStatus(c.raw)
		if b.IccStatus() != c.wantICC {
			t.Errorf("BStatus(%02X).IccStatus() = %d, want %d", c.raw, b.IccStatus(), c.wantICC)
		}
		if b.CmdStatus() != c.wantCmd {
			t.Errorf("BStatus(%02X).CmdStatus() = %d, want %d", c.raw, b.CmdStatus(), c.wantCmd)
		}
	}
}
