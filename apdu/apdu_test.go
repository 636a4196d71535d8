package apdu

import (
	"bytes"
	"testing"
)

func TestBuildRoundTripWithDataAndLe(t *testing.T) {
	cmd := Command{
		CLA:   0x00,
		INS:   0xA4,
		P1:    0x04,
		P2:    0x00,
		Data:  []byte{0xA0, 0x00, 0x00, 0x06, 0x47, 0x2F, 0x00, 0x01},
		Le:    0x00,
		HasLe: true,
	}
	wire, err := Build(cmd)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	want := []byte{0x00, 0xA4, 0x04, 0x00, 0x08, 0xA0, 0x00, 0x00, 0x06, 0x47, 0x2F, 0x00, 0x01, 0x00}
	if !bytes.Equal(wire, want) {
		t.Fatalf("Build = % X, want % X", wire, want)
	}
}

func TestBuildNoDataNoLe(t *testing.T) {
	wire, err := Build(Command{CLA: 0x80, INS: 0x11, P1: 0x00, P2: 0x00})
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	want := []byte{0x80, 0x11, 0x00, 0x00}
	if !bytes.Equal(wire, want) {
		t.Fatalf("Build = % X, want % X", wire, want)
	}
}

func TestBuildRejectsOversizedData(t *testing.T) {
	_, err := Build(Command{Data: make([]byte, MaxLc+1)})
	if err == nil {
		t.Fatal("expected error for data exceeding MaxLc")
	}
}

func TestBuildExactly251Bytes(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, MaxLc)
	wire, err := Build(Command{CLA: 0x90, INS: 0x10, Data: data, Le: 0x00, HasLe: true})
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if len(wire) != 4+1+MaxLc+1 {
		t.Fatalf("unexpected wire length %d", len(wire))
	}
}

func TestParseAndStatusHelpers(t *testing.T) {
	raw := append([]byte{0x01, 0x02, 0x03}, 0x90, 0x00)
	resp, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if !bytes.Equal(resp.Data, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("unexpected data %X", resp.Data)
	}
	if !resp.OK() {
		t.Fatalf("expected OK response, SW=%04X", resp.SW())
	}
	if _, ok := resp.MoreData(); ok {
		t.Fatal("did not expect MoreData for 9000")
	}
}

func TestParseMoreData(t *testing.T) {
	resp, err := Parse([]byte{0x61, 0x20})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	count, ok := resp.MoreData()
	if !ok || count != 0x20 {
		t.Fatalf("expected MoreData(0x20), got count=%d ok=%v", count, ok)
	}
}

func TestParseShortResponse(t *testing.T) {
	if _, err := Parse([]byte{0x90}); err != ErrShortResponse {
		t.Fatalf("expected ErrShortResponse, got %v", err)
	}
}

func TestLe256(t *testing.T) {
	if Le256(0) != 256 {
		t.Fatalf("Le256(0) = %d, want 256", Le256(0))
	}
	if Le256(0x20) != 32 {
		t.Fatalf("Le256(0x20) = %d, want 32", Le256(0x20))
	}
}
