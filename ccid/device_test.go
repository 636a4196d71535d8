package ccid

import (
	"bytes"
	"context"
	"testing"
)

type fakeOpener struct {
	io       *fakeBulkIO
	openErr  error
	released int
}

func (f *fakeOpener) OpenEndpoints() (BulkIO, func() error, error) {
	if f.openErr != nil {
		return nil, nil, f.openErr
	}
	return f.io, func() error { f.released++; return nil }, nil
}

func slotStatus(seq byte, iccStatus byte) Message {
	return Message{Type: MsgSlotStatus, Seq: seq, MsgSpecific: [3]byte{iccStatus, 0, 0}}
}

func TestSendApduActiveCardSkipsPowerOn(t *testing.T) {
	status := slotStatus(0, IccStatusActive)
	xfr := Message{Type: MsgDataBlock, Seq: 1, Data: []byte{0x01, 0x90, 0x00}}
	io := &fakeBulkIO{chunks: append(chunkMessage(status), chunkMessage(xfr)...)}

	dev := NewDevice(&fakeOpener{io: io}, "test-reader", "test-reader", DefaultTimeExtensionCap, DefaultMatchReadCap, 0, nil)
	got, err := dev.sendApdu(context.Background(), io, []byte{0x00, 0xA4})
	if err != nil {
		t.Fatalf("sendApdu returned error: %v", err)
	}
	if !bytes.Equal(got, []byte{0x01, 0x90, 0x00}) {
		t.Fatalf("unexpected response %X", got)
	}
	if len(io.writes) != 2 {
		t.Fatalf("expected 2 CCID exchanges (status + xfr), got %d", len(io.writes))
	}
}

func TestSendApduInactiveCardPowersOnFirst(t *testing.T) {
	status := slotStatus(0, IccStatusInactive)
	powerOn := Message{Type: MsgDataBlock, Seq: 1}
	xfr := Message{Type: MsgDataBlock, Seq: 2, Data: []byte{0x90, 0x00}}
	io := &fakeBulkIO{chunks: append(append(chunkMessage(status), chunkMessage(powerOn)...), chunkMessage(xfr)...)}

	dev := NewDevice(&fakeOpener{io: io}, "test-reader", "test-reader", DefaultTimeExtensionCap, DefaultMatchReadCap, 0, nil)
	got, err := dev.sendApdu(context.Background(), io, []byte{0x00, 0xA4})
	if err != nil {
		t.Fatalf("sendApdu returned error: %v", err)
	}
	if !bytes.Equal(got, []byte{0x90, 0x00}) {
		t.Fatalf("unexpected response %X", got)
	}
	if len(io.writes) != 3 {
		t.Fatalf("expected 3 CCID exchanges (status + power-on + xfr), got %d", len(io.writes))
	}
}

func TestSendApduAbsentCardIsAnError(t *testing.T) {
	status := slotStatus(0, IccStatusAbsent)
	io := &fakeBulkIO{chunks: chunkMessage(status)}

	dev := NewDevice(&fakeOpener{io: io}, "test-reader", "test-reader", DefaultTimeExtensionCap, DefaultMatchReadCap, 0, nil)
	_, err := dev.sendApdu(context.Background(), io, []byte{0x00, 0xA4})
	if err == nil {
		t.Fatal("expected error for absent card")
	}
}

func TestDeviceSendReleasesEndpointsEveryCall(t *testing.T) {
	status := slotStatus(0, IccStatusActive)
	xfrFinal := Message{Type: MsgDataBlock, Seq: 1, Data: []byte{0xAA, 0x90, 0x00}}
	io := &fakeBulkIO{chunks: append(chunkMessage(status), chunkMessage(xfrFinal)...)}
	opener := &fakeOpener{io: io}

	dev := NewDevice(opener, "test-reader", "test-reader", DefaultTimeExtensionCap, DefaultMatchReadCap, 0, nil)
	got, err := dev.Send(context.Background(), []byte{0x01})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if !bytes.Equal(got, []byte{0xAA}) {
		t.Fatalf("unexpected chained result %X", got)
	}
	if opener.released != 1 {
		t.Fatalf("expected endpoints released exactly once, got %d", opener.released)
	}
}

func TestDeviceDisposeCallsProvidedFunc(t *testing.T) {
	called := false
	dev := NewDevice(&fakeOpener{}, "test-reader", "test-reader", 0, 0, 0, func() error { called = true; return nil })
	if err := dev.Dispose(); err != nil {
		t.Fatalf("Dispose returned error: %v", err)
	}
	if !called {
		t.Fatal("expected dispose function to be invoked")
	}
}
