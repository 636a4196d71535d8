package ccid

import (
	"bytes"
	"context"
	"testing"
)

// fakeBulkIO replays a queue of pre-chunked reads and records writes.
type fakeBulkIO struct {
	writes  [][]byte
	chunks  [][]byte
	readIdx int
}

func (f *fakeBulkIO) WriteBulk(ctx context.Context, data []byte) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), data...))
	return len(data), nil
}

func (f *fakeBulkIO) ReadBulk(ctx context.Context, buf []byte) (int, error) {
	if f.readIdx >= len(f.chunks) {
		return 0, context.DeadlineExceeded
	}
	n := copy(buf, f.chunks[f.readIdx])
	f.readIdx++
	return n, nil
}

// chunkMessage splits an encoded CCID message into ≤64-byte bulk
// chunks the way a real USB transfer would arrive.
func chunkMessage(m Message) [][]byte {
	wire := m.Encode()
	var chunks [][]byte
	for len(wire) > 0 {
		n := BulkChunkSize
		if n > len(wire) {
			n = len(wire)
		}
		chunks = append(chunks, wire[:n])
		wire = wire[n:]
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}
	return chunks
}

func TestReadNextMessageSingleChunk(t *testing.T) {
	want := Message{Type: MsgSlotStatus, Slot: 0, Seq: 3, Data: nil}
	io := &fakeBulkIO{chunks: chunkMessage(want)}

	got, err := readNextMessage(context.Background(), io, 0)
	if err != nil {
		t.Fatalf("readNextMessage returned error: %v", err)
	}
	if got.Type != want.Type || got.Seq != want.Seq {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestReadNextMessageMultiChunk(t *testing.T) {
	want := Message{Type: MsgDataBlock, Slot: 0, Seq: 1, Data: bytes.Repeat([]byte{0xAB}, 200)}
	io := &fakeBulkIO{chunks: chunkMessage(want)}

	got, err := readNextMessage(context.Background(), io, 0)
	if err != nil {
		t.Fatalf("readNextMessage returned error: %v", err)
	}
	if !bytes.Equal(got.Data, want.Data) {
		t.Fatalf("data mismatch: got %d bytes, want %d", len(got.Data), len(want.Data))
	}
}

func TestSendAndMatchDiscardsMismatches(t *testing.T) {
	wrongSeq := Message{Type: MsgSlotStatus, Seq: 9}
	right := Message{Type: MsgSlotStatus, Seq: 1}
	io := &fakeBulkIO{chunks: append(chunkMessage(wrongSeq), chunkMessage(right)...)}

	cmd := Message{Type: MsgGetSlotStatus, Seq: 1}
	got, err := sendAndMatch(context.Background(), io, cmd, DefaultTimeExtensionCap, DefaultMatchReadCap, 0)
	if err != nil {
		t.Fatalf("sendAndMatch returned error: %v", err)
	}
	if got.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", got.Seq)
	}
}

func TestSendAndMatchFollowsTimeExtension(t *testing.T) {
	extend := Message{Type: MsgDataBlock, Seq: 2, MsgSpecific: [3]byte{0x80, 0, 0}}
	final := Message{Type: MsgDataBlock, Seq: 2, Data: []byte{0x90, 0x00}}
	io := &fakeBulkIO{chunks: append(chunkMessage(extend), chunkMessage(final)...)}

	cmd := Message{Type: MsgXfrBlock, Seq: 2}
	got, err := sendAndMatch(context.Background(), io, cmd, DefaultTimeExtensionCap, DefaultMatchReadCap, 0)
	if err != nil {
		t.Fatalf("sendAndMatch returned error: %v", err)
	}
	if !bytes.Equal(got.Data, []byte{0x90, 0x00}) {
		t.Fatalf("unexpected final data %X", got.Data)
	}
}

func TestSendAndMatchExceedsTimeExtensionCap(t *testing.T) {
	extend := Message{Type: MsgDataBlock, Seq: 0, MsgSpecific: [3]byte{0x80, 0, 0}}
	var chunks [][]byte
	for i := 0; i < DefaultTimeExtensionCap+1; i++ {
		chunks = append(chunks, chunkMessage(extend)...)
	}
	io := &fakeBulkIO{chunks: chunks}

	cmd := Message{Type: MsgXfrBlock, Seq: 0}
	_, err := sendAndMatch(context.Background(), io, cmd, DefaultTimeExtensionCap, DefaultMatchReadCap, 0)
	if err == nil {
		t.Fatal("expected error for exceeding the time-extension cap")
	}
}

func TestMatchResponseExhaustsReadCap(t *testing.T) {
	var chunks [][]byte
	for i := 0; i < DefaultMatchReadCap; i++ {
		chunks = append(chunks, chunkMessage(Message{Type: MsgDataBlock, Seq: 99})...)
	}
	io := &fakeBulkIO{chunks: chunks}

	_, err := matchResponse(context.Background(), io, MsgSlotStatus, 1, DefaultMatchReadCap, 0)
	if err == nil {
		t.Fatal("expected error after exhausting match-read cap")
	}
}

func TestMatchReadCapIsConfigurable(t *testing.T) {
	var chunks [][]byte
	for i := 0; i < 3; i++ {
		chunks = append(chunks, chunkMessage(Message{Type: MsgDataBlock, Seq: 99})...)
	}
	io := &fakeBulkIO{chunks: chunks}

	_, err := matchResponse(context.Background(), io, MsgSlotStatus, 1, 3, 0)
	if err == nil {
		t.Fatal("expected error after exhausting a reduced match-read cap")
	}
}
