package ccid

import (
	"context"
	"fmt"
	"time"
)

// BulkChunkSize is the size of each bulk-transfer read during the
// CCID read loop, per spec.md §4.3.
const BulkChunkSize = 64

// DefaultMatchReadCap bounds the expected-response matching loop.
const DefaultMatchReadCap = 12

// DefaultTimeExtensionCap bounds the time-extension wait loop.
const DefaultTimeExtensionCap = 30

// DefaultBulkChunkTimeout bounds each individual bulk read/write, per
// spec.md §5's "5s per chunk" default.
const DefaultBulkChunkTimeout = 5 * time.Second

// BulkIO is the raw USB bulk transport a CCID exchange rides on.
// Both endpoints are addressed implicitly: one BulkIO always talks
// to the same OUT/IN endpoint pair.
type BulkIO interface {
	WriteBulk(ctx context.Context, data []byte) (int, error)
	ReadBulk(ctx context.Context, buf []byte) (int, error)
}

// readBulkChunk performs one bulk read, bounding it with chunkTimeout
// when set.
func readBulkChunk(ctx context.Context, io BulkIO, buf []byte, chunkTimeout time.Duration) (int, error) {
	if chunkTimeout <= 0 {
		return io.ReadBulk(ctx, buf)
	}
	cctx, cancel := context.WithTimeout(ctx, chunkTimeout)
	defer cancel()
	return io.ReadBulk(cctx, buf)
}

// writeBulkChunk performs one bulk write, bounding it with
// chunkTimeout when set.
func writeBulkChunk(ctx context.Context, io BulkIO, data []byte, chunkTimeout time.Duration) (int, error) {
	if chunkTimeout <= 0 {
		return io.WriteBulk(ctx, data)
	}
	cctx, cancel := context.WithTimeout(ctx, chunkTimeout)
	defer cancel()
	return io.WriteBulk(cctx, data)
}

// readNextMessage implements spec.md §4.3's ReadNextCcidMessage: read
// 64-byte chunks, parse the 10-byte header from the first chunk,
// then read exactly dwLength more bytes in ≤64-byte chunks.
func readNextMessage(ctx context.Context, io BulkIO, chunkTimeout time.Duration) (Message, error) {
	first := make([]byte, BulkChunkSize)
	n, err := readBulkChunk(ctx, io, first, chunkTimeout)
	if err != nil {
		return Message{}, fmt.Errorf("ccid: reading header chunk: %w", err)
	}
	if n < headerLen {
		return Message{}, fmt.Errorf("ccid: header chunk shorter than %d bytes", headerLen)
	}
	msg, dwLength, err := DecodeHeader(first[:n])
	if err != nil {
		return Message{}, err
	}

	data := make([]byte, 0, dwLength)
	data = append(data, first[headerLen:n]...)
	for uint32(len(data)) < dwLength {
		chunk := make([]byte, BulkChunkSize)
		n, err := readBulkChunk(ctx, io, chunk, chunkTimeout)
		if err != nil {
			return Message{}, fmt.Errorf("ccid: reading data chunk: %w", err)
		}
		remaining := int(dwLength) - len(data)
		if n > remaining {
			n = remaining
		}
		data = append(data, chunk[:n]...)
	}
	msg.Data = data[:dwLength]
	return msg, nil
}

// expectedType maps a PC-to-RDR command to the RDR-to-PC type its
// response must carry, per spec.md §4.3's matching table.
func expectedType(cmd byte) byte {
	switch cmd {
	case MsgGetSlotStatus:
		return MsgSlotStatus
	case 0x6B: // PC_to_RDR_Escape
		return MsgEscape
	default:
		return MsgDataBlock
	}
}

// sendAndMatch writes cmd, then reads up to matchReadCap messages,
// discarding any whose (type, bSeq) do not match, and follows any
// time-extension (cmdStatus=2) response for up to timeExtensionCap
// further reads. ctx cancellation is checked between iterations,
// never mid-transfer. chunkTimeout bounds each individual bulk
// read/write; zero means no per-chunk deadline beyond ctx itself.
func sendAndMatch(ctx context.Context, io BulkIO, cmd Message, timeExtensionCap, matchReadCap int, chunkTimeout time.Duration) (Message, error) {
	wire := cmd.Encode()
	if _, err := writeBulkChunk(ctx, io, wire, chunkTimeout); err != nil {
		return Message{}, fmt.Errorf("ccid: writing command: %w", err)
	}

	want := expectedType(cmd.Type)
	msg, err := matchResponse(ctx, io, want, cmd.Seq, matchReadCap, chunkTimeout)
	if err != nil {
		return Message{}, err
	}

	iterations := 0
	for msg.BStatus().CmdStatus() == CmdStatusTimeExtension {
		iterations++
		if iterations > timeExtensionCap {
			return Message{}, fmt.Errorf("ccid: time-extension loop exceeded %d iterations", timeExtensionCap)
		}
		if err := ctx.Err(); err != nil {
			return Message{}, fmt.Errorf("ccid: time-extension wait cancelled: %w", err)
		}
		msg, err = matchResponse(ctx, io, want, cmd.Seq, matchReadCap, chunkTimeout)
		if err != nil {
			return Message{}, err
		}
	}
	return msg, nil
}

func matchResponse(ctx context.Context, io BulkIO, wantType, wantSeq byte, matchReadCap int, chunkTimeout time.Duration) (Message, error) {
	for i := 0; i < matchReadCap; i++ {
		msg, err := readNextMessage(ctx, io, chunkTimeout)
		if err != nil {
			return Message{}, err
		}
		if msg.Type == wantType && msg.Seq == wantSeq {
			return msg, nil
		}
	}
	return Message{}, fmt.Errorf("ccid: no matching response (type=%02X seq=%02X) within %d reads", wantType, wantSeq, matchReadCap)
}
