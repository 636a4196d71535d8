package ctaphid

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/authnkit/ctaphost/transport"
)

// Default timeouts, per spec.md §4.1/§6. A caller using ctapconfig
// can override both.
const (
	DefaultInitTimeout = 3 * time.Second
	DefaultReadTimeout = 10 * time.Second
)

// Options configures a Channel's timeouts. The zero value selects
// the spec.md defaults.
type Options struct {
	InitTimeout time.Duration
	ReadTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.InitTimeout <= 0 {
		o.InitTimeout = DefaultInitTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	return o
}

// Channel is an open CTAPHID channel over a single HID device: it
// owns the allocated CID, frames outgoing CTAP messages, reassembles
// incoming ones, filters keep-alives, and recovers once from a
// transient stream fault.
type Channel struct {
	dev    RawDevice
	opener Opener
	path   string
	name   string
	opts   Options

	cid uint32
}

var _ transport.Device = (*Channel)(nil)

// Open probe-opens dev (already opened by the caller's Opener) and
// performs the CTAPHID INIT handshake to allocate a channel. opener
// and path are retained so a transient I/O fault can trigger one
// reopen-and-retry, per spec.md §4.1's error-recovery rule.
func Open(ctx context.Context, dev RawDevice, opener Opener, path, name string, opts Options) (*Channel, error) {
	c := &Channel{dev: dev, opener: opener, path: path, name: name, opts: opts.withDefaults()}
	if err := c.init(ctx); err != nil {
		_ = dev.Close()
		return nil, err
	}
	return c, nil
}

// ReportSize returns the resolved report payload length the
// underlying device negotiated.
func (c *Channel) ReportSize() int { return c.dev.ReportSize() }

// Descriptor implements transport.Device.
func (c *Channel) Descriptor() transport.Descriptor {
	return transport.Descriptor{Name: c.name, Path: c.path, Kind: transport.KindUSB, ReportSize: c.dev.ReportSize()}
}

// Dispose implements transport.Device.
func (c *Channel) Dispose() error { return c.dev.Close() }

func (c *Channel) fault(stage transport.Stage, cause error) error {
	return &transport.Error{Stage: stage, Device: c.name, Cause: cause}
}

// init sends one INIT packet on the broadcast CID with an 8-byte
// nonce, reads the reply within InitTimeout, verifies the nonce
// echo, and stores the allocated CID, per spec.md §4.1.
func (c *Channel) init(ctx context.Context) error {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return c.fault(transport.StageHandshake, fmt.Errorf("generating INIT nonce: %w", err))
	}

	size := c.dev.ReportSize()
	report := append([]byte{0x00}, initPacket{CID: BroadcastCID, Cmd: CmdInit, BCNT: uint16(len(nonce)), Data: nonce}.encode(size)...)
	if _, err := c.dev.WriteReport(report); err != nil {
		return c.fault(transport.StageHandshake, fmt.Errorf("writing INIT: %w", err))
	}

	buf := make([]byte, size)
	n, err := c.dev.ReadReport(buf, c.opts.InitTimeout)
	if err != nil {
		return c.fault(transport.StageHandshake, fmt.Errorf("reading INIT reply: %w", err))
	}
	pkt, err := decodeInitPacket(buf[:n])
	if err != nil {
		return c.fault(transport.StageHandshake, fmt.Errorf("decoding INIT reply: %w", err))
	}
	if len(pkt.Data) < 12 || !bytes.Equal(pkt.Data[:8], nonce) {
		return c.fault(transport.StageHandshake, fmt.Errorf("INIT nonce mismatch"))
	}
	c.cid = binary.BigEndian.Uint32(pkt.Data[8:12])
	slog.Debug("ctaphid: channel opened", "device", c.name, "cid", c.cid)
	return nil
}

// Send writes one CTAPHID CBOR transaction and returns the
// reassembled response, filtering keep-alive frames, per spec.md
// §4.1's Write/Read algorithms. It implements transport.Device.
func (c *Channel) Send(ctx context.Context, data []byte) ([]byte, error) {
	if err := c.write(data); err != nil {
		if recoverErr := c.recoverFromFault(); recoverErr != nil {
			return nil, recoverErr
		}
		if err := c.write(data); err != nil {
			return nil, c.fault(transport.StageWrite, err)
		}
	}
	return c.read(ctx)
}

func (c *Channel) write(msg []byte) error {
	for _, report := range encodeMessage(c.cid, CmdCbor, msg, c.dev.ReportSize()) {
		out := append([]byte{0x00}, report...)
		if _, err := c.dev.WriteReport(out); err != nil {
			return err
		}
	}
	return nil
}

// read loops reading reports, discarding keep-alive frames, and
// reassembling the message body from the BCNT announced by the
// first accepted initialization frame.
func (c *Channel) read(ctx context.Context) ([]byte, error) {
	size := c.dev.ReportSize()
	buf := make([]byte, size)

	first, err := c.readFiltered(buf, c.opts.ReadTimeout)
	if err != nil {
		if ctx.Err() != nil {
			_ = c.dev.Close()
			return nil, transport.ErrAborted
		}
		if recoverErr := c.recoverFromFault(); recoverErr != nil {
			return nil, recoverErr
		}
		first, err = c.readFiltered(buf, c.opts.ReadTimeout)
		if err != nil {
			return nil, c.fault(transport.StageRead, err)
		}
	}

	pkt, err := decodeInitPacket(first)
	if err != nil {
		return nil, c.fault(transport.StageFraming, err)
	}

	total := int(pkt.BCNT)
	out := make([]byte, 0, total)
	out = append(out, pkt.Data...)

	for len(out) < total {
		if ctx.Err() != nil {
			_ = c.dev.Close()
			return nil, transport.ErrAborted
		}
		n, err := c.dev.ReadReport(buf, c.opts.ReadTimeout)
		if err != nil {
			return nil, c.fault(transport.StageRead, err)
		}
		if isKeepAlive(buf[:n]) {
			slog.Debug("ctaphid: discarding keep-alive", "device", c.name)
			continue
		}
		cont, err := decodeContPacket(buf[:n])
		if err != nil {
			return nil, c.fault(transport.StageFraming, err)
		}
		out = append(out, cont.Data...)
	}
	if len(out) > total {
		out = out[:total]
	}
	return out, nil
}

// readFiltered reads reports, discarding keep-alive frames, until it
// finds a non-keep-alive frame or the timeout elapses.
func (c *Channel) readFiltered(buf []byte, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("ctaphid: read timed out")
		}
		n, err := c.dev.ReadReport(buf, remaining)
		if err != nil {
			return nil, err
		}
		if isKeepAlive(buf[:n]) {
			slog.Debug("ctaphid: discarding keep-alive", "device", c.name)
			continue
		}
		return buf[:n], nil
	}
}

func isKeepAlive(report []byte) bool {
	return len(report) >= 5 && report[4] == CmdKeepAlive
}

// recoverFromFault closes and reopens the underlying stream once,
// per spec.md §4.1's error-recovery rule. It does not repeat the
// INIT handshake: the CID survives a transient stream fault.
func (c *Channel) recoverFromFault() error {
	slog.Warn("ctaphid: recovering from stream fault, reopening once", "device", c.name)
	_ = c.dev.Close()
	dev, err := c.opener(c.path)
	if err != nil {
		return c.fault(transport.StageOpen, fmt.Errorf("reopen failed: %w", err))
	}
	c.dev = dev
	return nil
}
