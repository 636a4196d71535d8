// Package pcsc implements the PC/SC NFC engine from spec.md §4.2: it
// establishes a PC/SC context, discovers readers by probing each with
// a FIDO applet SELECT, and sends CTAP messages over APDU command
// chaining and response drainage.
package pcsc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ebfe/scard"

	"github.com/authnkit/ctaphost/apdu"
	"github.com/authnkit/ctaphost/internal/chain"
	"github.com/authnkit/ctaphost/transport"
)

// FIDOAID is the FIDO applet identifier selected before any CTAP
// exchange, per spec.md §6.
var FIDOAID = []byte{0xA0, 0x00, 0x00, 0x06, 0x47, 0x2F, 0x00, 0x01}

// Engine discovers and talks to FIDO authenticators exposed through
// a PC/SC reader.
type Engine struct{}

// NewEngine returns a PC/SC discovery engine.
func NewEngine() *Engine { return &Engine{} }

// Discover establishes a PC/SC context, lists readers, and probes
// each with Connect + FIDO applet SELECT. Every probe disconnects on
// all exit paths; only readers where SELECT returns SW=0x9000 are
// reported. A failure to establish a context or to list readers is
// reported to the caller as an enumeration fault — a reader that
// fails to connect or simply isn't a FIDO authenticator is silently
// skipped.
func (e *Engine) Discover(ctx context.Context) ([]transport.Device, error) {
	pcscCtx, err := scard.EstablishContext()
	if err != nil {
		return nil, &transport.Error{Stage: transport.StageOpen, Device: "pcsc", Cause: err}
	}

	readers, err := pcscCtx.ListReaders()
	if err != nil {
		_ = pcscCtx.Release()
		return nil, &transport.Error{Stage: transport.StageOpen, Device: "pcsc", Cause: err}
	}

	var devices []transport.Device
	for _, reader := range readers {
		card, err := pcscCtx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
		if err != nil {
			slog.Debug("pcsc: connect failed during discovery", "reader", reader, "err", err)
			continue
		}
		if !selectFIDOApplet(card) {
			slog.Debug("pcsc: reader has no FIDO applet", "reader", reader)
			_ = card.Disconnect(scard.LeaveCard)
			continue
		}
		_ = card.Disconnect(scard.LeaveCard)
		devices = append(devices, &Device{reader: reader})
	}

	if err := pcscCtx.Release(); err != nil {
		slog.Debug("pcsc: releasing discovery context failed", "err", err)
	}
	return devices, nil
}

// cardTransceiver is the subset of *scard.Card this package depends
// on, narrowed to an interface so selection logic and the chained
// send can be exercised against a fake in tests.
type cardTransceiver interface {
	Transmit(apdu []byte) ([]byte, error)
}

func selectFIDOApplet(card cardTransceiver) bool {
	wire, err := apdu.Build(apdu.Command{CLA: 0x00, INS: 0xA4, P1: 0x04, P2: 0x00, Data: FIDOAID, Le: 0x00, HasLe: true})
	if err != nil {
		return false
	}
	raw, err := card.Transmit(wire)
	if err != nil {
		return false
	}
	resp, err := apdu.Parse(raw)
	if err != nil {
		return false
	}
	return resp.OK()
}

// Device is a transport.Device backed by a named PC/SC reader. Per
// spec.md §4.2 and SPEC_FULL.md's Open Question 3 decision, every
// Send reconnects: Connect → Select FIDO applet → chained send →
// Disconnect(Leave).
type Device struct {
	reader string
}

var _ transport.Device = (*Device)(nil)

// Descriptor returns the reader name as both Name and Path; PC/SC
// devices carry no report/endpoint size or USB location metadata.
func (d *Device) Descriptor() transport.Descriptor {
	return transport.Descriptor{Name: d.reader, Path: d.reader, Kind: transport.KindPCSC}
}

// Dispose is a no-op: a PC/SC Device holds no persistent OS handle
// between calls, reconnecting fresh on every Send.
func (d *Device) Dispose() error { return nil }

// Send connects, selects the FIDO applet, runs the chained CTAP
// send/drain exchange, and disconnects, per spec.md §4.2.
func (d *Device) Send(ctx context.Context, data []byte) ([]byte, error) {
	pcscCtx, err := scard.EstablishContext()
	if err != nil {
		return nil, &transport.Error{Stage: transport.StageReconnect, Device: d.reader, Cause: err}
	}
	defer func() {
		if err := pcscCtx.Release(); err != nil {
			slog.Debug("pcsc: releasing context failed", "reader", d.reader, "err", err)
		}
	}()

	card, err := pcscCtx.Connect(d.reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return nil, &transport.Error{Stage: transport.StageReconnect, Device: d.reader, Cause: err}
	}
	defer func() {
		if err := card.Disconnect(scard.LeaveCard); err != nil {
			slog.Debug("pcsc: disconnect failed", "reader", d.reader, "err", err)
		}
	}()

	if !selectFIDOApplet(card) {
		return nil, &transport.Error{Stage: transport.StageHandshake, Device: d.reader, Cause: fmt.Errorf("FIDO applet selection failed")}
	}

	resp, err := chain.Send(ctx, cardTransmitter{card: card}, data)
	if err != nil {
		return nil, &transport.Error{Stage: transport.StageChaining, Device: d.reader, Cause: err}
	}
	if len(resp) == 0 {
		return nil, &transport.Error{Stage: transport.StageChaining, Device: d.reader, Cause: fmt.Errorf("empty response")}
	}
	return resp, nil
}

// cardTransmitter adapts a cardTransceiver to chain.Transmitter.
type cardTransmitter struct {
	card cardTransceiver
}

func (c cardTransmitter) Transmit(ctx context.Context, cmd []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, transport.ErrAborted
	}
	return c.card.Transmit(cmd)
}
