package ccid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/authnkit/ctaphost/internal/chain"
	"github.com/authnkit/ctaphost/transport"
)

// EndpointOpener claims the CCID interface and its bulk endpoints for
// one exchange and returns a BulkIO plus a function to release the
// claim. Per spec.md §4.3's "Endpoint reopening" clause (generalized
// by SPEC_FULL.md's uniform reconnect-per-Send decision), a Device
// reopens its endpoints on every Send rather than holding them
// claimed between calls.
type EndpointOpener interface {
	OpenEndpoints() (BulkIO, func() error, error)
}

// Device is a transport.Device backed by a raw CCID USB reader. It
// owns its underlying USB device handle (closed by Dispose) but
// claims the interface and bulk endpoints fresh for every Send.
type Device struct {
	opener EndpointOpener
	name   string
	path   string
	slot   byte

	timeExtensionCap int
	matchReadCap     int
	bulkTimeout      time.Duration

	mu  sync.Mutex
	seq byte

	disposeFn func() error
}

var _ transport.Device = (*Device)(nil)

// NewDevice builds a CCID transport.Device. disposeFn releases the
// USB device handle discovery opened; timeExtensionCap defaults to
// DefaultTimeExtensionCap, matchReadCap to DefaultMatchReadCap, and
// bulkTimeout to DefaultBulkChunkTimeout when zero.
func NewDevice(opener EndpointOpener, name, path string, timeExtensionCap, matchReadCap int, bulkTimeout time.Duration, disposeFn func() error) *Device {
	if timeExtensionCap <= 0 {
		timeExtensionCap = DefaultTimeExtensionCap
	}
	if matchReadCap <= 0 {
		matchReadCap = DefaultMatchReadCap
	}
	if bulkTimeout <= 0 {
		bulkTimeout = DefaultBulkChunkTimeout
	}
	return &Device{opener: opener, name: name, path: path, timeExtensionCap: timeExtensionCap, matchReadCap: matchReadCap, bulkTimeout: bulkTimeout, disposeFn: disposeFn}
}

func (d *Device) Descriptor() transport.Descriptor {
	return transport.Descriptor{Name: d.name, Path: d.path, Kind: transport.KindCCID}
}

func (d *Device) Dispose() error {
	if d.disposeFn == nil {
		return nil
	}
	return d.disposeFn()
}

func (d *Device) nextSeq() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.seq
	d.seq++
	return s
}

// Send reopens the CCID endpoints, runs the APDU chaining/drainage
// exchange from package chain over SendApdu, and releases the
// endpoints, per spec.md §4.3.
func (d *Device) Send(ctx context.Context, data []byte) ([]byte, error) {
	io, release, err := d.opener.OpenEndpoints()
	if err != nil {
		return nil, &transport.Error{Stage: transport.StageOpen, Device: d.name, Cause: err}
	}
	defer release()

	resp, err := chain.Send(ctx, ccidTransmitter{dev: d, io: io}, data)
	if err != nil {
		return nil, &transport.Error{Stage: transport.StageChaining, Device: d.name, Cause: err}
	}
	if len(resp) == 0 {
		return nil, &transport.Error{Stage: transport.StageChaining, Device: d.name, Cause: fmt.Errorf("empty response")}
	}
	return resp, nil
}

// ccidTransmitter adapts Device's SendApdu pipeline to
// chain.Transmitter.
type ccidTransmitter struct {
	dev *Device
	io  BulkIO
}

func (c ccidTransmitter) Transmit(ctx context.Context, apdu []byte) ([]byte, error) {
	return c.dev.sendApdu(ctx, c.io, apdu)
}

// sendApdu runs the three-exchange pipeline from spec.md §4.3:
// GetSlotStatus, IccPowerOn (when the card is present but unpowered),
// then XfrBlock carrying the APDU. It returns the raw card response
// (DATA ‖ SW1 ‖ SW2).
func (d *Device) sendApdu(ctx context.Context, io BulkIO, apdu []byte) ([]byte, error) {
	statusMsg := Message{Type: MsgGetSlotStatus, Slot: d.slot, Seq: d.nextSeq()}
	statusResp, err := sendAndMatch(ctx, io, statusMsg, d.timeExtensionCap, d.matchReadCap, d.bulkTimeout)
	if err != nil {
		return nil, &transport.Error{Stage: transport.StageCardStatus, Device: d.name, Cause: err}
	}
	bs := statusResp.BStatus()
	if bs.CmdStatus() == CmdStatusFailed {
		return nil, &transport.Error{Stage: transport.StageCardStatus, Device: d.name, Cause: fmt.Errorf("reader reported command failure")}
	}

	switch bs.IccStatus() {
	case IccStatusAbsent:
		return nil, &transport.Error{Stage: transport.StageCardStatus, Device: d.name, Cause: fmt.Errorf("no card present")}
	case IccStatusInactive:
		powerMsg := Message{Type: MsgIccPowerOn, Slot: d.slot, Seq: d.nextSeq()}
		powerResp, err := sendAndMatch(ctx, io, powerMsg, d.timeExtensionCap, d.matchReadCap, d.bulkTimeout)
		if err != nil {
			return nil, &transport.Error{Stage: transport.StageCardStatus, Device: d.name, Cause: err}
		}
		if powerResp.BStatus().CmdStatus() != CmdStatusSuccess {
			return nil, &transport.Error{Stage: transport.StageCardStatus, Device: d.name, Cause: fmt.Errorf("IccPowerOn failed")}
		}
	}

	xfrMsg := Message{Type: MsgXfrBlock, Slot: d.slot, Seq: d.nextSeq(), MsgSpecific: XfrBlockSpecific(), Data: apdu}
	xfrResp, err := sendAndMatch(ctx, io, xfrMsg, d.timeExtensionCap, d.matchReadCap, d.bulkTimeout)
	if err != nil {
		return nil, &transport.Error{Stage: transport.StageChaining, Device: d.name, Cause: err}
	}
	return xfrResp.Data, nil
}
