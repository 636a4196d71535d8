package ccid

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/gousb"

	"github.com/authnkit/ctaphost/apdu"
	"github.com/authnkit/ctaphost/transport"
)

// fidoAID is the FIDO applet identifier, per spec.md §6.
var fidoAID = []byte{0xA0, 0x00, 0x00, 0x06, 0x47, 0x2F, 0x00, 0x01}

// smartCardClass is the USB interface class CCID readers declare.
const smartCardClass = 0x0B

// Engine discovers raw CCID-class USB smart-card readers and probes
// each with a FIDO applet SELECT.
type Engine struct {
	timeExtensionCap int
	matchReadCap     int
	bulkTimeout      time.Duration
}

// NewEngine returns a CCID discovery engine. timeExtensionCap,
// matchReadCap, and bulkTimeout default to DefaultTimeExtensionCap,
// DefaultMatchReadCap, and DefaultBulkChunkTimeout respectively when
// zero; each Device discovered carries these through to every Send.
func NewEngine(timeExtensionCap, matchReadCap int, bulkTimeout time.Duration) *Engine {
	return &Engine{timeExtensionCap: timeExtensionCap, matchReadCap: matchReadCap, bulkTimeout: bulkTimeout}
}

// Discover enumerates USB devices, admits those whose first
// configuration (configuration value 1) carries an interface with
// bInterfaceClass=0x0B, identifies its
// bulk OUT/IN endpoints, and probes each by selecting the FIDO
// applet. Only readers where SELECT returns SW=9000 are reported;
// devices that are claimed but fail the probe have their USB handle
// closed before moving on.
func (e *Engine) Discover(ctx context.Context) ([]transport.Device, error) {
	usbCtx := gousb.NewContext()

	candidates, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool { return true })
	if err != nil {
		usbCtx.Close()
		return nil, &transport.Error{Stage: transport.StageOpen, Device: "ccid", Cause: err}
	}

	var devices []transport.Device
	for _, usbDev := range candidates {
		ifaceNum, altNum, outAddr, inAddr, ok := findSmartCardInterface(usbDev)
		if !ok {
			usbDev.Close()
			continue
		}

		ep := &gousbEndpoint{device: usbDev, configNum: 1, ifaceNum: ifaceNum, altNum: altNum, outAddr: outAddr, inAddr: inAddr}
		name := fmt.Sprintf("ccid-%d-%d", usbDev.Desc.Bus, usbDev.Desc.Address)
		dev := NewDevice(ep, name, name, e.timeExtensionCap, e.matchReadCap, e.bulkTimeout, usbDev.Close)

		if !probeFIDOApplet(ctx, dev) {
			slog.Debug("ccid: reader has no FIDO applet", "device", name)
			_ = dev.Dispose()
			continue
		}
		devices = append(devices, dev)
	}

	if err := usbCtx.Close(); err != nil {
		slog.Debug("ccid: closing discovery context failed", "err", err)
	}
	return devices, nil
}

// findSmartCardInterface inspects the interface descriptors of the
// first configuration (configuration value 1) for
// bInterfaceClass=0x0B and returns its bulk OUT/IN
// endpoint addresses, per spec.md §4.3.
func findSmartCardInterface(dev *gousb.Device) (ifaceNum, altNum, outAddr, inAddr int, ok bool) {
	cfgDesc, exists := dev.Desc.Configs[1]
	if !exists {
		return 0, 0, 0, 0, false
	}
	for _, ifaceDesc := range cfgDesc.Interfaces {
		for _, alt := range ifaceDesc.AltSettings {
			if int(alt.Class) != smartCardClass {
				continue
			}
			out, in, found := bulkEndpoints(alt)
			if !found {
				continue
			}
			return ifaceDesc.Number, alt.Alternate, out, in, true
		}
	}
	return 0, 0, 0, 0, false
}

func bulkEndpoints(alt gousb.InterfaceSetting) (outAddr, inAddr int, ok bool) {
	foundOut, foundIn := false, false
	for addr, epDesc := range alt.Endpoints {
		if epDesc.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if epDesc.Direction == gousb.EndpointDirectionOut && !foundOut {
			outAddr = int(addr)
			foundOut = true
		}
		if epDesc.Direction == gousb.EndpointDirectionIn && !foundIn {
			inAddr = int(addr)
			foundIn = true
		}
	}
	return outAddr, inAddr, foundOut && foundIn
}

// probeFIDOApplet claims the endpoints once and issues a raw SELECT,
// bypassing package chain since the probe is a single unchained
// APDU, not a CTAP message.
func probeFIDOApplet(ctx context.Context, dev *Device) bool {
	io, release, err := dev.opener.OpenEndpoints()
	if err != nil {
		return false
	}
	defer release()

	wire, err := apdu.Build(apdu.Command{CLA: 0x00, INS: 0xA4, P1: 0x04, P2: 0x00, Data: fidoAID, Le: 0x00, HasLe: true})
	if err != nil {
		return false
	}
	raw, err := dev.sendApdu(ctx, io, wire)
	if err != nil {
		return false
	}
	resp, err := apdu.Parse(raw)
	if err != nil {
		return false
	}
	return resp.OK()
}

// gousbEndpoint is the real EndpointOpener backend: it keeps a
// gousb.Device open across Sends but re-claims the configuration and
// interface (and re-opens its endpoints) on every OpenEndpoints
// call, per spec.md §4.3's endpoint-reopening rule.
type gousbEndpoint struct {
	device    *gousb.Device
	configNum int
	ifaceNum  int
	altNum    int
	outAddr   int
	inAddr    int
}

func (e *gousbEndpoint) OpenEndpoints() (BulkIO, func() error, error) {
	cfg, err := e.device.Config(e.configNum)
	if err != nil {
		return nil, nil, fmt.Errorf("ccid: claiming config %d: %w", e.configNum, err)
	}
	intf, err := cfg.Interface(e.ifaceNum, e.altNum)
	if err != nil {
		cfg.Close()
		return nil, nil, fmt.Errorf("ccid: claiming interface %d: %w", e.ifaceNum, err)
	}
	epOut, err := intf.OutEndpoint(e.outAddr)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, nil, fmt.Errorf("ccid: opening OUT endpoint 0x%02X: %w", e.outAddr, err)
	}
	epIn, err := intf.InEndpoint(e.inAddr)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, nil, fmt.Errorf("ccid: opening IN endpoint 0x%02X: %w", e.inAddr, err)
	}

	io := &gousbBulkIO{epOut: epOut, epIn: epIn}
	release := func() error {
		intf.Close()
		return cfg.Close()
	}
	return io, release, nil
}

// gousbBulkIO adapts gousb's claimed endpoints to BulkIO.
type gousbBulkIO struct {
	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint
}

func (b *gousbBulkIO) WriteBulk(ctx context.Context, data []byte) (int, error) {
	return b.epOut.WriteContext(ctx, data)
}

func (b *gousbBulkIO) ReadBulk(ctx context.Context, buf []byte) (int, error) {
	return b.epIn.ReadContext(ctx, buf)
}
