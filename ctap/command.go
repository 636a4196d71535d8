package ctap

import (
	"context"
	"fmt"
)

// Command bytes, per spec.md §4.5.
const (
	CmdMakeCredential   byte = 0x01
	CmdGetAssertion     byte = 0x02
	CmdGetInfo          byte = 0x04
	CmdClientPIN        byte = 0x06
	CmdReset            byte = 0x07
	CmdGetNextAssertion byte = 0x08
)

// ClientPIN subcommands (key 2 of the ClientPIN parameter map).
const (
	SubCmdGetRetries      uint64 = 0x01
	SubCmdGetKeyAgreement uint64 = 0x02
	SubCmdSetPIN          uint64 = 0x03
	SubCmdChangePIN       uint64 = 0x04
	SubCmdGetPINToken     uint64 = 0x05
)

// Sender is the minimum a transport must provide for the command
// layer to ride on top of it. transport.Device satisfies this.
type Sender interface {
	Send(ctx context.Context, data []byte) ([]byte, error)
}

// Marshal encodes a parameter map (or nil, for commands with no
// parameters) into its CBOR wire form. The command layer never
// interprets CBOR itself — per spec.md §1, that is delegated to
// whatever codec the caller supplies here.
type Marshal func(v any) ([]byte, error)

// CommandLayer frames CTAP requests as CMD-byte ‖ CBOR(params) over a
// Sender and strips/classifies the trailing status byte of the
// response, per spec.md §4.5.
type CommandLayer struct {
	device  Sender
	name    string
	marshal Marshal
}

// NewCommandLayer builds a CommandLayer over device, labelling errors
// with name (typically the authenticator handle's descriptor name)
// and using marshal to encode parameter maps to CBOR.
func NewCommandLayer(device Sender, name string, marshal Marshal) *CommandLayer {
	return &CommandLayer{device: device, name: name, marshal: marshal}
}

// call sends cmd with the given pre-encoded CBOR body (which may be
// nil), strips the status byte, and returns the remaining CBOR
// payload on success.
func (c *CommandLayer) call(ctx context.Context, cmd byte, body []byte) ([]byte, error) {
	req := make([]byte, 1+len(body))
	req[0] = cmd
	copy(req[1:], body)

	resp, err := c.device.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("ctap: %s: empty response to command 0x%02X", c.name, cmd)
	}
	status := Status(resp[0])
	if status != StatusSuccess {
		return nil, &Error{Status: status, Device: c.name}
	}
	return resp[1:], nil
}

func (c *CommandLayer) callWithParams(ctx context.Context, cmd byte, params map[int]any) ([]byte, error) {
	if params == nil {
		return c.call(ctx, cmd, nil)
	}
	body, err := c.marshal(params)
	if err != nil {
		return nil, fmt.Errorf("ctap: %s: encoding command 0x%02X params: %w", c.name, cmd, err)
	}
	return c.call(ctx, cmd, body)
}

// GetInfo issues authenticatorGetInfo (0x04), which takes no
// parameters.
func (c *CommandLayer) GetInfo(ctx context.Context) ([]byte, error) {
	return c.call(ctx, CmdGetInfo, nil)
}

// Reset issues authenticatorReset (0x07), which takes no parameters.
func (c *CommandLayer) Reset(ctx context.Context) ([]byte, error) {
	return c.call(ctx, CmdReset, nil)
}

// GetNextAssertion issues authenticatorGetNextAssertion (0x08), which
// takes no parameters.
func (c *CommandLayer) GetNextAssertion(ctx context.Context) ([]byte, error) {
	return c.call(ctx, CmdGetNextAssertion, nil)
}

// MakeCredential issues authenticatorMakeCredential (0x01). excludeList,
// extensions, options, pinAuth and pinProtocol are optional; pass the
// zero value (nil or 0) to omit them from the parameter map.
func (c *CommandLayer) MakeCredential(
	ctx context.Context,
	clientDataHash []byte,
	rp map[string]any,
	user map[string]any,
	pubKeyCredParams []any,
	excludeList []any,
	extensions map[string]any,
	options map[string]any,
	pinAuth []byte,
	pinProtocol uint64,
) ([]byte, error) {
	params := map[int]any{
		1: clientDataHash,
		2: rp,
		3: user,
		4: pubKeyCredParams,
	}
	if len(excludeList) > 0 {
		params[5] = excludeList
	}
	if len(extensions) > 0 {
		params[6] = extensions
	}
	if len(options) > 0 {
		params[7] = options
	}
	if len(pinAuth) > 0 {
		params[8] = pinAuth
	}
	if pinProtocol != 0 {
		params[9] = pinProtocol
	}
	return c.callWithParams(ctx, CmdMakeCredential, params)
}

// GetAssertion issues authenticatorGetAssertion (0x02). allowList,
// extensions, options, pinAuth and pinProtocol are optional.
func (c *CommandLayer) GetAssertion(
	ctx context.Context,
	rpID string,
	clientDataHash []byte,
	allowList []any,
	extensions map[string]any,
	options map[string]any,
	pinAuth []byte,
	pinProtocol uint64,
) ([]byte, error) {
	params := map[int]any{
		1: rpID,
		2: clientDataHash,
	}
	if len(allowList) > 0 {
		params[3] = allowList
	}
	if len(extensions) > 0 {
		params[4] = extensions
	}
	if len(options) > 0 {
		params[5] = options
	}
	if len(pinAuth) > 0 {
		params[6] = pinAuth
	}
	if pinProtocol != 0 {
		params[7] = pinProtocol
	}
	return c.callWithParams(ctx, CmdGetAssertion, params)
}

// GetPinRetries issues authenticatorClientPIN with subcommand
// getRetries.
func (c *CommandLayer) GetPinRetries(ctx context.Context, pinProtocol uint64) ([]byte, error) {
	return c.callWithParams(ctx, CmdClientPIN, map[int]any{
		1: pinProtocol,
		2: SubCmdGetRetries,
	})
}

// GetKeyAgreement issues authenticatorClientPIN with subcommand
// getKeyAgreement.
func (c *CommandLayer) GetKeyAgreement(ctx context.Context, pinProtocol uint64) ([]byte, error) {
	return c.callWithParams(ctx, CmdClientPIN, map[int]any{
		1: pinProtocol,
		2: SubCmdGetKeyAgreement,
	})
}

// GetPinToken issues authenticatorClientPIN with subcommand
// getPinToken. platformKeyAgreement is the caller's COSE_Key map (key
// 3) and pinHashEnc is the encrypted PIN hash (key 6).
func (c *CommandLayer) GetPinToken(
	ctx context.Context,
	pinHashEnc []byte,
	platformKeyAgreement map[int]any,
	pinProtocol uint64,
) ([]byte, error) {
	return c.callWithParams(ctx, CmdClientPIN, map[int]any{
		1: pinProtocol,
		2: SubCmdGetPINToken,
		3: platformKeyAgreement,
		6: pinHashEnc,
	})
}
