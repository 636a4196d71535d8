// Package chain implements the APDU command-chaining and response-
// drainage algorithm shared by the PC/SC and CCID NFC engines: split
// a CTAP message into ≤251-byte blocks, send them with the ISO 7816
// chaining bit, then drain the response across GET NEXT RESPONSE /
// ISO GET RESPONSE follow-ups until SW=0x9000.
package chain

import (
	"context"
	"fmt"

	"github.com/authnkit/ctaphost/apdu"
)

// Transmitter sends one short APDU and returns its raw response
// (data ‖ SW1 ‖ SW2). The pcsc and ccid packages each adapt their
// wire transport to it (a PC/SC card Transmit and the CCID
// XfrBlock pipeline respectively).
type Transmitter interface {
	Transmit(ctx context.Context, cmd []byte) ([]byte, error)
}

// ErrChaining is returned when an intermediate chaining block gets
// back anything other than an empty-data SW=0x9000.
type ErrChaining struct {
	BlockIndex int
	SW         uint16
}

func (e *ErrChaining) Error() string {
	return fmt.Sprintf("chain: block %d: unexpected status word %04X", e.BlockIndex, e.SW)
}

// Send splits msg into ≤apdu.MaxLc blocks, transmits them with the
// chaining bit set on all but the last, then drains the final
// response across any GET NEXT RESPONSE (SW=0x9100) or ISO GET
// RESPONSE (SW1=0x61) follow-ups. It returns the concatenated
// response data with the status bytes stripped, per spec.md §4.2/4.3.
func Send(ctx context.Context, t Transmitter, msg []byte) ([]byte, error) {
	blocks := splitBlocks(msg)

	var last apdu.Response
	for i, block := range blocks {
		cla := byte(0x90)
		if i == len(blocks)-1 {
			cla = 0x80
		}
		wire, err := apdu.Build(apdu.Command{CLA: cla, INS: 0x10, Data: block, Le: 0x00, HasLe: true})
		if err != nil {
			return nil, fmt.Errorf("chain: building block %d: %w", i, err)
		}
		raw, err := t.Transmit(ctx, wire)
		if err != nil {
			return nil, fmt.Errorf("chain: transmitting block %d: %w", i, err)
		}
		resp, err := apdu.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("chain: parsing response to block %d: %w", i, err)
		}

		isLast := i == len(blocks)-1
		if !isLast {
			if !resp.OK() || len(resp.Data) != 0 {
				return nil, &ErrChaining{BlockIndex: i, SW: resp.SW()}
			}
			continue
		}
		last = resp
	}

	return drain(ctx, t, last)
}

// drain accumulates response data starting from the final chaining
// block's response, following GET NEXT RESPONSE and ISO GET RESPONSE
// follow-ups until SW=0x9000.
func drain(ctx context.Context, t Transmitter, resp apdu.Response) ([]byte, error) {
	var out []byte
	for {
		out = append(out, resp.Data...)
		if resp.OK() {
			return out, nil
		}
		if count, ok := resp.MoreData(); ok {
			wire, err := apdu.Build(apdu.Command{CLA: 0x00, INS: 0xC0, Le: count, HasLe: true})
			if err != nil {
				return nil, fmt.Errorf("chain: building GET RESPONSE: %w", err)
			}
			raw, err := t.Transmit(ctx, wire)
			if err != nil {
				return nil, fmt.Errorf("chain: transmitting GET RESPONSE: %w", err)
			}
			resp, err = apdu.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("chain: parsing GET RESPONSE: %w", err)
			}
			continue
		}
		if resp.SW() == 0x9100 {
			wire, err := apdu.Build(apdu.Command{CLA: 0x80, INS: 0x11, Le: 0x00, HasLe: true})
			if err != nil {
				return nil, fmt.Errorf("chain: building GET NEXT RESPONSE: %w", err)
			}
			raw, err := t.Transmit(ctx, wire)
			if err != nil {
				return nil, fmt.Errorf("chain: transmitting GET NEXT RESPONSE: %w", err)
			}
			resp, err = apdu.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("chain: parsing GET NEXT RESPONSE: %w", err)
			}
			continue
		}
		return nil, fmt.Errorf("chain: unexpected status word %04X", resp.SW())
	}
}

// splitBlocks divides msg into chunks of at most apdu.MaxLc bytes.
// An empty message still produces one (empty) block, so the
// chaining loop always sends at least the final CLA=0x80 APDU.
func splitBlocks(msg []byte) [][]byte {
	if len(msg) == 0 {
		return [][]byte{{}}
	}
	var blocks [][]byte
	for len(msg) > 0 {
		n := apdu.MaxLc
		if n > len(msg) {
			n = len(msg)
		}
		blocks = append(blocks, msg[:n])
		msg = msg[n:]
	}
	return blocks
}
