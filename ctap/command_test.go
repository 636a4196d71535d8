package ctap

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

type fakeSender struct {
	lastReq []byte
	resp    []byte
	err     error
}

func (f *fakeSender) Send(ctx context.Context, data []byte) ([]byte, error) {
	f.lastReq = append([]byte(nil), data...)
	return f.resp, f.err
}

func identityMarshal(v any) ([]byte, error) {
	m, ok := v.(map[int]any)
	if !ok {
		return nil, errors.New("unexpected param type")
	}
	// A deterministic stand-in encoding for tests: one byte per key,
	// sorted, with no attempt at real CBOR semantics.
	var out []byte
	for k := 0; k < 16; k++ {
		if _, ok := m[k]; ok {
			out = append(out, byte(k))
		}
	}
	return out, nil
}

func TestGetInfoNoParams(t *testing.T) {
	sender := &fakeSender{resp: []byte{0x00, 0xA1, 0x01}}
	layer := NewCommandLayer(sender, "test-device", identityMarshal)

	body, err := layer.GetInfo(context.Background())
	if err != nil {
		t.Fatalf("GetInfo returned error: %v", err)
	}
	if !bytes.Equal(body, []byte{0xA1, 0x01}) {
		t.Fatalf("unexpected body %X", body)
	}
	if !bytes.Equal(sender.lastReq, []byte{CmdGetInfo}) {
		t.Fatalf("unexpected request %X", sender.lastReq)
	}
}

func TestMakeCredentialOmitsOptionalFields(t *testing.T) {
	sender := &fakeSender{resp: []byte{0x00}}
	layer := NewCommandLayer(sender, "test-device", identityMarshal)

	_, err := layer.MakeCredential(context.Background(),
		[]byte{1, 2, 3},
		map[string]any{"id": "example.com"},
		map[string]any{"id": []byte{4, 5, 6}},
		[]any{map[string]any{"type": "public-key", "alg": -7}},
		nil, nil, nil, nil, 0,
	)
	if err != nil {
		t.Fatalf("MakeCredential returned error: %v", err)
	}
	// Only keys 1-4 should have been marshaled; 5-9 are optional and
	// must be absent because no optional argument was supplied.
	want := []byte{CmdMakeCredential, 1, 2, 3, 4}
	if !bytes.Equal(sender.lastReq, want) {
		t.Fatalf("request = % X, want % X", sender.lastReq, want)
	}
}

func TestMakeCredentialIncludesOptionalFields(t *testing.T) {
	sender := &fakeSender{resp: []byte{0x00}}
	layer := NewCommandLayer(sender, "test-device", identityMarshal)

	_, err := layer.MakeCredential(context.Background(),
		[]byte{1}, map[string]any{}, map[string]any{}, []any{},
		[]any{map[string]any{"type": "public-key"}},
		map[string]any{"hmac-secret": true},
		map[string]any{"rk": true},
		[]byte{0xAA},
		1,
	)
	if err != nil {
		t.Fatalf("MakeCredential returned error: %v", err)
	}
	want := []byte{CmdMakeCredential, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	if !bytes.Equal(sender.lastReq, want) {
		t.Fatalf("request = % X, want % X", sender.lastReq, want)
	}
}

func TestGetAssertionOptionalFields(t *testing.T) {
	sender := &fakeSender{resp: []byte{0x00}}
	layer := NewCommandLayer(sender, "test-device", identityMarshal)

	_, err := layer.GetAssertion(context.Background(), "example.com", []byte{1, 2},
		nil, nil, nil, nil, 0)
	if err != nil {
		t.Fatalf("GetAssertion returned error: %v", err)
	}
	want := []byte{CmdGetAssertion, 1, 2}
	if !bytes.Equal(sender.lastReq, want) {
		t.Fatalf("request = % X, want % X", sender.lastReq, want)
	}
}

func TestNonZeroStatusBecomesError(t *testing.T) {
	sender := &fakeSender{resp: []byte{byte(StatusPinRequired)}}
	layer := NewCommandLayer(sender, "yubikey-5", identityMarshal)

	_, err := layer.GetInfo(context.Background())
	if err == nil {
		t.Fatal("expected error for non-zero status")
	}
	if !IsStatus(err, StatusPinRequired) {
		t.Fatalf("expected StatusPinRequired, got %v", err)
	}
	var ctapErr *Error
	if !errors.As(err, &ctapErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if ctapErr.Device != "yubikey-5" {
		t.Fatalf("unexpected device name %q", ctapErr.Device)
	}
}

func TestEmptyResponseIsAnError(t *testing.T) {
	sender := &fakeSender{resp: nil}
	layer := NewCommandLayer(sender, "test-device", identityMarshal)

	if _, err := layer.GetInfo(context.Background()); err == nil {
		t.Fatal("expected error for empty response")
	}
}

func TestSendErrorPropagates(t *testing.T) {
	wantErr := errors.New("boom")
	sender := &fakeSender{err: wantErr}
	layer := NewCommandLayer(sender, "test-device", identityMarshal)

	_, err := layer.GetInfo(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped %v, got %v", wantErr, err)
	}
}

func TestClientPINHelpers(t *testing.T) {
	sender := &fakeSender{resp: []byte{0x00}}
	layer := NewCommandLayer(sender, "test-device", identityMarshal)

	if _, err := layer.GetPinRetries(context.Background(), 1); err != nil {
		t.Fatalf("GetPinRetries returned error: %v", err)
	}
	if !bytes.Equal(sender.lastReq, []byte{CmdClientPIN, 1, 2}) {
		t.Fatalf("unexpected request %X", sender.lastReq)
	}

	if _, err := layer.GetPinToken(context.Background(), []byte{0xAB}, map[int]any{1: 2}, 1); err != nil {
		t.Fatalf("GetPinToken returned error: %v", err)
	}
	if !bytes.Equal(sender.lastReq, []byte{CmdClientPIN, 1, 2, 3, 6}) {
		t.Fatalf("unexpected request %X", sender.lastReq)
	}
}
