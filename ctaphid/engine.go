package ctaphid

import (
	"context"
	"log/slog"
	"time"

	"github.com/authnkit/ctaphost/transport"
)

// Engine discovers USB-HID FIDO authenticators and opens CTAPHID
// channels onto them.
type Engine struct {
	opts Options
}

// NewEngine returns a USB-HID discovery engine using opts for every
// channel it opens (zero value selects spec.md's default timeouts).
func NewEngine(opts Options) *Engine {
	return &Engine{opts: opts.withDefaults()}
}

// Discover enumerates hidraw candidates, probe-opens each to confirm
// accessibility, performs the CTAPHID INIT handshake, and returns a
// transport.Device per device that completes it. A candidate that
// fails to open or to complete INIT is skipped rather than failing
// the whole discovery pass — it may simply not be a FIDO
// authenticator, or may be transiently busy.
func (e *Engine) Discover(ctx context.Context) ([]transport.Device, error) {
	infos, err := Enumerate()
	if err != nil {
		if err == ErrUnsupportedPlatform {
			return nil, nil
		}
		return nil, &transport.Error{Stage: transport.StageOpen, Device: "ctaphid", Cause: err}
	}

	var devices []transport.Device
	for _, info := range infos {
		dev, err := openWithRetry(info.Path)
		if err != nil {
			slog.Debug("ctaphid: discovery skipping device", "path", info.Path, "err", err)
			continue
		}
		ch, err := Open(ctx, dev, OpenHidraw, info.Path, deviceName(info), e.opts)
		if err != nil {
			slog.Debug("ctaphid: INIT handshake failed during discovery", "path", info.Path, "err", err)
			continue
		}
		devices = append(devices, ch)
	}
	return devices, nil
}

func deviceName(info DeviceInfo) string {
	if info.Name != "" {
		return info.Name
	}
	return info.Path
}

// openWithRetry opens path once, and on failure pauses briefly and
// retries exactly once more, per spec.md §4.1's Open algorithm. The
// caller's Enumerate already confirmed the device is (or recently
// was) enumerable.
func openWithRetry(path string) (RawDevice, error) {
	dev, err := OpenHidraw(path)
	if err == nil {
		return dev, nil
	}
	time.Sleep(20 * time.Millisecond)
	return OpenHidraw(path)
}
