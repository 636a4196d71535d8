//go:build !linux

package ctaphid

// Enumerate returns ErrUnsupportedPlatform outside Linux.
func Enumerate() ([]DeviceInfo, error) {
	return nil, ErrUnsupportedPlatform
}

// OpenHidraw is unavailable outside Linux.
func OpenHidraw(path string) (RawDevice, error) {
	return nil, ErrUnsupportedPlatform
}
