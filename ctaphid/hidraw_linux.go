//go:build linux

package ctaphid

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// fidoUsagePage and fidoUsage together form the FIDO alliance usage
// pair (0xF1D0_0001) that admits a hidraw node during discovery, per
// spec.md §4.1.
const (
	fidoUsagePage uint16 = 0xF1D0
	fidoUsage     uint16 = 0x0001
)

// hidMaxDescriptorSize bounds the HIDIOCGRDESC buffer, matching the
// kernel's HID_MAX_DESCRIPTOR_SIZE.
const hidMaxDescriptorSize = 4096

// enumerateHidraw walks /sys/class/hidraw the way the pack's hidraw
// backend does, admitting only nodes whose report descriptor carries
// the FIDO usage page/usage pair.
func enumerateHidraw() ([]DeviceInfo, error) {
	const sysHidraw = "/sys/class/hidraw"
	entries, err := os.ReadDir(sysHidraw)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var infos []DeviceInfo
	for _, e := range entries {
		name := e.Name()
		sysPath := filepath.Join(sysHidraw, name)
		devPath := filepath.Join("/dev", name)

		usagePage, usage, err := readUsagePair(sysPath)
		if err != nil || usagePage != fidoUsagePage || usage != fidoUsage {
			continue
		}

		devDir, err := findAncestorWithFile(sysPath, "idVendor")
		if err != nil {
			continue
		}
		infos = append(infos, DeviceInfo{
			Path:      devPath,
			Name:      readSysString(filepath.Join(devDir, "product")),
			VendorID:  readSysHex16(filepath.Join(devDir, "idVendor")),
			ProductID: readSysHex16(filepath.Join(devDir, "idProduct")),
		})
	}
	return infos, nil
}

func findAncestorWithFile(start, filename string) (string, error) {
	dir := start
	for {
		if _, err := os.Stat(filepath.Join(dir, filename)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("ctaphid: no ancestor of %s carries %s", start, filename)
		}
		dir = parent
	}
}

func readSysString(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func readSysHex16(path string) uint16 {
	s := readSysString(path)
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}

// readUsagePair opens the hidraw node directly (not sysfs) and asks
// the kernel for the report descriptor via HIDIOCGRDESCSIZE/
// HIDIOCGRDESC, per SPEC_FULL.md's report-size supplement — sysfs
// exposes a report_descriptor file too, but going through the
// character device node works uniformly across kernel versions.
func readUsagePair(sysPath string) (uint16, uint16, error) {
	devPath := filepath.Join("/dev", filepath.Base(sysPath))
	f, err := os.OpenFile(devPath, os.O_RDONLY, 0)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	desc, err := readReportDescriptor(int(f.Fd()))
	if err != nil {
		return 0, 0, err
	}
	up, u := parseTopLevelUsage(desc)
	return up, u, nil
}

func readReportDescriptor(fd int) ([]byte, error) {
	var size int32
	if err := ioctl(fd, hidiocgrdescsize, unsafe.Pointer(&size)); err != nil {
		return nil, err
	}
	if size <= 0 || size > hidMaxDescriptorSize {
		return nil, fmt.Errorf("ctaphid: implausible report descriptor size %d", size)
	}

	desc := struct {
		Size  int32
		Value [hidMaxDescriptorSize]byte
	}{Size: size}
	if err := ioctl(fd, hidiocgrdesc, unsafe.Pointer(&desc)); err != nil {
		return nil, err
	}
	return desc.Value[:size], nil
}

// parseTopLevelUsage walks a HID report descriptor's item stream and
// returns the Usage Page/Usage of the first top-level collection.
func parseTopLevelUsage(desc []byte) (uint16, uint16) {
	var usagePage, usage uint16
	i := 0
	for i < len(desc) {
		prefix := desc[i]
		i++
		if prefix == 0xFE { // long item
			if i+2 > len(desc) {
				break
			}
			size := int(desc[i])
			i += 2 + size
			continue
		}
		size := [4]int{0, 1, 2, 4}[prefix&0x03]
		itemType := (prefix >> 2) & 0x03
		itemTag := (prefix >> 4) & 0x0F
		if i+size > len(desc) {
			break
		}
		var val uint32
		switch size {
		case 1:
			val = uint32(desc[i])
		case 2:
			val = uint32(desc[i]) | uint32(desc[i+1])<<8
		case 4:
			val = uint32(desc[i]) | uint32(desc[i+1])<<8 | uint32(desc[i+2])<<16 | uint32(desc[i+3])<<24
		}
		i += size

		switch itemType {
		case 1: // Global
			if itemTag == 0x0 {
				usagePage = uint16(val)
			}
		case 2: // Local
			if itemTag == 0x0 {
				usage = uint16(val)
			}
		case 0: // Main
			if itemTag == 0x0A { // Collection
				return usagePage, usage
			}
		}
	}
	return usagePage, usage
}

// _IOC direction/field widths, matching asm-generic/ioctl.h.
const (
	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocRead = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNrShift) | (size << iocSizeShift)
}

var (
	hidiocgrdescsize = ioc(iocRead, 'H', 0x01, 4)
	hidiocgrdesc     = ioc(iocRead, 'H', 0x02, 4+hidMaxDescriptorSize)
)

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// hidrawDevice is the Linux RawDevice backend: plain reads/writes on
// the hidraw character device, with unix.Poll providing the read
// timeout the spec's INIT handshake and steady-state read both need.
type hidrawDevice struct {
	f          *os.File
	fd         int
	reportSize int
}

// OpenHidraw opens a hidraw node at path and resolves its true
// report size from the kernel-supplied report descriptor, falling
// back to ReportSize (64) if descriptor parsing fails.
func OpenHidraw(path string) (RawDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	size := ReportSize
	if desc, err := readReportDescriptor(int(f.Fd())); err == nil {
		if n := resolveReportSize(desc); n > 0 {
			size = n
		}
	}
	return &hidrawDevice{f: f, fd: int(f.Fd()), reportSize: size}, nil
}

// resolveReportSize sizes the report from the last Report Size and
// Report Count global items found anywhere in the descriptor (1- or
// 2-byte item values only), returning their product in bytes. It
// returns 0, so the caller keeps its default, when either item is
// missing or zero; a non-zero result is not range-checked.
func resolveReportSize(desc []byte) int {
	const reportSizeTag = 0x07 // Global item tag for Report Size
	const reportCountTag = 0x09
	var reportSize, reportCount uint32
	i := 0
	for i < len(desc) {
		prefix := desc[i]
		i++
		if prefix == 0xFE {
			if i+2 > len(desc) {
				break
			}
			size := int(desc[i])
			i += 2 + size
			continue
		}
		size := [4]int{0, 1, 2, 4}[prefix&0x03]
		itemType := (prefix >> 2) & 0x03
		itemTag := (prefix >> 4) & 0x0F
		if i+size > len(desc) {
			break
		}
		var val uint32
		switch size {
		case 1:
			val = uint32(desc[i])
		case 2:
			val = uint32(desc[i]) | uint32(desc[i+1])<<8
		}
		i += size
		if itemType == 1 { // Global
			switch itemTag {
			case reportSizeTag:
				reportSize = val
			case reportCountTag:
				reportCount = val
			}
		}
	}
	if reportSize == 0 || reportCount == 0 {
		return 0
	}
	bits := reportSize * reportCount
	return int((bits + 7) / 8)
}

func (d *hidrawDevice) ReportSize() int { return d.reportSize }

func (d *hidrawDevice) WriteReport(report []byte) (int, error) {
	return d.f.Write(report)
}

func (d *hidrawDevice) ReadReport(buf []byte, timeout time.Duration) (int, error) {
	pfd := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout/time.Millisecond))
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("ctaphid: hidraw read timed out")
	}
	return d.f.Read(buf)
}

func (d *hidrawDevice) Close() error {
	return d.f.Close()
}

// Enumerate lists FIDO-capable hidraw nodes.
func Enumerate() ([]DeviceInfo, error) {
	return enumerateHidraw()
}
