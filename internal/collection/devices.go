package collection

import (
	"path/filepath"
	"strings"
)

// LocalDeviceID is the device of every path that is not on a removable medium
const LocalDeviceID = -1

// MountPoints maps absolute paths to (device id, relative path) pairs.
// Only the local filesystem is known; its relative paths are the absolute
// path prefixed with ".".
type MountPoints struct{}

// DeviceID returns the device a path lives on
func (MountPoints) DeviceID(path string) int {
	return LocalDeviceID
}

// RelativePath returns path relative to the mount point of deviceID
func (MountPoints) RelativePath(deviceID int, path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	return "." + abs
}

// AbsolutePath reverses RelativePath
func (MountPoints) AbsolutePath(deviceID int, rpath string) string {
	return filepath.Clean(strings.TrimPrefix(rpath, "."))
}

// MountedDeviceIDs implements query.Devices
func (MountPoints) MountedDeviceIDs() []int {
	return []int{LocalDeviceID}
}
