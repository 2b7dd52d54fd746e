//go:build linux

package util

import (
	"os"
	"syscall"
)

// statfs magic numbers of network filesystems
var networkMagic = map[uint32]string{
	0x6969:     "nfs",
	0xff534d42: "cifs",
	0xfe534d42: "smb2",
	0x517b:     "smb",
	0x564c:     "ncp",
}

func detectPlatformNetwork(path string, stat *syscall.Statfs_t) (*NetworkInfo, error) {
	info := &NetworkInfo{}
	if proto, ok := networkMagic[uint32(stat.Type)]; ok {
		info.IsNetwork, info.Protocol = true, proto
	}

	f, err := os.Open("/proc/mounts")
	if err != nil {
		// the magic number is all there is
		return info, nil
	}
	defer f.Close()

	mounts, err := parseMounts(f)
	if err != nil {
		return info, nil
	}
	if m, ok := mountFor(path, mounts); ok {
		info.MountPath = m.mountPoint
		if isNetworkFSType(m.fsType) {
			info.IsNetwork, info.Protocol = true, m.fsType
		}
	}
	return info, nil
}
