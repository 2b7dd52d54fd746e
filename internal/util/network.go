package util

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// NetworkInfo describes the filesystem a path lives on
type NetworkInfo struct {
	IsNetwork bool   // whether the filesystem is network-mounted
	Protocol  string // nfs, cifs, smbfs, ... or empty if local
	MountPath string // mount point of the filesystem, when known
}

// networkFSTypes are mount table filesystem types served over the network
var networkFSTypes = []string{"nfs", "cifs", "smb", "ncpfs", "afpfs", "webdav", "fuse.sshfs", "fuse.rclone"}

// DetectNetworkFilesystem checks if a path is on a network-mounted filesystem
func DetectNetworkFilesystem(path string) (*NetworkInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(abs, &stat); err != nil {
		return nil, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return detectPlatformNetwork(abs, &stat)
}

// IsNetworkPath reports whether path is on a network filesystem. Paths that
// cannot be checked count as local.
func IsNetworkPath(path string) bool {
	info, err := DetectNetworkFilesystem(path)
	return err == nil && info.IsNetwork
}

func isNetworkFSType(fsType string) bool {
	fsType = strings.ToLower(fsType)
	for _, t := range networkFSTypes {
		if strings.Contains(fsType, t) {
			return true
		}
	}
	return false
}

// mountEntry is one line of a mount table
type mountEntry struct {
	mountPoint string
	fsType     string
}

// parseMounts reads a mount table in /proc/mounts format
func parseMounts(r io.Reader) ([]mountEntry, error) {
	var mounts []mountEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		// device mountpoint fstype options dump pass
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mounts = append(mounts, mountEntry{mountPoint: unescapeMount(fields[1]), fsType: fields[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return mounts, nil
}

// unescapeMount decodes the octal escapes /proc/mounts uses for blanks
func unescapeMount(s string) string {
	return strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`).Replace(s)
}

// mountFor returns the longest mount point containing path
func mountFor(path string, mounts []mountEntry) (mountEntry, bool) {
	var best mountEntry
	found := false
	for _, m := range mounts {
		if !underMount(path, m.mountPoint) {
			continue
		}
		if !found || len(m.mountPoint) > len(best.mountPoint) {
			best, found = m, true
		}
	}
	return best, found
}

func underMount(path, mountPoint string) bool {
	if mountPoint == "/" || path == mountPoint {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(mountPoint, "/")+"/")
}

// NetworkTuning holds settings adjusted for collections on network mounts
type NetworkTuning struct {
	Network     bool
	Info        *NetworkInfo // first network mount found
	Path        string       // path found on Info
	Concurrency int          // scan workers
	Retry       *RetryConfig // storage retry policy
}

// TuneForPaths checks the database file and music roots for network mounts.
// mode "on" and "off" skip detection. A network mount lowers scan
// concurrency and retries storage calls longer.
func TuneForPaths(mode, dbPath string, roots []string, concurrency int, retry *RetryConfig) *NetworkTuning {
	if retry == nil {
		retry = DefaultRetryConfig()
	}
	tuning := &NetworkTuning{Concurrency: concurrency, Retry: retry}

	switch mode {
	case "off":
		return tuning
	case "on":
		tuning.Network = true
	default:
		for _, p := range append([]string{dbPath}, roots...) {
			if p == "" {
				continue
			}
			if p == dbPath {
				// the database file may not exist yet
				p = filepath.Dir(p)
			}
			info, err := DetectNetworkFilesystem(p)
			if err != nil {
				DebugLog("Failed to detect filesystem for %s: %v", p, err)
				continue
			}
			if info.IsNetwork {
				tuning.Network, tuning.Info, tuning.Path = true, info, p
				break
			}
		}
	}

	if tuning.Network {
		applyNetworkTuning(tuning)
		if tuning.Info != nil {
			InfoLog("Network filesystem detected: %s is on %s (%s)", tuning.Path, tuning.Info.Protocol, tuning.Info.MountPath)
		}
		DebugLog("Network tuning: %d scan workers, %d storage attempts", tuning.Concurrency, tuning.Retry.MaxAttempts)
	}
	return tuning
}

func applyNetworkTuning(t *NetworkTuning) {
	// network mounts handle few concurrent readers well
	switch {
	case t.Concurrency <= 0:
		t.Concurrency = 2
	case t.Concurrency > 4:
		t.Concurrency = 4
	}
	retry := *t.Retry
	retry.MaxAttempts = max(retry.MaxAttempts, 8)
	retry.InitialWait = max(retry.InitialWait*2, 50*time.Millisecond)
	retry.MaxWait = max(retry.MaxWait, 5*time.Second)
	t.Retry = &retry
}

// String describes the tuning for humans
func (t *NetworkTuning) String() string {
	if !t.Network {
		return "local filesystem"
	}
	protocol, mount := "forced", "-"
	if t.Info != nil {
		protocol, mount = t.Info.Protocol, t.Info.MountPath
	}
	return fmt.Sprintf("network (%s at %s), %d scan workers, %d storage attempts",
		protocol, mount, t.Concurrency, t.Retry.MaxAttempts)
}
