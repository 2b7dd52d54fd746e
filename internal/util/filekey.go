package util

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
)

// DefaultUIDProtocol prefixes every track uid stored in the urls table
const DefaultUIDProtocol = "mcol-sqltrackuid"

// UIDURL builds a track uid url such as "mcol-sqltrackuid://<hash>"
func UIDURL(protocol, hash string) string {
	if protocol == "" {
		protocol = DefaultUIDProtocol
	}
	return protocol + "://" + hash
}

// UIDHash strips the protocol from a uid url
func UIDHash(uidURL string) string {
	if i := strings.Index(uidURL, "://"); i >= 0 {
		return uidURL[i+3:]
	}
	return uidURL
}

// NewRandomUID returns a uid hash for tracks that have no content hash
func NewRandomUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateContentHash creates a SHA1 hash of at most limit bytes of file content.
// A limit <= 0 hashes the whole file.
func GenerateContentHash(path string, limit int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit)
	}

	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// GetFileMetadata extracts basic filesystem metadata
func GetFileMetadata(path string) (size int64, mtime int64, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to stat file: %w", err)
	}

	return info.Size(), info.ModTime().Unix(), nil
}
