// Package artifact manages prediction and report output files: unique
// paths, checksummed saves, and optional sync to a remote file server.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Store writes artifacts under a base directory.
type Store struct {
	Dir string
}

func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

// Path generates a unique timestamped output path, e.g.
// structures/structure_20250101_120301.cif.
func (s *Store) Path(prefix, ext string) string {
	stamp := time.Now().Format("20060102_150405")
	return filepath.Join(s.Dir, fmt.Sprintf("%s_%s.%s", prefix, stamp, ext))
}

// Save writes content to path, creating parent directories. Returns the
// sha256 checksum of the written bytes.
func (s *Store) Save(path string, content []byte) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]), nil
}

// Info describes a stored artifact.
type Info struct {
	Path     string
	Size     int64
	Checksum string
	ModTime  time.Time
}

// Stat returns size, checksum, and modification time for an artifact.
func Stat(path string) (Info, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Info{}, err
	}
	sum, err := Checksum(path)
	if err != nil {
		return Info{}, err
	}
	return Info{Path: path, Size: st.Size(), Checksum: sum, ModTime: st.ModTime()}, nil
}

// Checksum computes the sha256 of a file.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
