package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ComputeChecksum returns the aggregate integrity digest over the protected
// files plus selfPath. Files are hashed whole, in the given order; the
// per-file hex digests are concatenated and hashed again with SHA-256.
// Missing files are skipped. selfPath is appended last and is skipped when
// empty or absent.
func ComputeChecksum(baseDir string, files []string, selfPath string) (string, error) {
	var parts strings.Builder

	for _, rel := range files {
		sum, err := hashFile(filepath.Join(baseDir, filepath.FromSlash(rel)))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", err
		}
		parts.WriteString(sum)
	}

	if selfPath != "" {
		sum, err := hashFile(selfPath)
		switch {
		case err == nil:
			parts.WriteString(sum)
		case !errors.Is(err, fs.ErrNotExist):
			return "", err
		}
	}

	total := sha256.Sum256([]byte(parts.String()))
	return hex.EncodeToString(total[:]), nil
}

// SelfPath returns the path of the running executable with symlinks
// resolved, or "" when it cannot be determined.
func SelfPath() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		return resolved
	}
	return exe
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s: %w", path, fs.ErrNotExist)
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
