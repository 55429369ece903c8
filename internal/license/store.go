package license

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"amposlicense/internal/security"
)

const (
	verdictFilePrefix  = ".ampos_lic_"
	checksumFilePrefix = ".ampos_chk_"
)

// Store persists the cached verdict and the stored checksum, both
// encrypted, in a private directory. Files are owner read/write only.
type Store struct {
	dir          string
	key          []byte
	verdictPath  string
	checksumPath string
}

// DefaultCacheDir returns the per-user cache directory for AMPOS files
func DefaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "ampos")
	}
	return filepath.Join(os.TempDir(), "ampos")
}

// NewStore creates dir if needed. File names are derived from the license
// key so several licensed installs can share a host.
func NewStore(dir, licenseKey string, key []byte) (*Store, error) {
	if len(key) != security.KeySize {
		return nil, fmt.Errorf("invalid cache key size: %d", len(key))
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}

	sum := sha256.Sum256([]byte(licenseKey))
	id := hex.EncodeToString(sum[:16])
	return &Store{
		dir:          dir,
		key:          key,
		verdictPath:  filepath.Join(dir, verdictFilePrefix+id),
		checksumPath: filepath.Join(dir, checksumFilePrefix+id),
	}, nil
}

// Load returns the cached verdict. Missing, undecryptable or malformed
// files all report false.
func (s *Store) Load() (*CachedVerdict, bool) {
	plain, ok := s.read(s.verdictPath)
	if !ok {
		return nil, false
	}
	var v CachedVerdict
	if err := json.Unmarshal(plain, &v); err != nil {
		return nil, false
	}
	return &v, true
}

// Save encrypts and writes the verdict
func (s *Store) Save(v CachedVerdict) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode verdict: %w", err)
	}
	return s.write(s.verdictPath, data)
}

// LoadChecksum returns the stored integrity digest
func (s *Store) LoadChecksum() (string, bool) {
	plain, ok := s.read(s.checksumPath)
	if !ok || len(plain) == 0 {
		return "", false
	}
	return string(plain), true
}

// SaveChecksum encrypts and writes the integrity digest
func (s *Store) SaveChecksum(sum string) error {
	return s.write(s.checksumPath, []byte(sum))
}

// Clear removes the cached verdict and the stored checksum. Absent files
// are not an error.
func (s *Store) Clear() error {
	var errs []error
	for _, p := range []string{s.verdictPath, s.checksumPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dir returns the cache directory
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) read(path string) ([]byte, bool) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return security.Decrypt(string(blob), s.key)
}

// write replaces path atomically via a temp file in the same directory.
func (s *Store) write(path string, plain []byte) error {
	blob, err := security.Encrypt(plain, s.key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".ampos_tmp_*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to restrict permissions: %w", err)
	}
	if _, err := tmp.WriteString(blob); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
