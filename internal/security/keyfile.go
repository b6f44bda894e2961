package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LoadOrCreateKey reads the master key at path, creating it with a fresh
// random key when absent. The file must be owner-only.
func LoadOrCreateKey(path string) ([]byte, error) {
	key, err := ReadSecureFile(path, KeySize*2)
	if err == nil {
		if len(key) != KeySize {
			return nil, fmt.Errorf("%w: key file %s has %d bytes", ErrInvalidKeySize, path, len(key))
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	if err := EnsureSecureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}

	// Serialize creation against another process starting at the same time.
	lock, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, PermSecretFile)
	if err != nil {
		return nil, fmt.Errorf("open key lock: %w", err)
	}
	defer lock.Close()
	if err := LockFile(lock); err != nil {
		return nil, fmt.Errorf("lock key file: %w", err)
	}
	defer UnlockFile(lock)

	if key, err := ReadSecureFile(path, KeySize*2); err == nil {
		return key, nil
	}

	key, err = GenerateKey(KeySize)
	if err != nil {
		return nil, err
	}
	if err := WriteSecretFile(path, key); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}
