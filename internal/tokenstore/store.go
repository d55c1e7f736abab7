package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/halcyon-labs/m365ctl/internal/cryptox"
)

// ErrNotFound indicates no token record exists for the profile.
var ErrNotFound = errors.New("tokenstore: no token record")

// Store writes encrypted token records, one file per profile, named
// {profile}-M365.json under the state directory.
//
// Save is atomic from the caller's view: records are written to a temp
// file and renamed over the target, so a crash mid-write never leaves a
// partial file that Load silently accepts.
type Store struct {
	dir    string
	cipher *cryptox.Cipher
}

// NewStore creates a store rooted at dir, creating it with owner-only
// permissions if needed.
func NewStore(dir string, cipher *cryptox.Cipher) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("tokenstore: create directory: %w", err)
	}
	return &Store{dir: dir, cipher: cipher}, nil
}

// Path returns the on-disk location of a profile's record.
func (s *Store) Path(profile string) string {
	return filepath.Join(s.dir, profile+"-M365.json")
}

// Load reads and decrypts the record for a profile. Returns ErrNotFound
// when absent and cryptox.ErrDecrypt when the file is tampered with or
// was written by another machine. The stale file is left in place for
// inspection; only an explicit Delete removes it.
func (s *Store) Load(profile string) (*Record, error) {
	data, err := os.ReadFile(s.Path(profile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tokenstore: read record: %w", err)
	}

	var blob cryptox.Blob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("%w: malformed record file", cryptox.ErrDecrypt)
	}

	plaintext, err := s.cipher.Decrypt(&blob, profile)
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, fmt.Errorf("%w: malformed record payload", cryptox.ErrDecrypt)
	}
	return &rec, nil
}

// Save encrypts and persists the record for a profile.
func (s *Store) Save(profile string, rec *Record) error {
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("tokenstore: marshal record: %w", err)
	}

	blob, err := s.cipher.Encrypt(plaintext, profile)
	if err != nil {
		return err
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("tokenstore: marshal blob: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+profile+"-M365-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenstore: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenstore: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenstore: write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenstore: close record: %w", err)
	}

	if err := os.Rename(tmpName, s.Path(profile)); err != nil {
		return fmt.Errorf("tokenstore: rename record: %w", err)
	}
	return nil
}

// Delete removes the record for a profile. Deleting an absent record is a
// no-op.
func (s *Store) Delete(profile string) error {
	err := os.Remove(s.Path(profile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("tokenstore: delete record: %w", err)
	}
	return nil
}

// Exists reports whether a record file is present, without decrypting it.
func (s *Store) Exists(profile string) bool {
	_, err := os.Stat(s.Path(profile))
	return err == nil
}
