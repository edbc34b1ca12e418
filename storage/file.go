package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// JSONFile stores the snapshot as an indented JSON document. Every Save
// rewrites the whole file through a temporary file and rename.
type JSONFile struct {
	path string
}

// NewJSONFile returns a store backed by the file at path. The file is not
// created until the first Save.
func NewJSONFile(path string) (*JSONFile, error) {
	if path == "" {
		return nil, errors.New("storage: empty ledger path")
	}
	return &JSONFile{path: path}, nil
}

func (f *JSONFile) Load() (Snapshot, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(Snapshot), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrCorrupt, f.path)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, f.path, err)
	}
	if snapshot == nil {
		snapshot = make(Snapshot)
	}
	return snapshot, nil
}

func (f *JSONFile) Save(snapshot Snapshot) error {
	if snapshot == nil {
		snapshot = make(Snapshot)
	}
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".ledger-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}

// Close is a no-op; the file is only held open during Load and Save.
func (f *JSONFile) Close() error { return nil }
