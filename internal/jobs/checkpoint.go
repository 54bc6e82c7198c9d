package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/factoryos/auditledger/internal/audit"
)

// LoadCheckpoint reads the last verified position. A missing file means
// nothing has been verified yet.
func LoadCheckpoint(path string) (audit.Checkpoint, error) {
	var cp audit.Checkpoint
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("reading checkpoint %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, fmt.Errorf("parsing checkpoint %s: %w", path, err)
	}
	if cp.Sequence < 0 || (cp.Sequence > 0 && cp.Digest == "") {
		return audit.Checkpoint{}, fmt.Errorf("checkpoint %s is malformed: %+v", path, cp)
	}
	return cp, nil
}

// SaveCheckpoint replaces the checkpoint file atomically.
func SaveCheckpoint(path string, cp audit.Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("creating checkpoint temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing checkpoint: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
