// Package state persists the accumulated record between single-step runs and
// answers jq queries against it.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rendis/clusterrun/internal/validation"
	"github.com/rendis/clusterrun/pkg/schema"
)

// ErrNoState is returned by Load when the statefile does not exist.
var ErrNoState = errors.New("no state")

// Load reads a persisted record. When v is non-nil the raw file is checked
// against the record schema first.
func Load(path string, v validation.StatefileValidator) (*schema.Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNoState)
	}
	if err != nil {
		return nil, err
	}
	if v != nil {
		if verr := v.ValidateRecord(data).ToError(path); verr != nil {
			return nil, verr
		}
	}
	rec := &schema.Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "error in %s: %v", path, err).WithCause(err)
	}
	return rec, nil
}

// Save writes rec to path atomically: a temp file in the same directory is
// written, synced and renamed over path.
func Save(path string, rec *schema.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		return err
	}
	return os.Rename(name, path)
}
