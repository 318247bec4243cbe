package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/narvanalabs/searchnode/internal/env"
)

// PIDRecord is the sidecar written next to a running node's configuration.
type PIDRecord struct {
	PID int `json:"pid"`
}

// PIDPath returns the sidecar path for a config directory.
func PIDPath(configDir string) string {
	return filepath.Join(configDir, env.PIDFile)
}

// ReadPID reads the recorded pid. ok is false when no record exists.
func ReadPID(configDir string) (pid int, ok bool, err error) {
	data, err := os.ReadFile(PIDPath(configDir))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading pid record: %w", err)
	}
	var rec PIDRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, false, fmt.Errorf("parsing pid record %s: %w", PIDPath(configDir), err)
	}
	if rec.PID <= 0 {
		return 0, false, fmt.Errorf("pid record %s holds invalid pid %d", PIDPath(configDir), rec.PID)
	}
	return rec.PID, true, nil
}

// WritePID replaces the pid record atomically.
func WritePID(configDir string, pid int) error {
	data, err := json.Marshal(PIDRecord{PID: pid})
	if err != nil {
		return fmt.Errorf("encoding pid record: %w", err)
	}
	tmp, err := os.CreateTemp(configDir, ".pid-*.tmp")
	if err != nil {
		return fmt.Errorf("creating pid record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing pid record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing pid record: %w", err)
	}
	if err := os.Rename(tmpName, PIDPath(configDir)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("installing pid record: %w", err)
	}
	return nil
}

// RemovePID deletes the pid record. A missing record is not an error.
func RemovePID(configDir string) error {
	err := os.Remove(PIDPath(configDir))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing pid record: %w", err)
	}
	return nil
}
