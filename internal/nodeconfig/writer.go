package nodeconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/narvanalabs/searchnode/internal/env"
	"github.com/narvanalabs/searchnode/internal/models"
)

// Writer writes node artifacts to disk. Every write goes through
// writeIfChanged, so regenerating an artifact that is already current
// touches nothing.
type Writer struct {
	env    env.Environment
	logger *slog.Logger
}

// NewWriter creates a new artifact writer.
func NewWriter(e env.Environment, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{env: e, logger: logger}
}

// Env returns the environment the writer renders for.
func (w *Writer) Env() env.Environment {
	return w.env
}

// ServerConfigPath returns the server configuration path inside a config directory.
func ServerConfigPath(configDir string) string {
	return filepath.Join(configDir, env.ServerConfigFile)
}

// HeapOptionsPath returns the heap options path inside a config directory.
func HeapOptionsPath(configDir string) string {
	return filepath.Join(configDir, env.HeapOptionsFile)
}

// LoggingConfigPath returns the logging configuration path inside a config directory.
func LoggingConfigPath(configDir string) string {
	return filepath.Join(configDir, env.LoggingConfigFile)
}

// WriteAll renders every artifact of a node from scratch, creating the
// config, data and logs directories. It returns the number of files written.
func (w *Writer) WriteAll(n *models.Node) (int, error) {
	for _, dir := range []string{n.ConfigPath, n.DataPath, n.LogsPath} {
		if err := EnsureDir(dir); err != nil {
			return 0, err
		}
	}

	written := 0
	changed, err := writeIfChanged(ServerConfigPath(n.ConfigPath), []byte(RenderServerConfig(n)), 0o644)
	if err != nil {
		return written, err
	}
	written += boolToInt(changed)

	for _, sync := range []func(*models.Node) (bool, error){w.SyncHeapOptions, w.SyncLoggingConfig, w.SyncStartScript} {
		changed, err := sync(n)
		if err != nil {
			return written, err
		}
		written += boolToInt(changed)
	}

	w.logger.Debug("node artifacts written", "node", n.Name, "config_dir", n.ConfigPath, "files", written)
	return written, nil
}

// ReadServerConfig reads and parses a node's server configuration. The raw
// content is returned alongside so callers can patch it.
func (w *Writer) ReadServerConfig(configDir string) (Settings, string, error) {
	raw, err := os.ReadFile(ServerConfigPath(configDir))
	if err != nil {
		return nil, "", fmt.Errorf("reading server config: %w", err)
	}
	settings, err := ParseServerConfig(string(raw))
	if err != nil {
		return nil, string(raw), err
	}
	return settings, string(raw), nil
}

// PatchServerConfig patches the server configuration in place, leaving
// unrelated lines untouched. It reports whether the file was rewritten.
func (w *Writer) PatchServerConfig(configDir string, updates []Entry) (bool, error) {
	path := ServerConfigPath(configDir)
	raw, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("reading server config: %w", err)
	}
	patched, changed := PatchServerConfig(string(raw), updates)
	if !changed {
		return false, nil
	}
	if err := atomicWrite(path, []byte(patched), 0o644); err != nil {
		return false, err
	}
	w.logger.Debug("server config patched", "path", path, "keys", len(updates))
	return true, nil
}

// SyncHeapOptions regenerates heap.options when it does not match the
// descriptor's heap size.
func (w *Writer) SyncHeapOptions(n *models.Node) (bool, error) {
	content, err := RenderHeapOptions(n.Name, n.HeapSize)
	if err != nil {
		return false, err
	}
	return writeIfChanged(HeapOptionsPath(n.ConfigPath), []byte(content), 0o644)
}

// SyncLoggingConfig regenerates logging.conf when it is out of date.
func (w *Writer) SyncLoggingConfig(n *models.Node) (bool, error) {
	content, err := RenderLoggingConfig(n)
	if err != nil {
		return false, err
	}
	return writeIfChanged(LoggingConfigPath(n.ConfigPath), []byte(content), 0o644)
}

// SyncStartScript regenerates the start script when it is out of date.
func (w *Writer) SyncStartScript(n *models.Node) (bool, error) {
	content, err := RenderStartScript(n, w.env)
	if err != nil {
		return false, err
	}
	return writeIfChanged(n.StartScriptPath, []byte(content), 0o755)
}

// EnsureDir creates dir and its parents. Permission failures are reported
// as PermissionDenied carrying the path.
func EnsureDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return models.NewPermissionDenied(dir, err)
		}
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return nil
}

// writeIfChanged writes content to path unless the file already holds
// exactly that content.
func writeIfChanged(path string, content []byte, perm os.FileMode) (bool, error) {
	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, content) {
		return false, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := atomicWrite(path, content, perm); err != nil {
		return false, err
	}
	return true, nil
}

// atomicWrite writes to a temp file in the same directory and renames it over path.
func atomicWrite(path string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return models.NewPermissionDenied(path, err)
		}
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("setting mode on %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return models.NewPermissionDenied(path, err)
		}
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
