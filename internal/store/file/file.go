// Package file implements store.DocumentStore on a single JSON file.
// The file may carry // and /* */ comments and trailing commas; they are
// accepted on read and dropped on the next write.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/jsonc"

	"github.com/narvanalabs/searchnode/internal/store"
)

// Store is a JSONC file-backed document store.
type Store struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// New creates a store backed by the file at path. The file is created on
// the first write.
func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Get decodes the value at path into out.
func (s *Store) Get(ctx context.Context, path string, out any) error {
	parts, err := store.SplitPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	raw, ok := lookup(doc, parts)
	if !ok {
		return store.ErrNotFound
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// Set stores value at path.
func (s *Store) Set(ctx context.Context, path string, value any) error {
	parts, err := store.SplitPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	if err := assign(doc, parts, value); err != nil {
		return fmt.Errorf("setting %s: %w", path, err)
	}
	return s.write(doc)
}

// SetVersioned stores value at path if the current document there carries
// the expected version.
func (s *Store) SetVersioned(ctx context.Context, path string, expected int64, value any) error {
	parts, err := store.SplitPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	current, _ := lookup(doc, parts)
	if got := store.VersionOf(current); got != expected {
		s.logger.Debug("versioned write rejected", "path", path, "expected", expected, "current", got)
		return store.ErrConcurrentModification
	}
	if err := assign(doc, parts, value); err != nil {
		return fmt.Errorf("setting %s: %w", path, err)
	}
	return s.write(doc)
}

// Ping checks that the backing file, if present, is readable and well formed.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.read()
	return err
}

// Close is a no-op; the file is opened per operation.
func (s *Store) Close() error {
	return nil
}

func (s *Store) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]json.RawMessage), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	stripped := jsonc.ToJSON(data)
	if len(bytes.TrimSpace(stripped)) == 0 {
		return make(map[string]json.RawMessage), nil
	}

	doc := make(map[string]json.RawMessage)
	if err := json.Unmarshal(stripped, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	if doc == nil {
		doc = make(map[string]json.RawMessage)
	}
	return doc, nil
}

func (s *Store) write(doc map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", s.path, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}

// lookup walks parts through nested objects.
func lookup(doc map[string]json.RawMessage, parts []string) (json.RawMessage, bool) {
	raw, ok := doc[parts[0]]
	if !ok {
		return nil, false
	}
	if len(parts) == 1 {
		return raw, true
	}
	var child map[string]json.RawMessage
	if err := json.Unmarshal(raw, &child); err != nil {
		return nil, false
	}
	return lookup(child, parts[1:])
}

// assign sets parts to value, replacing non-object intermediates.
func assign(doc map[string]json.RawMessage, parts []string, value any) error {
	if len(parts) == 1 {
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		doc[parts[0]] = raw
		return nil
	}

	child := make(map[string]json.RawMessage)
	if raw, ok := doc[parts[0]]; ok {
		if err := json.Unmarshal(raw, &child); err != nil || child == nil {
			child = make(map[string]json.RawMessage)
		}
	}
	if err := assign(child, parts[1:], value); err != nil {
		return err
	}
	raw, err := json.Marshal(child)
	if err != nil {
		return err
	}
	doc[parts[0]] = raw
	return nil
}
