package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/narvanalabs/searchnode/internal/store"
)

// Get decodes the value stored at path into out. When no row matches the
// exact path, rows below it are assembled into an object, so reading
// "searchnode" returns every "searchnode.*" value.
func (s *PostgresStore) Get(ctx context.Context, path string, out any) error {
	if _, err := store.SplitPath(path); err != nil {
		return err
	}

	raw, err := getRaw(ctx, s.db, path, false)
	if errors.Is(err, store.ErrNotFound) {
		raw, err = s.getPrefix(ctx, path)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// Set stores value at path.
func (s *PostgresStore) Set(ctx context.Context, path string, value any) error {
	if _, err := store.SplitPath(path); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return upsert(ctx, s.db, path, raw)
}

// SetVersioned stores value at path if the stored document carries the
// expected version. The current row is locked for the duration of the check.
func (s *PostgresStore) SetVersioned(ctx context.Context, path string, expected int64, value any) error {
	if _, err := store.SplitPath(path); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getRaw(ctx, tx, path, true)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if got := store.VersionOf(current); got != expected {
			s.logger.Debug("versioned write rejected", "path", path, "expected", expected, "current", got)
			return store.ErrConcurrentModification
		}
		return upsert(ctx, tx, path, raw)
	})
}

func getRaw(ctx context.Context, db queryable, path string, forUpdate bool) ([]byte, error) {
	query := "SELECT value FROM documents WHERE path = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	var raw []byte
	err := db.QueryRowContext(ctx, query, path).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", path, err)
	}
	return raw, nil
}

func (s *PostgresStore) getPrefix(ctx context.Context, path string) ([]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT path, value FROM documents WHERE path LIKE $1 ORDER BY path",
		escapeLike(path)+".%")
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", path, err)
	}
	defer rows.Close()

	doc := make(map[string]any)
	found := false
	for rows.Next() {
		var full string
		var raw []byte
		if err := rows.Scan(&full, &raw); err != nil {
			return nil, err
		}
		found = true
		insert(doc, strings.Split(strings.TrimPrefix(full, path+"."), "."), json.RawMessage(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, store.ErrNotFound
	}
	return json.Marshal(doc)
}

func insert(doc map[string]any, parts []string, value json.RawMessage) {
	if len(parts) == 1 {
		doc[parts[0]] = value
		return
	}
	child, ok := doc[parts[0]].(map[string]any)
	if !ok {
		child = make(map[string]any)
		doc[parts[0]] = child
	}
	insert(child, parts[1:], value)
}

func upsert(ctx context.Context, db queryable, path string, raw []byte) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO documents (path, value, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (path) DO UPDATE SET value = $2, updated_at = CURRENT_TIMESTAMP
	`, path, string(raw))
	if err != nil {
		return fmt.Errorf("storing %s: %w", path, err)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return r.Replace(s)
}
