package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mtzanidakis/treeherd/internal/storage"
)

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := storage.CleanKey(key)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.db.QueryRowContext(ctx, `SELECT data FROM records WHERE key = ?`, k).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return data, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	k, err := storage.CleanKey(key)
	if err != nil {
		return err
	}
	if err := upsert(ctx, s.db, k, data); err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, key string, data []byte) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO records (key, data, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP`,
		key, data)
	return err
}

// Update holds a write transaction (BEGIN IMMEDIATE) for the duration of fn,
// which also excludes other processes using the same database file.
func (s *Store) Update(ctx context.Context, key string, fn storage.UpdateFunc) (err error) {
	k, err := storage.CleanKey(key)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(k)
	defer unlock()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		}
	}()

	var current []byte
	err = conn.QueryRowContext(ctx, `SELECT data FROM records WHERE key = ?`, k).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("get record: %w", err)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next != nil {
		if err := upsert(ctx, conn, k, next); err != nil {
			return fmt.Errorf("put record: %w", err)
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	pfx := strings.TrimSuffix(prefix, "/")
	if pfx != "" {
		var err error
		if pfx, err = storage.CleanKey(pfx); err != nil {
			return nil, err
		}
	}

	pattern := "%"
	if pfx != "" {
		pattern = escapeLike(pfx) + "/%"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM records WHERE key LIKE ? ESCAPE '\'
		UNION
		SELECT DISTINCT key FROM log_lines WHERE key LIKE ? ESCAPE '\'`,
		pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		rest := key
		if pfx != "" {
			rest = strings.TrimPrefix(key, pfx+"/")
		}
		child, _, _ := strings.Cut(rest, "/")
		if pfx != "" {
			child = pfx + "/" + child
		}
		seen[child] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
