package store

import (
	"bytes"
	"context"
	"fmt"

	"github.com/mtzanidakis/treeherd/internal/storage"
)

func (s *Store) Append(ctx context.Context, key string, line []byte) error {
	k, err := storage.CleanKey(key)
	if err != nil {
		return err
	}
	if bytes.ContainsRune(line, '\n') {
		return fmt.Errorf("append %s: record contains a newline", key)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO log_lines (key, line) VALUES (?, ?)`, k, line); err != nil {
		return fmt.Errorf("append log line: %w", err)
	}
	return nil
}

func (s *Store) ReadLog(ctx context.Context, key string) ([][]byte, error) {
	k, err := storage.CleanKey(key)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT line FROM log_lines WHERE key = ? ORDER BY id`, k)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer rows.Close()

	var lines [][]byte
	for rows.Next() {
		var line []byte
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
