package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store, mostly useful in tests.
type Memory struct {
	mu      sync.RWMutex
	records map[string][]byte
	logs    map[string][][]byte
	locks   *KeyedMutex
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string][]byte),
		logs:    make(map[string][][]byte),
		locks:   NewKeyedMutex(),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	k, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.records[k]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(data), nil
}

func (m *Memory) Put(_ context.Context, key string, data []byte) error {
	k, err := CleanKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.records[k] = bytes.Clone(data)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Update(ctx context.Context, key string, fn UpdateFunc) error {
	k, err := CleanKey(key)
	if err != nil {
		return err
	}
	unlock := m.locks.Lock(k)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	current, ok := m.records[k]
	m.mu.RUnlock()
	if ok {
		current = bytes.Clone(current)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	m.mu.Lock()
	m.records[k] = bytes.Clone(next)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Append(_ context.Context, key string, line []byte) error {
	k, err := CleanKey(key)
	if err != nil {
		return err
	}
	if bytes.ContainsRune(line, '\n') {
		return fmt.Errorf("append %s: record contains a newline", key)
	}
	m.mu.Lock()
	m.logs[k] = append(m.logs[k], bytes.Clone(line))
	m.mu.Unlock()
	return nil
}

// AppendRaw stores line verbatim, newlines and all. Tests use it to plant
// corrupt log records.
func (m *Memory) AppendRaw(key string, line []byte) {
	m.mu.Lock()
	m.logs[key] = append(m.logs[key], bytes.Clone(line))
	m.mu.Unlock()
}

func (m *Memory) ReadLog(_ context.Context, key string) ([][]byte, error) {
	k, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	lines := m.logs[k]
	out := make([][]byte, 0, len(lines))
	for _, l := range lines {
		out = append(out, bytes.Clone(l))
	}
	return out, nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	pfx, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	collect := func(key string) {
		rest := key
		if pfx != "" {
			if !strings.HasPrefix(key, pfx+"/") {
				return
			}
			rest = strings.TrimPrefix(key, pfx+"/")
		}
		child, _, _ := strings.Cut(rest, "/")
		if pfx != "" {
			child = pfx + "/" + child
		}
		seen[child] = struct{}{}
	}
	for k := range m.records {
		collect(k)
	}
	for k := range m.logs {
		collect(k)
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Close() error {
	return nil
}
