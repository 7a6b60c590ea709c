// Package eventlog persists the progress and finding records agents report
// about themselves. Each agent has one append-only log per kind inside its
// task; readers tolerate corrupt lines by skipping them.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/mtzanidakis/treeherd/internal/storage"
)

var ErrMalformedEventRecord = errors.New("malformed event record")

const (
	progressDir    = "progress"
	findingsDir    = "findings"
	progressSuffix = "_progress.jsonl"
	findingsSuffix = "_findings.jsonl"
)

type Progress struct {
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agent_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Progress  int       `json:"progress"`
}

type Finding struct {
	Timestamp   time.Time      `json:"timestamp"`
	AgentID     string         `json:"agent_id"`
	FindingType string         `json:"finding_type"`
	Severity    Severity       `json:"severity"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data"`
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, nil
	case "":
		return SeverityMedium, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

func ProgressKey(taskID, agentID string) string {
	return path.Join(taskID, progressDir, agentID+progressSuffix)
}

func FindingsKey(taskID, agentID string) string {
	return path.Join(taskID, findingsDir, agentID+findingsSuffix)
}

type Log struct {
	store storage.Store
}

func New(s storage.Store) *Log {
	return &Log{store: s}
}

func (l *Log) AppendProgress(ctx context.Context, taskID string, p Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := l.store.Append(ctx, ProgressKey(taskID, p.AgentID), data); err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	return nil
}

func (l *Log) AppendFinding(ctx context.Context, taskID string, f Finding) error {
	if f.Data == nil {
		f.Data = map[string]any{}
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal finding: %w", err)
	}
	if err := l.store.Append(ctx, FindingsKey(taskID, f.AgentID), data); err != nil {
		return fmt.Errorf("append finding: %w", err)
	}
	return nil
}

// Snapshot is every readable event of one task, newest first.
type Snapshot struct {
	Progress  []Progress
	Findings  []Finding
	Malformed int
}

func (l *Log) Read(ctx context.Context, taskID string) (*Snapshot, error) {
	snap := &Snapshot{}

	progressKeys, err := l.keys(ctx, path.Join(taskID, progressDir), progressSuffix)
	if err != nil {
		return nil, err
	}
	for _, key := range progressKeys {
		lines, err := l.store.ReadLog(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read progress log: %w", err)
		}
		for i, line := range lines {
			var p Progress
			if err := decode(line, &p, p.valid); err != nil {
				snap.skip(key, i, err)
				continue
			}
			snap.Progress = append(snap.Progress, p)
		}
	}

	findingKeys, err := l.keys(ctx, path.Join(taskID, findingsDir), findingsSuffix)
	if err != nil {
		return nil, err
	}
	for _, key := range findingKeys {
		lines, err := l.store.ReadLog(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read findings log: %w", err)
		}
		for i, line := range lines {
			var f Finding
			if err := decode(line, &f, f.valid); err != nil {
				snap.skip(key, i, err)
				continue
			}
			snap.Findings = append(snap.Findings, f)
		}
	}

	sort.SliceStable(snap.Progress, func(i, j int) bool {
		return snap.Progress[i].Timestamp.After(snap.Progress[j].Timestamp)
	})
	sort.SliceStable(snap.Findings, func(i, j int) bool {
		return snap.Findings[i].Timestamp.After(snap.Findings[j].Timestamp)
	})
	return snap, nil
}

func (l *Log) keys(ctx context.Context, dir, suffix string) ([]string, error) {
	all, err := l.store.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	keys := all[:0]
	for _, k := range all {
		if strings.HasSuffix(k, suffix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *Snapshot) skip(key string, line int, err error) {
	s.Malformed++
	slog.Warn("skipping malformed event record", "key", key, "line", line+1, "error", err)
}

func decode(line []byte, v any, valid func() error) error {
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEventRecord, err)
	}
	if err := valid(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEventRecord, err)
	}
	return nil
}

func (p *Progress) valid() error {
	if p.Timestamp.IsZero() {
		return errors.New("missing timestamp")
	}
	if p.AgentID == "" {
		return errors.New("missing agent_id")
	}
	return nil
}

func (f *Finding) valid() error {
	if f.Timestamp.IsZero() {
		return errors.New("missing timestamp")
	}
	if f.AgentID == "" {
		return errors.New("missing agent_id")
	}
	return nil
}

// RecentProgress returns at most n progress events, newest first.
func (s *Snapshot) RecentProgress(n int) []Progress {
	if len(s.Progress) <= n {
		return append([]Progress{}, s.Progress...)
	}
	return append([]Progress{}, s.Progress[:n]...)
}

// RecentFindings returns at most n findings, newest first.
func (s *Snapshot) RecentFindings(n int) []Finding {
	if len(s.Findings) <= n {
		return append([]Finding{}, s.Findings...)
	}
	return append([]Finding{}, s.Findings[:n]...)
}
