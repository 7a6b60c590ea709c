package eventlog

import (
	"sort"
	"time"
)

const (
	EntryProgress = "progress"
	EntryFinding  = "finding"
)

type TimelineEntry struct {
	EntryType   string         `json:"entry_type"`
	Timestamp   time.Time      `json:"timestamp"`
	AgentID     string         `json:"agent_id"`
	Status      string         `json:"status,omitempty"`
	Message     string         `json:"message"`
	Progress    *int           `json:"progress,omitempty"`
	FindingType string         `json:"finding_type,omitempty"`
	Severity    Severity       `json:"severity,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

type TimelineSpan struct {
	Start *time.Time `json:"start"`
	End   *time.Time `json:"end"`
}

type TimelineSummary struct {
	TotalProgressEntries int          `json:"total_progress_entries"`
	TotalFindings        int          `json:"total_findings"`
	TimelineSpan         TimelineSpan `json:"timeline_span"`
	AgentsActive         int          `json:"agents_active"`
}

// Timeline merges progress and findings oldest first. Entries with equal
// timestamps keep progress ahead of findings.
func (s *Snapshot) Timeline() []TimelineEntry {
	entries := make([]TimelineEntry, 0, len(s.Progress)+len(s.Findings))
	for _, p := range s.Progress {
		pct := p.Progress
		entries = append(entries, TimelineEntry{
			EntryType: EntryProgress,
			Timestamp: p.Timestamp,
			AgentID:   p.AgentID,
			Status:    p.Status,
			Message:   p.Message,
			Progress:  &pct,
		})
	}
	for _, f := range s.Findings {
		entries = append(entries, TimelineEntry{
			EntryType:   EntryFinding,
			Timestamp:   f.Timestamp,
			AgentID:     f.AgentID,
			Message:     f.Message,
			FindingType: f.FindingType,
			Severity:    f.Severity,
			Data:        f.Data,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries
}

func Summarize(entries []TimelineEntry) TimelineSummary {
	var sum TimelineSummary
	agents := make(map[string]struct{})
	for _, e := range entries {
		switch e.EntryType {
		case EntryProgress:
			sum.TotalProgressEntries++
		case EntryFinding:
			sum.TotalFindings++
		}
		agents[e.AgentID] = struct{}{}
	}
	sum.AgentsActive = len(agents)
	if len(entries) > 0 {
		start := entries[0].Timestamp
		end := entries[len(entries)-1].Timestamp
		sum.TimelineSpan = TimelineSpan{Start: &start, End: &end}
	}
	return sum
}
