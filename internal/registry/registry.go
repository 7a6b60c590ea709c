package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/treeherd/internal/config"
	"github.com/mtzanidakis/treeherd/internal/storage"
)

const registryFile = "AGENT_REGISTRY.json"

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrAgentNotFound = errors.New("agent not found")
	ErrIO            = errors.New("registry i/o failure")
)

var taskDirs = []string{"progress", "findings", "logs", "output"}

type Registry struct {
	store  storage.Store
	limits config.LimitsConfig
	root   string
	now    func() time.Time
	locks  *storage.KeyedMutex
}

// New returns a registry persisting through s. root is the workspace
// directory where per-task working directories are created.
func New(s storage.Store, limits config.LimitsConfig, root string, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store:  s,
		limits: limits,
		root:   root,
		now:    now,
		locks:  storage.NewKeyedMutex(),
	}
}

func TaskKey(taskID string) string {
	return path.Join(taskID, registryFile)
}

func DeployLogKey(taskID, agentID string) string {
	return path.Join(taskID, "logs", "deploy_"+agentID+".json")
}

func (r *Registry) Workspace(taskID string) string {
	return filepath.Join(r.root, taskID)
}

type NewTask struct {
	Description string
	Priority    string
	Guidance    Guidance
}

func (r *Registry) Create(ctx context.Context, nt NewTask) (*Task, error) {
	now := r.now()
	id := fmt.Sprintf("TASK-%s-%s", now.Format("20060102-150405"), randomHex(8))

	priority := nt.Priority
	if priority == "" {
		priority = "P2"
	}
	guidance := nt.Guidance
	if guidance.SpecializationDomains == nil {
		guidance.SpecializationDomains = []string{}
	}

	t := &Task{
		ID:            id,
		Description:   nt.Description,
		Priority:      priority,
		CreatedAt:     now,
		Workspace:     r.Workspace(id),
		Status:        TaskInitialized,
		Agents:        []Agent{},
		Hierarchy:     map[string][]string{Orchestrator: {}},
		MaxAgents:     r.limits.MaxAgents,
		MaxConcurrent: r.limits.MaxConcurrent,
		MaxDepth:      r.limits.MaxDepth,
		Guidance:      guidance,
		SpiralChecks:  SpiralChecks{Enabled: true},
	}

	for _, d := range taskDirs {
		if err := os.MkdirAll(filepath.Join(t.Workspace, d), 0o755); err != nil {
			return nil, fmt.Errorf("create task dir: %w: %w", ErrIO, err)
		}
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	if err := r.store.Put(ctx, TaskKey(id), data); err != nil {
		return nil, fmt.Errorf("save task: %w: %w", ErrIO, err)
	}

	err = r.UpdateGlobal(ctx, func(g *Global) {
		g.TotalTasks++
		g.ActiveTasks++
		g.Tasks[id] = TaskSummary{Description: t.Description, CreatedAt: now, Status: t.Status}
	})
	if err != nil {
		return nil, err
	}

	slog.Info("task created", "task", id, "priority", priority)
	return t, nil
}

func (r *Registry) Load(ctx context.Context, taskID string) (*Task, error) {
	if err := ValidateID(taskID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	data, err := r.store.Get(ctx, TaskKey(taskID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w: %w", ErrIO, err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w: %w", taskID, ErrIO, err)
	}
	return &t, nil
}

// Mutate applies fn to the task inside its critical section and persists
// the result. If fn fails nothing is written and its error is returned as is.
func (r *Registry) Mutate(ctx context.Context, taskID string, fn func(*Task) error) (*Task, error) {
	if err := ValidateID(taskID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	// Checked up front so unknown ids never leave lock files behind.
	if _, err := r.store.Get(ctx, TaskKey(taskID)); errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	unlock := r.locks.Lock(taskID)
	defer unlock()

	var (
		out   *Task
		fnErr error
	)
	err := r.store.Update(ctx, TaskKey(taskID), func(cur []byte) ([]byte, error) {
		if cur == nil {
			fnErr = fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
			return nil, fnErr
		}
		var t Task
		if err := json.Unmarshal(cur, &t); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", taskID, err)
		}
		if err := fn(&t); err != nil {
			fnErr = err
			return nil, err
		}
		data, err := json.MarshalIndent(&t, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal task: %w", err)
		}
		out = &t
		return data, nil
	})
	if fnErr != nil {
		return nil, fnErr
	}
	if err != nil {
		return nil, fmt.Errorf("update task: %w: %w", ErrIO, err)
	}
	return out, nil
}

// PutRecord writes an auxiliary JSON record (deployment logs and the like).
func (r *Registry) PutRecord(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := r.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("save record: %w: %w", ErrIO, err)
	}
	return nil
}

// NewAgentID builds "<type>-HHMMSS-<6 hex>".
func (r *Registry) NewAgentID(agentType string) string {
	return fmt.Sprintf("%s-%s-%s", agentType, r.now().Format("150405"), randomHex(6))
}

func randomHex(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

// ValidateID accepts the labels used for task ids, agent ids and agent types:
// letters, digits, '-' and '_', starting with a letter or digit.
func ValidateID(s string) error {
	if s == "" || len(s) > 128 {
		return fmt.Errorf("invalid identifier %q", s)
	}
	for i, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case (c == '-' || c == '_') && i > 0:
		default:
			return fmt.Errorf("invalid identifier %q", s)
		}
	}
	return nil
}
