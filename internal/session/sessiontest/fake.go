// Package sessiontest provides an in-memory session.Backend.
package sessiontest

import (
	"context"
	"errors"
	"sync"

	"github.com/mtzanidakis/treeherd/internal/session"
)

type Fake struct {
	mu       sync.Mutex
	units    map[string]*unit
	started  []session.Spec
	killed   []string
	checks   int
	captures int

	// Unavailable makes Available report false.
	Unavailable bool
	// FailStart makes Start report a non-zero exit with this stderr.
	FailStart string
	// DieOnStart makes started units vanish before the liveness check.
	DieOnStart bool
	// ExistsErr is returned by every Exists call when set.
	ExistsErr error
}

type unit struct {
	spec   session.Spec
	alive  bool
	output string
}

func New() *Fake {
	return &Fake{units: make(map[string]*unit)}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Available(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Unavailable
}

func (f *Fake) Start(_ context.Context, spec session.Spec) (session.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, spec)
	if f.FailStart != "" {
		return session.Result{ReturnCode: 1, Stderr: f.FailStart}, nil
	}
	if u, ok := f.units[spec.Name]; ok && u.alive {
		return session.Result{ReturnCode: 1, Stderr: "duplicate session: " + spec.Name}, nil
	}
	f.units[spec.Name] = &unit{spec: spec, alive: !f.DieOnStart}
	return session.Result{OK: true}, nil
}

func (f *Fake) Exists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if f.ExistsErr != nil {
		return false, f.ExistsErr
	}
	u, ok := f.units[name]
	return ok && u.alive, nil
}

func (f *Fake) Capture(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	u, ok := f.units[name]
	if !ok || !u.alive {
		return "", errors.New("no such session")
	}
	return u.output, nil
}

func (f *Fake) Kill(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[name]
	if !ok || !u.alive {
		return false, nil
	}
	u.alive = false
	f.killed = append(f.killed, name)
	return true, nil
}

// Finish makes a unit disappear as if its command exited.
func (f *Fake) Finish(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.units[name]; ok {
		u.alive = false
	}
}

func (f *Fake) SetOutput(name, output string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.units[name]; ok {
		u.output = output
	}
}

func (f *Fake) Alive(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[name]
	return ok && u.alive
}

func (f *Fake) Started() []session.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Spec(nil), f.started...)
}

func (f *Fake) Killed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...)
}

func (f *Fake) ExistsCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks
}

func (f *Fake) CaptureCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures
}

var _ session.Backend = (*Fake)(nil)
