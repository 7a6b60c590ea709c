// Package session runs agent commands in named, detached background units
// (tmux sessions or docker containers) and answers liveness queries about
// them.
package session

import "context"

// Spec describes one unit to start.
type Spec struct {
	Name    string
	Command string // shell command line
	WorkDir string
	// Paths lists host paths the command reads or writes; isolating
	// backends must make them visible at the same location.
	Paths []string
}

// Result mirrors what a shell invocation reports.
type Result struct {
	OK         bool   `json:"ok"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"return_code"`
}

type Backend interface {
	Name() string
	Available(ctx context.Context) bool
	Start(ctx context.Context, spec Spec) (Result, error)
	// Exists reports whether the unit is still alive. An error means the
	// question could not be answered.
	Exists(ctx context.Context, name string) (bool, error)
	Capture(ctx context.Context, name string) (string, error)
	Kill(ctx context.Context, name string) (bool, error)
}

// UnitName is the backend handle of an agent.
func UnitName(agentID string) string {
	return "agent_" + agentID
}
