package orchestrator

import (
	"log/slog"
	"time"
)

// Event kinds published after a state change has been persisted.
const (
	EventTaskCreated   = "task_created"
	EventAgentDeployed = "agent_deployed"
	EventProgress      = "agent_progress"
	EventFinding       = "agent_finding"
	EventAgentKilled   = "agent_killed"
	EventAgentsRetired = "agents_retired"
)

// Event is the envelope of everything the engine publishes. Data is the
// kind's payload: a Deployment, an eventlog.Progress, an eventlog.Finding,
// a KillResult or the list of retired agent ids.
type Event struct {
	Type      string    `json:"type"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Publisher delivers events. *natsbus.Client satisfies it.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// EventTopic is the subject an event kind is published on.
func EventTopic(kind string) string {
	return EventTopicPrefix + kind
}

const (
	EventTopicPrefix = "treeherd.events."
	EventTopicAll    = EventTopicPrefix + ">"
)

// SetPublisher attaches a publisher after construction, for callers that
// connect the bus once the engine exists. Call it before serving requests.
func (e *Engine) SetPublisher(p Publisher) {
	e.pub = p
}

// publish is best effort; a lost event never fails the operation.
func (e *Engine) publish(kind, taskID, agentID string, data any) {
	if e.pub == nil {
		return
	}
	ev := Event{Type: kind, TaskID: taskID, AgentID: agentID, Timestamp: e.now(), Data: data}
	if err := e.pub.PublishJSON(EventTopic(kind), ev); err != nil {
		slog.Warn("publish event failed", "type", kind, "task", taskID, "error", err)
	}
}
