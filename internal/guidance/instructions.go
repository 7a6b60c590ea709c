package guidance

import (
	"fmt"
	"strings"
)

const maxListedRecommendations = 6

const DepthLimitNotice = "DEPTH LIMIT REACHED - Focus on implementation rather than spawning children."

// Orchestration tells an agent at depth how eagerly it should delegate.
func Orchestration(description string, depth, maxDepth int) string {
	if depth >= maxDepth-1 {
		return DepthLimitNotice
	}

	complexity := Complexity(description)
	intensity, children := "may consider", "1-2 child agents"
	switch {
	case complexity >= 15:
		intensity, children = "STRONGLY ENCOURAGED", "3-4 child agents"
	case complexity >= 10:
		intensity, children = "ENCOURAGED", "2-3 child agents"
	}

	recs := Recommendations(description, depth+1)
	if len(recs) > maxListedRecommendations {
		recs = recs[:maxListedRecommendations]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ORCHESTRATION GUIDANCE (depth %d/%d, complexity %d/%d)\n\n", depth, maxDepth, complexity, maxComplexity)
	fmt.Fprintf(&b, "You are %s to spawn specialized child agents.\n\n", intensity)
	b.WriteString("Recommended child specialists:\n")
	for _, r := range recs {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	b.WriteString("\nStrategy:\n")
	b.WriteString("1. Decide whether the work benefits from specialization.\n")
	fmt.Fprintf(&b, "2. Spawn %s, each owning a distinct domain.\n", children)
	b.WriteString("3. Coordinate through progress updates and findings.\n\n")
	b.WriteString("Name children descriptively: css_responsive_specialist rather than css.")
	return b.String()
}

// Params describe one agent. Description is the task's, and drives the
// orchestration guidance; Mission is the agent's own prompt.
type Params struct {
	TaskID      string
	AgentID     string
	AgentType   string
	Parent      string
	Depth       int
	MaxDepth    int
	Workspace   string
	Description string
	Mission     string
}

// Instructions renders the full payload fed to an agent on start.
func Instructions(p Params) string {
	var b strings.Builder

	b.WriteString("You are a headless agent working inside a coordinated agent tree.\n\n")

	b.WriteString("IDENTITY\n")
	fmt.Fprintf(&b, "- Agent ID: %s\n", p.AgentID)
	fmt.Fprintf(&b, "- Agent type: %s\n", p.AgentType)
	fmt.Fprintf(&b, "- Task ID: %s\n", p.TaskID)
	fmt.Fprintf(&b, "- Parent: %s\n", p.Parent)
	fmt.Fprintf(&b, "- Depth: %d\n", p.Depth)
	fmt.Fprintf(&b, "- Workspace: %s\n\n", p.Workspace)

	b.WriteString("MISSION\n")
	b.WriteString(p.Mission)
	b.WriteString("\n\n")

	b.WriteString(Orchestration(p.Description, p.Depth, p.MaxDepth))
	b.WriteString("\n\n")

	b.WriteString("SELF-REPORTING\n")
	b.WriteString("Report through the orchestrator tools (or the equivalent thctl commands; TREEHERD_TASK_ID and TREEHERD_AGENT_ID are already set in your environment).\n\n")

	b.WriteString("1. update_agent_progress  (thctl progress)\n")
	fmt.Fprintf(&b, "   task_id=%q agent_id=%q\n", p.TaskID, p.AgentID)
	b.WriteString("   status: working | blocked | completed | error\n")
	b.WriteString("   message: what you are doing\n")
	b.WriteString("   progress: 0-100\n\n")

	b.WriteString("2. report_agent_finding  (thctl finding)\n")
	fmt.Fprintf(&b, "   task_id=%q agent_id=%q\n", p.TaskID, p.AgentID)
	b.WriteString("   finding_type: issue | solution | insight | recommendation\n")
	b.WriteString("   severity: low | medium | high | critical\n")
	b.WriteString("   message: what you discovered\n")
	b.WriteString("   data: optional JSON object\n\n")

	b.WriteString("3. spawn_child_agent  (thctl spawn)\n")
	fmt.Fprintf(&b, "   task_id=%q parent_agent_id=%q\n", p.TaskID, p.AgentID)
	b.WriteString("   child_agent_type: a descriptive label\n")
	b.WriteString("   child_prompt: the child's mission\n\n")

	b.WriteString("Both reporting calls return the state of every other agent in the task, so use them to avoid duplicate work.\n\n")

	b.WriteString("PROTOCOL\n")
	b.WriteString("1. Start with update_agent_progress status=working progress=0.\n")
	b.WriteString("2. Update progress every few minutes.\n")
	b.WriteString("3. Report findings as soon as you have them.\n")
	b.WriteString("4. Finish with update_agent_progress status=completed progress=100.\n\n")
	b.WriteString("Begin now.\n")
	return b.String()
}
