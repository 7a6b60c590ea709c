// Command thctl talks to a running treeherd over NATS. Agents call it from
// inside their sessions to report progress and spawn children; operators
// use it to inspect tasks.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

const requestTimeout = 90 * time.Second

type ipcRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type ipcResponse struct {
	OK      bool            `json:"ok"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Details map[string]any  `json:"details,omitempty"`
}

func sendIPC(natsURL, caller, reqType string, payload map[string]any) (*ipcResponse, error) {
	conn, err := nats.Connect(natsURL, nats.Name("thctl"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	topic := "treeherd.ipc." + caller
	data, err := json.Marshal(ipcRequest{Type: reqType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := conn.Request(topic, data, requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}

	var resp ipcResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

// env is what thctl reads from its environment. Sessions started by
// treeherd have TaskID and AgentID set.
type env struct {
	NATSURL string
	TaskID  string
	AgentID string
}

func loadEnv() env {
	e := env{
		NATSURL: os.Getenv("TREEHERD_NATS_URL"),
		TaskID:  os.Getenv("TREEHERD_TASK_ID"),
		AgentID: os.Getenv("TREEHERD_AGENT_ID"),
	}
	if e.NATSURL == "" {
		e.NATSURL = "nats://localhost:4222"
	}
	return e
}

func (e env) caller() string {
	if e.AgentID != "" {
		return e.AgentID
	}
	return "cli"
}

var errUsage = errors.New("usage")

// buildRequest maps a command line onto an IPC request type and payload.
func buildRequest(command string, rest []string, e env) (string, map[string]any, error) {
	args := parseArgs(rest)
	task := args["task"]
	if task == "" {
		task = e.TaskID
	}
	requireTask := func() error {
		if task == "" {
			return errors.New("--task is required (or set TREEHERD_TASK_ID)")
		}
		return nil
	}

	switch command {
	case "create":
		if args["description"] == "" {
			return "", nil, errors.New("--description is required")
		}
		return "create_task", map[string]any{
			"description": args["description"],
			"priority":    args["priority"],
		}, nil

	case "deploy":
		if err := requireTask(); err != nil {
			return "", nil, err
		}
		if args["type"] == "" || args["prompt"] == "" {
			return "", nil, errors.New("--type and --prompt are required")
		}
		return "deploy_agent", map[string]any{
			"task_id":    task,
			"agent_type": args["type"],
			"prompt":     args["prompt"],
			"parent":     args["parent"],
			"work_dir":   args["workdir"],
		}, nil

	case "spawn":
		if err := requireTask(); err != nil {
			return "", nil, err
		}
		if args["type"] == "" || args["prompt"] == "" {
			return "", nil, errors.New("--type and --prompt are required")
		}
		parent := args["parent"]
		if parent == "" {
			parent = e.AgentID
		}
		if parent == "" {
			return "", nil, errors.New("--parent is required outside an agent session")
		}
		return "spawn_child", map[string]any{
			"task_id":          task,
			"parent_agent_id":  parent,
			"child_agent_type": args["type"],
			"child_prompt":     args["prompt"],
		}, nil

	case "status", "timeline", "tree":
		if err := requireTask(); err != nil {
			return "", nil, err
		}
		types := map[string]string{"status": "task_status", "timeline": "timeline", "tree": "tree"}
		return types[command], map[string]any{"task_id": task}, nil

	case "output", "kill":
		if err := requireTask(); err != nil {
			return "", nil, err
		}
		if args["agent"] == "" {
			return "", nil, errors.New("--agent is required")
		}
		payload := map[string]any{"task_id": task, "agent_id": args["agent"]}
		if command == "kill" {
			payload["reason"] = args["reason"]
			return "kill_agent", payload, nil
		}
		return "agent_output", payload, nil

	case "progress":
		if err := requireTask(); err != nil {
			return "", nil, err
		}
		if args["status"] == "" {
			return "", nil, errors.New("--status is required")
		}
		pct := 0
		if v := args["progress"]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return "", nil, fmt.Errorf("--progress must be a number: %w", err)
			}
			pct = n
		}
		return "progress", map[string]any{
			"task_id":  task,
			"agent_id": args["agent"],
			"status":   args["status"],
			"message":  args["message"],
			"progress": pct,
		}, nil

	case "finding":
		if err := requireTask(); err != nil {
			return "", nil, err
		}
		if args["type"] == "" || args["message"] == "" {
			return "", nil, errors.New("--type and --message are required")
		}
		payload := map[string]any{
			"task_id":      task,
			"agent_id":     args["agent"],
			"finding_type": args["type"],
			"severity":     args["severity"],
			"message":      args["message"],
		}
		if raw := args["data"]; raw != "" {
			var data map[string]any
			if err := json.Unmarshal([]byte(raw), &data); err != nil {
				return "", nil, fmt.Errorf("--data must be a JSON object: %w", err)
			}
			payload["data"] = data
		}
		return "finding", payload, nil

	case "list":
		return "list_tasks", map[string]any{}, nil
	}
	return "", nil, errUsage
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  thctl create --description "..." [--priority P1]`)
	fmt.Fprintln(os.Stderr, `  thctl deploy --task ID --type TYPE --prompt "..." [--parent ID] [--workdir DIR]`)
	fmt.Fprintln(os.Stderr, `  thctl spawn --type TYPE --prompt "..." [--task ID] [--parent ID]`)
	fmt.Fprintln(os.Stderr, `  thctl progress --status working|blocked|completed|error [--message "..."] [--progress N]`)
	fmt.Fprintln(os.Stderr, `  thctl finding --type TYPE --message "..." [--severity LEVEL] [--data JSON]`)
	fmt.Fprintln(os.Stderr, "  thctl status|timeline|tree [--task ID]")
	fmt.Fprintln(os.Stderr, "  thctl output|kill --agent ID [--task ID] [--reason TEXT]")
	fmt.Fprintln(os.Stderr, "  thctl list")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	e := loadEnv()

	reqType, payload, err := buildRequest(os.Args[1], os.Args[2:], e)
	if errors.Is(err, errUsage) {
		usage()
	}
	if err != nil {
		fatal("%v", err)
	}

	resp, err := sendIPC(e.NATSURL, e.caller(), reqType, payload)
	if err != nil {
		fatal("%v", err)
	}
	if !resp.OK {
		fatal("[%s] %s", resp.Code, resp.Error)
	}

	var pretty any
	if err := json.Unmarshal(resp.Result, &pretty); err != nil {
		fatal("decode result: %v", err)
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}
