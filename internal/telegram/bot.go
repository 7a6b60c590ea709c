// Package telegram pushes severe findings and failing agents to a Telegram
// chat so an operator hears about them without polling task status.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/treeherd/internal/config"
	"github.com/mtzanidakis/treeherd/internal/eventlog"
	"github.com/mtzanidakis/treeherd/internal/natsbus"
	"github.com/mtzanidakis/treeherd/internal/orchestrator"
)

const (
	maxMessageLen = 4096
	sendTimeout   = 10 * time.Second
)

type sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

type Notifier struct {
	bot         sender
	chatID      int64
	minSeverity eventlog.Severity
}

func NewNotifier(cfg config.TelegramConfig) (*Notifier, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return newNotifier(bot, cfg)
}

func newNotifier(bot sender, cfg config.TelegramConfig) (*Notifier, error) {
	sev, err := eventlog.ParseSeverity(cfg.MinSeverity)
	if err != nil {
		return nil, err
	}
	return &Notifier{bot: bot, chatID: cfg.ChatID, minSeverity: sev}, nil
}

// Attach subscribes to finding and progress events on the bus.
func (n *Notifier) Attach(client *natsbus.Client) error {
	for _, kind := range []string{orchestrator.EventFinding, orchestrator.EventProgress} {
		_, err := client.Subscribe(orchestrator.EventTopic(kind), func(msg *nats.Msg) {
			n.handle(msg.Data)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", kind, err)
		}
	}
	slog.Info("telegram notifications enabled", "chat", n.chatID, "min_severity", n.minSeverity)
	return nil
}

func (n *Notifier) handle(data []byte) {
	text, ok := n.format(data)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := n.SendMessage(ctx, text); err != nil {
		slog.Error("failed to send telegram message", "chat", n.chatID, "error", err)
	}
}

type rawEvent struct {
	Type    string          `json:"type"`
	TaskID  string          `json:"task_id"`
	AgentID string          `json:"agent_id"`
	Data    json.RawMessage `json:"data"`
}

// format renders an event worth notifying about. Findings below the
// configured severity and progress other than error or blocked are skipped.
func (n *Notifier) format(data []byte) (string, bool) {
	var ev rawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("invalid event", "error", err)
		return "", false
	}

	switch ev.Type {
	case orchestrator.EventFinding:
		var f eventlog.Finding
		if err := json.Unmarshal(ev.Data, &f); err != nil {
			return "", false
		}
		if severityRank(f.Severity) < severityRank(n.minSeverity) {
			return "", false
		}
		return fmt.Sprintf("[%s] %s from %s\ntask: %s\n\n%s", f.Severity, f.FindingType, ev.AgentID, ev.TaskID, f.Message), true

	case orchestrator.EventProgress:
		var p eventlog.Progress
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return "", false
		}
		if p.Status != "error" && p.Status != "blocked" {
			return "", false
		}
		text := fmt.Sprintf("[%s] agent %s at %d%%\ntask: %s", p.Status, ev.AgentID, p.Progress, ev.TaskID)
		if p.Message != "" {
			text += "\n\n" + p.Message
		}
		return text, true
	}
	return "", false
}

func severityRank(s eventlog.Severity) int {
	switch s {
	case eventlog.SeverityLow:
		return 0
	case eventlog.SeverityMedium:
		return 1
	case eventlog.SeverityHigh:
		return 2
	case eventlog.SeverityCritical:
		return 3
	}
	return 1
}

func (n *Notifier) SendMessage(ctx context.Context, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		if _, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(n.chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// chunkMessage splits text into pieces of at most maxLen bytes, preferring
// to break after a newline, then after a space, in the back half of a piece.
// Breaks never land inside a UTF-8 sequence.
func chunkMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if i := strings.LastIndexByte(text[:cut], '\n'); i >= maxLen/2 {
			cut = i + 1
		} else if i := strings.LastIndexByte(text[:cut], ' '); i >= maxLen/2 {
			cut = i + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}
