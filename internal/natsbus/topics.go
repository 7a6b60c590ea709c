package natsbus

// Request/reply subjects. Each caller publishes on its own subject so the
// responder knows who is asking; agents use their agent id, humans "cli".

const (
	TopicIPCPrefix = "treeherd.ipc."
	TopicIPCAll    = TopicIPCPrefix + "*"

	// TopicSweep carries one event per sweep that retired agents.
	TopicSweep = "treeherd.events.sweep"
)

func TopicIPC(caller string) string {
	return TopicIPCPrefix + caller
}
