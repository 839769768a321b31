// ABOUTME: Event records for executed tool calls and trust evaluations
// ABOUTME: Writers must never block the caller; events are best-effort

package events

import (
	"log/slog"
	"time"
)

// Kinds of events.
const (
	KindToolCall        = "tool_call"
	KindTrustEvaluation = "trust_evaluation"
)

// Sources of events.
const (
	SourceMCP = "mcp"
	SourceAPI = "api"
)

// Event is one governed tool call or trust decision.
type Event struct {
	ID             string
	Kind           string
	Timestamp      time.Time
	Source         string
	AgentID        string
	ToolName       string
	CallID         string
	ConversationID string
	TokenID        string
	TeamID         string
	UserID         string

	// Tool call outcome.
	IsError bool
	Error   string

	// Trust outcome.
	Trusted  bool
	Blocked  bool
	Sanitize bool
	Reason   string
	PolicyID string

	LatencyMs float32
}

// Writer persists events. Write must never block the caller.
type Writer interface {
	Write(event *Event)
	Close()
}

// LogWriter is a fallback Writer that logs events.
type LogWriter struct {
	logger *slog.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *slog.Logger) *LogWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogWriter{logger: logger.With("component", "events")}
}

func (w *LogWriter) Write(event *Event) {
	w.logger.Info(event.Kind,
		"event_id", event.ID,
		"source", event.Source,
		"agent_id", event.AgentID,
		"tool_name", event.ToolName,
		"call_id", event.CallID,
		"is_error", event.IsError,
		"trusted", event.Trusted,
		"blocked", event.Blocked,
		"sanitize", event.Sanitize,
		"reason", event.Reason,
		"latency_ms", event.LatencyMs,
	)
}

func (w *LogWriter) Close() {}

// NopWriter discards events.
type NopWriter struct{}

func (NopWriter) Write(*Event) {}
func (NopWriter) Close()       {}
