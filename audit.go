package credguard

import (
	"io"
	"log/slog"

	"github.com/wareops/credguard/internal/audit"
)

// Audit types are shared with the internal dispatcher so sinks written
// against credguard plug in unchanged.
type (
	AuditEvent     = audit.Event
	AuditSink      = audit.Sink
	NoOpSink       = audit.NoOpSink
	ChannelSink    = audit.ChannelSink
	JSONWriterSink = audit.JSONWriterSink
	SlogSink       = audit.SlogSink
)

func NewChannelSink(buffer int) *ChannelSink {
	return audit.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	return audit.NewSlogSink(logger)
}
