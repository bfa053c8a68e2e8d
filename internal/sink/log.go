package sink

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/ppiankov/feedbridge/internal/bridge"
)

// Log writes messages to the logger instead of delivering them. It backs
// the "log" destination kind and --dry-run.
type Log struct {
	log zerolog.Logger
}

// NewLog creates a log sink.
func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log.With().Str("component", "log_sink").Logger()}
}

func (l *Log) MaxAttachmentBytes() int64 { return 0 }

func (l *Log) Post(_ context.Context, ref string, msg bridge.Message) error {
	ev := l.log.Info().Str("destination", ref).Str("url", msg.URL)
	if !msg.Timestamp.IsZero() {
		ev = ev.Time("item_time", msg.Timestamp)
	}
	if msg.Media != nil {
		ev = ev.Str("media", msg.Media.Kind.String()).Str("media_size", humanize.IBytes(uint64(len(msg.Media.Data))))
	}
	ev.Msg(msg.Text)
	return nil
}
