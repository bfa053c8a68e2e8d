package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

const (
	DefaultPacing      = 500 * time.Millisecond
	DefaultSendTimeout = 30 * time.Second
)

// Attachment is fetched media ready to post.
type Attachment struct {
	Kind     MediaKind
	Name     string
	MimeType string
	Data     []byte
}

// Message is the payload handed to a sink.
type Message struct {
	Text      string
	Timestamp time.Time
	URL       string
	Media     *Attachment
}

// SinkDispatcher posts messages to one kind of destination system.
// Post must wrap ErrPayloadTooLarge when the destination rejects the size of
// the payload and ErrPermanent for failures that will not heal on retry.
type SinkDispatcher interface {
	Post(ctx context.Context, ref string, msg Message) error
	// MaxAttachmentBytes is the largest attachment the destination accepts,
	// or 0 when unknown.
	MaxAttachmentBytes() int64
}

// Destination binds a configured destination name to a sink and the
// sink-specific reference (webhook URL, channel id, room id).
type Destination struct {
	Name string
	Ref  string
	Sink SinkDispatcher
}

// CursorStore is the part of the state the dispatcher advances.
type CursorStore interface {
	MarkProcessed(sourceID string, item Item)
}

// OutcomeKind classifies the result of sending one item.
type OutcomeKind int

const (
	Sent OutcomeKind = iota
	SentWithoutMedia
	Skipped
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Sent:
		return "sent"
	case SentWithoutMedia:
		return "sent_without_media"
	case Skipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Outcome is the result of Dispatcher.Send. Err is set for Failed and
// carries the media guard error for SentWithoutMedia when there was one.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

// Delivered reports whether the item reached its destination.
func (o Outcome) Delivered() bool {
	return o.Kind == Sent || o.Kind == SentWithoutMedia
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Sources      []Source
	Destinations map[string]Destination
	Guard        *MediaGuard

	// Render builds the message text. Defaults to the item body prefixed
	// with the source name.
	Render func(Source, Item) string
	// Transform rewrites the item body before rendering, e.g. redaction.
	Transform func(string) string

	Pacing        time.Duration
	SendTimeout   time.Duration
	MediaEnabled  bool
	MediaMaxBytes int64
	MediaTimeout  time.Duration

	Logger zerolog.Logger
}

// Dispatcher sends items to their destinations one at a time.
type Dispatcher struct {
	sources      map[string]Source
	destinations map[string]Destination
	guard        *MediaGuard
	render       func(Source, Item) string
	transform    func(string) string

	pacing        time.Duration
	sendTimeout   time.Duration
	mediaEnabled  bool
	mediaMaxBytes int64
	mediaTimeout  time.Duration

	// sleep is the pacing wait; tests replace it.
	sleep func(ctx context.Context, d time.Duration)
	log   zerolog.Logger
}

// NewDispatcher validates that every source points at a known destination.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	d := &Dispatcher{
		sources:       make(map[string]Source, len(opts.Sources)),
		destinations:  opts.Destinations,
		guard:         opts.Guard,
		render:        opts.Render,
		transform:     opts.Transform,
		pacing:        opts.Pacing,
		sendTimeout:   opts.SendTimeout,
		mediaEnabled:  opts.MediaEnabled && opts.Guard != nil,
		mediaMaxBytes: opts.MediaMaxBytes,
		mediaTimeout:  opts.MediaTimeout,
		sleep:         sleepContext,
		log:           opts.Logger.With().Str("component", "dispatcher").Logger(),
	}
	if d.destinations == nil {
		d.destinations = map[string]Destination{}
	}
	if d.render == nil {
		d.render = plainText
	}
	if d.transform == nil {
		d.transform = func(s string) string { return s }
	}
	if d.pacing < 0 {
		d.pacing = 0
	}
	if d.sendTimeout <= 0 {
		d.sendTimeout = DefaultSendTimeout
	}
	if d.mediaMaxBytes <= 0 {
		d.mediaMaxBytes = DefaultMediaMaxBytes
	}
	if d.mediaTimeout <= 0 {
		d.mediaTimeout = DefaultMediaTimeout
	}

	for _, src := range opts.Sources {
		if _, ok := d.destinations[src.Destination]; !ok {
			return nil, fmt.Errorf("source %s: unknown destination %q", src.ID, src.Destination)
		}
		d.sources[src.ID] = src
	}
	return d, nil
}

// Send delivers one item and, on success, marks it processed in cursors and
// waits out the pacing delay. The send itself is not interrupted by ctx
// cancellation; it is bounded by the send timeout instead.
func (d *Dispatcher) Send(ctx context.Context, cursors CursorStore, item Item) Outcome {
	log := d.log.With().Str("item", item.Fingerprint().String()).Logger()

	src, ok := d.sources[item.SourceID]
	if !ok {
		return Outcome{Kind: Failed, Err: fmt.Errorf("%w: unknown source %q", ErrPermanent, item.SourceID)}
	}
	dest, ok := d.destinations[src.Destination]
	if !ok || dest.Sink == nil {
		return Outcome{Kind: Failed, Err: fmt.Errorf("%w: unknown destination %q", ErrPermanent, src.Destination)}
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.sendTimeout)
	defer cancel()

	rendered := item
	rendered.Body = d.transform(item.Body)
	msg := Message{
		Text:      d.render(src, rendered),
		Timestamp: item.Timestamp,
		URL:       item.URL,
	}
	hasText := strings.TrimSpace(msg.Text) != ""

	var mediaErr error
	degraded := false
	if item.Media.Kind != MediaNone {
		if d.mediaEnabled {
			msg.Media, mediaErr = d.fetchMedia(sendCtx, dest, item)
			if mediaErr != nil {
				log.Warn().Err(mediaErr).Str("media", item.Media.Kind.String()).Msg("Media unavailable, sending text only")
			}
		}
		degraded = msg.Media == nil
	}

	// media-only items still render a header, so only an empty render is skipped
	if !hasText && msg.Media == nil {
		return Outcome{Kind: Skipped, Err: mediaErr}
	}

	err := dest.Sink.Post(sendCtx, dest.Ref, msg)
	if err != nil && errors.Is(err, ErrPayloadTooLarge) && msg.Media != nil {
		log.Warn().Err(err).Msg("Destination rejected attachment size, retrying text only")
		mediaErr = err
		msg.Media = nil
		degraded = true
		if !hasText {
			return Outcome{Kind: Skipped, Err: err}
		}
		err = dest.Sink.Post(sendCtx, dest.Ref, msg)
	}
	if err != nil {
		return Outcome{Kind: Failed, Err: err}
	}

	cursors.MarkProcessed(item.SourceID, item)
	d.sleep(ctx, d.pacing)

	if degraded {
		return Outcome{Kind: SentWithoutMedia, Err: mediaErr}
	}
	return Outcome{Kind: Sent}
}

func (d *Dispatcher) fetchMedia(ctx context.Context, dest Destination, item Item) (*Attachment, error) {
	limit := d.mediaMaxBytes
	if sinkLimit := dest.Sink.MaxAttachmentBytes(); sinkLimit > 0 && sinkLimit < limit {
		limit = sinkLimit
	}
	data, err := d.guard.Fetch(ctx, item, limit, d.mediaTimeout)
	if err != nil {
		return nil, err
	}
	d.log.Debug().
		Str("item", item.Fingerprint().String()).
		Str("limit", humanize.IBytes(uint64(limit))).
		Msg("Attaching media")
	return &Attachment{
		Kind:     item.Media.Kind,
		Name:     attachmentName(item),
		MimeType: item.Media.MimeType,
		Data:     data,
	}, nil
}

func attachmentName(item Item) string {
	if item.Media.Name != "" {
		return item.Media.Name
	}
	switch item.Media.Kind {
	case MediaPhoto:
		return item.ItemID + ".jpg"
	case MediaVideo:
		return item.ItemID + ".mp4"
	default:
		return item.ItemID + ".bin"
	}
}

func plainText(src Source, item Item) string {
	name := src.Name
	if name == "" {
		name = src.ID
	}
	if strings.TrimSpace(item.Body) == "" {
		return name
	}
	return name + "\n\n" + item.Body
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
