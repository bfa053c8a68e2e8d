// Package sink implements bridge.SinkDispatcher for Discord webhooks,
// Mattermost channels, Matrix rooms and the log.
package sink

import (
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/ppiankov/feedbridge/internal/bridge"
)

// Sink kinds as used in config.
const (
	KindDiscord    = "discord"
	KindMattermost = "mattermost"
	KindMatrix     = "matrix"
	KindLog        = "log"
)

const ellipsis = "..."

// truncate cuts s to at most limit runes, ending in "..." when cut.
func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	if limit <= len(ellipsis) {
		return string([]rune(s)[:limit])
	}
	return string([]rune(s)[:limit-len(ellipsis)]) + ellipsis
}

// classifyStatus wraps err with the bridge sentinel matching an HTTP status.
func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %w", bridge.ErrPayloadTooLarge, err)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %w", bridge.ErrTransient, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden ||
		status == http.StatusNotFound || status == http.StatusBadRequest:
		return fmt.Errorf("%w: %w", bridge.ErrPermanent, err)
	default:
		return err
	}
}

func fileName(a *bridge.Attachment) string {
	if a.Name != "" {
		return a.Name
	}
	switch a.Kind {
	case bridge.MediaPhoto:
		return "photo.jpg"
	case bridge.MediaVideo:
		return "video.mp4"
	default:
		return "file"
	}
}

func contentType(a *bridge.Attachment) string {
	if a.MimeType != "" {
		return a.MimeType
	}
	return http.DetectContentType(a.Data)
}
