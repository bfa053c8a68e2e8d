package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/ppiankov/feedbridge/internal/bridge"
)

const (
	// MatrixMaxAttachment is the common homeserver m.upload.size default.
	MatrixMaxAttachment = 50 << 20
	// matrixTextLimit keeps events well under the 64 KiB event size cap.
	matrixTextLimit = 16000
)

// Matrix posts to Matrix rooms. The destination ref is the room id.
type Matrix struct {
	client   *mautrix.Client
	maxBytes int64
}

// NewMatrix creates a Matrix sink logged in with an access token.
func NewMatrix(homeserver, userID, token string, maxBytes int64, log zerolog.Logger) (*Matrix, error) {
	if strings.TrimSpace(homeserver) == "" {
		return nil, errors.New("matrix: homeserver is required")
	}
	if token == "" {
		return nil, errors.New("matrix: access token is required")
	}
	client, err := mautrix.NewClient(homeserver, id.UserID(userID), token)
	if err != nil {
		return nil, fmt.Errorf("matrix: %w", err)
	}
	client.Log = log.With().Str("component", "matrix").Logger()
	if maxBytes <= 0 {
		maxBytes = MatrixMaxAttachment
	}
	return &Matrix{client: client, maxBytes: maxBytes}, nil
}

func (m *Matrix) MaxAttachmentBytes() int64 { return m.maxBytes }

// Post sends a single m.room.message. With an attachment the text becomes
// the media caption.
func (m *Matrix) Post(ctx context.Context, ref string, msg bridge.Message) error {
	if !strings.HasPrefix(ref, "!") {
		return fmt.Errorf("%w: matrix: room id required, got %q", bridge.ErrPermanent, ref)
	}

	content := format.RenderMarkdown(truncate(msg.Text, matrixTextLimit), true, false)

	if a := msg.Media; a != nil {
		mime := contentType(a)
		name := fileName(a)
		uploaded, err := m.client.UploadBytesWithName(ctx, a.Data, mime, name)
		if err != nil {
			return matrixError("upload", err)
		}
		content.MsgType = matrixMsgType(a.Kind)
		content.URL = uploaded.ContentURI.CUString()
		content.FileName = name
		content.Info = &event.FileInfo{MimeType: mime, Size: len(a.Data)}
	}

	if _, err := m.client.SendMessageEvent(ctx, id.RoomID(ref), event.EventMessage, &content); err != nil {
		return matrixError("send", err)
	}
	return nil
}

func matrixMsgType(kind bridge.MediaKind) event.MessageType {
	switch kind {
	case bridge.MediaPhoto:
		return event.MsgImage
	case bridge.MediaVideo:
		return event.MsgVideo
	default:
		return event.MsgFile
	}
}

func matrixError(op string, err error) error {
	err = fmt.Errorf("matrix: %s: %w", op, err)
	switch {
	case errors.Is(err, mautrix.MTooLarge):
		return fmt.Errorf("%w: %w", bridge.ErrPayloadTooLarge, err)
	case errors.Is(err, mautrix.MForbidden), errors.Is(err, mautrix.MUnknownToken), errors.Is(err, mautrix.MNotFound):
		return fmt.Errorf("%w: %w", bridge.ErrPermanent, err)
	}
	if status := matrixStatus(err); status != 0 {
		return classifyStatus(status, err)
	}
	return fmt.Errorf("%w: %w", bridge.ErrTransient, err)
}

func matrixStatus(err error) int {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		return httpErr.Response.StatusCode
	}
	var httpErrPtr *mautrix.HTTPError
	if errors.As(err, &httpErrPtr) && httpErrPtr.Response != nil {
		return httpErrPtr.Response.StatusCode
	}
	return 0
}

