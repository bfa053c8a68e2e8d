package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/ppiankov/feedbridge/internal/bridge"
)

// MattermostMaxAttachment matches the server's default MaxFileSize.
const MattermostMaxAttachment = 100 << 20

// Mattermost posts to Mattermost channels as a bot or user token. The
// destination ref is the channel id.
type Mattermost struct {
	client   *model.Client4
	maxBytes int64
	log      zerolog.Logger
}

// NewMattermost creates a Mattermost sink for serverURL.
func NewMattermost(serverURL, token string, maxBytes int64, log zerolog.Logger) (*Mattermost, error) {
	serverURL = strings.TrimRight(strings.TrimSpace(serverURL), "/")
	if serverURL == "" {
		return nil, errors.New("mattermost: server URL is required")
	}
	if token == "" {
		return nil, errors.New("mattermost: token is required")
	}
	if maxBytes <= 0 {
		maxBytes = MattermostMaxAttachment
	}
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(token)
	return &Mattermost{
		client:   client,
		maxBytes: maxBytes,
		log:      log.With().Str("component", "mattermost").Logger(),
	}, nil
}

func (m *Mattermost) MaxAttachmentBytes() int64 { return m.maxBytes }

// Post uploads the attachment first, then creates the post referencing it.
func (m *Mattermost) Post(ctx context.Context, ref string, msg bridge.Message) error {
	if ref == "" {
		return fmt.Errorf("%w: mattermost: channel id required", bridge.ErrPermanent)
	}

	post := &model.Post{
		ChannelId: ref,
		Message:   truncate(msg.Text, model.PostMessageMaxRunesV2),
	}

	if msg.Media != nil {
		fileID, err := m.upload(ctx, ref, msg.Media)
		if err != nil {
			return err
		}
		post.FileIds = []string{fileID}
	}

	if _, resp, err := m.client.CreatePost(ctx, post); err != nil {
		return mattermostError("create post", resp, err)
	}
	return nil
}

func (m *Mattermost) upload(ctx context.Context, channelID string, a *bridge.Attachment) (string, error) {
	fileUploadResp, resp, err := m.client.UploadFile(ctx, a.Data, channelID, fileName(a))
	if err != nil {
		return "", mattermostError("upload file", resp, err)
	}
	if len(fileUploadResp.FileInfos) == 0 {
		return "", errors.New("mattermost: no file info returned from upload")
	}
	m.log.Debug().Str("file_id", fileUploadResp.FileInfos[0].Id).Int("bytes", len(a.Data)).Msg("Uploaded attachment")
	return fileUploadResp.FileInfos[0].Id, nil
}

func mattermostError(op string, resp *model.Response, err error) error {
	err = fmt.Errorf("mattermost: %s: %w", op, err)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	var appErr *model.AppError
	if status == 0 && errors.As(err, &appErr) {
		status = appErr.StatusCode
	}
	return classifyStatus(status, err)
}
