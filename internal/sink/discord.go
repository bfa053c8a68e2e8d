package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/ppiankov/feedbridge/internal/bridge"
)

const (
	discordTimeout = 30 * time.Second
	// discordEmbedLimit is the embed description limit.
	discordEmbedLimit = 4096
	// DiscordMaxAttachment is the upload limit for unboosted servers.
	DiscordMaxAttachment = 10 << 20
	discordEmbedColor    = 0x0099ff
)

// DiscordOptions configure the Discord sink.
type DiscordOptions struct {
	// BotToken enables channel id destinations. Webhook URLs work without it.
	BotToken string
	// Username overrides the webhook display name.
	Username string
	// MaxBytes <= 0 selects DiscordMaxAttachment.
	MaxBytes int64
	Client   *http.Client
}

// Discord posts embeds to Discord. A destination ref is either a webhook URL
// (https://discord.com/api/webhooks/<id>/<token>) or a channel id, which
// needs a bot token.
type Discord struct {
	session  *discordgo.Session
	username string
	hasBot   bool
	maxBytes int64
}

// NewDiscord creates a Discord sink.
func NewDiscord(opts DiscordOptions) (*Discord, error) {
	token := strings.TrimSpace(opts.BotToken)
	if token != "" && !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	session, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.ShouldRetryOnRateLimit = false
	session.Client = opts.Client
	if session.Client == nil {
		session.Client = &http.Client{Timeout: discordTimeout}
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DiscordMaxAttachment
	}
	return &Discord{
		session:  session,
		username: opts.Username,
		hasBot:   token != "",
		maxBytes: opts.MaxBytes,
	}, nil
}

func (d *Discord) MaxAttachmentBytes() int64 { return d.maxBytes }

// Post sends one embed, with the attachment as a file when present.
func (d *Discord) Post(ctx context.Context, ref string, msg bridge.Message) error {
	embed := &discordgo.MessageEmbed{
		Description: truncate(msg.Text, discordEmbedLimit),
		URL:         msg.URL,
		Color:       discordEmbedColor,
	}
	if !msg.Timestamp.IsZero() {
		embed.Timestamp = msg.Timestamp.UTC().Format(time.RFC3339)
	}

	var files []*discordgo.File
	if msg.Media != nil {
		name := fileName(msg.Media)
		if msg.Media.Kind == bridge.MediaPhoto {
			embed.Image = &discordgo.MessageEmbedImage{URL: "attachment://" + name}
		}
		files = []*discordgo.File{{
			Name:        name,
			ContentType: contentType(msg.Media),
			Reader:      bytes.NewReader(msg.Media.Data),
		}}
	}

	opt := discordgo.WithContext(ctx)
	if webhookID, token, ok := parseWebhook(ref); ok {
		_, err := d.session.WebhookExecute(webhookID, token, false, &discordgo.WebhookParams{
			Username: d.username,
			Embeds:   []*discordgo.MessageEmbed{embed},
			Files:    files,
		}, opt)
		return discordError("webhook", err)
	}

	if !isSnowflake(ref) {
		return fmt.Errorf("%w: discord: want a webhook URL or channel id, got %q", bridge.ErrPermanent, ref)
	}
	if !d.hasBot {
		return fmt.Errorf("%w: discord: channel %s needs discord.bot_token_env", bridge.ErrPermanent, ref)
	}
	_, err := d.session.ChannelMessageSendComplex(ref, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embed},
		Files:  files,
	}, opt)
	return discordError("channel "+ref, err)
}

// discordError maps discordgo errors onto the bridge sentinels.
func discordError(op string, err error) error {
	if err == nil {
		return nil
	}
	err = fmt.Errorf("discord: %s: %w", op, err)

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeRequestEntityTooLarge {
			return fmt.Errorf("%w: %w", bridge.ErrPayloadTooLarge, err)
		}
		if restErr.Response != nil {
			return classifyStatus(restErr.Response.StatusCode, err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", bridge.ErrTransient, err)
}

// parseWebhook extracts the id and token from a webhook URL.
func parseWebhook(ref string) (id, token string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], true
		}
	}
	return "", "", false
}

func isSnowflake(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
