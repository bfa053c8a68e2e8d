package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ppiankov/feedbridge/internal/bridge"
)

const (
	telegramFetchTimeout = 2 * time.Minute
	maxLineLength        = 1 << 20 // 1 MiB per JSONL line

	// MediaScheme prefixes media references served by the collector.
	MediaScheme = "tg"
)

// execCommand builds collector processes. Tests replace it.
var execCommand = exec.CommandContext

// TelegramConfig holds the collector settings.
type TelegramConfig struct {
	Python     string // interpreter, default python3
	ScriptPath string
	APIID      string
	APIHash    string
	SessionDir string
	Timeout    time.Duration
}

// Telegram reads channels through the Telethon collector script, which owns
// the user session. The script speaks JSONL on stdout.
type Telegram struct {
	cfg TelegramConfig
}

// NewTelegram creates a Telegram fetcher. The script path must point to
// collector_telegram.py.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.ScriptPath) == "" {
		return nil, errors.New("telegram: script path is required")
	}
	if strings.TrimSpace(cfg.APIID) == "" || strings.TrimSpace(cfg.APIHash) == "" {
		return nil, errors.New("telegram: api_id and api_hash are required")
	}
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = telegramFetchTimeout
	}
	return &Telegram{cfg: cfg}, nil
}

// Resolve looks the channel up once; the entity is cached by the engine.
func (ts *Telegram) Resolve(ctx context.Context, ref string) (bridge.Entity, error) {
	ref = NormalizeChannel(ref)
	if ref == "" {
		return bridge.Entity{}, errors.New("telegram: empty channel reference")
	}

	var out bytes.Buffer
	if err := ts.run(ctx, &out, "--resolve", ref); err != nil {
		return bridge.Entity{}, err
	}

	var info telegramEntity
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &info); err != nil {
		return bridge.Entity{}, fmt.Errorf("telegram: parse resolve output: %w", err)
	}
	id := info.Username
	if id == "" {
		id = info.ID
	}
	if id == "" {
		return bridge.Entity{}, fmt.Errorf("telegram: %s: collector returned no id", ref)
	}
	return bridge.Entity{Ref: ref, ID: id, Title: info.Title}, nil
}

// FetchRecent returns the newest limit messages of the channel. Messages
// with ids at or below since are not requested.
func (ts *Telegram) FetchRecent(ctx context.Context, entity bridge.Entity, limit int, since string) ([]bridge.Item, error) {
	args := []string{"--channel", entity.ID, "--limit", strconv.Itoa(limit)}
	if _, err := strconv.ParseUint(since, 10, 64); err == nil {
		args = append(args, "--min-id", since)
	}

	var out bytes.Buffer
	if err := ts.run(ctx, &out, args...); err != nil {
		return nil, err
	}

	items, err := parseJSONL(&out, entity.ID)
	if err != nil {
		return nil, fmt.Errorf("telegram: parse output: %w", err)
	}
	return newest(items, limit), nil
}

// Open streams one message's media from the collector. ref has the form
// tg://<channel>/<msg_id>. The size is not known up front.
func (ts *Telegram) Open(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	channel, msgID, err := parseMediaRef(ref)
	if err != nil {
		return nil, 0, err
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := execCommand(ctx, ts.cfg.Python, ts.args("--download", channel, "--msg-id", msgID)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, 0, fmt.Errorf("telegram: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, 0, startError(err)
	}
	return &processReader{ReadCloser: stdout, cmd: cmd, cancel: cancel}, bridge.UnknownSize, nil
}

func (ts *Telegram) args(extra ...string) []string {
	args := []string{
		ts.cfg.ScriptPath,
		"--api-id", ts.cfg.APIID,
		"--api-hash", ts.cfg.APIHash,
		"--session-dir", ts.cfg.SessionDir,
	}
	return append(args, extra...)
}

func (ts *Telegram) run(ctx context.Context, stdout io.Writer, extra ...string) error {
	ctx, cancel := context.WithTimeout(ctx, ts.cfg.Timeout)
	defer cancel()

	cmd := execCommand(ctx, ts.cfg.Python, ts.args(extra...)...)
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return startError(err)
	}
	if err := cmd.Wait(); err != nil {
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg != "" {
			return fmt.Errorf("telegram: collector failed: %s", errMsg)
		}
		return fmt.Errorf("telegram: collector failed: %w", err)
	}
	return nil
}

func startError(err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("telegram: python3 not found: install Python 3 and Telethon to use telegram sources")
	}
	return fmt.Errorf("telegram: start collector: %w", err)
}

// processReader kills the collector when the reader is closed early.
type processReader struct {
	io.ReadCloser
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

func (r *processReader) Close() error {
	r.cancel()
	_ = r.ReadCloser.Close()
	_ = r.cmd.Wait()
	return nil
}

// telegramEntity is the --resolve output.
type telegramEntity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Title    string `json:"title"`
}

// telegramMessage is the JSONL schema emitted by the Python collector.
type telegramMessage struct {
	Channel string         `json:"channel"`
	MsgID   string         `json:"msg_id"`
	Date    string         `json:"date"`
	Text    string         `json:"text"`
	URL     string         `json:"url"`
	Media   *telegramMedia `json:"media,omitempty"`
}

type telegramMedia struct {
	Kind     string `json:"kind"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// parseJSONL reads JSONL from r and converts each line to an Item. channel
// is used for media references when a line does not name its channel.
func parseJSONL(r io.Reader, channel string) ([]bridge.Item, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, maxLineLength), maxLineLength)

	var items []bridge.Item
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var msg telegramMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, fmt.Errorf("line %d: invalid json: %w", lineNum, err)
		}

		postedAt, err := time.Parse(time.RFC3339, msg.Date)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid date %q: %w", lineNum, msg.Date, err)
		}

		item := bridge.Item{
			ItemID:    msg.MsgID,
			Timestamp: postedAt.UTC(),
			Body:      msg.Text,
			URL:       msg.URL,
		}
		if msg.Media != nil {
			if kind := bridge.ParseMediaKind(msg.Media.Kind); kind != bridge.MediaNone {
				ch := msg.Channel
				if ch == "" {
					ch = channel
				}
				item.Media = bridge.Media{
					Kind:     kind,
					Name:     msg.Media.Name,
					MimeType: msg.Media.MimeType,
					Ref:      mediaRef(ch, msg.MsgID),
				}
			}
		}
		items = append(items, item)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read jsonl: %w", err)
	}

	return items, nil
}

func mediaRef(channel, msgID string) string {
	return MediaScheme + "://" + channel + "/" + msgID
}

func parseMediaRef(ref string) (channel, msgID string, err error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != MediaScheme {
		return "", "", fmt.Errorf("telegram: bad media reference %q", ref)
	}
	channel = u.Host
	msgID = strings.Trim(u.Path, "/")
	if channel == "" || msgID == "" {
		return "", "", fmt.Errorf("telegram: bad media reference %q", ref)
	}
	return channel, msgID, nil
}

// NormalizeChannel reduces @name, t.me links and bare names to the bare
// channel name.
func NormalizeChannel(ref string) string {
	ref = strings.TrimSpace(ref)
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/"} {
		if strings.HasPrefix(ref, prefix) {
			ref = strings.TrimPrefix(ref, prefix)
			ref = strings.SplitN(ref, "/", 2)[0]
			break
		}
	}
	return strings.TrimPrefix(ref, "@")
}
