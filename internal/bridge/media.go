package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

const (
	DefaultMediaMaxBytes = 8 << 20 // 8 MiB, the smallest common sink limit
	DefaultMediaTimeout  = 20 * time.Second
	mediaUserAgent       = "feedbridge/1.0"
)

// UnknownSize is reported by openers that cannot tell the size up front.
const UnknownSize int64 = -1

// MediaOpener starts a transfer for one media reference. Implementations
// must stop the transfer when ctx is cancelled.
type MediaOpener interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, int64, error)
}

// MediaOpenerFunc adapts a function to MediaOpener.
type MediaOpenerFunc func(ctx context.Context, ref string) (io.ReadCloser, int64, error)

func (f MediaOpenerFunc) Open(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	return f(ctx, ref)
}

// MediaGuard bounds media transfers by size and wall-clock time.
type MediaGuard struct {
	openers map[string]MediaOpener
	log     zerolog.Logger
}

// NewMediaGuard creates a guard with the http, https and file openers
// registered. client may be nil.
func NewMediaGuard(client *http.Client, log zerolog.Logger) *MediaGuard {
	if client == nil {
		client = &http.Client{}
	}
	hop := &httpOpener{client: client}
	g := &MediaGuard{
		openers: map[string]MediaOpener{},
		log:     log.With().Str("component", "media_guard").Logger(),
	}
	g.Register("http", hop)
	g.Register("https", hop)
	g.Register("file", MediaOpenerFunc(openFile))
	return g
}

// Register installs an opener for a reference scheme.
func (g *MediaGuard) Register(scheme string, op MediaOpener) {
	g.openers[strings.ToLower(scheme)] = op
}

// Fetch downloads the item's media, aborting as soon as more than maxBytes
// have been read or maxDuration has elapsed.
func (g *MediaGuard) Fetch(ctx context.Context, item Item, maxBytes int64, maxDuration time.Duration) ([]byte, error) {
	if item.Media.Kind == MediaNone || item.Media.Ref == "" {
		return nil, errors.New("item has no media")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMediaMaxBytes
	}
	if maxDuration <= 0 {
		maxDuration = DefaultMediaTimeout
	}

	scheme := refScheme(item.Media.Ref)
	op, ok := g.openers[scheme]
	if !ok {
		return nil, fmt.Errorf("media: no opener for scheme %q", scheme)
	}

	ctx, cancel := context.WithTimeout(ctx, maxDuration)
	defer cancel()

	rc, size, err := op.Open(ctx, item.Media.Ref)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w after %s", ErrMediaTimedOut, maxDuration)
		}
		return nil, fmt.Errorf("media: open %s: %w", item.Media.Ref, err)
	}
	if size > maxBytes {
		_ = rc.Close()
		return nil, fmt.Errorf("%w: %s > %s", ErrMediaTooLarge,
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(maxBytes)))
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(io.LimitReader(rc, maxBytes+1))
		done <- result{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = rc.Close()
		return nil, fmt.Errorf("%w after %s", ErrMediaTimedOut, maxDuration)
	case r := <-done:
		_ = rc.Close()
		if r.err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w after %s", ErrMediaTimedOut, maxDuration)
			}
			return nil, fmt.Errorf("media: read %s: %w", item.Media.Ref, r.err)
		}
		if int64(len(r.data)) > maxBytes {
			return nil, fmt.Errorf("%w: more than %s", ErrMediaTooLarge, humanize.IBytes(uint64(maxBytes)))
		}
		g.log.Debug().
			Str("item", item.Fingerprint().String()).
			Str("size", humanize.IBytes(uint64(len(r.data)))).
			Msg("Fetched media")
		return r.data, nil
	}
}

func refScheme(ref string) string {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// bare paths, including Windows drive letters
		return "file"
	}
	return strings.ToLower(u.Scheme)
}

type httpOpener struct {
	client *http.Client
}

func (o *httpOpener) Open(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", mediaUserAgent)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	size := resp.ContentLength
	if size < 0 {
		size = UnknownSize
	}
	return resp.Body, size, nil
}

func openFile(_ context.Context, ref string) (io.ReadCloser, int64, error) {
	path := strings.TrimPrefix(ref, "file://")
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}
