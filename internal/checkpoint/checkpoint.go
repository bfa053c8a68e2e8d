// Package checkpoint persists engine state snapshots. Backends are selected
// by DSN: file paths (the default), sqlite://, postgres:// and memory://.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ppiankov/feedbridge/internal/bridge"
)

// DefaultPath is the state file used when no DSN is configured, relative to
// the config directory.
const DefaultPath = "state.json"

// ErrInvalidDSN is returned by Open for empty or unparsable DSNs.
var ErrInvalidDSN = errors.New("invalid state DSN")

// Backend loads and saves snapshots. Load returns an empty snapshot when
// nothing has been saved yet and an error wrapping bridge.ErrStateCorrupt
// when the stored state cannot be decoded.
type Backend interface {
	Load(ctx context.Context) (*bridge.Snapshot, error)
	Save(ctx context.Context, snap *bridge.Snapshot) error
	Close() error
}

// Factory builds a backend from a DSN.
type Factory func(dsn string) (Backend, error)

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{factories: map[string]Factory{}}

// Register installs a factory for a DSN scheme, replacing the built-in one.
func Register(scheme string, factory Factory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.factories[scheme] = factory
}

func lookup(scheme string) (Factory, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	f, ok := registry.factories[scheme]
	return f, ok
}

// Open builds the backend for dsn. A DSN without a scheme is a file path.
func Open(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	scheme := dsnScheme(dsn)
	if factory, ok := lookup(scheme); ok {
		return factory(dsn)
	}

	switch scheme {
	case "", "file":
		path, err := dsnPath(dsn, scheme)
		if err != nil {
			return nil, err
		}
		return NewFile(path), nil
	case "sqlite", "sqlite3":
		path, err := dsnPath(dsn, scheme)
		if err != nil {
			return nil, err
		}
		return NewSQLite(path)
	case "postgres", "postgresql":
		return NewPostgres(dsn)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDSN, scheme)
	}
}

// LoadState loads the persisted snapshot and rebuilds the engine state.
// Corrupt state is not fatal: it is logged and replaced by an empty state,
// so items still inside the fetch windows are delivered once more.
func LoadState(ctx context.Context, b Backend, capacity int, aliases map[string]string, log zerolog.Logger) (*bridge.State, error) {
	snap, err := b.Load(ctx)
	if errors.Is(err, bridge.ErrStateCorrupt) {
		log.Warn().Err(err).Msg("Persisted state is unreadable, starting with empty state")
		return bridge.NewState(capacity), nil
	}
	if err != nil {
		return nil, err
	}
	Rekey(snap, aliases)
	return bridge.Restore(snap, capacity), nil
}

// Redact hides credentials in dsn for display.
func Redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}

// Rekey moves snapshot entries stored under an alias (a legacy channel
// reference) to the source id it maps to. Entries already stored under the
// source id win.
func Rekey(snap *bridge.Snapshot, aliases map[string]string) {
	if snap == nil {
		return
	}
	for alias, sourceID := range aliases {
		if alias == sourceID {
			continue
		}
		entry, ok := snap.Sources[alias]
		if !ok {
			continue
		}
		delete(snap.Sources, alias)
		if _, taken := snap.Sources[sourceID]; !taken {
			snap.Sources[sourceID] = entry
		}
	}
}

// dsnScheme returns the lower-cased scheme, or "" for bare paths including
// Windows drive letters.
func dsnScheme(dsn string) string {
	i := strings.Index(dsn, ":")
	if i <= 1 {
		return ""
	}
	scheme := strings.ToLower(dsn[:i])
	for _, r := range scheme {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '+' && r != '-' && r != '.' {
			return ""
		}
	}
	return scheme
}

// dsnPath strips "scheme:" and an optional "//" so that both
// file://relative/state.json and file:///abs/state.json work.
func dsnPath(dsn, scheme string) (string, error) {
	path := dsn
	if scheme != "" {
		path = strings.TrimPrefix(dsn[len(scheme)+1:], "//")
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: %q has no path", ErrInvalidDSN, dsn)
	}
	return path, nil
}
