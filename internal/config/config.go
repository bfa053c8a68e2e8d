package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFile         = "config.yaml"
	DefaultStateDSN           = "state.json"
	DefaultInterval           = 5 * time.Minute
	DefaultTimezone           = "UTC"
	DefaultFetchLimit         = 20
	DefaultPacing             = 500 * time.Millisecond
	DefaultSendTimeout        = 30 * time.Second
	DefaultCheckpointInterval = time.Minute
	DefaultProcessedCapacity  = 2000
	DefaultMediaMaxBytes      = 8 << 20
	DefaultMediaTimeout       = 60 * time.Second
	DefaultHealthAddr         = "127.0.0.1:8080"
	DefaultHNMinPoints        = 100
	DefaultTelegramScript     = "scripts/collector_telegram.py"
	DefaultTelegramSession    = "session"
	DefaultRenderStyle        = "markdown"
)

// Source and destination kinds.
var (
	SourceKinds      = []string{"telegram", "rss", "reddit", "hn"}
	DestinationKinds = []string{"discord", "mattermost", "matrix", "log"}
)

// Duration wraps time.Duration for YAML unmarshaling from strings like "24h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// ByteSize reads sizes like "8MiB", "10 MB" or plain byte counts.
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	s := value.Value
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("parse size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

type Config struct {
	Sources      []SourceConfig               `yaml:"sources"`
	Destinations map[string]DestinationConfig `yaml:"destinations"`
	Telegram     TelegramConfig               `yaml:"telegram"`
	Discord      DiscordConfig                `yaml:"discord"`
	Mattermost   MattermostConfig             `yaml:"mattermost"`
	Matrix       MatrixConfig                 `yaml:"matrix"`
	HN           HNConfig                     `yaml:"hn"`
	Engine       EngineConfig                 `yaml:"engine"`
	Media        MediaConfig                  `yaml:"media"`
	Render       RenderConfig                 `yaml:"render"`
	State        StateConfig                  `yaml:"state"`
	Health       HealthConfig                 `yaml:"health"`
	Privacy      PrivacyConfig                `yaml:"privacy"`

	// Dir is the directory config.yaml was loaded from.
	Dir string `yaml:"-"`
}

type SourceConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	Ref         string `yaml:"ref"`
	Destination string `yaml:"destination"`
}

type DestinationConfig struct {
	Kind   string `yaml:"kind"`
	Ref    string `yaml:"ref"`
	RefEnv string `yaml:"ref_env"`
}

type TelegramConfig struct {
	APIIDEnv   string   `yaml:"api_id_env"`
	APIHashEnv string   `yaml:"api_hash_env"`
	SessionDir string   `yaml:"session_dir"`
	Script     string   `yaml:"script"`
	PythonPath string   `yaml:"python_path"`
	Timeout    Duration `yaml:"timeout"`

	// Resolved from env vars at load time.
	APIID   string `yaml:"-"`
	APIHash string `yaml:"-"`
}

type DiscordConfig struct {
	Username      string   `yaml:"username"`
	BotTokenEnv   string   `yaml:"bot_token_env"`
	MaxAttachment ByteSize `yaml:"max_attachment"`

	// BotToken is required for channel id destinations.
	BotToken string `yaml:"-"`
}

type MattermostConfig struct {
	ServerURL     string   `yaml:"server_url"`
	TokenEnv      string   `yaml:"token_env"`
	MaxAttachment ByteSize `yaml:"max_attachment"`

	Token string `yaml:"-"`
}

type MatrixConfig struct {
	Homeserver    string   `yaml:"homeserver"`
	UserID        string   `yaml:"user_id"`
	TokenEnv      string   `yaml:"token_env"`
	MaxAttachment ByteSize `yaml:"max_attachment"`

	Token string `yaml:"-"`
}

type HNConfig struct {
	MinPoints int `yaml:"min_points"`
}

type EngineConfig struct {
	Schedule           string   `yaml:"schedule"`
	Interval           Duration `yaml:"interval"`
	Timezone           string   `yaml:"timezone"`
	FetchLimit         int      `yaml:"fetch_limit"`
	Pacing             Duration `yaml:"pacing"`
	SendTimeout        Duration `yaml:"send_timeout"`
	CheckpointInterval Duration `yaml:"checkpoint_interval"`
	ProcessedCapacity  int      `yaml:"processed_capacity"`
}

type MediaConfig struct {
	Enabled  *bool    `yaml:"enabled"`
	MaxBytes ByteSize `yaml:"max_bytes"`
	Timeout  Duration `yaml:"timeout"`
}

type RenderConfig struct {
	Style         string `yaml:"style"`
	ShowLink      *bool  `yaml:"show_link"`
	ShowTimestamp *bool  `yaml:"show_timestamp"`
}

type StateConfig struct {
	DSN string `yaml:"dsn"`
}

type HealthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Addr       string   `yaml:"addr"`
	StaleAfter Duration `yaml:"stale_after"`
}

type PrivacyConfig struct {
	Redact RedactConfig `yaml:"redact"`
}

type RedactConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Patterns    []string `yaml:"patterns"`
	Placeholder string   `yaml:"placeholder"`
}

// Load reads config.yaml from dir, applies defaults, resolves env vars, and validates.
func Load(dir string) (*Config, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("config dir is required")
	}

	path := filepath.Join(dir, DefaultConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Dir = dir

	applyDefaults(&cfg)
	resolveEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	for i := range cfg.Sources {
		s := &cfg.Sources[i]
		if s.ID == "" {
			s.ID = SourceID(s.Kind, s.Ref)
		}
		if s.Name == "" {
			s.Name = s.ID
		}
	}
	if cfg.Telegram.Script == "" {
		cfg.Telegram.Script = DefaultTelegramScript
	}
	if cfg.Telegram.SessionDir == "" {
		cfg.Telegram.SessionDir = DefaultTelegramSession
	}
	if cfg.HN.MinPoints == 0 {
		cfg.HN.MinPoints = DefaultHNMinPoints
	}
	if cfg.Engine.Schedule == "" && cfg.Engine.Interval.Duration == 0 {
		cfg.Engine.Interval.Duration = DefaultInterval
	}
	if cfg.Engine.Timezone == "" {
		cfg.Engine.Timezone = DefaultTimezone
	}
	if cfg.Engine.FetchLimit == 0 {
		cfg.Engine.FetchLimit = DefaultFetchLimit
	}
	if cfg.Engine.Pacing.Duration == 0 {
		cfg.Engine.Pacing.Duration = DefaultPacing
	}
	if cfg.Engine.SendTimeout.Duration == 0 {
		cfg.Engine.SendTimeout.Duration = DefaultSendTimeout
	}
	if cfg.Engine.CheckpointInterval.Duration == 0 {
		cfg.Engine.CheckpointInterval.Duration = DefaultCheckpointInterval
	}
	if cfg.Engine.ProcessedCapacity == 0 {
		cfg.Engine.ProcessedCapacity = DefaultProcessedCapacity
	}
	if cfg.Media.Enabled == nil {
		cfg.Media.Enabled = boolPtr(true)
	}
	if cfg.Media.MaxBytes == 0 {
		cfg.Media.MaxBytes = DefaultMediaMaxBytes
	}
	if cfg.Media.Timeout.Duration == 0 {
		cfg.Media.Timeout.Duration = DefaultMediaTimeout
	}
	if cfg.Render.Style == "" {
		cfg.Render.Style = DefaultRenderStyle
	}
	if cfg.Render.ShowLink == nil {
		cfg.Render.ShowLink = boolPtr(true)
	}
	if cfg.Render.ShowTimestamp == nil {
		cfg.Render.ShowTimestamp = boolPtr(true)
	}
	if cfg.State.DSN == "" {
		cfg.State.DSN = DefaultStateDSN
	}
	if cfg.Health.Addr == "" {
		cfg.Health.Addr = DefaultHealthAddr
	}
}

func resolveEnv(cfg *Config) {
	if cfg.Telegram.APIIDEnv != "" {
		cfg.Telegram.APIID = os.Getenv(cfg.Telegram.APIIDEnv)
	}
	if cfg.Telegram.APIHashEnv != "" {
		cfg.Telegram.APIHash = os.Getenv(cfg.Telegram.APIHashEnv)
	}
	if cfg.Discord.BotTokenEnv != "" {
		cfg.Discord.BotToken = os.Getenv(cfg.Discord.BotTokenEnv)
	}
	if cfg.Mattermost.TokenEnv != "" {
		cfg.Mattermost.Token = os.Getenv(cfg.Mattermost.TokenEnv)
	}
	if cfg.Matrix.TokenEnv != "" {
		cfg.Matrix.Token = os.Getenv(cfg.Matrix.TokenEnv)
	}
	for name, d := range cfg.Destinations {
		if d.RefEnv != "" {
			d.Ref = os.Getenv(d.RefEnv)
			cfg.Destinations[name] = d
		}
	}
}

func validate(cfg *Config) error {
	if len(cfg.Sources) == 0 {
		return errors.New("sources: at least one source must be configured")
	}
	if len(cfg.Destinations) == 0 {
		return errors.New("destinations: at least one destination must be configured")
	}

	used := map[string]bool{}
	for name, d := range cfg.Destinations {
		if !contains(DestinationKinds, d.Kind) {
			return fmt.Errorf("destinations.%s.kind: unknown kind %q (want %s)", name, d.Kind, strings.Join(DestinationKinds, ", "))
		}
		if d.Ref == "" && d.Kind != "log" {
			if d.RefEnv != "" {
				return fmt.Errorf("destinations.%s: env var %s is empty", name, d.RefEnv)
			}
			return fmt.Errorf("destinations.%s: ref is required", name)
		}
		if d.Kind == "discord" {
			if err := validateDiscordRef(name, d.Ref, cfg.Discord.BotToken); err != nil {
				return err
			}
		}
		used[d.Kind] = true
	}

	seen := map[string]bool{}
	for i, s := range cfg.Sources {
		if !contains(SourceKinds, s.Kind) {
			return fmt.Errorf("sources[%d].kind: unknown kind %q (want %s)", i, s.Kind, strings.Join(SourceKinds, ", "))
		}
		if s.Ref == "" && s.Kind != "hn" {
			return fmt.Errorf("sources[%d] (%s): ref is required", i, s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
		if _, ok := cfg.Destinations[s.Destination]; !ok {
			return fmt.Errorf("sources[%d] (%s): unknown destination %q", i, s.ID, s.Destination)
		}
		if s.Kind == "telegram" && (cfg.Telegram.APIID == "" || cfg.Telegram.APIHash == "") {
			return errors.New("telegram: api_id_env and api_hash_env must name non-empty env vars")
		}
	}

	if used["mattermost"] && (cfg.Mattermost.ServerURL == "" || cfg.Mattermost.Token == "") {
		return errors.New("mattermost: server_url and token_env are required")
	}
	if used["matrix"] && (cfg.Matrix.Homeserver == "" || cfg.Matrix.Token == "") {
		return errors.New("matrix: homeserver and token_env are required")
	}

	if cfg.Engine.Schedule != "" && cfg.Engine.Interval.Duration != 0 {
		return errors.New("engine: set either schedule or interval, not both")
	}
	if cfg.Engine.Schedule == "" && cfg.Engine.Interval.Duration < time.Second {
		return fmt.Errorf("engine.interval: %s is below 1s", cfg.Engine.Interval.Duration)
	}
	if _, err := time.LoadLocation(cfg.Engine.Timezone); err != nil {
		return fmt.Errorf("engine.timezone: %w", err)
	}
	if cfg.Engine.FetchLimit < 1 {
		return errors.New("engine.fetch_limit: must be at least 1")
	}
	if cfg.Engine.ProcessedCapacity < 2*cfg.Engine.FetchLimit {
		return fmt.Errorf("engine.processed_capacity: %d is below twice engine.fetch_limit (%d)",
			cfg.Engine.ProcessedCapacity, cfg.Engine.FetchLimit)
	}
	if cfg.HN.MinPoints < 1 {
		return errors.New("hn.min_points: must be at least 1")
	}

	switch cfg.Render.Style {
	case "markdown", "plain":
		// valid
	default:
		return fmt.Errorf("render.style: unknown style %q (want markdown or plain)", cfg.Render.Style)
	}

	return nil
}

// validateDiscordRef accepts webhook URLs and, with a bot token, channel ids.
func validateDiscordRef(name, ref, botToken string) error {
	ref = strings.TrimSpace(ref)
	if discordChannelRe.MatchString(ref) {
		if botToken == "" {
			return fmt.Errorf("destinations.%s: channel id %s needs discord.bot_token_env", name, ref)
		}
		return nil
	}
	if !discordWebhookRe.MatchString(ref) {
		return fmt.Errorf("destinations.%s: ref must be a webhook URL or channel id", name)
	}
	return nil
}

// Location returns the configured engine timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// StateDSN returns the state DSN with relative file and sqlite paths
// resolved against the config directory.
func (c *Config) StateDSN() string {
	return ResolveDSN(c.State.DSN, c.Dir)
}

// ResolveDSN joins relative file-like DSN paths onto dir.
func ResolveDSN(dsn, dir string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok || strings.ContainsAny(scheme, `/\`) {
		if filepath.IsAbs(dsn) || dir == "" {
			return dsn
		}
		return filepath.Join(dir, dsn)
	}
	switch strings.ToLower(scheme) {
	case "file", "sqlite", "sqlite3":
		if rest == "" || filepath.IsAbs(rest) || dir == "" {
			return dsn
		}
		return scheme + "://" + filepath.Join(dir, rest)
	}
	return dsn
}

// Path resolves p against the config directory unless it is absolute.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}

var (
	slugRe           = regexp.MustCompile(`[^a-z0-9]+`)
	discordChannelRe = regexp.MustCompile(`^[0-9]+$`)
	discordWebhookRe = regexp.MustCompile(`^https?://[^/]+/(?:.*/)?webhooks/[^/]+/[^/?]+`)
)

// SourceID derives a stable id from kind and ref when none is configured.
func SourceID(kind, ref string) string {
	ref = strings.ToLower(strings.TrimSpace(ref))
	for _, prefix := range []string{"https://", "http://", "t.me/", "www.", "reddit.com/", "r/", "@"} {
		ref = strings.TrimPrefix(ref, prefix)
	}
	slug := strings.Trim(slugRe.ReplaceAllString(ref, "_"), "_")
	if slug == "" {
		return kind
	}
	return kind + "_" + slug
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func boolPtr(b bool) *bool { return &b }
