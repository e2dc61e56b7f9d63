package config

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissing is returned when a required setting has no value.
var ErrMissing = errors.New("required configuration missing")

// Config holds all runtime configuration for the supportline bot.
// Precedence: CLI flags > env vars > env file > defaults.
type Config struct {
	Token            string // Discord bot token
	WaitingChannelID string // voice channel clients queue in
	CategoryID       string // parent category for private rooms
	NotifyChannelID  string // text channel for operator notifications
	AdminRoleID      string // role that marks administrators

	DataDir     string
	DatabaseURL string // postgres DSN; empty selects sqlite under DataDir
	HTTPPort    int    // operator API port; 0 disables the API
	LogLevel    string
	LogFormat   string // "text" or "json"

	AudioDir    string
	WaitingClip string
	LoopClip    string

	HoldDelay         time.Duration
	ClaimReleaseDelay time.Duration
	RoomDeleteDelay   time.Duration
	EmptyReleaseDelay time.Duration

	NotifyRate  float64 // notifications per second
	NotifyBurst int

	RedisAddr    string // empty disables lifecycle events
	RedisChannel string

	JWTSecret string // hex-encoded 32-byte secret; empty leaves the API open
	Status    string // listening activity shown on the bot
	EnvFile   string
}

// defaults
const (
	defaultDataDir           = "./data"
	defaultHTTPPort          = 8080
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultAudioDir          = "./audio"
	defaultWaitingClip       = "waiting"
	defaultLoopClip          = "background"
	defaultHoldDelay         = 4 * time.Second
	defaultClaimReleaseDelay = 2 * time.Second
	defaultRoomDeleteDelay   = 3 * time.Second
	defaultEmptyReleaseDelay = 3 * time.Second
	defaultNotifyRate        = 1.0
	defaultNotifyBurst       = 5
	defaultRedisChannel      = "supportline.calls"
	defaultStatus            = "System Support Ai"
	defaultEnvFile           = ".env"
)

// envPrefix is the prefix for all supportline environment variables.
const envPrefix = "SUPPORTLINE_"

// legacyEnv maps flags to the unprefixed variable names used by existing
// bot deployments. They are consulted after the prefixed name.
var legacyEnv = map[string]string{
	"token":           "DISCORD_TOKEN",
	"waiting-channel": "SUPPORT_VOICE_ID",
	"category":        "SUPPORT_CATEGORY_ID",
	"notify-channel":  "SUPPORT_TEXT_ID",
	"admin-role":      "ADMIN_ROLE_ID",
}

// Load parses configuration from os.Args, the env file, and environment
// variables.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs is Load with explicit command-line arguments.
func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("supportline", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.Token, "token", "", "Discord bot token")
	fs.StringVar(&cfg.WaitingChannelID, "waiting-channel", "", "id of the waiting voice channel")
	fs.StringVar(&cfg.CategoryID, "category", "", "id of the category private rooms are created under")
	fs.StringVar(&cfg.NotifyChannelID, "notify-channel", "", "id of the text channel for operator notifications")
	fs.StringVar(&cfg.AdminRoleID, "admin-role", "", "id of the administrator role")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call history database")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "postgres connection string (sqlite under data-dir if empty)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "operator API listen port (0 disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.AudioDir, "audio-dir", defaultAudioDir, "directory holding DCA hold clips")
	fs.StringVar(&cfg.WaitingClip, "waiting-clip", defaultWaitingClip, "clip played once when a client starts waiting")
	fs.StringVar(&cfg.LoopClip, "loop-clip", defaultLoopClip, "clip looped after the waiting clip")
	fs.DurationVar(&cfg.HoldDelay, "hold-delay", defaultHoldDelay, "delay before hold audio starts")
	fs.DurationVar(&cfg.ClaimReleaseDelay, "claim-release-delay", defaultClaimReleaseDelay, "delay before leaving the waiting room after a claim")
	fs.DurationVar(&cfg.RoomDeleteDelay, "room-delete-delay", defaultRoomDeleteDelay, "delay before deleting an ended private room")
	fs.DurationVar(&cfg.EmptyReleaseDelay, "empty-release-delay", defaultEmptyReleaseDelay, "delay before leaving an empty waiting room")
	fs.Float64Var(&cfg.NotifyRate, "notify-rate", defaultNotifyRate, "operator notifications per second")
	fs.IntVar(&cfg.NotifyBurst, "notify-burst", defaultNotifyBurst, "operator notification burst size")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "redis address for call lifecycle events (disabled if empty)")
	fs.StringVar(&cfg.RedisChannel, "redis-channel", defaultRedisChannel, "redis channel for call lifecycle events")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for operator API tokens (API is open if empty)")
	fs.StringVar(&cfg.Status, "status", defaultStatus, "listening status shown on the bot")
	fs.StringVar(&cfg.EnvFile, "env-file", defaultEnvFile, "optional file of KEY=VALUE environment settings")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	if err := loadEnvFile(cfg, set["env-file"]); err != nil {
		return nil, err
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	applyEnvOverrides(fs, set)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// loadEnvFile reads the env file into the process environment without
// overriding variables that are already set. A missing default file is
// fine; a missing file named explicitly is an error.
func loadEnvFile(cfg *Config, explicit bool) error {
	if !explicit {
		if v, ok := os.LookupEnv(envPrefix + "ENV_FILE"); ok && v != "" {
			cfg.EnvFile = v
			explicit = true
		}
	}
	if cfg.EnvFile == "" {
		return nil
	}
	if _, err := os.Stat(cfg.EnvFile); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading env file: %w", err)
	}
	if err := godotenv.Load(cfg.EnvFile); err != nil {
		return fmt.Errorf("loading env file %s: %w", cfg.EnvFile, err)
	}
	return nil
}

// envName returns the environment variable for a flag.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag not given on the command line from its
// environment variable, falling back to the legacy unprefixed name.
func applyEnvOverrides(fs *flag.FlagSet, set map[string]bool) {
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || f.Name == "env-file" {
			return
		}
		val, ok := os.LookupEnv(envName(f.Name))
		if (!ok || val == "") && legacyEnv[f.Name] != "" {
			val, ok = os.LookupEnv(legacyEnv[f.Name])
		}
		if !ok || val == "" {
			return
		}
		if err := f.Value.Set(val); err != nil {
			slog.Warn("ignoring invalid environment value", "flag", f.Name, "error", err)
		}
	})
}

// validate checks that required values are present and the rest are sane.
func (c *Config) validate() error {
	var missing []string
	for _, req := range []struct{ name, val string }{
		{"token", c.Token},
		{"waiting-channel", c.WaitingChannelID},
		{"category", c.CategoryID},
		{"notify-channel", c.NotifyChannelID},
		{"admin-role", c.AdminRoleID},
	} {
		if strings.TrimSpace(req.val) == "" {
			missing = append(missing, req.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
	}

	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 0 and 65535, got %d", c.HTTPPort)
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"hold-delay", c.HoldDelay},
		{"claim-release-delay", c.ClaimReleaseDelay},
		{"room-delete-delay", c.RoomDeleteDelay},
		{"empty-release-delay", c.EmptyReleaseDelay},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.val)
		}
	}
	if c.NotifyRate <= 0 {
		return fmt.Errorf("notify-rate must be positive, got %s", strconv.FormatFloat(c.NotifyRate, 'g', -1, 64))
	}
	if c.NotifyBurst < 1 {
		return fmt.Errorf("notify-burst must be at least 1, got %d", c.NotifyBurst)
	}
	if c.WaitingClip == "" || c.LoopClip == "" {
		return fmt.Errorf("waiting-clip and loop-clip must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if _, err := c.JWTSecretBytes(); err != nil {
		return err
	}

	return nil
}

// JWTSecretBytes returns the decoded 32-byte operator API signing secret,
// or nil if none is configured.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
