package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

type Config struct {
	Feed       FeedConfig
	Telegram   TelegramConfig
	Database   DatabaseConfig
	HTTP       HTTPConfig
	KeepAlive  KeepAliveConfig
	Delivery   DeliveryConfig
	Supervisor SupervisorConfig
	LogLevel   string
}

type FeedConfig struct {
	Locator     string
	CookiesFile string
	PollTimeout time.Duration

	// LegacyLocatorEnv names the fallback variable the locator came from.
	LegacyLocatorEnv string
}

type TelegramConfig struct {
	Token         string
	ChatID        string
	APIURL        string
	RatePerMinute int
}

type DatabaseConfig struct {
	URL          string
	SQLiteTuning bool
}

type HTTPConfig struct {
	Addr        string
	CORSOrigins []string
	RateRPS     int
	RateBurst   int
	Metrics     bool
	AccessLog   bool
	Pprof       bool
	AdminToken  string
}

type KeepAliveConfig struct {
	PublicURL string
	Every     time.Duration
}

type DeliveryConfig struct {
	Attempts  int
	BaseDelay time.Duration
	Signature string
	CaptionTZ string
}

type SupervisorConfig struct {
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	ReconnectLimit int
	FollowOnEnd    bool
	StaleTimeout   time.Duration
	BridgeBuffer   int
}

const (
	defaultCookiesFile   = "cookies.txt"
	defaultTelegramAPI   = "https://api.telegram.org"
	defaultTelegramRate  = 20
	defaultHTTPAddr      = ":10000"
	defaultKeepAlive     = 14 * time.Minute
	defaultAttempts      = 3
	defaultBaseDelay     = 3 * time.Second
	defaultCaptionTZ     = "UTC"
	defaultReconnectMin  = 60 * time.Second
	defaultReconnectMax  = 300 * time.Second
	defaultBridgeBuffer  = 256
	defaultPollTimeout   = 15 * time.Second
	defaultHTTPRateRPS   = 20
	defaultHTTPRateBurst = 40
	defaultLogLevel      = "info"
)

func Load() Config {
	cfg := Config{}

	cfg.Feed.Locator = strings.TrimSpace(os.Getenv("CHATRELAY_FEED"))
	if cfg.Feed.Locator == "" {
		for _, legacy := range []string{"YOUTUBE_VIDEO_ID", "YOUTUBE_URL"} {
			if v := strings.TrimSpace(os.Getenv(legacy)); v != "" {
				cfg.Feed.Locator = v
				cfg.Feed.LegacyLocatorEnv = legacy
				break
			}
		}
	}
	cfg.Feed.CookiesFile = firstEnv(defaultCookiesFile, "CHATRELAY_COOKIES_FILE", "COOKIES_FILE")
	cfg.Feed.PollTimeout = readDuration("CHATRELAY_POLL_TIMEOUT", defaultPollTimeout)

	cfg.Telegram.Token = firstEnv("", "CHATRELAY_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN")
	cfg.Telegram.ChatID = firstEnv("", "CHATRELAY_TELEGRAM_CHAT_ID", "TELEGRAM_CHANNEL_ID")
	cfg.Telegram.APIURL = firstEnv(defaultTelegramAPI, "CHATRELAY_TELEGRAM_API_URL")
	cfg.Telegram.RatePerMinute = readNonNegativeInt("CHATRELAY_TELEGRAM_RATE_PER_MIN", defaultTelegramRate)

	cfg.Database.URL = firstEnv("", "CHATRELAY_DATABASE_URL", "DATABASE_URL")
	cfg.Database.SQLiteTuning = strings.TrimSpace(os.Getenv("CHATRELAY_SQLITE_TUNING")) == "1"

	cfg.HTTP.Addr = strings.TrimSpace(os.Getenv("CHATRELAY_HTTP_ADDR"))
	if cfg.HTTP.Addr == "" {
		if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
			cfg.HTTP.Addr = ":" + port
		} else {
			cfg.HTTP.Addr = defaultHTTPAddr
		}
	}
	cfg.HTTP.CORSOrigins = SplitList(os.Getenv("CHATRELAY_HTTP_CORS_ORIGINS"))
	cfg.HTTP.RateRPS = readInt("CHATRELAY_HTTP_RATE_RPS", defaultHTTPRateRPS)
	cfg.HTTP.RateBurst = readInt("CHATRELAY_HTTP_RATE_BURST", defaultHTTPRateBurst)
	cfg.HTTP.Metrics = readBool("CHATRELAY_HTTP_METRICS", true)
	cfg.HTTP.AccessLog = readBool("CHATRELAY_HTTP_ACCESS_LOG", true)
	cfg.HTTP.Pprof = readBool("CHATRELAY_HTTP_PPROF", false)
	cfg.HTTP.AdminToken = strings.TrimSpace(os.Getenv("CHATRELAY_ADMIN_TOKEN"))

	cfg.KeepAlive.PublicURL = firstEnv("", "CHATRELAY_PUBLIC_URL", "RENDER_SERVICE_URL")
	cfg.KeepAlive.Every = readDuration("CHATRELAY_KEEPALIVE_EVERY", defaultKeepAlive)

	cfg.Delivery.Attempts = readInt("CHATRELAY_DELIVERY_ATTEMPTS", defaultAttempts)
	cfg.Delivery.BaseDelay = readDuration("CHATRELAY_DELIVERY_BASE_DELAY", defaultBaseDelay)
	cfg.Delivery.Signature = strings.TrimSpace(os.Getenv("CHATRELAY_CAPTION_SIGNATURE"))
	cfg.Delivery.CaptionTZ = firstEnv(defaultCaptionTZ, "CHATRELAY_CAPTION_TZ")

	cfg.Supervisor.ReconnectMin = readDuration("CHATRELAY_RECONNECT_MIN", defaultReconnectMin)
	cfg.Supervisor.ReconnectMax = readDuration("CHATRELAY_RECONNECT_MAX", defaultReconnectMax)
	cfg.Supervisor.ReconnectLimit = readNonNegativeInt("CHATRELAY_RECONNECT_LIMIT", 0)
	cfg.Supervisor.FollowOnEnd = readBool("CHATRELAY_FOLLOW_ON_END", false)
	cfg.Supervisor.StaleTimeout = readDuration("CHATRELAY_STALE_TIMEOUT", 0)
	cfg.Supervisor.BridgeBuffer = readInt("CHATRELAY_BRIDGE_BUFFER", defaultBridgeBuffer)

	cfg.LogLevel = strings.ToLower(firstEnv(defaultLogLevel, "CHATRELAY_LOG_LEVEL"))

	return cfg
}

// Validate reports every missing required setting and every value the relay
// cannot run with.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Feed.Locator) == "" {
		problems = append(problems, "feed locator (CHATRELAY_FEED) is required")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		problems = append(problems, "telegram token (CHATRELAY_TELEGRAM_TOKEN) is required")
	}
	if strings.TrimSpace(c.Telegram.ChatID) == "" {
		problems = append(problems, "telegram chat id (CHATRELAY_TELEGRAM_CHAT_ID) is required")
	}
	if strings.TrimSpace(c.Database.URL) == "" {
		problems = append(problems, "database url (CHATRELAY_DATABASE_URL) is required")
	}
	if c.Delivery.Attempts < 1 {
		problems = append(problems, "delivery attempts must be at least 1")
	}
	if c.Supervisor.ReconnectMin <= 0 {
		problems = append(problems, "reconnect min backoff must be positive")
	}
	if c.Supervisor.ReconnectMax < c.Supervisor.ReconnectMin {
		problems = append(problems, "reconnect max backoff must not be below the min")
	}
	if _, err := time.LoadLocation(c.Delivery.CaptionTZ); err != nil {
		problems = append(problems, fmt.Sprintf("caption timezone %q: %v", c.Delivery.CaptionTZ, err))
	}
	if _, ok := parseLevel(c.LogLevel); !ok {
		problems = append(problems, fmt.Sprintf("log level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("config: %s", strings.Join(problems, "; "))
}

// Location resolves the caption timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Delivery.CaptionTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SlogLevel maps LogLevel onto slog, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(raw string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// SplitList splits a comma, semicolon or whitespace separated list, dropping
// blanks and duplicates while keeping the first occurrence order.
func SplitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		key := strings.ToLower(p)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

func firstEnv(def string, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return def
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readNonNegativeInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

// readDuration accepts Go durations ("90s", "5m") or a bare number of
// seconds. "0" and "false" yield zero.
func readDuration(name string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	d, err := ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

// ParseDuration is the duration syntax shared by env and flags.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "false") || raw == "0" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration %q", raw)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}

func (c Config) Summary() Summary {
	return Summary{
		Feed:           c.Feed.Locator,
		CookiesFile:    c.Feed.CookiesFile,
		Database:       databaseKind(c.Database.URL),
		TelegramChat:   c.Telegram.ChatID,
		TelegramToken:  redactString(c.Telegram.Token),
		HTTPAddr:       c.HTTP.Addr,
		KeepAlive:      c.KeepAlive.PublicURL != "",
		Attempts:       c.Delivery.Attempts,
		ReconnectMin:   c.Supervisor.ReconnectMin.String(),
		ReconnectMax:   c.Supervisor.ReconnectMax.String(),
		ReconnectLimit: c.Supervisor.ReconnectLimit,
		FollowOnEnd:    c.Supervisor.FollowOnEnd,
	}
}

type Summary struct {
	Feed           string `json:"feed"`
	CookiesFile    string `json:"cookies_file,omitempty"`
	Database       string `json:"database"`
	TelegramChat   string `json:"telegram_chat"`
	TelegramToken  string `json:"telegram_token,omitempty"`
	HTTPAddr       string `json:"http_addr"`
	KeepAlive      bool   `json:"keepalive"`
	Attempts       int    `json:"attempts"`
	ReconnectMin   string `json:"reconnect_min"`
	ReconnectMax   string `json:"reconnect_max"`
	ReconnectLimit int    `json:"reconnect_limit"`
	FollowOnEnd    bool   `json:"follow_on_end"`
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"feed": map[string]any{
			"locator":      c.Feed.Locator,
			"cookies_file": c.Feed.CookiesFile,
			"poll_timeout": c.Feed.PollTimeout.String(),
		},
		"telegram": map[string]any{
			"token":           redactString(c.Telegram.Token),
			"chat_id":         c.Telegram.ChatID,
			"api_url":         c.Telegram.APIURL,
			"rate_per_minute": c.Telegram.RatePerMinute,
		},
		"database": map[string]any{
			"backend":       databaseKind(c.Database.URL),
			"url":           redactDSN(c.Database.URL),
			"sqlite_tuning": c.Database.SQLiteTuning,
		},
		"http": map[string]any{
			"addr":         c.HTTP.Addr,
			"cors_origins": append([]string(nil), c.HTTP.CORSOrigins...),
			"rate_rps":     c.HTTP.RateRPS,
			"rate_burst":   c.HTTP.RateBurst,
			"metrics":      c.HTTP.Metrics,
			"access_log":   c.HTTP.AccessLog,
			"pprof":        c.HTTP.Pprof,
			"admin_token":  redactString(c.HTTP.AdminToken),
		},
		"keepalive": map[string]any{
			"public_url": c.KeepAlive.PublicURL,
			"every":      c.KeepAlive.Every.String(),
		},
		"delivery": map[string]any{
			"attempts":   c.Delivery.Attempts,
			"base_delay": c.Delivery.BaseDelay.String(),
			"signature":  c.Delivery.Signature,
			"caption_tz": c.Delivery.CaptionTZ,
		},
		"supervisor": map[string]any{
			"reconnect_min":   c.Supervisor.ReconnectMin.String(),
			"reconnect_max":   c.Supervisor.ReconnectMax.String(),
			"reconnect_limit": c.Supervisor.ReconnectLimit,
			"follow_on_end":   c.Supervisor.FollowOnEnd,
			"stale_timeout":   c.Supervisor.StaleTimeout.String(),
			"bridge_buffer":   c.Supervisor.BridgeBuffer,
		},
		"log_level": c.LogLevel,
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

// redactDSN hides the password of a Postgres URL; SQLite paths are kept.
func redactDSN(dsn string) string {
	if databaseKind(dsn) != "postgres" {
		return dsn
	}
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return redactString(dsn)
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, pass, hasPass := strings.Cut(creds, ":")
	if !hasPass {
		return dsn
	}
	return scheme + "://" + user + ":" + redactString(pass) + "@" + host
}

func databaseKind(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case lower == "":
		return ""
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres"
	default:
		return "sqlite"
	}
}
