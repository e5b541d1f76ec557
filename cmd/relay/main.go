package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/you/chatrelay/internal/app"
	"github.com/you/chatrelay/internal/config"
	"github.com/you/chatrelay/internal/relay"
	"github.com/you/chatrelay/internal/version"
)

const (
	exitOK            = 0
	exitFailure       = 1
	exitInvalidConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag    bool
		feed           string
		cookiesFile    string
		databaseURL    string
		chatID         string
		httpAddr       string
		publicURL      string
		reconnectMin   string
		reconnectMax   string
		reconnectLimit int
		followOnEnd    bool
		staleTimeout   string
		logLevel       string
		httpPprof      bool
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&feed, "feed", "", "Live chat to follow: video id, watch/youtu.be URL or @handle")
	flag.StringVar(&cookiesFile, "cookies", "", "Netscape cookies file used for the feed")
	flag.StringVar(&databaseURL, "database-url", "", "postgres:// URL or SQLite path")
	flag.StringVar(&chatID, "telegram-chat-id", "", "Destination Telegram chat or channel")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address (e.g., :10000)")
	flag.StringVar(&publicURL, "public-url", "", "Public base URL pinged by the keep-alive job")
	flag.StringVar(&reconnectMin, "reconnect-min", "", "Initial reconnect backoff (e.g., 60s)")
	flag.StringVar(&reconnectMax, "reconnect-max", "", "Maximum reconnect backoff (e.g., 5m)")
	flag.IntVar(&reconnectLimit, "reconnect-limit", 0, "Give up after N consecutive failed sessions (0 = never)")
	flag.BoolVar(&followOnEnd, "follow-on-end", false, "Reconnect after the feed ends cleanly")
	flag.StringVar(&staleTimeout, "stale-timeout", "", "Restart a session that yields nothing for this long (0 disables)")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&httpPprof, "http-pprof", false, "Expose pprof handlers under /debug/pprof")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"relay version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		return exitOK
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()
	var flagErrs []string
	durationFlag := func(name, raw string, dst *time.Duration) {
		if !overrides[name] {
			return
		}
		d, err := config.ParseDuration(raw)
		if err != nil {
			flagErrs = append(flagErrs, fmt.Sprintf("-%s: %v", name, err))
			return
		}
		*dst = d
	}

	if overrides["feed"] {
		cfg.Feed.Locator = strings.TrimSpace(feed)
	}
	if overrides["cookies"] {
		cfg.Feed.CookiesFile = strings.TrimSpace(cookiesFile)
	}
	if overrides["database-url"] {
		cfg.Database.URL = strings.TrimSpace(databaseURL)
	}
	if overrides["telegram-chat-id"] {
		cfg.Telegram.ChatID = strings.TrimSpace(chatID)
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["public-url"] {
		cfg.KeepAlive.PublicURL = strings.TrimSpace(publicURL)
	}
	durationFlag("reconnect-min", reconnectMin, &cfg.Supervisor.ReconnectMin)
	durationFlag("reconnect-max", reconnectMax, &cfg.Supervisor.ReconnectMax)
	durationFlag("stale-timeout", staleTimeout, &cfg.Supervisor.StaleTimeout)
	if overrides["reconnect-limit"] {
		if reconnectLimit < 0 {
			flagErrs = append(flagErrs, "-reconnect-limit must not be negative")
		}
		cfg.Supervisor.ReconnectLimit = reconnectLimit
	}
	if overrides["follow-on-end"] {
		cfg.Supervisor.FollowOnEnd = followOnEnd
	}
	if overrides["log-level"] {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(logLevel))
	}
	if overrides["http-pprof"] {
		cfg.HTTP.Pprof = httpPprof
	}

	if cfg.Feed.LegacyLocatorEnv != "" {
		log.Printf("relay: feed taken from legacy %s; prefer CHATRELAY_FEED", cfg.Feed.LegacyLocatorEnv)
	}
	if len(flagErrs) > 0 {
		log.Printf("relay: invalid flags: %s", strings.Join(flagErrs, "; "))
		return exitInvalidConfig
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("relay: %v", err)
		return exitInvalidConfig
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	log.Printf("%s", cfg.SummaryJSON())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		if errors.Is(err, app.ErrStoreInit) {
			log.Fatalf("relay: %v", err)
		}
		log.Printf("relay: init: %v", err)
		return exitInvalidConfig
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("relay: %v", err)
		}
	}()

	log.Printf("relay: starting version=%s feed=%s", version.Version, cfg.Feed.Locator)
	if err := a.Run(ctx); err != nil {
		if errors.Is(err, relay.ErrReconnectLimit) {
			log.Printf("relay: reconnect limit reached: %v", err)
		} else {
			log.Printf("relay: stopped: %v", err)
		}
		return exitFailure
	}
	log.Printf("relay: shutdown complete")
	return exitOK
}
