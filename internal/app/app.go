// Package app assembles the relay: store, Telegram client, delivery,
// ingestion, supervisor and the HTTP surfaces around them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/you/chatrelay/internal/config"
	"github.com/you/chatrelay/internal/core"
	"github.com/you/chatrelay/internal/feedwatch"
	httpadmin "github.com/you/chatrelay/internal/http"
	"github.com/you/chatrelay/internal/httpapi"
	"github.com/you/chatrelay/internal/keepalive"
	"github.com/you/chatrelay/internal/relay"
	"github.com/you/chatrelay/internal/store"
	"github.com/you/chatrelay/internal/telegram"
	"github.com/you/chatrelay/internal/version"
	"github.com/you/chatrelay/internal/ytlive"
)

// ErrStoreInit marks a failure to open or initialize the dedup store.
var ErrStoreInit = errors.New("app: store init")

const shutdownTimeout = 5 * time.Second

// Options holds collaborators that tests swap out.
type Options struct {
	Logger *slog.Logger
	// HTTPClient is used for the feed, avatar downloads and the Bot API.
	HTTPClient *http.Client
	// Connect replaces the live feed connector.
	Connect relay.Connector
	Sleep   relay.SleepFunc
}

// App is the explicit application context created once by main.
type App struct {
	Config     config.Config
	Store      store.Store
	Telegram   *telegram.Client
	Metrics    *httpapi.Metrics
	Deliverer  *relay.Deliverer
	Ingestor   *relay.Ingestor
	Supervisor *relay.Supervisor
	API        *httpapi.Server
	KeepAlive  *keepalive.Pinger

	logger  *slog.Logger
	watcher *feedwatch.Watcher
}

// OpenStore opens the configured backend. Errors wrap ErrStoreInit.
func OpenStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Database.URL, store.SQLiteOptions{Tuned: cfg.Database.SQLiteTuning})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreInit, err)
	}
	log.Printf("app: store ready backend=%s", store.Backend(st))
	return st, nil
}

// NewTelegram builds the Bot API client for cfg.
func NewTelegram(cfg config.Config, client *http.Client) (*telegram.Client, error) {
	return telegram.New(telegram.Options{
		Token:         cfg.Telegram.Token,
		BaseURL:       cfg.Telegram.APIURL,
		HTTPClient:    client,
		RatePerMinute: cfg.Telegram.RatePerMinute,
	})
}

// NewDeliverer builds the delivery subroutine for cfg. observer may be nil.
func NewDeliverer(cfg config.Config, msgr relay.Messenger, client *http.Client, observer relay.DeliveryObserver, sleep relay.SleepFunc) *relay.Deliverer {
	return relay.NewDeliverer(msgr, relay.DeliveryOptions{
		ChatID:      cfg.Telegram.ChatID,
		MaxAttempts: cfg.Delivery.Attempts,
		BaseDelay:   cfg.Delivery.BaseDelay,
		Signature:   cfg.Delivery.Signature,
		HTTPClient:  client,
		Observer:    observer,
		Sleep:       sleep,
	})
}

// New wires every component. The store is opened here; a store failure is
// returned wrapped in ErrStoreInit.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tg, err := NewTelegram(cfg, opts.HTTPClient)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var metrics *httpapi.Metrics
	if cfg.HTTP.Metrics {
		metrics = httpapi.NewMetrics()
	}

	a := &App{
		Config:   cfg,
		Store:    st,
		Telegram: tg,
		Metrics:  metrics,
		logger:   logger,
	}

	a.Deliverer = NewDeliverer(cfg, tg, opts.HTTPClient, metrics, opts.Sleep)

	connect := opts.Connect
	if connect == nil {
		connect = a.connectFeed(opts.HTTPClient)
	}

	var api *httpapi.Server
	a.Ingestor = relay.NewIngestor(relay.IngestOptions{
		Store:        st,
		Notifier:     a.Deliverer,
		Metrics:      metrics,
		Logger:       logger.With(slog.String("comp", "ingest")),
		Location:     cfg.Location(),
		StaleTimeout: cfg.Supervisor.StaleTimeout,
		OnDelivered: func(p core.Participant) {
			if api != nil {
				api.Broadcast(p)
			}
		},
	})

	a.Supervisor = relay.NewSupervisor(relay.SupervisorOptions{
		Connect:       connect,
		Ingestor:      a.Ingestor,
		BridgeBuffer:  cfg.Supervisor.BridgeBuffer,
		MinBackoff:    cfg.Supervisor.ReconnectMin,
		MaxBackoff:    cfg.Supervisor.ReconnectMax,
		MaxReconnects: cfg.Supervisor.ReconnectLimit,
		FollowOnEnd:   cfg.Supervisor.FollowOnEnd,
		Metrics:       metrics,
		Sleep:         opts.Sleep,
	})

	status := func() any { return a.Supervisor.Status() }
	api = httpapi.New(st, httpapi.Options{
		Addr:            cfg.HTTP.Addr,
		CORSOrigins:     cfg.HTTP.CORSOrigins,
		RateLimitRPS:    cfg.HTTP.RateRPS,
		RateLimitBurst:  cfg.HTTP.RateBurst,
		EnableMetrics:   cfg.HTTP.Metrics,
		EnableAccessLog: cfg.HTTP.AccessLog,
		EnablePprof:     cfg.HTTP.Pprof,
		Build:           buildInfo(),
		ConfigSnapshot:  cfg.Redacted(),
		Status:          status,
		Metrics:         metrics,
	})
	httpadmin.New(a.Supervisor, status, cfg.HTTP.AdminToken).Register(api.Mux())
	a.API = api

	pinger, err := keepalive.New(cfg.KeepAlive.PublicURL, cfg.KeepAlive.Every, nil)
	if err != nil {
		log.Printf("app: keepalive disabled: %v", err)
	}
	a.KeepAlive = pinger

	return a, nil
}

func (a *App) connectFeed(client *http.Client) relay.Connector {
	return func(ctx context.Context) (relay.Feed, error) {
		feed, err := ytlive.Open(ctx, ytlive.Config{
			Locator:     a.Config.Feed.Locator,
			CookiesFile: a.Config.Feed.CookiesFile,
			PollTimeout: a.Config.Feed.PollTimeout,
			HTTPClient:  client,
		})
		if err != nil {
			return nil, err
		}
		log.Printf("app: feed connected url=%s", feed.WatchURL())
		return feed, nil
	}
}

// Run starts the HTTP listener, keep-alive and cookies watcher, then blocks
// in the supervisor until ctx ends or the supervisor gives up.
func (a *App) Run(ctx context.Context) error {
	if me, err := a.Telegram.GetMe(ctx); err != nil {
		log.Printf("app: telegram getMe failed: %v", err)
	} else {
		log.Printf("app: telegram bot @%s id=%d", me.Username, me.ID)
	}

	listenErr := make(chan error, 1)
	go func() {
		if err := a.API.Start(); err != nil {
			listenErr <- err
		}
	}()
	log.Printf("app: http api ready on %s", a.Config.HTTP.Addr)

	if a.KeepAlive != nil {
		if err := a.KeepAlive.Start(); err != nil {
			log.Printf("app: keepalive: %v", err)
		}
	}

	if a.Config.Feed.CookiesFile != "" {
		w, err := feedwatch.Watch(ctx, feedwatch.DefaultDebounce, func(path string) {
			a.logger.Info("cookies file changed", slog.String("path", path))
			a.Supervisor.Reconnect("cookies changed")
		}, a.Config.Feed.CookiesFile)
		if err != nil {
			a.logger.Error("app: watch cookies file", "err", err)
		} else {
			a.watcher = w
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	supErr := make(chan error, 1)
	go func() { supErr <- a.Supervisor.Run(runCtx) }()

	var err error
	select {
	case err = <-supErr:
	case lerr := <-listenErr:
		err = fmt.Errorf("http api: %w", lerr)
		cancel()
		<-supErr
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if serr := a.API.Shutdown(shutdownCtx); serr != nil {
		log.Printf("app: http api shutdown: %v", serr)
	}
	return err
}

// Close releases everything New and Run acquired.
func (a *App) Close() error {
	a.KeepAlive.Stop()
	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			log.Printf("app: closing watcher: %v", err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			return fmt.Errorf("app: closing store: %w", err)
		}
	}
	return nil
}

func buildInfo() httpapi.BuildInfo {
	build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
	if version.BuildTime != "" && version.BuildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
			build.BuiltAt = t
		}
	}
	return build
}
