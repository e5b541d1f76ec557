// Command redeliver retries notifications for participants that were stored
// but never delivered.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/you/chatrelay/internal/app"
	"github.com/you/chatrelay/internal/config"
	"github.com/you/chatrelay/internal/relay"
	"github.com/you/chatrelay/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		databaseURL string
		chatID      string
		limit       int
		dryRun      bool
	)
	flag.StringVar(&databaseURL, "database-url", "", "postgres:// URL or SQLite path")
	flag.StringVar(&chatID, "telegram-chat-id", "", "Destination Telegram chat or channel")
	flag.IntVar(&limit, "limit", 50, "Maximum participants to process, oldest first")
	flag.BoolVar(&dryRun, "dry-run", false, "List pending participants without sending")
	flag.Parse()

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()
	if overrides["database-url"] {
		cfg.Database.URL = strings.TrimSpace(databaseURL)
	}
	if overrides["telegram-chat-id"] {
		cfg.Telegram.ChatID = strings.TrimSpace(chatID)
	}
	if strings.TrimSpace(cfg.Database.URL) == "" {
		log.Printf("redeliver: database url (CHATRELAY_DATABASE_URL or -database-url) is required")
		return 2
	}
	if !dryRun && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		log.Printf("redeliver: telegram token and chat id are required unless -dry-run is set")
		return 2
	}
	if limit <= 0 {
		log.Printf("redeliver: -limit must be positive")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatalf("redeliver: %v", err)
	}
	defer st.Close()

	pending := false
	list, err := st.ListParticipants(ctx, store.Filters{Delivered: &pending, Limit: limit, Order: store.OrderAsc})
	if err != nil {
		log.Fatalf("redeliver: list undelivered: %v", err)
	}
	if len(list) == 0 {
		log.Printf("redeliver: nothing to do")
		return 0
	}

	if dryRun {
		for _, p := range list {
			fmt.Printf("%s\t%s\t%s\n", p.ID, p.FirstSeen.UTC().Format("2006-01-02 15:04:05"), p.DisplayName)
		}
		log.Printf("redeliver: %d undelivered participants (dry run)", len(list))
		return 0
	}

	tg, err := app.NewTelegram(cfg, nil)
	if err != nil {
		log.Fatalf("redeliver: %v", err)
	}
	deliverer := app.NewDeliverer(cfg, tg, nil, nil, nil)
	loc := cfg.Location()

	sent, failed := 0, 0
	for _, p := range list {
		if ctx.Err() != nil {
			break
		}
		ok := deliverer.Deliver(ctx, relay.Notification{
			ParticipantID: p.ID,
			Name:          p.DisplayName,
			ProfileURL:    p.ProfileURL,
			AvatarURL:     p.AvatarURL,
			Timestamp:     relay.FormatTimestamp(p.FirstSeen, loc),
		})
		if !ok {
			failed++
			continue
		}
		if err := markDelivered(ctx, st, p.ID); err != nil {
			log.Printf("redeliver: mark delivered id=%s: %v", p.ID, err)
			failed++
			continue
		}
		sent++
	}
	log.Printf("redeliver: done sent=%d failed=%d pending=%d", sent, failed, len(list)-sent-failed)
	if failed > 0 {
		return 1
	}
	return 0
}

type deliveredMarker interface {
	MarkDelivered(ctx context.Context, id string) error
}

// markDelivered records an accepted send even when ctx was interrupted
// after the send went out.
func markDelivered(ctx context.Context, st deliveredMarker, id string) error {
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return st.MarkDelivered(markCtx, id)
}
