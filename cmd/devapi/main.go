// Command devapi serves the public HTTP API over a local SQLite store and
// accepts synthetic chat events, running them through the real ingestion
// loop with a notifier that only logs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/you/chatrelay/internal/core"
	"github.com/you/chatrelay/internal/httpapi"
	"github.com/you/chatrelay/internal/relay"
	"github.com/you/chatrelay/internal/store"
)

type emitReq struct {
	ID         string    `json:"id,omitempty"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	AvatarURL  string    `json:"avatar_url,omitempty"`
	Text       string    `json:"text"`
	Ts         time.Time `json:"ts,omitempty"`
}

// logNotifier prints the caption instead of sending it.
type logNotifier struct {
	signature string
	fail      bool
}

func (n logNotifier) Deliver(_ context.Context, note relay.Notification) bool {
	caption := relay.BuildCaption(note, n.signature)
	log.Printf("devapi: notify id=%s mode=%q\n%s", note.ParticipantID, caption.ParseMode, caption.Text)
	return !n.fail
}

// oneEvent is an EventSource that yields a single event.
type oneEvent struct {
	ev   core.ChatEvent
	done bool
}

func (o *oneEvent) Next(context.Context) (core.ChatEvent, error) {
	if o.done {
		return core.ChatEvent{}, io.EOF
	}
	o.done = true
	return o.ev, nil
}

func main() {
	var (
		addr      string
		dbPath    string
		signature string
		fail      bool
	)

	flag.StringVar(&addr, "addr", ":8765", "HTTP listen address")
	flag.StringVar(&dbPath, "db", "devapi.db", "SQLite database path")
	flag.StringVar(&signature, "signature", "", "Caption signature line")
	flag.BoolVar(&fail, "fail", false, "Report every delivery as failed")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.OpenSQLite(ctx, dbPath)
	if err != nil {
		log.Fatalf("devapi: open sqlite: %v", err)
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		log.Fatalf("devapi: ping: %v", err)
	}

	metrics := httpapi.NewMetrics()
	api := httpapi.New(st, httpapi.Options{
		Addr:            addr,
		EnableMetrics:   true,
		EnableAccessLog: true,
		Metrics:         metrics,
		ConfigSnapshot:  map[string]any{"mode": "devapi", "db": dbPath},
	})

	ingestor := relay.NewIngestor(relay.IngestOptions{
		Store:       st,
		Notifier:    logNotifier{signature: signature, fail: fail},
		Metrics:     metrics,
		Logger:      slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})),
		OnDelivered: api.Broadcast,
	})

	// The ingestor is single-threaded by contract.
	var ingestMu sync.Mutex
	api.Mux().HandleFunc("POST /emit", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req emitReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Text == "" {
			http.Error(w, "text required", http.StatusBadRequest)
			return
		}
		if req.Ts.IsZero() {
			req.Ts = time.Now().UTC()
		}
		if req.ID == "" {
			req.ID = "dev-" + req.Ts.Format("20060102T150405.000000000Z07:00")
		}
		ev := core.ChatEvent{
			ID:         req.ID,
			Ts:         req.Ts,
			AuthorID:   req.AuthorID,
			AuthorName: req.AuthorName,
			Text:       req.Text,
			Kind:       "text",
		}
		if req.AuthorID != "" {
			ev.AuthorURL = core.ProfileURLFor(req.AuthorID)
		}
		if req.AvatarURL != "" {
			ev.AvatarURLs = []string{req.AvatarURL}
		}

		ingestMu.Lock()
		_, err := ingestor.Run(r.Context(), "devapi", &oneEvent{ev: ev})
		ingestMu.Unlock()
		if err != nil {
			http.Error(w, "ingest failed: "+err.Error(), http.StatusInternalServerError)
			return
		}

		resp := map[string]any{"ok": true, "id": ev.ID}
		if req.AuthorID != "" {
			delivered, err := st.IsDelivered(r.Context(), req.AuthorID)
			if err != nil {
				http.Error(w, "lookup failed: "+err.Error(), http.StatusInternalServerError)
				return
			}
			resp["delivered"] = delivered
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("devapi: shutdown: %v", err)
		}
	}()

	log.Printf("devapi listening on %s (db=%s)", addr, dbPath)
	if err := api.Start(); err != nil {
		log.Fatalf("devapi: %v", err)
	}
}
