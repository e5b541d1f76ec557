package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/chatrelay/internal/core"
	"github.com/you/chatrelay/internal/store"
)

const (
	clientBuffer  = 64
	keepaliveTick = 20 * time.Second
	writeTimeout  = 5 * time.Second
	pingMessage   = "Service is active and monitoring YouTube chat"
)

// Store is the read side of the dedup store used by the API.
type Store interface {
	CountParticipants(ctx context.Context, filters store.Filters) (int64, error)
	ListParticipants(ctx context.Context, filters store.Filters) ([]core.Participant, error)
	Ping(ctx context.Context) error
}

type Options struct {
	Addr            string
	CORSOrigins     []string
	RateLimitRPS    int
	RateLimitBurst  int
	EnableMetrics   bool
	EnableAccessLog bool
	EnablePprof     bool
	Build           BuildInfo
	ConfigSnapshot  any
	// Status returns the relay state shown at /info.
	Status  func() any
	Metrics *Metrics
	Now     func() time.Time
}

type liveClient struct {
	ch        chan core.Participant
	transport string
	filters   store.Filters
}

// Server is the public HTTP surface: liveness, participant queries and live
// pushes of newly delivered participants.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	store      Store
	opts       Options
	metrics    *Metrics
	limiter    *visitorLimiter
	cors       *corsPolicy
	started    time.Time

	mu      sync.Mutex
	clients map[*liveClient]struct{}
	closed  bool
}

func New(st Store, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	metrics := opts.Metrics
	if metrics == nil && opts.EnableMetrics {
		metrics = NewMetrics()
	}
	srv := &Server{
		mux:     http.NewServeMux(),
		store:   st,
		opts:    opts,
		metrics: metrics,
		limiter: newVisitorLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:    newCORSPolicy(opts.CORSOrigins),
		started: opts.Now(),
		clients: make(map[*liveClient]struct{}),
	}

	srv.handle("/", "root", srv.handleRoot)
	srv.handle("/health", "health", srv.handleHealth)
	srv.handle("/ping", "ping", srv.handlePing)
	srv.handle("/healthz", "healthz", srv.handleHealthz)
	srv.handle("/info", "info", srv.handleInfo)
	srv.handle("/participants", "participants", srv.handleParticipants)
	srv.handle("/count", "count", srv.handleCount)
	srv.handle("/stream", "stream", srv.handleStream)
	srv.handle("/ws", "ws", srv.handleWS)
	if opts.EnableMetrics && metrics != nil {
		srv.mux.Handle("/metrics", metrics.Handler())
	}
	if opts.EnablePprof {
		srv.mux.HandleFunc("/debug/pprof/", pprof.Index)
		srv.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		srv.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		srv.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		srv.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Mux exposes the router so other packages can register routes.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handle(pattern, route string, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.wrap(route, h))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.handleHealth(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "alive",
		"timestamp": s.opts.Now().Format("2006-01-02 15:04:05"),
		"message":   pingMessage,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	count, err := s.store.CountParticipants(r.Context(), filters)
	if err != nil {
		log.Printf("http: count participants: %v", err)
		http.Error(w, "count error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.store.ListParticipants(r.Context(), filters)
	if err != nil {
		log.Printf("http: list participants: %v", err)
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []core.Participant{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	client := s.register("sse", filters)
	if client == nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.unregister(client)
	s.metrics.IncSSEClients(1)
	defer s.metrics.IncSSEClients(-1)

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(keepaliveTick)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case p, ok := <-client.ch:
			if !ok {
				return
			}
			data, err := json.Marshal(p)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: participant\ndata: %s\n\n", data)
			flusher.Flush()
			s.metrics.IncParticipantsSent("sse")
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(baseWriter(w), r, s.acceptOptions())
	if err != nil {
		log.Printf("http: ws accept: %v", err)
		return
	}

	client := s.register("ws", filters)
	if client == nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.unregister(client)
	s.metrics.IncWSClients(1)
	defer s.metrics.IncWSClients(-1)

	// Clients only listen; CloseRead handles their control frames.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(keepaliveTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case p, ok := <-client.ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			data, err := json.Marshal(p)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
			s.metrics.IncParticipantsSent("ws")
		}
	}
}

// acceptOptions mirrors the CORS policy onto the WebSocket origin check.
func (s *Server) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	if s.cors == nil {
		return opts
	}
	if s.cors.allowAll {
		opts.InsecureSkipVerify = true
		return opts
	}
	for origin := range s.cors.origins {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			opts.OriginPatterns = append(opts.OriginPatterns, u.Host)
		}
	}
	return opts
}

func (s *Server) register(transport string, filters store.Filters) *liveClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	c := &liveClient{ch: make(chan core.Participant, clientBuffer), transport: transport, filters: filters}
	s.clients[c] = struct{}{}
	return c
}

func (s *Server) unregister(c *liveClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

// Broadcast pushes a newly delivered participant to every matching live
// client. Slow clients drop the update.
func (s *Server) Broadcast(p core.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		if !matches(c.filters, p) {
			continue
		}
		select {
		case c.ch <- p:
		default:
			s.metrics.IncBroadcastDrops(c.transport)
		}
	}
}

func (s *Server) Start() error {
	log.Printf("http: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.clients {
		close(c.ch)
		delete(s.clients, c)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func routeForLog(r *http.Request) string {
	if q := r.URL.RawQuery; q != "" {
		return r.URL.Path + "?" + strings.ReplaceAll(q, "\n", "")
	}
	return r.URL.Path
}
