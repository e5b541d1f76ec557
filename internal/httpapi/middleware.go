package httpapi

import (
	"compress/gzip"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Liveness routes are polled by the hosting platform and the keep-alive job
// and are never rate limited.
var unlimitedRoutes = map[string]bool{"root": true, "health": true, "ping": true}

// Long-lived responses are never compressed.
var streamingRoutes = map[string]bool{"stream": true, "ws": true}

// wrap runs a route handler behind rate limiting, CORS and compression, and
// records every request in the access log and request metrics.
func (s *Server) wrap(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		ip := clientIP(r)
		defer func() {
			dur := time.Since(start)
			s.metrics.ObserveRequest(route, r.Method, sw.code(), dur)
			if s.opts.EnableAccessLog {
				log.Printf("http: %s %s route=%s status=%d bytes=%d dur=%s ip=%s", r.Method, routeForLog(r), route, sw.code(), sw.size, dur.Round(time.Microsecond), ip)
			}
		}()

		if !unlimitedRoutes[route] && !s.limiter.allow(ip) {
			s.metrics.IncRateLimited()
			http.Error(sw, "rate limited", http.StatusTooManyRequests)
			return
		}
		if s.cors.intercept(sw, r) {
			return
		}
		if !streamingRoutes[route] && acceptsGzip(r) {
			cw := newCompressWriter(sw)
			defer cw.Close()
		}
		next(sw, r)
	})
}

// statusWriter remembers the status code and body size. It stays the
// outermost writer even when compression is on.
type statusWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.size += int64(n)
	return n, err
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// baseWriter returns the writer beneath statusWriter. WebSocket upgrades need
// its http.Hijacker.
func baseWriter(w http.ResponseWriter) http.ResponseWriter {
	if sw, ok := w.(*statusWriter); ok && sw.ResponseWriter != nil {
		return sw.ResponseWriter
	}
	return w
}

func acceptsGzip(r *http.Request) bool {
	if r.Header.Get("Upgrade") != "" {
		return false
	}
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(enc), ";")
		if strings.EqualFold(name, "gzip") {
			return true
		}
	}
	return false
}

type compressWriter struct {
	http.ResponseWriter
	gz *gzip.Writer
}

// newCompressWriter slides a gzip layer under sw.
func newCompressWriter(sw *statusWriter) *compressWriter {
	cw := &compressWriter{ResponseWriter: sw.ResponseWriter, gz: gzip.NewWriter(sw.ResponseWriter)}
	h := sw.Header()
	h.Set("Content-Encoding", "gzip")
	h.Add("Vary", "Accept-Encoding")
	h.Del("Content-Length")
	sw.ResponseWriter = cw
	return cw
}

func (c *compressWriter) Write(b []byte) (int, error) { return c.gz.Write(b) }

func (c *compressWriter) Flush() {
	_ = c.gz.Flush()
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (c *compressWriter) Close() error { return c.gz.Close() }

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// visitorLimiter keeps one token bucket per client IP and forgets clients
// idle for longer than idleTTL.
type visitorLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

func newVisitorLimiter(rps, burst int) *visitorLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &visitorLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		idleTTL:  5 * time.Minute,
		visitors: make(map[string]*visitor),
	}
}

func (l *visitorLimiter) allow(ip string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.idleTTL {
		for key, v := range l.visitors {
			if now.Sub(v.lastSeen) > l.idleTTL {
				delete(l.visitors, key)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, since the
// service normally runs behind the hosting platform's proxy.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type corsPolicy struct {
	allowAll bool
	origins  map[string]struct{}
}

func newCORSPolicy(origins []string) *corsPolicy {
	policy := &corsPolicy{origins: make(map[string]struct{})}
	for _, origin := range origins {
		switch o := strings.TrimRight(strings.TrimSpace(origin), "/"); o {
		case "":
		case "*":
			policy.allowAll = true
		default:
			policy.origins[o] = struct{}{}
		}
	}
	if !policy.allowAll && len(policy.origins) == 0 {
		return nil
	}
	return policy
}

func (c *corsPolicy) allowed(origin string) bool {
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		return false
	}
	if c.allowAll {
		return true
	}
	_, ok := c.origins[origin]
	return ok
}

// intercept applies the policy to r. It reports true when it has already
// answered the request: a preflight, or a forbidden origin.
func (c *corsPolicy) intercept(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if c == nil || origin == "" {
		return false
	}
	h := w.Header()
	h.Add("Vary", "Origin")
	if !c.allowed(origin) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return true
	}
	h.Set("Access-Control-Allow-Origin", origin)
	if r.Method != http.MethodOptions {
		return false
	}
	h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		h.Set("Access-Control-Allow-Headers", reqHeaders)
	}
	h.Set("Access-Control-Max-Age", "300")
	w.WriteHeader(http.StatusNoContent)
	return true
}
