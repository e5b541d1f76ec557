package httpadmin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// Reconnector restarts the feed session.
type Reconnector interface {
	Reconnect(reason string)
}

type Server struct {
	rec    Reconnector
	status func() any
	token  string
}

// New creates the admin routes. When token is non-empty every admin call
// must carry it as a bearer token. status may be nil.
func New(rec Reconnector, status func() any, token string) *Server {
	return &Server{rec: rec, status: status, token: strings.TrimSpace(token)}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/feed", s.authorized(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var status any = map[string]string{}
		if s.status != nil {
			status = s.status()
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(status)
	}))
	mux.HandleFunc("/admin/feed/reconnect", s.authorized(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		reason := strings.TrimSpace(r.URL.Query().Get("reason"))
		if reason == "" {
			reason = "admin request"
		}
		s.rec.Reconnect(reason)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "reconnecting": true, "reason": reason})
	}))
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}
