package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testToken = "123:secret"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c, err := New(Options{Token: testToken, BaseURL: server.URL + "/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Options{Token: "  "}); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestGetMe(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bot"+testToken+"/getMe" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"Relay","username":"relay_bot"}}`)
	})

	u, err := c.GetMe(context.Background())
	if err != nil {
		t.Fatalf("GetMe: %v", err)
	}
	if u.ID != 42 || u.Username != "relay_bot" || !u.IsBot {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestSendMessagePayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body["chat_id"] != "@channel" || body["text"] != "hi *there*" || body["parse_mode"] != ParseModeMarkdownV2 {
			t.Errorf("unexpected body: %v", body)
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":{}}`)
	})

	if err := c.SendMessage(context.Background(), "@channel", "hi *there*", ParseModeMarkdownV2); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
}

func TestSendMessagePlainOmitsParseMode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["parse_mode"]; ok {
			t.Errorf("plain message carried parse_mode: %v", body)
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":{}}`)
	})

	if err := c.SendMessage(context.Background(), "1", "plain", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
}

func TestSendPhotoMultipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendPhoto") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		if r.FormValue("chat_id") != "-100" || r.FormValue("caption") != "cap" || r.FormValue("parse_mode") != ParseModeMarkdownV2 {
			t.Errorf("unexpected fields: %v", r.MultipartForm.Value)
		}
		f, hdr, err := r.FormFile("photo")
		if err != nil {
			t.Errorf("photo part: %v", err)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if hdr.Filename != "avatar_UC1.jpg" || string(data) != "jpegbytes" {
			t.Errorf("unexpected file %q %q", hdr.Filename, data)
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":{}}`)
	})

	if err := c.SendPhoto(context.Background(), "-100", []byte("jpegbytes"), "avatar_UC1.jpg", "cap", ParseModeMarkdownV2); err != nil {
		t.Fatalf("SendPhoto: %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			body:   `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`,
			check: func(t *testing.T, err error) {
				d, ok := RetryAfter(err)
				if !ok || d != 7*time.Second {
					t.Fatalf("expected 7s retry-after, got %v ok=%v (%v)", d, ok, err)
				}
			},
		},
		{
			name:   "format rejected",
			status: http.StatusBadRequest,
			body:   `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities: Character '(' is reserved"}`,
			check: func(t *testing.T, err error) {
				if !IsFormatRejected(err) {
					t.Fatalf("expected format rejection, got %v", err)
				}
				if _, ok := RetryAfter(err); ok {
					t.Fatalf("format rejection reported as rate limit")
				}
			},
		},
		{
			name:   "other",
			status: http.StatusForbidden,
			body:   `{"ok":false,"error_code":403,"description":"Forbidden: bot is not a member of the channel chat"}`,
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				if !errors.As(err, &apiErr) || apiErr.Code != 403 || apiErr.StatusCode != 403 {
					t.Fatalf("expected APIError 403, got %v", err)
				}
				if IsFormatRejected(err) {
					t.Fatalf("forbidden classified as format rejection")
				}
			},
		},
		{
			name:   "non json",
			status: http.StatusBadGateway,
			body:   `<html>bad gateway</html>`,
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
					t.Fatalf("expected APIError 502, got %v", err)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			err := c.SendMessage(context.Background(), "1", "x", ParseModeMarkdownV2)
			if err == nil {
				t.Fatal("expected error")
			}
			tc.check(t, err)
		})
	}
}

func TestTransportErrorRedactsToken(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	base := server.URL
	server.Close()

	c, err := New(Options{Token: testToken, BaseURL: base, HTTPClient: &http.Client{Timeout: time.Second}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = c.SendMessage(context.Background(), "1", "x", "")
	if err == nil {
		t.Fatal("expected transport error")
	}
	if strings.Contains(err.Error(), "secret") {
		t.Fatalf("token leaked in error: %v", err)
	}
}
