// Package telegram is a small Bot API client covering the calls the relay
// needs: getMe, sendMessage and sendPhoto.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.telegram.org"

	// ParseModeMarkdownV2 selects Telegram's MarkdownV2 entity parser. An
	// empty parse mode sends plain text.
	ParseModeMarkdownV2 = "MarkdownV2"
)

type Options struct {
	Token         string
	BaseURL       string
	HTTPClient    *http.Client
	RatePerMinute int
}

type Client struct {
	token   string
	base    string
	http    *http.Client
	limiter *rate.Limiter
}

// User is the subset of the Bot API user object returned by getMe.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func New(opts Options) (*Client, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, errors.New("telegram: bot token required")
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Client{token: token, base: base, http: client}
	if opts.RatePerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), 1)
	}
	return c, nil
}

// GetMe verifies the token and returns the bot identity.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var u User
	if err := c.call(ctx, "getMe", nil, "", &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// SendMessage posts text to chatID. mode is "" or ParseModeMarkdownV2.
func (c *Client) SendMessage(ctx context.Context, chatID, text, mode string) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if mode != "" {
		payload["parse_mode"] = mode
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.call(ctx, "sendMessage", bytes.NewReader(body), "application/json", nil)
}

// SendPhoto uploads photo as a multipart file with the given caption.
func (c *Client) SendPhoto(ctx context.Context, chatID string, photo []byte, filename, caption, mode string) error {
	if len(photo) == 0 {
		return errors.New("telegram: empty photo")
	}
	if filename == "" {
		filename = "avatar.jpg"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{{"chat_id", chatID}, {"caption", caption}}
	if mode != "" {
		fields = append(fields, [2]string{"parse_mode", mode})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("photo", filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(photo); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return c.call(ctx, "sendPhoto", &buf, mw.FormDataContentType(), nil)
}

func (c *Client) call(ctx context.Context, method string, body io.Reader, contentType string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	httpMethod := http.MethodGet
	if body != nil {
		httpMethod = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, c.base+"/bot"+c.token+"/"+method, body)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, c.redact(err))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, c.redact(err))
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil && resp.StatusCode/100 == 2 {
		return fmt.Errorf("telegram: %s: decode response: %w", method, err)
	}
	if resp.StatusCode/100 != 2 || !env.OK {
		return classify(method, resp.StatusCode, env)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("telegram: %s: decode result: %w", method, err)
		}
	}
	return nil
}

// redact strips the bot token from transport errors, which embed the URL.
func (c *Client) redact(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		ue.URL = strings.ReplaceAll(ue.URL, c.token, "<token>")
	}
	return err
}
