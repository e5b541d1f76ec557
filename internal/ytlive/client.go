package ytlive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/chatrelay/internal/core"
)

// ErrNotLive is returned by Open when the locator resolves to a stream that
// is not currently live.
var ErrNotLive = errors.New("ytlive: stream is not live")

const (
	defaultPollTimeout = 15 * time.Second
	defaultPollDelay   = 1500 * time.Millisecond
	maxPollAttempts    = 3
	maxRetryBackoff    = 60 * time.Second
	userAgent          = "Mozilla/5.0 (compatible; chatrelay/1.0)"
)

// Config describes one feed connection.
type Config struct {
	// Locator is a video id, a watch/youtu.be URL, a channel URL or an @handle.
	Locator     string
	CookiesFile string
	PollTimeout time.Duration
	// HTTPClient is copied; the copy receives the cookie jar.
	HTTPClient *http.Client
}

// Feed is a blocking, pull-style reader over a live chat. It is not safe for
// concurrent use; the stream bridge owns it from a single goroutine.
type Feed struct {
	http      *http.Client
	watchURL  string
	retryBase time.Duration

	apiKey        string
	clientVersion string
	continuation  string

	pending []core.ChatEvent
	polled  bool
	delay   time.Duration

	total   int
	lastLog time.Time
}

// Open resolves the locator, loads cookies and bootstraps the innertube
// session. Every call starts from scratch; there is no resume.
func Open(ctx context.Context, cfg Config) (*Feed, error) {
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	httpClient := &http.Client{Timeout: timeout}
	if cfg.HTTPClient != nil {
		clone := *cfg.HTTPClient
		httpClient = &clone
	}

	if path := strings.TrimSpace(cfg.CookiesFile); path != "" {
		jar, n, err := LoadCookies(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			log.Printf("ytlive: cookies file %s not found, continuing without authentication", path)
		case err != nil:
			return nil, fmt.Errorf("ytlive: cookies: %w", err)
		default:
			httpClient.Jar = jar
			log.Printf("ytlive: loaded %d cookies from %s", n, path)
		}
	}

	stream, err := NewResolver(httpClient).Locate(ctx, cfg.Locator)
	if err != nil {
		return nil, err
	}
	if !stream.Live {
		return nil, fmt.Errorf("%w: %s", ErrNotLive, stream.WatchURL)
	}

	f := &Feed{
		http:      httpClient,
		watchURL:  stream.WatchURL,
		retryBase: time.Second,
		delay:     defaultPollDelay,
		lastLog:   time.Now(),
	}
	if err := f.bootstrap(ctx); err != nil {
		return nil, err
	}
	log.Printf("ytlive: connected watch=%s version=%s", f.watchURL, f.clientVersion)
	return f, nil
}

// WatchURL is the canonical watch page the feed is attached to.
func (f *Feed) WatchURL() string { return f.watchURL }

// Next blocks until the next chat item is available. It returns io.EOF once
// the chat has ended and a wrapped poll error after repeated poll failures.
func (f *Feed) Next(ctx context.Context) (core.ChatEvent, error) {
	for len(f.pending) == 0 {
		if ctx.Err() != nil {
			return core.ChatEvent{}, ctx.Err()
		}
		if f.continuation == "" {
			return core.ChatEvent{}, io.EOF
		}
		if f.polled && !sleepContext(ctx, f.delay) {
			return core.ChatEvent{}, ctx.Err()
		}
		if err := f.pollWithRetry(ctx); err != nil {
			return core.ChatEvent{}, err
		}
	}
	ev := f.pending[0]
	f.pending = f.pending[1:]
	return ev, nil
}

// Close releases idle connections held by the feed's client.
func (f *Feed) Close() error {
	f.http.CloseIdleConnections()
	return nil
}

func (f *Feed) pollWithRetry(ctx context.Context) error {
	backoff := f.retryBase
	for attempt := 1; ; attempt++ {
		events, next, timeoutMs, err := f.poll(ctx)
		if err == nil {
			f.pending = append(f.pending, events...)
			f.continuation = next
			f.delay = pollDelay(timeoutMs)
			f.polled = true

			f.total += len(events)
			if time.Since(f.lastLog) >= 10*time.Second {
				log.Printf("ytlive: received %d items (total %d)", len(events), f.total)
				f.lastLog = time.Now()
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= maxPollAttempts {
			return fmt.Errorf("ytlive: poll failed after %d attempts: %w", attempt, err)
		}
		log.Printf("ytlive: poll error (attempt %d/%d): %v", attempt, maxPollAttempts, err)
		if !sleepContext(ctx, backoff) {
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
	}
}

func pollDelay(timeoutMs int) time.Duration {
	if timeoutMs <= 0 {
		return defaultPollDelay
	}
	return time.Duration(timeoutMs) * time.Millisecond
}

func (f *Feed) bootstrap(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.watchURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("ytlive: bootstrap: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ytlive: bootstrap status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return err
	}
	text := string(body)

	f.apiKey = extractString(text, `"INNERTUBE_API_KEY":"`)
	f.clientVersion = extractString(text, `"INNERTUBE_CLIENT_VERSION":"`)
	if f.apiKey == "" || f.clientVersion == "" {
		return errors.New("ytlive: could not locate api key or client version")
	}

	var initJSON string
	for _, marker := range []string{
		`window["ytInitialData"] = `,
		`ytInitialData"] = `,
		`ytInitialData = `,
		`ytInitialData":`,
	} {
		if initJSON = extractJSONObject(text, marker); initJSON != "" {
			break
		}
	}
	if initJSON == "" {
		return errors.New("ytlive: could not locate initial data")
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(initJSON), &data); err != nil {
		return fmt.Errorf("ytlive: parse initial data: %w", err)
	}

	f.continuation = findInitialContinuation(data)
	if f.continuation == "" {
		return errors.New("ytlive: live chat continuation not found (chat disabled or stream offline)")
	}
	return nil
}

func (f *Feed) poll(ctx context.Context) ([]core.ChatEvent, string, int, error) {
	endpoint := "https://www.youtube.com/youtubei/v1/live_chat/get_live_chat?prettyPrint=false&key=" + url.QueryEscape(f.apiKey)

	payload := map[string]any{
		"context": map[string]any{
			"client": map[string]any{
				"clientName":    "WEB",
				"clientVersion": f.clientVersion,
				"hl":            "en",
			},
		},
		"continuation": f.continuation,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, "", 0, fmt.Errorf("ytlive: poll status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, "", 0, err
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, "", 0, fmt.Errorf("ytlive: decode poll response: %w", err)
	}

	next, timeout := extractContinuation(decoded)
	return extractEvents(decoded), next, timeout, nil
}

// extractContinuation returns the next continuation token and its poll
// timeout. An empty token means the chat has ended.
func extractContinuation(payload map[string]any) (string, int) {
	lc := digMap(payload, "continuationContents", "liveChatContinuation")
	if lc == nil {
		return "", 0
	}
	arr, _ := lc["continuations"].([]any)
	for _, elem := range arr {
		m, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"invalidationContinuationData", "timedContinuationData", "reloadContinuationData"} {
			data := digMap(m, key)
			if data == nil {
				continue
			}
			if s, ok := data["continuation"].(string); ok && s != "" {
				return s, intField(data, "timeoutMs")
			}
		}
	}
	return "", 0
}

// rendererKinds maps chat item renderers that carry an author to event kinds.
var rendererKinds = []struct {
	key  string
	kind string
}{
	{"liveChatTextMessageRenderer", "text"},
	{"liveChatPaidMessageRenderer", "paid"},
	{"liveChatPaidStickerRenderer", "sticker"},
	{"liveChatMembershipItemRenderer", "membership"},
}

func extractEvents(payload map[string]any) []core.ChatEvent {
	var events []core.ChatEvent
	for _, action := range gatherActions(payload) {
		if item := digMap(action, "addChatItemAction", "item"); item != nil {
			events = append(events, eventsFromItem(item)...)
		}
		appendAction := digMap(action, "appendContinuationItemsAction")
		if appendAction == nil {
			continue
		}
		items, _ := appendAction["continuationItems"].([]any)
		for _, raw := range items {
			itemMap, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			events = append(events, eventsFromItem(itemMap)...)
			if nested := digMap(itemMap, "addChatItemAction", "item"); nested != nil {
				events = append(events, eventsFromItem(nested)...)
			}
		}
	}
	return events
}

func eventsFromItem(item map[string]any) []core.ChatEvent {
	var out []core.ChatEvent
	for _, rk := range rendererKinds {
		if renderer, ok := item[rk.key].(map[string]any); ok {
			out = append(out, buildEvent(rk.kind, renderer))
		}
	}
	return out
}

func gatherActions(payload map[string]any) []map[string]any {
	var out []map[string]any
	collect := func(arr []any) {
		for _, item := range arr {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	if arr, ok := payload["actions"].([]any); ok {
		collect(arr)
	}
	if arr, ok := payload["onResponseReceivedActions"].([]any); ok {
		collect(arr)
	}
	if lc := digMap(payload, "continuationContents", "liveChatContinuation"); lc != nil {
		if arr, ok := lc["actions"].([]any); ok {
			collect(arr)
		}
	}
	return out
}

func buildEvent(kind string, renderer map[string]any) core.ChatEvent {
	ev := core.ChatEvent{
		ID:         stringField(renderer, "id"),
		Kind:       kind,
		AuthorID:   strings.TrimSpace(stringField(renderer, "authorExternalChannelId")),
		AuthorName: textField(renderer, "authorName"),
		AvatarURLs: thumbnailURLs(renderer, "authorPhoto"),
		Text:       textField(renderer, "message"),
		Ts:         timestampField(renderer, "timestampUsec"),
	}
	if ev.Text == "" && kind == "membership" {
		ev.Text = textField(renderer, "headerSubtext")
	}
	if raw, err := json.Marshal(renderer); err == nil {
		ev.RawJSON = string(raw)
	}
	return ev
}

func thumbnailURLs(m map[string]any, key string) []string {
	photo := digMap(m, key)
	if photo == nil {
		return nil
	}
	thumbs, _ := photo["thumbnails"].([]any)
	var out []string
	for _, t := range thumbs {
		tm, ok := t.(map[string]any)
		if !ok {
			continue
		}
		u, _ := tm["url"].(string)
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if strings.HasPrefix(u, "//") {
			u = "https:" + u
		}
		out = append(out, u)
	}
	return out
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return n
		}
	}
	return 0
}

func textField(m map[string]any, key string) string {
	nested, ok := m[key].(map[string]any)
	if !ok {
		return ""
	}
	if s, ok := nested["simpleText"].(string); ok {
		return s
	}
	runs, ok := nested["runs"].([]any)
	if !ok {
		return ""
	}
	var builder strings.Builder
	for _, run := range runs {
		part, ok := run.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := part["text"].(string); ok {
			builder.WriteString(text)
		} else if emoji := digMap(part, "emoji"); emoji != nil {
			if shortcuts, ok := emoji["shortcuts"].([]any); ok && len(shortcuts) > 0 {
				if s, ok := shortcuts[0].(string); ok {
					builder.WriteString(s)
				}
			}
		}
	}
	return builder.String()
}

func timestampField(m map[string]any, key string) time.Time {
	var ts time.Time
	switch v := m[key].(type) {
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			ts = time.UnixMicro(n).UTC()
		}
	case float64:
		ts = time.UnixMicro(int64(v)).UTC()
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return ts
}

func extractJSONObject(text, marker string) string {
	idx := strings.Index(text, marker)
	if idx == -1 {
		return ""
	}
	start := idx + len(marker)
	for start < len(text) && (text[start] == ' ' || text[start] == '\n' || text[start] == '\r' || text[start] == '\t') {
		start++
	}
	if start >= len(text) || text[start] != '{' {
		return ""
	}
	obj, ok := sliceBalancedJSON(text[start:])
	if !ok {
		return ""
	}
	return obj
}

func extractString(text, marker string) string {
	idx := strings.Index(text, marker)
	if idx == -1 {
		return ""
	}
	start := idx + len(marker)
	end := strings.Index(text[start:], "\"")
	if end == -1 {
		return ""
	}
	return text[start : start+end]
}

func digMap(m map[string]any, keys ...string) map[string]any {
	current := m
	for _, key := range keys {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

// findInitialContinuation walks ytInitialData breadth-first and returns the
// first continuation found under a live-chat keyed node.
func findInitialContinuation(data map[string]any) string {
	type queueItem struct {
		value      any
		inLiveChat bool
	}

	queue := []queueItem{{value: data}}
	for len(queue) > 0 {
		var item queueItem
		item, queue = queue[0], queue[1:]
		switch v := item.value.(type) {
		case map[string]any:
			inLiveChat := item.inLiveChat || mapHasLiveChatKey(v)
			if inLiveChat {
				if cont := continuationFromNode(v); cont != "" {
					return cont
				}
			}
			for key, child := range v {
				queue = append(queue, queueItem{value: child, inLiveChat: inLiveChat || isLiveChatKey(key)})
			}
		case []any:
			for _, child := range v {
				queue = append(queue, queueItem{value: child, inLiveChat: item.inLiveChat})
			}
		}
	}
	return ""
}

func isLiveChatKey(key string) bool {
	return strings.Contains(strings.ToLower(key), "livechat")
}

func mapHasLiveChatKey(m map[string]any) bool {
	for key := range m {
		if isLiveChatKey(key) {
			return true
		}
	}
	return false
}

func continuationFromNode(node map[string]any) string {
	if arr, ok := node["continuations"].([]any); ok {
		for _, elem := range arr {
			m, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			for _, key := range []string{"invalidationContinuationData", "timedContinuationData", "reloadContinuationData"} {
				if next := digMap(m, key); next != nil {
					if s, ok := next["continuation"].(string); ok && s != "" {
						return s
					}
				}
			}
		}
	}
	if endpoint := digMap(node, "continuationEndpoint", "continuationCommand"); endpoint != nil {
		if s, ok := endpoint["token"].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
