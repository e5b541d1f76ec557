package ytlive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// Stream is the outcome of resolving a feed locator.
type Stream struct {
	VideoID  string
	WatchURL string
	Live     bool
}

// Resolver turns a locator (video id, URL or @handle) into a watch page.
type Resolver struct {
	http *http.Client
}

// NewResolver creates a resolver backed by client, or a default client with
// a 10s timeout when client is nil.
func NewResolver(client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{http: client}
}

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// Locate resolves the locator. A bare video id is trusted as live without a
// page fetch; the bootstrap step fails later if it has no live chat.
func (r *Resolver) Locate(ctx context.Context, locator string) (Stream, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return Stream{}, errors.New("ytlive: empty locator")
	}
	if videoIDPattern.MatchString(locator) {
		return Stream{VideoID: locator, WatchURL: watchURLFromVideoID(locator), Live: true}, nil
	}

	normalized, err := normalizeYouTubeURL(locator)
	if err != nil {
		return Stream{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, normalized.String(), nil)
	if err != nil {
		return Stream{}, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.http.Do(req)
	if err != nil {
		return Stream{}, fmt.Errorf("ytlive: resolve: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Stream{}, fmt.Errorf("ytlive: resolve status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return Stream{}, err
	}
	rawBody := string(body)

	if videoID, live, ok := extractInitialPlayerState(rawBody); ok {
		return Stream{VideoID: videoID, WatchURL: watchURLFromVideoID(videoID), Live: live}, nil
	}

	// Redirects from /@handle/live land on /watch?v=... when a stream is up.
	videoID := ""
	if final := resp.Request.URL; final != nil && strings.EqualFold(final.Path, "/watch") {
		videoID = strings.TrimSpace(final.Query().Get("v"))
	}
	if videoID == "" {
		return Stream{}, nil
	}
	return Stream{
		VideoID:  videoID,
		WatchURL: watchURLFromVideoID(videoID),
		Live:     containsLiveIndicator(decodePage(rawBody)),
	}, nil
}

// normalizeYouTubeURL coerces YouTube URLs and handle shorthand into
// fetchable https://www.youtube.com URLs.
func normalizeYouTubeURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("ytlive: empty url")
	}
	if strings.HasPrefix(trimmed, "@") {
		trimmed = "https://www.youtube.com/" + trimmed
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("ytlive: parse url: %w", err)
	}
	u.Fragment = ""

	switch strings.ToLower(u.Host) {
	case "youtu.be":
		id := strings.Trim(u.Path, "/")
		if id == "" {
			return nil, errors.New("ytlive: missing video id in youtu.be url")
		}
		return url.Parse(watchURLFromVideoID(id))
	case "youtube.com", "www.youtube.com", "m.youtube.com":
		u.Scheme = "https"
		u.Host = "www.youtube.com"

		switch {
		case strings.HasPrefix(u.Path, "/@"):
			p := strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/live")
			u.Path = p + "/live"
			u.RawQuery = ""
		case strings.HasPrefix(u.Path, "/channel/"):
			p := strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/live")
			u.Path = p + "/live"
			u.RawQuery = ""
		case strings.EqualFold(u.Path, "/watch"):
			videoID := strings.TrimSpace(u.Query().Get("v"))
			if videoID == "" {
				return nil, errors.New("ytlive: watch url missing video id")
			}
			u.RawQuery = url.Values{"v": []string{videoID}}.Encode()
		case strings.HasPrefix(u.Path, "/live/"):
			id := strings.Trim(strings.TrimPrefix(u.Path, "/live/"), "/")
			if id == "" {
				return nil, errors.New("ytlive: live url missing video id")
			}
			return url.Parse(watchURLFromVideoID(id))
		default:
			u.Path = path.Clean(u.Path)
		}
		return u, nil
	default:
		return nil, fmt.Errorf("ytlive: unsupported host %q", u.Host)
	}
}

func watchURLFromVideoID(videoID string) string {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return ""
	}
	values := url.Values{"v": []string{videoID}}
	return (&url.URL{Scheme: "https", Host: "www.youtube.com", Path: "/watch", RawQuery: values.Encode()}).String()
}

func extractInitialPlayerState(body string) (string, bool, bool) {
	for _, marker := range []string{"ytInitialPlayerResponse", "ytInitialData"} {
		raw, ok := extractJSONAssignment(body, marker)
		if !ok {
			continue
		}
		videoID, live, hasVideo, err := parseInitialPlayerJSON(raw)
		if err != nil || !hasVideo {
			continue
		}
		return videoID, live, true
	}
	return "", false, false
}

func extractJSONAssignment(body, marker string) (string, bool) {
	search := 0
	for {
		idx := strings.Index(body[search:], marker)
		if idx == -1 {
			return "", false
		}
		idx += search
		pos := idx + len(marker)
		for pos < len(body) {
			ch := body[pos]
			if ch == '=' {
				pos++
				break
			}
			if unicode.IsSpace(rune(ch)) || ch == ']' || ch == '"' || ch == '\'' || ch == '.' || ch == ')' {
				pos++
				continue
			}
			pos = -1
			break
		}
		if pos == -1 || pos >= len(body) {
			search = idx + len(marker)
			continue
		}
		for pos < len(body) && unicode.IsSpace(rune(body[pos])) {
			pos++
		}
		if pos >= len(body) {
			return "", false
		}
		if body[pos] != '{' && body[pos] != '[' {
			search = idx + len(marker)
			continue
		}
		jsonSlice, ok := sliceBalancedJSON(body[pos:])
		if !ok {
			search = idx + len(marker)
			continue
		}
		return jsonSlice, true
	}
}

// sliceBalancedJSON returns the leading JSON object or array of s, skipping
// brackets that appear inside strings.
func sliceBalancedJSON(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	stack := make([]rune, 0, 8)
	inString := false
	escape := false
	for i, r := range s {
		if inString {
			if escape {
				escape = false
				continue
			}
			if r == '\\' {
				escape = true
				continue
			}
			if r == '"' {
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, r)
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			open := stack[len(stack)-1]
			if (open == '{' && r != '}') || (open == '[' && r != ']') {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

type playerResponsePayload struct {
	VideoDetails struct {
		VideoID       string `json:"videoId"`
		IsLive        bool   `json:"isLive"`
		IsLiveContent bool   `json:"isLiveContent"`
	} `json:"videoDetails"`
	PlayabilityStatus struct {
		Status string `json:"status"`
	} `json:"playabilityStatus"`
	Microformat struct {
		Renderer struct {
			LiveBroadcastDetails *struct {
				IsLiveNow bool   `json:"isLiveNow"`
				EndTime   string `json:"endTimestamp"`
			} `json:"liveBroadcastDetails"`
		} `json:"playerMicroformatRenderer"`
	} `json:"microformat"`
}

func parseInitialPlayerJSON(raw string) (string, bool, bool, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &root); err != nil {
		return "", false, false, err
	}

	payload := playerResponsePayload{}
	src := []byte(raw)
	if nested, ok := root["playerResponse"]; ok {
		src = nested
	}
	if err := json.Unmarshal(src, &payload); err != nil {
		return "", false, false, err
	}

	videoID := strings.TrimSpace(payload.VideoDetails.VideoID)
	if videoID == "" {
		return "", false, false, nil
	}

	live := payload.VideoDetails.IsLive
	if details := payload.Microformat.Renderer.LiveBroadcastDetails; details != nil {
		live = live || (details.IsLiveNow && details.EndTime == "")
	}
	if !live && payload.VideoDetails.IsLiveContent && !strings.EqualFold(payload.PlayabilityStatus.Status, "LIVE_STREAM_OFFLINE") {
		// Live content without an explicit end is treated as live; bootstrap
		// fails cleanly when there is no chat.
		live = payload.Microformat.Renderer.LiveBroadcastDetails == nil || payload.Microformat.Renderer.LiveBroadcastDetails.EndTime == ""
	}
	return videoID, live, true, nil
}

func decodePage(body string) string {
	text := strings.ReplaceAll(body, "\\/", "/")
	text = strings.ReplaceAll(text, "\\u0026", "&")
	return html.UnescapeString(text)
}

func containsLiveIndicator(body string) bool {
	lowered := strings.ToLower(body)
	for _, marker := range []string{`"islivenow":true`, `"islive":true`, "livechatrenderer"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
