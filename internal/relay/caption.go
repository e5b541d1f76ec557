package relay

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/you/chatrelay/internal/telegram"
)

const (
	maxNameRunes    = 30
	maxNameMarkers  = 2
	maxCaptionRunes = 1024

	timestampLayout = "2006-01-02 15:04:05"
	notAvailable    = "Not available"
	unsafeName      = "User (name contains special characters)"
)

// markdownV2Special lists every character MarkdownV2 requires to be escaped
// outside entities.
const markdownV2Special = "_*[]()~`>#+-=|{}.!\\"

// Caption is the rendered notification body. Text is sent with ParseMode; if
// the endpoint rejects its formatting, Plain is sent without a parse mode.
type Caption struct {
	Text      string
	ParseMode string
	Plain     string
}

// EscapeMarkdownV2 backslash-escapes every MarkdownV2 control character in s.
func EscapeMarkdownV2(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		if strings.ContainsRune(markdownV2Special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FormatTimestamp renders t in loc using the caption layout.
func FormatTimestamp(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(timestampLayout)
}

func needsSanitizing(name string) bool {
	return utf8.RuneCountInString(name) > maxNameRunes ||
		strings.Count(name, "*") > maxNameMarkers ||
		strings.Count(name, "_") > maxNameMarkers
}

// sanitizeName returns the escaped display name. Long or marker-heavy names
// are stripped of markers, cut and tagged as sanitized.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if !needsSanitizing(name) {
		return EscapeMarkdownV2(name)
	}
	cleaned := strings.NewReplacer("*", "", "_", "").Replace(name)
	cleaned = strings.TrimSpace(truncateRunes(cleaned, maxNameRunes))
	return EscapeMarkdownV2(cleaned) + " " + EscapeMarkdownV2("(sanitized)")
}

// channelLink renders the profile link. Inside the URL part of a MarkdownV2
// link only the parentheses are significant.
func channelLink(profileURL string) string {
	profileURL = strings.TrimSpace(profileURL)
	if profileURL == "" {
		return EscapeMarkdownV2(notAvailable)
	}
	safe := strings.NewReplacer("(", "\\(", ")", "\\)").Replace(profileURL)
	return "[Click Here](" + safe + ")"
}

// BuildCaption renders n. It never fails: a name that cannot be rendered
// safely yields an unformatted caption with a placeholder name.
func BuildCaption(n Notification, signature string) Caption {
	plain := plainCaption(n)

	if !utf8.ValidString(n.Name) || !utf8.ValidString(n.ProfileURL) {
		return Caption{Text: unformattedCaption(n), Plain: plain}
	}

	lines := []string{
		"✨ *Name:* " + sanitizeName(n.Name),
		"📺 *Channel:* " + channelLink(n.ProfileURL) + " 🔗",
		"⏰ *Date&Time:* " + EscapeMarkdownV2(n.Timestamp),
	}
	if sig := strings.TrimSpace(signature); sig != "" {
		lines = append(lines, "🤖 "+EscapeMarkdownV2(sig))
	}
	rich := strings.Join(lines, "\n")
	if utf8.RuneCountInString(rich) > maxCaptionRunes {
		return Caption{Text: unformattedCaption(n), Plain: plain}
	}
	return Caption{Text: rich, ParseMode: telegram.ParseModeMarkdownV2, Plain: plain}
}

func plainCaption(n Notification) string {
	url := strings.TrimSpace(n.ProfileURL)
	if url == "" {
		url = notAvailable
	}
	text := "User: " + strings.ToValidUTF8(n.Name, "?") + "\nChannel: " + strings.ToValidUTF8(url, "?") + "\nTime: " + n.Timestamp
	return truncateRunes(text, maxCaptionRunes)
}

func unformattedCaption(n Notification) string {
	link := notAvailable
	if strings.TrimSpace(n.ProfileURL) != "" && utf8.ValidString(n.ProfileURL) {
		link = strings.TrimSpace(n.ProfileURL)
	}
	text := "✨ Name: " + unsafeName + "\n📺 Channel: " + link + "\n⏰ Time: " + n.Timestamp
	return truncateRunes(text, maxCaptionRunes)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
