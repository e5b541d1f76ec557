package core

import (
	"strings"
	"time"
)

// ChatEvent is a single item pulled from the live chat feed.
type ChatEvent struct {
	ID         string    // feed-native item id
	Ts         time.Time // item timestamp
	Kind       string    // "text" | "paid" | "sticker" | "membership"
	AuthorID   string    // stable author channel id; empty when the item carries none
	AuthorName string
	AuthorURL  string   // optional
	AvatarURLs []string // optional, smallest first as served by the feed
	Text       string
	RawJSON    string // raw renderer payload for audit/debugging
}

// Participant is the persisted record of a feed author.
type Participant struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	ProfileURL  string     `json:"profile_url"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	FirstSeen   time.Time  `json:"first_seen"`
	Delivered   bool       `json:"delivered"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	RawJSON     string     `json:"-"`
}

// ProfileURLFor returns the public channel page for a YouTube channel id.
func ProfileURLFor(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return "https://www.youtube.com/channel/" + id
}

// ParticipantFromEvent derives the participant record for the author of ev.
func ParticipantFromEvent(ev ChatEvent, seen time.Time) Participant {
	p := Participant{
		ID:          strings.TrimSpace(ev.AuthorID),
		DisplayName: ev.AuthorName,
		ProfileURL:  strings.TrimSpace(ev.AuthorURL),
		FirstSeen:   seen.UTC(),
		RawJSON:     ev.RawJSON,
	}
	if p.ProfileURL == "" {
		p.ProfileURL = ProfileURLFor(p.ID)
	}
	if n := len(ev.AvatarURLs); n > 0 {
		p.AvatarURL = ev.AvatarURLs[n-1]
	}
	return p
}
