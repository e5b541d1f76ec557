package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/chatrelay/internal/core"
	"github.com/you/chatrelay/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// ParseFilters parses query parameters into store filters:
// limit, order (asc|desc), since (RFC3339, unix seconds or a duration back
// from now), name (comma separated, substring match) and delivered.
func ParseFilters(values url.Values) (store.Filters, error) {
	f := store.Filters{
		Limit: defaultLimit,
		Order: store.OrderDesc,
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return store.Filters{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "desc":
			f.Order = store.OrderDesc
		case "asc":
			f.Order = store.OrderAsc
		default:
			return store.Filters{}, errors.New("order must be asc or desc")
		}
	}

	if rawSince := values.Get("since"); rawSince != "" {
		parsed, err := parseSince(rawSince)
		if err != nil {
			return store.Filters{}, err
		}
		f.Since = &parsed
	}

	if raw := values.Get("delivered"); raw != "" {
		v, err := parseBool(raw)
		if err != nil {
			return store.Filters{}, errors.New("delivered must be true or false")
		}
		f.Delivered = &v
	}

	seen := make(map[string]struct{})
	for _, raw := range values["name"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			lowered := strings.ToLower(part)
			if _, exists := seen[lowered]; !exists {
				f.Names = append(f.Names, lowered)
				seen[lowered] = struct{}{}
			}
		}
	}

	return f, nil
}

// FiltersFromRequest parses filters from an HTTP request.
func FiltersFromRequest(r *http.Request) (store.Filters, error) {
	return ParseFilters(r.URL.Query())
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y":
		return true, nil
	case "0", "false", "no", "n":
		return false, nil
	}
	return false, errors.New("invalid bool")
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid since parameter")
}

// matches reports whether a pushed participant satisfies the filters of a
// live client. Limit and order do not apply to streams.
func matches(f store.Filters, p core.Participant) bool {
	if f.Delivered != nil && p.Delivered != *f.Delivered {
		return false
	}

	if len(f.Names) > 0 {
		name := strings.ToLower(p.DisplayName)
		match := false
		for _, n := range f.Names {
			if strings.Contains(name, n) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if f.Since != nil && p.FirstSeen.Before(f.Since.UTC()) {
		return false
	}

	return true
}
