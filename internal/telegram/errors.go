package telegram

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RateLimitedError is returned when the Bot API asks the caller to back off.
type RateLimitedError struct {
	Method      string
	RetryAfter  time.Duration
	Description string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("telegram: %s rate limited, retry after %s", e.Method, e.RetryAfter)
}

// FormatRejectedError is returned when the Bot API refuses a message because
// its entities (MarkdownV2, HTML) could not be parsed.
type FormatRejectedError struct {
	Method      string
	Description string
}

func (e *FormatRejectedError) Error() string {
	return fmt.Sprintf("telegram: %s rejected formatting: %s", e.Method, e.Description)
}

// APIError is any other unsuccessful Bot API response.
type APIError struct {
	Method      string
	StatusCode  int
	Code        int
	Description string
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("telegram: %s failed: %s (code=%d http=%d)", e.Method, e.Description, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("telegram: %s failed: http=%d", e.Method, e.StatusCode)
}

// RetryAfter reports the back-off requested by a rate-limit error anywhere in
// err's chain.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsFormatRejected reports whether err is a formatting rejection.
func IsFormatRejected(err error) bool {
	var fr *FormatRejectedError
	return errors.As(err, &fr)
}

var formatMarkers = []string{
	"can't parse entities",
	"can't find end of",
	"unsupported start tag",
	"entity beginning",
	"character '",
}

func classify(method string, status int, env envelope) error {
	if status == 429 || env.Parameters.RetryAfter > 0 {
		retry := env.Parameters.RetryAfter
		if retry <= 0 {
			retry = 1
		}
		return &RateLimitedError{
			Method:      method,
			RetryAfter:  time.Duration(retry) * time.Second,
			Description: env.Description,
		}
	}
	if status == 400 || env.ErrorCode == 400 {
		desc := strings.ToLower(env.Description)
		for _, marker := range formatMarkers {
			if strings.Contains(desc, marker) {
				return &FormatRejectedError{Method: method, Description: env.Description}
			}
		}
	}
	return &APIError{
		Method:      method,
		StatusCode:  status,
		Code:        env.ErrorCode,
		Description: env.Description,
	}
}
