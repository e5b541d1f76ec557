package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/you/chatrelay/internal/telegram"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 3 * time.Second
	defaultErrorDelay  = 5 * time.Second
	maxAvatarBytes     = 10 << 20
	avatarFilename     = "profile.jpg"
)

// Delivery tiers, best first.
const (
	TierPhotoRich  = "photo+rich"
	TierPhotoPlain = "photo+plain"
	TierTextRich   = "text+rich"
	TierTextPlain  = "text+plain"
	TierFailed     = "failed"
)

// Messenger is the outbound messaging endpoint.
type Messenger interface {
	SendPhoto(ctx context.Context, chatID string, photo []byte, filename, caption, mode string) error
	SendMessage(ctx context.Context, chatID, text, mode string) error
}

// DeliveryObserver receives delivery outcomes for metrics.
type DeliveryObserver interface {
	ObserveDelivery(tier string, ok bool)
	IncTelegramRateLimited()
}

// SleepFunc waits for d or until ctx is done, reporting whether the full
// duration elapsed.
type SleepFunc func(ctx context.Context, d time.Duration) bool

// Notification is the input of one delivery call chain.
type Notification struct {
	ParticipantID string
	Name          string
	ProfileURL    string
	AvatarURL     string
	Timestamp     string
}

type DeliveryOptions struct {
	ChatID      string
	MaxAttempts int
	BaseDelay   time.Duration
	ErrorDelay  time.Duration
	Signature   string
	HTTPClient  *http.Client
	Observer    DeliveryObserver
	Sleep       SleepFunc
}

// Deliverer sends participant notifications with avatar, formatting
// fallback and retry/backoff.
type Deliverer struct {
	msgr        Messenger
	chatID      string
	maxAttempts int
	baseDelay   time.Duration
	errorDelay  time.Duration
	signature   string
	http        *http.Client
	observer    DeliveryObserver
	sleep       SleepFunc
}

func NewDeliverer(msgr Messenger, opts DeliveryOptions) *Deliverer {
	d := &Deliverer{
		msgr:        msgr,
		chatID:      opts.ChatID,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		errorDelay:  opts.ErrorDelay,
		signature:   opts.Signature,
		http:        opts.HTTPClient,
		observer:    opts.Observer,
		sleep:       opts.Sleep,
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = defaultMaxAttempts
	}
	if d.baseDelay < 0 {
		d.baseDelay = 0
	} else if d.baseDelay == 0 {
		d.baseDelay = defaultBaseDelay
	}
	if d.errorDelay <= 0 {
		d.errorDelay = defaultErrorDelay
	}
	if d.http == nil {
		d.http = &http.Client{Timeout: 15 * time.Second}
	}
	if d.sleep == nil {
		d.sleep = sleepContext
	}
	return d
}

// Deliver sends n and reports whether the endpoint accepted it. Errors never
// escape; every branch is logged.
func (d *Deliverer) Deliver(ctx context.Context, n Notification) bool {
	caption := BuildCaption(n, d.signature)
	if caption.ParseMode == "" {
		log.Printf("relay: caption formatting skipped id=%s", n.ParticipantID)
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		tier, err := d.attempt(ctx, n, caption)
		if err == nil {
			log.Printf("relay: delivered id=%s name=%q tier=%s attempt=%d", n.ParticipantID, n.Name, tier, attempt)
			d.observe(tier, true)
			// Pacing; the delivery already succeeded, so cancellation here
			// does not change the result.
			d.sleep(ctx, d.baseDelay*time.Duration(attempt))
			return true
		}
		lastErr = err

		if ctx.Err() != nil {
			log.Printf("relay: delivery aborted id=%s: %v", n.ParticipantID, ctx.Err())
			break
		}

		if retry, ok := telegram.RetryAfter(err); ok {
			if d.observer != nil {
				d.observer.IncTelegramRateLimited()
			}
			log.Printf("relay: rate limited id=%s name=%q retry_after=%s attempt=%d/%d", n.ParticipantID, n.Name, retry, attempt, d.maxAttempts)
			if attempt == d.maxAttempts {
				break
			}
			if !d.sleep(ctx, retry+time.Second) {
				break
			}
			continue
		}

		if attempt == d.maxAttempts {
			break
		}
		wait := d.errorDelay * time.Duration(attempt)
		log.Printf("relay: send failed id=%s name=%q attempt=%d/%d retry_in=%s: %v", n.ParticipantID, n.Name, attempt, d.maxAttempts, wait, err)
		if !d.sleep(ctx, wait) {
			break
		}
	}

	log.Printf("relay: delivery failed id=%s name=%q attempts=%d: %v", n.ParticipantID, n.Name, d.maxAttempts, lastErr)
	d.observe(TierFailed, false)
	return false
}

// attempt runs one delivery attempt: photo when an avatar can be fetched,
// text otherwise or when the photo send fails for a reason other than rate
// limiting.
func (d *Deliverer) attempt(ctx context.Context, n Notification, caption Caption) (string, error) {
	if n.AvatarURL != "" {
		photo, err := d.fetchAvatar(ctx, n.AvatarURL)
		if err != nil {
			log.Printf("relay: avatar fetch failed id=%s, sending text: %v", n.ParticipantID, err)
		} else {
			tier, err := d.sendWithDowngrade(ctx, n, caption, TierPhotoRich, TierPhotoPlain, func(text, mode string) error {
				return d.msgr.SendPhoto(ctx, d.chatID, photo, avatarFilename, text, mode)
			})
			if err == nil {
				return tier, nil
			}
			if _, limited := telegram.RetryAfter(err); limited || ctx.Err() != nil {
				return tier, err
			}
			log.Printf("relay: photo send failed id=%s, sending text: %v", n.ParticipantID, err)
		}
	}

	return d.sendWithDowngrade(ctx, n, caption, TierTextRich, TierTextPlain, func(text, mode string) error {
		return d.msgr.SendMessage(ctx, d.chatID, text, mode)
	})
}

// sendWithDowngrade sends the rich caption and, only when the endpoint
// rejects its formatting, the plain variant.
func (d *Deliverer) sendWithDowngrade(ctx context.Context, n Notification, caption Caption, richTier, plainTier string, send func(text, mode string) error) (string, error) {
	if caption.ParseMode == "" {
		return plainTier, send(caption.Text, "")
	}
	err := send(caption.Text, caption.ParseMode)
	if err == nil {
		return richTier, nil
	}
	if !telegram.IsFormatRejected(err) {
		return richTier, err
	}
	log.Printf("relay: formatting rejected id=%s tier=%s, sending plain: %v", n.ParticipantID, richTier, err)
	return plainTier, send(caption.Plain, "")
}

func (d *Deliverer) fetchAvatar(ctx context.Context, avatarURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, avatarURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("avatar status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarBytes))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty avatar")
	}
	return data, nil
}

func (d *Deliverer) observe(tier string, ok bool) {
	if d.observer != nil {
		d.observer.ObserveDelivery(tier, ok)
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
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
