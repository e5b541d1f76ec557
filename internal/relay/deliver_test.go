package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/you/chatrelay/internal/telegram"
)

func avatarServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok.jpg", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("jpeg"))
	})
	mux.HandleFunc("/missing.jpg", http.NotFound)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestDeliverer(msgr Messenger, sleeper *sleepRecorder, obs *recordingObserver, attempts int) *Deliverer {
	opts := DeliveryOptions{
		ChatID:      "@chan",
		MaxAttempts: attempts,
		BaseDelay:   3 * time.Second,
		Sleep:       sleeper.sleep,
	}
	if obs != nil {
		opts.Observer = obs
	}
	return NewDeliverer(msgr, opts)
}

func tiers(obs *recordingObserver) []observation {
	obs.mu.Lock()
	defer obs.mu.Unlock()
	return append([]observation(nil), obs.outcomes...)
}

func TestDeliverPhotoRich(t *testing.T) {
	server := avatarServer(t)
	msgr := &scriptedMessenger{}
	sleeper := &sleepRecorder{}
	obs := &recordingObserver{}
	d := newTestDeliverer(msgr, sleeper, obs, 3)

	ok := d.Deliver(context.Background(), Notification{ParticipantID: "UC1", Name: "Ann", AvatarURL: server.URL + "/ok.jpg", Timestamp: "t"})
	if !ok {
		t.Fatal("expected success")
	}
	calls := msgr.calls()
	if len(calls) != 1 || calls[0].kind != "photo" || calls[0].mode != telegram.ParseModeMarkdownV2 || string(calls[0].photo) != "jpeg" {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if got := sleeper.recorded(); !reflect.DeepEqual(got, []time.Duration{3 * time.Second}) {
		t.Fatalf("expected one pacing sleep of 3s, got %v", got)
	}
	if got := tiers(obs); !reflect.DeepEqual(got, []observation{{TierPhotoRich, true}}) {
		t.Fatalf("unexpected observations %v", got)
	}
}

func TestDeliverFormatRejectedDowngradesInSameAttempt(t *testing.T) {
	server := avatarServer(t)
	msgr := &scriptedMessenger{results: []error{&telegram.FormatRejectedError{Method: "sendPhoto", Description: "can't parse entities"}}}
	sleeper := &sleepRecorder{}
	obs := &recordingObserver{}
	d := newTestDeliverer(msgr, sleeper, obs, 3)

	if !d.Deliver(context.Background(), Notification{ParticipantID: "UC1", Name: "Ann", AvatarURL: server.URL + "/ok.jpg", Timestamp: "t"}) {
		t.Fatal("expected success")
	}
	calls := msgr.calls()
	if len(calls) != 2 || calls[1].kind != "photo" || calls[1].mode != "" || calls[1].text != "User: Ann\nChannel: Not available\nTime: t" {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if got := sleeper.recorded(); !reflect.DeepEqual(got, []time.Duration{3 * time.Second}) {
		t.Fatalf("downgrade must not consume an attempt, sleeps %v", got)
	}
	if got := tiers(obs); got[0].tier != TierPhotoPlain {
		t.Fatalf("expected photo+plain, got %v", got)
	}
}

func TestDeliverAvatarFailureFallsBackToText(t *testing.T) {
	server := avatarServer(t)
	msgr := &scriptedMessenger{}
	obs := &recordingObserver{}
	d := newTestDeliverer(msgr, &sleepRecorder{}, obs, 3)

	if !d.Deliver(context.Background(), Notification{ParticipantID: "UC1", Name: "Ann", AvatarURL: server.URL + "/missing.jpg", Timestamp: "t"}) {
		t.Fatal("expected success")
	}
	calls := msgr.calls()
	if len(calls) != 1 || calls[0].kind != "text" || calls[0].mode != telegram.ParseModeMarkdownV2 {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if got := tiers(obs); got[0].tier != TierTextRich {
		t.Fatalf("expected text+rich, got %v", got)
	}
}

func TestDeliverPhotoErrorFallsBackToText(t *testing.T) {
	server := avatarServer(t)
	msgr := &scriptedMessenger{results: []error{&telegram.APIError{Method: "sendPhoto", StatusCode: 400, Description: "IMAGE_PROCESS_FAILED"}}}
	sleeper := &sleepRecorder{}
	d := newTestDeliverer(msgr, sleeper, nil, 3)

	if !d.Deliver(context.Background(), Notification{ParticipantID: "UC1", Name: "Ann", AvatarURL: server.URL + "/ok.jpg", Timestamp: "t"}) {
		t.Fatal("expected success")
	}
	calls := msgr.calls()
	if len(calls) != 2 || calls[0].kind != "photo" || calls[1].kind != "text" {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if got := sleeper.recorded(); !reflect.DeepEqual(got, []time.Duration{3 * time.Second}) {
		t.Fatalf("expected success on attempt 1, sleeps %v", got)
	}
}

func TestDeliverRateLimitWaitsRetryAfterPlusOne(t *testing.T) {
	msgr := &scriptedMessenger{results: []error{&telegram.RateLimitedError{Method: "sendMessage", RetryAfter: 7 * time.Second}}}
	sleeper := &sleepRecorder{}
	obs := &recordingObserver{}
	d := newTestDeliverer(msgr, sleeper, obs, 3)

	if !d.Deliver(context.Background(), Notification{ParticipantID: "UC1", Name: "Ann", Timestamp: "t"}) {
		t.Fatal("expected success on second attempt")
	}
	want := []time.Duration{8 * time.Second, 6 * time.Second}
	if got := sleeper.recorded(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	if obs.rateLimited != 1 {
		t.Fatalf("expected one rate-limit observation, got %d", obs.rateLimited)
	}
}

func TestDeliverRateLimitOnPhotoSkipsTextFallback(t *testing.T) {
	server := avatarServer(t)
	msgr := &scriptedMessenger{results: []error{&telegram.RateLimitedError{Method: "sendPhoto", RetryAfter: time.Second}}}
	d := newTestDeliverer(msgr, &sleepRecorder{}, nil, 3)

	if !d.Deliver(context.Background(), Notification{ParticipantID: "UC1", Name: "Ann", AvatarURL: server.URL + "/ok.jpg", Timestamp: "t"}) {
		t.Fatal("expected success")
	}
	calls := msgr.calls()
	if len(calls) != 2 || calls[0].kind != "photo" || calls[1].kind != "photo" {
		t.Fatalf("rate limit must end the attempt, calls %+v", calls)
	}
}

func TestDeliverGivesUpAfterMaxAttempts(t *testing.T) {
	fail := &telegram.APIError{Method: "sendMessage", StatusCode: 500}
	msgr := &scriptedMessenger{results: []error{fail, fail, fail}}
	sleeper := &sleepRecorder{}
	obs := &recordingObserver{}
	d := newTestDeliverer(msgr, sleeper, obs, 3)

	if d.Deliver(context.Background(), Notification{ParticipantID: "UC1", Name: "Ann", Timestamp: "t"}) {
		t.Fatal("expected failure")
	}
	if len(msgr.calls()) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(msgr.calls()))
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second}
	if got := sleeper.recorded(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	if got := tiers(obs); !reflect.DeepEqual(got, []observation{{TierFailed, false}}) {
		t.Fatalf("unexpected observations %v", got)
	}
}

func TestDeliverRateLimitOnLastAttemptDoesNotSleep(t *testing.T) {
	msgr := &scriptedMessenger{results: []error{&telegram.RateLimitedError{RetryAfter: 30 * time.Second}}}
	sleeper := &sleepRecorder{}
	d := newTestDeliverer(msgr, sleeper, nil, 1)

	if d.Deliver(context.Background(), Notification{ParticipantID: "UC1", Name: "Ann", Timestamp: "t"}) {
		t.Fatal("expected failure")
	}
	if got := sleeper.recorded(); len(got) != 0 {
		t.Fatalf("expected no sleeps, got %v", got)
	}
}

func TestDeliverCancelledDuringBackoff(t *testing.T) {
	fail := &telegram.APIError{Method: "sendMessage", StatusCode: 500}
	msgr := &scriptedMessenger{results: []error{fail, fail, fail}}
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDeliverer(msgr, DeliveryOptions{
		ChatID: "@chan",
		Sleep: func(ctx context.Context, d time.Duration) bool {
			cancel()
			return false
		},
	})

	if d.Deliver(ctx, Notification{ParticipantID: "UC1", Name: "Ann", Timestamp: "t"}) {
		t.Fatal("expected failure after cancellation")
	}
	if len(msgr.calls()) != 1 {
		t.Fatalf("expected a single send, got %d", len(msgr.calls()))
	}
}

func TestDeliverTextFormatRejected(t *testing.T) {
	msgr := &scriptedMessenger{results: []error{&telegram.FormatRejectedError{Description: "can't parse entities"}}}
	obs := &recordingObserver{}
	d := newTestDeliverer(msgr, &sleepRecorder{}, obs, 3)

	if !d.Deliver(context.Background(), Notification{ParticipantID: "UC1", Name: "Ann", ProfileURL: "https://u", Timestamp: "t"}) {
		t.Fatal("expected success")
	}
	calls := msgr.calls()
	if len(calls) != 2 || calls[1].mode != "" || calls[1].text != "User: Ann\nChannel: https://u\nTime: t" {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if got := tiers(obs); got[0].tier != TierTextPlain {
		t.Fatalf("expected text+plain, got %v", got)
	}
}
