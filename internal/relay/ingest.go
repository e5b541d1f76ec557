package relay

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"strings"
	"time"

	"github.com/you/chatrelay/internal/core"
	"github.com/you/chatrelay/internal/ingesttrace"
)

// ErrStale is returned by Run when the feed stays silent longer than the
// configured stale timeout.
var ErrStale = errors.New("relay: feed stale")

// markTimeout bounds the delivered update once a send has succeeded. It runs
// detached from the session so shutdown or a reconnect cannot lose it.
const markTimeout = 10 * time.Second

// ParticipantStore is the dedup contract the loop depends on.
type ParticipantStore interface {
	EnsureParticipant(ctx context.Context, p core.Participant) error
	IsDelivered(ctx context.Context, id string) (bool, error)
	MarkDelivered(ctx context.Context, id string) error
}

// Notifier delivers one notification and reports success.
type Notifier interface {
	Deliver(ctx context.Context, n Notification) bool
}

// EventSource yields feed events; io.EOF ends the stream.
type EventSource interface {
	Next(ctx context.Context) (core.ChatEvent, error)
}

// IngestMetrics receives per-event counters.
type IngestMetrics interface {
	IncEvents()
	IncNewParticipants()
	IncStoreErrors(op string)
}

type IngestOptions struct {
	Store    ParticipantStore
	Notifier Notifier
	Metrics  IngestMetrics
	Logger   *slog.Logger
	// Location is the zone of the caption timestamp.
	Location *time.Location
	// StaleTimeout ends a session whose feed yields nothing for this long.
	// Zero disables the watchdog.
	StaleTimeout time.Duration
	// OnDelivered is called with every participant marked delivered.
	OnDelivered func(core.Participant)
	Now         func() time.Time
}

// Ingestor applies the dedup contract to each event and delivers new
// participants.
type Ingestor struct {
	store       ParticipantStore
	notifier    Notifier
	metrics     IngestMetrics
	logger      *slog.Logger
	loc         *time.Location
	stale       time.Duration
	onDelivered func(core.Participant)
	now         func() time.Time
}

func NewIngestor(opts IngestOptions) *Ingestor {
	in := &Ingestor{
		store:       opts.Store,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		loc:         opts.Location,
		stale:       opts.StaleTimeout,
		onDelivered: opts.OnDelivered,
		now:         opts.Now,
	}
	if in.logger == nil {
		in.logger = slog.Default()
	}
	if in.loc == nil {
		in.loc = time.UTC
	}
	if in.now == nil {
		in.now = time.Now
	}
	return in
}

// Run consumes src until it ends and returns the number of events received.
// A clean end of stream returns a nil error; a source error, ErrStale or the
// context error is returned as is. Per-event failures never stop the loop.
func (in *Ingestor) Run(ctx context.Context, session string, src EventSource) (int, error) {
	processed := 0
	for {
		ev, err := in.next(ctx, src)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return processed, nil
			}
			return processed, err
		}
		processed++
		in.handle(ctx, session, ev)
	}
}

func (in *Ingestor) next(ctx context.Context, src EventSource) (core.ChatEvent, error) {
	if in.stale <= 0 {
		return src.Next(ctx)
	}
	waitCtx, cancel := context.WithTimeout(ctx, in.stale)
	defer cancel()
	ev, err := src.Next(waitCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return core.ChatEvent{}, ErrStale
	}
	return ev, err
}

func (in *Ingestor) handle(ctx context.Context, session string, ev core.ChatEvent) {
	trace := ingesttrace.NewEventTrace(session, ev.ID, ev.AuthorID, ev.Text)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("relay: event panic session=%s event=%s author=%s: %v", session, ev.ID, ev.AuthorID, r)
			trace.Mark(ingesttrace.StageDropped("panic"))
		}
		trace.LogTrace(in.logger, "relay event")
	}()

	if in.metrics != nil {
		in.metrics.IncEvents()
	}

	if strings.TrimSpace(ev.AuthorID) == "" {
		trace.Mark(ingesttrace.StageDropped("no_identity"))
		return
	}
	trace.Mark(ingesttrace.StageIdentified)

	p := core.ParticipantFromEvent(ev, in.now())
	if err := in.store.EnsureParticipant(ctx, p); err != nil {
		in.storeError(trace, "ensure", p, err)
		return
	}
	trace.Mark(ingesttrace.StagePersisted)

	delivered, err := in.store.IsDelivered(ctx, p.ID)
	if err != nil {
		in.storeError(trace, "is_delivered", p, err)
		return
	}
	if delivered {
		trace.Mark(ingesttrace.StageAlreadyDelivered)
		return
	}

	if in.metrics != nil {
		in.metrics.IncNewParticipants()
	}
	log.Printf("relay: new participant id=%s name=%q", p.ID, p.DisplayName)

	ok := in.notifier.Deliver(ctx, Notification{
		ParticipantID: p.ID,
		Name:          p.DisplayName,
		ProfileURL:    p.ProfileURL,
		AvatarURL:     p.AvatarURL,
		Timestamp:     FormatTimestamp(in.now(), in.loc),
	})
	if !ok {
		trace.Mark(ingesttrace.StageDeliveryFailed)
		return
	}

	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer cancel()
	if err := in.store.MarkDelivered(markCtx, p.ID); err != nil {
		in.storeError(trace, "mark_delivered", p, err)
		return
	}
	trace.Mark(ingesttrace.StageDelivered)

	if in.onDelivered != nil {
		at := in.now().UTC()
		p.Delivered = true
		p.DeliveredAt = &at
		in.onDelivered(p)
	}
}

func (in *Ingestor) storeError(trace *ingesttrace.EventTrace, op string, p core.Participant, err error) {
	log.Printf("relay: store %s failed id=%s: %v", op, p.ID, err)
	if in.metrics != nil {
		in.metrics.IncStoreErrors(op)
	}
	trace.Mark(ingesttrace.StageDropped("store_error"))
}
