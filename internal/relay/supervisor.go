package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/chatrelay/internal/core"
	"github.com/you/chatrelay/internal/stream"
)

const (
	defaultMinBackoff   = 60 * time.Second
	defaultMaxBackoff   = 300 * time.Second
	defaultBridgeBuffer = 256
)

// ErrReconnectLimit is returned by Run once the configured number of
// consecutive failed sessions has been reached.
var ErrReconnectLimit = errors.New("relay: reconnect limit reached")

// Feed is an open feed connection.
type Feed interface {
	Next(ctx context.Context) (core.ChatEvent, error)
	Close() error
}

// Connector opens a fresh feed connection.
type Connector func(ctx context.Context) (Feed, error)

// SupervisorMetrics counts reconnects.
type SupervisorMetrics interface {
	IncReconnects()
}

type SupervisorOptions struct {
	Connect       Connector
	Ingestor      *Ingestor
	BridgeBuffer  int
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	MaxReconnects int
	FollowOnEnd   bool
	Metrics       SupervisorMetrics
	Sleep         SleepFunc
	NewSessionID  func() string
}

// Status is a snapshot of the supervisor state.
type Status struct {
	Session    string    `json:"session,omitempty"`
	Streaming  bool      `json:"streaming"`
	Since      time.Time `json:"since,omitempty"`
	Sessions   int       `json:"sessions"`
	Failures   int       `json:"consecutive_failures"`
	LastError  string    `json:"last_error,omitempty"`
	LastEvents int       `json:"last_session_events"`
}

// Supervisor owns the connect → stream → backoff cycle around the ingestion
// loop.
type Supervisor struct {
	connect     Connector
	ingestor    *Ingestor
	buffer      int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxFailures int
	followOnEnd bool
	metrics     SupervisorMetrics
	sleep       SleepFunc
	newID       func() string

	reconnect chan string

	mu     sync.Mutex
	status Status
}

func NewSupervisor(opts SupervisorOptions) *Supervisor {
	s := &Supervisor{
		connect:     opts.Connect,
		ingestor:    opts.Ingestor,
		buffer:      opts.BridgeBuffer,
		minBackoff:  opts.MinBackoff,
		maxBackoff:  opts.MaxBackoff,
		maxFailures: opts.MaxReconnects,
		followOnEnd: opts.FollowOnEnd,
		metrics:     opts.Metrics,
		sleep:       opts.Sleep,
		newID:       opts.NewSessionID,
		reconnect:   make(chan string, 1),
	}
	if s.buffer <= 0 {
		s.buffer = defaultBridgeBuffer
	}
	if s.minBackoff <= 0 {
		s.minBackoff = defaultMinBackoff
	}
	if s.maxBackoff < s.minBackoff {
		s.maxBackoff = defaultMaxBackoff
		if s.maxBackoff < s.minBackoff {
			s.maxBackoff = s.minBackoff
		}
	}
	if s.sleep == nil {
		s.sleep = sleepContext
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// Reconnect ends the current session, or the current backoff wait, and
// starts a fresh one. Requests made while one is pending are coalesced, and
// requests made while a session is being opened are dropped once it opens.
func (s *Supervisor) Reconnect(reason string) {
	select {
	case s.reconnect <- reason:
	default:
	}
}

// Status returns a snapshot for health endpoints.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run supervises sessions until ctx is done, the feed ends cleanly (unless
// FollowOnEnd is set) or the reconnect limit is reached. Shutdown through
// ctx is not an error.
func (s *Supervisor) Run(ctx context.Context) error {
	backoff := s.minBackoff
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		session := s.newID()
		n, forced, err := s.runSession(ctx, session)
		if ctx.Err() != nil {
			log.Printf("relay: supervisor stopping session=%s events=%d", session, n)
			return nil
		}

		if forced {
			backoff = s.minBackoff
			failures = 0
			s.setIdle(session, n, nil, failures)
			continue
		}

		if err == nil {
			failures = 0
			backoff = s.minBackoff
			s.setIdle(session, n, nil, failures)
			if !s.followOnEnd {
				log.Printf("relay: feed ended session=%s events=%d", session, n)
				return nil
			}
			log.Printf("relay: feed ended session=%s events=%d, reconnecting in %s", session, n, backoff)
			if !s.wait(ctx, backoff) {
				return nil
			}
			continue
		}

		if n > 0 {
			backoff = s.minBackoff
			failures = 0
		}
		failures++
		s.setIdle(session, n, err, failures)

		if s.maxFailures > 0 && failures >= s.maxFailures {
			log.Printf("relay: giving up session=%s failures=%d: %v", session, failures, err)
			return fmt.Errorf("%w after %d consecutive failures: %v", ErrReconnectLimit, failures, err)
		}

		log.Printf("relay: session error session=%s events=%d failures=%d reconnect_in=%s: %v", session, n, failures, backoff, err)
		if s.metrics != nil {
			s.metrics.IncReconnects()
		}
		if !s.wait(ctx, backoff) {
			return nil
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

// runSession opens the feed, bridges it and runs the ingestion loop until
// the stream ends. forced reports that Reconnect interrupted the session.
func (s *Supervisor) runSession(ctx context.Context, session string) (int, bool, error) {
	log.Printf("relay: connecting session=%s", session)
	feed, err := s.connect(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("connect: %w", err)
	}

	// A forced reconnect stops reading the feed only. An event already being
	// handled finishes on ctx.
	readCtx, stopRead := context.WithCancel(ctx)
	defer stopRead()

	bridge := stream.Start(readCtx, feed, s.buffer)
	defer func() {
		bridge.Close()
		if err := feed.Close(); err != nil {
			log.Printf("relay: feed close session=%s: %v", session, err)
		}
	}()

	// Requests made while connecting are already served by this session.
	select {
	case reason := <-s.reconnect:
		log.Printf("relay: reconnect request dropped session=%s reason=%q: session just connected", session, reason)
	default:
	}

	s.setStreaming(session)
	log.Printf("relay: streaming session=%s", session)

	var (
		forced bool
		wg     sync.WaitGroup
	)
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case reason := <-s.reconnect:
			log.Printf("relay: reconnect requested session=%s reason=%q", session, reason)
			forced = true
			stopRead()
		case <-done:
		}
	}()

	n, err := s.ingestor.Run(ctx, session, interruptible{src: bridge, stop: readCtx})
	close(done)
	wg.Wait()

	if forced {
		return n, true, nil
	}
	return n, false, err
}

// interruptible ends every read once stop is done.
type interruptible struct {
	src  EventSource
	stop context.Context
}

func (r interruptible) Next(ctx context.Context) (core.ChatEvent, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unhook := context.AfterFunc(r.stop, cancel)
	defer unhook()
	return r.src.Next(ctx)
}

// wait sleeps for d, returning early when a reconnect is requested. It
// reports false when ctx is done.
func (s *Supervisor) wait(ctx context.Context, d time.Duration) bool {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case reason := <-s.reconnect:
			log.Printf("relay: reconnect requested during backoff reason=%q", reason)
			cancel()
		case <-waitCtx.Done():
		}
	}()

	s.sleep(waitCtx, d)
	cancel()
	wg.Wait()
	return ctx.Err() == nil
}

func (s *Supervisor) setStreaming(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Session = session
	s.status.Streaming = true
	s.status.Since = time.Now().UTC()
	s.status.Sessions++
}

func (s *Supervisor) setIdle(session string, events int, err error, failures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Session = session
	s.status.Streaming = false
	s.status.Since = time.Now().UTC()
	s.status.Failures = failures
	s.status.LastEvents = events
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
}
