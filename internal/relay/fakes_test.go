package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/you/chatrelay/internal/core"
	"github.com/you/chatrelay/internal/store"
)

type sentMessage struct {
	kind  string // "photo" | "text"
	text  string
	mode  string
	photo []byte
}

// scriptedMessenger returns results[i] for the i-th send call and nil after
// the script runs out.
type scriptedMessenger struct {
	mu      sync.Mutex
	results []error
	sent    []sentMessage
}

func (m *scriptedMessenger) next(msg sentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	if len(m.results) == 0 {
		return nil
	}
	err := m.results[0]
	m.results = m.results[1:]
	return err
}

func (m *scriptedMessenger) SendPhoto(ctx context.Context, chatID string, photo []byte, filename, caption, mode string) error {
	return m.next(sentMessage{kind: "photo", text: caption, mode: mode, photo: photo})
}

func (m *scriptedMessenger) SendMessage(ctx context.Context, chatID, text, mode string) error {
	return m.next(sentMessage{kind: "text", text: text, mode: mode})
}

func (m *scriptedMessenger) calls() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

// sleepRecorder records requested sleeps without waiting.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) bool {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err() == nil
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

type observation struct {
	tier string
	ok   bool
}

type recordingObserver struct {
	mu          sync.Mutex
	outcomes    []observation
	rateLimited int
}

func (o *recordingObserver) ObserveDelivery(tier string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, observation{tier: tier, ok: ok})
}

func (o *recordingObserver) IncTelegramRateLimited() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rateLimited++
}

type memoryStore struct {
	mu           sync.Mutex
	participants map[string]core.Participant
	ensureErr    map[string]error
	markCalls    map[string]int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		participants: make(map[string]core.Participant),
		ensureErr:    make(map[string]error),
		markCalls:    make(map[string]int),
	}
}

func (s *memoryStore) EnsureParticipant(ctx context.Context, p core.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureErr[p.ID]; err != nil {
		return err
	}
	if _, ok := s.participants[p.ID]; !ok {
		s.participants[p.ID] = p
	}
	return nil
}

func (s *memoryStore) IsDelivered(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participants[id].Delivered, nil
}

func (s *memoryStore) MarkDelivered(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return store.ErrUnknownParticipant
	}
	s.markCalls[id]++
	if !p.Delivered {
		now := time.Now().UTC()
		p.Delivered = true
		p.DeliveredAt = &now
		s.participants[id] = p
	}
	return nil
}

func (s *memoryStore) get(id string) (core.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	return p, ok
}

// scriptedNotifier answers Deliver from a per-id script; ids without a
// script succeed.
type scriptedNotifier struct {
	mu      sync.Mutex
	results map[string][]bool
	panics  map[string]bool
	got     []Notification
}

func (n *scriptedNotifier) Deliver(ctx context.Context, note Notification) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, note)
	if n.panics[note.ParticipantID] {
		panic("boom")
	}
	script := n.results[note.ParticipantID]
	if len(script) == 0 {
		return true
	}
	ok := script[0]
	n.results[note.ParticipantID] = script[1:]
	return ok
}

func (n *scriptedNotifier) delivered() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.got...)
}

// sliceFeed yields events, then err (io.EOF when nil). It blocks on ctx
// instead when block is set.
type sliceFeed struct {
	mu     sync.Mutex
	events []core.ChatEvent
	err    error
	block  bool
	closed bool
}

func (f *sliceFeed) Next(ctx context.Context) (core.ChatEvent, error) {
	f.mu.Lock()
	if len(f.events) > 0 {
		ev := f.events[0]
		f.events = f.events[1:]
		f.mu.Unlock()
		return ev, nil
	}
	block, err := f.block, f.err
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return core.ChatEvent{}, ctx.Err()
	}
	if err != nil {
		return core.ChatEvent{}, err
	}
	return core.ChatEvent{}, io.EOF
}

func (f *sliceFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func chatEvent(authorID, name string) core.ChatEvent {
	return core.ChatEvent{
		ID:         "ev-" + authorID,
		AuthorID:   authorID,
		AuthorName: name,
		AvatarURLs: []string{"https://yt3.example/" + authorID + "-s.jpg", "https://yt3.example/" + authorID + ".jpg"},
		Text:       "hello",
		Kind:       "text",
	}
}

var errBoom = errors.New("boom")
