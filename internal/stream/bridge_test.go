package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/you/chatrelay/internal/core"
)

type sliceSource struct {
	events []core.ChatEvent
	err    error
}

func (s *sliceSource) Next(ctx context.Context) (core.ChatEvent, error) {
	if len(s.events) == 0 {
		if s.err != nil {
			return core.ChatEvent{}, s.err
		}
		return core.ChatEvent{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (core.ChatEvent, error) {
	<-ctx.Done()
	return core.ChatEvent{}, ctx.Err()
}

func events(ids ...string) []core.ChatEvent {
	out := make([]core.ChatEvent, 0, len(ids))
	for _, id := range ids {
		out = append(out, core.ChatEvent{ID: id, AuthorID: "UC" + id})
	}
	return out
}

func TestBridgePreservesOrderThenEOF(t *testing.T) {
	ctx := context.Background()
	b := Start(ctx, &sliceSource{events: events("1", "2", "3")}, 1)
	defer b.Close()

	for _, want := range []string{"1", "2", "3"} {
		ev, err := b.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ev.ID != want {
			t.Fatalf("expected %s, got %s", want, ev.ID)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := b.Next(ctx); !errors.Is(err, io.EOF) {
			t.Fatalf("expected io.EOF, got %v", err)
		}
	}
}

func TestBridgeReraisesSourceErrorOnce(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disconnected")
	b := Start(ctx, &sliceSource{events: events("a"), err: boom}, 0)
	defer b.Close()

	ev, err := b.Next(ctx)
	if err != nil || ev.ID != "a" {
		t.Fatalf("expected event a, got %+v err=%v", ev, err)
	}
	if _, err := b.Next(ctx); !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
	if _, err := b.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after error, got %v", err)
	}
}

func TestBridgeNextHonoursContext(t *testing.T) {
	b := Start(context.Background(), blockingSource{}, 0)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestBridgeCloseStopsWorker(t *testing.T) {
	b := Start(context.Background(), blockingSource{}, 0)
	b.Close()

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after Close")
	}
	if _, err := b.Next(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled surfaced once, got %v", err)
	}
	if _, err := b.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}
