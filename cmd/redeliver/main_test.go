package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/you/chatrelay/internal/core"
	"github.com/you/chatrelay/internal/store"
)

func TestMarkDeliveredSurvivesInterrupt(t *testing.T) {
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer st.Close()

	p := core.Participant{ID: "UC1", DisplayName: "Ann", ProfileURL: core.ProfileURLFor("UC1"), FirstSeen: time.Now().UTC()}
	if err := st.EnsureParticipant(context.Background(), p); err != nil {
		t.Fatalf("EnsureParticipant: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := markDelivered(ctx, st, p.ID); err != nil {
		t.Fatalf("markDelivered after interrupt: %v", err)
	}

	delivered, err := st.IsDelivered(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("IsDelivered: %v", err)
	}
	if !delivered {
		t.Fatal("expected participant marked delivered")
	}
}
