package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/speechcast/internal/broadcast"
	"github.com/loqalabs/speechcast/internal/config"
	"github.com/loqalabs/speechcast/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.HistoryConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "history.db")
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEphemeral(t *testing.T) {
	s := openStore(t, config.HistoryConfig{RetentionMode: "ephemeral"})
	if s.Enabled() {
		t.Fatal("ephemeral store should not hold a database")
	}
	if err := s.AppendTranscript(context.Background(), protocol.Transcript{SessionID: "s", Text: "x"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	entries, err := s.ListSessionTranscripts(context.Background(), "s", 10)
	if err != nil || entries != nil {
		t.Fatalf("expected nothing stored, got %v %v", entries, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	s := openStore(t, config.HistoryConfig{RetentionMode: "session"})
	ctx := context.Background()

	for _, tr := range []protocol.Transcript{
		{SessionID: "session-123", Sequence: 9, Text: "second"},
		{SessionID: "session-123", Sequence: 4, Text: "first"},
		{SessionID: "other", Sequence: 1, Text: "elsewhere"},
	} {
		if err := s.AppendTranscript(ctx, tr); err != nil {
			t.Fatalf("append transcript: %v", err)
		}
	}

	entries, err := s.ListSessionTranscripts(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Text != "first" || entries[0].Sequence != 4 || entries[1].Text != "second" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	sessions, err := s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %+v", sessions)
	}
}

func TestAppendRejectsMissingSession(t *testing.T) {
	s := openStore(t, config.HistoryConfig{RetentionMode: "session"})
	if err := s.AppendTranscript(context.Background(), protocol.Transcript{Text: "orphan"}); err == nil {
		t.Fatal("expected error for transcript without session")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	s := openStore(t, config.HistoryConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.AppendSession(ctx, "old-session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := s.AppendTranscript(ctx, protocol.Transcript{SessionID: "old-session", Sequence: 1, Text: "note"}); err != nil {
		t.Fatalf("append transcript: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.AppendSession(ctx, "new-session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	entries, err := s.ListSessionTranscripts(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(entries) != 0 {
		t.Fatal("expected old session pruned")
	}
	sessions, err := s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("expected only new-session to remain, got %+v", sessions)
	}
}

func TestRecordStoresFinalTranscripts(t *testing.T) {
	s := openStore(t, config.HistoryConfig{RetentionMode: "session"})
	queue := broadcast.New[protocol.Transcript]()
	cursor := queue.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Record(ctx, cursor)
		close(done)
	}()

	queue.Publish(protocol.Transcript{SessionID: "live", Sequence: 1, Text: "hel", Partial: true})
	queue.Publish(protocol.Transcript{SessionID: "live", Sequence: 2, Text: "hello"})
	queue.Publish(protocol.Transcript{SessionID: "live", Sequence: 3, Text: ""})

	deadline := time.Now().Add(2 * time.Second)
	var entries []Entry
	for time.Now().Before(deadline) {
		var err error
		entries, err = s.ListSessionTranscripts(context.Background(), "live", 10)
		if err != nil {
			t.Fatalf("list transcripts: %v", err)
		}
		if len(entries) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if len(entries) != 1 || entries[0].Text != "hello" || entries[0].Sequence != 2 {
		t.Fatalf("expected only the final transcript, got %+v", entries)
	}
}
