package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/speechcast/internal/broadcast"
	"github.com/loqalabs/speechcast/internal/config"
	"github.com/loqalabs/speechcast/internal/natsserver"
	"github.com/loqalabs/speechcast/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBroker(t *testing.T) config.BusConfig {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	return cfg
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, newLogger()); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestMirrorPublishesBySubject(t *testing.T) {
	cfg := startBroker(t)
	client, err := Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}

	partials, err := client.conn.SubscribeSync(protocol.SubjectTranscriptPartial)
	if err != nil {
		t.Fatalf("subscribe partial: %v", err)
	}
	finals, err := client.conn.SubscribeSync(protocol.SubjectTranscriptFinal)
	if err != nil {
		t.Fatalf("subscribe final: %v", err)
	}
	if err := client.conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	queue := broadcast.New[protocol.Transcript]()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	cursor := queue.Subscribe()
	go func() {
		client.Mirror(ctx, cursor)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	queue.Publish(protocol.Transcript{SessionID: "s", Sequence: 1, Text: "hel", Partial: true})
	queue.Publish(protocol.Transcript{SessionID: "s", Sequence: 2, Text: "hello"})

	msg, err := partials.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("partial not mirrored: %v", err)
	}
	var got protocol.Transcript
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode partial: %v", err)
	}
	if got.Text != "hel" || !got.Partial || got.Sequence != 1 {
		t.Fatalf("unexpected partial %+v", got)
	}

	msg, err = finals.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("final not mirrored: %v", err)
	}
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode final: %v", err)
	}
	if got.Text != "hello" || got.Partial {
		t.Fatalf("unexpected final %+v", got)
	}
}
