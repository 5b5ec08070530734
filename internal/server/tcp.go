// Package server streams published transcripts to network clients.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/speechcast/internal/broadcast"
	"github.com/loqalabs/speechcast/internal/config"
	"github.com/loqalabs/speechcast/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrClientWrite marks a failed write to one client connection.
var ErrClientWrite = errors.New("client write failure")

const writeTimeout = 30 * time.Second

// TCP serves the raw text of every published transcript to each connected
// client. Clients receive only what is published after they connect; no
// framing is added unless AppendNewline is set.
type TCP struct {
	cfg   config.ServerConfig
	queue *broadcast.Queue[protocol.Transcript]
	log   *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup

	clients   atomic.Int64
	connected metric.Int64UpDownCounter
	sent      metric.Int64Counter
}

func NewTCP(cfg config.ServerConfig, queue *broadcast.Queue[protocol.Transcript], log *slog.Logger) *TCP {
	s := &TCP{
		cfg:   cfg,
		queue: queue,
		log:   log.With(slog.String("component", "tcp-server")),
		conns: make(map[net.Conn]struct{}),
	}
	meter := otel.Meter("github.com/loqalabs/speechcast/internal/server")
	var err error
	if s.connected, err = meter.Int64UpDownCounter("speechcast.server.clients",
		metric.WithDescription("Connected TCP clients")); err != nil {
		s.log.Warn("client gauge unavailable", slog.String("error", err.Error()))
	}
	if s.sent, err = meter.Int64Counter("speechcast.server.bytes_sent",
		metric.WithDescription("Transcript bytes written to TCP clients"),
		metric.WithUnit("By")); err != nil {
		s.log.Warn("byte counter unavailable", slog.String("error", err.Error()))
	}
	return s
}

// Listen binds the configured address. Serve calls it when needed.
func (s *TCP) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	if s.ln != nil {
		return nil
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.ln = ln
	s.log.Info("tcp server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *TCP) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Clients returns the number of connections currently streaming.
func (s *TCP) Clients() int {
	return int(s.clients.Load())
}

// Serve accepts connections until ctx is cancelled or Close is called, then
// waits for every connection handler to finish.
func (s *TCP) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.log.Error("accept failed", slog.String("error", err.Error()))
			_ = s.Close()
			s.wg.Wait()
			return fmt.Errorf("accept: %w", err)
		}

		// Subscribe before handing off so nothing published after accept is missed.
		cursor := s.queue.Subscribe()
		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn, cursor)
		}()
	}
}

// Close stops accepting and disconnects every client.
func (s *TCP) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	return err
}

func (s *TCP) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *TCP) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *TCP) handle(ctx context.Context, conn net.Conn, cursor *broadcast.Cursor[protocol.Transcript]) {
	remote := conn.RemoteAddr().String()
	log := s.log.With(slog.String("remote", remote))

	s.clients.Add(1)
	s.gauge(ctx, 1)
	log.Info("client connected", slog.Int("clients", s.Clients()))

	connCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		_ = conn.Close()
		s.untrack(conn)
		s.clients.Add(-1)
		s.gauge(context.Background(), -1)
		log.Info("client disconnected", slog.Int("clients", s.Clients()))
	}()

	// Clients never send anything meaningful. A clean EOF only means the peer
	// closed its write side and may still be reading, so the stream continues
	// until a write fails. Any other read error is a real disconnect.
	go func() {
		_, err := io.Copy(io.Discard, conn)
		if err != nil {
			cancel()
		}
	}()

	for {
		item, err := cursor.Next(connCtx)
		if err != nil {
			return
		}
		payload := []byte(item.Text)
		if s.cfg.AppendNewline {
			payload = append(payload, '\n')
		}
		if len(payload) == 0 {
			continue
		}
		if err := s.write(conn, payload); err != nil {
			if connCtx.Err() == nil {
				log.Warn("dropping client", slog.String("error", err.Error()))
			}
			return
		}
		if s.sent != nil {
			s.sent.Add(connCtx, int64(len(payload)))
		}
	}
}

func (s *TCP) write(conn net.Conn, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrClientWrite, err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrClientWrite, err)
	}
	return nil
}

func (s *TCP) gauge(ctx context.Context, delta int64) {
	if s.connected != nil {
		s.connected.Add(ctx, delta)
	}
}
