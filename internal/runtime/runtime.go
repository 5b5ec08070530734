package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/speechcast/internal/audio"
	"github.com/loqalabs/speechcast/internal/broadcast"
	"github.com/loqalabs/speechcast/internal/bus"
	"github.com/loqalabs/speechcast/internal/config"
	"github.com/loqalabs/speechcast/internal/eventstore"
	"github.com/loqalabs/speechcast/internal/natsserver"
	"github.com/loqalabs/speechcast/internal/pipeline"
	"github.com/loqalabs/speechcast/internal/protocol"
	"github.com/loqalabs/speechcast/internal/server"
	"github.com/loqalabs/speechcast/internal/stt"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	queue      *broadcast.Queue[protocol.Transcript]
	pipeline   *pipeline.Pipeline
	recognizer stt.Recognizer
	tcp        *server.TCP
	httpServer *http.Server
	history    *eventstore.Store
	bus        *bus.Client
	embedded   *natsserver.EmbeddedServer

	telemetryClose func(context.Context) error
	metricsHandler http.Handler

	running  atomic.Bool
	tcpAddr  atomic.Value // net.Addr
	httpAddr atomic.Value // net.Addr
	wg       sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	if cfg.STT.SampleRate == 0 {
		cfg.STT.SampleRate = cfg.Audio.SampleRate
	}
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		queue:  broadcast.New[protocol.Transcript](),
	}
}

// Start brings every component up, runs the pipeline and blocks until ctx is
// cancelled or the pipeline fails fatally. Components started before a
// failure are shut down before Start returns.
func (r *Runtime) Start(ctx context.Context) (err error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		cancel()
		r.shutdown()
	}()

	if err := r.setup(runCtx); err != nil {
		return err
	}

	pipeErr := make(chan error, 1)
	r.running.Store(true)
	go func() { pipeErr <- r.pipeline.Run(runCtx) }()

	r.logger.Info("runtime started",
		slog.String("session_id", r.pipeline.SessionID()),
		slog.String("tcp_addr", r.TCPAddr().String()))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runtime stopping")
			<-r.pipeline.Done()
			return nil
		case err := <-pipeErr:
			if err == nil {
				continue
			}
			if errors.Is(err, audio.ErrDeviceUnavailable) || r.cfg.Pipeline.ExitOnCaptureLoss {
				return err
			}
			r.logger.Warn("pipeline stopped, clients stay connected until shutdown",
				slog.String("error", err.Error()))
			pipeErr = nil
		}
	}
}

func (r *Runtime) setup(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	history, err := eventstore.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	r.history = history

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		embedded, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.embedded = embedded
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return err
		}
		r.bus = client
	}

	recognizer, err := stt.New(ctx, r.cfg.STT, r.logger)
	if err != nil {
		return fmt.Errorf("init recognizer: %w", err)
	}
	r.recognizer = recognizer

	src, err := audio.NewSource(r.cfg.Audio, r.logger)
	if err != nil {
		return fmt.Errorf("init audio source: %w", err)
	}

	r.tcp = server.NewTCP(r.cfg.Server, r.queue, r.logger)
	if err := r.tcp.Listen(); err != nil {
		return err
	}
	r.tcpAddr.Store(r.tcp.Addr())

	r.pipeline = pipeline.New(src, recognizer, r.queue, pipeline.Options{
		WindowLength: r.cfg.Pipeline.WindowLength,
	}, r.logger)

	if r.cfg.HTTP.Enabled {
		if err := r.startHTTP(ctx); err != nil {
			return err
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.tcp.Serve(ctx); err != nil {
			r.logger.Error("tcp server failed", slog.String("error", err.Error()))
		}
	}()

	if r.history.Enabled() {
		if err := r.history.AppendSession(ctx, r.pipeline.SessionID()); err != nil {
			r.logger.Warn("failed to record session", slog.String("error", err.Error()))
		}
		cursor := r.queue.Subscribe()
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.history.Record(ctx, cursor)
		}()
	}
	if r.bus != nil {
		cursor := r.queue.Subscribe()
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.bus.Mirror(ctx, cursor)
		}()
	}
	return nil
}

// startHTTP serves the health, history, metrics and websocket endpoints.
// Request contexts derive from ctx so streaming handlers end with the runtime.
func (r *Runtime) startHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/transcripts", r.handleTranscripts)
	mux.HandleFunc("/sessions", r.handleSessions)
	mux.Handle("/ws", server.NewWebSocket(r.queue, r.logger))
	if r.metricsHandler != nil {
		mux.Handle("/metrics", r.metricsHandler)
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.httpAddr.Store(ln.Addr())
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("http server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// shutdown releases whatever setup managed to start, in reverse order.
func (r *Runtime) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.running.Load() {
		select {
		case <-r.pipeline.Done():
		case <-shutdownCtx.Done():
			r.logger.Error("pipeline did not stop in time")
		}
	}
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.tcp != nil {
		if err := r.tcp.Close(); err != nil {
			r.logger.Error("tcp shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.recognizer != nil {
		if err := r.recognizer.Close(); err != nil {
			r.logger.Error("recognizer close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.embedded.Shutdown()
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Error("history close error", slog.String("error", err.Error()))
		}
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	r.logger.Info("runtime stopped")
}

// TCPAddr returns the bound transcript stream address once Start has
// reached it.
func (r *Runtime) TCPAddr() net.Addr {
	addr, _ := r.tcpAddr.Load().(net.Addr)
	return addr
}

// HTTPAddr returns the bound HTTP address when the HTTP surface is enabled.
func (r *Runtime) HTTPAddr() net.Addr {
	addr, _ := r.httpAddr.Load().(net.Addr)
	return addr
}
