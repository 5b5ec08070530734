// Package pipeline runs the capture, window, recognize, publish loop for one
// audio session.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/speechcast/internal/audio"
	"github.com/loqalabs/speechcast/internal/broadcast"
	"github.com/loqalabs/speechcast/internal/protocol"
	"github.com/loqalabs/speechcast/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/speechcast/internal/pipeline"

// State is the pipeline's position in its cycle.
type State int32

const (
	Idle State = iota
	Capturing
	Windowing
	Recognizing
	Publishing
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Windowing:
		return "windowing"
	case Recognizing:
		return "recognizing"
	case Publishing:
		return "publishing"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Options struct {
	// WindowLength is the number of blocks resubmitted on every cycle.
	WindowLength int
	// SessionID tags published transcripts. A random id is used when empty.
	SessionID string
}

// Pipeline owns the audio source and the sliding window. The recognizer is
// borrowed and must be closed by the caller.
type Pipeline struct {
	src       audio.Source
	rec       stt.Recognizer
	out       *broadcast.Queue[protocol.Transcript]
	window    *audio.Window
	sessionID string
	log       *slog.Logger
	tracer    trace.Tracer
	metrics   *instruments

	state   atomic.Int32
	started atomic.Bool
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func New(src audio.Source, rec stt.Recognizer, out *broadcast.Queue[protocol.Transcript], opts Options, log *slog.Logger) *Pipeline {
	length := opts.WindowLength
	if length <= 0 {
		length = audio.DefaultWindowLength
	}
	session := opts.SessionID
	if session == "" {
		session = uuid.NewString()
	}
	log = log.With(slog.String("component", "pipeline"), slog.String("session_id", session))

	m, err := newInstruments(otel.Meter(instrumentationName))
	if err != nil {
		log.Warn("pipeline metrics disabled", slog.String("error", err.Error()))
	}

	return &Pipeline{
		src:       src,
		rec:       rec,
		out:       out,
		window:    audio.NewWindow(length),
		sessionID: session,
		log:       log,
		tracer:    otel.Tracer(instrumentationName),
		metrics:   m,
		done:      make(chan struct{}),
	}
}

func (p *Pipeline) SessionID() string { return p.sessionID }

func (p *Pipeline) State() State { return State(p.state.Load()) }

// Backlog returns the number of captured blocks waiting behind the current
// cycle. Sources that do not buffer always report 0.
func (p *Pipeline) Backlog() int {
	if b, ok := p.src.(audio.Backlogged); ok {
		return b.Pending()
	}
	return 0
}

// Done is closed once Run has returned.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Err reports why the pipeline stopped. It is nil while running and after a
// cancellation.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Run opens the source and processes blocks until ctx is cancelled or the
// device is lost. Cancellation returns nil. The source is closed on every
// return path.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("pipeline already started")
	}
	defer func() {
		if cerr := p.src.Close(); cerr != nil {
			p.log.Warn("failed to close audio source", slog.String("error", cerr.Error()))
		}
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		p.setState(Stopped)
		close(p.done)
		if err != nil {
			p.log.Error("pipeline stopped", slog.String("error", err.Error()))
		} else {
			p.log.Info("pipeline stopped")
		}
	}()

	if err := p.src.Open(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("open audio source: %w", err)
	}
	p.log.Info("pipeline started", slog.Int("window_length", p.window.Cap()))

	unregister, gerr := p.metrics.observeBacklog(p.Backlog)
	if gerr != nil {
		p.log.Warn("backlog gauge unavailable", slog.String("error", gerr.Error()))
	}
	defer func() {
		if uerr := unregister(); uerr != nil {
			p.log.Warn("failed to unregister backlog gauge", slog.String("error", uerr.Error()))
		}
	}()

	for {
		p.setState(Capturing)
		block, err := p.src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("capture: %w", err)
		}
		if err := p.cycle(ctx, block); err != nil {
			return nil
		}
	}
}

// cycle processes one block. It only returns an error when ctx is done.
func (p *Pipeline) cycle(ctx context.Context, block audio.Block) error {
	p.metrics.blocks.Add(ctx, 1)
	if block.Fault != 0 {
		p.metrics.faults.Add(ctx, 1)
		p.log.Warn("capture fault",
			slog.Uint64("seq", block.Seq),
			slog.String("fault", block.Fault.String()))
	}

	p.setState(Windowing)
	p.window.Push(block.Data)
	pcm := p.window.Snapshot()

	p.setState(Recognizing)
	spanCtx, span := p.tracer.Start(ctx, "pipeline.recognize",
		trace.WithAttributes(
			attribute.String("session_id", p.sessionID),
			attribute.Int64("seq", int64(block.Seq)),
			attribute.Int("window_bytes", len(pcm)),
		))
	start := time.Now()
	res, err := p.rec.Feed(spanCtx, pcm)
	p.metrics.latency.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.metrics.decodeFailures.Add(ctx, 1)
		p.log.Warn("recognition failed, skipping block",
			slog.Uint64("seq", block.Seq),
			slog.String("error", err.Error()))
		return nil
	}
	span.SetAttributes(attribute.Bool("final", res.Final))
	span.End()

	p.setState(Publishing)
	p.out.Publish(protocol.Transcript{
		SessionID: p.sessionID,
		Sequence:  block.Seq,
		Text:      res.Text,
		Partial:   !res.Final,
		Timestamp: time.Now().UTC(),
	})
	p.metrics.published.Add(ctx, 1, metric.WithAttributes(attribute.Bool("final", res.Final)))
	p.log.Debug("published transcript",
		slog.Uint64("seq", block.Seq),
		slog.String("text", res.Text),
		slog.Bool("final", res.Final))
	return nil
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
}
