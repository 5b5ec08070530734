package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/speechcast/internal/config"
	"github.com/mattn/go-shellwords"
)

// openProbe bounds how long Open waits for the first block before it assumes
// the device is live.
const openProbe = 2 * time.Second

// captureCommand returns the argv of the capture tool for cfg. A configured
// command replaces the built-in arecord/pw-record invocations and must write
// raw S16_LE mono PCM to stdout.
func captureCommand(cfg config.AudioConfig) ([]string, error) {
	if strings.TrimSpace(cfg.Command) != "" {
		args, err := shellwords.NewParser().Parse(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("parse capture command: %w", err)
		}
		if len(args) == 0 {
			return nil, errors.New("capture command is empty")
		}
		return args, nil
	}

	switch cfg.Backend {
	case "arecord":
		args := []string{"arecord"}
		if cfg.Device != "" {
			args = append(args, "-D", cfg.Device)
		}
		args = append(args,
			"-f", "S16_LE",
			"-r", strconv.Itoa(cfg.SampleRate),
			"-c", strconv.Itoa(cfg.Channels),
			"-t", "raw",
		)
		return args, nil
	case "pw-record":
		args := []string{
			"pw-record",
			"--format", "s16",
			"--rate", strconv.Itoa(cfg.SampleRate),
			"--channels", strconv.Itoa(cfg.Channels),
		}
		if cfg.Device != "" {
			args = append(args, "--target", cfg.Device)
		}
		return append(args, "-"), nil
	default:
		return nil, fmt.Errorf("backend %q has no capture command", cfg.Backend)
	}
}

// CommandSource captures audio from a child process writing raw PCM to
// stdout. The read loop slices stdout into whole blocks and hands them off
// without waiting for the consumer.
type CommandSource struct {
	args   []string
	format Format
	log    *slog.Logger
	queue  *handoff

	fault   atomic.Uint32
	lastErr atomic.Value // string

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCommandSource(args []string, format Format, log *slog.Logger) *CommandSource {
	return &CommandSource{
		args:   append([]string(nil), args...),
		format: format,
		log:    log.With(slog.String("component", "audio-capture")),
		queue:  newHandoff(),
	}
}

func (s *CommandSource) Open(ctx context.Context) error {
	if err := s.format.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if len(s.args) == 0 {
		return fmt.Errorf("%w: capture command is empty", ErrDeviceUnavailable)
	}

	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return errors.New("capture already open")
	}
	path, err := exec.LookPath(s.args[0])
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s not found: %v", ErrDeviceUnavailable, s.args[0], err)
	}

	captureCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(captureCtx, path, s.args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		s.mu.Unlock()
		return fmt.Errorf("%w: create stdout pipe: %v", ErrDeviceUnavailable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		s.mu.Unlock()
		return fmt.Errorf("%w: create stderr pipe: %v", ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		s.mu.Unlock()
		return fmt.Errorf("%w: start %s: %v", ErrDeviceUnavailable, s.args[0], err)
	}

	s.cmd = cmd
	s.cancel = cancel
	s.done = make(chan struct{})
	first := make(chan struct{})
	s.mu.Unlock()

	s.log.Info("capture started",
		slog.String("command", strings.Join(s.args, " ")),
		slog.Int("sample_rate", s.format.SampleRate),
		slog.Int("block_size", s.format.BlockSize))

	go s.readLoop(cmd, stdout, stderr, first)

	timer := time.NewTimer(openProbe)
	defer timer.Stop()
	select {
	case <-first:
		return nil
	case <-s.done:
		// The loop may have delivered blocks before a quick exit.
		select {
		case <-first:
			return nil
		default:
		}
		return fmt.Errorf("%w: capture exited before delivering audio: %s", ErrDeviceUnavailable, s.stderrTail())
	case <-timer.C:
		s.log.Warn("no audio received yet, continuing", slog.Duration("waited", openProbe))
		return nil
	case <-ctx.Done():
		_ = s.Close()
		return ctx.Err()
	}
}

func (s *CommandSource) readLoop(cmd *exec.Cmd, stdout, stderr io.Reader, first chan struct{}) {
	defer close(s.done)

	var stderrDone sync.WaitGroup
	stderrDone.Add(1)
	go func() {
		defer stderrDone.Done()
		s.watchStderr(stderr)
	}()

	var (
		seq       uint64
		delivered bool
		readErr   error
	)
	size := s.format.BlockBytes()
	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(stdout, buf); err != nil {
			readErr = err
			break
		}
		seq++
		s.queue.put(Block{
			Seq:      seq,
			Data:     buf,
			Fault:    Fault(s.fault.Swap(0)),
			Captured: time.Now(),
		})
		if !delivered {
			delivered = true
			close(first)
		}
	}

	stderrDone.Wait()
	waitErr := cmd.Wait()

	var cause error
	switch {
	case !delivered:
		cause = fmt.Errorf("%w: %s", ErrDeviceUnavailable, s.stderrTail())
	case waitErr != nil:
		cause = fmt.Errorf("%w: capture process exited: %v", ErrDeviceLost, waitErr)
	case errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF):
		cause = fmt.Errorf("%w: capture stream ended", ErrDeviceLost)
	default:
		cause = fmt.Errorf("%w: read audio: %v", ErrDeviceLost, readErr)
	}
	s.log.Debug("capture loop finished", slog.Uint64("blocks", seq), slog.String("cause", cause.Error()))
	s.queue.close(cause)
}

// watchStderr logs the capture tool's diagnostics and turns xrun reports
// into a fault on the next delivered block.
func (s *CommandSource) watchStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.lastErr.Store(line)
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "overrun"):
			s.addFault(FaultOverflow)
		case strings.Contains(lower, "underrun"):
			s.addFault(FaultUnderflow)
		default:
			s.log.Debug("capture stderr", slog.String("line", line))
		}
	}
	// The tool blocks once its stderr pipe fills, so keep reading after an
	// overlong line stops the scanner.
	if err := scanner.Err(); err != nil {
		s.log.Warn("capture diagnostics unreadable, discarding the rest", slog.String("error", err.Error()))
		_, _ = io.Copy(io.Discard, r)
	}
}

func (s *CommandSource) addFault(f Fault) {
	for {
		old := s.fault.Load()
		if s.fault.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

func (s *CommandSource) stderrTail() string {
	if v, ok := s.lastErr.Load().(string); ok && v != "" {
		return v
	}
	return "no diagnostics"
}

func (s *CommandSource) Next(ctx context.Context) (Block, error) {
	return s.queue.next(ctx)
}

// Pending returns the number of captured blocks not yet consumed.
func (s *CommandSource) Pending() int {
	return s.queue.pending()
}

// Close stops the capture process and waits until it has been reaped.
func (s *CommandSource) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.log.Info("capture stopped")
	return nil
}
