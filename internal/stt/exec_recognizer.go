package stt

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/speechcast/internal/config"
	"github.com/mattn/go-shellwords"
)

// readyTimeout bounds model loading in the engine process.
const readyTimeout = 60 * time.Second

// execRecognizer drives a long-running engine process that keeps acoustic
// state between calls. Requests and responses are single JSON lines on the
// engine's stdin and stdout.
type execRecognizer struct {
	cmd        []string
	modelPath  string
	sampleRate int
	log        *slog.Logger

	mu   sync.Mutex
	proc *engineProcess
}

type execRequest struct {
	PCM string `json:"pcm"`
}

type readyMessage struct {
	Ready bool   `json:"ready"`
	Error string `json:"error"`
}

// NewExecRecognizer starts the engine and waits until it reports the model
// as loaded. Failures match ErrModelLoad.
func NewExecRecognizer(ctx context.Context, cfg config.STTConfig, log *slog.Logger) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("%w: model path not configured", ErrModelLoad)
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	r := &execRecognizer{
		cmd:        args,
		modelPath:  cfg.ModelPath,
		sampleRate: cfg.SampleRate,
		log:        log.With(slog.String("component", "stt-exec")),
	}
	proc, err := r.start(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	r.proc = proc
	return r, nil
}

func (r *execRecognizer) Feed(ctx context.Context, pcm []byte) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.proc == nil {
		r.log.Warn("restarting recognition engine")
		proc, err := r.start(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("%w: restart engine: %v", ErrDecode, err)
		}
		r.proc = proc
	}

	proc := r.proc
	stop := context.AfterFunc(ctx, proc.kill)
	line, err := proc.roundTrip(pcm)
	stop()
	if err != nil {
		r.proc = nil
		proc.stop()
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("%w: %v: %s", ErrDecode, err, proc.stderr.last())
	}
	return ParseResult(line)
}

func (r *execRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proc == nil {
		return nil
	}
	r.proc.stop()
	r.proc = nil
	return nil
}

func (r *execRecognizer) start(ctx context.Context) (*engineProcess, error) {
	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--model", r.modelPath, "--sample-rate", strconv.Itoa(r.sampleRate))

	cmd := exec.Command(r.cmd[0], args...)
	tail := &lineTail{}
	cmd.Stderr = tail
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start stt engine: %w", err)
	}

	p := &engineProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		stderr: tail,
	}

	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	stop := context.AfterFunc(readyCtx, p.kill)
	line, err := p.stdout.ReadBytes('\n')
	stop()
	if err != nil {
		p.stop()
		return nil, fmt.Errorf("engine did not become ready: %v: %s", err, tail.last())
	}
	var ready readyMessage
	if err := json.Unmarshal(line, &ready); err != nil {
		p.stop()
		return nil, fmt.Errorf("decode ready message: %w", err)
	}
	if !ready.Ready {
		p.stop()
		return nil, fmt.Errorf("engine not ready: %s", ready.Error)
	}

	r.log.Info("recognition engine ready",
		slog.String("command", r.cmd[0]),
		slog.String("model", r.modelPath),
		slog.Int("pid", cmd.Process.Pid))
	return p, nil
}

type engineProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr *lineTail
	once   sync.Once
}

func (p *engineProcess) roundTrip(pcm []byte) ([]byte, error) {
	req, err := json.Marshal(execRequest{PCM: base64.StdEncoding.EncodeToString(pcm)})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req = append(req, '\n')
	if _, err := p.stdin.Write(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	line, err := p.stdout.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("engine exited")
		}
		return nil, fmt.Errorf("read response: %w", err)
	}
	return line, nil
}

func (p *engineProcess) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// stop terminates the engine and reaps it.
func (p *engineProcess) stop() {
	p.once.Do(func() {
		_ = p.stdin.Close()
		p.kill()
		_ = p.cmd.Wait()
	})
}

// lineTail remembers the last non-empty line written to it.
type lineTail struct {
	mu      sync.Mutex
	partial []byte
	tail    string
}

func (t *lineTail) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partial = append(t.partial, b...)
	for {
		i := strings.IndexByte(string(t.partial), '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(t.partial[:i])); line != "" {
			t.tail = line
		}
		t.partial = t.partial[i+1:]
	}
	return len(b), nil
}

func (t *lineTail) last() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := strings.TrimSpace(string(t.partial)); s != "" {
		return s
	}
	if t.tail == "" {
		return "no diagnostics"
	}
	return t.tail
}
