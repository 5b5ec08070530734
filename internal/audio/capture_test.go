package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/loqalabs/speechcast/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// twoSampleBlocks delivers 4-byte blocks.
var twoSampleBlocks = Format{SampleRate: 8000, BlockSize: 2, Channels: 1}

func TestCaptureCommand(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.AudioConfig
		expected []string
	}{
		{
			name: "arecord default device",
			cfg:  config.AudioConfig{Backend: "arecord", Device: "hw:2,0", SampleRate: 44100, Channels: 1},
			expected: []string{
				"arecord", "-D", "hw:2,0",
				"-f", "S16_LE",
				"-r", "44100",
				"-c", "1",
				"-t", "raw",
			},
		},
		{
			name: "arecord system default",
			cfg:  config.AudioConfig{Backend: "arecord", SampleRate: 16000, Channels: 1},
			expected: []string{
				"arecord",
				"-f", "S16_LE",
				"-r", "16000",
				"-c", "1",
				"-t", "raw",
			},
		},
		{
			name: "pw-record with target",
			cfg:  config.AudioConfig{Backend: "pw-record", Device: "alsa_input.usb", SampleRate: 48000, Channels: 1},
			expected: []string{
				"pw-record",
				"--format", "s16",
				"--rate", "48000",
				"--channels", "1",
				"--target", "alsa_input.usb",
				"-",
			},
		},
		{
			name:     "custom command",
			cfg:      config.AudioConfig{Backend: "arecord", Command: `sox -d -t raw -b 16 -e signed "-r 44100" -`},
			expected: []string{"sox", "-d", "-t", "raw", "-b", "16", "-e", "signed", "-r 44100", "-"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := captureCommand(tt.cfg)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(args, tt.expected) {
				t.Fatalf("args mismatch:\n got %q\nwant %q", args, tt.expected)
			}
		})
	}
}

func TestCommandSourceMissingBinary(t *testing.T) {
	src := NewCommandSource([]string{"speechcast-no-such-capture-tool"}, twoSampleBlocks, newLogger())
	err := src.Open(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestCommandSourceImmediateExit(t *testing.T) {
	src := NewCommandSource([]string{"sh", "-c", "echo 'audio open error: No such device' >&2; exit 1"}, twoSampleBlocks, newLogger())
	err := src.Open(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	_ = src.Close()
}

func TestCommandSourceDeliversBlocksThenDeviceLost(t *testing.T) {
	script := "printf 'abcd'; sleep 0.2; echo 'overrun!!! (at least 1.0 ms long)' >&2; sleep 0.2; printf 'efghij'"
	src := NewCommandSource([]string{"sh", "-c", script}, twoSampleBlocks, newLogger())
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("first block: %v", err)
	}
	if string(first.Data) != "abcd" || first.Seq != 1 || first.Fault != 0 {
		t.Fatalf("unexpected first block: %+v", first)
	}

	second, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("second block: %v", err)
	}
	if string(second.Data) != "efgh" || second.Seq != 2 {
		t.Fatalf("unexpected second block: %+v", second)
	}
	if second.Fault&FaultOverflow == 0 {
		t.Fatalf("expected overflow fault on second block, got %v", second.Fault)
	}

	// The trailing partial block is not delivered.
	if _, err := src.Next(ctx); !errors.Is(err, ErrDeviceLost) {
		t.Fatalf("expected ErrDeviceLost, got %v", err)
	}
}

func TestCommandSourceCloseReleasesDevice(t *testing.T) {
	script := "while :; do printf 'abcd'; sleep 0.01; done"
	src := NewCommandSource([]string{"sh", "-c", script}, twoSampleBlocks, newLogger())
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := src.Next(context.Background()); err != nil {
		t.Fatalf("next: %v", err)
	}

	closed := make(chan error, 1)
	go func() { closed <- src.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return")
	}

	src.mu.Lock()
	state := src.cmd.ProcessState
	src.mu.Unlock()
	if state == nil {
		t.Fatal("capture process was not reaped")
	}

	// Blocks captured before the close drain, then the cause is reported.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		if _, err := src.Next(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				t.Fatal("next blocked after close")
			}
			break
		}
	}

	if err := src.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestCommandSourcePendingCountsUnreadBlocks(t *testing.T) {
	script := "printf 'abcdefghijkl'; exec sleep 5"
	src := NewCommandSource([]string{"sh", "-c", script}, twoSampleBlocks, newLogger())
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for src.Pending() != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 pending blocks, got %d", src.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := src.Next(context.Background()); err != nil {
		t.Fatalf("next: %v", err)
	}
	if got := src.Pending(); got != 2 {
		t.Fatalf("expected 2 pending after one read, got %d", got)
	}
}

func TestCommandSourceSurvivesOverlongStderrLine(t *testing.T) {
	// One stderr line far beyond the scanner limit, followed by audio.
	script := "head -c 300000 /dev/zero | tr '\\0' x >&2; printf 'abcd'; exec sleep 5"
	src := NewCommandSource([]string{"sh", "-c", script}, twoSampleBlocks, newLogger())
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	block, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("expected audio after overlong stderr, got %v", err)
	}
	if string(block.Data) != "abcd" {
		t.Fatalf("unexpected block %q", block.Data)
	}
}

func TestFaultString(t *testing.T) {
	if s := Fault(0).String(); s != "" {
		t.Fatalf("expected empty string, got %q", s)
	}
	if s := (FaultOverflow | FaultUnderflow).String(); s != "input overflow, input underflow" {
		t.Fatalf("unexpected fault string %q", s)
	}
}

func TestNewSourceRejectsInvalidFormat(t *testing.T) {
	cfg := config.Default().Audio
	cfg.BlockSize = 0
	if _, err := NewSource(cfg, newLogger()); err == nil {
		t.Fatal("expected error for zero block size")
	}
}
