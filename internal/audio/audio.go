// Package audio captures fixed-size blocks of signed 16-bit mono PCM from a
// capture device and keeps the sliding window of recent blocks that is
// resubmitted to the recognizer.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/speechcast/internal/config"
)

var (
	// ErrDeviceUnavailable is returned by Open when the capture device
	// cannot be acquired.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrDeviceLost is returned by Next once the device stops delivering
	// audio after a successful Open.
	ErrDeviceLost = errors.New("audio device lost")
)

// BytesPerSample is the width of one S16_LE mono sample.
const BytesPerSample = 2

// Fault is a bit set of capture conditions reported alongside a block.
type Fault uint8

const (
	FaultOverflow Fault = 1 << iota
	FaultUnderflow
)

func (f Fault) String() string {
	if f == 0 {
		return ""
	}
	var parts []string
	if f&FaultOverflow != 0 {
		parts = append(parts, "input overflow")
	}
	if f&FaultUnderflow != 0 {
		parts = append(parts, "input underflow")
	}
	return strings.Join(parts, ", ")
}

// Block is one unit of captured audio.
type Block struct {
	Seq      uint64
	Data     []byte
	Fault    Fault
	Captured time.Time
}

// Source delivers blocks from a capture device. Open acquires the device,
// Next blocks until a block is available and Close releases the device on
// every exit path.
type Source interface {
	Open(ctx context.Context) error
	Next(ctx context.Context) (Block, error)
	Close() error
}

// Backlogged is implemented by sources that buffer captured blocks ahead of
// the consumer.
type Backlogged interface {
	// Pending returns the number of captured blocks not yet consumed.
	Pending() int
}

// Format describes the PCM stream produced by a Source.
type Format struct {
	SampleRate int
	BlockSize  int // samples per block
	Channels   int
}

// BlockBytes is the payload size of one block.
func (f Format) BlockBytes() int {
	return f.BlockSize * f.Channels * BytesPerSample
}

func (f Format) validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", f.SampleRate)
	}
	if f.BlockSize <= 0 {
		return fmt.Errorf("invalid block size: %d", f.BlockSize)
	}
	if f.Channels != 1 {
		return fmt.Errorf("invalid channels: %d (mono only)", f.Channels)
	}
	return nil
}

// NewSource builds the Source selected by cfg.Backend. When cfg.DumpPath is
// set every delivered block is also written to a WAV file.
func NewSource(cfg config.AudioConfig, log *slog.Logger) (Source, error) {
	format := Format{SampleRate: cfg.SampleRate, BlockSize: cfg.BlockSize, Channels: cfg.Channels}
	if err := format.validate(); err != nil {
		return nil, err
	}

	var src Source
	switch cfg.Backend {
	case "arecord", "pw-record":
		cmd, err := captureCommand(cfg)
		if err != nil {
			return nil, err
		}
		src = NewCommandSource(cmd, format, log)
	case "wav":
		src = NewWAVSource(cfg.Device, format, true, log)
	default:
		return nil, fmt.Errorf("unknown audio backend %q", cfg.Backend)
	}

	if cfg.DumpPath != "" {
		src = NewDumpSource(src, cfg.DumpPath, format, log)
	}
	return src, nil
}
