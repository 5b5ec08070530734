package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/speechcast/internal/config"
)

var (
	// ErrModelLoad marks a recognizer that could not load its model.
	ErrModelLoad = errors.New("model load failure")
	// ErrDecode marks a single failed recognition call.
	ErrDecode = errors.New("decode failure")
)

// Result captures recognizer output for one fed window.
type Result struct {
	Text  string
	Final bool
}

// Recognizer abstracts stateful streaming STT engines. A recognizer belongs
// to one audio session and is fed from a single goroutine.
type Recognizer interface {
	Feed(ctx context.Context, pcm []byte) (Result, error)
	Close() error
}

// New builds the recognizer selected by cfg.Mode.
func New(ctx context.Context, cfg config.STTConfig, log *slog.Logger) (Recognizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockRecognizer(cfg.FinalEvery), nil
	case "exec":
		return NewExecRecognizer(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

type engineResult struct {
	Accepted bool    `json:"accepted"`
	Partial  *string `json:"partial"`
	Text     *string `json:"text"`
	Error    string  `json:"error"`
}

// ParseResult decodes an engine response. The text comes from the "partial"
// field when present, otherwise from "text"; a response with neither yields
// an empty result.
func ParseResult(data []byte) (Result, error) {
	var resp engineResult
	if err := json.Unmarshal(data, &resp); err != nil {
		return Result{}, fmt.Errorf("%w: decode engine response: %v", ErrDecode, err)
	}
	if resp.Error != "" {
		return Result{}, fmt.Errorf("%w: engine: %s", ErrDecode, resp.Error)
	}
	res := Result{Final: resp.Accepted}
	switch {
	case resp.Partial != nil:
		res.Text = *resp.Partial
	case resp.Text != nil:
		res.Text = *resp.Text
	}
	return res, nil
}
