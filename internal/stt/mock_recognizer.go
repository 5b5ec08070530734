package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct {
	finalEvery int
	calls      int
}

// NewMockRecognizer returns a recognizer that describes the audio it was fed.
// Every finalEvery-th call is reported as final; zero means never.
func NewMockRecognizer(finalEvery int) Recognizer {
	return &mockRecognizer{finalEvery: finalEvery}
}

func (m *mockRecognizer) Feed(ctx context.Context, pcm []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	m.calls++
	final := m.finalEvery > 0 && m.calls%m.finalEvery == 0
	mode := "partial"
	if final {
		mode = "final"
	}
	return Result{
		Text:  fmt.Sprintf("[%s transcript length=%d]", mode, len(pcm)),
		Final: final,
	}, nil
}

func (m *mockRecognizer) Close() error { return nil }
