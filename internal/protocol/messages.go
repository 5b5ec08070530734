package protocol

import "time"

// Transcript is one recognized result as it travels from the pipeline to
// every downstream consumer.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
)

// Subject returns the bus subject a transcript is mirrored on.
func (t Transcript) Subject() string {
	if t.Partial {
		return SubjectTranscriptPartial
	}
	return SubjectTranscriptFinal
}
