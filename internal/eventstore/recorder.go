package eventstore

import (
	"context"
	"log/slog"

	"github.com/loqalabs/speechcast/internal/broadcast"
	"github.com/loqalabs/speechcast/internal/protocol"
)

// Record stores every final transcript read from cursor until ctx is done.
// Partial results are not persisted. Write failures are logged and the
// transcript is dropped.
func (s *Store) Record(ctx context.Context, cursor *broadcast.Cursor[protocol.Transcript]) {
	for {
		t, err := cursor.Next(ctx)
		if err != nil {
			return
		}
		if t.Partial || t.Text == "" {
			continue
		}
		if err := s.AppendTranscript(ctx, t); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("failed to store transcript",
				slog.String("session_id", t.SessionID),
				slog.Uint64("seq", t.Sequence),
				slog.String("error", err.Error()))
		}
	}
}
