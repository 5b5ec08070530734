package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/speechcast/internal/broadcast"
	"github.com/loqalabs/speechcast/internal/protocol"
)

// Mirror publishes every transcript read from cursor as JSON on its
// partial or final subject until ctx is done. Publish errors are logged and
// the transcript is dropped.
func (c *Client) Mirror(ctx context.Context, cursor *broadcast.Cursor[protocol.Transcript]) {
	for {
		t, err := cursor.Next(ctx)
		if err != nil {
			_ = c.conn.Flush()
			return
		}
		data, err := json.Marshal(t)
		if err != nil {
			c.log.Warn("failed to encode transcript", slog.String("error", err.Error()))
			continue
		}
		if err := c.conn.Publish(t.Subject(), data); err != nil {
			c.log.Warn("failed to mirror transcript",
				slog.String("subject", t.Subject()),
				slog.String("error", err.Error()))
		}
	}
}
