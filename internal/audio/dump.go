package audio

import (
	"context"
	"log/slog"
	"sync"
)

// DumpSource records every block delivered by the wrapped source into a WAV
// file. Dump failures are logged once and never interrupt capture.
type DumpSource struct {
	Source
	path   string
	format Format
	log    *slog.Logger

	mu     sync.Mutex
	writer *wavWriter
}

func NewDumpSource(src Source, path string, format Format, log *slog.Logger) *DumpSource {
	return &DumpSource{
		Source: src,
		path:   path,
		format: format,
		log:    log.With(slog.String("component", "audio-dump")),
	}
}

func (d *DumpSource) Open(ctx context.Context) error {
	if err := d.Source.Open(ctx); err != nil {
		return err
	}
	w, err := createWAV(d.path, d.format)
	if err != nil {
		d.log.Warn("capture dump disabled", slog.String("error", err.Error()))
		return nil
	}
	d.mu.Lock()
	d.writer = w
	d.mu.Unlock()
	d.log.Info("dumping capture", slog.String("path", d.path))
	return nil
}

func (d *DumpSource) Next(ctx context.Context) (Block, error) {
	b, err := d.Source.Next(ctx)
	if err != nil {
		return b, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writer != nil {
		if err := d.writer.Write(b.Data); err != nil {
			d.log.Warn("capture dump failed, disabling", slog.String("error", err.Error()))
			_ = d.writer.Close()
			d.writer = nil
		}
	}
	return b, nil
}

// Pending reports the wrapped source's backlog, or 0 when it keeps none.
func (d *DumpSource) Pending() int {
	if b, ok := d.Source.(Backlogged); ok {
		return b.Pending()
	}
	return 0
}

func (d *DumpSource) Close() error {
	err := d.Source.Close()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writer != nil {
		if cerr := d.writer.Close(); cerr != nil {
			d.log.Warn("close capture dump", slog.String("error", cerr.Error()))
		}
		d.writer = nil
	}
	return err
}
