package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVSource replays a 16-bit mono WAV file as if it were a capture device.
// The end of the file is reported as ErrDeviceLost.
type WAVSource struct {
	path     string
	format   Format
	realtime bool
	log      *slog.Logger
	queue    *handoff

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWAVSource returns a source reading path. With realtime set, blocks are
// delivered at the pace a device running at format.SampleRate would produce
// them.
func NewWAVSource(path string, format Format, realtime bool, log *slog.Logger) *WAVSource {
	return &WAVSource{
		path:     path,
		format:   format,
		realtime: realtime,
		log:      log.With(slog.String("component", "audio-wav")),
		queue:    newHandoff(),
	}
}

func (s *WAVSource) Open(ctx context.Context) error {
	if err := s.format.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	pcm, err := readWAV(s.path, s.format)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("wav source already open")
	}
	playCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.log.Info("wav replay started", slog.String("path", s.path), slog.Int("bytes", len(pcm)))
	go s.play(playCtx, pcm)
	return nil
}

func (s *WAVSource) play(ctx context.Context, pcm []byte) {
	defer close(s.done)

	size := s.format.BlockBytes()
	interval := time.Duration(float64(time.Second) * float64(s.format.BlockSize) / float64(s.format.SampleRate))
	var ticker *time.Ticker
	if s.realtime {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	var seq uint64
	for off := 0; off < len(pcm); off += size {
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				s.queue.close(ctx.Err())
				return
			}
		} else if ctx.Err() != nil {
			s.queue.close(ctx.Err())
			return
		}

		block := make([]byte, size)
		copy(block, pcm[off:min(off+size, len(pcm))])
		seq++
		s.queue.put(Block{Seq: seq, Data: block, Captured: time.Now()})
	}
	s.queue.close(fmt.Errorf("%w: end of %s", ErrDeviceLost, s.path))
}

func (s *WAVSource) Next(ctx context.Context) (Block, error) {
	return s.queue.next(ctx)
}

func (s *WAVSource) Pending() int {
	return s.queue.pending()
}

func (s *WAVSource) Close() error {
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
	return nil
}

// readWAV decodes path into S16_LE bytes, checking it matches format.
func readWAV(path string, format Format) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("wav bit depth %d, want 16", dec.BitDepth)
	}
	if int(dec.NumChans) != format.Channels {
		return nil, fmt.Errorf("wav has %d channels, want %d", dec.NumChans, format.Channels)
	}
	if int(dec.SampleRate) != format.SampleRate {
		return nil, fmt.Errorf("wav sample rate %d, want %d", dec.SampleRate, format.SampleRate)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	return intsToPCM(buf.Data), nil
}

func intsToPCM(samples []int) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

func pcmToInts(pcm []byte) []int {
	samples := make([]int, len(pcm)/BytesPerSample)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return samples
}

// wavWriter appends PCM blocks to a WAV file.
type wavWriter struct {
	file   *os.File
	enc    *wav.Encoder
	format *goaudio.Format
}

func createWAV(path string, format Format) (*wavWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}
	return &wavWriter{
		file:   file,
		enc:    wav.NewEncoder(file, format.SampleRate, 16, format.Channels, 1),
		format: &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
	}, nil
}

func (w *wavWriter) Write(pcm []byte) error {
	if len(pcm)%BytesPerSample != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	return w.enc.Write(&goaudio.IntBuffer{Format: w.format, Data: pcmToInts(pcm), SourceBitDepth: 16})
}

func (w *wavWriter) Close() error {
	encErr := w.enc.Close()
	fileErr := w.file.Close()
	if encErr != nil {
		return fmt.Errorf("close wav encoder: %w", encErr)
	}
	return fileErr
}
