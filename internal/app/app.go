package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/petems/micstream/internal/audio"
	"github.com/petems/micstream/internal/config"
	"github.com/petems/micstream/internal/micstream"
	"github.com/rs/zerolog"
)

var ErrRecording = errors.New("already recording")

// Opener acquires a capture source. It runs after the graph exists.
type Opener func(deviceID string) (audio.Source, error)

// FrameWriter receives frames when recording in object mode
type FrameWriter interface {
	WriteFrame(index int, f audio.Frame) error
}

type Config struct {
	Open     Opener
	NewGraph func() (audio.Graph, error)
	Sink     io.Writer   // binary mode
	Frames   FrameWriter // object mode
	OnFormat func(micstream.Format)
	Config   *config.Config
	Logger   zerolog.Logger
}

// Stats summarises a recording
type Stats struct {
	Chunks  int
	Bytes   int64
	Dropped uint64
}

// App records one capture session at a time into a sink
type App struct {
	open     Opener
	newGraph func() (audio.Graph, error)
	sink     io.Writer
	frames   FrameWriter
	onFormat func(micstream.Format)
	cfg      *config.Config
	log      zerolog.Logger

	mu       sync.Mutex
	stream   *micstream.Stream
	copyDone chan struct{}
	copyErr  error
	stats    Stats
}

// New builds an App. A nil Config.Config means config.Default().
func New(cfg Config) *App {
	if cfg.Config == nil {
		cfg.Config = config.Default()
	}
	return &App{
		open:     cfg.Open,
		newGraph: cfg.NewGraph,
		sink:     cfg.Sink,
		frames:   cfg.Frames,
		onFormat: cfg.OnFormat,
		cfg:      cfg.Config,
		log:      cfg.Logger,
	}
}

// Start creates the stream, acquires the device and begins copying chunks to
// the sink. Acquisition and attach failures are returned.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stream != nil && a.stream.State() != micstream.Stopped {
		return ErrRecording
	}

	audioCfg := a.cfg.Audio
	if audioCfg.ObjectMode && a.frames == nil {
		return fmt.Errorf("object mode needs a frame writer")
	}
	if !audioCfg.ObjectMode && a.sink == nil {
		return fmt.Errorf("binary mode needs a sink")
	}

	a.log.Info().
		Str("device", audioCfg.DeviceID).
		Int("buffer_size", audioCfg.BufferSize).
		Bool("object_mode", audioCfg.ObjectMode).
		Msg("Starting capture")

	// The graph is created before the device is acquired so it is ready
	// by the time frames arrive.
	stream, err := micstream.New(micstream.Options{
		ObjectMode: audioCfg.ObjectMode,
		BufferSize: audioCfg.BufferSize,
		QueueSize:  audioCfg.QueueSize,
		NewGraph:   a.newGraph,
		Logger:     a.log,
	})
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}

	src, err := a.open(audioCfg.DeviceID)
	if err != nil {
		stream.Stop()
		return fmt.Errorf("open device: %w", err)
	}
	if err := stream.SetSource(src); err != nil {
		stream.Stop()
		return err
	}

	a.stream = stream
	a.copyDone = make(chan struct{})
	a.copyErr = nil
	a.stats = Stats{}

	formatDone := make(chan struct{})
	go a.watchFormat(stream, formatDone)
	go a.copyLoop(ctx, stream, formatDone, a.copyDone)

	return nil
}

func (a *App) watchFormat(stream *micstream.Stream, done chan struct{}) {
	defer close(done)
	f, ok := <-stream.Format()
	if !ok {
		return
	}
	a.log.Info().
		Int("channels", f.Channels).
		Int("bit_depth", f.BitDepth).
		Int("sample_rate", f.SampleRate).
		Bool("float", f.Float).
		Msg("Capture format")
	if a.onFormat != nil {
		a.onFormat(f)
	}
}

func (a *App) copyLoop(ctx context.Context, stream *micstream.Stream, formatDone, done chan struct{}) {
	defer close(done)

	var err error
	if stream.Mode() == micstream.Objects {
		err = a.copyFrames(ctx, stream)
	} else {
		err = a.copyBytes(ctx, stream)
	}

	// Sink failure or cancellation ends the recording
	stream.Stop()
	// The format is always announced, even for a stream stopped early
	<-formatDone

	a.mu.Lock()
	a.stats.Dropped = stream.Dropped()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.copyErr = err
	}
	stats := a.stats
	a.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error().Err(err).Msg("Copy error")
	}
	a.log.Info().
		Int("chunks", stats.Chunks).
		Int64("bytes", stats.Bytes).
		Uint64("dropped", stats.Dropped).
		Msg("Capture finished")
}

func (a *App) copyBytes(ctx context.Context, stream *micstream.Stream) error {
	r, err := micstream.NewReader(ctx, stream)
	if err != nil {
		return err
	}
	if _, err := io.Copy(countingWriter{a}, r); err != nil {
		return fmt.Errorf("copy audio: %w", err)
	}
	return nil
}

// countingWriter records sink writes in the app's stats. Without a ReadFrom,
// io.Copy hands every chunk to the sink as its own Write.
type countingWriter struct{ a *App }

func (w countingWriter) Write(p []byte) (int, error) {
	n, err := w.a.sink.Write(p)
	w.a.mu.Lock()
	w.a.stats.Chunks++
	w.a.stats.Bytes += int64(n)
	w.a.mu.Unlock()
	return n, err
}

func (a *App) copyFrames(ctx context.Context, stream *micstream.Stream) error {
	for index := 0; ; index++ {
		c, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := a.frames.WriteFrame(index, c.Frame); err != nil {
			return fmt.Errorf("write frame %d: %w", index, err)
		}
		a.mu.Lock()
		a.stats.Chunks++
		a.mu.Unlock()
	}
}

func (a *App) current() (*micstream.Stream, chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream, a.copyDone
}

// Pause drops audio until Resume
func (a *App) Pause() {
	if s, _ := a.current(); s != nil {
		s.Pause()
		a.log.Info().Msg("Capture paused")
	}
}

func (a *App) Resume() {
	if s, _ := a.current(); s != nil {
		s.Resume()
		a.log.Info().Msg("Capture resumed")
	}
}

// Toggle flips between streaming and paused
func (a *App) Toggle() {
	switch a.State() {
	case micstream.Streaming:
		a.Pause()
	case micstream.Paused:
		a.Resume()
	}
}

// Stop ends the recording and waits for the sink to drain
func (a *App) Stop() error {
	s, done := a.current()
	if s == nil {
		return nil
	}
	a.log.Info().Msg("Stopping capture")
	s.Stop()
	<-done
	return a.err()
}

// Shutdown is Stop bounded by ctx
func (a *App) Shutdown(ctx context.Context) error {
	s, done := a.current()
	if s == nil {
		return nil
	}
	s.Stop()
	select {
	case <-done:
		return a.err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the recording ends on its own or through Stop
func (a *App) Wait() error {
	_, done := a.current()
	if done == nil {
		return nil
	}
	<-done
	return a.err()
}

func (a *App) err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.copyErr
}

func (a *App) State() micstream.State {
	s, _ := a.current()
	if s == nil {
		return micstream.Created
	}
	return s.State()
}

func (a *App) IsRecording() bool {
	st := a.State()
	return st == micstream.Streaming || st == micstream.Paused
}

func (a *App) Stats() Stats {
	a.mu.Lock()
	st, s := a.stats, a.stream
	a.mu.Unlock()
	if s != nil {
		st.Dropped = s.Dropped()
	}
	return st
}
