// Package micstream turns a live, push-based capture source into an ordered
// stream of chunks that consumers pull at their own pace.
//
// A Stream receives frames from an audio.Graph on the graph's own goroutine.
// While streaming, each frame is forwarded either unchanged (Objects mode) or
// as a byte view over its first channel's samples (Binary mode). Nothing is
// copied in either mode. The format of the byte stream is announced once on
// Format shortly after construction.
package micstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/petems/micstream/internal/audio"
	"github.com/rs/zerolog"
)

// DefaultBufferSize is the frame size requested from the graph when the
// caller does not pick one.
const DefaultBufferSize = 4096

const defaultQueueSize = 64

var (
	ErrNoGraph    = errors.New("micstream: no graph and no graph factory")
	ErrObjectMode = errors.New("micstream: stream is in object mode")
)

// Mode selects what a Stream delivers. It is fixed at construction.
type Mode int

const (
	// Binary delivers little-endian float32 bytes of the first channel
	Binary Mode = iota
	// Objects delivers the graph's frames as they are
	Objects
)

func (m Mode) String() string {
	if m == Objects {
		return "objects"
	}
	return "binary"
}

type State int

const (
	Created State = iota
	Streaming
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Streaming:
		return "streaming"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Format describes the bytes of a Binary stream
type Format struct {
	Channels   int  `json:"channels"`
	BitDepth   int  `json:"bitDepth"`
	SampleRate int  `json:"sampleRate"`
	Signed     bool `json:"signed"`
	Float      bool `json:"float"`
}

// Chunk is one forwarded frame. Frame is set in Objects mode, Data in Binary mode.
type Chunk struct {
	Frame audio.Frame
	Data  []byte
}

// Samples returns the first channel of the chunk without copying
func (c Chunk) Samples() []float32 {
	if c.Frame != nil {
		if len(c.Frame.Data) == 0 {
			return nil
		}
		return c.Frame.Data[0]
	}
	return ToRaw(c.Data)
}

type Options struct {
	// Source is attached immediately when set. Otherwise call SetSource.
	Source audio.Source
	// ObjectMode selects Objects over Binary
	ObjectMode bool
	// BufferSize is the frame size requested from the graph, 0 = DefaultBufferSize
	BufferSize int
	// Graph is borrowed from the caller. When nil, NewGraph is called and the
	// stream owns the result.
	Graph    audio.Graph
	NewGraph func() (audio.Graph, error)
	// QueueSize bounds the chunks waiting for a reader, 0 = 64
	QueueSize int
	Logger    zerolog.Logger
}

// Stream adapts an audio.Source into a pull-style chunk stream.
// All methods are safe for concurrent use.
type Stream struct {
	mode       Mode
	bufferSize int
	graph      audio.Graph
	ownsGraph  bool
	proc       audio.Processor
	log        zerolog.Logger

	format chan Format
	done   chan struct{}

	mu      sync.Mutex
	state   State
	source  audio.Source
	input   audio.Node
	chunks  chan Chunk
	dropped uint64
}

// New creates the processor on the graph, attaches opts.Source if given and
// schedules the format announcement.
func New(opts Options) (*Stream, error) {
	graph, owns := opts.Graph, false
	if graph == nil {
		if opts.NewGraph == nil {
			return nil, ErrNoGraph
		}
		g, err := opts.NewGraph()
		if err != nil {
			return nil, fmt.Errorf("create graph: %w", err)
		}
		graph, owns = g, true
	}

	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	queue := opts.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}

	proc, err := graph.CreateProcessor(size)
	if err != nil {
		if owns {
			graph.Close()
		}
		return nil, fmt.Errorf("create processor: %w", err)
	}

	mode := Binary
	if opts.ObjectMode {
		mode = Objects
	}

	s := &Stream{
		mode:       mode,
		bufferSize: size,
		graph:      graph,
		ownsGraph:  owns,
		proc:       proc,
		log:        opts.Logger.With().Str("component", "micstream").Logger(),
		format:     make(chan Format, 1),
		done:       make(chan struct{}),
		chunks:     make(chan Chunk, queue),
	}
	proc.SetHandler(s.process)

	if opts.Source != nil {
		if err := s.SetSource(opts.Source); err != nil {
			proc.Disconnect()
			if owns {
				graph.Close()
			}
			return nil, err
		}
	}

	// Announced off the constructor so the graph has finished initializing
	go s.announce()

	return s, nil
}

func (s *Stream) announce() {
	f := Format{
		Channels:   1,
		BitDepth:   32,
		SampleRate: s.graph.SampleRate(),
		Signed:     true,
		Float:      true,
	}
	s.format <- f
	close(s.format)
	s.log.Debug().Int("sample_rate", f.SampleRate).Msg("Format announced")
}

// SetSource links src into the graph and starts streaming. A previously
// attached source is unlinked first. It does nothing once the stream is stopped.
func (s *Stream) SetSource(src audio.Source) error {
	s.mu.Lock()
	stopped := s.state == Stopped
	s.mu.Unlock()
	if stopped {
		return nil
	}

	// Connect outside the lock: a graph may deliver the first frame before
	// ConnectSource returns.
	node, err := s.graph.ConnectSource(src, s.proc)
	if err != nil {
		return fmt.Errorf("connect source: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Stopped {
		node.Disconnect()
		return nil
	}
	if s.input != nil {
		s.log.Debug().Msg("Replacing attached source")
		s.input.Disconnect()
	}
	s.source, s.input = src, node
	if s.state == Created {
		s.state = Streaming
	}
	return nil
}

// Pause drops incoming frames until Resume. Frames are not buffered.
func (s *Stream) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Streaming {
		s.state = Paused
	}
}

func (s *Stream) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Paused {
		s.state = Streaming
	}
}

// Stop ends the stream. The source's track is stopped, the graph is unlinked
// and closed, the chunk channel is closed after any queued chunks and Done is
// closed. Teardown failures are ignored. Calling Stop again does nothing.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return
	}
	s.state = Stopped
	src, input := s.source, s.input
	s.source, s.input = nil, nil
	s.mu.Unlock()

	if src != nil {
		s.teardown("stop track", func() error {
			tracks := src.Tracks()
			if len(tracks) == 0 {
				return nil
			}
			return tracks[0].Stop()
		})
	}
	s.teardown("disconnect processor", s.proc.Disconnect)
	if input != nil {
		s.teardown("disconnect source", input.Disconnect)
	}
	s.teardown("close graph", s.graph.Close)

	// End of stream. Taken under the lock so no frame can be sent after it.
	s.mu.Lock()
	close(s.chunks)
	s.mu.Unlock()

	close(s.done)
	s.log.Debug().Uint64("dropped", s.Dropped()).Msg("Stream closed")
}

func (s *Stream) teardown(step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Debug().Str("step", step).Interface("panic", r).Msg("Teardown step panicked")
		}
	}()
	if err := fn(); err != nil {
		s.log.Debug().Err(err).Str("step", step).Msg("Teardown step failed")
	}
}

// process is the frame bridge. It runs on the graph's delivery goroutine.
func (s *Stream) process(f audio.Frame) {
	if f == nil || len(f.Data) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Frames can still arrive after Stop while the hardware winds down
	if s.state != Streaming {
		return
	}

	var c Chunk
	if s.mode == Objects {
		c.Frame = f
	} else {
		// Only the first channel is forwarded
		c.Data = Bytes(f.Data[0])
	}

	select {
	case s.chunks <- c:
	default:
		// Reader is too slow; the hardware cannot be paused
		s.dropped++
	}
}

// Next returns the next chunk in delivery order, io.EOF after Stop, or the
// context's error. Calling it has no effect on the capture rate.
func (s *Stream) Next(ctx context.Context) (Chunk, error) {
	select {
	case c, ok := <-s.chunks:
		if !ok {
			return Chunk{}, io.EOF
		}
		return c, nil
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

// Chunks is the receive side of the output channel. It is closed by Stop.
func (s *Stream) Chunks() <-chan Chunk { return s.chunks }

// Format yields the stream format once and is then closed
func (s *Stream) Format() <-chan Format { return s.format }

// Done is closed when Stop has finished
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) Mode() Mode { return s.mode }

func (s *Stream) BufferSize() int { return s.bufferSize }

func (s *Stream) SampleRate() int { return s.graph.SampleRate() }

// OwnsGraph reports whether the graph was created by the stream
func (s *Stream) OwnsGraph() bool { return s.ownsGraph }

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dropped counts chunks discarded because the queue was full
func (s *Stream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
