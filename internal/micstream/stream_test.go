package micstream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/petems/micstream/internal/audio"
	"github.com/rs/zerolog"
)

// Fakes for the graph side. Frames are delivered synchronously by the test.

type fakeTrack struct {
	stops int
	err   error
}

func (t *fakeTrack) Stop() error {
	t.stops++
	return t.err
}

type fakeSource struct {
	track *fakeTrack
}

func newFakeSource() *fakeSource {
	return &fakeSource{track: &fakeTrack{}}
}

func (s *fakeSource) Tracks() []audio.Track { return []audio.Track{s.track} }

type fakeProcessor struct {
	mu          sync.Mutex
	handler     audio.FrameHandler
	disconnects int
}

func (p *fakeProcessor) SetHandler(h audio.FrameHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *fakeProcessor) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	return nil
}

type fakeNode struct {
	disconnects int
	panics      bool
}

func (n *fakeNode) Disconnect() error {
	n.disconnects++
	if n.panics {
		panic("already disconnected")
	}
	return nil
}

type fakeGraph struct {
	rate       int
	bufferSize int
	proc       *fakeProcessor
	nodes      []*fakeNode
	connectErr error
	closes     int
	closeErr   error
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{rate: 44100}
}

func (g *fakeGraph) SampleRate() int { return g.rate }

func (g *fakeGraph) CreateProcessor(bufferSize int) (audio.Processor, error) {
	g.bufferSize = bufferSize
	g.proc = &fakeProcessor{}
	return g.proc, nil
}

func (g *fakeGraph) ConnectSource(src audio.Source, p audio.Processor) (audio.Node, error) {
	if g.connectErr != nil {
		return nil, g.connectErr
	}
	n := &fakeNode{}
	g.nodes = append(g.nodes, n)
	return n, nil
}

func (g *fakeGraph) Close() error {
	g.closes++
	return g.closeErr
}

// deliver plays the graph's callback. The handler is called even after the
// processor was disconnected, like a late hardware callback would be.
func (g *fakeGraph) deliver(samples ...float32) audio.Frame {
	f := audio.NewFrame(1, len(samples), g.rate)
	copy(f.Data[0], samples)
	g.proc.mu.Lock()
	h := g.proc.handler
	g.proc.mu.Unlock()
	h(f)
	return f
}

func newTestStream(t *testing.T, g *fakeGraph, objects bool) *Stream {
	t.Helper()
	s, err := New(Options{
		Source:     newFakeSource(),
		ObjectMode: objects,
		Graph:      g,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// pending drains every chunk already queued without blocking
func pending(s *Stream) []Chunk {
	var out []Chunk
	for {
		select {
		case c, ok := <-s.Chunks():
			if !ok {
				return out
			}
			out = append(out, c)
		default:
			return out
		}
	}
}

func TestFormatAnnouncedOnce(t *testing.T) {
	g := newFakeGraph()
	s := newTestStream(t, g, false)
	defer s.Stop()

	select {
	case f := <-s.Format():
		want := Format{Channels: 1, BitDepth: 32, SampleRate: 44100, Signed: true, Float: true}
		if f != want {
			t.Fatalf("expected %+v, got %+v", want, f)
		}
	case <-time.After(time.Second):
		t.Fatal("format was not announced")
	}

	select {
	case f, ok := <-s.Format():
		if ok {
			t.Fatalf("expected a single announcement, got second %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("format channel was not closed")
	}
}

func TestFormatAnnouncedEvenWhenStoppedFirst(t *testing.T) {
	g := newFakeGraph()
	s := newTestStream(t, g, false)
	s.Stop()

	select {
	case f := <-s.Format():
		if f.SampleRate != 44100 {
			t.Fatalf("unexpected format %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("format was not announced after stop")
	}
}

func TestBinaryModeForwardsViewOverFrameMemory(t *testing.T) {
	g := newFakeGraph()
	s := newTestStream(t, g, false)
	defer s.Stop()

	f := g.deliver(1.0, -0.5)

	chunks := pending(s)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	c := chunks[0]
	if c.Frame != nil {
		t.Fatal("binary mode must not deliver frames")
	}
	if len(c.Data) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(c.Data))
	}
	if unsafe.Pointer(&c.Data[0]) != unsafe.Pointer(&f.Data[0][0]) {
		t.Fatal("expected chunk to alias the frame's sample memory")
	}
	samples := c.Samples()
	if samples[0] != 1.0 || samples[1] != -0.5 {
		t.Fatalf("unexpected samples %v", samples)
	}
}

func TestObjectModeForwardsFrameUnchanged(t *testing.T) {
	g := newFakeGraph()
	s := newTestStream(t, g, true)
	defer s.Stop()

	f := g.deliver(0.25, 0.5, 0.75)

	chunks := pending(s)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Frame != f {
		t.Fatal("expected the delivered frame itself")
	}
	if chunks[0].Data != nil {
		t.Fatal("object mode must not deliver bytes")
	}
	if s.Mode() != Objects {
		t.Fatalf("expected objects mode, got %v", s.Mode())
	}
}

func TestModeExclusivity(t *testing.T) {
	for _, objects := range []bool{false, true} {
		g := newFakeGraph()
		s := newTestStream(t, g, objects)
		for i := 0; i < 5; i++ {
			g.deliver(float32(i))
		}
		s.Stop()

		var n int
		for c := range s.Chunks() {
			n++
			if objects && (c.Frame == nil || c.Data != nil) {
				t.Fatalf("objects=%v: got a binary chunk", objects)
			}
			if !objects && (c.Frame != nil || c.Data == nil) {
				t.Fatalf("objects=%v: got a frame chunk", objects)
			}
		}
		if n != 5 {
			t.Fatalf("objects=%v: expected 5 chunks, got %d", objects, n)
		}
	}
}

func TestBinaryModeForwardsFirstChannelOnly(t *testing.T) {
	g := newFakeGraph()
	s := newTestStream(t, g, false)
	defer s.Stop()

	f := audio.NewFrame(2, 3, g.rate)
	copy(f.Data[0], []float32{0.1, 0.2, 0.3})
	copy(f.Data[1], []float32{0.9, 0.8, 0.7})
	g.proc.handler(f)

	chunks := pending(s)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	got := chunks[0].Samples()
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	for i, want := range []float32{0.1, 0.2, 0.3} {
		if got[i] != want {
			t.Fatalf("sample %d: expected %f, got %f", i, want, got[i])
		}
	}
}

func TestStateTransitions(t *testing.T) {
	g := newFakeGraph()
	s, err := New(Options{Graph: g, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if s.State() != Created {
		t.Fatalf("expected created, got %v", s.State())
	}
	// Frames before a source is attached are dropped
	g.deliver(1)
	if n := len(pending(s)); n != 0 {
		t.Fatalf("expected no chunks before attach, got %d", n)
	}

	s.Pause()
	if s.State() != Created {
		t.Fatalf("pause must not leave created, got %v", s.State())
	}

	if err := s.SetSource(newFakeSource()); err != nil {
		t.Fatalf("SetSource: %v", err)
	}
	if s.State() != Streaming {
		t.Fatalf("expected streaming, got %v", s.State())
	}

	s.Pause()
	s.Pause()
	if s.State() != Paused {
		t.Fatalf("expected paused, got %v", s.State())
	}
	s.Resume()
	s.Resume()
	if s.State() != Streaming {
		t.Fatalf("expected streaming, got %v", s.State())
	}

	s.Stop()
	if s.State() != Stopped {
		t.Fatalf("expected stopped, got %v", s.State())
	}
	s.Resume()
	s.Pause()
	if s.State() != Stopped {
		t.Fatalf("stopped must be terminal, got %v", s.State())
	}
}

func TestPauseDropsFramesAndResumeKeepsOrder(t *testing.T) {
	g := newFakeGraph()
	s := newTestStream(t, g, false)
	defer s.Stop()

	g.deliver(1)
	g.deliver(2)
	s.Pause()
	g.deliver(3)
	g.deliver(4)
	s.Resume()
	g.deliver(5)
	g.deliver(6)

	var got []float32
	for _, c := range pending(s) {
		got = append(got, c.Samples()[0])
	}
	want := []float32{1, 2, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestStopTearsDownOnceAndEndsStream(t *testing.T) {
	g := newFakeGraph()
	src := newFakeSource()
	s, err := New(Options{Source: src, Graph: g, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	g.deliver(1)
	s.Stop()
	s.Stop()

	if src.track.stops != 1 {
		t.Errorf("expected track stopped once, got %d", src.track.stops)
	}
	if g.proc.disconnects != 1 {
		t.Errorf("expected processor disconnected once, got %d", g.proc.disconnects)
	}
	if g.nodes[0].disconnects != 1 {
		t.Errorf("expected source link disconnected once, got %d", g.nodes[0].disconnects)
	}
	if g.closes != 1 {
		t.Errorf("expected graph closed once, got %d", g.closes)
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("expected Done to be closed when Stop returns")
	}

	ctx := context.Background()
	c, err := s.Next(ctx)
	if err != nil || c.Samples()[0] != 1 {
		t.Fatalf("expected the queued chunk before end of stream, got %v %v", c, err)
	}
	if _, err := s.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if _, err := s.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF to repeat, got %v", err)
	}
}

func TestLateFrameAfterStopIsDropped(t *testing.T) {
	g := newFakeGraph()
	s := newTestStream(t, g, false)
	s.Stop()

	// Must neither panic on the closed channel nor produce a chunk
	g.deliver(0.5)

	if _, err := s.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestStopIgnoresTeardownFailures(t *testing.T) {
	g := newFakeGraph()
	g.closeErr = errors.New("context already closed")
	src := newFakeSource()
	src.track.err = errors.New("track already ended")

	s, err := New(Options{Source: src, Graph: g, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g.nodes[0].panics = true

	s.Stop()

	if g.closes != 1 {
		t.Errorf("expected graph close to be attempted after earlier failures, got %d", g.closes)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("expected Done to be closed")
	}
	if s.State() != Stopped {
		t.Fatalf("expected stopped, got %v", s.State())
	}
}

func TestSetSourceAfterStopIsNoop(t *testing.T) {
	g := newFakeGraph()
	s := newTestStream(t, g, false)
	s.Stop()

	if err := s.SetSource(newFakeSource()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(g.nodes) != 1 {
		t.Fatalf("expected no new link after stop, got %d links", len(g.nodes))
	}
	if s.State() != Stopped {
		t.Fatalf("expected stopped, got %v", s.State())
	}
}

func TestSetSourceRewiresAndKeepsPause(t *testing.T) {
	g := newFakeGraph()
	s := newTestStream(t, g, false)
	defer s.Stop()

	s.Pause()
	if err := s.SetSource(newFakeSource()); err != nil {
		t.Fatalf("SetSource: %v", err)
	}

	if len(g.nodes) != 2 {
		t.Fatalf("expected 2 links, got %d", len(g.nodes))
	}
	if g.nodes[0].disconnects != 1 {
		t.Fatal("expected previous source link to be disconnected")
	}
	if g.nodes[1].disconnects != 0 {
		t.Fatal("new source link must stay connected")
	}
	if s.State() != Paused {
		t.Fatalf("expected paused to survive rewire, got %v", s.State())
	}
}

func TestSetSourcePropagatesConnectFailure(t *testing.T) {
	g := newFakeGraph()
	s, err := New(Options{Graph: g, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	g.connectErr = errors.New("device busy")
	if err := s.SetSource(newFakeSource()); !errors.Is(err, g.connectErr) {
		t.Fatalf("expected wrapped connect error, got %v", err)
	}
	if s.State() != Created {
		t.Fatalf("expected created after failed attach, got %v", s.State())
	}
}

func TestNewFailsWhenInitialSourceCannotAttach(t *testing.T) {
	g := newFakeGraph()
	g.connectErr = errors.New("device busy")

	_, err := New(Options{
		Source:   newFakeSource(),
		NewGraph: func() (audio.Graph, error) { return g, nil },
		Logger:   zerolog.Nop(),
	})
	if !errors.Is(err, g.connectErr) {
		t.Fatalf("expected connect error, got %v", err)
	}
	if g.closes != 1 {
		t.Fatalf("expected owned graph to be closed, got %d closes", g.closes)
	}
}

func TestNewGraphResolution(t *testing.T) {
	if _, err := New(Options{Logger: zerolog.Nop()}); !errors.Is(err, ErrNoGraph) {
		t.Fatalf("expected ErrNoGraph, got %v", err)
	}

	factoryErr := errors.New("no audio backend")
	_, err := New(Options{
		NewGraph: func() (audio.Graph, error) { return nil, factoryErr },
		Logger:   zerolog.Nop(),
	})
	if !errors.Is(err, factoryErr) {
		t.Fatalf("expected factory error, got %v", err)
	}

	g := newFakeGraph()
	s, err := New(Options{
		NewGraph: func() (audio.Graph, error) { return g, nil },
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !s.OwnsGraph() {
		t.Fatal("expected stream to own a graph it created")
	}
	if g.bufferSize != DefaultBufferSize {
		t.Fatalf("expected default buffer size %d, got %d", DefaultBufferSize, g.bufferSize)
	}
	s.Stop()
	if g.closes != 1 {
		t.Fatalf("expected owned graph closed on stop, got %d", g.closes)
	}
}

func TestFullQueueDropsChunks(t *testing.T) {
	g := newFakeGraph()
	s, err := New(Options{Source: newFakeSource(), Graph: g, QueueSize: 2, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	for i := 0; i < 5; i++ {
		g.deliver(float32(i))
	}

	if s.Dropped() != 3 {
		t.Fatalf("expected 3 dropped, got %d", s.Dropped())
	}
	chunks := pending(s)
	if len(chunks) != 2 || chunks[0].Samples()[0] != 0 || chunks[1].Samples()[0] != 1 {
		t.Fatalf("expected the two oldest chunks to be kept, got %d", len(chunks))
	}
}

func TestNextHonoursContext(t *testing.T) {
	g := newFakeGraph()
	s := newTestStream(t, g, false)
	defer s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		Created:   "created",
		Streaming: "streaming",
		Paused:    "paused",
		Stopped:   "stopped",
		State(9):  "State(9)",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("expected %q, got %q", want, s.String())
		}
	}
}
