package audio

import (
	"errors"
	"math"
	"sync"
	"time"
)

var (
	ErrGraphClosed   = errors.New("audio: graph closed")
	ErrUnsupported   = errors.New("audio: source or processor not created by this graph")
	ErrSourceStopped = errors.New("audio: source already stopped")
)

// ToneSource is a synthetic input producing a sine wave on every channel.
// It stands in for a microphone when no hardware is available.
type ToneSource struct {
	Frequency float64 // Hz
	Amplitude float32 // 0 means 0.5
	Channels  int     // 0 means 1
	Frames    int     // stop after this many frames, 0 = unlimited

	once     sync.Once
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewToneSource returns a mono source at the given frequency
func NewToneSource(frequency float64) *ToneSource {
	return &ToneSource{Frequency: frequency}
}

func (s *ToneSource) init() {
	s.once.Do(func() { s.stopped = make(chan struct{}) })
}

func (s *ToneSource) Tracks() []Track {
	s.init()
	return []Track{toneTrack{s}}
}

// Sample returns the value the source produces for absolute sample index n
func (s *ToneSource) Sample(n, sampleRate int) float32 {
	amp := s.Amplitude
	if amp == 0 {
		amp = 0.5
	}
	return amp * float32(math.Sin(2*math.Pi*s.Frequency*float64(n)/float64(sampleRate)))
}

func (s *ToneSource) channels() int {
	if s.Channels <= 0 {
		return 1
	}
	return s.Channels
}

type toneTrack struct{ s *ToneSource }

func (t toneTrack) Stop() error {
	t.s.init()
	err := ErrSourceStopped
	t.s.stopOnce.Do(func() {
		close(t.s.stopped)
		err = nil
	})
	return err
}

// ToneGraph delivers ToneSource frames from a ticker at the cadence a real
// device would: one frame every bufferSize/sampleRate seconds.
type ToneGraph struct {
	sampleRate int

	mu     sync.Mutex
	closed bool
	nodes  []*toneNode
}

// NewToneGraph runs at sampleRate, or DefaultSampleRate when it is not positive.
func NewToneGraph(sampleRate int) *ToneGraph {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &ToneGraph{sampleRate: sampleRate}
}

func (g *ToneGraph) SampleRate() int { return g.sampleRate }

func (g *ToneGraph) CreateProcessor(bufferSize int) (Processor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrGraphClosed
	}
	if bufferSize <= 0 {
		return nil, errors.New("audio: buffer size must be positive")
	}
	return &toneProcessor{bufferSize: bufferSize}, nil
}

func (g *ToneGraph) ConnectSource(src Source, p Processor) (Node, error) {
	ts, ok := src.(*ToneSource)
	if !ok {
		return nil, ErrUnsupported
	}
	proc, ok := p.(*toneProcessor)
	if !ok {
		return nil, ErrUnsupported
	}
	ts.init()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrGraphClosed
	}

	n := &toneNode{quit: make(chan struct{})}
	g.nodes = append(g.nodes, n)
	go n.run(ts, proc, g.sampleRate)
	return n, nil
}

// Close stops every running node
func (g *ToneGraph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGraphClosed
	}
	g.closed = true
	for _, n := range g.nodes {
		n.Disconnect()
	}
	return nil
}

type toneProcessor struct {
	bufferSize int

	mu      sync.Mutex
	handler FrameHandler
}

func (p *toneProcessor) SetHandler(h FrameHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *toneProcessor) Disconnect() error {
	p.SetHandler(nil)
	return nil
}

func (p *toneProcessor) deliver(f Frame) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h(f)
	}
}

type toneNode struct {
	once sync.Once
	quit chan struct{}
}

func (n *toneNode) Disconnect() error {
	n.once.Do(func() { close(n.quit) })
	return nil
}

func (n *toneNode) done(src *ToneSource) bool {
	select {
	case <-n.quit:
		return true
	case <-src.stopped:
		return true
	default:
		return false
	}
}

func (n *toneNode) run(src *ToneSource, p *toneProcessor, sampleRate int) {
	interval := time.Duration(float64(p.bufferSize) / float64(sampleRate) * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	channels := src.channels()
	pos := 0
	for count := 0; src.Frames == 0 || count < src.Frames; count++ {
		select {
		case <-n.quit:
			return
		case <-src.stopped:
			return
		case <-ticker.C:
		}
		if n.done(src) {
			return
		}

		f := NewFrame(channels, p.bufferSize, sampleRate)
		for i := 0; i < p.bufferSize; i++ {
			v := src.Sample(pos+i, sampleRate)
			for ch := 0; ch < channels; ch++ {
				f.Data[ch][i] = v
			}
		}
		pos += p.bufferSize
		p.deliver(f)
	}
}
