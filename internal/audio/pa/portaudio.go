// Package pa runs the audio graph on PortAudio: microphones are opened as
// blocking input streams and every filled buffer is delivered as one frame.
package pa

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/petems/micstream/internal/audio"
	"github.com/petems/micstream/internal/config"
)

// Graph is a PortAudio-backed audio.Graph. Only one Graph should be open at a
// time since it owns the PortAudio library lifetime.
type Graph struct {
	sampleRate int

	mu     sync.Mutex
	closed bool
	nodes  map[*node]struct{}
}

// Replaced in tests
var (
	terminate    = portaudio.Terminate
	closeTimeout = 2 * time.Second
)

var errStreamsBusy = errors.New("audio streams still reading")

// NewGraph initializes PortAudio
func NewGraph(cfg config.AudioConfig) (*Graph, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = audio.DefaultSampleRate
	}
	return &Graph{sampleRate: rate}, nil
}

func (g *Graph) SampleRate() int { return g.sampleRate }

func (g *Graph) CreateProcessor(bufferSize int) (audio.Processor, error) {
	if bufferSize <= 0 {
		return nil, fmt.Errorf("invalid buffer size %d", bufferSize)
	}
	return &processor{frames: bufferSize}, nil
}

// ConnectSource opens an input stream on the device and starts delivering
// frames to p. The returned node closes the stream when disconnected.
func (g *Graph) ConnectSource(src audio.Source, p audio.Processor) (audio.Node, error) {
	dev, ok := src.(*Device)
	if !ok {
		return nil, audio.ErrUnsupported
	}
	proc, ok := p.(*processor)
	if !ok {
		return nil, audio.ErrUnsupported
	}

	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return nil, audio.ErrGraphClosed
	}

	// Open stream: device channels, graph sample rate, float32 interleaved
	buffer := make([]float32, proc.frames*dev.channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev.info,
			Channels: dev.channels,
			Latency:  dev.info.DefaultLowInputLatency,
		},
		SampleRate:      float64(g.sampleRate),
		FramesPerBuffer: proc.frames,
	}, buffer)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to start audio stream: %w", err)
	}

	n := newNode()
	if !g.track(n) {
		stream.Stop()
		stream.Close()
		return nil, audio.ErrGraphClosed
	}
	dev.setStream(stream)

	go func() {
		n.readLoop(stream, buffer, dev.channels, proc, g.sampleRate)
		g.untrack(n)
	}()
	return n, nil
}

func (g *Graph) track(n *node) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	if g.nodes == nil {
		g.nodes = make(map[*node]struct{})
	}
	g.nodes[n] = struct{}{}
	return true
}

func (g *Graph) untrack(n *node) {
	g.mu.Lock()
	delete(g.nodes, n)
	g.mu.Unlock()
}

// Close unlinks every node, waits for their streams to close and then
// terminates PortAudio. If a stream is still reading after closeTimeout
// PortAudio is left initialized and errStreamsBusy is returned.
func (g *Graph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return audio.ErrGraphClosed
	}
	g.closed = true
	nodes := make([]*node, 0, len(g.nodes))
	for n := range g.nodes {
		nodes = append(nodes, n)
	}
	g.mu.Unlock()

	timeout := time.NewTimer(closeTimeout)
	defer timeout.Stop()
	for _, n := range nodes {
		n.Disconnect()
		select {
		case <-n.done:
		case <-timeout.C:
			return errStreamsBusy
		}
	}
	return terminate()
}

type processor struct {
	frames int

	mu      sync.Mutex
	handler audio.FrameHandler
}

func (p *processor) SetHandler(h audio.FrameHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *processor) Disconnect() error {
	p.SetHandler(nil)
	return nil
}

func (p *processor) deliver(f audio.Frame) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h(f)
	}
}

type node struct {
	once sync.Once
	quit chan struct{}
	// closed once the read loop has closed its stream
	done chan struct{}
}

func newNode() *node {
	return &node{quit: make(chan struct{}), done: make(chan struct{})}
}

func (n *node) Disconnect() error {
	n.once.Do(func() { close(n.quit) })
	return nil
}

func (n *node) readLoop(stream *portaudio.Stream, buffer []float32, channels int, p *processor, sampleRate int) {
	defer close(n.done)
	defer stream.Close()
	for {
		// Read blocks until the buffer is full; it fails once the track is stopped
		if err := stream.Read(); err != nil {
			return
		}

		select {
		case <-n.quit:
			return
		default:
		}

		// A fresh frame per delivery so the handler may keep it
		f := audio.NewFrame(channels, p.frames, sampleRate)
		audio.Deinterleave(f, buffer)
		p.deliver(f)
	}
}

// Device is a PortAudio input device acquired as an audio.Source
type Device struct {
	info     *portaudio.DeviceInfo
	channels int

	mu      sync.Mutex
	stream  *portaudio.Stream
	stopped bool
}

// Open finds an input device by name, or the default input device when
// deviceID is empty. PortAudio must already be initialized by NewGraph.
func Open(deviceID string, channels int) (*Device, error) {
	var device *portaudio.DeviceInfo
	if deviceID == "" {
		var err error
		device, err = portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
	} else {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate devices: %w", err)
		}
		for _, d := range devices {
			if d.Name == deviceID && d.MaxInputChannels > 0 {
				device = d
				break
			}
		}
	}

	if device == nil {
		return nil, fmt.Errorf("device not found: %s", deviceID)
	}

	if channels <= 0 {
		channels = 1
	}
	if channels > device.MaxInputChannels {
		channels = device.MaxInputChannels
	}

	return &Device{info: device, channels: channels}, nil
}

// Name returns the PortAudio device name
func (d *Device) Name() string { return d.info.Name }

func (d *Device) Tracks() []audio.Track {
	return []audio.Track{deviceTrack{d}}
}

func (d *Device) setStream(s *portaudio.Stream) {
	d.mu.Lock()
	d.stream = s
	d.stopped = false
	d.mu.Unlock()
}

type deviceTrack struct{ d *Device }

var errNotStarted = errors.New("device stream not started")

func (t deviceTrack) Stop() error {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	if t.d.stopped {
		return audio.ErrSourceStopped
	}
	if t.d.stream == nil {
		return errNotStarted
	}
	t.d.stopped = true
	return t.d.stream.Stop()
}

// ListDevices returns every device with at least one input channel
func ListDevices() ([]audio.AudioDevice, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]audio.AudioDevice, 0, len(devices))
	defaultDevice, _ := portaudio.DefaultInputDevice()

	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, audio.AudioDevice{
				ID:       d.Name,
				Name:     d.Name,
				Channels: d.MaxInputChannels,
				Default:  d == defaultDevice,
			})
		}
	}

	return result, nil
}
