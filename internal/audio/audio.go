// Package audio defines the boundary between a capture stream and the runtime
// that produces its frames: live input sources, processing graphs and the
// nodes that link them.
package audio

import "github.com/pion/mediadevices/pkg/wave"

// DefaultSampleRate is used by graphs given a sample rate that is not positive
const DefaultSampleRate = 48000

// Frame is one block of planar float32 samples delivered by a Graph.
// Data[ch] holds channel ch; every sample is in [-1, 1].
type Frame = *wave.Float32NonInterleaved

// FrameHandler receives every frame a Processor delivers. The frame is only
// valid until the handler returns unless the handler keeps the reference.
type FrameHandler func(Frame)

// Track is one hardware track of a Source
type Track interface {
	// Stop releases the underlying hardware
	Stop() error
}

// Source is a live audio input. It is owned by whoever acquired it.
type Source interface {
	Tracks() []Track
}

// Processor delivers frames of a fixed size at hardware cadence
type Processor interface {
	SetHandler(h FrameHandler)
	Disconnect() error
}

// Node links a Source into a Graph
type Node interface {
	Disconnect() error
}

// Graph is an audio processing context
type Graph interface {
	SampleRate() int
	CreateProcessor(bufferSize int) (Processor, error)
	ConnectSource(src Source, p Processor) (Node, error)
	Close() error
}

// AudioDevice represents an audio input device
type AudioDevice struct {
	ID       string
	Name     string
	Channels int
	Default  bool
}
