package audio

import "github.com/pion/mediadevices/pkg/wave"

// NewFrame allocates a zeroed planar frame
func NewFrame(channels, length, sampleRate int) Frame {
	return wave.NewFloat32NonInterleaved(wave.ChunkInfo{
		Len:          length,
		Channels:     channels,
		SamplingRate: sampleRate,
	})
}

// Deinterleave splits an interleaved device buffer into dst's channels.
// interleaved must hold dst.Size.Len frames of dst.Size.Channels samples.
func Deinterleave(dst Frame, interleaved []float32) {
	channels := dst.Size.Channels
	if channels == 1 {
		copy(dst.Data[0], interleaved)
		return
	}

	for i := 0; i < dst.Size.Len; i++ {
		base := i * channels
		for ch := 0; ch < channels; ch++ {
			dst.Data[ch][i] = interleaved[base+ch]
		}
	}
}
