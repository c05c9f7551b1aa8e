package app

import (
	"io"
	"math"

	"github.com/petems/micstream/internal/audio"
	"github.com/rs/zerolog"
)

// JSONFrameWriter writes one JSON line per frame with its level statistics
type JSONFrameWriter struct {
	out zerolog.Logger
}

func NewJSONFrameWriter(w io.Writer) *JSONFrameWriter {
	return &JSONFrameWriter{out: zerolog.New(w)}
}

func (j *JSONFrameWriter) WriteFrame(index int, f audio.Frame) error {
	rms, peak := levels(f.Data[0])
	j.out.Log().
		Int("index", index).
		Int("length", f.Size.Len).
		Int("channels", f.Size.Channels).
		Int("sample_rate", f.Size.SamplingRate).
		Float64("rms", rms).
		Float64("peak", peak).
		Send()
	return nil
}

// levels returns the RMS and absolute peak of samples
func levels(samples []float32) (rms, peak float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return math.Sqrt(sum / float64(len(samples))), peak
}
