package micstream

import "context"

// Reader exposes a Binary stream as an io.Reader. Read returns io.EOF once
// the stream is stopped and every queued chunk has been consumed.
type Reader struct {
	ctx context.Context
	s   *Stream
	buf []byte
}

func NewReader(ctx context.Context, s *Stream) (*Reader, error) {
	if s.Mode() != Binary {
		return nil, ErrObjectMode
	}
	return &Reader{ctx: ctx, s: s}, nil
}

func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.buf) == 0 {
		c, err := r.s.Next(r.ctx)
		if err != nil {
			return 0, err
		}
		r.buf = c.Data
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
