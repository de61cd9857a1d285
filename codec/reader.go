package codec

import "io"

// FrameReader buffers bytes from an underlying stream and hands off one
// complete frame at a time, atomically: a partial frame never escapes to
// the caller. It does not parse JSON itself — it only finds frame
// boundaries — so callers choose when (and into what type) to decode.
type FrameReader struct {
	codec *Codec
	buf   []byte
}

// NewFrameReader wraps a Codec with a streaming buffer.
func NewFrameReader(c *Codec) *FrameReader {
	return &FrameReader{codec: c}
}

// Feed appends newly-read bytes to the internal buffer.
func (r *FrameReader) Feed(b []byte) {
	r.buf = append(r.buf, b...)
}

// Next returns the next complete frame body (JSON bytes, without the length
// prefix) buffered so far, or (nil, nil) if no complete frame is
// available yet, which simply means "call Feed again". The only error it
// returns is TooLarge, when a buffered length prefix exceeds the limit.
func (r *FrameReader) Next() (body []byte, err error) {
	n, body, err := r.codec.decodeBody(r.buf)
	if err != nil {
		if e, ok := err.(*Error); ok && e.Kind == Truncated {
			return nil, nil
		}
		// TooLarge: the declared length itself is bogus; drop the whole
		// buffer so a garbage prefix can't wedge the stream forever.
		r.buf = nil
		return nil, err
	}
	out := make([]byte, len(body))
	copy(out, body)
	r.buf = r.buf[n:]
	return out, nil
}

// ReadFrame blocks, reading from rd in chunks, until one full frame is
// available, then returns its JSON body.
func ReadFrame(rd io.Reader, r *FrameReader) ([]byte, error) {
	chunk := make([]byte, 64*1024)
	for {
		if body, err := r.Next(); err != nil {
			return nil, err
		} else if body != nil {
			return body, nil
		}
		n, err := rd.Read(chunk)
		if n > 0 {
			r.Feed(chunk[:n])
		}
		if err != nil {
			return nil, err
		}
	}
}
