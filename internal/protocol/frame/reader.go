package frame

import (
	"bufio"
	"io"
)

// MaxEncodedLen bounds one stuffed packet (without delimiter).
const MaxEncodedLen = MaxLen + MaxLen/254 + 1

// Reader splits a byte stream into stuffed packets on Delimiter.
type Reader struct {
	br      *bufio.Reader
	buf     []byte
	discard bool
}

func NewReader(r io.Reader) *Reader {
	return &Reader{
		br:  bufio.NewReaderSize(r, 1024),
		buf: make([]byte, 0, MaxEncodedLen),
	}
}

// Next returns the next non-empty stuffed packet, without its delimiter.
// Packets longer than MaxEncodedLen are skipped through the next delimiter
// and reported as ErrOversize; the stream stays usable. Any other error
// comes from the underlying reader.
func (r *Reader) Next() ([]byte, error) {
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != Delimiter {
			if r.discard {
				continue
			}
			if len(r.buf) == MaxEncodedLen {
				r.discard = true
				r.buf = r.buf[:0]
				continue
			}
			r.buf = append(r.buf, b)
			continue
		}
		if r.discard {
			r.discard = false
			return nil, ErrOversize
		}
		if len(r.buf) == 0 {
			continue
		}
		out := make([]byte, len(r.buf))
		copy(out, r.buf)
		r.buf = r.buf[:0]
		return out, nil
	}
}
