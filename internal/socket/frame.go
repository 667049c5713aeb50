package socket

import (
	"io"
	"unicode/utf8"

	"github.com/leonardcser/mcache/internal/wire"
)

// frameReader turns a byte stream into records. Bytes of a character split
// across reads are held back so the decoder only ever sees whole characters.
type frameReader struct {
	r       io.Reader
	dec     *wire.Decoder
	buf     []byte
	pending []byte
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: r, dec: wire.NewDecoder(), buf: make([]byte, 32*1024)}
}

// next blocks until at least one record is complete or the stream fails.
func (f *frameReader) next() ([]wire.Record, error) {
	for {
		n, err := f.r.Read(f.buf)
		if n > 0 {
			f.pending = append(f.pending, f.buf[:n]...)
			cut := completeText(f.pending)
			recs, derr := f.dec.Decode(string(f.pending[:cut]))
			f.pending = append(f.pending[:0], f.pending[cut:]...)
			if derr != nil {
				return recs, derr
			}
			if len(recs) > 0 {
				return recs, nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

// completeText returns the length of the longest prefix of p that does not
// end inside a multi-byte UTF-8 sequence.
func completeText(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if utf8.FullRune(p[i:]) {
				return len(p)
			}
			return i
		}
	}
	return len(p)
}
