package sockbridge

import (
	"bytes"
	"errors"
	"io"
	"iter"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// FrameDelimiter separates frames on the wire
const FrameDelimiter = '\n'

const readChunkSize = 32 * 1024

// Splitter turns a chunked byte stream into delimiter separated frames.
//
// The carry-over is kept as raw bytes and only complete segments are decoded,
// so a multi-byte character split across two chunks is never decoded early.
// A Splitter is stateful and single pass; it is not safe for concurrent use.
type Splitter struct {
	delim   []byte
	buf     []byte
	decoder *encoding.Decoder
}

// NewSplitter creates a Splitter for the given single-character delimiter
func NewSplitter(delim rune) *Splitter {
	return &Splitter{
		delim:   utf8.AppendRune(nil, delim),
		decoder: unicode.UTF8.NewDecoder(),
	}
}

// Push consumes one chunk and returns every frame it completed, in order
func (s *Splitter) Push(chunk []byte) []string {
	s.buf = append(s.buf, chunk...)

	var frames []string
	for {
		i := bytes.Index(s.buf, s.delim)
		if i < 0 {
			break
		}
		frames = append(frames, s.decode(s.buf[:i]))
		s.buf = s.buf[i+len(s.delim):]
	}

	// Compact so a long-lived stream does not pin an ever growing array.
	if len(s.buf) == 0 {
		s.buf = nil
	} else if cap(s.buf) > readChunkSize && len(s.buf) < cap(s.buf)/4 {
		s.buf = append([]byte(nil), s.buf...)
	}
	return frames
}

// Flush ends the stream. The remaining carry-over, if any, is returned as the
// final frame; incomplete characters are replaced with U+FFFD.
func (s *Splitter) Flush() []string {
	if len(s.buf) == 0 {
		return nil
	}
	last := s.decode(s.buf)
	s.buf = nil
	return []string{last}
}

// Pending returns the decoded, not yet terminated carry-over
func (s *Splitter) Pending() string {
	return s.decode(s.buf)
}

func (s *Splitter) decode(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out, err := s.decoder.Bytes(b)
	if err != nil {
		return string(bytes.ToValidUTF8(b, []byte(string(utf8.RuneError))))
	}
	return string(out)
}

// Frames lazily yields the frames read from r. The final unterminated
// segment is yielded when r reaches io.EOF; any other read error is yielded
// once and ends the sequence.
func Frames(r io.Reader, delim rune) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s := NewSplitter(delim)
		chunk := make([]byte, readChunkSize)
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				for _, frame := range s.Push(chunk[:n]) {
					if !yield(frame, nil) {
						return
					}
				}
			}
			if errors.Is(err, io.EOF) {
				for _, frame := range s.Flush() {
					if !yield(frame, nil) {
						return
					}
				}
				return
			}
			if err != nil {
				yield("", err)
				return
			}
		}
	}
}
