package protocol

import (
	"bytes"
	"io"
)

const readChunkSize = 1024

// LineReader extracts newline-terminated lines from a byte stream that is
// read in timeout-bounded chunks. Both "\r\n" and "\n" terminate a line.
//
// The underlying reader is expected to return (0, nil) when no bytes arrive
// within its poll timeout, so Next never blocks indefinitely: a line that has
// not fully arrived yet is simply reported as not available and retried on
// the next poll.
type LineReader struct {
	r   io.Reader
	buf []byte
}

func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: r}
}

// Next returns the next complete line with its terminator stripped, or
// ok=false if the buffered bytes contain no terminator yet. A read error is
// returned after any bytes read alongside it have been buffered.
func (lr *LineReader) Next() (line []byte, ok bool, err error) {
	if line, ok := lr.takeLine(); ok {
		return line, true, nil
	}

	chunk := make([]byte, readChunkSize)
	n, err := lr.r.Read(chunk)
	if n > 0 {
		lr.buf = append(lr.buf, chunk[:n]...)
	}
	if err != nil {
		return nil, false, err
	}

	line, ok = lr.takeLine()
	return line, ok, nil
}

func (lr *LineReader) takeLine() ([]byte, bool) {
	idx := bytes.IndexByte(lr.buf, '\n')
	if idx < 0 {
		return nil, false
	}

	line := lr.buf[:idx]
	lr.buf = append([]byte(nil), lr.buf[idx+1:]...)

	// tolerate CRLF terminators
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return append([]byte(nil), line...), true
}
