// internal/input/reader.go
package input

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// gzipMagic is the two-byte header of every gzip member.
var gzipMagic = []byte{0x1f, 0x8b}

// LineReader
// ------------------------------------------------------------
// Streams an input one line at a time without holding more than the
// current line in memory. Lines may be of any length.
//
// Source:
//   - stdin ("" or "-") or a file path
//   - plain text or gzip, detected from the first two bytes
type LineReader struct {
	r      *bufio.Reader
	closer []io.Closer
	line   int
	done   bool
}

// Open returns a LineReader over path, or over stdin when path is "" or "-".
func Open(path string, stdin io.Reader) (*LineReader, error) {
	if path == "" || path == "-" {
		return NewLineReader(stdin)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}

	lr, err := NewLineReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	lr.closer = append(lr.closer, f)

	return lr, nil
}

// NewLineReader wraps src, transparently decompressing gzip input.
func NewLineReader(src io.Reader) (*LineReader, error) {
	br := bufio.NewReaderSize(src, 64*1024)

	head, err := br.Peek(len(gzipMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read input: %w", err)
	}

	if !bytes.Equal(head, gzipMagic) {
		return &LineReader{r: br}, nil
	}

	gz, err := gzip.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("open gzip input: %w", err)
	}

	return &LineReader{
		r:      bufio.NewReaderSize(gz, 64*1024),
		closer: []io.Closer{gz},
	}, nil
}

// Next returns the next line without its "\n" or "\r\n" terminator and
// its 1-based line number. The returned slice is only valid until the
// following call. At end of input it returns io.EOF; a last line with
// no terminator is still returned first.
func (lr *LineReader) Next() ([]byte, int, error) {
	if lr.done {
		return nil, lr.line, io.EOF
	}

	line, err := lr.r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		// long line: copy the full buffer before reading on, then grow
		head := bytes.Clone(line)
		rest, err2 := lr.r.ReadBytes('\n')
		line = append(head, rest...)
		err = err2
	}

	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		lr.done = true
		if len(line) == 0 {
			return nil, lr.line, io.EOF
		}
	default:
		return nil, lr.line, fmt.Errorf("read input line %d: %w", lr.line+1, err)
	}

	lr.line++

	line = bytes.TrimSuffix(line, []byte{'\n'})
	line = bytes.TrimSuffix(line, []byte{'\r'})

	return line, lr.line, nil
}

// Line returns the number of the last line returned by Next.
func (lr *LineReader) Line() int {
	return lr.line
}

// Close releases the gzip stream and the input file, if any.
func (lr *LineReader) Close() error {
	var errs []error
	for _, c := range lr.closer {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
