package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Reader decodes a JSON-lines trace: one record object per line. Blank
// lines and lines starting with '#' are skipped.
type Reader struct {
	scanner *bufio.Scanner
	closer  io.Closer
	line    int
}

// NewReader reads records from r.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Reader{scanner: s}
}

// Open opens a trace file.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace: %w", err)
	}
	r := NewReader(f)
	r.closer = f
	return r, nil
}

// Next decodes the next record.
func (r *Reader) Next() (Record, bool, error) {
	for r.scanner.Scan() {
		r.line++
		text := strings.TrimSpace(r.scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return Record{}, false, fmt.Errorf("line %d: %w", r.line, err)
		}
		return rec, true, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Record{}, false, fmt.Errorf("failed to read trace: %w", err)
	}
	return Record{}, false, nil
}

// Close closes the underlying file when the Reader was opened by path.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Writer encodes records as JSON lines.
type Writer struct {
	w *bufio.Writer
	n uint64
}

// NewWriter writes records to w. Call Flush when done.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write appends one record.
func (w *Writer) Write(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if _, err := w.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	w.n++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() uint64 {
	return w.n
}

// Flush writes buffered records.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Copy drains src into w and returns the number of records copied.
func Copy(w *Writer, src Source) (uint64, error) {
	var n uint64
	for {
		rec, ok, err := src.Next()
		if err != nil {
			return n, err
		}
		if !ok {
			return n, w.Flush()
		}
		if err := w.Write(rec); err != nil {
			return n, err
		}
		n++
	}
}
