// Package textstream implements the line-oriented framing used between the
// relay and its clients.
//
// A stream is a sequence of records, one per line, each of the form
//
//	<tag>:<JSON-encoded string>\n
//
// Only the text tag "0" is defined. Decoders skip records with any other tag.
package textstream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// TextTag prefixes every text delta record.
const TextTag = "0:"

// ContentType is sent by the relay for streamed bodies.
const ContentType = "text/plain; charset=utf-8"

// Writer frames text deltas onto an underlying writer, flushing after each
// record when the writer supports it.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
	records int
	bytes   int
}

// NewWriter wraps w. If w implements http.Flusher every record is flushed.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// WriteText emits one text record. Empty deltas are skipped.
func (w *Writer) WriteText(delta string) error {
	if delta == "" {
		return nil
	}
	encoded, err := json.Marshal(delta)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.Grow(len(TextTag) + len(encoded) + 1)
	buf.WriteString(TextTag)
	buf.Write(encoded)
	buf.WriteByte('\n')
	n, err := w.w.Write(buf.Bytes())
	w.bytes += n
	if err != nil {
		return err
	}
	w.records++
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// Records returns the number of records written so far.
func (w *Writer) Records() int { return w.records }

// Bytes returns the number of body bytes written so far.
func (w *Writer) Bytes() int { return w.bytes }

// Decoder reads text deltas from a framed stream. Lines and multi-byte
// characters split across reads are reassembled before decoding.
type Decoder struct {
	r   *bufio.Reader
	err error
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next text delta. It returns io.EOF once the stream ends.
func (d *Decoder) Next() (string, error) {
	for {
		if d.err != nil {
			return "", d.err
		}
		line, err := d.r.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.err = err
				return "", err
			}
			d.err = io.EOF
			if line == "" {
				return "", io.EOF
			}
		}
		if delta, ok := ParseLine(line); ok {
			return delta, nil
		}
	}
}

// ReadAll drains the decoder, calling fn for every delta, and returns the
// concatenation of all deltas in arrival order.
func (d *Decoder) ReadAll(fn func(delta string)) (string, error) {
	var sb strings.Builder
	for {
		delta, err := d.Next()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(delta)
		if fn != nil {
			fn(delta)
		}
	}
}

// ParseLine decodes a single record. It reports false for lines that are not
// non-empty text records.
func ParseLine(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, TextTag) {
		return "", false
	}
	payload := line[len(TextTag):]
	var delta string
	if err := json.Unmarshal([]byte(payload), &delta); err != nil {
		// Older relays wrote the delta between bare quotes.
		delta = strings.TrimPrefix(payload, `"`)
		delta = strings.TrimSuffix(delta, `"`)
	}
	if delta == "" {
		return "", false
	}
	return delta, true
}
