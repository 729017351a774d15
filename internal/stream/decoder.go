// Package stream implements the event-stream codec shared by the coach server
// and its clients: frame decoding, event interpretation and the idle watchdog.
package stream

import (
	"bytes"
	"errors"
	"io"
	"iter"
)

// readChunkSize is the transport read size used by Records.
const readChunkSize = 4096

var frameDelimiter = []byte("\n\n")

// Decoder splits an arbitrarily chunked byte stream into event records.
// A record is a text block terminated by a blank line. CRLF is normalized
// to LF before splitting, including when the pair straddles two chunks.
//
// Decoder is not safe for concurrent use.
type Decoder struct {
	buf       []byte
	pendingCR bool
	scanFrom  int
}

// NewDecoder creates an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk and returns every record completed by it, in order.
func (d *Decoder) Feed(chunk []byte) []string {
	d.appendNormalized(chunk)

	var records []string
	for {
		idx := bytes.Index(d.buf[d.scanFrom:], frameDelimiter)
		if idx < 0 {
			// The delimiter may start on the last byte already scanned.
			d.scanFrom = max(0, len(d.buf)-1)
			break
		}
		end := d.scanFrom + idx
		if rec, ok := record(d.buf[:end]); ok {
			records = append(records, rec)
		}
		d.buf = d.buf[end+len(frameDelimiter):]
		d.scanFrom = 0
	}
	return records
}

// Flush returns the final undelimited record, if any, and resets the decoder.
func (d *Decoder) Flush() (string, bool) {
	if d.pendingCR {
		d.buf = append(d.buf, '\r')
		d.pendingCR = false
	}
	rec, ok := record(d.buf)
	d.buf = nil
	d.scanFrom = 0
	return rec, ok
}

func (d *Decoder) appendNormalized(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if d.pendingCR {
		d.pendingCR = false
		if chunk[0] != '\n' {
			d.buf = append(d.buf, '\r')
		}
	}
	for i := 0; i < len(chunk); i++ {
		c := chunk[i]
		if c != '\r' {
			d.buf = append(d.buf, c)
			continue
		}
		if i == len(chunk)-1 {
			d.pendingCR = true
			continue
		}
		if chunk[i+1] != '\n' {
			d.buf = append(d.buf, c)
		}
	}
}

// record turns raw block bytes into a record, dropping blocks that hold
// nothing but newlines (runs of blank lines between frames).
func record(b []byte) (string, bool) {
	if len(bytes.Trim(b, "\n")) == 0 {
		return "", false
	}
	return string(b), true
}

// Records lazily reads r and yields complete records. The final undelimited
// record is yielded when r reports io.EOF. A read error other than io.EOF is
// yielded once as the last element. The sequence can be ranged over once.
func Records(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		dec := NewDecoder()
		buf := make([]byte, readChunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				for _, rec := range dec.Feed(buf[:n]) {
					if !yield(rec, nil) {
						return
					}
				}
			}
			if errors.Is(err, io.EOF) {
				if rec, ok := dec.Flush(); ok {
					yield(rec, nil)
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
