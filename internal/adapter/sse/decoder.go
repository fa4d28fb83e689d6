package sse

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/Strob0t/runstream/internal/domain/event"
)

// Decoder reads frames from an SSE stream. Multiple data lines of one frame
// are joined with "\n"; comments and other fields are ignored.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder reads frames from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// NextData returns the data of the next non-empty frame, or io.EOF.
func (d *Decoder) NextData() ([]byte, error) {
	var data []byte
	hasData := false
	for {
		line, err := d.r.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimRight(line, "\r\n")
			switch {
			case len(line) == 0:
				if hasData {
					return data, nil
				}
			case line[0] == ':':
				// comment
			case bytes.HasPrefix(line, []byte("data:")):
				v := bytes.TrimPrefix(line, []byte("data:"))
				v = bytes.TrimPrefix(v, []byte(" "))
				if hasData {
					data = append(data, '\n')
				}
				data = append(data, v...)
				hasData = true
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && hasData {
				return data, nil
			}
			return nil, err
		}
	}
}

// Next decodes the next frame as a protocol event.
func (d *Decoder) Next() (event.Event, error) {
	data, err := d.NextData()
	if err != nil {
		return nil, err
	}
	return event.Decode(data)
}
