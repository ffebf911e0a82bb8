package analysis

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// Event is one server-sent record from the Coach's analysis stream.
// Status selects which of the remaining fields are meaningful.
type Event struct {
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	OverlayURL string `json:"overlay_url,omitempty"`

	// Populated on the terminal success event.
	Report           string   `json:"report,omitempty"`
	SpeedEstimate    string   `json:"speed_est,omitempty"`
	Tips             []string `json:"tips,omitempty"`
	Phases           []Phase  `json:"phases,omitempty"`
	ReleaseTimestamp float64  `json:"release_timestamp,omitempty"`
	Effort           string   `json:"effort,omitempty"`
	Latency          float64  `json:"latency,omitempty"`
}

// Phase mirrors the Coach's per-phase judgement on the wire.
type Phase struct {
	Name        string  `json:"name"`
	Status      string  `json:"status"`
	Observation string  `json:"observation"`
	Tip         string  `json:"tip"`
	ClipTS      float64 `json:"clip_ts"`
}

// Event status values emitted by the Coach.
const (
	StatusEvent   = "event"
	StatusOverlay = "overlay"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Terminal reports whether the event ends the stream's useful life.
func (e *Event) Terminal() bool {
	return e.Status == StatusSuccess || e.Status == StatusError
}

// EventReader decodes server-sent events from a byte stream. Records
// are delimited by a blank line; a record may arrive split across any
// number of reads, so bytes are buffered until the delimiter shows up.
type EventReader struct {
	r   *bufio.Reader
	buf bytes.Buffer
}

// NewEventReader wraps a response body.
func NewEventReader(r io.Reader) *EventReader {
	return &EventReader{r: bufio.NewReader(r)}
}

var (
	recordDelim     = []byte("\n\n")
	recordDelimCRLF = []byte("\r\n\r\n")
)

// findDelim locates the earliest record boundary, bare-LF or CRLF.
func findDelim(b []byte) (pos, width int) {
	i := bytes.Index(b, recordDelim)
	j := bytes.Index(b, recordDelimCRLF)
	switch {
	case j >= 0 && (i < 0 || j < i):
		return j, len(recordDelimCRLF)
	case i >= 0:
		return i, len(recordDelim)
	default:
		return -1, 0
	}
}

// Next returns the next decoded event. io.EOF means the stream ended
// cleanly; any other error is a transport or framing failure.
func (er *EventReader) Next() (*Event, error) {
	for {
		if ev, ok, err := er.pop(); ok || err != nil {
			return ev, err
		}

		chunk := make([]byte, 4096)
		n, err := er.r.Read(chunk)
		if n > 0 {
			er.buf.Write(chunk[:n])
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && er.buf.Len() > 0 {
				// Trailing record without a final delimiter.
				return decodeRecord(er.buf.Next(er.buf.Len()))
			}
			return nil, err
		}
	}
}

// pop extracts one complete record from the buffer, skipping empty
// records and comment-only keepalives.
func (er *EventReader) pop() (*Event, bool, error) {
	for {
		i, width := findDelim(er.buf.Bytes())
		if i < 0 {
			return nil, false, nil
		}
		record := make([]byte, i)
		copy(record, er.buf.Bytes()[:i])
		er.buf.Next(i + width)

		ev, err := decodeRecord(record)
		if err != nil {
			return nil, true, err
		}
		if ev == nil {
			continue
		}
		return ev, true, nil
	}
}

// decodeRecord parses the data lines of one record. Returns nil for
// records carrying no data payload.
func decodeRecord(record []byte) (*Event, error) {
	var payload []byte
	for _, line := range bytes.Split(record, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimPrefix(line, []byte("data:"))
		data = bytes.TrimPrefix(data, []byte(" "))
		if len(payload) > 0 {
			payload = append(payload, '\n')
		}
		payload = append(payload, data...)
	}
	if len(payload) == 0 {
		return nil, nil
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decoding stream event: %w", err)
	}
	return &ev, nil
}
