// Package sse implements the Server-Sent Events framing shared by the HTTP
// transport, the A2A server and the A2A client.
package sse

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-json-experiment/json"
)

// ContentType is the media type of an event stream.
const ContentType = "text/event-stream"

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("sse: streaming unsupported")

// Event represents a Server-Sent Event.
type Event struct {
	Type  string `json:"type,omitempty"`
	Data  string `json:"data,omitempty"`
	ID    string `json:"id,omitempty"`
	Retry int    `json:"retry,omitempty"`
}

// Writer writes events to an http.ResponseWriter, flushing after each one.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewWriter sets the event stream headers on w and returns a Writer.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable Nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher}, nil
}

// WriteEvent writes one event. Multi-line data is split into data fields.
func (sw *Writer) WriteEvent(ev Event) error {
	var b strings.Builder

	if ev.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", ev.ID)
	}

	if ev.Type != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Type)
	}

	if ev.Retry > 0 {
		fmt.Fprintf(&b, "retry: %d\n", ev.Retry)
	}

	for _, line := range strings.Split(ev.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}

	b.WriteString("\n")

	sw.mu.Lock()
	defer sw.mu.Unlock()

	if _, err := io.WriteString(sw.w, b.String()); err != nil {
		return err
	}

	sw.flusher.Flush()

	return nil
}

// WriteJSON marshals v and writes it as the data of an event of type typ.
func (sw *Writer) WriteJSON(typ, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sse: marshal %s: %w", typ, err)
	}

	return sw.WriteEvent(Event{Type: typ, ID: id, Data: string(data)})
}

// WriteComment writes a comment line, used as keep-alive.
func (sw *Writer) WriteComment(text string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if _, err := fmt.Fprintf(sw.w, ": %s\n\n", text); err != nil {
		return err
	}

	sw.flusher.Flush()

	return nil
}

// Decoder decodes Server-Sent Events from an io.Reader.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a new SSE decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	return &Decoder{scanner: scanner}
}

// Decode decodes the next SSE event from the stream. It returns io.EOF when
// the stream ends without a pending event.
func (d *Decoder) Decode() (*Event, error) {
	event := &Event{}
	hasData := false

	for d.scanner.Scan() {
		line := d.scanner.Text()

		// Empty line indicates end of event
		if line == "" {
			if hasData || event.Type != "" {
				return event, nil
			}

			continue
		}

		// Comments (lines starting with :) are ignored
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			event.Type = value
		case "data":
			if hasData {
				event.Data += "\n"
			}

			event.Data += value
			hasData = true
		case "id":
			event.ID = value
		case "retry":
			if retry, err := strconv.Atoi(value); err == nil {
				event.Retry = retry
			}
		}
	}

	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("sse: scanner error: %w", err)
	}

	if hasData || event.Type != "" {
		return event, nil
	}

	return nil, io.EOF
}

// DecodeJSON decodes the next SSE event and unmarshals its data into v.
// The event type is returned.
func (d *Decoder) DecodeJSON(v any) (string, error) {
	event, err := d.Decode()
	if err != nil {
		return "", err
	}

	if event.Data == "" {
		return event.Type, errors.New("sse: event has no data")
	}

	if err := json.Unmarshal([]byte(event.Data), v); err != nil {
		return event.Type, fmt.Errorf("sse: unmarshal event data: %w", err)
	}

	return event.Type, nil
}
