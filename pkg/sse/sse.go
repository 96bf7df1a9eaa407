// package sse provides SSE (server-sent-event) parsing.
package sse

import (
	"bytes"
	"strings"
)

// Event is an event sent from the server.
type Event struct {
	// The name of the event.
	Event string `json:"event"`
	// The payload.
	Data string `json:"data"`
	// The ID of the event.
	ID string `json:"id"`
}

// Decoder reassembles raw transport chunks into events. Chunks
// arrive in sizes unaligned with event boundaries: one event may
// span several Feed calls and one call may complete several events.
// Bytes of an unfinished event stay buffered for the next call.
type Decoder struct {
	buf      []byte
	pending  Event
	sawField bool
}

// NewDecoder creates a new decoder instance.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends p to the internal buffer and returns the events it
// completes, in input order. An event is complete at its blank line.
func (d *Decoder) Feed(p []byte) []Event {
	d.buf = append(d.buf, p...)
	var events []Event
	for {
		nl := bytes.IndexByte(d.buf, '\n')
		if nl < 0 {
			return events
		}
		line := strings.TrimSuffix(string(d.buf[:nl]), "\r")
		d.buf = d.buf[nl+1:]
		if line == "" {
			if d.sawField {
				events = append(events, d.pending)
			}
			d.pending = Event{}
			d.sawField = false
			continue
		}
		d.feedLine(line)
	}
}

func (d *Decoder) feedLine(l string) {
	colonPos := strings.Index(l, ":")
	if colonPos < 0 {
		// Invalid format -- still it should keep reading
		// for this block.
		return
	}
	if colonPos == 0 {
		// comment.
		return
	}
	tag := l[:colonPos]
	data := strings.TrimSpace(l[(colonPos + 1):])
	switch tag {
	case "event":
		d.pending.Event = data
		d.sawField = true
	case "data":
		if d.pending.Data != "" {
			d.pending.Data += "\n" + data
		} else {
			d.pending.Data = data
		}
		d.sawField = true
	case "id":
		d.pending.ID = data
		d.sawField = true
	default:
		// ignore others.
	}
}
