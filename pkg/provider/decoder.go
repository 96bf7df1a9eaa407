package provider

import (
	"github.com/Xuzeipan/ai-chat/pkg/chat"
	"github.com/Xuzeipan/ai-chat/pkg/sse"
)

// RecordParser turns one complete upstream record into a normalized
// event; Provider.ParseRecord satisfies it.
type RecordParser func(ev *sse.Event) (*chat.StreamEvent, error)

// Decoder reassembles raw byte chunks into normalized stream events
// for one turn. It buffers partial records across Feed calls, skips
// records that fail to parse, and goes quiet after the terminal
// event until Reset.
type Decoder struct {
	frames *sse.Decoder
	parse  RecordParser
	done   bool
}

func NewDecoder(parse RecordParser) *Decoder {
	return &Decoder{
		frames: sse.NewDecoder(),
		parse:  parse,
	}
}

// Feed consumes one raw chunk and returns the events it completes.
// Records that fail to parse are dropped, not fatal; once a terminal
// event has been emitted, Feed becomes a no-op.
func (d *Decoder) Feed(p []byte) []chat.StreamEvent {
	if d.done {
		return nil
	}
	var events []chat.StreamEvent
	for _, frame := range d.frames.Feed(p) {
		ev, err := d.parse(&frame)
		if err != nil || ev == nil {
			continue
		}
		events = append(events, *ev)
		if ev.Done || ev.Err != nil {
			d.done = true
			break
		}
	}
	return events
}

// Done reports whether the terminal event has been emitted.
func (d *Decoder) Done() bool {
	return d.done
}

// Reset clears all decoder state for reuse on a new stream.
func (d *Decoder) Reset() {
	d.frames = sse.NewDecoder()
	d.done = false
}
