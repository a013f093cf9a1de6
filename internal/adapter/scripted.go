// ABOUTME: Scripted adapter that replays a fixed canonical event sequence
// ABOUTME: Used by tests and the fake-backend command in place of a real LLM

package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Scripted replays Script in order, observing ctx between events. Delay, when
// set, is the pause before each event — enough to exercise mid-stream
// cancellation in tests without a real backend.
type Scripted struct {
	Script []*Event
	Delay  time.Duration
}

// Stream replays the script. The channel closes after the last scripted
// event or as soon as ctx is cancelled.
func (s *Scripted) Stream(ctx context.Context, _ *Request) (<-chan *Event, error) {
	out := make(chan *Event, 16)
	go func() {
		defer close(out)
		for _, ev := range s.Script {
			if s.Delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.Delay):
				}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// EchoScript builds a small canonical stream that echoes the user's input in
// word-sized token deltas, ending cleanly. Mirrors what a trivial streaming
// backend would emit.
func EchoScript(content string) []*Event {
	reply := fmt.Sprintf("Echo: %s", content)
	words := strings.SplitAfter(reply, " ")

	script := make([]*Event, 0, len(words)+2)
	for _, w := range words {
		script = append(script, &Event{Type: EventToken, Text: w})
	}
	script = append(script,
		&Event{Type: EventFinal, Text: reply},
		&Event{Type: EventComplete},
	)
	return script
}
