package llm

import (
	"context"
	"strings"
)

// Collect drains a stream into the full completion text. It returns on
// the stream's terminal event, when ctx is cancelled, or when the
// channel closes. A close without a terminal event reports a
// NetworkError carrying whatever text arrived.
func Collect(ctx context.Context, events <-chan StreamEvent) (string, Usage, error) {
	var text strings.Builder
	var usage Usage

	for {
		select {
		case <-ctx.Done():
			return text.String(), usage, &AbortError{ClientError: ClientError{
				Message: "stream cancelled",
				Cause:   ctx.Err(),
			}}
		case ev, ok := <-events:
			if !ok {
				return text.String(), usage, &NetworkError{ClientError: ClientError{
					Message: "stream closed without a terminal event",
				}}
			}
			switch ev.Type {
			case StreamDelta:
				text.WriteString(ev.Delta)
			case StreamFinish:
				if ev.Usage != nil {
					usage = *ev.Usage
				}
				return text.String(), usage, nil
			case StreamError:
				return text.String(), usage, ev.Err
			}
		}
	}
}
