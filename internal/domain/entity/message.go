package entity

import "errors"

// ErrEmptyPayload is returned when a message with no payload is offered
// for enqueueing.
var ErrEmptyPayload = errors.New("payload is required")

// Message is a single payload pulled from the input queue.
type Message struct {
	// ID is the backend-assigned message identifier.
	ID string

	// Payload is the raw message body. It is forwarded unmodified.
	Payload []byte

	// AckToken identifies this delivery to the backend. It is only valid for
	// the pull that produced it and is used at most once.
	AckToken string
}

// Batch is the ordered result of one pull. An empty batch means the input
// was exhausted at pull time.
type Batch []Message

// Tokens returns the acknowledgment tokens of every message in the batch.
func (b Batch) Tokens() []string {
	tokens := make([]string, 0, len(b))
	for _, m := range b {
		tokens = append(tokens, m.AckToken)
	}
	return tokens
}
