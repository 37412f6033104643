// Package broker carries ordered messages between the nodes of a deployment.
// The reload package uses it to tell peers that a kind's modules changed.
//
// A topic is an append-only log with bounded history. Subscribers name the
// last message they saw to resume after it; a position the broker no longer
// retains yields ErrHistoryGap so the subscriber can resynchronize another
// way.
package broker

import (
	"context"
	"errors"
)

// ErrHistoryGap is returned by Subscribe when the resume position is not in
// the retained history. Backends that can tell also return it once a
// subscriber falls behind messages dropped before it read them.
var ErrHistoryGap = errors.New("broker: resume position not in history")

// Message is one entry of a topic.
type Message struct {
	// ID orders messages within a topic. It is opaque to subscribers.
	ID      string
	Payload []byte
}

// Handler consumes one delivered message. A non-nil error ends the
// subscription.
type Handler func(ctx context.Context, msg Message) error

// Broker is implemented by message backends. Every subscriber of a topic
// sees every message published to it after the subscriber's position.
type Broker interface {
	// Publish appends payload to topic and returns the message ID.
	Publish(ctx context.Context, topic string, payload []byte) (string, error)
	// Subscribe calls fn for every message of topic after the message with
	// ID after, or for messages published from now on when after is empty.
	// It returns when ctx is done or fn fails.
	Subscribe(ctx context.Context, topic, after string, fn Handler) error
	// Purge drops the retained history of topic.
	Purge(ctx context.Context, topic string) error
}
