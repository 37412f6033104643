package reload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ggoodman/policyhost/broker"
	"github.com/ggoodman/policyhost/internal/logctx"
	"github.com/ggoodman/policyhost/module"
)

// DefaultTopic is the broker topic reload signals travel on.
const DefaultTopic = "policyhost.reload"

// Notifier tells the other nodes of a deployment to reload.
type Notifier struct {
	Broker broker.Broker
	Topic  string
	// NodeID is stamped on published signals so the publishing node can
	// skip its own.
	NodeID string
}

// Notify publishes a signal for kinds; no kinds means every kind.
func (n *Notifier) Notify(ctx context.Context, kinds ...module.Kind) error {
	data, err := json.Marshal(Signal{Kinds: kinds, Origin: n.NodeID})
	if err != nil {
		return err
	}
	if _, err := n.Broker.Publish(ctx, topicOr(n.Topic), data); err != nil {
		return fmt.Errorf("reload: publish signal: %w", err)
	}
	return nil
}

func topicOr(topic string) string {
	if topic == "" {
		return DefaultTopic
	}
	return topic
}

// BrokerTrigger forwards signals published by Notifiers on other nodes.
// Subscription failures are retried with exponential backoff; after a gap in
// the stream it requests a full reload.
type BrokerTrigger struct {
	Broker broker.Broker
	Topic  string
	// NodeID, when set, drops signals this node published itself.
	NodeID string
	// MaxInterval caps the resubscribe backoff. Default: 30s.
	MaxInterval time.Duration
	LogHandler  slog.Handler
}

func (b BrokerTrigger) Watch(ctx context.Context, signals chan<- Signal) error {
	log := slog.New(logctx.Wrap(b.LogHandler))
	topic := topicOr(b.Topic)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond
	expBackoff.MaxInterval = b.MaxInterval
	if expBackoff.MaxInterval <= 0 {
		expBackoff.MaxInterval = 30 * time.Second
	}

	var lastID string
	handler := func(ctx context.Context, msg broker.Message) error {
		lastID = msg.ID
		expBackoff.Reset()
		var sig Signal
		if err := json.Unmarshal(msg.Payload, &sig); err != nil {
			log.WarnContext(ctx, "dropping malformed reload signal", slog.String("id", msg.ID), slog.String("err", err.Error()))
			return nil
		}
		if b.NodeID != "" && sig.Origin == b.NodeID {
			return nil
		}
		send(ctx, signals, sig)
		return nil
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := b.Broker.Subscribe(ctx, topic, lastID, handler)
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, broker.ErrHistoryGap) {
			// The resume point fell out of the retained history.
			lastID = ""
			send(ctx, signals, Signal{})
		}
		if err == nil {
			err = errors.New("subscription ended")
		}
		log.WarnContext(ctx, "reload subscription interrupted", slog.String("topic", topic), slog.String("err", err.Error()))
		return struct{}{}, err
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
