// Package brokertest is a conformance suite for broker.Broker backends.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/policyhost/broker"
)

// Factory creates an empty Broker for one test.
type Factory func(t *testing.T) broker.Broker

// settle gives a subscription started in a goroutine time to attach.
const settle = 100 * time.Millisecond

// Run runs the suite against fresh brokers from factory.
func Run(t *testing.T, factory Factory) {
	for _, tc := range []struct {
		name string
		fn   func(*testing.T, broker.Broker)
	}{
		{"LiveDelivery", testLiveDelivery},
		{"ResumeAfter", testResumeAfter},
		{"Ordering", testOrdering},
		{"FanOut", testFanOut},
		{"TopicsAreDisjoint", testTopicsAreDisjoint},
		{"ContextEndsSubscription", testContextEndsSubscription},
		{"HandlerErrorEndsSubscription", testHandlerErrorEndsSubscription},
		{"PurgeForgetsHistory", testPurgeForgetsHistory},
		{"UnknownPosition", testUnknownPosition},
	} {
		t.Run(tc.name, func(t *testing.T) { tc.fn(t, factory(t)) })
	}
}

// sink collects the messages of one background subscription.
type sink struct {
	mu   sync.Mutex
	got  []broker.Message
	want int
	stop context.CancelFunc
	err  chan error
}

// listen subscribes in the background. With want > 0 the subscription is
// cancelled after want messages; otherwise it runs until ctx is done.
func listen(ctx context.Context, b broker.Broker, topic, after string, want int) *sink {
	ctx, stop := context.WithCancel(ctx)
	s := &sink{want: want, stop: stop, err: make(chan error, 1)}
	go func() {
		s.err <- b.Subscribe(ctx, topic, after, func(ctx context.Context, m broker.Message) error {
			s.mu.Lock()
			s.got = append(s.got, m)
			n := len(s.got)
			s.mu.Unlock()
			if s.want > 0 && n >= s.want {
				s.stop()
			}
			return nil
		})
	}()
	return s
}

// close waits for the subscription to end and returns what it received.
func (s *sink) close(t *testing.T) []broker.Message {
	t.Helper()
	select {
	case err := <-s.err:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Subscribe: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not end")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]broker.Message(nil), s.got...)
}

func publish(t *testing.T, b broker.Broker, topic, payload string) string {
	t.Helper()
	id, err := b.Publish(context.Background(), topic, []byte(payload))
	if err != nil {
		t.Fatalf("Publish(%s): %v", topic, err)
	}
	if id == "" {
		t.Fatalf("Publish(%s) returned an empty id", topic)
	}
	return id
}

func payloads(msgs []broker.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Payload)
	}
	return out
}

func testLiveDelivery(t *testing.T, b broker.Broker) {
	publish(t, b, "reload", "before")
	s := listen(context.Background(), b, "reload", "", 1)
	time.Sleep(settle)
	id := publish(t, b, "reload", `{"kinds":["authentication"]}`)

	got := s.close(t)
	if len(got) != 1 || got[0].ID != id || string(got[0].Payload) != `{"kinds":["authentication"]}` {
		t.Fatalf("got %+v, want only the message published after subscribing", got)
	}
}

func testResumeAfter(t *testing.T, b broker.Broker) {
	first := publish(t, b, "reload", "one")
	second := publish(t, b, "reload", "two")
	third := publish(t, b, "reload", "three")

	got := listen(context.Background(), b, "reload", first, 2).close(t)
	if len(got) != 2 || got[0].ID != second || got[1].ID != third {
		t.Fatalf("got %+v, want [%s %s]", got, second, third)
	}
}

func testOrdering(t *testing.T, b broker.Broker) {
	const n = 20
	s := listen(context.Background(), b, "reload", "", n)
	time.Sleep(settle)
	want := make([]string, n)
	for i := range want {
		want[i] = fmt.Sprint(i)
		publish(t, b, "reload", want[i])
	}
	got := payloads(s.close(t))
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func testFanOut(t *testing.T, b broker.Broker) {
	ctx := context.Background()
	s1 := listen(ctx, b, "reload", "", 1)
	s2 := listen(ctx, b, "reload", "", 1)
	time.Sleep(settle)
	id := publish(t, b, "reload", "hello")
	for i, s := range []*sink{s1, s2} {
		if got := s.close(t); len(got) != 1 || got[0].ID != id {
			t.Fatalf("subscriber %d got %+v", i, got)
		}
	}
}

func testTopicsAreDisjoint(t *testing.T, b broker.Broker) {
	ctx, cancel := context.WithCancel(context.Background())
	a := listen(ctx, b, "reload.a", "", 0)
	c := listen(ctx, b, "reload.b", "", 0)
	time.Sleep(settle)
	publish(t, b, "reload.a", "a")
	publish(t, b, "reload.b", "b")
	time.Sleep(2 * settle)
	cancel()

	if got := payloads(a.close(t)); len(got) != 1 || got[0] != "a" {
		t.Fatalf("reload.a got %v", got)
	}
	if got := payloads(c.close(t)); len(got) != 1 || got[0] != "b" {
		t.Fatalf("reload.b got %v", got)
	}
}

func testContextEndsSubscription(t *testing.T, b broker.Broker) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := b.Subscribe(ctx, "reload", "", func(context.Context, broker.Message) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func testHandlerErrorEndsSubscription(t *testing.T, b broker.Broker) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	boom := errors.New("boom")
	publish(t, b, "reload", "before")
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "reload", "", func(context.Context, broker.Message) error { return boom })
	}()
	time.Sleep(settle)
	publish(t, b, "reload", "z")
	if err := <-done; !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the handler error", err)
	}
}

func testPurgeForgetsHistory(t *testing.T, b broker.Broker) {
	ctx := context.Background()
	id := publish(t, b, "reload", "gone")
	if err := b.Purge(ctx, "reload"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	err := b.Subscribe(ctx, "reload", id, func(context.Context, broker.Message) error {
		t.Error("purged message delivered")
		return nil
	})
	if !errors.Is(err, broker.ErrHistoryGap) {
		t.Fatalf("err = %v, want ErrHistoryGap", err)
	}
	if err := b.Purge(ctx, "never-used"); err != nil {
		t.Fatalf("Purge of an unknown topic: %v", err)
	}
}

func testUnknownPosition(t *testing.T, b broker.Broker) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	publish(t, b, "reload", "x")
	for _, after := range []string{"not-an-id", "999999999-0", "999999999"} {
		err := b.Subscribe(ctx, "reload", after, func(context.Context, broker.Message) error { return nil })
		if !errors.Is(err, broker.ErrHistoryGap) {
			t.Fatalf("Subscribe(after=%q) err = %v, want ErrHistoryGap", after, err)
		}
	}
}
