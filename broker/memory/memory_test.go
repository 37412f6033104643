package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/policyhost/broker"
	"github.com/ggoodman/policyhost/broker/brokertest"
)

func TestConformance(t *testing.T) {
	brokertest.Run(t, func(t *testing.T) broker.Broker { return New() })
}

func TestRetentionIsBounded(t *testing.T) {
	b := New()
	b.retain = 3
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := b.Publish(ctx, "reload", []byte(fmt.Sprint(i)))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	noop := func(context.Context, broker.Message) error { return nil }
	if err := b.Subscribe(ctx, "reload", ids[0], noop); !errors.Is(err, broker.ErrHistoryGap) {
		t.Fatalf("err = %v, want ErrHistoryGap", err)
	}

	var got []string
	err := b.Subscribe(ctx, "reload", ids[2], func(ctx context.Context, m broker.Message) error {
		got = append(got, string(m.Payload))
		if len(got) == 2 {
			return errors.New("done")
		}
		return nil
	})
	if err == nil || fmt.Sprint(got) != "[3 4]" {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestLaggingSubscriberSeesGap(t *testing.T) {
	b := New()
	b.retain = 2
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "reload", "", func(context.Context, broker.Message) error {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
			return nil
		})
	}()
	time.Sleep(50 * time.Millisecond)

	if _, err := b.Publish(ctx, "reload", []byte("first")); err != nil {
		t.Fatal(err)
	}
	<-entered
	for i := 0; i < 10; i++ {
		if _, err := b.Publish(ctx, "reload", []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	close(release)
	if err := <-done; !errors.Is(err, broker.ErrHistoryGap) {
		t.Fatalf("err = %v, want ErrHistoryGap", err)
	}
}
