package friend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/campuslink/campuslink/internal/logging"
	"github.com/campuslink/campuslink/internal/metrics"
)

func newTestBus(backlog int) (*Bus, *metrics.Metrics) {
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	return NewBus(backlog, logging.NopLogger(), m), m
}

func errEvent(msg string) Event {
	return ErrorEvent{Message: msg}
}

func recvEvent(t *testing.T, sink *ChannelSink) Event {
	t.Helper()
	select {
	case ev := <-sink.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestChannelSink_Emit(t *testing.T) {
	sink := NewChannelSink(1)
	ctx := context.Background()

	if err := sink.Emit(ctx, errEvent("a")); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	// Buffer full: blocks until ctx ends.
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := sink.Emit(tctx, errEvent("b")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Emit() on full sink error = %v, want DeadlineExceeded", err)
	}

	sink.Close()
	if err := sink.Emit(ctx, errEvent("c")); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("Emit() after Close error = %v, want ErrSinkClosed", err)
	}
	select {
	case <-sink.Done():
	default:
		t.Error("Done() not closed after Close")
	}
}

func TestBus_PublishWithoutSinkBuffers(t *testing.T) {
	bus, m := newTestBus(8)
	defer bus.Close()

	if err := bus.Publish(context.Background(), errEvent("early")); !errors.Is(err, ErrNoSink) {
		t.Fatalf("Publish() error = %v, want ErrNoSink", err)
	}
	if n := bus.Backlog(); n != 1 {
		t.Errorf("Backlog() = %d, want 1", n)
	}
	if got := testutil.ToFloat64(m.EventsEmitted.WithLabelValues(string(EventError), "buffered")); got != 1 {
		t.Errorf("buffered events = %v, want 1", got)
	}
}

func TestBus_ReplayInOrder(t *testing.T) {
	bus, _ := newTestBus(8)
	defer bus.Close()
	ctx := context.Background()

	for _, msg := range []string{"one", "two", "three"} {
		bus.Publish(ctx, errEvent(msg))
	}

	sink := NewChannelSink(16)
	bus.Attach(sink)
	bus.Publish(ctx, errEvent("four"))

	for _, want := range []string{"one", "two", "three", "four"} {
		ev := recvEvent(t, sink)
		if got := ev.(ErrorEvent).Message; got != want {
			t.Fatalf("event = %q, want %q", got, want)
		}
	}
}

func TestBus_BacklogDropsOldest(t *testing.T) {
	bus, _ := newTestBus(2)
	defer bus.Close()
	ctx := context.Background()

	for _, msg := range []string{"a", "b", "c"} {
		bus.Publish(ctx, errEvent(msg))
	}
	if n := bus.Backlog(); n != 2 {
		t.Fatalf("Backlog() = %d, want 2", n)
	}

	sink := NewChannelSink(4)
	bus.Attach(sink)
	if got := recvEvent(t, sink).(ErrorEvent).Message; got != "b" {
		t.Errorf("first replayed = %q, want %q", got, "b")
	}
}

func TestBus_ClosedSinkDetaches(t *testing.T) {
	bus, _ := newTestBus(8)
	defer bus.Close()
	ctx := context.Background()

	first := NewChannelSink(4)
	bus.Attach(first)
	first.Close()

	if err := bus.Publish(ctx, errEvent("lost?")); !errors.Is(err, ErrSinkClosed) {
		t.Fatalf("Publish() to closed sink error = %v, want ErrSinkClosed", err)
	}
	if !bus.Detached() {
		t.Error("bus still attached to a closed sink")
	}
	if err := bus.Publish(ctx, errEvent("queued")); !errors.Is(err, ErrNoSink) {
		t.Errorf("Publish() after detach error = %v, want ErrNoSink", err)
	}

	second := NewChannelSink(4)
	bus.Attach(second)
	for _, want := range []string{"lost?", "queued"} {
		if got := recvEvent(t, second).(ErrorEvent).Message; got != want {
			t.Errorf("replayed = %q, want %q", got, want)
		}
	}
}

func TestBus_Close(t *testing.T) {
	bus, _ := newTestBus(8)
	bus.Publish(context.Background(), errEvent("x"))
	bus.Close()
	bus.Close()

	if n := bus.Backlog(); n != 0 {
		t.Errorf("Backlog() after Close = %d, want 0", n)
	}
	if err := bus.Publish(context.Background(), errEvent("y")); !errors.Is(err, ErrNoSink) {
		t.Errorf("Publish() after Close error = %v, want ErrNoSink", err)
	}
}

func TestSinkFunc(t *testing.T) {
	var got []EventType
	sink := SinkFunc(func(_ context.Context, ev Event) error {
		got = append(got, ev.Type())
		return nil
	})

	bus, _ := newTestBus(8)
	defer bus.Close()
	bus.Attach(sink)
	if err := bus.Publish(context.Background(), RequestRejectedEvent{Reason: "no"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(got) != 1 || got[0] != EventRequestRejected {
		t.Errorf("sink saw %v", got)
	}
}

func TestTee(t *testing.T) {
	a := NewChannelSink(4)
	b := NewChannelSink(4)
	tee := Tee(a, b)
	ctx := context.Background()

	if err := tee.Emit(ctx, ErrorEvent{Message: "one"}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Fatalf("buffered = %d, %d; want 1 each", len(a.Events()), len(b.Events()))
	}

	a.Close()
	if err := tee.Emit(ctx, ErrorEvent{Message: "two"}); err != nil {
		t.Fatalf("Emit() with one sink closed error = %v", err)
	}
	if len(b.Events()) != 2 {
		t.Errorf("open sink buffered %d, want 2", len(b.Events()))
	}

	b.Close()
	if err := tee.Emit(ctx, ErrorEvent{Message: "three"}); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("Emit() with all sinks closed error = %v, want ErrSinkClosed", err)
	}
}
