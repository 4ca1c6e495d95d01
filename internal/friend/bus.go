package friend

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.uber.org/multierr"

	"github.com/campuslink/campuslink/internal/logging"
	"github.com/campuslink/campuslink/internal/metrics"
	"github.com/campuslink/campuslink/internal/recovery"
)

// DefaultBacklog is the number of events kept while no sink is attached.
const DefaultBacklog = 64

var (
	// ErrNoSink is returned by Publish when no sink is attached. The event
	// is kept in the backlog.
	ErrNoSink = errors.New("no event sink attached")

	// ErrSinkClosed is returned by a sink whose consumer has gone away.
	ErrSinkClosed = errors.New("event sink closed")
)

// Sink receives events. Emit blocks until the event is accepted, ctx ends,
// or the sink is closed (ErrSinkClosed).
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// ChannelSink delivers events on a buffered channel.
//
// The events channel is never closed; consumers stop on Done.
type ChannelSink struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelSink{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Emit queues ev.
func (s *ChannelSink) Emit(ctx context.Context, ev Event) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}

	select {
	case s.ch <- ev:
		return nil
	case <-s.done:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Done is closed once the consumer calls Close.
func (s *ChannelSink) Done() <-chan struct{} {
	return s.done
}

// Close tells publishers nobody is listening any more.
func (s *ChannelSink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Tee returns a sink that emits every event to each of sinks in order.
// A sink that reports ErrSinkClosed is skipped from then on; Tee itself
// reports ErrSinkClosed once all of them have.
func Tee(sinks ...Sink) Sink {
	return &teeSink{sinks: sinks, closed: make([]bool, len(sinks))}
}

type teeSink struct {
	mu     sync.Mutex
	sinks  []Sink
	closed []bool
}

func (t *teeSink) Emit(ctx context.Context, ev Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs error
	open := 0
	for i, s := range t.sinks {
		if t.closed[i] {
			continue
		}
		err := s.Emit(ctx, ev)
		if errors.Is(err, ErrSinkClosed) {
			t.closed[i] = true
			continue
		}
		open++
		errs = multierr.Append(errs, err)
	}
	if open == 0 {
		return ErrSinkClosed
	}
	return errs
}

// Bus routes events to the attached sink. Events published while no sink is
// attached are kept in a bounded backlog (oldest dropped first) and
// replayed, in order, to the next sink attached.
type Bus struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	sink      Sink
	gen       uint64
	backlog   []Event
	limit     int
	dropped   int
	replaying bool
	closed    bool

	wg sync.WaitGroup
}

// NewBus creates a bus keeping at most backlog undelivered events.
func NewBus(backlog int, logger *slog.Logger, m *metrics.Metrics) *Bus {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if m == nil {
		m = metrics.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		logger:  logging.Component(logger, "events"),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		limit:   backlog,
	}
}

// Attach installs s, replacing any previous sink, and replays the backlog
// to it in the background. Publishes made during the replay queue behind
// it.
func (b *Bus) Attach(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.sink = s
	b.gen++
	if len(b.backlog) == 0 || b.replaying {
		// A running replay picks up the new sink by generation.
		return
	}

	pending := b.backlog
	b.backlog = nil
	if b.dropped > 0 {
		b.logger.Warn("event backlog overflowed before sink attached",
			logging.KeyCount, b.dropped)
		b.dropped = 0
	}
	b.replaying = true
	recovery.Go(&b.wg, b.logger, "eventReplay", func() { b.replay(pending) })
}

// Detached reports whether no sink is attached.
func (b *Bus) Detached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sink == nil
}

func (b *Bus) replay(pending []Event) {
	defer func() {
		b.mu.Lock()
		b.replaying = false
		b.mu.Unlock()
	}()

outer:
	for {
		b.mu.Lock()
		sink, gen := b.sink, b.gen
		b.mu.Unlock()
		if sink == nil {
			b.requeue(pending)
			return
		}

		for i, ev := range pending {
			if err := sink.Emit(b.ctx, ev); err != nil {
				if errors.Is(err, ErrSinkClosed) {
					// Retry the rest on a replacement sink, if any.
					b.detach(gen)
					pending = pending[i:]
					continue outer
				}
				b.metrics.RecordEvent(string(ev.Type()), "failed")
				return
			}
			b.metrics.RecordEvent(string(ev.Type()), "delivered")
		}

		b.mu.Lock()
		if len(b.backlog) == 0 {
			b.replaying = false
			b.mu.Unlock()
			return
		}
		pending = b.backlog
		b.backlog = nil
		b.mu.Unlock()
	}
}

// requeue puts events back in front of the backlog.
func (b *Bus) requeue(events []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.backlog = append(append([]Event(nil), events...), b.backlog...)
	b.trimLocked()
}

func (b *Bus) requeueTail(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.backlog = append(b.backlog, ev)
	b.trimLocked()
}

func (b *Bus) detach(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gen == gen {
		b.sink = nil
	}
}

func (b *Bus) trimLocked() {
	if over := len(b.backlog) - b.limit; over > 0 {
		b.backlog = b.backlog[over:]
		b.dropped += over
	}
}

// Publish delivers ev to the sink. Without a sink (or while a backlog
// replay is in flight) ev is queued: ErrNoSink reports the former. A sink
// that reports ErrSinkClosed is detached, so later events queue instead.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrNoSink
	}
	if b.sink == nil || b.replaying {
		b.backlog = append(b.backlog, ev)
		b.trimLocked()
		noSink := b.sink == nil
		b.mu.Unlock()

		b.metrics.RecordEvent(string(ev.Type()), "buffered")
		if noSink {
			return ErrNoSink
		}
		return nil
	}
	sink, gen := b.sink, b.gen
	b.mu.Unlock()

	if err := sink.Emit(ctx, ev); err != nil {
		if errors.Is(err, ErrSinkClosed) {
			// Keep the event for whoever attaches next.
			b.detach(gen)
			b.requeueTail(ev)
			b.metrics.RecordEvent(string(ev.Type()), "buffered")
			return err
		}
		b.metrics.RecordEvent(string(ev.Type()), "failed")
		return err
	}
	b.metrics.RecordEvent(string(ev.Type()), "delivered")
	return nil
}

// Backlog returns the number of queued events.
func (b *Bus) Backlog() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.backlog)
}

// Close drops the sink and backlog and stops any replay.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.sink = nil
	b.backlog = nil
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}
