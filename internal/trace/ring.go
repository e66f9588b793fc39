package trace

import (
	"fmt"
	"io"
	"sync"
)

// RingTracer keeps the most recent events of a run so they can be dumped
// when a workload fails. Older events are overwritten and counted.
type RingTracer struct {
	mu      sync.RWMutex
	buf     []Event
	written uint64 // total events accepted; buf[written%len(buf)] is next
	level   Level
}

// NewRingTracer creates a ring holding up to size events. A non-positive
// size gets DefaultRingSize.
func NewRingTracer(size int, level Level) *RingTracer {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &RingTracer{buf: make([]Event, size), level: level}
}

func (t *RingTracer) Emit(ev *Event) {
	if !t.level.ShouldEmit(ev.Scope) && ev.Kind != KindHeartbeat {
		return
	}

	t.mu.Lock()
	slot := &t.buf[t.written%uint64(len(t.buf))]
	*slot = *ev
	slot.Seq = NextSeq()
	t.written++
	t.mu.Unlock()
}

// Snapshot copies the held events, oldest first.
func (t *RingTracer) Snapshot() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	size := uint64(len(t.buf))
	held := min(t.written, size)
	out := make([]Event, 0, held)
	for i := t.written - held; i < t.written; i++ {
		out = append(out, t.buf[i%size])
	}
	return out
}

// Dropped reports how many events were overwritten.
func (t *RingTracer) Dropped() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n := uint64(len(t.buf)); t.written > n {
		return t.written - n
	}
	return 0
}

// Dump writes the held events in format. Text dumps start with a line
// counting the overwritten events, if any.
func (t *RingTracer) Dump(w io.Writer, format Format) error {
	events := t.Snapshot()
	if dropped := t.Dropped(); dropped > 0 && format != FormatNDJSON {
		if _, err := fmt.Fprintf(w, "... %d earlier events dropped\n", dropped); err != nil {
			return err
		}
	}
	for i := range events {
		if _, err := w.Write(FormatEvent(&events[i], format)); err != nil {
			return err
		}
	}
	return nil
}

func (t *RingTracer) Flush() error { return nil }

func (t *RingTracer) Close() error { return nil }

func (t *RingTracer) Level() Level { return t.level }

func (t *RingTracer) Enabled() bool { return t.level > LevelOff }
