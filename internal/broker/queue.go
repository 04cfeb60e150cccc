package broker

import (
	"errors"
	"sync"
)

// DefaultQueueSize bounds the per-connection outbound queue.
const DefaultQueueSize = 64

var errOutboxClosed = errors.New("broker: outbox closed")

// frameClass tells the overflow policy whether a frame may be superseded.
type frameClass int

const (
	classChat frameClass = iota
	classRoster
)

type frame struct {
	class   frameClass
	payload []byte
}

// Outbox is the bounded outbound queue between the broker and one
// connection's write pump. The broker is the sole producer and the write pump
// the sole consumer.
//
// Overflow policy: a roster frame pushed onto a full queue displaces the
// oldest unsent roster, since every roster supersedes the previous one. A
// chat frame is never dropped; if it cannot be queued, push fails with
// ErrQueueOverflow and the broker disconnects the slow consumer.
type Outbox struct {
	mu     sync.Mutex
	frames []frame
	limit  int
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newOutbox(limit int) *Outbox {
	if limit <= 0 {
		limit = DefaultQueueSize
	}
	return &Outbox{
		limit: limit,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (o *Outbox) push(f frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return errOutboxClosed
	}

	if len(o.frames) >= o.limit {
		if f.class != classRoster || !o.dropOldestRosterLocked() {
			return ErrQueueOverflow
		}
	}

	o.frames = append(o.frames, f)
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// dropOldestRosterLocked removes the oldest queued roster frame. It reports
// false when the queue holds only chat frames.
func (o *Outbox) dropOldestRosterLocked() bool {
	for i, f := range o.frames {
		if f.class == classRoster {
			o.frames = append(o.frames[:i], o.frames[i+1:]...)
			return true
		}
	}
	return false
}

// Pop removes and returns the oldest queued payload without blocking. Frames
// queued before Close remain poppable so the write pump can drain them.
func (o *Outbox) Pop() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.frames) == 0 {
		return nil, false
	}
	f := o.frames[0]
	o.frames = o.frames[1:]
	return f.payload, true
}

// Wake signals that at least one frame has been queued since the last Pop.
func (o *Outbox) Wake() <-chan struct{} {
	return o.wake
}

// Done is closed when the broker has finished with this connection.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Close marks the outbox finished. It is idempotent and safe to call from the
// broker goroutine while the write pump is draining.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}
