// Package sim provides a simulated 2.4 GHz air behind the radio
// interface. Time is virtual: it advances only through Clock.Advance,
// and all timers and frame deliveries dispatch in timestamp order on
// the advancing goroutine, so tests over the air are deterministic.
package sim

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Clock is a virtual microsecond clock shared by all nodes on an Air.
type Clock struct {
	mu    sync.Mutex
	nowUs uint64
	seq   uint64
	queue eventQueue
}

// NewClock creates a clock at time zero.
func NewClock() *Clock {
	return &Clock{}
}

// NowUs returns the current virtual time. The 32-bit view wraps like a
// hardware counter.
func (c *Clock) NowUs() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(c.nowUs)
}

// Advance moves virtual time forward, running every due event in
// timestamp order on the calling goroutine. Event callbacks may
// schedule further events, including at already-passed times; those
// run before Advance returns.
func (c *Clock) Advance(us uint32) {
	c.mu.Lock()
	target := c.nowUs + uint64(us)
	for len(c.queue) > 0 && c.queue[0].atUs <= target {
		ev := heap.Pop(&c.queue).(*event)
		if ev.canceled {
			continue
		}
		if ev.atUs > c.nowUs {
			c.nowUs = ev.atUs
		}
		c.mu.Unlock()
		ev.fn()
		c.mu.Lock()
	}
	c.nowUs = target
	c.mu.Unlock()
}

// Run advances the clock in real time until the context is done. Used
// by the simulation daemon; tests call Advance directly.
func (c *Clock) Run(ctx context.Context, tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Advance(uint32(tick / time.Microsecond))
		}
	}
}

// schedule queues fn to run delayUs from now. The returned handle may
// be passed to cancel.
func (c *Clock) schedule(delayUs uint32, fn func()) *event {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	ev := &event{atUs: c.nowUs + uint64(delayUs), seq: c.seq, fn: fn}
	heap.Push(&c.queue, ev)
	return ev
}

func (c *Clock) cancel(ev *event) {
	if ev == nil {
		return
	}
	c.mu.Lock()
	ev.canceled = true
	c.mu.Unlock()
}

type event struct {
	atUs     uint64
	seq      uint64
	fn       func()
	canceled bool
}

// eventQueue orders by (time, insertion) so same-time events keep
// their scheduling order.
type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].atUs != q[j].atUs {
		return q[i].atUs < q[j].atUs
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x interface{}) { *q = append(*q, x.(*event)) }

func (q *eventQueue) Pop() interface{} {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return ev
}
