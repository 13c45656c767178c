package forward

import (
	"context"
	"sync"

	"github.com/c360/dbusbridge/binding"
)

// lane is an ordered queue of events for the bindings hashed to it. Each
// binding keeps its own FIFO; bindings take turns. Once the lane holds
// limit events, a binding that already has queued events is coalesced to
// its newest one, so a burst never leaves the mesh on an older value.
type lane struct {
	limit  int
	notify chan struct{}

	mu      sync.Mutex
	order   []*binding.Binding
	pending map[*binding.Binding][]event
	size    int
}

func newLane(limit int) *lane {
	return &lane{
		limit:   limit,
		notify:  make(chan struct{}, 1),
		pending: make(map[*binding.Binding][]event),
	}
}

// push queues e and reports how many older events it replaced
func (l *lane) push(e event) int {
	l.mu.Lock()
	replaced := 0
	q, queued := l.pending[e.binding]
	switch {
	case !queued:
		l.order = append(l.order, e.binding)
	case l.size >= l.limit:
		replaced = len(q)
		l.size -= replaced
		q = q[:0]
	}
	l.pending[e.binding] = append(q, e)
	l.size++
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return replaced
}

// pop takes the next event, rotating the binding to the back of the order
func (l *lane) pop() (event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.order) == 0 {
		return event{}, false
	}
	b := l.order[0]
	q := l.pending[b]
	e := q[0]
	l.size--
	l.order = l.order[1:]
	if len(q) == 1 {
		delete(l.pending, b)
	} else {
		l.pending[b] = q[1:]
		l.order = append(l.order, b)
	}
	return e, true
}

// Len returns the number of queued events
func (l *lane) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// run processes events until ctx ends
func (l *lane) run(ctx context.Context, process func(context.Context, event)) {
	for {
		for ctx.Err() == nil {
			e, ok := l.pop()
			if !ok {
				break
			}
			process(ctx, e)
		}
		select {
		case <-ctx.Done():
			return
		case <-l.notify:
		}
	}
}
