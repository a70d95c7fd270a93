package pml

import (
	"context"
	"sync"
)

// Completion is the synchronization domain shared by request completion and waiters. Its lock
// guards byte counters and completion flags of every request created on communicators bound to it.
// Completing any request wakes every blocked waiter, and each waiter re-checks its own requests.
//
// The matching lock of a communicator is never held while this lock is acquired.
type Completion struct {
	mu      sync.Mutex
	waiting int
	signal  chan struct{}
}

// NewCompletion constructs an empty completion domain.
func NewCompletion() *Completion {
	return &Completion{signal: make(chan struct{})}
}

// Waiting reports how many goroutines are blocked in Wait or WaitAny.
func (d *Completion) Waiting() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waiting
}

func (d *Completion) broadcastLocked() {
	if d.waiting == 0 {
		return
	}
	close(d.signal)
	d.signal = make(chan struct{})
}

// Test reports whether req has completed.
func (d *Completion) Test(req *Request) bool {
	if req == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return req.complete
}

// Wait blocks until req completes or ctx is done. A request that completes concurrently with ctx
// expiring is reported as complete.
func (d *Completion) Wait(ctx context.Context, req *Request) error {
	_, err := d.WaitAny(ctx, req)
	return err
}

// WaitAny blocks until one of reqs completes and returns its index.
func (d *Completion) WaitAny(ctx context.Context, reqs ...*Request) (int, error) {
	if len(reqs) == 0 {
		return -1, ErrNilRequest
	}
	for _, req := range reqs {
		if req == nil {
			return -1, ErrNilRequest
		}
		if req.comm == nil || req.comm.completion != d {
			return -1, ErrForeignRequest
		}
	}
	ctx = ensureContext(ctx)

	d.mu.Lock()
	for {
		for i, req := range reqs {
			if req.complete {
				d.mu.Unlock()
				return i, nil
			}
		}
		d.waiting++
		signal := d.signal
		d.mu.Unlock()

		var cancelled bool
		select {
		case <-signal:
		case <-ctx.Done():
			cancelled = true
		}

		d.mu.Lock()
		d.waiting--
		if cancelled {
			for i, req := range reqs {
				if req.complete {
					d.mu.Unlock()
					return i, nil
				}
			}
			d.mu.Unlock()
			return -1, ctx.Err()
		}
	}
}

// WaitAll blocks until every request completes or ctx is done.
func (d *Completion) WaitAll(ctx context.Context, reqs ...*Request) error {
	for _, req := range reqs {
		if err := d.Wait(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// Progress records received and delivered bytes for req, typically once per fragment landing in
// the request buffer. The request completes once the received total reaches the packed message
// length; further calls after completion are ignored. The received total never exceeds the packed
// length. A request created on another communicator is progressed by its owner, under the owner's
// completion lock.
func (c *Communicator) Progress(req *Request, received, delivered uint64) {
	if req == nil || req.comm == nil {
		return
	}
	if req.comm != c {
		req.comm.Progress(req, received, delivered)
		return
	}
	d := c.completion
	d.mu.Lock()
	if req.complete {
		d.mu.Unlock()
		return
	}
	req.received += received
	req.delivered += delivered
	if req.received > req.packed {
		req.received = req.packed
	}
	if req.delivered > req.received {
		req.delivered = req.received
	}
	if req.received < req.packed {
		d.mu.Unlock()
		return
	}
	req.status.Count = req.delivered
	req.status.Truncated = req.delivered < req.packed
	req.pmlComplete = true
	req.complete = true
	d.broadcastLocked()
	status := req.status
	kind := req.Kind
	release := req.freeCalled && !req.released
	d.mu.Unlock()

	c.stats.completed.Add(1)
	outcome := "ok"
	if status.Truncated {
		outcome = "truncated"
	}
	c.metricRequestCompleted(logKV(labelKind, kind), logKV(labelStatus, outcome))
	if c.logEnabled() {
		c.logEvent("complete",
			logKV("kind", kind),
			logKV("source", status.Source),
			logKV("tag", status.Tag),
			logKV("count", status.Count),
			logKV("truncated", status.Truncated),
		)
	}
	if release {
		c.release(req)
	}
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
