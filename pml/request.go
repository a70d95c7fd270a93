package pml

import (
	"container/list"
	"context"
)

const (
	// AnySource matches fragments from every rank of the communicator.
	AnySource = -1
	// AnyTag matches every non-negative tag.
	AnyTag = -1
)

// Kind selects how the matching engine treats a request.
type Kind int

const (
	// KindRecv consumes the matched fragment.
	KindRecv Kind = iota
	// KindPersistent consumes the matched fragment and can be restarted with Start.
	KindPersistent
	// KindProbe reports a match without consuming it and waits in the pending store on a miss.
	KindProbe
	// KindIProbe reports a match without consuming it and is never stored.
	KindIProbe
)

func (k Kind) String() string {
	switch k {
	case KindRecv:
		return "recv"
	case KindPersistent:
		return "persistent"
	case KindProbe:
		return "probe"
	case KindIProbe:
		return "iprobe"
	default:
		return "request"
	}
}

// IsProbe reports whether the kind leaves matched fragments in place.
func (k Kind) IsProbe() bool {
	return k == KindProbe || k == KindIProbe
}

func (k Kind) enqueues() bool {
	return k != KindIProbe
}

// Status is the completion record of a request.
type Status struct {
	Source    int
	Tag       int
	Count     uint64
	Cancelled bool
	Truncated bool
}

// Request is a posted receive or probe. Requests are obtained from Communicator.NewRequest and must
// not be touched after Free or a non-persistent Fini returns.
type Request struct {
	Kind   Kind
	Source int
	Tag    int
	// Buffer is the destination for payload delivery. The matching engine never reads it.
	Buffer []byte

	comm *Communicator

	// guarded by comm.mu
	sequence uint64
	elem     *list.Element
	queued   *fifo[*Request]
	packed   uint64

	// status.Source and status.Tag are written under comm.mu while matching; the remaining fields
	// below are guarded by the completion lock.
	status      Status
	received    uint64
	delivered   uint64
	active      bool
	pmlComplete bool
	complete    bool
	freeCalled  bool
	released    bool
}

// Communicator returns the communicator the request was created on.
func (r *Request) Communicator() *Communicator {
	return r.comm
}

// Sequence returns the sequence number assigned when the request was last posted.
func (r *Request) Sequence() uint64 {
	r.comm.mu.Lock()
	defer r.comm.mu.Unlock()
	return r.sequence
}

// Status returns the completion status and whether the request has completed. The status is only
// meaningful once the second value is true.
func (r *Request) Status() (Status, bool) {
	d := r.comm.completion
	d.mu.Lock()
	defer d.mu.Unlock()
	if !r.complete {
		return Status{}, false
	}
	return r.status, true
}

// Progress returns the cumulative received and delivered byte counts.
func (r *Request) Progress() (received, delivered uint64) {
	d := r.comm.completion
	d.mu.Lock()
	defer d.mu.Unlock()
	return r.received, r.delivered
}

// Test reports whether the request has completed without blocking.
func (r *Request) Test() bool {
	return r.comm.completion.Test(r)
}

// Wait blocks until the request completes or ctx is done.
func (r *Request) Wait(ctx context.Context) error {
	return r.comm.completion.Wait(ctx, r)
}

// Start posts a persistent request again.
func (r *Request) Start() error {
	if r == nil {
		return ErrNilRequest
	}
	if r.Kind != KindPersistent {
		return ErrNotPersistent
	}
	return r.comm.Post(r)
}

// Cancel removes an unmatched request from the matching engine and completes it as cancelled.
// Cancelling a request that already matched is a successful no-op.
func (r *Request) Cancel(complete bool) error {
	if r == nil {
		return ErrNilRequest
	}
	return r.comm.Cancel(r, complete)
}

// Fini finalizes a completed request. Persistent requests become inactive and may be started
// again; every other kind is freed.
func (r *Request) Fini() error {
	if r == nil {
		return ErrNilRequest
	}
	d := r.comm.completion
	d.mu.Lock()
	if r.released {
		d.mu.Unlock()
		return ErrRequestFreed
	}
	if r.active && !r.complete {
		d.mu.Unlock()
		return ErrRequestActive
	}
	if r.Kind == KindPersistent && !r.freeCalled {
		r.active = false
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	return r.Free()
}

// Free marks the request for release. The request returns to the pool immediately when the engine
// is done with it, otherwise as soon as it completes.
func (r *Request) Free() error {
	if r == nil {
		return ErrNilRequest
	}
	d := r.comm.completion
	d.mu.Lock()
	if r.released || r.freeCalled {
		d.mu.Unlock()
		return ErrRequestFreed
	}
	r.freeCalled = true
	release := r.pmlComplete || !r.active
	d.mu.Unlock()
	if release {
		r.comm.release(r)
	}
	return nil
}

// arm resets the request for a new post.
func (r *Request) arm() error {
	d := r.comm.completion
	d.mu.Lock()
	defer d.mu.Unlock()
	if r.released || r.freeCalled {
		return ErrRequestFreed
	}
	if r.active && !r.complete {
		return ErrRequestActive
	}
	r.status = Status{Source: AnySource, Tag: AnyTag}
	r.packed = 0
	r.received = 0
	r.delivered = 0
	r.pmlComplete = false
	r.complete = false
	r.active = true
	return nil
}

// settle deactivates a request the engine dropped without completing (an iprobe miss or a post
// against a closed communicator). It reports whether the request must be released.
func (r *Request) settle() bool {
	d := r.comm.completion
	d.mu.Lock()
	defer d.mu.Unlock()
	r.active = false
	return r.freeCalled && !r.released
}
