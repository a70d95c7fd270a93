package pml

// Cancel withdraws req from the matching engine. A request that is already complete, or that has
// already been matched to a fragment, is left untouched and Cancel returns nil. Otherwise the
// request is removed from whichever pending queue holds it and completes with Status.Cancelled set.
//
// The boolean mirrors generic request cancel hooks and is not consulted: an unmatched request is
// always completed because no other path could complete it once it left the queues.
func (c *Communicator) Cancel(req *Request, _ bool) error {
	if req == nil {
		return ErrNilRequest
	}
	if req.comm != c {
		return ErrForeignRequest
	}

	d := c.completion
	d.mu.Lock()
	skip := req.complete || !req.active
	d.mu.Unlock()
	if skip {
		return nil
	}

	c.mu.Lock()
	unmatched := req.status.Tag == AnyTag
	if unmatched && req.queued != nil {
		req.queued.remove(req.elem)
		req.elem = nil
		req.queued = nil
	}
	source := req.Source
	c.mu.Unlock()

	if !unmatched {
		c.logEvent("cancel_too_late", logKV("source", source), logKV("tag", req.Tag))
		return nil
	}
	c.cancelUnmatched(req)
	return nil
}

// cancelUnmatched completes a request that has been detached from every queue as cancelled.
func (c *Communicator) cancelUnmatched(req *Request) {
	d := c.completion
	d.mu.Lock()
	if req.complete {
		d.mu.Unlock()
		return
	}
	req.status.Cancelled = true
	req.status.Count = 0
	req.pmlComplete = true
	req.complete = true
	d.broadcastLocked()
	release := req.freeCalled && !req.released
	d.mu.Unlock()

	c.stats.cancelled.Add(1)
	c.metricReceiveCancelled(logKV(labelKind, req.Kind))
	if c.logEnabled() {
		c.logEvent("cancel", logKV("kind", req.Kind), logKV("source", req.Source), logKV("tag", req.Tag))
	}
	if release {
		c.release(req)
	}
}
