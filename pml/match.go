package pml

import "fmt"

// Post arms req and matches it against the unexpected fragments, dispatching on whether the
// request names an explicit source.
func (c *Communicator) Post(req *Request) error {
	if req == nil {
		return ErrNilRequest
	}
	if req.Source == AnySource {
		return c.MatchWild(req)
	}
	return c.MatchSpecific(req)
}

// MatchSpecific posts a receive for an explicit source. The unexpected fragments of that source are
// scanned in arrival order; the first fragment whose tag the request accepts is claimed. A
// consuming request removes the fragment and hands it to the owning transport, a probe reports
// completion and leaves the fragment in place. On a miss the request joins the pending queue of its
// source, except for an iprobe which is dropped.
func (c *Communicator) MatchSpecific(req *Request) error {
	if err := c.prepare(req); err != nil {
		return err
	}
	if req.Source == AnySource {
		return fmt.Errorf("%w: specific match needs an explicit source", ErrInvalidRank)
	}
	if err := req.arm(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.drop(req)
		return ErrClosed
	}
	req.sequence = c.seq
	c.seq++

	frag := c.matchSourceLocked(req, req.Source)
	if frag == nil {
		if req.Kind.enqueues() {
			c.enqueueLocked(&c.specific[req.Source], req)
		}
		c.mu.Unlock()
		c.posted(req, modeSpecific)
		if !req.Kind.enqueues() {
			c.drop(req)
		}
		return nil
	}
	c.mu.Unlock()

	c.posted(req, modeSpecific)
	c.claimedOnPost(req, frag, modeSpecific)
	return nil
}

// MatchWild posts a receive for any source. Sources are scanned in ascending rank order and the
// first rank holding an acceptable fragment wins, so lower ranks are preferred when several have
// eligible fragments. On a miss the request joins the wildcard queue, except for an iprobe.
func (c *Communicator) MatchWild(req *Request) error {
	if err := c.prepare(req); err != nil {
		return err
	}
	if req.Source != AnySource {
		return fmt.Errorf("%w: wildcard match needs AnySource, got %d", ErrInvalidRank, req.Source)
	}
	if err := req.arm(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.drop(req)
		return ErrClosed
	}
	req.sequence = c.seq
	c.seq++

	var frag *Fragment
	for rank := 0; rank < c.size; rank++ {
		if c.unexpected[rank].len() == 0 {
			continue
		}
		if frag = c.matchSourceLocked(req, rank); frag != nil {
			break
		}
	}
	if frag == nil {
		if req.Kind.enqueues() {
			c.enqueueLocked(&c.wild, req)
		}
		c.mu.Unlock()
		c.posted(req, modeWild)
		if !req.Kind.enqueues() {
			c.drop(req)
		}
		return nil
	}
	c.mu.Unlock()

	c.posted(req, modeWild)
	c.claimedOnPost(req, frag, modeWild)
	return nil
}

// MatchFragment offers a newly arrived fragment to the posted receives of its source and to the
// wildcard receives. The earliest posted acceptable receive wins. Probes met on the way are
// completed without consuming the fragment and the search continues. When no consuming receive
// accepts the fragment it is stored as unexpected. The returned flag reports whether the fragment
// was claimed, in which case the owning transport's Matched has been called.
func (c *Communicator) MatchFragment(frag *Fragment) (bool, error) {
	if frag == nil || frag.Owner == nil {
		return false, ErrNilFragment
	}
	src := frag.Header.Source
	if src < 0 || src >= c.size {
		return false, RankError{Rank: src, Size: c.size}
	}

	var probes []*Request
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	var req *Request
	for {
		req = c.takeReceiveLocked(frag)
		if req == nil || !req.Kind.IsProbe() {
			break
		}
		probes = append(probes, req)
	}
	if req != nil {
		frag.Request = req
		c.resolvePeerLocked(frag)
	} else {
		frag.elem = c.unexpected[src].push(frag)
	}
	c.mu.Unlock()

	for _, probe := range probes {
		c.stats.probeMatched.Add(1)
		c.metricProbeMatched(logKV(labelKind, probe.Kind), logKV(labelPath, pathArrival))
		c.Progress(probe, frag.Header.Length, frag.Header.Length)
	}

	if req == nil {
		c.stats.unexpected.Add(1)
		c.metricFragmentUnexpected()
		if c.logEnabled() {
			c.logEvent("unexpected",
				logKV("source", src),
				logKV("tag", frag.Header.Tag),
				logKV("length", frag.Header.Length),
			)
		}
		return false, nil
	}

	mode := modeSpecific
	if req.Source == AnySource {
		mode = modeWild
	}
	c.stats.matchedOnArrival.Add(1)
	c.metricReceiveMatched(logKV(labelKind, req.Kind), logKV(labelMode, mode), logKV(labelPath, pathArrival))
	if c.logEnabled() {
		c.logEvent("match",
			logKV("path", pathArrival),
			logKV("mode", mode),
			logKV("source", src),
			logKV("tag", frag.Header.Tag),
			logKV("sequence", req.sequence),
		)
	}
	frag.Owner.Matched(frag)
	return true, nil
}

func (c *Communicator) prepare(req *Request) error {
	if req == nil {
		return ErrNilRequest
	}
	if req.comm != c {
		return ErrForeignRequest
	}
	return c.validate(req.Source, req.Tag)
}

// matchSourceLocked scans the unexpected fragments of rank for the first one req accepts and
// records its match fields on req. Consuming requests take the fragment out of the store.
func (c *Communicator) matchSourceLocked(req *Request, rank int) *Fragment {
	q := &c.unexpected[rank]
	e, frag := q.find(func(f *Fragment) bool {
		return tagMatches(req.Tag, f.Header.Tag)
	})
	if e == nil {
		return nil
	}
	req.packed = frag.Header.Length
	req.status.Tag = frag.Header.Tag
	req.status.Source = frag.Header.Source
	if !req.Kind.IsProbe() {
		q.remove(e)
		frag.elem = nil
		frag.Request = req
	}
	c.resolvePeerLocked(frag)
	return frag
}

// takeReceiveLocked removes and returns the earliest posted receive accepting frag, comparing the
// head candidates of the source queue and the wildcard queue by sequence number.
func (c *Communicator) takeReceiveLocked(frag *Fragment) *Request {
	accepts := func(r *Request) bool {
		return tagMatches(r.Tag, frag.Header.Tag)
	}
	specificQ := &c.specific[frag.Header.Source]
	se, specific := specificQ.find(accepts)
	we, wild := c.wild.find(accepts)

	var (
		req *Request
		q   *fifo[*Request]
	)
	switch {
	case se != nil && we != nil:
		if specific.sequence < wild.sequence {
			req, q = specific, specificQ
		} else {
			req, q = wild, &c.wild
		}
	case se != nil:
		req, q = specific, specificQ
	case we != nil:
		req, q = wild, &c.wild
	default:
		return nil
	}
	q.remove(req.elem)
	req.elem = nil
	req.queued = nil
	req.packed = frag.Header.Length
	req.status.Tag = frag.Header.Tag
	req.status.Source = frag.Header.Source
	return req
}

func (c *Communicator) enqueueLocked(q *fifo[*Request], req *Request) {
	req.elem = q.push(req)
	req.queued = q
}

func (c *Communicator) resolvePeerLocked(frag *Fragment) {
	if frag.Peer != nil {
		return
	}
	key := peerKey{transport: frag.Owner.Name(), rank: frag.Header.Source}
	if peer, ok := c.peers.Get(key); ok {
		frag.Peer = peer
		return
	}
	peer := frag.Owner.ResolvePeer(c.id, frag.Header.Source)
	c.peers.Add(key, peer)
	frag.Peer = peer
}

// claimedOnPost finishes a match found while posting, outside the matching lock.
func (c *Communicator) claimedOnPost(req *Request, frag *Fragment, mode string) {
	if c.logEnabled() {
		c.logEvent("match",
			logKV("path", pathPost),
			logKV("mode", mode),
			logKV("kind", req.Kind),
			logKV("source", frag.Header.Source),
			logKV("tag", frag.Header.Tag),
			logKV("sequence", req.sequence),
		)
	}
	if req.Kind.IsProbe() {
		c.stats.probeMatched.Add(1)
		c.metricProbeMatched(logKV(labelKind, req.Kind), logKV(labelPath, pathPost))
		c.Progress(req, frag.Header.Length, frag.Header.Length)
		return
	}
	c.stats.matchedOnPost.Add(1)
	c.metricReceiveMatched(logKV(labelKind, req.Kind), logKV(labelMode, mode), logKV(labelPath, pathPost))
	frag.Owner.Matched(frag)
}

func (c *Communicator) posted(req *Request, mode string) {
	c.stats.posted.Add(1)
	c.metricReceivePosted(logKV(labelKind, req.Kind), logKV(labelMode, mode))
}

// drop deactivates a request the engine let go without completing it: an iprobe that found
// nothing, or a post that raced with Close.
func (c *Communicator) drop(req *Request) {
	if req.settle() {
		c.release(req)
	}
}
