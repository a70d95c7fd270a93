package client

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rocketbitz/pml-go/pml"
)

// Endpoint is the peer descriptor the loopback transport hands to the matching engine.
type Endpoint struct {
	World uuid.UUID
	Rank  int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("loopback://%s/%d", e.World, e.Rank)
}

// loopback delivers fragments between ranks of one World. A fragment is owned by the transport of
// its destination rank, whose communicator holds the request that claims it.
type loopback struct {
	rank      *Rank
	chunk     uint64
	resolved  atomic.Uint64
	delivered atomic.Uint64
}

var _ pml.Transport = (*loopback)(nil)

func (l *loopback) Name() string { return "loopback" }

func (l *loopback) ResolvePeer(comm uuid.UUID, rank int) pml.Peer {
	l.resolved.Add(1)
	return Endpoint{World: comm, Rank: rank}
}

// Matched copies the payload into the claiming request's buffer one chunk at a time. Bytes past
// the end of the buffer count as received but not delivered, which surfaces as truncation.
func (l *loopback) Matched(frag *pml.Fragment) {
	req := frag.Request
	comm := l.rank.comm
	length := frag.Header.Length
	if length == 0 {
		comm.Progress(req, 0, 0)
	}
	buf := req.Buffer
	var total uint64
	for off := uint64(0); off < length; off += l.chunk {
		end := off + l.chunk
		if end > length {
			end = length
		}
		var delivered uint64
		if off < uint64(len(buf)) {
			delivered = uint64(copy(buf[off:], frag.Payload[off:end]))
		}
		total += delivered
		comm.Progress(req, end-off, delivered)
	}
	l.delivered.Add(1)
	if metrics := l.rank.world.metrics; metrics != nil {
		metrics.PayloadDelivered(total, length-total, l.rank.world.metricAttrs(l.rank.rank))
	}

	if l.rank.world.structuredLogger != nil || l.rank.world.logger != nil {
		l.rank.world.logEvent(l.rank.rank, "deliver",
			logKV("peer", frag.Peer),
			logKV("tag", frag.Header.Tag),
			logKV("length", length),
		)
	}
}

func (r *Rank) dispatch() {
	defer r.wg.Done()

	span := r.span
	startFields := []logField{
		logKV(labelWorld, r.world.id.String()),
		logKV("size", r.world.Size()),
	}
	r.world.logEvent(r.rank, "start", startFields...)
	spanAddEvent(span, "start", startFields...)
	r.metricDispatcherStarted()

	defer func() {
		err := r.dispatcherError()
		status := "ok"
		fields := []logField{logKV("status", status)}
		if err != nil {
			status = "error"
			fields[0] = logKV("status", status)
			fields = append(fields, logKV("error", err))
			spanRecordError(span, err)
		}
		fields = append(fields, logKV("delivered", r.transport.delivered.Load()))
		r.world.logEvent(r.rank, "stop", fields...)
		spanAddEvent(span, "stop", fields...)
		r.metricDispatcherStopped()
		if span != nil {
			span.End(err)
		}
	}()

	for {
		select {
		case <-r.stopCh:
			return
		case frag := <-r.inbox:
			r.handleArrival(frag, span)
		}
	}
}

func (r *Rank) handleArrival(frag *pml.Fragment, span Span) {
	claimed, err := r.comm.MatchFragment(frag)
	if err != nil {
		dispatchErr := fmt.Errorf("match fragment from rank %d: %w", frag.Header.Source, err)
		r.recordDispatcherFailure(span, "match_error", dispatchErr)
		r.recordDispatcherError(dispatchErr)
		return
	}
	fields := []logField{
		logKV("source", frag.Header.Source),
		logKV("tag", frag.Header.Tag),
		logKV("length", frag.Header.Length),
		logKV("claimed", claimed),
	}
	r.world.logEvent(r.rank, "arrival", fields...)
	spanAddEvent(span, "arrival", fields...)
	if r.world.metrics != nil {
		path := "unexpected"
		if claimed {
			path = "claimed"
		}
		r.world.metrics.FragmentArrived(r.world.metricAttrs(r.rank, logKV(labelPath, path)))
	}
}

func (r *Rank) startDispatcherSpan() Span {
	if r.world.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: "pml-client"},
		{Key: labelWorld, Value: r.world.id.String()},
		{Key: labelRank, Value: r.rank},
	}
	return r.world.tracer.StartSpan("pml-rank-dispatcher", attrs...)
}

func (r *Rank) recordDispatcherFailure(span Span, event string, err error) {
	if err == nil {
		return
	}
	fields := []logField{logKV("error", err)}
	r.world.logEvent(r.rank, event, fields...)
	spanAddEvent(span, event, fields...)
	spanRecordError(span, err)
	if r.world.metrics != nil {
		r.world.metrics.DispatcherError(event, err, r.world.metricAttrs(r.rank, fields...))
	}
}

func (r *Rank) recordDispatcherError(err error) {
	if err == nil {
		return
	}
	r.dispatcherErr.CompareAndSwap(nil, &errorHolder{err: err})
}

func (r *Rank) dispatcherError() error {
	if r == nil {
		return nil
	}
	if holder := r.dispatcherErr.Load(); holder != nil {
		return holder.err
	}
	return nil
}

func (r *Rank) metricDispatcherStarted() {
	if r.world.metrics == nil {
		return
	}
	r.world.metrics.DispatcherStarted(r.world.metricAttrs(r.rank))
}

func (r *Rank) metricDispatcherStopped() {
	if r.world.metrics == nil {
		return
	}
	r.world.metrics.DispatcherStopped(r.world.metricAttrs(r.rank))
}
