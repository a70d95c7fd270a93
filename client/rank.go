package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rocketbitz/pml-go/pml"
)

// Rank is one member of a World. It owns the matching state of its communicator and a dispatcher
// goroutine that feeds arriving messages into it.
type Rank struct {
	world     *World
	rank      int
	comm      *pml.Communicator
	transport *loopback
	inbox     chan *pml.Fragment
	span      Span

	stopCh  chan struct{}
	wg      sync.WaitGroup
	waiters sync.WaitGroup

	lifecycle     sync.RWMutex
	closed        atomic.Bool
	dispatcherErr atomic.Pointer[errorHolder]

	handlersMu      sync.RWMutex
	sendHandlers    map[uint64]SendHandler
	receiveHandlers map[uint64]ReceiveHandler
	handlerSeq      atomic.Uint64

	stats rankStats
}

type errorHolder struct {
	err error
}

// Stats contains counters for rank operations together with the matching engine snapshot.
type Stats struct {
	SendPosted       uint64
	SendCompleted    uint64
	SendErrored      uint64
	ReceivePosted    uint64
	ReceiveMatched   uint64
	ReceiveCancelled uint64
	ReceiveErrored   uint64
	Matching         pml.Stats
}

type rankStats struct {
	sendPosted    atomic.Uint64
	sendCompleted atomic.Uint64
	sendErrored   atomic.Uint64
	recvPosted    atomic.Uint64
	recvMatched   atomic.Uint64
	recvCancelled atomic.Uint64
	recvErrored   atomic.Uint64
}

func newRank(w *World, i int, comm *pml.Communicator) *Rank {
	r := &Rank{
		world:  w,
		rank:   i,
		comm:   comm,
		inbox:  make(chan *pml.Fragment, w.cfg.InboxDepth),
		stopCh: make(chan struct{}),
	}
	r.transport = &loopback{rank: r, chunk: uint64(w.cfg.ChunkSize)}
	return r
}

// ID returns the rank number within its World.
func (r *Rank) ID() int {
	return r.rank
}

// Communicator exposes the matching state backing the rank.
func (r *Rank) Communicator() *pml.Communicator {
	return r.comm
}

// Endpoint returns the loopback descriptor of the rank.
func (r *Rank) Endpoint() Endpoint {
	return Endpoint{World: r.world.id, Rank: r.rank}
}

// Send delivers payload to dest with the given tag, using the configured timeout when the supplied
// context lacks a deadline. It returns once the message is buffered at the destination.
func (r *Rank) Send(ctx context.Context, dest, tag int, payload []byte) error {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	future, err := r.sendAsync(ctx, dest, tag, payload)
	if err != nil {
		return err
	}
	return future.Await(ctx)
}

// SendAsync posts a send and returns a future that resolves once the destination buffered the
// message. Sends from one rank to another are matched in the order they were posted.
func (r *Rank) SendAsync(dest, tag int, payload []byte) (*SendFuture, error) {
	return r.sendAsync(context.Background(), dest, tag, payload)
}

func (r *Rank) sendAsync(ctx context.Context, dest, tag int, payload []byte) (*SendFuture, error) {
	if err := r.ensureOpen(); err != nil {
		return nil, err
	}
	if err := r.dispatchFailure(); err != nil {
		return nil, err
	}
	target := r.world.Rank(dest)
	if target == nil {
		return nil, pml.RankError{Rank: dest, Size: r.world.Size()}
	}
	if tag == pml.AnyTag {
		return nil, fmt.Errorf("%w: sends need an explicit tag", pml.ErrInvalidTag)
	}

	data := append([]byte(nil), payload...)
	frag := &pml.Fragment{
		Header:  pml.Header{Source: r.rank, Tag: tag, Length: uint64(len(data))},
		Payload: data,
		Owner:   target.transport,
	}
	op := newOperation(r, OperationSend, len(data))
	op.peer = dest
	op.tag = tag

	r.stats.sendPosted.Add(1)
	if err := target.enqueue(ctx, frag); err != nil {
		op.complete(operationResult{err: err})
		return nil, fmt.Errorf("post send to rank %d: %w", dest, err)
	}
	op.complete(operationResult{length: len(data)})
	return &SendFuture{op: op}, nil
}

// Receive posts a blocking receive for a message from source with tag, filling buf. AnySource and
// AnyTag act as wildcards.
func (r *Rank) Receive(ctx context.Context, buf []byte, source, tag int) (int, pml.Status, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return 0, pml.Status{}, err
	}
	future, err := r.ReceiveAsync(buf, source, tag)
	if err != nil {
		return 0, pml.Status{}, err
	}
	n, err := future.Await(ctx)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrCancelled) && !errors.Is(err, ErrTruncated) {
		_ = future.Cancel()
		<-future.Done()
		n, err = future.Await(context.Background())
		if errors.Is(err, ErrCancelled) {
			err = ctx.Err()
		}
	}
	st, _ := future.Status()
	return n, st, err
}

// ReceiveAsync posts a receive and returns a future that resolves when a matching message has
// been copied into buf.
func (r *Rank) ReceiveAsync(buf []byte, source, tag int) (*ReceiveFuture, error) {
	if err := r.ensureOpen(); err != nil {
		return nil, err
	}
	req, err := r.comm.NewRequest(pml.KindRecv, source, tag, buf)
	if err != nil {
		return nil, err
	}
	op := newOperation(r, OperationReceive, len(buf))
	op.peer = source
	op.tag = tag
	op.buf = buf
	op.req = req
	if err := r.post(op, req); err != nil {
		return nil, err
	}
	return &ReceiveFuture{op: op}, nil
}

// RecvInit prepares a persistent receive that can be started repeatedly.
func (r *Rank) RecvInit(buf []byte, source, tag int) (*PersistentReceive, error) {
	if err := r.ensureOpen(); err != nil {
		return nil, err
	}
	req, err := r.comm.NewRequest(pml.KindPersistent, source, tag, buf)
	if err != nil {
		return nil, err
	}
	return &PersistentReceive{rank: r, req: req}, nil
}

// PersistentReceive is a receive whose matching request is reused across Start calls.
type PersistentReceive struct {
	rank *Rank
	req  *pml.Request

	mu     sync.Mutex
	future *ReceiveFuture
}

// Start posts the persistent receive again. The previous round must have resolved.
func (p *PersistentReceive) Start() (*ReceiveFuture, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.future != nil {
		select {
		case <-p.future.Done():
		default:
			return nil, pml.ErrRequestActive
		}
	}
	op := newOperation(p.rank, OperationReceive, len(p.req.Buffer))
	op.peer = p.req.Source
	op.tag = p.req.Tag
	op.buf = p.req.Buffer
	op.req = p.req
	if err := p.rank.post(op, p.req); err != nil {
		return nil, err
	}
	p.future = &ReceiveFuture{op: op}
	return p.future, nil
}

// Free releases the persistent request. Free cancels a round that is still pending.
func (p *PersistentReceive) Free() error {
	p.mu.Lock()
	future := p.future
	p.mu.Unlock()
	if future != nil {
		_ = future.Cancel()
		<-future.Done()
	}
	return p.req.Free()
}

// post arms req in the matching engine and starts watching it on behalf of op.
func (r *Rank) post(op *operation, req *pml.Request) error {
	if !r.track() {
		if req.Kind != pml.KindPersistent {
			_ = req.Free()
		}
		return ErrClosed
	}
	if err := r.comm.Post(req); err != nil {
		r.waiters.Done()
		if req.Kind != pml.KindPersistent {
			_ = req.Free()
		}
		return fmt.Errorf("post receive: %w", err)
	}
	r.stats.recvPosted.Add(1)
	go r.watch(op, req)
	return nil
}

// watch resolves op once the matching engine completes req. Close cancels every pending request,
// so the wait always ends.
func (r *Rank) watch(op *operation, req *pml.Request) {
	defer r.waiters.Done()
	_ = req.Wait(context.Background())
	st, _ := req.Status()
	op.detach()
	if req.Kind != pml.KindPersistent {
		_ = req.Fini()
	}
	op.complete(receiveResult(st, op.buf))
}

// Probe blocks until a message from source with tag is available and returns its status without
// receiving it.
func (r *Rank) Probe(ctx context.Context, source, tag int) (pml.Status, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	if err := r.ensureOpen(); err != nil {
		return pml.Status{}, err
	}
	req, err := r.comm.NewRequest(pml.KindProbe, source, tag, nil)
	if err != nil {
		return pml.Status{}, err
	}
	if err := r.comm.Post(req); err != nil {
		_ = req.Free()
		return pml.Status{}, fmt.Errorf("post probe: %w", err)
	}
	if err := req.Wait(ctx); err != nil {
		_ = req.Cancel(true)
		_ = req.Free()
		r.recordProbe(source, true, outcomeStatus(err))
		return pml.Status{}, err
	}
	st, _ := req.Status()
	_ = req.Fini()
	if st.Cancelled {
		r.recordProbe(source, true, "cancelled")
		return st, ErrCancelled
	}
	r.recordProbe(source, true, "hit")
	return st, nil
}

// IProbe reports whether a message from source with tag is available without blocking.
func (r *Rank) IProbe(source, tag int) (pml.Status, bool, error) {
	if err := r.ensureOpen(); err != nil {
		return pml.Status{}, false, err
	}
	req, err := r.comm.NewRequest(pml.KindIProbe, source, tag, nil)
	if err != nil {
		return pml.Status{}, false, err
	}
	if err := r.comm.Post(req); err != nil {
		_ = req.Free()
		return pml.Status{}, false, fmt.Errorf("post iprobe: %w", err)
	}
	st, ok := req.Status()
	_ = req.Free()
	status := "miss"
	if ok {
		status = "hit"
	}
	r.recordProbe(source, false, status)
	return st, ok, nil
}

func (r *Rank) recordProbe(source int, blocking bool, status string) {
	fields := []logField{
		logKV(labelMode, matchMode(source)),
		logKV(labelBlocking, blocking),
		logKV(labelStatus, status),
	}
	r.world.logEvent(r.rank, "probe", fields...)
	spanAddEvent(r.span, "probe", fields...)
	if metrics := r.world.metrics; metrics != nil {
		metrics.ProbeCompleted(r.world.metricAttrs(r.rank, fields...))
	}
}

// RegisterSendHandler installs a callback invoked for every completed send. The returned
// function unregisters the handler when invoked. Passing a nil handler is a no-op.
func (r *Rank) RegisterSendHandler(handler SendHandler) func() {
	if r == nil || handler == nil {
		return func() {}
	}
	id := r.handlerSeq.Add(1)
	r.handlersMu.Lock()
	if r.sendHandlers == nil {
		r.sendHandlers = make(map[uint64]SendHandler)
	}
	r.sendHandlers[id] = handler
	r.handlersMu.Unlock()
	return func() {
		r.handlersMu.Lock()
		delete(r.sendHandlers, id)
		r.handlersMu.Unlock()
	}
}

// RegisterReceiveHandler installs a callback invoked for every completed receive. The returned
// function unregisters the handler when invoked. Passing a nil handler is a no-op.
func (r *Rank) RegisterReceiveHandler(handler ReceiveHandler) func() {
	if r == nil || handler == nil {
		return func() {}
	}
	id := r.handlerSeq.Add(1)
	r.handlersMu.Lock()
	if r.receiveHandlers == nil {
		r.receiveHandlers = make(map[uint64]ReceiveHandler)
	}
	r.receiveHandlers[id] = handler
	r.handlersMu.Unlock()
	return func() {
		r.handlersMu.Lock()
		delete(r.receiveHandlers, id)
		r.handlersMu.Unlock()
	}
}

// Stats returns a snapshot of rank counters.
func (r *Rank) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	return Stats{
		SendPosted:       r.stats.sendPosted.Load(),
		SendCompleted:    r.stats.sendCompleted.Load(),
		SendErrored:      r.stats.sendErrored.Load(),
		ReceivePosted:    r.stats.recvPosted.Load(),
		ReceiveMatched:   r.stats.recvMatched.Load(),
		ReceiveCancelled: r.stats.recvCancelled.Load(),
		ReceiveErrored:   r.stats.recvErrored.Load(),
		Matching:         r.comm.Stats(),
	}
}

func (r *Rank) ensureOpen() error {
	if r == nil || r.closed.Load() {
		return ErrClosed
	}
	return nil
}

// track registers a completion watcher unless the rank is closing.
func (r *Rank) track() bool {
	r.lifecycle.RLock()
	defer r.lifecycle.RUnlock()
	if r.closed.Load() {
		return false
	}
	r.waiters.Add(1)
	return true
}

// enqueue hands frag to the dispatcher under the lifecycle read lock, so close never drains the
// inbox while a send is still landing in it. The dispatcher keeps consuming until close holds the
// write lock.
func (r *Rank) enqueue(ctx context.Context, frag *pml.Fragment) error {
	r.lifecycle.RLock()
	defer r.lifecycle.RUnlock()
	if r.closed.Load() {
		return ErrClosed
	}
	select {
	case r.inbox <- frag:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Rank) close() error {
	r.lifecycle.Lock()
	if !r.closed.CompareAndSwap(false, true) {
		r.lifecycle.Unlock()
		return nil
	}
	r.lifecycle.Unlock()

	close(r.stopCh)
	r.wg.Wait()

	dropped := r.drainInbox()
	orphans := r.comm.Close()
	r.waiters.Wait()

	r.handlersMu.Lock()
	r.sendHandlers = nil
	r.receiveHandlers = nil
	r.handlersMu.Unlock()

	r.world.logEvent(r.rank, "closed", logKV("dropped", dropped), logKV("orphans", len(orphans)))
	if err := r.dispatcherError(); err != nil {
		return fmt.Errorf("rank %d: %w", r.rank, err)
	}
	return nil
}

func (r *Rank) drainInbox() int {
	n := 0
	for {
		select {
		case <-r.inbox:
			n++
		default:
			return n
		}
	}
}

func (r *Rank) dispatchFailure() error {
	if err := r.dispatcherError(); err != nil {
		return fmt.Errorf("pml client dispatcher failed: %w", err)
	}
	return nil
}

func (r *Rank) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := r.world.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx, func() {}
		}
		if timeout <= 0 || remaining < timeout {
			return ctx, func() {}
		}
		timeout = remaining
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout)
	return ctxWithTimeout, cancel
}

func (r *Rank) emit(op *operation, res operationResult) {
	switch op.kind {
	case OperationSend:
		if res.err != nil {
			r.stats.sendErrored.Add(1)
		} else {
			r.stats.sendCompleted.Add(1)
		}
		r.logOperationCompletion(op, res)
		r.handlersMu.RLock()
		handlers := make([]SendHandler, 0, len(r.sendHandlers))
		for _, h := range r.sendHandlers {
			handlers = append(handlers, h)
		}
		r.handlersMu.RUnlock()
		completion := SendCompletion{Dest: op.peer, Tag: op.tag, Size: res.length, Err: res.err}
		for _, handler := range handlers {
			h := handler
			go h(completion)
		}
	case OperationReceive:
		switch {
		case res.err == nil:
			r.stats.recvMatched.Add(1)
		case errors.Is(res.err, ErrCancelled):
			r.stats.recvCancelled.Add(1)
		default:
			r.stats.recvErrored.Add(1)
		}
		r.logOperationCompletion(op, res)
		r.handlersMu.RLock()
		handlers := make([]ReceiveHandler, 0, len(r.receiveHandlers))
		for _, h := range r.receiveHandlers {
			handlers = append(handlers, h)
		}
		r.handlersMu.RUnlock()
		if len(handlers) == 0 {
			return
		}
		var basePayload []byte
		if res.length > 0 && len(op.buf) >= res.length {
			basePayload = append([]byte(nil), op.buf[:res.length]...)
		}
		for _, handler := range handlers {
			h := handler
			var payloadCopy []byte
			if basePayload != nil {
				payloadCopy = append([]byte(nil), basePayload...)
			}
			go h(ReceiveCompletion{Payload: payloadCopy, Source: res.status.Source, Tag: res.status.Tag, Err: res.err})
		}
	}
}

// outcomeStatus names err for completion logs and metric labels.
func outcomeStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrTruncated):
		return "truncated"
	case errors.Is(err, ErrClosed), errors.Is(err, pml.ErrClosed):
		return "closed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

func matchMode(source int) string {
	if source == pml.AnySource {
		return "wild"
	}
	return "specific"
}

func (r *Rank) logOperationCompletion(op *operation, res operationResult) {
	status := outcomeStatus(res.err)
	eventName := "completion"
	if res.err != nil {
		eventName = "completion_error"
	}
	fields := []logField{
		logKV(labelOperation, op.kind.String()),
		logKV(labelStatus, status),
		logKV("tag", op.tag),
	}
	if op.kind == OperationSend {
		fields = append(fields, logKV("dest", op.peer))
	} else if res.err == nil || errors.Is(res.err, ErrTruncated) {
		fields = append(fields, logKV("source", res.status.Source), logKV("matched_tag", res.status.Tag))
	}
	if op.size > 0 {
		fields = append(fields, logKV("requested_size", op.size))
	}
	if res.length > 0 {
		fields = append(fields, logKV("length", res.length))
	}
	if res.err != nil {
		fields = append(fields, logKV("error", res.err))
	}
	r.world.logEvent(r.rank, eventName, fields...)
	spanAddEvent(r.span, eventName, fields...)

	metrics := r.world.metrics
	if metrics == nil {
		return
	}
	switch op.kind {
	case OperationSend:
		metrics.FragmentEnqueued(r.world.metricAttrs(r.rank, logKV(labelStatus, status)))
	case OperationReceive:
		metrics.ReceiveCompleted(r.world.metricAttrs(r.rank,
			logKV(labelMode, matchMode(op.peer)),
			logKV(labelStatus, status)))
	}
}
