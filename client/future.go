package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rocketbitz/pml-go/pml"
)

// OperationKind identifies the type of operation tracked by a future.
type OperationKind int

const (
	OperationSend OperationKind = iota
	OperationReceive
)

func (k OperationKind) String() string {
	switch k {
	case OperationSend:
		return "send"
	case OperationReceive:
		return "receive"
	default:
		return "operation"
	}
}

// SendCompletion describes the outcome of a send operation dispatched through a handler.
type SendCompletion struct {
	Dest int
	Tag  int
	Size int
	Err  error
}

// ReceiveCompletion describes a completed receive operation delivered through a handler.
type ReceiveCompletion struct {
	Payload []byte
	Source  int
	Tag     int
	Err     error
}

// SendHandler is invoked when a send operation completes.
type SendHandler func(SendCompletion)

// ReceiveHandler is invoked when a receive operation completes.
type ReceiveHandler func(ReceiveCompletion)

type operationResult struct {
	length int
	status pml.Status
	err    error
}

type operation struct {
	rank *Rank
	kind OperationKind
	size int
	peer int
	tag  int
	buf  []byte
	done chan struct{}

	mu        sync.Mutex
	once      sync.Once
	completed bool
	result    operationResult
	callbacks []func(operationResult)
	// req is the posted matching request; cleared before the request is finalized.
	req *pml.Request
}

func newOperation(rank *Rank, kind OperationKind, size int) *operation {
	return &operation{
		rank: rank,
		kind: kind,
		size: size,
		done: make(chan struct{}),
	}
}

func (op *operation) complete(res operationResult) {
	op.once.Do(func() {
		op.mu.Lock()
		op.result = res
		op.completed = true
		callbacks := append([]func(operationResult){}, op.callbacks...)
		op.callbacks = nil
		op.mu.Unlock()

		if op.rank != nil {
			op.rank.emit(op, res)
		}

		close(op.done)

		for _, cb := range callbacks {
			cb := cb
			go cb(res)
		}
	})
}

func (op *operation) resultSnapshot() operationResult {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

func (op *operation) addCallback(cb func(operationResult)) {
	if cb == nil {
		return
	}
	op.mu.Lock()
	if op.completed {
		res := op.result
		op.mu.Unlock()
		go cb(res)
		return
	}
	op.callbacks = append(op.callbacks, cb)
	op.mu.Unlock()
}

// detach hands the matching request back for finalization. Cancel no longer reaches it afterwards.
func (op *operation) detach() *pml.Request {
	op.mu.Lock()
	defer op.mu.Unlock()
	req := op.req
	op.req = nil
	return req
}

// SendFuture tracks the completion of a posted send operation.
type SendFuture struct {
	op *operation
}

// Await blocks until the send operation completes or the context is cancelled.
func (f *SendFuture) Await(ctx context.Context) error {
	if f == nil || f.op == nil {
		return errors.New("pml client: nil send future")
	}
	ctx = ensureContext(ctx)
	select {
	case <-ctx.Done():
		select {
		case <-f.op.done:
			return f.op.resultSnapshot().err
		default:
		}
		return ctx.Err()
	case <-f.op.done:
		return f.op.resultSnapshot().err
	}
}

// Done exposes a channel that closes when the send operation resolves.
func (f *SendFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously when the send resolves.
func (f *SendFuture) OnComplete(fn func(error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.err)
	})
}

// ReceiveFuture tracks the completion of a posted receive operation.
type ReceiveFuture struct {
	op *operation
}

// Await blocks until the receive resolves or the context is cancelled. A cancelled receive reports
// ErrCancelled; a message longer than the buffer reports the delivered length with ErrTruncated.
func (f *ReceiveFuture) Await(ctx context.Context) (int, error) {
	if f == nil || f.op == nil {
		return 0, errors.New("pml client: nil receive future")
	}
	ctx = ensureContext(ctx)
	select {
	case <-ctx.Done():
		select {
		case <-f.op.done:
			res := f.op.resultSnapshot()
			return res.length, res.err
		default:
		}
		return 0, ctx.Err()
	case <-f.op.done:
		res := f.op.resultSnapshot()
		return res.length, res.err
	}
}

// Buffer returns the caller-provided buffer passed to ReceiveAsync.
func (f *ReceiveFuture) Buffer() []byte {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.buf
}

// Status returns the matching status and whether the receive has resolved.
func (f *ReceiveFuture) Status() (pml.Status, bool) {
	if f == nil || f.op == nil {
		return pml.Status{}, false
	}
	f.op.mu.Lock()
	defer f.op.mu.Unlock()
	return f.op.result.status, f.op.completed
}

// Done exposes a channel that closes when the receive completes.
func (f *ReceiveFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously once the receive resolves.
func (f *ReceiveFuture) OnComplete(fn func(int, error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.length, res.err)
	})
}

// Cancel withdraws the receive if it has not matched a message yet. The future then resolves with
// ErrCancelled. Cancelling a receive that already matched has no effect.
func (f *ReceiveFuture) Cancel() error {
	if f == nil || f.op == nil {
		return errors.New("pml client: nil receive future")
	}
	f.op.mu.Lock()
	defer f.op.mu.Unlock()
	if f.op.req == nil {
		return nil
	}
	return f.op.req.Cancel(true)
}

func receiveResult(st pml.Status, buf []byte) operationResult {
	res := operationResult{length: int(st.Count), status: st}
	switch {
	case st.Cancelled:
		res.length = 0
		res.err = ErrCancelled
	case st.Truncated:
		res.err = truncationError{count: st.Count, capacity: len(buf)}
	}
	return res
}

type truncationError struct {
	count    uint64
	capacity int
}

func (e truncationError) Error() string {
	return fmt.Sprintf("%s: message exceeds %d byte buffer, delivered %d", ErrTruncated, e.capacity, e.count)
}

func (e truncationError) Unwrap() error {
	return ErrTruncated
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
