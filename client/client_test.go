package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/pml-go/pml"
)

func TestWorldSendReceiveAsync(t *testing.T) {
	world := newTestWorld(t, Config{Size: 2, Timeout: 2 * time.Second})
	sender, receiver := world.Rank(0), world.Rank(1)

	payload := []byte("async-payload")
	recvBuf := make([]byte, len(payload))

	recvFuture, err := receiver.ReceiveAsync(recvBuf, 0, 7)
	if err != nil {
		t.Fatalf("ReceiveAsync failed: %v", err)
	}

	callback := make(chan error, 1)
	recvFuture.OnComplete(func(n int, err error) {
		if err != nil {
			callback <- err
			return
		}
		if n != len(payload) {
			callback <- fmt.Errorf("callback length mismatch: got %d want %d", n, len(payload))
			return
		}
		if string(recvBuf[:n]) != string(payload) {
			callback <- fmt.Errorf("callback payload mismatch: got %q want %q", string(recvBuf[:n]), string(payload))
			return
		}
		callback <- nil
	})

	sendFuture, err := sender.SendAsync(1, 7, payload)
	if err != nil {
		t.Fatalf("SendAsync failed: %v", err)
	}
	if err := sendFuture.Await(context.Background()); err != nil {
		t.Fatalf("Send await failed: %v", err)
	}

	n, err := recvFuture.Await(context.Background())
	if err != nil {
		t.Fatalf("Receive await failed: %v", err)
	}
	if n != len(payload) || string(recvBuf[:n]) != string(payload) {
		t.Fatalf("payload mismatch: got %q", string(recvBuf[:n]))
	}
	st, ok := recvFuture.Status()
	if !ok || st.Source != 0 || st.Tag != 7 || st.Count != uint64(len(payload)) {
		t.Fatalf("unexpected status %+v (resolved=%v)", st, ok)
	}

	select {
	case cbErr := <-callback:
		if cbErr != nil {
			t.Fatalf("receive callback error: %v", cbErr)
		}
	case <-time.After(time.Second):
		t.Fatal("receive callback not invoked")
	}
}

func TestWorldSendReceiveSync(t *testing.T) {
	world := newTestWorld(t, Config{Size: 2, Timeout: 2 * time.Second})
	payload := []byte("sync-payload")
	recvBuf := make([]byte, 64)

	recvErr := make(chan error, 1)
	go func() {
		n, st, err := world.Rank(1).Receive(context.Background(), recvBuf, pml.AnySource, pml.AnyTag)
		if err != nil {
			recvErr <- err
			return
		}
		if n != len(payload) || st.Source != 0 || st.Tag != 11 {
			recvErr <- fmt.Errorf("unexpected receive n=%d status=%+v", n, st)
			return
		}
		if string(recvBuf[:n]) != string(payload) {
			recvErr <- fmt.Errorf("payload mismatch: got %q", string(recvBuf[:n]))
			return
		}
		recvErr <- nil
	}()

	if err := world.Rank(0).Send(context.Background(), 1, 11, payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case err := <-recvErr:
		if err != nil {
			t.Fatalf("receive failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receive timed out")
	}
}

func TestWorldPreservesPerSourceOrder(t *testing.T) {
	const n = 200
	world := newTestWorld(t, Config{Size: 3, InboxDepth: 8})

	var wg sync.WaitGroup
	for _, src := range []int{0, 2} {
		src := src
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				if err := world.Rank(src).Send(context.Background(), 1, 1, []byte{byte(src), byte(i)}); err != nil {
					t.Errorf("send %d from %d: %v", i, src, err)
					return
				}
			}
		}()
	}

	next := map[int]int{}
	buf := make([]byte, 2)
	for i := 0; i < 2*n; i++ {
		_, st, err := world.Rank(1).Receive(context.Background(), buf, pml.AnySource, 1)
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		if int(buf[0]) != st.Source {
			t.Fatalf("payload from %d reported as source %d", buf[0], st.Source)
		}
		if want := next[st.Source]; int(buf[1]) != want%256 {
			t.Fatalf("source %d delivered message %d, want %d", st.Source, buf[1], want)
		}
		next[st.Source]++
	}
	wg.Wait()
}

func TestChunkedDeliveryAndTruncation(t *testing.T) {
	world := newTestWorld(t, Config{Size: 2, ChunkSize: 3})
	payload := []byte("0123456789")

	full := make([]byte, len(payload))
	exchangeInto(t, world, 0, 1, 2, payload, full)
	if !bytes.Equal(full, payload) {
		t.Fatalf("chunked delivery produced %q", full)
	}

	short := make([]byte, 4)
	future, err := world.Rank(1).ReceiveAsync(short, 0, 2)
	if err != nil {
		t.Fatalf("ReceiveAsync: %v", err)
	}
	if err := world.Rank(0).Send(context.Background(), 1, 2, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	n, err := future.Await(context.Background())
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if n != len(short) || string(short) != "0123" {
		t.Fatalf("truncated receive n=%d buf=%q", n, short)
	}
	if st, _ := future.Status(); !st.Truncated {
		t.Fatalf("status not truncated: %+v", st)
	}
	if got := world.Rank(1).Stats().ReceiveErrored; got != 1 {
		t.Fatalf("ReceiveErrored = %d, want 1", got)
	}
}

func TestReceiveCancel(t *testing.T) {
	world := newTestWorld(t, Config{Size: 2})
	rank := world.Rank(1)

	future, err := rank.ReceiveAsync(make([]byte, 8), 0, 5)
	if err != nil {
		t.Fatalf("ReceiveAsync: %v", err)
	}
	if err := future.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := future.Await(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if err := future.Cancel(); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}

	stats := rank.Stats()
	if stats.ReceiveCancelled != 1 || stats.Matching.PendingSpecific != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestReceiveTimeoutWithdrawsRequest(t *testing.T) {
	world := newTestWorld(t, Config{Size: 2})
	rank := world.Rank(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := rank.Receive(ctx, make([]byte, 4), 0, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if pending := rank.Stats().Matching.PendingSpecific; pending != 0 {
		t.Fatalf("timed out receive still pending: %d", pending)
	}

	if err := world.Rank(0).Send(context.Background(), 1, 0, []byte("late")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, time.Second, func() bool { return rank.Stats().Matching.UnexpectedQueued == 1 })
}

func TestProbeAndIProbe(t *testing.T) {
	world := newTestWorld(t, Config{Size: 2})
	rank := world.Rank(1)

	if _, ok, err := rank.IProbe(pml.AnySource, pml.AnyTag); err != nil || ok {
		t.Fatalf("IProbe on empty rank: ok=%v err=%v", ok, err)
	}

	probed := make(chan pml.Status, 1)
	go func() {
		st, err := rank.Probe(context.Background(), 0, 4)
		if err != nil {
			t.Errorf("Probe: %v", err)
		}
		probed <- st
	}()

	if err := world.Rank(0).Send(context.Background(), 1, 4, []byte("peek")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case st := <-probed:
		if st.Source != 0 || st.Tag != 4 || st.Count != 4 {
			t.Fatalf("probe status %+v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("probe never completed")
	}

	waitFor(t, time.Second, func() bool { return rank.Stats().Matching.UnexpectedQueued == 1 })
	st, ok, err := rank.IProbe(0, pml.AnyTag)
	if err != nil || !ok || st.Count != 4 {
		t.Fatalf("IProbe after arrival: st=%+v ok=%v err=%v", st, ok, err)
	}

	buf := make([]byte, 4)
	if n, _, err := rank.Receive(context.Background(), buf, 0, 4); err != nil || string(buf[:n]) != "peek" {
		t.Fatalf("receive after probe: n=%d err=%v", n, err)
	}
}

func TestProbeTimeout(t *testing.T) {
	world := newTestWorld(t, Config{Size: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := world.Rank(0).Probe(ctx, 1, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if pending := world.Rank(0).Stats().Matching.PendingSpecific; pending != 0 {
		t.Fatalf("timed out probe still pending: %d", pending)
	}
}

func TestPersistentReceive(t *testing.T) {
	world := newTestWorld(t, Config{Size: 2})
	buf := make([]byte, 8)
	recv, err := world.Rank(1).RecvInit(buf, 0, pml.AnyTag)
	if err != nil {
		t.Fatalf("RecvInit: %v", err)
	}

	for i := 0; i < 3; i++ {
		future, err := recv.Start()
		if err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
		if _, err := recv.Start(); !errors.Is(err, pml.ErrRequestActive) {
			t.Fatalf("Start on pending round: %v", err)
		}
		msg := []byte(fmt.Sprintf("round-%d", i))
		if err := world.Rank(0).Send(context.Background(), 1, i, msg); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		n, err := future.Await(context.Background())
		if err != nil {
			t.Fatalf("Await %d: %v", i, err)
		}
		if string(buf[:n]) != string(msg) {
			t.Fatalf("round %d received %q", i, buf[:n])
		}
		if st, _ := future.Status(); st.Tag != i {
			t.Fatalf("round %d matched tag %d", i, st.Tag)
		}
	}

	if _, err := recv.Start(); err != nil {
		t.Fatalf("final Start: %v", err)
	}
	if err := recv.Free(); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

func TestSendAndReceiveHandlers(t *testing.T) {
	world := newTestWorld(t, Config{Size: 2})
	sender, receiver := world.Rank(0), world.Rank(1)

	sendCh := make(chan SendCompletion, 1)
	unregisterSend := sender.RegisterSendHandler(func(comp SendCompletion) { sendCh <- comp })
	defer unregisterSend()
	recvCh := make(chan ReceiveCompletion, 1)
	unregisterRecv := receiver.RegisterReceiveHandler(func(comp ReceiveCompletion) { recvCh <- comp })
	defer unregisterRecv()

	payload := []byte("handler")
	exchange(t, world, 0, 1, 9, payload)

	select {
	case comp := <-sendCh:
		if comp.Err != nil || comp.Size != len(payload) || comp.Dest != 1 || comp.Tag != 9 {
			t.Fatalf("unexpected send completion %+v", comp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send handler not invoked")
	}
	select {
	case comp := <-recvCh:
		if comp.Err != nil || string(comp.Payload) != string(payload) || comp.Source != 0 || comp.Tag != 9 {
			t.Fatalf("unexpected receive completion %+v", comp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receive handler not invoked")
	}
}

func TestSendValidation(t *testing.T) {
	world := newTestWorld(t, Config{Size: 2})
	if _, err := world.Rank(0).SendAsync(2, 0, nil); !errors.Is(err, pml.ErrInvalidRank) {
		t.Fatalf("expected ErrInvalidRank, got %v", err)
	}
	if _, err := world.Rank(0).SendAsync(1, pml.AnyTag, nil); !errors.Is(err, pml.ErrInvalidTag) {
		t.Fatalf("expected ErrInvalidTag, got %v", err)
	}
	if _, err := world.Rank(0).ReceiveAsync(nil, 5, 0); !errors.Is(err, pml.ErrInvalidRank) {
		t.Fatalf("expected ErrInvalidRank, got %v", err)
	}
	if _, err := Dial(Config{}); err == nil {
		t.Fatal("expected Dial to reject an empty world")
	}
}

func TestZeroLengthMessage(t *testing.T) {
	world := newTestWorld(t, Config{Size: 1})
	future, err := world.Rank(0).ReceiveAsync(nil, 0, 3)
	if err != nil {
		t.Fatalf("ReceiveAsync: %v", err)
	}
	if err := world.Rank(0).Send(context.Background(), 0, 3, nil); err != nil {
		t.Fatalf("Send to self: %v", err)
	}
	n, err := future.Await(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("zero length receive n=%d err=%v", n, err)
	}
}

func TestCloseCancelsPendingReceives(t *testing.T) {
	world, err := Dial(Config{Size: 2})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	future, err := world.Rank(1).ReceiveAsync(make([]byte, 4), pml.AnySource, pml.AnyTag)
	if err != nil {
		t.Fatalf("ReceiveAsync: %v", err)
	}

	if err := world.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := future.Await(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled after Close, got %v", err)
	}
	if err := world.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := world.Rank(0).SendAsync(1, 0, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := world.Rank(1).ReceiveAsync(make([]byte, 1), 0, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCloseAccountsForRacingSends(t *testing.T) {
	logger, logs := newObservedLogger()
	world, err := Dial(Config{Size: 3, InboxDepth: 4, StructuredLogger: logger})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	var accepted sync.WaitGroup
	var mu sync.Mutex
	sent := 0
	for _, src := range []int{0, 2} {
		src := src
		accepted.Add(1)
		go func() {
			defer accepted.Done()
			for i := 0; ; i++ {
				if _, err := world.Rank(src).SendAsync(1, 0, []byte{byte(i)}); err != nil {
					return
				}
				mu.Lock()
				sent++
				mu.Unlock()
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	if err := world.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	accepted.Wait()

	var accounted int64
	found := false
	for _, entry := range logs.FilterMessage("pml client dispatcher").All() {
		fields := entry.ContextMap()
		if fields["event"] != "closed" || asInt(fields["rank"]) != 1 {
			continue
		}
		found = true
		accounted = asInt(fields["dropped"]) + asInt(fields["orphans"])
	}
	if !found {
		t.Fatal("missing closed event for rank 1")
	}
	mu.Lock()
	defer mu.Unlock()
	if sent == 0 {
		t.Fatal("no send was accepted before close")
	}
	if accounted != int64(sent) {
		t.Fatalf("%d sends accepted but rank 1 accounted for %d at close", sent, accounted)
	}
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case uint64:
		return int64(n)
	default:
		return -1
	}
}

func TestWorldStats(t *testing.T) {
	world := newTestWorld(t, Config{Size: 2})
	exchange(t, world, 0, 1, 1, []byte("one"))
	exchange(t, world, 0, 1, 2, []byte("two"))

	sender := world.Rank(0).Stats()
	if sender.SendPosted != 2 || sender.SendCompleted != 2 || sender.SendErrored != 0 {
		t.Fatalf("unexpected sender stats %+v", sender)
	}
	receiver := world.Rank(1).Stats()
	if receiver.ReceivePosted != 2 || receiver.ReceiveMatched != 2 {
		t.Fatalf("unexpected receiver stats %+v", receiver)
	}
	if receiver.Matching.MatchedOnPost+receiver.Matching.MatchedOnArrival != 2 {
		t.Fatalf("unexpected matching stats %+v", receiver.Matching)
	}
}

func TestWorldStructuredLoggingAndTracing(t *testing.T) {
	logger, observedLogs := newObservedLogger()
	tp, recorder := newTestTracerProvider()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()
	metrics := newMetricRecorder()

	world, err := Dial(Config{
		Size:             2,
		Logger:           logger,
		StructuredLogger: logger,
		Tracer:           NewOTelTracer(tp.Tracer("pml-client-test")),
		Metrics:          metrics,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	buf := make([]byte, 16)
	future, err := world.Rank(1).ReceiveAsync(buf, 0, 1)
	if err != nil {
		t.Fatalf("ReceiveAsync: %v", err)
	}
	if err := world.Rank(0).Send(context.Background(), 1, 1, []byte("structured")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := future.Await(context.Background()); err != nil {
		t.Fatalf("Await: %v", err)
	}
	if err := world.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, event := range []string{"start", "arrival", "deliver", "completion", "stop", "closed", "match"} {
		if !waitForLogEvent(observedLogs, event, time.Second) {
			t.Fatalf("missing %q log event", event)
		}
	}
	for _, event := range []string{"start", "arrival", "completion", "stop"} {
		if !spanHasEvent(recorder, event) {
			t.Fatalf("missing %q span event", event)
		}
	}

	_ = logger.Sync()

	snapshot := metrics.Snapshot()
	if snapshot.Counts["dispatcher_started"] != 2 || snapshot.Counts["dispatcher_stopped"] != 2 {
		t.Fatalf("dispatcher metrics missing: %+v", snapshot)
	}
	if snapshot.Counts["enqueued/ok"] != 1 || snapshot.Counts["receive/specific/ok"] != 1 {
		t.Fatalf("completion metrics missing: %+v", snapshot)
	}
	if snapshot.Counts["arrived/claimed"] != 1 || snapshot.Delivered != uint64(len("structured")) {
		t.Fatalf("arrival metrics missing: %+v", snapshot)
	}
	if snapshot.Discarded != 0 || len(snapshot.DispatcherErrors) != 0 {
		t.Fatalf("unexpected failure metrics: %+v", snapshot)
	}
}

func TestMetricsLabelReceiveAndProbeOutcomes(t *testing.T) {
	metrics := newMetricRecorder()
	world := newTestWorld(t, Config{Size: 2, Metrics: metrics})
	sender, receiver := world.Rank(0), world.Rank(1)
	ctx := context.Background()

	if _, found, err := receiver.IProbe(0, 7); err != nil || found {
		t.Fatalf("IProbe on empty queue: found=%v err=%v", found, err)
	}

	short := make([]byte, 4)
	truncated, err := receiver.ReceiveAsync(short, pml.AnySource, 7)
	if err != nil {
		t.Fatalf("ReceiveAsync: %v", err)
	}
	if err := sender.Send(ctx, 1, 7, []byte("12345678")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := truncated.Await(ctx); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}

	if err := sender.Send(ctx, 1, 8, []byte("ok")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := receiver.Probe(ctx, pml.AnySource, 8); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if _, found, err := receiver.IProbe(0, 8); err != nil || !found {
		t.Fatalf("IProbe after arrival: found=%v err=%v", found, err)
	}
	if _, _, err := receiver.Receive(ctx, make([]byte, 2), 0, 8); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	cancelled, err := receiver.ReceiveAsync(make([]byte, 1), 0, 9)
	if err != nil {
		t.Fatalf("ReceiveAsync: %v", err)
	}
	if err := cancelled.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := cancelled.Await(ctx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if err := world.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	snapshot := metrics.Snapshot()
	want := map[string]int{
		"probe/specific/false/miss":  1,
		"probe/specific/false/hit":   1,
		"probe/wild/true/hit":        1,
		"receive/wild/truncated":     1,
		"receive/specific/ok":        1,
		"receive/specific/cancelled": 1,
		"enqueued/ok":                2,
		"arrived/claimed":            1,
		"arrived/unexpected":         1,
	}
	for key, n := range want {
		if got := snapshot.Counts[key]; got != n {
			t.Fatalf("%s = %d, want %d (all: %v)", key, got, n, snapshot.Counts)
		}
	}
	if snapshot.Delivered != 4+2 || snapshot.Discarded != 4 {
		t.Fatalf("payload bytes delivered=%d discarded=%d", snapshot.Delivered, snapshot.Discarded)
	}
}

func newTestWorld(t *testing.T, cfg Config) *World {
	t.Helper()
	world, err := Dial(cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = world.Close() })
	return world
}

func exchange(t *testing.T, world *World, src, dst, tag int, payload []byte) {
	t.Helper()
	buf := make([]byte, len(payload))
	exchangeInto(t, world, src, dst, tag, payload, buf)
	if !bytes.Equal(buf, payload) {
		t.Fatalf("received %q, want %q", buf, payload)
	}
}

func exchangeInto(t *testing.T, world *World, src, dst, tag int, payload, buf []byte) {
	t.Helper()
	future, err := world.Rank(dst).ReceiveAsync(buf, src, tag)
	if err != nil {
		t.Fatalf("ReceiveAsync: %v", err)
	}
	if err := world.Rank(src).Send(context.Background(), dst, tag, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := future.Await(ctx); err != nil {
		t.Fatalf("Await: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return logger.Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

func waitForLogEvent(logs *observer.ObservedLogs, event string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		entries := logs.All()
		for _, entry := range entries {
			if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func spanHasEvent(recorder *tracetest.SpanRecorder, event string) bool {
	for _, span := range recorder.Ended() {
		if span.Name() != "pml-rank-dispatcher" {
			continue
		}
		for _, evt := range span.Events() {
			if evt.Name == event {
				return true
			}
		}
	}
	return false
}

// metricRecorder counts hook calls by event name and the labels that distinguish outcomes.
type metricRecorder struct {
	mu               sync.Mutex
	counts           map[string]int
	dispatcherErrors []string
	delivered        uint64
	discarded        uint64
}

func newMetricRecorder() *metricRecorder {
	return &metricRecorder{counts: make(map[string]int)}
}

func (m *metricRecorder) record(event string, attrs map[string]string, keys ...string) {
	key := event
	for _, k := range keys {
		key += "/" + attrs[k]
	}
	m.mu.Lock()
	m.counts[key]++
	m.mu.Unlock()
}

func (m *metricRecorder) DispatcherStarted(attrs map[string]string) {
	m.record("dispatcher_started", attrs)
}

func (m *metricRecorder) DispatcherStopped(attrs map[string]string) {
	m.record("dispatcher_stopped", attrs)
}

func (m *metricRecorder) DispatcherError(kind string, _ error, _ map[string]string) {
	m.mu.Lock()
	m.dispatcherErrors = append(m.dispatcherErrors, kind)
	m.mu.Unlock()
}

func (m *metricRecorder) FragmentEnqueued(attrs map[string]string) {
	m.record("enqueued", attrs, labelStatus)
}

func (m *metricRecorder) FragmentArrived(attrs map[string]string) {
	m.record("arrived", attrs, labelPath)
}

func (m *metricRecorder) ReceiveCompleted(attrs map[string]string) {
	m.record("receive", attrs, labelMode, labelStatus)
}

func (m *metricRecorder) ProbeCompleted(attrs map[string]string) {
	m.record("probe", attrs, labelMode, labelBlocking, labelStatus)
}

func (m *metricRecorder) PayloadDelivered(delivered, discarded uint64, _ map[string]string) {
	m.mu.Lock()
	m.delivered += delivered
	m.discarded += discarded
	m.mu.Unlock()
}

func (m *metricRecorder) Snapshot() metricSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int, len(m.counts))
	for k, v := range m.counts {
		counts[k] = v
	}
	return metricSnapshot{
		Counts:           counts,
		DispatcherErrors: append([]string(nil), m.dispatcherErrors...),
		Delivered:        m.delivered,
		Discarded:        m.discarded,
	}
}

type metricSnapshot struct {
	Counts           map[string]int
	DispatcherErrors []string
	Delivered        uint64
	Discarded        uint64
}
