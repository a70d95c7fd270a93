package pml

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// recordingTransport records claimed fragments and, when deliver is set, completes the claiming
// request with the full fragment length.
type recordingTransport struct {
	name    string
	deliver bool

	mu       sync.Mutex
	matched  []*Fragment
	claims   map[*Fragment]int
	resolved map[int]int
}

func newRecordingTransport(deliver bool) *recordingTransport {
	return &recordingTransport{
		name:     "loop",
		deliver:  deliver,
		claims:   make(map[*Fragment]int),
		resolved: make(map[int]int),
	}
}

func (t *recordingTransport) Name() string { return t.name }

func (t *recordingTransport) ResolvePeer(_ uuid.UUID, rank int) Peer {
	t.mu.Lock()
	t.resolved[rank]++
	t.mu.Unlock()
	return fmt.Sprintf("peer-%d", rank)
}

func (t *recordingTransport) Matched(frag *Fragment) {
	t.mu.Lock()
	t.matched = append(t.matched, frag)
	t.claims[frag]++
	t.mu.Unlock()
	if t.deliver {
		req := frag.Request
		req.Communicator().Progress(req, frag.Header.Length, frag.Header.Length)
	}
}

func (t *recordingTransport) matchedFragments() []*Fragment {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Fragment(nil), t.matched...)
}

func (t *recordingTransport) resolveCount(rank int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolved[rank]
}

func (t *recordingTransport) fragment(source, tag int, length uint64) *Fragment {
	return &Fragment{
		Header:  Header{Source: source, Tag: tag, Length: length},
		Payload: make([]byte, length),
		Owner:   t,
	}
}

func newTestComm(t *testing.T, size int, cfg ...func(*Config)) *Communicator {
	t.Helper()
	c := Config{Size: size}
	for _, fn := range cfg {
		fn(&c)
	}
	comm, err := NewCommunicator(c)
	if err != nil {
		t.Fatalf("NewCommunicator: %v", err)
	}
	t.Cleanup(func() { comm.Close() })
	return comm
}

func mustRequest(t *testing.T, comm *Communicator, kind Kind, source, tag int) *Request {
	t.Helper()
	req, err := comm.NewRequest(kind, source, tag, nil)
	if err != nil {
		t.Fatalf("NewRequest(%v, %d, %d): %v", kind, source, tag, err)
	}
	return req
}

func mustPost(t *testing.T, comm *Communicator, kind Kind, source, tag int) *Request {
	t.Helper()
	req := mustRequest(t, comm, kind, source, tag)
	if err := comm.Post(req); err != nil {
		t.Fatalf("Post(%v, %d, %d): %v", kind, source, tag, err)
	}
	return req
}

func mustArrive(t *testing.T, comm *Communicator, frag *Fragment) bool {
	t.Helper()
	claimed, err := comm.MatchFragment(frag)
	if err != nil {
		t.Fatalf("MatchFragment: %v", err)
	}
	return claimed
}

func mustStatus(t *testing.T, req *Request) Status {
	t.Helper()
	st, ok := req.Status()
	if !ok {
		t.Fatalf("request %v source=%d tag=%d not complete", req.Kind, req.Source, req.Tag)
	}
	return st
}

type metricRecorder struct {
	mu         sync.Mutex
	posted     int
	matched    map[string]int
	probes     int
	unexpected int
	cancelled  int
	completed  map[string]int
}

func newMetricRecorder() *metricRecorder {
	return &metricRecorder{matched: make(map[string]int), completed: make(map[string]int)}
}

func (m *metricRecorder) ReceivePosted(_ map[string]string) {
	m.mu.Lock()
	m.posted++
	m.mu.Unlock()
}

func (m *metricRecorder) ReceiveMatched(attrs map[string]string) {
	m.mu.Lock()
	m.matched[attrs[labelPath]]++
	m.mu.Unlock()
}

func (m *metricRecorder) ProbeMatched(_ map[string]string) {
	m.mu.Lock()
	m.probes++
	m.mu.Unlock()
}

func (m *metricRecorder) FragmentUnexpected(_ map[string]string) {
	m.mu.Lock()
	m.unexpected++
	m.mu.Unlock()
}

func (m *metricRecorder) ReceiveCancelled(_ map[string]string) {
	m.mu.Lock()
	m.cancelled++
	m.mu.Unlock()
}

func (m *metricRecorder) RequestCompleted(attrs map[string]string) {
	m.mu.Lock()
	m.completed[attrs[labelStatus]]++
	m.mu.Unlock()
}
