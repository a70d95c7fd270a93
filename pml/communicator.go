// Package pml pairs posted receives with arriving message fragments for point-to-point messaging.
package pml

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config controls NewCommunicator behaviour.
type Config struct {
	// Size is the number of ranks in the communicator. Required.
	Size int
	// ID identifies the communicator; a random UUID is generated when zero.
	ID uuid.UUID
	// Completion is the completion domain requests are bound to. Communicators that should be waited
	// on together must share one domain. A private domain is created when nil.
	Completion *Completion
	// MaxTag is the largest explicit tag accepted by Post. Defaults to math.MaxInt32.
	MaxTag int
	// PeerCacheSize bounds the number of cached peer descriptors. Defaults to 2*Size, minimum 16.
	PeerCacheSize int
	// PoolCapacity bounds the number of idle requests kept for reuse. Defaults to 64.
	PoolCapacity int

	Logger           Logger
	StructuredLogger StructuredLogger
	Metrics          MetricHook
}

// Communicator holds the matching state of one communicator: per-source queues of posted receives,
// the wildcard-source queue, per-source queues of unexpected fragments and the sequence counter,
// all guarded by a single matching lock.
type Communicator struct {
	id     uuid.UUID
	size   int
	maxTag int

	mu         sync.Mutex
	seq        uint64
	specific   []fifo[*Request]
	wild       fifo[*Request]
	unexpected []fifo[*Fragment]
	closed     bool

	completion *Completion
	peers      *lru.Cache[peerKey, Peer]
	pool       *RequestPool

	logger     Logger
	structured StructuredLogger
	metrics    MetricHook
	stats      commStats
}

// Stats contains counters and queue depths for a communicator.
type Stats struct {
	Posted           uint64
	MatchedOnPost    uint64
	MatchedOnArrival uint64
	ProbeMatched     uint64
	Unexpected       uint64
	Cancelled        uint64
	Completed        uint64

	PendingSpecific  int
	PendingWild      int
	UnexpectedQueued int
}

type commStats struct {
	posted           atomic.Uint64
	matchedOnPost    atomic.Uint64
	matchedOnArrival atomic.Uint64
	probeMatched     atomic.Uint64
	unexpected       atomic.Uint64
	cancelled        atomic.Uint64
	completed        atomic.Uint64
}

// NewCommunicator constructs the matching state for a communicator of cfg.Size ranks.
func NewCommunicator(cfg Config) (*Communicator, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("pml: communicator size must be positive, got %d", cfg.Size)
	}
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	if cfg.Completion == nil {
		cfg.Completion = NewCompletion()
	}
	if cfg.MaxTag <= 0 {
		cfg.MaxTag = math.MaxInt32
	}
	if cfg.PeerCacheSize <= 0 {
		cfg.PeerCacheSize = 2 * cfg.Size
		if cfg.PeerCacheSize < 16 {
			cfg.PeerCacheSize = 16
		}
	}
	if cfg.PoolCapacity == 0 {
		cfg.PoolCapacity = 64
	}

	peers, err := lru.New[peerKey, Peer](cfg.PeerCacheSize)
	if err != nil {
		return nil, fmt.Errorf("pml: peer cache: %w", err)
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	return &Communicator{
		id:         cfg.ID,
		size:       cfg.Size,
		maxTag:     cfg.MaxTag,
		specific:   make([]fifo[*Request], cfg.Size),
		unexpected: make([]fifo[*Fragment], cfg.Size),
		completion: cfg.Completion,
		peers:      peers,
		pool:       NewRequestPool(cfg.PoolCapacity),
		logger:     cfg.Logger,
		structured: structured,
		metrics:    cfg.Metrics,
	}, nil
}

// ID returns the communicator identity.
func (c *Communicator) ID() uuid.UUID {
	return c.id
}

// Size returns the number of ranks.
func (c *Communicator) Size() int {
	return c.size
}

// Completion returns the completion domain requests of this communicator are bound to.
func (c *Communicator) Completion() *Completion {
	return c.completion
}

// Pool exposes the request pool backing NewRequest.
func (c *Communicator) Pool() *RequestPool {
	return c.pool
}

// NewRequest returns an unposted request bound to the communicator.
func (c *Communicator) NewRequest(kind Kind, source, tag int, buf []byte) (*Request, error) {
	if err := c.validate(source, tag); err != nil {
		return nil, err
	}
	r := c.pool.Acquire()
	r.Kind = kind
	r.Source = source
	r.Tag = tag
	r.Buffer = buf
	r.comm = c
	r.status = Status{Source: AnySource, Tag: AnyTag}
	return r, nil
}

func (c *Communicator) validate(source, tag int) error {
	if source != AnySource && (source < 0 || source >= c.size) {
		return RankError{Rank: source, Size: c.size}
	}
	if tag > c.maxTag {
		return fmt.Errorf("%w: %d exceeds maximum %d", ErrInvalidTag, tag, c.maxTag)
	}
	return nil
}

func (c *Communicator) release(r *Request) {
	d := c.completion
	d.mu.Lock()
	if r.released {
		d.mu.Unlock()
		return
	}
	r.released = true
	d.mu.Unlock()
	c.pool.Release(r)
}

// Stats returns a snapshot of communicator counters and queue depths.
func (c *Communicator) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	s := Stats{
		Posted:           c.stats.posted.Load(),
		MatchedOnPost:    c.stats.matchedOnPost.Load(),
		MatchedOnArrival: c.stats.matchedOnArrival.Load(),
		ProbeMatched:     c.stats.probeMatched.Load(),
		Unexpected:       c.stats.unexpected.Load(),
		Cancelled:        c.stats.cancelled.Load(),
		Completed:        c.stats.completed.Load(),
	}
	c.mu.Lock()
	for i := range c.specific {
		s.PendingSpecific += c.specific[i].len()
		s.UnexpectedQueued += c.unexpected[i].len()
	}
	s.PendingWild = c.wild.len()
	c.mu.Unlock()
	return s
}

// Close tears down the matching state. Posted receives still waiting for a fragment complete as
// cancelled. Unexpected fragments that were never claimed are returned so the transport that owns
// them can dispose of them. Closing twice returns no fragments.
func (c *Communicator) Close() []*Fragment {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var pending []*Request
	for i := range c.specific {
		pending = append(pending, c.specific[i].drain()...)
	}
	pending = append(pending, c.wild.drain()...)
	var orphans []*Fragment
	for i := range c.unexpected {
		orphans = append(orphans, c.unexpected[i].drain()...)
	}
	for _, r := range pending {
		r.elem = nil
		r.queued = nil
	}
	for _, f := range orphans {
		f.elem = nil
	}
	c.mu.Unlock()

	for _, r := range pending {
		c.cancelUnmatched(r)
	}
	c.peers.Purge()
	c.pool.Close()
	c.logEvent("close", logKV("cancelled", len(pending)), logKV("orphans", len(orphans)))
	return orphans
}
