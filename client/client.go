package client

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/rocketbitz/pml-go/pml"
)

var (
	// ErrClosed indicates the world or rank has already been closed.
	ErrClosed = errors.New("pml client: closed")
	// ErrCancelled indicates a receive was cancelled before it matched a message.
	ErrCancelled = errors.New("pml client: receive cancelled")
	// ErrTruncated indicates a message was longer than the receive buffer.
	ErrTruncated = errors.New("pml client: message truncated")
)

// Config controls Dial behaviour for the loopback World.
type Config struct {
	// Size is the number of ranks. Required.
	Size int
	// Timeout bounds blocking calls whose context carries no deadline. Defaults to 5s; negative
	// disables it.
	Timeout time.Duration
	// ChunkSize is the delivery granularity of the loopback transport. Defaults to 4096.
	ChunkSize int
	// InboxDepth is the number of in-flight fragments a rank buffers before senders block.
	// Defaults to 1024.
	InboxDepth int
	// MaxTag is forwarded to every communicator.
	MaxTag int
	// PoolCapacity is forwarded to every communicator.
	PoolCapacity int

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
	// MatchMetrics receives matching engine telemetry from every rank.
	MatchMetrics pml.MetricHook
}

// World is an in-process group of ranks sharing one communicator identity. Messages travel through
// a loopback transport that feeds each rank's matching engine.
type World struct {
	cfg    Config
	id     uuid.UUID
	ranks  []*Rank
	closed atomic.Bool

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
}

// Logger provides printf-style debug logging hooks.
type Logger = pml.Logger

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger = pml.StructuredLogger

// TraceAttribute represents a tracing attribute attached to dispatcher spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap dispatcher activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records dispatcher lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures dispatcher and message telemetry events. Attribute maps carry the world and
// rank labels plus the event-specific labels documented on each method.
type MetricHook interface {
	DispatcherStarted(attrs map[string]string)
	DispatcherStopped(attrs map[string]string)
	DispatcherError(kind string, err error, attrs map[string]string)
	// FragmentEnqueued counts sends by the sending rank; status is ok, closed, timeout or error.
	FragmentEnqueued(attrs map[string]string)
	// FragmentArrived counts fragments handed to the matching engine; path is claimed or unexpected.
	FragmentArrived(attrs map[string]string)
	// ReceiveCompleted counts resolved receives by mode (specific, wild) and status (ok, cancelled,
	// truncated, error).
	ReceiveCompleted(attrs map[string]string)
	// ProbeCompleted counts probes by mode, blocking and status (hit, miss, cancelled, timeout).
	ProbeCompleted(attrs map[string]string)
	// PayloadDelivered reports the bytes copied into a receive buffer and the bytes that did not fit.
	PayloadDelivered(delivered, discarded uint64, attrs map[string]string)
}

// Dial builds a World of cfg.Size ranks and starts their dispatchers.
func Dial(cfg Config) (*World, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("pml client: world size must be positive, got %d", cfg.Size)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 4096
	}
	if cfg.InboxDepth <= 0 {
		cfg.InboxDepth = 1024
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	w := &World{
		cfg:              cfg,
		id:               uuid.New(),
		logger:           cfg.Logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}
	w.ranks = make([]*Rank, cfg.Size)
	for i := range w.ranks {
		comm, err := pml.NewCommunicator(pml.Config{
			Size:             cfg.Size,
			ID:               w.id,
			MaxTag:           cfg.MaxTag,
			PoolCapacity:     cfg.PoolCapacity,
			Logger:           cfg.Logger,
			StructuredLogger: structured,
			Metrics:          cfg.MatchMetrics,
		})
		if err != nil {
			for _, r := range w.ranks[:i] {
				r.comm.Close()
			}
			return nil, fmt.Errorf("rank %d communicator: %w", i, err)
		}
		w.ranks[i] = newRank(w, i, comm)
	}
	for _, r := range w.ranks {
		r.span = r.startDispatcherSpan()
		r.wg.Add(1)
		go r.dispatch()
	}
	return w, nil
}

// ID returns the communicator identity shared by every rank.
func (w *World) ID() uuid.UUID {
	return w.id
}

// Size returns the number of ranks.
func (w *World) Size() int {
	return len(w.ranks)
}

// Rank returns rank i, or nil when i is out of range.
func (w *World) Rank(i int) *Rank {
	if w == nil || i < 0 || i >= len(w.ranks) {
		return nil
	}
	return w.ranks[i]
}

// Ranks returns every rank in order.
func (w *World) Ranks() []*Rank {
	return append([]*Rank(nil), w.ranks...)
}

// Close stops every dispatcher, cancels pending receives and discards undelivered messages.
func (w *World) Close() error {
	if w == nil {
		return nil
	}
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	for _, r := range w.ranks {
		err = multierr.Append(err, r.close())
	}
	return err
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (w *World) metricAttrs(rank int, fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+2)
	attrs[labelWorld] = w.id.String()
	attrs[labelRank] = fmt.Sprint(rank)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (w *World) logEvent(rank int, event string, fields ...logField) {
	if w == nil {
		return
	}
	if w.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+4)
		kv = append(kv, "event", event, labelRank, rank)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		w.structuredLogger.Debugw("pml client dispatcher", kv...)
		return
	}
	if w.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	w.logger.Debugf("client rank=%d %s", rank, b.String())
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}
