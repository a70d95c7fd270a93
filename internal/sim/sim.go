package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"text/tabwriter"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/pml-go/client"
	"github.com/rocketbitz/pml-go/pml"
)

const headerSize = 8

var (
	// ErrOutOfOrder indicates a message overtook an earlier one from the same source.
	ErrOutOfOrder = errors.New("sim: message out of order")
	// ErrCorrupt indicates a payload that does not match its envelope.
	ErrCorrupt = errors.New("sim: corrupt message")
	// ErrLeftover indicates messages still queued after every rank received its share.
	ErrLeftover = errors.New("sim: undelivered messages remain")
)

// Options wires telemetry into a run.
type Options struct {
	Logger        *zap.Logger
	ClientMetrics client.MetricHook
	MatchMetrics  pml.MetricHook
}

// Summary reports the outcome of a run.
type Summary struct {
	Ranks            int
	Sent             int
	Received         int
	Specific         int
	Wild             int
	Probed           int
	Unexpected       uint64
	MatchedOnPost    uint64
	MatchedOnArrival uint64
	Duration         time.Duration
}

type tally struct {
	received int
	specific int
	wild     int
	probed   int
}

// Run executes sc: every rank sends its messages from one goroutine and receives its share from
// another. It fails on the first ordering or payload violation.
func Run(ctx context.Context, sc Scenario, opts Options) (summary Summary, err error) {
	if err := sc.Validate(); err != nil {
		return Summary{}, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if sc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sc.Timeout)
		defer cancel()
	}

	world, err := client.Dial(client.Config{
		Size:             sc.Ranks,
		Timeout:          sc.Timeout,
		ChunkSize:        sc.ChunkSize,
		InboxDepth:       sc.InboxDepth,
		StructuredLogger: logger.Sugar(),
		Metrics:          opts.ClientMetrics,
		MatchMetrics:     opts.MatchMetrics,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("dial world: %w", err)
	}
	defer func() {
		err = multierr.Append(err, world.Close())
	}()

	logger.Info("simulation started",
		zap.Stringer("world", world.ID()),
		zap.Int("ranks", sc.Ranks),
		zap.Int("messages", sc.Messages),
		zap.Float64("wild_ratio", sc.WildRatio),
		zap.Float64("probe_ratio", sc.ProbeRatio),
	)

	start := time.Now()
	tallies := make([]tally, sc.Ranks)
	g, gctx := errgroup.WithContext(ctx)
	for i, rank := range world.Ranks() {
		i, rank := i, rank
		g.Go(func() error {
			return send(gctx, sc, rank)
		})
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(sc.Seed, uint64(i)))
			return receive(gctx, sc, rank, rng, &tallies[i])
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}

	summary = Summary{Ranks: sc.Ranks, Sent: sc.Ranks * sc.Expected(), Duration: time.Since(start)}
	for i, rank := range world.Ranks() {
		t := tallies[i]
		summary.Received += t.received
		summary.Specific += t.specific
		summary.Wild += t.wild
		summary.Probed += t.probed

		stats := rank.Stats()
		summary.Unexpected += stats.Matching.Unexpected
		summary.MatchedOnPost += stats.Matching.MatchedOnPost
		summary.MatchedOnArrival += stats.Matching.MatchedOnArrival
		if stats.Matching.UnexpectedQueued != 0 {
			return summary, fmt.Errorf("%w: rank %d holds %d", ErrLeftover, i, stats.Matching.UnexpectedQueued)
		}
		logger.Debug("rank finished",
			zap.Int("rank", i),
			zap.Int("received", t.received),
			zap.Uint64("unexpected", stats.Matching.Unexpected),
		)
	}
	logger.Info("simulation finished",
		zap.Int("received", summary.Received),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

func send(ctx context.Context, sc Scenario, rank *client.Rank) error {
	self := rank.ID()
	for seq := 0; seq < sc.Messages; seq++ {
		payload := encode(self, seq, sc.PayloadSize)
		for dest := 0; dest < sc.Ranks; dest++ {
			if dest == self {
				continue
			}
			if err := rank.Send(ctx, dest, tagFor(sc, seq), payload); err != nil {
				return fmt.Errorf("rank %d send %d to %d: %w", self, seq, dest, err)
			}
		}
	}
	return nil
}

// receive drains the rank's share. Messages from one source are consumed in send order whatever
// the mix of receive modes, so a specific receive for the next sequence of a source always claims
// exactly that message.
func receive(ctx context.Context, sc Scenario, rank *client.Rank, rng *rand.Rand, t *tally) error {
	self := rank.ID()
	next := make([]int, sc.Ranks)
	buf := make([]byte, sc.PayloadSize)
	for remaining := sc.Expected(); remaining > 0; remaining-- {
		source, tag := pml.AnySource, pml.AnyTag
		switch {
		case rng.Float64() < sc.ProbeRatio:
			st, err := rank.Probe(ctx, pml.AnySource, pml.AnyTag)
			if err != nil {
				return fmt.Errorf("rank %d probe: %w", self, err)
			}
			source, tag = st.Source, st.Tag
			t.probed++
		case rng.Float64() < sc.WildRatio:
			t.wild++
		default:
			source = pickSource(rng, sc, next, self)
			tag = tagFor(sc, next[source])
			t.specific++
		}

		n, st, err := rank.Receive(ctx, buf, source, tag)
		if err != nil {
			return fmt.Errorf("rank %d receive from %d tag %d: %w", self, source, tag, err)
		}
		if err := check(sc, buf[:n], st, next); err != nil {
			return fmt.Errorf("rank %d: %w", self, err)
		}
		next[st.Source]++
		t.received++
	}
	return nil
}

func check(sc Scenario, payload []byte, st pml.Status, next []int) error {
	if len(payload) != sc.PayloadSize {
		return fmt.Errorf("%w: length %d, want %d", ErrCorrupt, len(payload), sc.PayloadSize)
	}
	src, seq := decode(payload)
	if src != st.Source {
		return fmt.Errorf("%w: payload from %d reported as %d", ErrCorrupt, src, st.Source)
	}
	if st.Tag != tagFor(sc, seq) {
		return fmt.Errorf("%w: message %d from %d carried tag %d", ErrCorrupt, seq, src, st.Tag)
	}
	for _, b := range payload[headerSize:] {
		if b != byte(seq) {
			return fmt.Errorf("%w: message %d from %d has a damaged body", ErrCorrupt, seq, src)
		}
	}
	if seq != next[src] {
		return fmt.Errorf("%w: got %d from %d, want %d", ErrOutOfOrder, seq, src, next[src])
	}
	return nil
}

func pickSource(rng *rand.Rand, sc Scenario, next []int, self int) int {
	candidates := make([]int, 0, len(next))
	for src, n := range next {
		if src != self && n < sc.Messages {
			candidates = append(candidates, src)
		}
	}
	return candidates[rng.IntN(len(candidates))]
}

func tagFor(sc Scenario, seq int) int {
	return seq % sc.Tags
}

func encode(src, seq, size int) []byte {
	payload := make([]byte, size)
	binary.BigEndian.PutUint32(payload[0:4], uint32(src))
	binary.BigEndian.PutUint32(payload[4:8], uint32(seq))
	for i := headerSize; i < size; i++ {
		payload[i] = byte(seq)
	}
	return payload
}

func decode(payload []byte) (src, seq int) {
	return int(binary.BigEndian.Uint32(payload[0:4])), int(binary.BigEndian.Uint32(payload[4:8]))
}

// Print writes a human readable summary.
func (s Summary) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := []struct {
		name  string
		value any
	}{
		{"ranks", s.Ranks},
		{"sent", s.Sent},
		{"received", s.Received},
		{"specific receives", s.Specific},
		{"wildcard receives", s.Wild},
		{"probed receives", s.Probed},
		{"unexpected arrivals", s.Unexpected},
		{"matched on post", s.MatchedOnPost},
		{"matched on arrival", s.MatchedOnArrival},
		{"duration", s.Duration.Round(time.Microsecond)},
	}
	for _, row := range rows {
		if _, err := fmt.Fprintf(tw, "%s\t%v\n", row.name, row.value); err != nil {
			return err
		}
	}
	return tw.Flush()
}
