// Package sim drives a loopback world through a randomized message exchange and checks that every
// message is received exactly once and in per-source order.
package sim

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Common errors for scenario loading.
var (
	ErrFileNotFound = errors.New("scenario file not found")
	ErrEmptyFile    = errors.New("scenario file is empty")
	ErrInvalidYAML  = errors.New("invalid YAML syntax")
	ErrInvalid      = errors.New("invalid scenario")
)

// Scenario describes one simulation run.
type Scenario struct {
	// Ranks is the world size.
	Ranks int `yaml:"ranks"`
	// Messages is the number of messages every rank sends to every other rank.
	Messages int `yaml:"messages"`
	// Tags is the number of distinct tags cycled through by senders.
	Tags int `yaml:"tags"`
	// PayloadSize is the message length in bytes, at least 8 to hold the sequence header.
	PayloadSize int `yaml:"payload_size"`
	// WildRatio is the share of receives posted with both wildcards.
	WildRatio float64 `yaml:"wild_ratio"`
	// ProbeRatio is the share of receives preceded by a blocking wildcard probe.
	ProbeRatio  float64       `yaml:"probe_ratio"`
	ChunkSize   int           `yaml:"chunk_size"`
	InboxDepth  int           `yaml:"inbox_depth"`
	Seed        uint64        `yaml:"seed"`
	Timeout     time.Duration `yaml:"timeout"`
	Description string        `yaml:"description,omitempty"`
}

// DefaultScenario returns the scenario used when no file is given.
func DefaultScenario() Scenario {
	return Scenario{
		Ranks:       4,
		Messages:    100,
		Tags:        8,
		PayloadSize: 32,
		WildRatio:   0.25,
		ProbeRatio:  0.1,
		ChunkSize:   16,
		InboxDepth:  256,
		Seed:        1,
		Timeout:     30 * time.Second,
	}
}

// LoadScenario reads a YAML scenario from path. Fields missing from the file keep their defaults.
func LoadScenario(path string) (Scenario, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Scenario{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return Scenario{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		return Scenario{}, fmt.Errorf("failed to read file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Scenario{}, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}
	return ParseScenario(data)
}

// ParseScenario decodes YAML over DefaultScenario and validates the result.
func ParseScenario(data []byte) (Scenario, error) {
	sc := DefaultScenario()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil && !errors.Is(err, io.EOF) {
		return Scenario{}, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	if err := sc.Validate(); err != nil {
		return Scenario{}, err
	}
	return sc, nil
}

// Validate reports the first field outside its allowed range.
func (s Scenario) Validate() error {
	switch {
	case s.Ranks < 1:
		return fmt.Errorf("%w: ranks must be positive, got %d", ErrInvalid, s.Ranks)
	case s.Messages < 0:
		return fmt.Errorf("%w: messages must not be negative, got %d", ErrInvalid, s.Messages)
	case s.Tags < 1:
		return fmt.Errorf("%w: tags must be positive, got %d", ErrInvalid, s.Tags)
	case s.PayloadSize < headerSize:
		return fmt.Errorf("%w: payload_size must be at least %d, got %d", ErrInvalid, headerSize, s.PayloadSize)
	case s.WildRatio < 0 || s.WildRatio > 1:
		return fmt.Errorf("%w: wild_ratio must be within [0,1], got %v", ErrInvalid, s.WildRatio)
	case s.ProbeRatio < 0 || s.ProbeRatio > 1:
		return fmt.Errorf("%w: probe_ratio must be within [0,1], got %v", ErrInvalid, s.ProbeRatio)
	case s.ChunkSize < 0 || s.InboxDepth < 0:
		return fmt.Errorf("%w: chunk_size and inbox_depth must not be negative", ErrInvalid)
	}
	return nil
}

// Expected is the number of messages every rank receives.
func (s Scenario) Expected() int {
	if s.Ranks < 2 {
		return 0
	}
	return (s.Ranks - 1) * s.Messages
}
