package handler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"relayq/internal/batch"
	"relayq/internal/config"
	"relayq/pkg/models"
)

var ErrInjectedFault = errors.New("injected fault")

// FaultSource decides whether a handler invocation should fail.
type FaultSource interface {
	ShouldFail(msg *models.Message) bool
}

// Probability fails each invocation with probability p, drawn from a
// seeded generator so runs are reproducible.
type Probability struct {
	mu  sync.Mutex
	rng *rand.Rand
	p   float64
}

func NewProbability(p float64, seed int64) *Probability {
	return &Probability{rng: rand.New(rand.NewSource(seed)), p: p}
}

func (s *Probability) ShouldFail(*models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.p
}

// IDs fails every invocation for the listed message ids.
type IDs map[string]struct{}

func NewIDs(ids ...string) IDs {
	set := make(IDs, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s IDs) ShouldFail(msg *models.Message) bool {
	_, ok := s[msg.ID]
	return ok
}

// EveryNth fails the n-th, 2n-th, ... invocation.
type EveryNth struct {
	n     uint64
	count atomic.Uint64
}

func NewEveryNth(n int) *EveryNth {
	return &EveryNth{n: uint64(n)}
}

func (s *EveryNth) ShouldFail(*models.Message) bool {
	if s.n == 0 {
		return false
	}
	return s.count.Add(1)%s.n == 0
}

// Any fails when at least one of its sources does. Every source is
// consulted so counters stay in step.
type Any []FaultSource

func (a Any) ShouldFail(msg *models.Message) bool {
	fail := false
	for _, s := range a {
		if s.ShouldFail(msg) {
			fail = true
		}
	}
	return fail
}

// FaultSourceFrom returns nil when cfg configures no fault.
func FaultSourceFrom(cfg config.FaultInjectionConfig) FaultSource {
	var sources Any
	if cfg.Probability > 0 {
		sources = append(sources, NewProbability(cfg.Probability, cfg.Seed))
	}
	if len(cfg.FailIDs) > 0 {
		sources = append(sources, NewIDs(cfg.FailIDs...))
	}
	if cfg.EveryNth > 0 {
		sources = append(sources, NewEveryNth(cfg.EveryNth))
	}

	switch len(sources) {
	case 0:
		return nil
	case 1:
		return sources[0]
	default:
		return sources
	}
}

// FaultInjector fails invocations chosen by its source before they reach
// next.
type FaultInjector struct {
	next   batch.Handler
	source FaultSource
}

func NewFaultInjector(next batch.Handler, source FaultSource) *FaultInjector {
	return &FaultInjector{next: next, source: source}
}

func (f *FaultInjector) Handle(ctx context.Context, msg *models.Message) error {
	if f.source != nil && f.source.ShouldFail(msg) {
		return fmt.Errorf("%w for message %s", ErrInjectedFault, msg.ID)
	}
	return f.next.Handle(ctx, msg)
}

// Wrap returns next unchanged when source is nil.
func Wrap(next batch.Handler, source FaultSource) batch.Handler {
	if source == nil {
		return next
	}
	return NewFaultInjector(next, source)
}
