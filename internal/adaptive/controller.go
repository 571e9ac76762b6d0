// Package adaptive retunes batch size, concurrency and the batch fill window
// from a rolling history of per-cycle outcomes.
package adaptive

import (
	"sync"
	"time"

	"relayq/internal/config"
	"relayq/internal/logger"
	"relayq/internal/rolling"
	"relayq/pkg/metrics"
)

const (
	DefaultProcessingWindow = 100 * time.Millisecond
	DefaultBatchSize        = 10
	DefaultConcurrentLimit  = 5
	DefaultErrorThreshold   = 0.2
	DefaultHistorySize      = 10
)

// Adjustment thresholds.
const (
	lowThroughput     = 0.2
	highErrorCount    = 2
	windowShrink      = 0.9
	windowGrow        = 1.1
	highReliability   = 0.85
	lowReliability    = 0.7
	batchStep         = 2
	highQuality       = 0.75
	lowQuality        = 0.65
	concurrencyStep   = 1
	reliabilityTarget = 0.8
	throughputTarget  = 0.7
)

type Parameters struct {
	ProcessingWindow time.Duration `json:"processing_window"`
	BatchSize        int           `json:"batch_size"`
	ConcurrentLimit  int           `json:"concurrent_limit"`
	ErrorThreshold   float64       `json:"error_threshold"`
}

func DefaultParameters() Parameters {
	return Parameters{
		ProcessingWindow: DefaultProcessingWindow,
		BatchSize:        DefaultBatchSize,
		ConcurrentLimit:  DefaultConcurrentLimit,
		ErrorThreshold:   DefaultErrorThreshold,
	}
}

func ParametersFromConfig(cfg config.ControlParametersConfig) Parameters {
	return Parameters{
		ProcessingWindow: cfg.ProcessingWindow,
		BatchSize:        cfg.BatchSize,
		ConcurrentLimit:  cfg.ConcurrentLimit,
		ErrorThreshold:   cfg.ErrorThreshold,
	}
}

// Clamp forces every parameter into its floor/ceiling.
func (p Parameters) Clamp() Parameters {
	p.ProcessingWindow = clamp(p.ProcessingWindow, config.MinProcessingWindow, config.MaxProcessingWindow)
	p.BatchSize = clamp(p.BatchSize, config.MinBatchSize, config.MaxBatchSize)
	p.ConcurrentLimit = clamp(p.ConcurrentLimit, config.MinConcurrentLimit, config.MaxConcurrentLimit)
	p.ErrorThreshold = clamp(p.ErrorThreshold, config.MinErrorThreshold, config.MaxErrorThreshold)
	return p
}

func clamp[T int | float64 | time.Duration](v, lo, hi T) T {
	return max(lo, min(v, hi))
}

// Sample is one cycle's entry in the rolling history.
type Sample struct {
	Epoch       uint64    `json:"epoch"`
	Quality     float64   `json:"quality"`
	Reliability float64   `json:"reliability"`
	Throughput  float64   `json:"throughput"`
	ErrorCount  int       `json:"error_count"`
	ErrorRate   float64   `json:"error_rate"`
	Degraded    bool      `json:"degraded"`
	ObservedAt  time.Time `json:"observed_at"`
}

// CycleReport is the aggregated outcome of one consumer cycle.
type CycleReport struct {
	Epoch     uint64
	Processed int
	Failed    int
	Elapsed   time.Duration
}

// SampleFrom derives quality, reliability and throughput from a report.
// Quality and reliability are 0 when the cycle handled no messages.
func SampleFrom(r CycleReport) Sample {
	s := Sample{
		Epoch:      r.Epoch,
		ErrorCount: r.Failed,
	}
	total := r.Processed + r.Failed
	if total > 0 {
		s.Quality = float64(r.Processed) / float64(total)
		s.Reliability = 1 - float64(r.Failed)/float64(total)
		s.ErrorRate = float64(r.Failed) / float64(total)
	}
	if r.Elapsed > 0 {
		s.Throughput = float64(r.Processed) / r.Elapsed.Seconds()
	}
	return s
}

type Trend struct {
	Throughput  float64 `json:"throughput"`
	Reliability float64 `json:"reliability"`
	Quality     float64 `json:"quality"`
}

type MetricSummary struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type Summary struct {
	Samples     int           `json:"samples"`
	Quality     MetricSummary `json:"quality"`
	Reliability MetricSummary `json:"reliability"`
	Throughput  MetricSummary `json:"throughput"`
	ErrorCount  MetricSummary `json:"error_count"`
}

// Snapshot is the controller state served on /controller.
type Snapshot struct {
	Parameters     Parameters `json:"parameters"`
	Cycles         uint64     `json:"cycles"`
	DegradedCycles uint64     `json:"degraded_cycles"`
	Last           *Sample    `json:"last,omitempty"`
	Trend          Trend      `json:"trend"`
	Summary        Summary    `json:"summary"`
	Suggestions    []string   `json:"suggestions"`
}

type Option func(*Controller)

func WithLogger(log logger.Logger) Option {
	return func(c *Controller) { c.logger = log }
}

func WithHistorySize(n int) Option {
	return func(c *Controller) { c.history = rolling.NewWindow[Sample](n) }
}

func WithNowFunc(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

type Controller struct {
	mu       sync.RWMutex
	params   Parameters
	history  *rolling.Window[Sample]
	cycles   uint64
	degraded uint64
	logger   logger.Logger
	now      func() time.Time
}

// NewController starts from initial, clamped to the parameter bounds.
func NewController(initial Parameters, opts ...Option) *Controller {
	c := &Controller{
		params:  initial.Clamp(),
		history: rolling.NewWindow[Sample](DefaultHistorySize),
		logger:  logger.NopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	metrics.SetControllerParameters(c.params.ProcessingWindow, c.params.BatchSize, c.params.ConcurrentLimit, c.params.ErrorThreshold)
	return c
}

func (c *Controller) Parameters() Parameters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params
}

// Observe derives a sample from r and applies it.
func (c *Controller) Observe(r CycleReport) Parameters {
	return c.Apply(SampleFrom(r))
}

// Apply records s in the history and adjusts the parameters for the next
// cycle. The returned parameters are the ones now in effect.
func (c *Controller) Apply(s Sample) Parameters {
	c.mu.Lock()
	if s.ObservedAt.IsZero() {
		s.ObservedAt = c.now()
	}
	s.Degraded = s.ErrorRate > c.params.ErrorThreshold
	c.history.Push(s)
	c.cycles++
	if s.Degraded {
		c.degraded++
	}

	before := c.params
	next := adjust(before, s)
	c.params = next
	c.mu.Unlock()

	metrics.SetControllerSample(s.Quality, s.Reliability, s.Throughput, s.ErrorCount)
	metrics.SetControllerParameters(next.ProcessingWindow, next.BatchSize, next.ConcurrentLimit, next.ErrorThreshold)
	if s.Degraded {
		metrics.ControllerDegradedCyclesTotal.Inc()
		c.logger.Warnw("Cycle error rate above threshold",
			"epoch", s.Epoch,
			"error_rate", s.ErrorRate,
			"error_threshold", next.ErrorThreshold,
		)
	}
	if next != before {
		c.logger.Debugw("Control parameters adjusted",
			"epoch", s.Epoch,
			"processing_window", next.ProcessingWindow,
			"batch_size", next.BatchSize,
			"concurrent_limit", next.ConcurrentLimit,
		)
	}
	return next
}

func adjust(p Parameters, s Sample) Parameters {
	switch {
	case s.Throughput < lowThroughput:
		p.ProcessingWindow = time.Duration(float64(p.ProcessingWindow) * windowShrink)
	case s.ErrorCount > highErrorCount:
		p.ProcessingWindow = time.Duration(float64(p.ProcessingWindow) * windowGrow)
	}

	switch {
	case s.Reliability > highReliability:
		p.BatchSize += batchStep
	case s.Reliability < lowReliability:
		p.BatchSize -= batchStep
	}

	switch {
	case s.Quality > highQuality:
		p.ConcurrentLimit += concurrencyStep
	case s.Quality < lowQuality:
		p.ConcurrentLimit -= concurrencyStep
	}

	return p.Clamp()
}

func (c *Controller) History() []Sample {
	return c.history.Values()
}

func (c *Controller) Trend() Trend {
	return trendOf(c.history.Values())
}

func trendOf(samples []Sample) Trend {
	throughput, reliability, quality := series(samples)
	return Trend{
		Throughput:  rolling.Trend(throughput),
		Reliability: rolling.Trend(reliability),
		Quality:     rolling.Trend(quality),
	}
}

func series(samples []Sample) (throughput, reliability, quality []float64) {
	throughput = make([]float64, len(samples))
	reliability = make([]float64, len(samples))
	quality = make([]float64, len(samples))
	for i, s := range samples {
		throughput[i] = s.Throughput
		reliability[i] = s.Reliability
		quality[i] = s.Quality
	}
	return throughput, reliability, quality
}

func (c *Controller) Summary() Summary {
	return summaryOf(c.history.Values())
}

func summaryOf(samples []Sample) Summary {
	throughput, reliability, quality := series(samples)
	errors := make([]int, len(samples))
	for i, s := range samples {
		errors[i] = s.ErrorCount
	}
	return Summary{
		Samples:     len(samples),
		Quality:     summarize(quality),
		Reliability: summarize(reliability),
		Throughput:  summarize(throughput),
		ErrorCount: MetricSummary{
			Avg: rolling.Mean(errors),
			Min: float64(rolling.Min(errors)),
			Max: float64(rolling.Max(errors)),
		},
	}
}

func summarize(values []float64) MetricSummary {
	return MetricSummary{
		Avg: rolling.Mean(values),
		Min: rolling.Min(values),
		Max: rolling.Max(values),
	}
}

// Suggestions lists operator hints derived from the trends and the latest
// cycle. It is empty until at least one cycle was observed.
func (c *Controller) Suggestions() []string {
	return suggestionsOf(c.history.Values())
}

func suggestionsOf(samples []Sample) []string {
	if len(samples) == 0 {
		return nil
	}
	var out []string
	trend := trendOf(samples)
	if trend.Throughput < 0 {
		out = append(out, "Implement adaptive load balancing")
	}
	if trend.Reliability < 0 {
		out = append(out, "Enhance fault tolerance mechanisms")
	}
	if trend.Quality < 0 {
		out = append(out, "Implement advanced validation patterns")
	}

	last := samples[len(samples)-1]
	if last.Throughput < throughputTarget {
		out = append(out, "Optimize resource utilization")
	}
	if last.Reliability < reliabilityTarget {
		out = append(out, "Implement circuit breaker pattern")
	}
	if last.Quality < highQuality {
		out = append(out, "Enhance data consistency checks")
	}
	if last.ErrorCount > 0 {
		out = append(out,
			"Implement advanced error recovery",
			"Add circuit breaker pattern",
			"Enhance monitoring and alerting",
		)
	}
	if len(samples) > 1 && last.Throughput < samples[len(samples)-2].Throughput {
		out = append(out, "Scale processing capacity")
	}
	return out
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	params, cycles, degraded := c.params, c.cycles, c.degraded
	c.mu.RUnlock()

	samples := c.history.Values()
	snap := Snapshot{
		Parameters:     params,
		Cycles:         cycles,
		DegradedCycles: degraded,
		Trend:          trendOf(samples),
		Summary:        summaryOf(samples),
		Suggestions:    suggestionsOf(samples),
	}
	if len(samples) > 0 {
		last := samples[len(samples)-1]
		snap.Last = &last
	}
	return snap
}
