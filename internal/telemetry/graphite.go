package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/arodland/Due-GPS-NTP-Server/pkg/logger"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/metrics"
)

// ErrDropped is returned by Publish when the queue was full.
var ErrDropped = errors.New("telemetry queue full, samples dropped")

// DefaultBatchBytes is the largest datagram the sink sends.
const DefaultBatchBytes = 1024

// BreakerConfig holds configuration for the flush circuit breaker.
type BreakerConfig struct {
	// MaxRequests is the number of flushes allowed through while half-open.
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval is the cyclic period of the closed state after which the
	// failure counts are cleared.
	Interval time.Duration `yaml:"interval"`

	// Timeout is the period of the open state, after which the breaker
	// becomes half-open.
	Timeout time.Duration `yaml:"timeout"`

	// FailureThreshold is the failure ratio that trips the breaker once at
	// least three flushes have been attempted.
	FailureThreshold float64 `yaml:"failure_threshold"`
}

// DefaultBreakerConfig returns sensible defaults for the flush breaker.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.6,
	}
}

// GraphiteConfig configures the plaintext-protocol sink.
type GraphiteConfig struct {
	Network       string
	Address       string
	Prefix        string
	FlushInterval time.Duration
	QueueSize     int
	BatchBytes    int
	WriteTimeout  time.Duration
	Breaker       BreakerConfig
}

// GraphiteSink batches samples as "prefix.metric value timestamp" lines and
// ships them over UDP or TCP.
type GraphiteSink struct {
	cfg     GraphiteConfig
	queue   chan string
	breaker *gobreaker.CircuitBreaker
	m       *metrics.GPSDOMetrics

	dial func(ctx context.Context, network, address string) (net.Conn, error)

	mu      sync.Mutex
	conn    net.Conn
	batch   []byte
	dropped atomic.Uint64
}

// NewGraphiteSink validates cfg and builds a sink. m may be nil.
func NewGraphiteSink(cfg GraphiteConfig, m *metrics.GPSDOMetrics) (*GraphiteSink, error) {
	if cfg.Address == "" {
		return nil, errors.New("graphite address is required")
	}
	if cfg.Network == "" {
		cfg.Network = "udp"
	}
	if cfg.Network != "udp" && cfg.Network != "tcp" {
		return nil, fmt.Errorf("unsupported graphite network %q", cfg.Network)
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.BatchBytes <= 0 {
		cfg.BatchBytes = DefaultBatchBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.Breaker.MaxRequests == 0 {
		cfg.Breaker = DefaultBreakerConfig()
	}

	s := &GraphiteSink{
		cfg:   cfg,
		queue: make(chan string, cfg.QueueSize),
		m:     m,
		batch: make([]byte, 0, cfg.BatchBytes),
	}
	dialer := &net.Dialer{Timeout: cfg.WriteTimeout}
	s.dial = dialer.DialContext

	threshold := cfg.Breaker.FailureThreshold
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "graphite:" + cfg.Address,
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.StatusChange(name, from.String(), to.String())
		},
	})
	return s, nil
}

func (s *GraphiteSink) Name() string { return "graphite" }

func (s *GraphiteSink) Enabled() bool { return true }

// Publish formats and enqueues samples without blocking.
func (s *GraphiteSink) Publish(samples []Sample) error {
	lost := 0
	for _, sm := range samples {
		line := s.cfg.Prefix + sm.Metric + " " +
			strconv.FormatFloat(sm.Value, 'f', -1, 64) + " " +
			strconv.FormatInt(sm.Unix, 10) + "\n"
		select {
		case s.queue <- line:
		default:
			lost++
		}
	}
	if lost > 0 {
		s.dropped.Add(uint64(lost))
		if s.m != nil {
			s.m.TelemetryDroppedTotal.WithLabelValues(s.Name()).Add(float64(lost))
		}
		return fmt.Errorf("%d of %d: %w", lost, len(samples), ErrDropped)
	}
	return nil
}

// Dropped returns the number of samples lost to a full queue.
func (s *GraphiteSink) Dropped() uint64 { return s.dropped.Load() }

// State returns the flush breaker state.
func (s *GraphiteSink) State() gobreaker.State { return s.breaker.State() }

// Run drains the queue until ctx ends, flushing whenever the next line
// would overflow a batch and on every flush interval.
func (s *GraphiteSink) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			s.flush(context.Background())
			return nil
		case line := <-s.queue:
			s.add(ctx, line)
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

func (s *GraphiteSink) drain() {
	for {
		select {
		case line := <-s.queue:
			s.add(context.Background(), line)
		default:
			return
		}
	}
}

func (s *GraphiteSink) add(ctx context.Context, line string) {
	s.mu.Lock()
	full := len(s.batch)+len(line) >= s.cfg.BatchBytes
	s.mu.Unlock()
	if full {
		s.flush(ctx)
	}
	s.mu.Lock()
	s.batch = append(s.batch, line...)
	s.mu.Unlock()
}

// flush sends the pending batch. A failed batch is discarded.
func (s *GraphiteSink) flush(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batch) == 0 {
		return
	}

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.write(ctx, s.batch)
	})
	s.batch = s.batch[:0]

	result := "success"
	if err != nil {
		result = "failure"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			result = "rejected"
		}
		logger.Debugf("telemetry", "graphite flush: %v", err)
	}
	if s.m != nil {
		s.m.TelemetryFlushesTotal.WithLabelValues(s.Name(), result).Inc()
	}
}

func (s *GraphiteSink) write(ctx context.Context, p []byte) error {
	if s.conn == nil {
		conn, err := s.dial(ctx, s.cfg.Network, s.cfg.Address)
		if err != nil {
			return fmt.Errorf("dial %s: %w", s.cfg.Address, err)
		}
		s.conn = conn
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		s.closeLocked()
		return fmt.Errorf("set deadline: %w", err)
	}
	if _, err := s.conn.Write(p); err != nil {
		s.closeLocked()
		return fmt.Errorf("write %s: %w", s.cfg.Address, err)
	}
	return nil
}

func (s *GraphiteSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *GraphiteSink) closeLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
