package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/pulse-receiver/internal/domain"
	"github.com/couchcryptid/pulse-receiver/internal/observability"
)

// DatagramSource reads one datagram into buf and returns its valid length.
// It blocks until a datagram arrives or ctx is done.
type DatagramSource interface {
	ReadDatagram(ctx context.Context, buf []byte) (int, error)
}

// Sink durably stores one reading. Writing a reading with the same
// domain.Key as an earlier one replaces it.
type Sink interface {
	Put(ctx context.Context, r domain.Reading) error
	Name() string
}

// State is the receive loop's position in its two-state cycle.
type State int32

const (
	StateStopped State = iota
	StateListening
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateProcessing:
		return "PROCESSING"
	default:
		return "STOPPED"
	}
}

const (
	defaultBufferSize     = 1500
	defaultPersistTimeout = 5 * time.Second
	defaultQueueSize      = 256
)

// Pipeline drives the receive/decode/classify/persist loop.
type Pipeline struct {
	source     DatagramSource
	sink       Sink
	thresholds domain.Thresholds
	logger     *slog.Logger
	metrics    *observability.Metrics
	clock      clockwork.Clock

	bufferSize     int
	workers        int
	queueSize      int
	persistTimeout time.Duration

	state atomic.Int32
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics sets the Prometheus metrics. Defaults to
// observability.NewUnregisteredMetrics, which nothing scrapes.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithClock sets the time source used for latency and activity metrics.
func WithClock(c clockwork.Clock) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithBufferSize sets the receive buffer size. Longer datagrams are truncated.
func WithBufferSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.bufferSize = n
		}
	}
}

// WithWorkers enables the worker pool when n > 1. queueSize bounds the
// number of datagrams waiting for a worker.
func WithWorkers(n, queueSize int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
		if queueSize > 0 {
			p.queueSize = queueSize
		}
	}
}

// WithPersistTimeout bounds a single sink write.
func WithPersistTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.persistTimeout = d
		}
	}
}

// New creates a Pipeline reading from src and writing to sink.
func New(src DatagramSource, sink Sink, thresholds domain.Thresholds, opts ...Option) *Pipeline {
	p := &Pipeline{
		source:         src,
		sink:           sink,
		thresholds:     thresholds,
		logger:         slog.Default(),
		metrics:        observability.NewUnregisteredMetrics(),
		clock:          clockwork.NewRealClock(),
		bufferSize:     defaultBufferSize,
		workers:        1,
		queueSize:      defaultQueueSize,
		persistTimeout: defaultPersistTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State reports whether the receive loop is waiting for a datagram or
// processing one. In worker mode the loop is back to LISTENING as soon as
// the datagram is queued.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// CheckReadiness returns nil once the receive loop is running.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if p.State() == StateStopped {
		return errors.New("ingest loop is not listening")
	}
	return nil
}

// Status describes the loop for the ops endpoint.
func (p *Pipeline) Status() map[string]any {
	return map[string]any{
		"state":       p.State().String(),
		"sink":        p.sink.Name(),
		"workers":     p.workers,
		"buffer_size": p.bufferSize,
		"thresholds": map[string]int64{
			"critical_high": p.thresholds.CriticalHigh,
			"critical_low":  p.thresholds.CriticalLow,
			"warn_high":     p.thresholds.WarnHigh,
			"warn_low":      p.thresholds.WarnLow,
		},
	}
}

// Run receives datagrams until ctx is cancelled. It returns nil on
// cancellation and an error only when the datagram source fails.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started",
		"sink", p.sink.Name(),
		"workers", p.workers,
		"buffer_size", p.bufferSize,
	)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)
	defer p.state.Store(int32(StateStopped))

	if p.workers <= 1 {
		return p.runSequential(ctx)
	}
	return p.runPool(ctx)
}

// runSequential processes each datagram fully before reading the next,
// so the single receive buffer is safe to reuse.
func (p *Pipeline) runSequential(ctx context.Context) error {
	buf := make([]byte, p.bufferSize)
	for {
		p.state.Store(int32(StateListening))
		n, err := p.receive(ctx, buf)
		if err != nil {
			return p.receiveFailed(ctx, err)
		}

		p.state.Store(int32(StateProcessing))
		p.process(ctx, buf, n)
	}
}

// runPool hands a copy of each datagram to a fixed set of workers. The
// copy is required because buf is overwritten by the next read.
func (p *Pipeline) runPool(ctx context.Context) error {
	queue := make(chan []byte, p.queueSize)

	var g errgroup.Group
	for range p.workers {
		g.Go(func() error {
			for payload := range queue {
				p.metrics.QueueDepth.Set(float64(len(queue)))
				p.process(ctx, payload, len(payload))
			}
			return nil
		})
	}

	buf := make([]byte, p.bufferSize)
	var runErr error
	for {
		p.state.Store(int32(StateListening))
		n, err := p.receive(ctx, buf)
		if err != nil {
			runErr = p.receiveFailed(ctx, err)
			break
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		p.state.Store(int32(StateProcessing))
		select {
		case queue <- payload:
			p.metrics.QueueDepth.Set(float64(len(queue)))
		case <-ctx.Done():
			p.logger.Debug("datagram abandoned at shutdown", "payload_len", n)
		}
		if ctx.Err() != nil {
			break
		}
	}

	// Stop accepting; workers finish what is already queued.
	close(queue)
	_ = g.Wait()
	p.metrics.QueueDepth.Set(0)
	return runErr
}

func (p *Pipeline) receive(ctx context.Context, buf []byte) (int, error) {
	n, err := p.source.ReadDatagram(ctx, buf)
	if err != nil {
		return 0, err
	}
	p.metrics.DatagramsReceived.Inc()
	p.metrics.BytesReceived.Add(float64(n))
	p.metrics.LastDatagram.Set(float64(p.clock.Now().Unix()))
	return n, nil
}

func (p *Pipeline) receiveFailed(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		p.logger.Info("pipeline stopping", "reason", ctx.Err())
		return nil
	}
	p.logger.Error("datagram endpoint failed", "error", err)
	return fmt.Errorf("read datagram: %w", err)
}

// process runs decode, classify and persist for one datagram. Failures are
// logged and counted here and never reach the receive loop.
func (p *Pipeline) process(ctx context.Context, buf []byte, n int) {
	reading, err := domain.Decode(buf, n)
	if err != nil {
		p.metrics.DecodeErrors.Inc()
		var derr *domain.DecodeError
		if errors.As(err, &derr) {
			p.logger.Warn("decode failed, dropping datagram", derr.LogAttrs()...)
		} else {
			p.logger.Warn("decode failed, dropping datagram", "payload_len", n, "error", err)
		}
		return
	}
	p.logger.Debug("reading received", reading.LogAttrs()...)

	severity := domain.Classify(reading.Value, p.thresholds)
	p.metrics.ReadingsClassified.WithLabelValues(severity.String()).Inc()
	p.logSeverity(ctx, reading, severity)

	if err := p.persist(ctx, reading); err != nil {
		p.metrics.PersistErrors.Inc()
		attrs := append(reading.LogAttrs(), "sink", p.sink.Name(), "payload_len", n, "error", err)
		p.logger.Error("persist failed, reading dropped", attrs...)
		return
	}
	p.metrics.ReadingsPersisted.Inc()
	p.logger.Log(ctx, observability.LevelTrace, "reading persisted",
		"patient_id", reading.PatientID,
		"seq_number", reading.SeqNumber,
		"timestamp", reading.Timestamp,
	)
}

// persist writes one reading. The write is detached from ctx so a shutdown
// does not abort it midway; the persist timeout still bounds it.
func (p *Pipeline) persist(ctx context.Context, r domain.Reading) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.persistTimeout)
	defer cancel()

	start := p.clock.Now()
	err := p.sink.Put(writeCtx, r)
	p.metrics.PersistDuration.WithLabelValues(p.sink.Name()).Observe(p.clock.Since(start).Seconds())
	if err == nil {
		return nil
	}

	var perr *domain.PersistError
	if errors.As(err, &perr) {
		return err
	}
	return &domain.PersistError{Backend: p.sink.Name(), Key: r.Key(), Err: err}
}

func (p *Pipeline) logSeverity(ctx context.Context, r domain.Reading, s domain.Severity) {
	attrs := append(r.LogAttrs(), "severity", s.String())
	switch s {
	case domain.SeverityCriticalHigh:
		p.logger.Error("critical pulse", attrs...)
	case domain.SeverityCriticalLow:
		p.logger.Error("dangerously low pulse", attrs...)
	case domain.SeverityWarningHigh:
		p.logger.Warn("high pulse", attrs...)
	case domain.SeverityWarningLow:
		p.logger.Warn("low pulse", attrs...)
	default:
		p.logger.Log(ctx, observability.LevelTrace, "normal pulse", attrs...)
	}
}
