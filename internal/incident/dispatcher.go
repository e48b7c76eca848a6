package incident

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MrWong99/ghostvoice/internal/observe"
)

const (
	defaultQueue          = 256
	defaultPublishTimeout = 5 * time.Second
	defaultPublishTries   = 3
)

// DispatcherOption configures a [Dispatcher].
type DispatcherOption func(*Dispatcher)

// WithQueue sets the queue length. Default: 256.
func WithQueue(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = n
		}
	}
}

// WithPublishTimeout bounds each publish attempt. Default: 5s.
func WithPublishTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithPublishTries sets how often a failing publish is attempted. Default: 3.
func WithPublishTries(n uint) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.tries = n
		}
	}
}

// WithDispatcherMetrics counts raised incidents by severity.
func WithDispatcherMetrics(m *observe.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher queues records and publishes them to a [Sink] from a single
// background goroutine. Raise never blocks the caller.
type Dispatcher struct {
	sink    Sink
	queue   int
	timeout time.Duration
	tries   uint
	metrics *observe.Metrics

	ch      chan Record
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewDispatcher returns a Dispatcher for sink. Call [Dispatcher.Run] to
// start delivery.
func NewDispatcher(sink Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sink:    sink,
		queue:   defaultQueue,
		timeout: defaultPublishTimeout,
		tries:   defaultPublishTries,
	}
	for _, o := range opts {
		o(d)
	}
	d.ch = make(chan Record, d.queue)
	return d
}

// Raise queues rec for delivery. It reports false when the queue was full
// and the record was dropped.
func (d *Dispatcher) Raise(ctx context.Context, rec Record) bool {
	if d.metrics != nil {
		d.metrics.RecordIncident(ctx, rec.Severity)
	}
	select {
	case d.ch <- rec:
		return true
	default:
		d.dropped.Add(1)
		observe.Logger(ctx).Error("incident queue full, record dropped",
			"incident_id", rec.ID,
			"call_id", rec.CallID,
			"severity", rec.Severity,
			"rules", rec.Rules,
		)
		return false
	}
}

// Dropped returns the number of records dropped on a full queue.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Failed returns the number of records that could not be published.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }

// Run delivers queued records until ctx is done. Records still queued at
// that point are delivered with a fresh timeout before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-d.ch:
			if ctx.Err() != nil {
				d.deliver(context.WithoutCancel(ctx), rec)
				continue
			}
			d.deliver(ctx, rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-d.ch:
					d.deliver(context.WithoutCancel(ctx), rec)
				default:
					return nil
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, rec Record) {
	op := func() (struct{}, error) {
		pctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		return struct{}{}, d.sink.Publish(pctx, rec)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(d.tries),
	)
	if err != nil {
		d.failed.Add(1)
		slog.Error("incident publish failed",
			"incident_id", rec.ID,
			"call_id", rec.CallID,
			"severity", rec.Severity,
			"err", err,
		)
	}
}
