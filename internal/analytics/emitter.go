package analytics

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/salon-storefront/internal/circuitbreaker"
	"github.com/jogardn/salon-storefront/pkg/models"
)

const (
	DefaultBufferSize = 512
	writeTimeout      = 5 * time.Second
)

// Sink persists or forwards a single analytics event.
type Sink interface {
	Write(ctx context.Context, event models.AnalyticsEvent) error
}

type Option func(*Emitter)

func WithBufferSize(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.bufferSize = n
		}
	}
}

// Emitter records events without ever blocking or failing the caller. Events
// are queued and written by a single worker; a full queue drops the event.
type Emitter struct {
	sink    Sink
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger
	now     func() time.Time

	bufferSize int
	queue      chan models.AnalyticsEvent
	done       chan struct{}

	mu     sync.RWMutex
	closed bool

	written int64
	dropped int64
	failed  int64
}

func NewEmitter(sink Sink, breaker *circuitbreaker.CircuitBreaker, logger *logrus.Logger, opts ...Option) *Emitter {
	e := &Emitter{
		sink:       sink,
		breaker:    breaker,
		logger:     logger,
		now:        time.Now,
		bufferSize: DefaultBufferSize,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.queue = make(chan models.AnalyticsEvent, e.bufferSize)

	go e.run()
	return e
}

// Record enqueues an event enriched with the client attached to ctx.
func (e *Emitter) Record(ctx context.Context, event Event) {
	if event.Type == "" {
		e.logger.Warn("Dropping analytics event without type")
		return
	}

	client := ClientFrom(ctx)
	record := models.AnalyticsEvent{
		ID:          uuid.New().String(),
		Type:        event.Type,
		Page:        event.Page,
		SessionID:   client.SessionID,
		VisitorID:   client.VisitorID,
		Referrer:    client.Referrer,
		DeviceClass: client.DeviceClass,
		Location:    client.Location,
		ProductID:   event.ProductID,
		OrderID:     event.OrderID,
		Metadata:    event.Metadata,
		OccurredAt:  e.now().UTC(),
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		atomic.AddInt64(&e.dropped, 1)
		return
	}
	select {
	case e.queue <- record:
	default:
		atomic.AddInt64(&e.dropped, 1)
		e.logger.WithFields(logrus.Fields{
			"event_type":  record.Type,
			"buffer_size": e.bufferSize,
		}).Warn("Analytics buffer full, dropping event")
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for event := range e.queue {
		e.write(event)
	}
}

func (e *Emitter) write(event models.AnalyticsEvent) {
	err := e.breaker.Execute(context.Background(), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return e.sink.Write(ctx, event)
	})
	if err == nil {
		atomic.AddInt64(&e.written, 1)
		return
	}

	atomic.AddInt64(&e.failed, 1)
	entry := e.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		entry.Debug("Analytics sink unavailable, event discarded")
		return
	}
	entry.WithError(err).Warn("Failed to write analytics event")
}

// Close stops accepting events and waits for queued ones to be written.
func (e *Emitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	<-e.done
	e.logger.WithFields(logrus.Fields{
		"written": atomic.LoadInt64(&e.written),
		"dropped": atomic.LoadInt64(&e.dropped),
		"failed":  atomic.LoadInt64(&e.failed),
	}).Info("Analytics emitter stopped")
	return nil
}

type Stats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
	Queued  int   `json:"queued"`
}

func (e *Emitter) Stats() Stats {
	return Stats{
		Written: atomic.LoadInt64(&e.written),
		Dropped: atomic.LoadInt64(&e.dropped),
		Failed:  atomic.LoadInt64(&e.failed),
		Queued:  len(e.queue),
	}
}
