// Package events provides fleet.Publisher implementations: a zap log sink,
// Redis pub/sub, Kafka, a fan-out, and an asynchronous buffer that keeps
// publishing off the caller's path.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/fleet"
)

// Backend names a publisher implementation.
type Backend string

const (
	BackendLog   Backend = "log"
	BackendRedis Backend = "redis"
	BackendKafka Backend = "kafka"
)

// ParseBackend parses a backend name. "" and "none" yield "".
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "", "none":
		return "", nil
	case string(BackendLog), string(BackendRedis), string(BackendKafka):
		return Backend(s), nil
	default:
		return "", fmt.Errorf("unknown events backend %q (expected log, redis, or kafka)", s)
	}
}

// Encode returns the JSON wire form of an event.
func Encode(ev fleet.Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.Topic, err)
	}
	return b, nil
}

// Log writes events to a zap logger.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a publisher that logs each event at info level.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Publish logs the event.
func (l *Log) Publish(_ context.Context, ev fleet.Event) error {
	l.logger.Info("Event",
		zap.String("topic", string(ev.Topic)),
		zap.String("event_id", ev.ID),
		zap.String("key", ev.Key),
		zap.Any("data", ev.Data))
	return nil
}

// Close is a no-op.
func (l *Log) Close() error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []fleet.Publisher

// Publish delivers to all publishers.
func (m Multi) Publish(ctx context.Context, ev fleet.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all publishers.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ErrBufferFull is returned by Async.Publish when the queue is full.
var ErrBufferFull = errors.New("event buffer full")

// Async queues events for a background goroutine. Publish never blocks;
// when the queue is full the event is dropped and ErrBufferFull returned.
type Async struct {
	next   fleet.Publisher
	logger *zap.Logger
	queue  chan fleet.Event
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewAsync starts the delivery goroutine. size <= 0 defaults to 1024.
func NewAsync(next fleet.Publisher, size int, logger *zap.Logger) *Async {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Async{
		next:   next,
		logger: logger,
		queue:  make(chan fleet.Event, size),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		if err := a.next.Publish(context.Background(), ev); err != nil {
			a.logger.Warn("Event delivery failed",
				zap.String("topic", string(ev.Topic)),
				zap.String("event_id", ev.ID),
				zap.Error(err))
		}
	}
}

// Publish enqueues the event.
func (a *Async) Publish(_ context.Context, ev fleet.Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return errors.New("event publisher closed")
	}
	select {
	case a.queue <- ev:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close drains queued events and closes the wrapped publisher.
func (a *Async) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
		<-a.done
		err = a.next.Close()
	})
	return err
}
