package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-broker/pkg/logging"
)

// DefaultSlowQueryThreshold is the duration above which LogSink reports a query at info level.
const DefaultSlowQueryThreshold = time.Second

// QueryEvent describes one routed call.
type QueryEvent struct {
	Pool             string
	Kind             Kind
	SQL              string
	Bindings         []any
	Duration         time.Duration
	Err              error
	ConnectionID     uuid.UUID // uuid.Nil when no connection was leased
	TransactionDepth int
}

// EventSink receives a QueryEvent for every routed call. Dispatch must not block.
type EventSink interface {
	Dispatch(ev QueryEvent)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Dispatch(QueryEvent) {}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ev QueryEvent)

func (f SinkFunc) Dispatch(ev QueryEvent) { f(ev) }

// MultiSink fans an event out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Dispatch(ev QueryEvent) {
	for _, s := range m {
		s.Dispatch(ev)
	}
}

// LogSink writes events to a zap logger with queries and bindings sanitized.
type LogSink struct {
	logger *zap.Logger
	slow   time.Duration
}

// NewLogSink creates a LogSink. A non-positive slow threshold uses DefaultSlowQueryThreshold.
func NewLogSink(logger *zap.Logger, slow time.Duration) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if slow <= 0 {
		slow = DefaultSlowQueryThreshold
	}
	return &LogSink{logger: logger.Named("query"), slow: slow}
}

func (s *LogSink) Dispatch(ev QueryEvent) {
	fields := []zap.Field{
		zap.String("pool", ev.Pool),
		zap.Stringer("kind", ev.Kind),
		zap.Duration("duration", ev.Duration),
		zap.Int("transaction_depth", ev.TransactionDepth),
	}
	if ev.SQL != "" {
		fields = append(fields, zap.String("sql", logging.SanitizeQuery(ev.SQL)))
	}
	if len(ev.Bindings) > 0 {
		fields = append(fields, zap.Strings("bindings", logging.SanitizeBindings(ev.Bindings)))
	}
	if ev.ConnectionID != uuid.Nil {
		fields = append(fields, zap.String("connection_id", ev.ConnectionID.String()))
	}

	switch {
	case ev.Err != nil:
		fields = append(fields, zap.String("error", logging.SanitizeError(ev.Err)))
		s.logger.Warn("Query failed", fields...)
	case ev.Duration >= s.slow:
		s.logger.Info("Slow query", fields...)
	default:
		s.logger.Debug("Query executed", fields...)
	}
}

// AsyncSink hands events to another sink on a background goroutine. When the
// buffer is full the event is dropped and counted, so callers never block.
type AsyncSink struct {
	next    EventSink
	events  chan QueryEvent
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewAsyncSink starts the delivery goroutine. Close stops it after draining.
func NewAsyncSink(next EventSink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 1
	}
	s := &AsyncSink{
		next:   next,
		events: make(chan QueryEvent, buffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for ev := range s.events {
		s.next.Dispatch(ev)
	}
}

func (s *AsyncSink) Dispatch(ev QueryEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close delivers buffered events and stops the goroutine. Safe to call more than once.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()
	<-s.done
}
