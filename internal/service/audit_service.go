// Package service contains the application services wiring the domain to
// the adapters: audit fan-in, the OAuth resource server, the layered
// security gateway, and the conversational query pipeline.
package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/datagate-io/datagate/internal/config"
	"github.com/datagate-io/datagate/internal/domain/audit"
)

// flushTimeout bounds one store write so a wedged disk cannot stall the
// worker forever.
const flushTimeout = 5 * time.Second

// AuditService fans audit events from request goroutines into a single
// writer goroutine. Record never blocks: when the channel is full the
// event is dropped and counted, and the next successful flush emits an
// audit.dropped meta-event with the count.
type AuditService struct {
	store         audit.EventStore
	events        chan audit.Event
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger

	dropped      atomic.Uint64
	droppedTotal atomic.Uint64
	wg           sync.WaitGroup
	closeOnce    sync.Once
	done         chan struct{}
}

// NewAuditService starts the writer goroutine.
func NewAuditService(store audit.EventStore, cfg config.AuditConfig, logger *slog.Logger) (*AuditService, error) {
	flushInterval := time.Second
	if cfg.FlushInterval != "" {
		d, err := time.ParseDuration(cfg.FlushInterval)
		if err != nil {
			return nil, err
		}
		flushInterval = d
	}
	channelSize := cfg.ChannelSize
	if channelSize <= 0 {
		channelSize = 1000
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &AuditService{
		store:         store,
		events:        make(chan audit.Event, channelSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger,
		done:          make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Record enqueues an event without blocking the request path. Missing
// ids and timestamps are filled in here so callers can stay terse.
func (s *AuditService) Record(e audit.Event) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	select {
	case s.events <- e:
	default:
		n := s.dropped.Add(1)
		s.droppedTotal.Add(1)
		if n == 1 || n%100 == 0 {
			s.logger.Warn("audit channel full, dropping events", "dropped_total", n)
		}
	}
}

// Dropped returns the number of events dropped since the last flush that
// reported them.
func (s *AuditService) Dropped() uint64 { return s.dropped.Load() }

// DroppedTotal returns the cumulative drop count since startup. Unlike
// Dropped it never resets, so it is safe to export as a counter.
func (s *AuditService) DroppedTotal() uint64 { return s.droppedTotal.Load() }

// ChannelDepth returns the number of events waiting for the writer.
func (s *AuditService) ChannelDepth() int { return len(s.events) }

// ChannelCapacity returns the channel buffer size.
func (s *AuditService) ChannelCapacity() int { return cap(s.events) }

// Close stops the worker, drains pending events, and closes the store.
func (s *AuditService) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return s.store.Close()
}

func (s *AuditService) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]audit.Event, 0, s.batchSize)
	for {
		select {
		case e := <-s.events:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				batch = s.flush(batch)
			}
		case <-ticker.C:
			batch = s.flush(batch)
		case <-s.done:
			// Drain whatever is still queued, then flush once.
			for {
				select {
				case e := <-s.events:
					batch = append(batch, e)
				default:
					s.flush(batch)
					return
				}
			}
		}
	}
}

// flush writes the batch plus a drop meta-event when events were lost.
func (s *AuditService) flush(batch []audit.Event) []audit.Event {
	if n := s.dropped.Swap(0); n > 0 {
		batch = append(batch, audit.Event{
			EventID:   uuid.NewString(),
			Timestamp: time.Now(),
			EventType: audit.EventTypeAuditDropped,
			Severity:  audit.SeverityWarning,
			Details:   map[string]any{"dropped": n},
		})
	}
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := s.store.Append(ctx, batch...); err != nil {
		s.logger.Error("audit flush failed", "error", err, "events", len(batch))
	}
	return batch[:0]
}
