package eventstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/openpulse/pulse/internal/event"
	"github.com/openpulse/pulse/internal/observability"
	"github.com/openpulse/pulse/internal/platform/logger"
)

// Config holds batching tunables.
type Config struct {
	MaxBatchSize    int
	MaxBatchTimeout time.Duration
	BufferSize      int
}

// Service persists events asynchronously. Store methods return once the
// event is durably enqueued; the batch loop flushes by size or timeout.
// Flush failures are retried and never surfaced to the original caller.
type Service interface {
	StorePageview(ctx context.Context, ev *event.Pageview) error
	StoreCustom(ctx context.Context, ev *event.Custom) error
	StoreIdentify(ctx context.Context, ev *event.Identify) error
	StoreOutboundLinkClick(ctx context.Context, ev *event.OutboundLinkClick) error
	// Close drains the buffer and flushes the final batch.
	Close(ctx context.Context) error
}

type service struct {
	log     *logger.Logger
	db      *gorm.DB
	cfg     Config
	metrics *observability.Metrics
	queue   chan any
	done    chan struct{}

	// mu guards closed so a beacon racing shutdown cannot send on the
	// closed queue.
	mu     sync.RWMutex
	closed bool
}

// NewService returns an event store writing to db and starts its batch loop.
func NewService(log *logger.Logger, db *gorm.DB, cfg Config, metrics *observability.Metrics) Service {
	s := &service{
		log: log.With(
			"service", "eventstore",
			"max_batch_size", cfg.MaxBatchSize,
			"max_batch_timeout", cfg.MaxBatchTimeout,
			"buffer_size", cfg.BufferSize,
		),
		db:      db,
		cfg:     cfg,
		metrics: metrics,
		queue:   make(chan any, cfg.BufferSize),
		done:    make(chan struct{}),
	}

	go s.batchLoop()

	s.log.Info("event store configured")
	return s
}

// StorePageview implements Service.
func (s *service) StorePageview(_ context.Context, ev *event.Pageview) error {
	s.enqueue(ev, "pageview")
	return nil
}

// StoreCustom implements Service.
func (s *service) StoreCustom(_ context.Context, ev *event.Custom) error {
	s.enqueue(ev, "custom")
	return nil
}

// StoreIdentify implements Service.
func (s *service) StoreIdentify(_ context.Context, ev *event.Identify) error {
	s.enqueue(ev, "identify")
	return nil
}

// StoreOutboundLinkClick implements Service.
func (s *service) StoreOutboundLinkClick(_ context.Context, ev *event.OutboundLinkClick) error {
	s.enqueue(ev, "outbound_link_click")
	return nil
}

// enqueue never blocks a request handler. Analytics delivery is best effort:
// when the buffer is full or the store is closed the event is dropped and
// counted.
func (s *service) enqueue(ev any, kind string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.metrics.EventsDroppedInc()
		s.log.Warn("event store closed, event dropped", "kind", kind)
		return
	}

	select {
	case s.queue <- ev:
		s.metrics.EventStored(kind)
		s.metrics.QueueDepthSet(float64(len(s.queue)))
	default:
		s.metrics.EventsDroppedInc()
		s.log.Warn("event buffer full, event dropped", "kind", kind)
	}
}

// Close implements Service. Safe to call more than once.
func (s *service) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type batch struct {
	sessions  []SessionRow
	pageviews []PageviewRow
	customs   []CustomEventRow
	clicks    []OutboundLinkClickRow
	identifys []*event.Identify
	size      int
}

func (b *batch) append(ev any) {
	switch e := ev.(type) {
	case *event.Pageview:
		if e.PrevSession != nil {
			// Cancel the superseded version.
			b.sessions = append(b.sessions, sessionRow(e.PrevSession, -1))
		}
		b.sessions = append(b.sessions, sessionRow(&e.Session, 1))
		b.pageviews = append(b.pageviews, PageviewRow{
			Timestamp:   e.Timestamp,
			Domain:      e.Session.PageURI.Hostname(),
			Path:        e.PageURI.Path(),
			VisitorID:   e.Session.VisitorID,
			SessionUUID: e.Session.SessionUUID.String(),
			Status:      e.Status,
		})
	case *event.Custom:
		b.customs = append(b.customs, CustomEventRow{
			Timestamp:   e.Timestamp,
			Domain:      e.Session.PageURI.Hostname(),
			Path:        e.PageURI.Path(),
			VisitorID:   e.Session.VisitorID,
			SessionUUID: e.Session.SessionUUID.String(),
			Name:        e.Name,
			Keys:        StringArray(e.Keys),
			Values:      StringArray(e.Values),
		})
	case *event.OutboundLinkClick:
		b.clicks = append(b.clicks, OutboundLinkClickRow{
			Timestamp:   e.Timestamp,
			Domain:      e.Session.PageURI.Hostname(),
			Path:        e.PageURI.Path(),
			VisitorID:   e.Session.VisitorID,
			SessionUUID: e.Session.SessionUUID.String(),
			Link:        e.Link.String(),
		})
	case *event.Identify:
		b.identifys = append(b.identifys, e)
	}
	b.size++
}

func (s *service) batchLoop() {
	defer close(s.done)

	b := &batch{}
	timer := time.NewTimer(s.cfg.MaxBatchTimeout)
	defer timer.Stop()

	flush := func() {
		if b.size == 0 {
			return
		}
		s.flushWithRetry(b)
		b = &batch{}
	}

	for {
		select {
		case ev, open := <-s.queue:
			if !open {
				flush()
				return
			}
			b.append(ev)
			s.metrics.QueueDepthSet(float64(len(s.queue)))
			if b.size >= s.cfg.MaxBatchSize {
				flush()
				timer.Reset(s.cfg.MaxBatchTimeout)
			}
		case <-timer.C:
			flush()
			timer.Reset(s.cfg.MaxBatchTimeout)
		}
	}
}

// flushWithRetry writes a batch in one transaction, with linear backoff.
// After the final attempt the batch is dropped: the durability boundary is
// the queue, not the flush.
func (s *service) flushWithRetry(b *batch) {
	const attempts = 3

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		err = s.flush(b)
		if err == nil {
			s.metrics.ObserveFlush(time.Since(start), b.size)
			return
		}
		s.log.Error("failed to flush event batch", "error", err, "attempt", attempt, "rows", b.size)
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	s.log.Error("event batch dropped after retries", "error", err, "rows", b.size)
}

func (s *service) flush(b *batch) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if len(b.sessions) > 0 {
			if err := tx.Create(b.sessions).Error; err != nil {
				return err
			}
		}
		if len(b.pageviews) > 0 {
			if err := tx.Create(b.pageviews).Error; err != nil {
				return err
			}
		}
		if len(b.customs) > 0 {
			if err := tx.Create(b.customs).Error; err != nil {
				return err
			}
		}
		if len(b.clicks) > 0 {
			if err := tx.Create(b.clicks).Error; err != nil {
				return err
			}
		}
		for _, ev := range b.identifys {
			if err := s.applyIdentify(tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// applyIdentify merges an identify event into the visitor's properties row.
// Initial properties keep their first written value; plain properties are
// overwritten.
func (s *service) applyIdentify(tx *gorm.DB, ev *event.Identify) error {
	var row UserPropsRow
	err := tx.Where("visitor_id = ?", ev.Session.VisitorID).First(&row).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = UserPropsRow{
			VisitorID:               ev.Session.VisitorID,
			InitialKeys:             StringArray(ev.InitialKeys),
			InitialValues:           StringArray(ev.InitialValues),
			Keys:                    StringArray(ev.Keys),
			Values:                  StringArray(ev.Values),
			InitialSessionUUID:      ev.Session.SessionUUID.String(),
			LatestSessionUUID:       ev.Session.SessionUUID.String(),
			InitialSessionTimestamp: ev.Session.SessionTime(),
			LatestSessionTimestamp:  ev.Session.SessionTime(),
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	case err != nil:
		return err
	}

	row.InitialKeys, row.InitialValues = mergeProps(row.InitialKeys, row.InitialValues, ev.InitialKeys, ev.InitialValues, false)
	row.Keys, row.Values = mergeProps(row.Keys, row.Values, ev.Keys, ev.Values, true)
	row.LatestSessionUUID = ev.Session.SessionUUID.String()
	row.LatestSessionTimestamp = ev.Session.SessionTime()

	return tx.Save(&row).Error
}

// mergeProps merges new key/value pairs into existing parallel arrays.
// When overwrite is false, existing keys keep their value (setOnce).
func mergeProps(keys, values StringArray, newKeys, newValues []string, overwrite bool) (StringArray, StringArray) {
	index := make(map[string]int, len(keys))
	for i, k := range keys {
		index[k] = i
	}
	for i, k := range newKeys {
		if i >= len(newValues) {
			break
		}
		if at, ok := index[k]; ok {
			if overwrite {
				values[at] = newValues[i]
			}
			continue
		}
		index[k] = len(keys)
		keys = append(keys, k)
		values = append(values, newValues[i])
	}
	return keys, values
}
