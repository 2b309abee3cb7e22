// Copyright 2026 The OpenAuth Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// failureRateWindow is how many recent writes the health sensor looks at.
	failureRateWindow = 100
	// failureRateThreshold triggers the degraded-audit warning.
	failureRateThreshold = 0.10

	defaultQueueSize     = 1024
	defaultBatchSize     = 50
	defaultFlushInterval = time.Second

	envelopeVersion = 1
)

// healthSensor tracks a rolling success/failure window so a persistently
// broken audit sink gets noticed without any single write failing a request.
type healthSensor struct {
	mu      sync.Mutex
	results [failureRateWindow]bool
	next    int
	filled  int
	warned  bool
}

// record returns true when the failure rate crosses the threshold over a
// full window, once per degradation episode.
func (h *healthSensor) record(ok bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.results[h.next] = ok
	h.next = (h.next + 1) % failureRateWindow
	if h.filled < failureRateWindow {
		h.filled++
	}
	if h.filled < failureRateWindow {
		return false
	}
	failures := 0
	for _, r := range h.results {
		if !r {
			failures++
		}
	}
	rate := float64(failures) / float64(failureRateWindow)
	if rate > failureRateThreshold {
		if !h.warned {
			h.warned = true
			return true
		}
		return false
	}
	h.warned = false
	return false
}

// SQLRecorder writes each event straight to the SQL store. Failures are
// logged and counted, never returned to the caller.
type SQLRecorder struct {
	store  Store
	health healthSensor
}

// NewSQLRecorder creates a direct-write audit recorder.
func NewSQLRecorder(store Store) *SQLRecorder {
	return &SQLRecorder{store: store}
}

// Log persists one event inline.
func (r *SQLRecorder) Log(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	err := r.store.InsertEvents(ctx, []Event{event})
	if err != nil {
		slog.ErrorContext(ctx, "audit write failed",
			"event_type", event.EventType,
			"token_id", event.TokenID,
			"error", err.Error())
	}
	if r.health.record(err == nil) {
		slog.WarnContext(ctx, "audit trail degraded: failure rate above threshold",
			"window", failureRateWindow)
	}
}

// envelope is the queued wire form of an event. The version field lets the
// consumer reject frames written by a future incompatible producer.
type envelope struct {
	Version    int       `json:"version"`
	Event      Event     `json:"event"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// QueueRecorder decouples request handling from audit persistence through a
// buffered in-process queue with a batching consumer.
type QueueRecorder struct {
	store         Store
	queue         chan envelope
	batchSize     int
	flushInterval time.Duration
	health        healthSensor
	dropped       int64
	droppedMu     sync.Mutex
	wg            sync.WaitGroup
	cancel        context.CancelFunc
}

// QueueConfig tunes the queued recorder. Zero values select defaults.
type QueueConfig struct {
	Size          int
	BatchSize     int
	FlushInterval time.Duration
}

// NewQueueRecorder creates and starts a queued audit recorder. Call Close
// to flush and stop the consumer.
func NewQueueRecorder(store Store, cfg QueueConfig) *QueueRecorder {
	if cfg.Size <= 0 {
		cfg.Size = defaultQueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &QueueRecorder{
		store:         store,
		queue:         make(chan envelope, cfg.Size),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		cancel:        cancel,
	}
	r.wg.Add(1)
	go r.consume(ctx)
	return r
}

// Log enqueues the event. A full queue drops the event rather than blocking
// the request path.
func (r *QueueRecorder) Log(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	env := envelope{Version: envelopeVersion, Event: event, EnqueuedAt: time.Now()}
	select {
	case r.queue <- env:
	default:
		r.droppedMu.Lock()
		r.dropped++
		n := r.dropped
		r.droppedMu.Unlock()
		slog.WarnContext(ctx, "audit queue full, event dropped",
			"event_type", event.EventType, "total_dropped", n)
	}
}

// Dropped reports how many events were discarded due to a full queue.
func (r *QueueRecorder) Dropped() int64 {
	r.droppedMu.Lock()
	defer r.droppedMu.Unlock()
	return r.dropped
}

func (r *QueueRecorder) consume(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, r.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		err := r.store.InsertEvents(context.Background(), batch)
		if err != nil {
			slog.Error("audit batch write failed",
				"batch_size", len(batch), "error", err.Error())
		}
		for range batch {
			if r.health.record(err == nil) {
				slog.Warn("audit trail degraded: failure rate above threshold",
					"window", failureRateWindow)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain accepted events before the final flush. The queue is
			// bounded, so shutdown stays bounded too.
			for {
				select {
				case env := <-r.queue:
					if env.Version != envelopeVersion {
						continue
					}
					batch = append(batch, env.Event)
					if len(batch) >= r.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case env := <-r.queue:
			if env.Version != envelopeVersion {
				slog.Warn("audit envelope version mismatch, frame discarded",
					"version", env.Version)
				continue
			}
			batch = append(batch, env.Event)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close flushes the current batch and stops the consumer.
func (r *QueueRecorder) Close() {
	r.cancel()
	r.wg.Wait()
}

// QueryService answers audit read queries. Lookups degrade to empty result
// sets when the store errors, matching the write side's tolerance.
type QueryService struct {
	store Store
}

// NewQueryService creates an audit query service.
func NewQueryService(store Store) *QueryService {
	return &QueryService{store: store}
}

// TokenHistory lists events for one token, newest first.
func (q *QueryService) TokenHistory(ctx context.Context, tenantID, tokenID string, limit int) []Event {
	events, err := q.store.ListByToken(ctx, tenantID, tokenID, clampLimit(limit))
	if err != nil {
		slog.WarnContext(ctx, "audit query failed", "token_id", tokenID, "error", err.Error())
		return []Event{}
	}
	return events
}

// SubjectHistory lists events for one subject, newest first.
func (q *QueryService) SubjectHistory(ctx context.Context, tenantID, subject string, limit int) []Event {
	events, err := q.store.ListBySubject(ctx, tenantID, subject, clampLimit(limit))
	if err != nil {
		slog.WarnContext(ctx, "audit query failed", "subject", subject, "error", err.Error())
		return []Event{}
	}
	return events
}

// RecentByType lists events of one type since a point in time.
func (q *QueryService) RecentByType(ctx context.Context, tenantID, eventType string, since time.Time, limit int) []Event {
	events, err := q.store.ListByType(ctx, tenantID, eventType, since, clampLimit(limit))
	if err != nil {
		slog.WarnContext(ctx, "audit query failed", "event_type", eventType, "error", err.Error())
		return []Event{}
	}
	return events
}

// Summary counts events per type since a point in time.
func (q *QueryService) Summary(ctx context.Context, tenantID string, since time.Time) map[string]int {
	counts, err := q.store.CountByType(ctx, tenantID, since)
	if err != nil {
		slog.WarnContext(ctx, "audit summary failed", "error", err.Error())
		return map[string]int{}
	}
	return counts
}

func clampLimit(limit int) int {
	const max = 500
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}
