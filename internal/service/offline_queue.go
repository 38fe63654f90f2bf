package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/cu-sync-agent/internal/broker"
	"github.com/Guizzs26/cu-sync-agent/internal/models"
	"github.com/Guizzs26/cu-sync-agent/internal/store"
	"github.com/Guizzs26/cu-sync-agent/pkg/metrics"
	"github.com/google/uuid"
)

const (
	DefaultBatchSize = 100

	SkipOffline     = "offline"
	SkipOfflineMode = "offline_mode"
	SkipInFlight    = "in_flight"

	publishTimeout = 5 * time.Second
)

// BatchProcessor defines the contract of the remote batch endpoints
type BatchProcessor interface {
	BatchProcess(ctx context.Context, kind models.TransactionType, txs []models.QueuedTransaction) (models.BatchResult, error)
}

// EventPublisher defines the contract for analytics event publishing
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event models.AgentEvent) error
}

// OfflineQueue stages transactions created while offline and submits them
// once connectivity returns. At most one flush runs at a time.
type OfflineQueue struct {
	store     store.Store
	backend   BatchProcessor
	events    EventPublisher
	conn      *Connectivity
	logger    *slog.Logger
	batchSize int

	mu          sync.Mutex
	items       []models.QueuedTransaction
	offlineMode bool

	// persistMu is held from snapshot to store write so writes land in
	// the order the snapshots were taken.
	persistMu sync.Mutex

	flushing atomic.Bool
}

func NewOfflineQueue(s store.Store, b BatchProcessor, e EventPublisher, c *Connectivity, batchSize int, l *slog.Logger) *OfflineQueue {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if e == nil {
		e = broker.NopPublisher{}
	}
	return &OfflineQueue{
		store:     s,
		backend:   b,
		events:    e,
		conn:      c,
		logger:    l.With("component", "offline_queue"),
		batchSize: batchSize,
	}
}

// Load restores the persisted queue and offline-mode flag. It must run once
// before the queue is used. On error the queue starts empty.
func (q *OfflineQueue) Load(ctx context.Context) error {
	var items []models.QueuedTransaction
	if _, err := q.store.Get(ctx, store.KeyQueue, &items); err != nil {
		return fmt.Errorf("load offline queue: %w", err)
	}

	var offlineMode bool
	if _, err := q.store.Get(ctx, store.KeyOfflineMode, &offlineMode); err != nil {
		return fmt.Errorf("load offline mode: %w", err)
	}

	q.mu.Lock()
	q.items = items
	q.offlineMode = offlineMode
	q.mu.Unlock()

	metrics.QueueBacklog.Set(float64(len(items)))
	q.logger.Info("Offline queue loaded", "pending", len(items), "offline_mode", offlineMode)
	return nil
}

// Enqueue assigns an id and timestamp and appends the transaction. A
// persistence failure is logged; the item stays queued in memory.
func (q *OfflineQueue) Enqueue(ctx context.Context, tx models.NewTransaction) models.QueuedTransaction {
	item := models.QueuedTransaction{
		ID:          uuid.NewString(),
		UserID:      tx.UserID,
		Type:        tx.Type,
		Amount:      tx.Amount,
		Description: tx.Description,
		CreatedAt:   time.Now().UTC(),
		LoanID:      tx.LoanID,
		Metadata:    tx.Metadata,
	}

	q.commit(ctx, func(items []models.QueuedTransaction) []models.QueuedTransaction {
		return append(items, item)
	})
	q.logger.Debug("Transaction queued", "id", item.ID, "type", item.Type)
	return item
}

// Pending returns a copy of the queued transactions in insertion order.
func (q *OfflineQueue) Pending() []models.QueuedTransaction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.items)
}

func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear abandons every queued transaction.
func (q *OfflineQueue) Clear(ctx context.Context) int {
	var dropped int
	q.commit(ctx, func(items []models.QueuedTransaction) []models.QueuedTransaction {
		dropped = len(items)
		return []models.QueuedTransaction{}
	})
	q.logger.Warn("Offline queue cleared manually", "dropped", dropped)
	return dropped
}

func (q *OfflineQueue) OfflineMode() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.offlineMode
}

// SetOfflineMode forces the agent offline regardless of connectivity.
func (q *OfflineQueue) SetOfflineMode(ctx context.Context, enabled bool) error {
	q.mu.Lock()
	q.offlineMode = enabled
	q.mu.Unlock()

	if err := q.store.Set(ctx, store.KeyOfflineMode, enabled); err != nil {
		return fmt.Errorf("persist offline mode: %w", err)
	}
	q.logger.Info("Offline mode changed", "enabled", enabled)
	return nil
}

// Flush submits every queued transaction, partitioned by type in a fixed
// order and chunked by the configured batch size. Only items the backend
// confirms as processed leave the queue.
func (q *OfflineQueue) Flush(ctx context.Context) models.FlushReport {
	if !q.conn.Online() {
		return q.skip(SkipOffline)
	}
	if q.OfflineMode() {
		return q.skip(SkipOfflineMode)
	}
	if !q.flushing.CompareAndSwap(false, true) {
		return q.skip(SkipInFlight)
	}
	defer q.flushing.Store(false)

	snapshot := q.Pending()
	if len(snapshot) == 0 {
		return models.FlushReport{}
	}

	start := time.Now()
	var report models.FlushReport
	processed := make(map[string]bool, len(snapshot))

	for _, kind := range models.FlushOrder {
		partition := filterByType(snapshot, kind)

		for from := 0; from < len(partition); from += q.batchSize {
			if ctx.Err() != nil {
				q.logger.Warn("Flush interrupted, unsent items stay queued", "type", kind)
				break
			}

			chunk := partition[from:min(from+q.batchSize, len(partition))]
			q.submitChunk(ctx, kind, chunk, processed, &report)
		}
	}

	report.Remaining = q.retainUnprocessed(ctx, processed)

	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	q.logger.Info("Flush cycle finished",
		"processed", report.Processed,
		"failed", report.Failed,
		"remaining", report.Remaining,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	q.publish(ctx, report)
	return report
}

func (q *OfflineQueue) submitChunk(ctx context.Context, kind models.TransactionType, chunk []models.QueuedTransaction, processed map[string]bool, report *models.FlushReport) {
	label := string(kind)
	metrics.ChunkSize.Observe(float64(len(chunk)))

	res, err := q.backend.BatchProcess(ctx, kind, chunk)
	if err != nil {
		q.logger.Error("Batch call failed, chunk retained", "type", kind, "size", len(chunk), "error", err)
		metrics.ChunkFailures.WithLabelValues(label).Inc()
		metrics.QueueItemsProcessed.WithLabelValues("failed", label).Add(float64(len(chunk)))
		report.Failed += len(chunk)
		report.Errors = append(report.Errors, fmt.Sprintf("%s batch: %v", kind, err))
		return
	}

	confirmed := make(map[string]bool, len(res.Processed))
	for _, id := range res.Processed {
		confirmed[id] = true
	}
	rejected := make(map[string]string, len(res.Failed))
	for _, f := range res.Failed {
		rejected[f.ID] = f.Error
	}

	for _, tx := range chunk {
		if reason, ok := rejected[tx.ID]; ok {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", tx.ID, reason))
			metrics.QueueItemsProcessed.WithLabelValues("failed", label).Inc()
			continue
		}
		if !confirmed[tx.ID] {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: no verdict returned", tx.ID))
			metrics.QueueItemsProcessed.WithLabelValues("failed", label).Inc()
			continue
		}
		processed[tx.ID] = true
		report.Processed++
		metrics.QueueItemsProcessed.WithLabelValues("processed", label).Inc()
	}
}

// retainUnprocessed rewrites the queue without the confirmed items. Items
// enqueued while the flush was running are kept.
func (q *OfflineQueue) retainUnprocessed(ctx context.Context, processed map[string]bool) int {
	return q.commit(context.WithoutCancel(ctx), func(items []models.QueuedTransaction) []models.QueuedTransaction {
		kept := make([]models.QueuedTransaction, 0, len(items))
		for _, tx := range items {
			if !processed[tx.ID] {
				kept = append(kept, tx)
			}
		}
		return kept
	})
}

// commit applies mutate to the in-memory queue and persists the result.
// It returns the new queue length.
func (q *OfflineQueue) commit(ctx context.Context, mutate func([]models.QueuedTransaction) []models.QueuedTransaction) int {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	q.items = mutate(q.items)
	snapshot := slices.Clone(q.items)
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	return len(snapshot)
}

func (q *OfflineQueue) persist(ctx context.Context, items []models.QueuedTransaction) {
	metrics.QueueBacklog.Set(float64(len(items)))
	if err := q.store.Set(ctx, store.KeyQueue, items); err != nil {
		q.logger.Error("Failed to persist offline queue", "pending", len(items), "error", err)
	}
}

func (q *OfflineQueue) skip(reason string) models.FlushReport {
	metrics.FlushSkipped.WithLabelValues(reason).Inc()
	q.logger.Debug("Flush skipped", "reason", reason)
	return models.FlushReport{Skipped: true, Reason: reason, Remaining: q.Len()}
}

func (q *OfflineQueue) publish(ctx context.Context, report models.FlushReport) {
	event, err := broker.NewEvent(broker.RoutingQueueFlushed, report)
	if err != nil {
		q.logger.Error("Failed to build flush event", "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := q.events.Publish(pubCtx, broker.RoutingQueueFlushed, event); err != nil {
		q.logger.Warn("Flush event not published", "event_id", event.EventID, "error", err)
	}
}

// PeriodicSync flushes on every tick and on every offline to online
// transition until ctx is done.
func (q *OfflineQueue) PeriodicSync(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.logger.Info("Periodic sync started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("Periodic sync stopped")
			return
		case <-ticker.C:
			q.Flush(ctx)
		case <-q.conn.Restored():
			q.logger.Info("Connectivity restored, flushing")
			q.Flush(ctx)
		}
	}
}

func filterByType(items []models.QueuedTransaction, kind models.TransactionType) []models.QueuedTransaction {
	var out []models.QueuedTransaction
	for _, tx := range items {
		if tx.Type == kind {
			out = append(out, tx)
		}
	}
	return out
}
