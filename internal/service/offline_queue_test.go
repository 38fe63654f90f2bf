package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Guizzs26/cu-sync-agent/internal/models"
	"github.com/Guizzs26/cu-sync-agent/internal/service"
	"github.com/Guizzs26/cu-sync-agent/internal/store"
	"github.com/shopspring/decimal"
)

type batchCall struct {
	kind models.TransactionType
	ids  []string
}

type fakeBackend struct {
	mu    sync.Mutex
	calls []batchCall
	fn    func(kind models.TransactionType, txs []models.QueuedTransaction) (models.BatchResult, error)
}

func (f *fakeBackend) BatchProcess(ctx context.Context, kind models.TransactionType, txs []models.QueuedTransaction) (models.BatchResult, error) {
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.ID)
	}
	f.mu.Lock()
	f.calls = append(f.calls, batchCall{kind: kind, ids: ids})
	f.mu.Unlock()

	if f.fn != nil {
		return f.fn(kind, txs)
	}
	return models.BatchResult{Processed: ids}, nil
}

func (f *fakeBackend) Calls() []batchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]batchCall(nil), f.calls...)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.AgentEvent
}

func (f *fakePublisher) Publish(ctx context.Context, routingKey string, event models.AgentEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type failingStore struct{ *store.MemoryStore }

func (f *failingStore) Set(ctx context.Context, key string, value any) error {
	return errors.New("disk full")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newQueue(t *testing.T, st store.Store, backend service.BatchProcessor, batchSize int) (*service.OfflineQueue, *service.Connectivity) {
	t.Helper()
	conn := service.NewConnectivity(true, discardLogger())
	q := service.NewOfflineQueue(st, backend, nil, conn, batchSize, discardLogger())
	if err := q.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return q, conn
}

func deposit(user string, amount int64) models.NewTransaction {
	return models.NewTransaction{UserID: user, Type: models.TypeDeposit, Amount: decimal.NewFromInt(amount)}
}

func TestEnqueueRoundTrip(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	q, _ := newQueue(t, st, &fakeBackend{}, 100)

	in := models.NewTransaction{
		UserID:      "member-1",
		Type:        models.TypeLoanPayment,
		Amount:      decimal.RequireFromString("125.50"),
		Description: "March installment",
		LoanID:      "loan-9",
		Metadata:    map[string]any{"teller": "t-4", "drawer": float64(3)},
	}
	before := time.Now().UTC()
	out := q.Enqueue(context.Background(), in)

	if out.ID == "" {
		t.Fatal("expected generated id")
	}
	if out.CreatedAt.Before(before.Add(-time.Second)) {
		t.Fatalf("unexpected timestamp %s", out.CreatedAt)
	}

	var persisted []models.QueuedTransaction
	found, err := st.Get(context.Background(), store.KeyQueue, &persisted)
	if err != nil || !found {
		t.Fatalf("expected persisted queue, found=%v err=%v", found, err)
	}
	if len(persisted) != 1 {
		t.Fatalf("expected 1 persisted item, got %d", len(persisted))
	}

	got := persisted[0]
	if got.ID != out.ID || got.UserID != in.UserID || got.Type != in.Type || !got.Amount.Equal(in.Amount) ||
		got.Description != in.Description || got.LoanID != in.LoanID || got.Metadata["teller"] != "t-4" ||
		got.Metadata["drawer"] != float64(3) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(out.CreatedAt) {
		t.Fatalf("timestamp mismatch: %s vs %s", got.CreatedAt, out.CreatedAt)
	}
}

func TestLoadRestoresPersistedState(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	first, _ := newQueue(t, st, &fakeBackend{}, 100)
	first.Enqueue(context.Background(), deposit("u1", 10))
	first.Enqueue(context.Background(), deposit("u2", 20))
	if err := first.SetOfflineMode(context.Background(), true); err != nil {
		t.Fatalf("set offline mode: %v", err)
	}

	second, _ := newQueue(t, st, &fakeBackend{}, 100)
	if second.Len() != 2 {
		t.Fatalf("expected 2 restored items, got %d", second.Len())
	}
	if !second.OfflineMode() {
		t.Fatal("expected offline mode restored")
	}
}

func TestEnqueueSurvivesStoreFailure(t *testing.T) {
	t.Parallel()

	st := &failingStore{MemoryStore: store.NewMemoryStore()}
	q, _ := newQueue(t, st, &fakeBackend{}, 100)

	q.Enqueue(context.Background(), deposit("u1", 10))
	if q.Len() != 1 {
		t.Fatalf("expected item kept in memory, got %d", q.Len())
	}
}

func TestFlushChunksBoundary(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	q, _ := newQueue(t, store.NewMemoryStore(), backend, 100)
	for i := 0; i < 250; i++ {
		q.Enqueue(context.Background(), deposit("u1", 1))
	}

	report := q.Flush(context.Background())

	calls := backend.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(calls))
	}
	for i, want := range []int{100, 100, 50} {
		if len(calls[i].ids) != want {
			t.Fatalf("chunk %d: expected %d items, got %d", i, want, len(calls[i].ids))
		}
	}
	if report.Processed != 250 || report.Failed != 0 || q.Len() != 0 {
		t.Fatalf("unexpected report %+v, remaining %d", report, q.Len())
	}
}

func TestFlushPreservesInsertionOrderWithinType(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	q, _ := newQueue(t, store.NewMemoryStore(), backend, 2)

	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, q.Enqueue(context.Background(), deposit("u1", int64(i+1))).ID)
	}
	q.Flush(context.Background())

	var got []string
	for _, c := range backend.Calls() {
		got = append(got, c.ids...)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d ids, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch at %d: %v vs %v", i, got, want)
		}
	}
}

func TestFlushPartitionsInFixedTypeOrder(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	q, _ := newQueue(t, store.NewMemoryStore(), backend, 100)

	ctx := context.Background()
	q.Enqueue(ctx, models.NewTransaction{UserID: "u", Type: models.TypeLoanPayment, Amount: decimal.NewFromInt(1), LoanID: "l1"})
	q.Enqueue(ctx, models.NewTransaction{UserID: "u", Type: models.TypeWithdrawal, Amount: decimal.NewFromInt(1)})
	q.Enqueue(ctx, deposit("u", 1))

	q.Flush(ctx)

	calls := backend.Calls()
	want := []models.TransactionType{models.TypeDeposit, models.TypeWithdrawal, models.TypeLoanPayment}
	if len(calls) != len(want) {
		t.Fatalf("expected %d calls, got %d", len(want), len(calls))
	}
	for i, kind := range want {
		if calls[i].kind != kind {
			t.Fatalf("call %d: expected %s, got %s", i, kind, calls[i].kind)
		}
	}
}

func TestFlushTransportFailureRetainsChunk(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &fakeBackend{}
	backend.fn = func(kind models.TransactionType, txs []models.QueuedTransaction) (models.BatchResult, error) {
		if kind == models.TypeDeposit {
			return models.BatchResult{}, errors.New("network unreachable")
		}
		return models.BatchResult{Processed: []string{txs[0].ID}}, nil
	}
	st := store.NewMemoryStore()
	q, _ := newQueue(t, st, backend, 100)

	dep := q.Enqueue(ctx, deposit("u1", 50))
	q.Enqueue(ctx, models.NewTransaction{UserID: "u1", Type: models.TypeWithdrawal, Amount: decimal.NewFromInt(20)})

	report := q.Flush(ctx)

	if report.Processed != 1 || report.Failed != 1 {
		t.Fatalf("expected processed=1 failed=1, got %+v", report)
	}
	if len(report.Errors) != 1 {
		t.Fatalf("expected one error entry, got %v", report.Errors)
	}

	pending := q.Pending()
	if len(pending) != 1 || pending[0].ID != dep.ID {
		t.Fatalf("expected only the deposit to remain, got %+v", pending)
	}

	var persisted []models.QueuedTransaction
	if _, err := st.Get(ctx, store.KeyQueue, &persisted); err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(persisted) != 1 || persisted[0].ID != dep.ID {
		t.Fatalf("expected persisted queue to hold only the deposit, got %+v", persisted)
	}
}

func TestFlushPerItemVerdicts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &fakeBackend{}
	q, _ := newQueue(t, store.NewMemoryStore(), backend, 100)

	ok := q.Enqueue(ctx, deposit("u1", 10))
	rejected := q.Enqueue(ctx, deposit("u2", 10))
	omitted := q.Enqueue(ctx, deposit("u3", 10))

	backend.fn = func(kind models.TransactionType, txs []models.QueuedTransaction) (models.BatchResult, error) {
		return models.BatchResult{
			Processed: []string{ok.ID},
			Failed:    []models.BatchFailure{{ID: rejected.ID, Error: "account frozen"}},
		}, nil
	}

	report := q.Flush(ctx)

	if report.Processed != 1 || report.Failed != 2 || report.Remaining != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Errors[0] != rejected.ID+": account frozen" {
		t.Fatalf("unexpected error entry %q", report.Errors[0])
	}

	pending := q.Pending()
	if len(pending) != 2 || pending[0].ID != rejected.ID || pending[1].ID != omitted.ID {
		t.Fatalf("unexpected remaining items %+v", pending)
	}
}

func TestFlushIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &fakeBackend{}
	q, _ := newQueue(t, store.NewMemoryStore(), backend, 100)

	q.Enqueue(ctx, deposit("u1", 10))
	q.Enqueue(ctx, deposit("u2", 10))

	backend.fn = func(kind models.TransactionType, txs []models.QueuedTransaction) (models.BatchResult, error) {
		return models.BatchResult{
			Processed: []string{txs[0].ID},
			Failed:    []models.BatchFailure{{ID: txs[1].ID, Error: "limit exceeded"}},
		}, nil
	}
	q.Flush(ctx)
	after := q.Pending()

	backend.fn = func(kind models.TransactionType, txs []models.QueuedTransaction) (models.BatchResult, error) {
		var failed []models.BatchFailure
		for _, tx := range txs {
			failed = append(failed, models.BatchFailure{ID: tx.ID, Error: "limit exceeded"})
		}
		return models.BatchResult{Failed: failed}, nil
	}
	q.Flush(ctx)
	again := q.Pending()

	if len(after) != 1 || len(again) != 1 || after[0].ID != again[0].ID {
		t.Fatalf("expected unchanged queue, got %+v then %+v", after, again)
	}
}

func TestFlushSkippedWhenOffline(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	q, conn := newQueue(t, store.NewMemoryStore(), backend, 100)
	q.Enqueue(context.Background(), deposit("u1", 10))

	conn.SetOnline(false)
	report := q.Flush(context.Background())

	if !report.Skipped || report.Reason != service.SkipOffline {
		t.Fatalf("expected offline skip, got %+v", report)
	}
	if len(backend.Calls()) != 0 || q.Len() != 1 {
		t.Fatal("offline flush must not touch the backend or the queue")
	}
}

func TestFlushSkippedInOfflineMode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &fakeBackend{}
	q, _ := newQueue(t, store.NewMemoryStore(), backend, 100)
	q.Enqueue(ctx, deposit("u1", 10))

	if err := q.SetOfflineMode(ctx, true); err != nil {
		t.Fatalf("set offline mode: %v", err)
	}
	report := q.Flush(ctx)
	if !report.Skipped || report.Reason != service.SkipOfflineMode {
		t.Fatalf("expected offline mode skip, got %+v", report)
	}

	if err := q.SetOfflineMode(ctx, false); err != nil {
		t.Fatalf("set offline mode: %v", err)
	}
	if report := q.Flush(ctx); report.Skipped || report.Processed != 1 {
		t.Fatalf("expected flush after leaving offline mode, got %+v", report)
	}
}

func TestFlushConcurrentCallIsSkipped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	backend := &fakeBackend{}
	backend.fn = func(kind models.TransactionType, txs []models.QueuedTransaction) (models.BatchResult, error) {
		close(entered)
		<-release
		return models.BatchResult{Processed: []string{txs[0].ID}}, nil
	}
	q, _ := newQueue(t, store.NewMemoryStore(), backend, 100)
	q.Enqueue(ctx, deposit("u1", 10))

	done := make(chan models.FlushReport)
	go func() { done <- q.Flush(ctx) }()
	<-entered

	second := q.Flush(ctx)
	if !second.Skipped || second.Reason != service.SkipInFlight {
		t.Fatalf("expected in-flight skip, got %+v", second)
	}

	close(release)
	if first := <-done; first.Processed != 1 {
		t.Fatalf("expected first flush to process the item, got %+v", first)
	}
}

func TestEnqueueDuringFlushSurvivesRewrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	backend := &fakeBackend{}
	backend.fn = func(kind models.TransactionType, txs []models.QueuedTransaction) (models.BatchResult, error) {
		close(entered)
		<-release
		return models.BatchResult{Processed: []string{txs[0].ID}}, nil
	}
	q, _ := newQueue(t, store.NewMemoryStore(), backend, 100)
	q.Enqueue(ctx, deposit("u1", 10))

	done := make(chan models.FlushReport)
	go func() { done <- q.Flush(ctx) }()
	<-entered

	late := q.Enqueue(ctx, deposit("u2", 99))
	close(release)
	<-done

	pending := q.Pending()
	if len(pending) != 1 || pending[0].ID != late.ID {
		t.Fatalf("expected late item to survive, got %+v", pending)
	}
}

func TestFlushPublishesEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub := &fakePublisher{}
	conn := service.NewConnectivity(true, discardLogger())
	q := service.NewOfflineQueue(store.NewMemoryStore(), &fakeBackend{}, pub, conn, 100, discardLogger())

	q.Flush(ctx)
	if len(pub.events) != 0 {
		t.Fatal("empty flush must not publish")
	}

	q.Enqueue(ctx, deposit("u1", 10))
	q.Flush(ctx)
	if len(pub.events) != 1 || pub.events[0].Kind != "agent.queue.flushed" {
		t.Fatalf("expected one flush event, got %+v", pub.events)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.NewMemoryStore()
	q, _ := newQueue(t, st, &fakeBackend{}, 100)
	q.Enqueue(ctx, deposit("u1", 10))
	q.Enqueue(ctx, deposit("u2", 10))

	if dropped := q.Clear(ctx); dropped != 2 {
		t.Fatalf("expected 2 dropped, got %d", dropped)
	}

	var persisted []models.QueuedTransaction
	if _, err := st.Get(ctx, store.KeyQueue, &persisted); err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(persisted) != 0 || q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d persisted, %d in memory", len(persisted), q.Len())
	}
}

func TestPeriodicSyncFlushesOnReconnect(t *testing.T) {
	t.Parallel()

	flushed := make(chan struct{}, 1)
	backend := &fakeBackend{}
	backend.fn = func(kind models.TransactionType, txs []models.QueuedTransaction) (models.BatchResult, error) {
		select {
		case flushed <- struct{}{}:
		default:
		}
		return models.BatchResult{Processed: []string{txs[0].ID}}, nil
	}

	q, conn := newQueue(t, store.NewMemoryStore(), backend, 100)
	conn.SetOnline(false)
	q.Enqueue(context.Background(), deposit("u1", 10))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.PeriodicSync(ctx, time.Hour)
		close(done)
	}()

	conn.SetOnline(true)

	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected flush after connectivity was restored")
	}

	cancel()
	<-done
}

// slowFirstStore delays the first queue write so a later write could
// overtake it.
type slowFirstStore struct {
	*store.MemoryStore
	once    sync.Once
	entered chan struct{}
}

func (s *slowFirstStore) Set(ctx context.Context, key string, value any) error {
	if key == store.KeyQueue {
		first := false
		s.once.Do(func() { first = true })
		if first {
			raw, err := json.Marshal(value)
			if err != nil {
				return err
			}
			close(s.entered)
			time.Sleep(50 * time.Millisecond)
			return s.MemoryStore.Set(ctx, key, json.RawMessage(raw))
		}
	}
	return s.MemoryStore.Set(ctx, key, value)
}

func TestConcurrentEnqueuePersistsInOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := &slowFirstStore{MemoryStore: store.NewMemoryStore(), entered: make(chan struct{})}
	q, _ := newQueue(t, st, &fakeBackend{}, 100)

	done := make(chan struct{})
	go func() {
		q.Enqueue(ctx, deposit("u1", 10))
		close(done)
	}()
	<-st.entered

	q.Enqueue(ctx, deposit("u2", 20))
	<-done

	restarted, _ := newQueue(t, st, &fakeBackend{}, 100)
	if restarted.Len() != 2 {
		t.Fatalf("expected 2 transactions after restart, got %d", restarted.Len())
	}
}

func TestFlushRewriteNotOvertakenByEnqueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := &slowFirstStore{MemoryStore: store.NewMemoryStore(), entered: make(chan struct{})}
	conn := service.NewConnectivity(true, discardLogger())
	q := service.NewOfflineQueue(st, &fakeBackend{}, nil, conn, 100, discardLogger())

	// Seed without going through the queue so the flush rewrite is the
	// first delayed write.
	seed := []models.QueuedTransaction{{ID: "tx-1", UserID: "u1", Type: models.TypeDeposit, Amount: decimal.NewFromInt(5)}}
	if err := st.MemoryStore.Set(ctx, store.KeyQueue, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := q.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	done := make(chan models.FlushReport)
	go func() { done <- q.Flush(ctx) }()
	<-st.entered

	late := q.Enqueue(ctx, deposit("u2", 20))
	if report := <-done; report.Processed != 1 {
		t.Fatalf("expected the seeded item processed, got %+v", report)
	}

	restarted, _ := newQueue(t, st, &fakeBackend{}, 100)
	pending := restarted.Pending()
	if len(pending) != 1 || pending[0].ID != late.ID {
		t.Fatalf("expected only the late item after restart, got %+v", pending)
	}
}
