package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/picktrack/fieldsync/internal/ledger"
	"github.com/picktrack/fieldsync/internal/models"
)

// fakeQueue is the in-memory substitute for the durable store.
type fakeQueue struct {
	mu    sync.Mutex
	items map[string]*models.QueuedItem

	listCalls    int
	listInFlight int
	maxListConc  int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{items: make(map[string]*models.QueuedItem)}
}

func (q *fakeQueue) add(item models.QueuedItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	copy := item
	q.items[item.ID] = &copy
}

func (q *fakeQueue) get(id string) models.QueuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := q.items[id]; ok {
		return *item
	}
	return models.QueuedItem{}
}

func (q *fakeQueue) ListPending(ctx context.Context) ([]models.QueuedItem, error) {
	q.mu.Lock()
	q.listCalls++
	q.listInFlight++
	if q.listInFlight > q.maxListConc {
		q.maxListConc = q.listInFlight
	}
	var items []models.QueuedItem
	for _, item := range q.items {
		if item.SyncState == models.StatePending {
			items = append(items, *item)
		}
	}
	q.mu.Unlock()

	// Give overlapping passes a chance to collide if reentrancy is broken.
	time.Sleep(5 * time.Millisecond)

	q.mu.Lock()
	q.listInFlight--
	q.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (q *fakeQueue) setState(id string, state models.SyncState) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("item %s not found", id)
	}
	item.SyncState = state
	return nil
}

func (q *fakeQueue) MarkInFlight(ctx context.Context, id string) error {
	return q.setState(id, models.StateInFlight)
}

func (q *fakeQueue) MarkPending(ctx context.Context, id string) error {
	return q.setState(id, models.StatePending)
}

func (q *fakeQueue) MarkSynced(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[id]; !ok {
		return fmt.Errorf("item %s not found", id)
	}
	delete(q.items, id)
	return nil
}

func (q *fakeQueue) MarkDeadLettered(ctx context.Context, id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("item %s not found", id)
	}
	item.SyncState = models.StateDeadLettered
	item.LastError = reason
	return nil
}

func (q *fakeQueue) IncrementRetry(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := q.items[id]; ok {
		item.RetryCount++
	}
	return nil
}

func (q *fakeQueue) Count(ctx context.Context, state models.SyncState) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, item := range q.items {
		if item.SyncState == state {
			n++
		}
	}
	return n, nil
}

// fakeRecorder scripts backend behavior per event id.
type fakeRecorder struct {
	mu       sync.Mutex
	fail     func(attempt int) error
	attempts map[string]int
	recorded map[string]models.LedgerEvent
}

func newFakeRecorder(fail func(attempt int) error) *fakeRecorder {
	return &fakeRecorder{
		fail:     fail,
		attempts: make(map[string]int),
		recorded: make(map[string]models.LedgerEvent),
	}
}

func (r *fakeRecorder) Record(ctx context.Context, event models.LedgerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[event.ID]++
	if r.fail != nil {
		if err := r.fail(r.attempts[event.ID]); err != nil {
			return err
		}
	}
	if _, ok := r.recorded[event.ID]; ok {
		return ledger.ErrAlreadyRecorded
	}
	r.recorded[event.ID] = event
	return nil
}

func testWorker(q Queue, r Recorder) *Worker {
	return New(Config{
		Queue:         q,
		Recorder:      r,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		DeviceID:      "device-test",
		SiteID:        "north",
		DrainInterval: time.Hour,
		Schedule:      []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	})
}

func scanItem(id string, createdAt time.Time) models.QueuedItem {
	payload, _ := json.Marshal(models.ScanPayload{PickerID: "P-123"})
	return models.QueuedItem{
		ID:        id,
		Kind:      models.KindScan,
		Payload:   payload,
		CreatedAt: createdAt,
		SyncState: models.StatePending,
	}
}

func TestDrainSyncsPendingItemInOrder(t *testing.T) {
	q := newFakeQueue()
	base := time.Now()
	q.add(scanItem("item-2", base.Add(time.Second)))
	q.add(scanItem("item-1", base))

	var order []string
	rec := newFakeRecorder(nil)

	w := testWorker(q, recorderFunc(func(ctx context.Context, ev models.LedgerEvent) error {
		order = append(order, ev.ID)
		return rec.Record(ctx, ev)
	}))
	w.SetOnline(true)
	w.drain(context.Background())

	if n, _ := q.Count(context.Background(), models.StatePending); n != 0 {
		t.Errorf("Expected empty pending queue after drain, got %d", n)
	}
	if len(rec.recorded) != 2 {
		t.Fatalf("Expected 2 recorded events, got %d", len(rec.recorded))
	}
	if len(order) != 2 || order[0] != ledger.EventIDFor("item-1") {
		t.Errorf("Expected creation-order processing, got %v", order)
	}

	// The event carries the derived id and device attribution.
	ev := rec.recorded[ledger.EventIDFor("item-1")]
	if ev.SubjectID != "P-123" {
		t.Errorf("Expected subject P-123, got %s", ev.SubjectID)
	}
	if ev.OriginDeviceID != "device-test" {
		t.Errorf("Expected device attribution, got %s", ev.OriginDeviceID)
	}
}

type recorderFunc func(ctx context.Context, event models.LedgerEvent) error

func (f recorderFunc) Record(ctx context.Context, event models.LedgerEvent) error {
	return f(ctx, event)
}

func TestDrainDeadLettersAfterThreeAttempts(t *testing.T) {
	q := newFakeQueue()
	q.add(scanItem("doomed", time.Now()))

	rec := newFakeRecorder(func(attempt int) error {
		return ledger.Classify(errors.New("network unreachable"))
	})

	w := testWorker(q, rec)
	w.SetOnline(true)
	w.drain(context.Background())

	item := q.get("doomed")
	if item.SyncState != models.StateDeadLettered {
		t.Fatalf("Expected dead-lettered state, got %s", item.SyncState)
	}
	if item.RetryCount != 3 {
		t.Errorf("Expected retry count 3, got %d", item.RetryCount)
	}
	if item.LastError == "" {
		t.Error("Expected last error to be populated")
	}
	if rec.attempts[ledger.EventIDFor("doomed")] != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", rec.attempts[ledger.EventIDFor("doomed")])
	}

	// Dead letters are never retried automatically: another pass must
	// not touch the item.
	w.drain(context.Background())
	if rec.attempts[ledger.EventIDFor("doomed")] != 3 {
		t.Error("Dead-lettered item was retried by a later pass")
	}
}

func TestDrainTreatsConflictAsSuccess(t *testing.T) {
	q := newFakeQueue()
	q.add(scanItem("dup", time.Now()))

	rec := newFakeRecorder(func(attempt int) error {
		return ledger.ErrAlreadyRecorded
	})

	w := testWorker(q, rec)
	w.SetOnline(true)
	w.drain(context.Background())

	if n, _ := q.Count(context.Background(), models.StatePending); n != 0 {
		t.Error("Conflicted item should be marked synced")
	}
	if n, _ := q.Count(context.Background(), models.StateDeadLettered); n != 0 {
		t.Error("Conflict must never dead-letter")
	}
	if rec.attempts[ledger.EventIDFor("dup")] != 1 {
		t.Errorf("Conflict should resolve on first attempt, got %d", rec.attempts[ledger.EventIDFor("dup")])
	}
}

func TestDrainRecoversAfterTransientFailure(t *testing.T) {
	q := newFakeQueue()
	q.add(scanItem("flaky", time.Now()))

	// First attempt fails, second succeeds.
	rec := newFakeRecorder(func(attempt int) error {
		if attempt == 1 {
			return ledger.Classify(errors.New("timeout"))
		}
		return nil
	})

	w := testWorker(q, rec)
	w.SetOnline(true)
	w.drain(context.Background())

	if len(rec.recorded) != 1 {
		t.Fatalf("Expected the event recorded after retry, got %d", len(rec.recorded))
	}
	item := q.get("flaky")
	if item.ID != "" {
		t.Errorf("Expected item removed after sync, still present as %s", item.SyncState)
	}
}

func TestDrainQuarantinesUnprocessablePayload(t *testing.T) {
	q := newFakeQueue()
	q.add(models.QueuedItem{
		ID:        "garbled",
		Kind:      models.KindScan,
		Payload:   []byte("{not json"),
		CreatedAt: time.Now(),
		SyncState: models.StatePending,
	})

	rec := newFakeRecorder(nil)
	w := testWorker(q, rec)
	w.SetOnline(true)
	w.drain(context.Background())

	item := q.get("garbled")
	if item.SyncState != models.StateDeadLettered {
		t.Fatalf("Expected unprocessable payload to be dead-lettered, got %s", item.SyncState)
	}
	if len(rec.recorded) != 0 {
		t.Error("Unprocessable payload must never reach the backend")
	}
}

func TestSkipsDrainWhileOffline(t *testing.T) {
	q := newFakeQueue()
	q.add(scanItem("waiting", time.Now()))

	rec := newFakeRecorder(nil)
	w := testWorker(q, rec)
	w.SetOnline(false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Nudge()
	time.Sleep(50 * time.Millisecond)

	if len(rec.recorded) != 0 {
		t.Error("Worker must not talk to the backend while offline")
	}

	// Coming online is itself a trigger.
	w.SetOnline(true)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := q.Count(context.Background(), models.StatePending); n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Item was not drained after coming online")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestOnlyOneDrainPassAtATime(t *testing.T) {
	q := newFakeQueue()
	for i := 0; i < 5; i++ {
		q.add(scanItem(fmt.Sprintf("item-%d", i), time.Now().Add(time.Duration(i)*time.Millisecond)))
	}

	rec := newFakeRecorder(nil)
	w := testWorker(q, rec)
	w.SetOnline(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	// Fire all trigger sources at once, repeatedly.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Nudge()
			w.SetOnline(true)
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := q.Count(context.Background(), models.StatePending); n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Queue was not drained")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done

	q.mu.Lock()
	maxConc := q.maxListConc
	q.mu.Unlock()
	if maxConc > 1 {
		t.Errorf("Observed %d overlapping drain passes, expected at most 1", maxConc)
	}

	// No item may be processed twice in parallel, and every item exactly once.
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for id, attempts := range rec.attempts {
		if attempts != 1 {
			t.Errorf("Event %s recorded %d times, expected 1", id, attempts)
		}
	}
	if len(rec.recorded) != 5 {
		t.Errorf("Expected 5 recorded events, got %d", len(rec.recorded))
	}
}
