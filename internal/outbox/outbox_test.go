package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/store"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeMonitor struct {
	mu        sync.Mutex
	online    bool
	subs      map[int]func(bool)
	nextSubID int
}

func newFakeMonitor(online bool) *fakeMonitor {
	return &fakeMonitor{online: online, subs: make(map[int]func(bool))}
}

func (m *fakeMonitor) OnChange(cb func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = cb
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

func (m *fakeMonitor) Current(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online, nil
}

func (m *fakeMonitor) SetOnline(online bool) {
	m.mu.Lock()
	m.online = online
	cbs := make([]func(bool), 0, len(m.subs))
	for _, cb := range m.subs {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(online)
	}
}

// fakeClock lets tests advance the service's idea of now.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// scriptedProcessor fails a configured number of times per item, then succeeds.
type scriptedProcessor struct {
	mu       sync.Mutex
	failures map[string]int // item id -> remaining failures
	calls    []string       // item ids in invocation order
	inflight int
	maxSeen  int
	block    chan struct{} // when non-nil, calls park here
}

func newScriptedProcessor() *scriptedProcessor {
	return &scriptedProcessor{failures: make(map[string]int)}
}

func (p *scriptedProcessor) failTimes(id string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[id] = n
}

func (p *scriptedProcessor) process(ctx context.Context, item domain.Item) error {
	p.mu.Lock()
	p.calls = append(p.calls, item.ID)
	p.inflight++
	if p.inflight > p.maxSeen {
		p.maxSeen = p.inflight
	}
	block := p.block
	remaining := p.failures[item.ID]
	if remaining > 0 {
		p.failures[item.ID] = remaining - 1
	}
	p.mu.Unlock()

	if block != nil {
		<-block
	}

	p.mu.Lock()
	p.inflight--
	p.mu.Unlock()

	if remaining > 0 {
		return errors.New("upstream rejected mutation")
	}
	return nil
}

func (p *scriptedProcessor) callIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	svc     *Service
	store   *store.MemoryStore
	monitor *fakeMonitor
	proc    *scriptedProcessor
	clock   *fakeClock
}

func testPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        time.Minute,
		BackoffMultiple: 2.0,
	}
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()

	h := &harness{
		store:   store.NewMemoryStore(),
		monitor: newFakeMonitor(online),
		proc:    newScriptedProcessor(),
		clock:   newFakeClock(),
	}

	reg := NewRegistry()
	reg.Register(domain.ItemTypeBounty, h.proc.process)
	reg.Register(domain.ItemTypeMessage, h.proc.process)

	svc, err := New(context.Background(), h.store, h.monitor, reg, Options{Policy: testPolicy()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	svc.now = h.clock.Now
	h.svc = svc
	return h
}

func (h *harness) enqueue(t *testing.T, typ domain.ItemType) domain.Item {
	t.Helper()
	item, err := h.svc.Enqueue(context.Background(), typ, domain.MessagePayload{Body: "hi"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return item
}

// waitFor polls until cond holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func itemByID(items []domain.Item, id string) (domain.Item, bool) {
	for _, it := range items {
		if it.ID == id {
			return it, true
		}
	}
	return domain.Item{}, false
}

// =============================================================================
// Enqueue / offline behavior
// =============================================================================

func TestEnqueue_OfflineLeavesItemPending(t *testing.T) {
	h := newHarness(t, false)
	item := h.enqueue(t, domain.ItemTypeMessage)

	items := h.svc.Items()
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].ID != item.ID || items[0].Status != domain.ItemStatusPending {
		t.Errorf("expected pending item %s, got %+v", item.ID, items[0])
	}
	if items[0].RetryCount != 0 {
		t.Errorf("expected retry count 0, got %d", items[0].RetryCount)
	}
	if len(h.proc.callIDs()) != 0 {
		t.Error("processor must not run while offline")
	}
}

func TestProcess_OfflineIsNoop(t *testing.T) {
	h := newHarness(t, false)
	h.enqueue(t, domain.ItemTypeBounty)

	h.svc.Process(context.Background())

	if len(h.proc.callIDs()) != 0 {
		t.Error("expected no processing while offline")
	}
	if got := h.svc.Items()[0].Status; got != domain.ItemStatusPending {
		t.Errorf("expected item untouched, got status %s", got)
	}
}

func TestEnqueue_UnknownTypeRejected(t *testing.T) {
	h := newHarness(t, false)
	if _, err := h.svc.Enqueue(context.Background(), domain.ItemType("refund"), nil); err == nil {
		t.Error("expected error for unregistered type")
	}
}

func TestEnqueue_PersistsImmediately(t *testing.T) {
	h := newHarness(t, false)
	item := h.enqueue(t, domain.ItemTypeBounty)

	raw, ok, err := h.store.Get(context.Background(), DefaultStateKey)
	if err != nil || !ok {
		t.Fatalf("expected persisted state, ok=%v err=%v", ok, err)
	}
	if raw == "" || raw == "[]" {
		t.Errorf("expected item %s in persisted record, got %q", item.ID, raw)
	}
}

// =============================================================================
// Drain behavior
// =============================================================================

func TestOnlineTransitionDrainsInOrder(t *testing.T) {
	h := newHarness(t, false)
	a := h.enqueue(t, domain.ItemTypeMessage)
	b := h.enqueue(t, domain.ItemTypeBounty)

	h.monitor.SetOnline(true)

	waitFor(t, func() bool { return len(h.svc.Items()) == 0 })

	calls := h.proc.callIDs()
	if len(calls) != 2 || calls[0] != a.ID || calls[1] != b.ID {
		t.Errorf("expected calls [%s %s], got %v", a.ID, b.ID, calls)
	}
}

func TestDrain_FailureIncrementsRetryAndRecordsError(t *testing.T) {
	h := newHarness(t, true)
	h.proc.block = nil

	item := h.enqueue(t, domain.ItemTypeMessage)
	h.proc.failTimes(item.ID, 1)

	waitFor(t, func() bool {
		it, ok := itemByID(h.svc.Items(), item.ID)
		return ok && it.RetryCount == 1
	})

	it, _ := itemByID(h.svc.Items(), item.ID)
	if it.Status != domain.ItemStatusPending {
		t.Errorf("expected pending after retryable failure, got %s", it.Status)
	}
	if it.LastError == "" {
		t.Error("expected last error to be recorded")
	}

	// Backoff base*2^1 has not elapsed: another pass must skip it.
	h.svc.Process(context.Background())
	if calls := h.proc.callIDs(); len(calls) != 1 {
		t.Fatalf("expected backoff to hold the item, got %d calls", len(calls))
	}

	// Once the backoff elapses the next pass delivers it.
	h.clock.Advance(3 * time.Second)
	waitFor(t, func() bool {
		h.svc.Process(context.Background())
		return len(h.svc.Items()) == 0
	})
}

func TestDrain_ExhaustedRetriesMarkFailed(t *testing.T) {
	h := newHarness(t, true)
	item := h.enqueue(t, domain.ItemTypeBounty)
	h.proc.failTimes(item.ID, 100)

	for i := 0; i < 3; i++ {
		waitFor(t, func() bool {
			h.svc.Process(context.Background())
			it, ok := itemByID(h.svc.Items(), item.ID)
			return ok && it.RetryCount == i+1 && it.Status != domain.ItemStatusProcessing
		})
		h.clock.Advance(time.Hour)
	}

	it, _ := itemByID(h.svc.Items(), item.ID)
	if it.Status != domain.ItemStatusFailed {
		t.Fatalf("expected failed after %d attempts, got %s", testPolicy().MaxAttempts, it.Status)
	}
	if it.RetryCount != 3 {
		t.Errorf("expected retry count 3, got %d", it.RetryCount)
	}

	// A connectivity flap must not resurrect it.
	h.monitor.SetOnline(false)
	h.monitor.SetOnline(true)
	time.Sleep(20 * time.Millisecond)

	it, _ = itemByID(h.svc.Items(), item.ID)
	if it.Status != domain.ItemStatusFailed {
		t.Errorf("failed item was auto-retried, status %s", it.Status)
	}
	if calls := h.proc.callIDs(); len(calls) != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", len(calls))
	}
}

func TestDrain_SkipsItemWhoseBackoffHasNotElapsed(t *testing.T) {
	h := newHarness(t, true)

	a := h.enqueue(t, domain.ItemTypeMessage)
	h.proc.failTimes(a.ID, 1)
	waitFor(t, func() bool {
		it, ok := itemByID(h.svc.Items(), a.ID)
		return ok && it.RetryCount == 1
	})

	// B is fresh and eligible; A is waiting out its backoff.
	b := h.enqueue(t, domain.ItemTypeBounty)
	waitFor(t, func() bool {
		h.svc.Process(context.Background())
		_, ok := itemByID(h.svc.Items(), b.ID)
		return !ok
	})

	if it, ok := itemByID(h.svc.Items(), a.ID); !ok || it.Status != domain.ItemStatusPending {
		t.Errorf("expected item A still pending, got %+v", it)
	}
}

func TestProcess_SingleFlight(t *testing.T) {
	h := newHarness(t, true)
	h.proc.block = make(chan struct{})

	h.enqueue(t, domain.ItemTypeMessage)
	waitFor(t, func() bool {
		h.proc.mu.Lock()
		defer h.proc.mu.Unlock()
		return h.proc.inflight == 1
	})

	// Overlapping triggers while a drain is parked inside the processor.
	for i := 0; i < 5; i++ {
		go h.svc.Process(context.Background())
	}
	time.Sleep(20 * time.Millisecond)
	close(h.proc.block)

	waitFor(t, func() bool { return len(h.svc.Items()) == 0 })

	if h.proc.maxSeen != 1 {
		t.Errorf("expected at most 1 concurrent invocation, saw %d", h.proc.maxSeen)
	}
	if calls := h.proc.callIDs(); len(calls) != 1 {
		t.Errorf("expected exactly 1 invocation, got %d", len(calls))
	}
}

func TestDrain_PanickingProcessorCountsAsFailure(t *testing.T) {
	reg := NewRegistry()
	reg.Register(domain.ItemTypeBounty, func(ctx context.Context, item domain.Item) error {
		panic("boom")
	})

	svc, err := New(context.Background(), store.NewMemoryStore(), newFakeMonitor(true), reg,
		Options{Policy: testPolicy()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	item, err := svc.Enqueue(context.Background(), domain.ItemTypeBounty, domain.BountyPayload{Title: "t"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	waitFor(t, func() bool {
		it, ok := itemByID(svc.Items(), item.ID)
		return ok && it.RetryCount == 1 && it.Status == domain.ItemStatusPending
	})
}

// =============================================================================
// Manual item management
// =============================================================================

func TestRetryItem_ResetsFailedItem(t *testing.T) {
	h := newHarness(t, true)
	item := h.enqueue(t, domain.ItemTypeMessage)
	h.proc.failTimes(item.ID, 3)

	for i := 0; i < 3; i++ {
		waitFor(t, func() bool {
			h.svc.Process(context.Background())
			it, ok := itemByID(h.svc.Items(), item.ID)
			return ok && it.RetryCount == i+1 && it.Status != domain.ItemStatusProcessing
		})
		h.clock.Advance(time.Hour)
	}

	it, _ := itemByID(h.svc.Items(), item.ID)
	if it.Status != domain.ItemStatusFailed {
		t.Fatalf("setup: expected failed item, got %s", it.Status)
	}

	if !h.svc.RetryItem(context.Background(), item.ID) {
		t.Fatal("RetryItem returned false")
	}

	// Reset to a clean pending state and drained on the spot.
	waitFor(t, func() bool {
		h.svc.Process(context.Background())
		return len(h.svc.Items()) == 0
	})
}

func TestRetryItem_UnknownID(t *testing.T) {
	h := newHarness(t, false)
	if h.svc.RetryItem(context.Background(), "nope") {
		t.Error("expected false for unknown id")
	}
}

func TestRemoveItem_AnyStatus(t *testing.T) {
	h := newHarness(t, false)
	item := h.enqueue(t, domain.ItemTypeBounty)

	if !h.svc.RemoveItem(context.Background(), item.ID) {
		t.Fatal("RemoveItem returned false")
	}
	if len(h.svc.Items()) != 0 {
		t.Error("expected empty queue after removal")
	}
	if h.svc.RemoveItem(context.Background(), item.ID) {
		t.Error("expected false for already-removed id")
	}
}

func TestClearFailed_KeepsOtherItems(t *testing.T) {
	h := newHarness(t, true)
	bad := h.enqueue(t, domain.ItemTypeMessage)
	h.proc.failTimes(bad.ID, 100)

	for i := 0; i < 3; i++ {
		waitFor(t, func() bool {
			h.svc.Process(context.Background())
			it, ok := itemByID(h.svc.Items(), bad.ID)
			return ok && it.RetryCount == i+1 && it.Status != domain.ItemStatusProcessing
		})
		h.clock.Advance(time.Hour)
	}

	h.monitor.SetOnline(false)
	good := h.enqueue(t, domain.ItemTypeBounty)

	h.svc.ClearFailed(context.Background())

	items := h.svc.Items()
	if len(items) != 1 || items[0].ID != good.ID {
		t.Errorf("expected only %s to survive, got %+v", good.ID, items)
	}
}

// =============================================================================
// Snapshots and listeners
// =============================================================================

func TestItemsByTypeAndHasPending(t *testing.T) {
	h := newHarness(t, false)
	h.enqueue(t, domain.ItemTypeMessage)
	h.enqueue(t, domain.ItemTypeBounty)
	h.enqueue(t, domain.ItemTypeMessage)

	if got := len(h.svc.ItemsByType(domain.ItemTypeMessage)); got != 2 {
		t.Errorf("expected 2 messages, got %d", got)
	}
	if got := len(h.svc.ItemsByType(domain.ItemTypeBounty)); got != 1 {
		t.Errorf("expected 1 bounty, got %d", got)
	}
	if !h.svc.HasPending() {
		t.Error("expected pending items")
	}
}

func TestItems_SnapshotIsACopy(t *testing.T) {
	h := newHarness(t, false)
	h.enqueue(t, domain.ItemTypeMessage)

	snap := h.svc.Items()
	snap[0].Status = domain.ItemStatusFailed
	snap[0].Payload[0] = 'X'

	fresh := h.svc.Items()
	if fresh[0].Status != domain.ItemStatusPending {
		t.Error("snapshot mutation leaked into queue state")
	}
	if fresh[0].Payload[0] == 'X' {
		t.Error("payload mutation leaked into queue state")
	}
}

func TestListeners_NotifiedAndPanicSafe(t *testing.T) {
	h := newHarness(t, false)

	var mu sync.Mutex
	notified := 0
	h.svc.AddListener(func() { panic("bad observer") })
	unsub := h.svc.AddListener(func() {
		mu.Lock()
		notified++
		mu.Unlock()
	})

	h.enqueue(t, domain.ItemTypeMessage)

	mu.Lock()
	got := notified
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected 1 notification despite panicking sibling, got %d", got)
	}

	unsub()
	h.enqueue(t, domain.ItemTypeMessage)

	mu.Lock()
	defer mu.Unlock()
	if notified != 1 {
		t.Errorf("expected no notifications after unsubscribe, got %d", notified)
	}
}

// =============================================================================
// Persistence and startup
// =============================================================================

func TestNew_RestoresPersistedQueueAndDrains(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	// State left behind by a crash mid-attempt.
	seed := `[
		{"id":"i-1","type":"message","payload":{"body":"hi"},"status":"processing","retry_count":0,"last_attempt_at":"2025-06-01T00:00:00Z"},
		{"id":"i-2","type":"message","payload":{"body":"yo"},"status":"failed","retry_count":3,"last_attempt_at":"2025-06-01T00:00:00Z","last_error":"x"}
	]`
	if err := st.Set(ctx, DefaultStateKey, seed); err != nil {
		t.Fatal(err)
	}

	proc := newScriptedProcessor()
	reg := NewRegistry()
	reg.Register(domain.ItemTypeMessage, proc.process)

	svc, err := New(ctx, st, newFakeMonitor(true), reg, Options{Policy: testPolicy()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// The interrupted item comes back pending and gets delivered; the failed
	// one stays put.
	waitFor(t, func() bool {
		items := svc.Items()
		return len(items) == 1 && items[0].ID == "i-2"
	})
	if calls := proc.callIDs(); len(calls) != 1 || calls[0] != "i-1" {
		t.Errorf("expected only i-1 delivered, got %v", calls)
	}
	if items := svc.Items(); items[0].Status != domain.ItemStatusFailed {
		t.Errorf("failed item changed status to %s", items[0].Status)
	}
}

// failingStore errors on writes to exercise the best-effort durability path.
type failingStore struct {
	*store.MemoryStore
	failWrites bool
}

func (s *failingStore) Set(ctx context.Context, key, value string) error {
	if s.failWrites {
		return errors.New("disk full")
	}
	return s.MemoryStore.Set(ctx, key, value)
}

func TestPersistFailure_KeepsInMemoryState(t *testing.T) {
	st := &failingStore{MemoryStore: store.NewMemoryStore(), failWrites: true}
	proc := newScriptedProcessor()
	reg := NewRegistry()
	reg.Register(domain.ItemTypeMessage, proc.process)

	svc, err := New(context.Background(), st, newFakeMonitor(false), reg, Options{Policy: testPolicy()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	item, err := svc.Enqueue(context.Background(), domain.ItemTypeMessage, domain.MessagePayload{Body: "hi"})
	if err != nil {
		t.Fatalf("Enqueue must not surface persistence errors, got %v", err)
	}

	if _, ok := itemByID(svc.Items(), item.ID); !ok {
		t.Error("item missing from in-memory queue after failed persist")
	}
}
