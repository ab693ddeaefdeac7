// Package outbox implements a persistent, ordered queue of pending domain
// mutations. Items are drained sequentially when connectivity allows, each
// with its own retry budget, and every state change is written through the
// durable store before observers are notified.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/connectivity"
	"github.com/vietddude/relay/internal/infra/store"
	"github.com/vietddude/relay/internal/outbox/metrics"
)

// DefaultStateKey is the durable-store key the queue record lives under.
const DefaultStateKey = "relay:outbox"

// Options configures a Service.
type Options struct {
	Policy   domain.RetryPolicy
	StateKey string // defaults to DefaultStateKey
}

// Service owns the outbox queue. It is the only writer to the queue record;
// all methods are safe for concurrent use, and the drain pass is single-flight
// so at most one mutation is in flight at any time.
type Service struct {
	mu        sync.Mutex
	items     []*domain.Item
	draining  bool
	online    bool
	listeners map[int]func()
	nextSubID int

	store    store.Store
	monitor  connectivity.Monitor
	registry *Registry
	policy   domain.RetryPolicy
	key      string
	log      *slog.Logger

	baseCtx     context.Context // for self-triggered drains
	unsubscribe func()
	now         func() time.Time
}

// New loads the persisted queue, subscribes to the connectivity monitor and,
// if items survived a restart and we are online, kicks off a drain.
func New(
	ctx context.Context,
	st store.Store,
	monitor connectivity.Monitor,
	registry *Registry,
	opts Options,
) (*Service, error) {
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if opts.StateKey == "" {
		opts.StateKey = DefaultStateKey
	}

	s := &Service{
		listeners: make(map[int]func()),
		store:     st,
		monitor:   monitor,
		registry:  registry,
		policy:    opts.Policy,
		key:       opts.StateKey,
		log:       slog.Default(),
		baseCtx:   ctx,
		now:       time.Now,
	}

	if err := s.load(ctx); err != nil {
		return nil, err
	}

	online, err := monitor.Current(ctx)
	if err != nil {
		s.log.Warn("failed to read connectivity, assuming offline", "error", err)
		online = false
	}
	s.online = online

	s.unsubscribe = monitor.OnChange(func(nowOnline bool) {
		s.mu.Lock()
		wasOnline := s.online
		s.online = nowOnline
		s.mu.Unlock()

		if nowOnline && !wasOnline {
			go s.Process(s.baseCtx)
		}
	})

	if online && len(s.items) > 0 {
		go s.Process(ctx)
	}

	return s, nil
}

// Close detaches the service from the connectivity monitor. An in-flight
// drain pass finishes on its own.
func (s *Service) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// load restores the queue record from the durable store. Items interrupted
// mid-attempt by a crash come back as pending.
func (s *Service) load(ctx context.Context) error {
	raw, ok, err := s.store.Get(ctx, s.key)
	if err != nil {
		return fmt.Errorf("failed to load outbox state: %w", err)
	}
	if !ok || raw == "" {
		return nil
	}

	var items []*domain.Item
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return fmt.Errorf("failed to parse outbox state: %w", err)
	}
	for _, it := range items {
		if it.Status == domain.ItemStatusProcessing {
			it.Status = domain.ItemStatusPending
		}
	}
	s.items = items
	s.updateDepthGauges()
	return nil
}

// Enqueue appends a new pending item and persists it. When online, a drain
// is triggered immediately. The error return covers only payload encoding
// and unregistered types; delivery failures are reported through item state.
func (s *Service) Enqueue(ctx context.Context, t domain.ItemType, payload any) (domain.Item, error) {
	if _, err := s.registry.Lookup(t); err != nil {
		return domain.Item{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Item{}, fmt.Errorf("failed to encode payload: %w", err)
	}

	item := &domain.Item{
		ID:            uuid.New().String(),
		Type:          t,
		Payload:       raw,
		Status:        domain.ItemStatusPending,
		LastAttemptAt: s.now(),
	}

	s.mu.Lock()
	s.items = append(s.items, item)
	s.persistLocked(ctx)
	online := s.online
	snapshot := item.Clone()
	s.mu.Unlock()

	metrics.ItemsEnqueued.WithLabelValues(string(t)).Inc()
	s.log.Debug("item enqueued", "item_id", item.ID, "type", t, "online", online)
	s.notify()

	if online {
		go s.Process(s.baseCtx)
	}
	return snapshot, nil
}

// Process runs one drain pass. It is a no-op while offline or while another
// pass is already running. Pending items are attempted strictly in enqueue
// order; an item whose backoff has not elapsed is skipped, not waited on.
func (s *Service) Process(ctx context.Context) {
	s.mu.Lock()
	if s.draining || !s.online {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	start := s.now()
	s.drain(ctx)
	metrics.DrainDuration.Observe(s.now().Sub(start).Seconds())

	s.mu.Lock()
	s.draining = false
	s.mu.Unlock()
}

func (s *Service) drain(ctx context.Context) {
	for {
		item, proc := s.claimNext(ctx)
		if item == nil {
			return
		}
		s.notify()

		err := s.invoke(ctx, proc, *item)
		s.settle(ctx, item.ID, err)

		if ctx.Err() != nil {
			return
		}
	}
}

// claimNext marks the first eligible pending item as processing and persists
// that transition. It returns nil when no item is eligible this pass.
func (s *Service) claimNext(ctx context.Context) (*domain.Item, Processor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, it := range s.items {
		if it.Status != domain.ItemStatusPending {
			continue
		}
		if it.RetryCount > 0 && now.Before(it.LastAttemptAt.Add(s.policy.Delay(it.RetryCount))) {
			continue // backoff not elapsed, try the next item
		}
		proc, err := s.registry.Lookup(it.Type)
		if err != nil {
			// Wiring bug: persisted item for a type this build cannot handle.
			s.log.Error("skipping item with unknown type", "item_id", it.ID, "type", it.Type)
			continue
		}

		it.Status = domain.ItemStatusProcessing
		s.persistLocked(ctx)
		snapshot := it.Clone()
		return &snapshot, proc
	}
	return nil, nil
}

// invoke runs the processor, converting a panic into an error so one bad
// processor cannot take down the drain loop.
func (s *Service) invoke(ctx context.Context, proc Processor, item domain.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return proc(ctx, item)
}

// settle records the outcome of one attempt.
func (s *Service) settle(ctx context.Context, id string, procErr error) {
	s.mu.Lock()

	idx := s.indexOfLocked(id)
	if idx < 0 {
		// Removed out from under the drain; nothing to record.
		s.mu.Unlock()
		return
	}
	item := s.items[idx]
	itemType := string(item.Type)

	result := "success"
	if procErr == nil {
		s.items = append(s.items[:idx], s.items[idx+1:]...)
		s.log.Info("item delivered", "item_id", id, "type", itemType)
	} else {
		item.RetryCount++
		item.LastError = procErr.Error()
		item.LastAttemptAt = s.now()
		if item.RetryCount >= s.policy.MaxAttempts {
			item.Status = domain.ItemStatusFailed
			result = "exhausted"
			s.log.Warn("item failed permanently",
				"item_id", id, "type", itemType,
				"retry_count", item.RetryCount, "error", procErr)
		} else {
			item.Status = domain.ItemStatusPending
			result = "failure"
			s.log.Debug("item attempt failed",
				"item_id", id, "type", itemType,
				"retry_count", item.RetryCount, "error", procErr)
		}
	}

	s.persistLocked(ctx)
	s.mu.Unlock()

	metrics.Attempts.WithLabelValues(itemType, result).Inc()
	s.notify()
}

// RetryItem resets a (typically failed) item so the next drain picks it up.
// Triggers an immediate drain when online.
func (s *Service) RetryItem(ctx context.Context, id string) bool {
	s.mu.Lock()
	idx := s.indexOfLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	item := s.items[idx]
	item.Status = domain.ItemStatusPending
	item.RetryCount = 0
	item.LastError = ""
	item.LastAttemptAt = s.now()
	s.persistLocked(ctx)
	online := s.online
	s.mu.Unlock()

	s.notify()
	if online {
		go s.Process(s.baseCtx)
	}
	return true
}

// RemoveItem drops an item regardless of status.
func (s *Service) RemoveItem(ctx context.Context, id string) bool {
	s.mu.Lock()
	idx := s.indexOfLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.notify()
	return true
}

// ClearFailed removes all items in the failed state.
func (s *Service) ClearFailed(ctx context.Context) {
	s.mu.Lock()
	kept := s.items[:0]
	removed := 0
	for _, it := range s.items {
		if it.Status == domain.ItemStatusFailed {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	s.items = kept
	if removed > 0 {
		s.persistLocked(ctx)
	}
	s.mu.Unlock()

	if removed > 0 {
		s.notify()
	}
}

// Items returns a snapshot of the queue in enqueue order.
func (s *Service) Items() []domain.Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it.Clone())
	}
	return out
}

// ItemsByType returns a snapshot of items of one type, in enqueue order.
func (s *Service) ItemsByType(t domain.ItemType) []domain.Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Item
	for _, it := range s.items {
		if it.Type == t {
			out = append(out, it.Clone())
		}
	}
	return out
}

// HasPending reports whether any item is pending or processing.
func (s *Service) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range s.items {
		if it.Status == domain.ItemStatusPending || it.Status == domain.ItemStatusProcessing {
			return true
		}
	}
	return false
}

// AddListener registers fn to run after every persisted mutation. The
// returned function removes the subscription. Listeners re-read state via
// Items; no payload is delivered.
func (s *Service) AddListener(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	s.listeners[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// persistLocked rewrites the full queue record. Store failures are logged,
// not propagated: the in-memory queue stays authoritative and durability
// degrades to best-effort until the next successful write.
// Callers must hold s.mu.
func (s *Service) persistLocked(ctx context.Context) {
	raw, err := json.Marshal(s.items)
	if err != nil {
		s.log.Error("failed to encode outbox state", "error", err)
		return
	}
	if err := s.store.Set(ctx, s.key, string(raw)); err != nil {
		s.log.Warn("failed to persist outbox state", "error", err)
	}
	s.updateDepthGauges()
}

// notify fans out to listeners. A panicking listener is logged and skipped so
// it cannot block later mutations or other observers.
func (s *Service) notify() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("outbox listener panicked", "panic", r)
				}
			}()
			fn()
		}()
	}
}

func (s *Service) indexOfLocked(id string) int {
	for i, it := range s.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func (s *Service) updateDepthGauges() {
	counts := map[domain.ItemStatus]int{}
	for _, it := range s.items {
		counts[it.Status]++
	}
	for _, status := range []domain.ItemStatus{
		domain.ItemStatusPending,
		domain.ItemStatusProcessing,
		domain.ItemStatusFailed,
	} {
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
