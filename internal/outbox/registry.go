package outbox

import (
	"context"
	"fmt"

	"github.com/vietddude/relay/internal/core/domain"
)

// Processor performs the actual application-level mutation for one item.
// It returns an error to signal a retryable failure; the drain loop owns the
// retry bookkeeping. Processors must be idempotent (the item ID is a stable
// correlation key): delivery is at-least-once.
type Processor func(ctx context.Context, item domain.Item) error

// Registry maps item types to their processors. It is populated at wiring
// time and read-only afterwards.
type Registry struct {
	processors map[domain.ItemType]Processor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[domain.ItemType]Processor)}
}

// Register binds a processor to an item type, replacing any previous binding.
func (r *Registry) Register(t domain.ItemType, p Processor) {
	r.processors[t] = p
}

// Lookup returns the processor for t.
func (r *Registry) Lookup(t domain.ItemType) (Processor, error) {
	p, ok := r.processors[t]
	if !ok {
		return nil, fmt.Errorf("no processor registered for type %q", t)
	}
	return p, nil
}

// Types returns the registered item types.
func (r *Registry) Types() []domain.ItemType {
	types := make([]domain.ItemType, 0, len(r.processors))
	for t := range r.processors {
		types = append(types, t)
	}
	return types
}
