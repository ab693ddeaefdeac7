// Package connectivity reports online/offline transitions to subscribers.
package connectivity

import "context"

// Monitor is the connectivity source the outbox listens to.
type Monitor interface {
	// OnChange registers cb to run on every online/offline transition.
	// The returned function removes the subscription.
	OnChange(cb func(online bool)) (unsubscribe func())

	// Current reports the connectivity state right now.
	Current(ctx context.Context) (bool, error)
}
