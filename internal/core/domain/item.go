package domain

import (
	"encoding/json"
	"time"
)

// ItemType identifies which domain processor handles an outbox item.
type ItemType string

const (
	ItemTypeBounty  ItemType = "bounty"
	ItemTypeMessage ItemType = "message"
)

// ItemStatus is the lifecycle state of an outbox item.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusFailed     ItemStatus = "failed"
)

// Item is a pending domain mutation waiting for delivery.
// Payload is the raw JSON for the type's processor; the outbox never
// inspects it beyond carrying it to the processor.
type Item struct {
	ID            string          `json:"id"`
	Type          ItemType        `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Status        ItemStatus      `json:"status"`
	RetryCount    int             `json:"retry_count"`
	LastAttemptAt time.Time       `json:"last_attempt_at"` // enqueue time until first attempt
	LastError     string          `json:"last_error,omitempty"`
}

// Clone returns a deep copy so snapshot readers cannot mutate queue state.
func (i Item) Clone() Item {
	c := i
	if i.Payload != nil {
		c.Payload = make(json.RawMessage, len(i.Payload))
		copy(c.Payload, i.Payload)
	}
	return c
}
