package domain

// BountyPayload is the mutation body for creating a bounty.
type BountyPayload struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	AmountCents int64  `json:"amount_cents"`
	CreatorID   string `json:"creator_id"`
}

// MessagePayload is the mutation body for sending a chat message.
type MessagePayload struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
}
