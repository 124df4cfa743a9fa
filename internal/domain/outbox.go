package domain

import (
	"time"

	"github.com/google/uuid"
)

const EventTypeOrderPlaced = "order.placed"

type OutboxEvent struct {
	ID          uuid.UUID
	AggregateID string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// OrderPlacedEvent is the payload published for every committed order.
type OrderPlacedEvent struct {
	OrderID   string      `json:"order_id"`
	UserID    string      `json:"user_id"`
	Items     []OrderItem `json:"items"`
	Total     string      `json:"total"`
	CreatedAt time.Time   `json:"created_at"`
}
