// Package outbox relays notifications written in the settlement transaction
// to the messaging collaborator.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/marketplace/payments/internal/core/domain"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Event is one outbox row.
type Event struct {
	ID            int64
	AggregateType string
	AggregateID   string
	Type          string
	Payload       []byte
	Headers       map[string]string
	Traceparent   string
	CreatedAt     time.Time
	Status        Status
	RelayID       string
	RetryCount    int
	LastError     *string
}

// NewEvent builds the outbox row for a notification. The aggregate is the
// owner so consumers see one booking or subscription in order.
func NewEvent(n domain.Notification, traceparent string) (Event, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return Event{}, fmt.Errorf("marshal notification: %w", err)
	}
	return Event{
		AggregateType: string(n.Owner.Kind),
		AggregateID:   n.Owner.ID,
		Type:          n.Type,
		Payload:       payload,
		Headers:       map[string]string{HeaderIntentID: n.IntentID, HeaderOwner: n.Owner.Key()},
		Traceparent:   traceparent,
		CreatedAt:     n.OccurredAt,
		Status:        StatusPending,
	}, nil
}
