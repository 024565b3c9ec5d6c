package models

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Notification is enqueued whenever a document in a scope may hold new candidates.
type Notification struct {
	ID         string    `json:"id"`
	Scope      string    `json:"scope"`
	DocumentID string    `json:"document_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewNotification stamps a notification with a fresh ULID.
func NewNotification(scope, documentID string) Notification {
	return Notification{
		ID:         ulid.Make().String(),
		Scope:      scope,
		DocumentID: documentID,
		ReceivedAt: time.Now().UTC(),
	}
}

// Key identifies the document a notification refers to.
func (n Notification) Key() string {
	return n.Scope + "/" + n.DocumentID
}
