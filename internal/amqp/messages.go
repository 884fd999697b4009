package amqp

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types, also used as the AMQP message type.
const (
	EventEntriesMaterialized = "entries.materialized"
	EventAccountChanged      = "account.changed"
)

// EntriesMaterializedMessage announces entries created by a catch-up pass for
// one template. Consumers fetch the entries themselves.
type EntriesMaterializedMessage struct {
	EventID    string    `json:"event_id"`
	RunID      string    `json:"run_id"`
	AccountID  int64     `json:"account_id"`
	TemplateID int64     `json:"template_id"`
	Class      string    `json:"class"`
	Inserted   int       `json:"inserted"`
	FirstDate  string    `json:"first_date"`
	LastDate   string    `json:"last_date"`
	NextDue    string    `json:"next_due"`
	Version    int64     `json:"cache_version"`
	Timestamp  time.Time `json:"timestamp"`
}

// AccountChangedMessage announces a mutation that invalidated an account's
// derived values.
type AccountChangedMessage struct {
	EventID   string    `json:"event_id"`
	AccountID int64     `json:"account_id"`
	Version   int64     `json:"cache_version"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEntriesMaterializedMessage creates a message with a fresh event id.
func NewEntriesMaterializedMessage(runID string, accountID, templateID int64, class string, inserted int, first, last, nextDue time.Time, version int64) *EntriesMaterializedMessage {
	return &EntriesMaterializedMessage{
		EventID:    uuid.NewString(),
		RunID:      runID,
		AccountID:  accountID,
		TemplateID: templateID,
		Class:      class,
		Inserted:   inserted,
		FirstDate:  first.Format(time.DateOnly),
		LastDate:   last.Format(time.DateOnly),
		NextDue:    nextDue.Format(time.DateOnly),
		Version:    version,
		Timestamp:  time.Now(),
	}
}

// NewAccountChangedMessage creates a message with a fresh event id.
func NewAccountChangedMessage(accountID, version int64, reason string) *AccountChangedMessage {
	return &AccountChangedMessage{
		EventID:   uuid.NewString(),
		AccountID: accountID,
		Version:   version,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *EntriesMaterializedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ToJSON converts the message to JSON bytes
func (m *AccountChangedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// EntriesMaterializedMessageFromJSON decodes a message body.
func EntriesMaterializedMessageFromJSON(data []byte) (*EntriesMaterializedMessage, error) {
	var msg EntriesMaterializedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// AccountChangedMessageFromJSON decodes a message body.
func AccountChangedMessageFromJSON(data []byte) (*AccountChangedMessage, error) {
	var msg AccountChangedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
