package models

import "time"

// Sync entry statuses. Completed entries are pruned from the store on
// success, so no "completed" status is persisted.
const (
	SyncStatusPending  = "pending"
	SyncStatusInFlight = "in_flight"
	SyncStatusFailed   = "failed"
)

// Action types a queued mutation can carry.
const (
	ActionCreateTransaction = "create-transaction"
	ActionUpdateCustomer    = "update-customer"
	ActionDeleteCustomer    = "delete-customer"
)

// SyncEntry is one durable record of a not-yet-confirmed offline mutation.
// The ID is generated on the client that recorded the mutation and stays
// stable across retries; it doubles as the idempotency key on the remote
// write.
type SyncEntry struct {
	ID           string     `json:"id"`
	ActionType   string     `json:"action_type"`
	Payload      string     `json:"payload"`
	Status       string     `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	LastError    *string    `json:"last_error"`
	CreatedAt    time.Time  `json:"created_at"`
	NextRetryAt  *time.Time `json:"next_retry_at"`
}

// KnownAction reports whether the action type has a replay handler.
func KnownAction(actionType string) bool {
	switch actionType {
	case ActionCreateTransaction, ActionUpdateCustomer, ActionDeleteCustomer:
		return true
	}
	return false
}
