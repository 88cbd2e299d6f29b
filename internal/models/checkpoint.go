package models

import "time"

// Checkpoint sync statuses.
const (
	SyncActive       = "active"
	SyncPaused       = "paused"
	SyncError        = "error"
	SyncTokenExpired = "token_expired"
)

// Checkpoint is the per-mailbox position in the provider's change stream.
// LastPosition is an opaque provider cursor and is advanced only after a
// scanned range has been fully and durably processed.
type Checkpoint struct {
	Mailbox           string    `json:"mailbox"`
	Provider          string    `json:"provider"`
	LastPosition      string    `json:"last_position"`
	LastCheckedAt     time.Time `json:"last_checked_at"`
	SyncStatus        string    `json:"sync_status"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Schedulable reports whether jobs for this mailbox may be dispatched.
func (c Checkpoint) Schedulable() bool {
	return c.SyncStatus == SyncActive
}
