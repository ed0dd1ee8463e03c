package models

import "time"

// TempDocument is a ledger entry for a remote copy that has been created and
// not yet confirmed deleted.
type TempDocument struct {
	RemoteID       string    `json:"remote_id"`
	BatchID        string    `json:"batch_id"`
	RecipientIndex int       `json:"recipient_index"`
	CreatedAt      time.Time `json:"created_at"`
}
