package models

import (
	"time"

	"github.com/google/uuid"
)

// PIIKind classifies a detected piece of personally-identifying information.
type PIIKind string

// PII kinds detected by the vault.
const (
	PIIPhone      PIIKind = "phone"
	PIINationalID PIIKind = "national_id"
	PIICard       PIIKind = "card"
	PIIEmail      PIIKind = "email"
	PIIName       PIIKind = "name"
)

// PIIBinding maps a scrub token back to the original value for one ticket.
// EncryptedValue is the AES-GCM ciphertext of the original; the plaintext
// never leaves the vault unencrypted except through Rehydrate.
type PIIBinding struct {
	ID             int64     `json:"id" db:"id"`
	TicketID       uuid.UUID `json:"ticket_id" db:"ticket_id"`
	Token          string    `json:"token" db:"token"`
	Kind           PIIKind   `json:"kind" db:"kind"`
	EncryptedValue []byte    `json:"-" db:"encrypted_value"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
