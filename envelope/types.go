// Package envelope defines the wire-format data model (Payload and
// SyncEnvelope) and the assembler that seals/opens payloads. JSON tags are
// part of the wire protocol and must not change.
package envelope

import (
	"time"

	"github.com/google/uuid"
)

// ContentType enumerates the clipboard content kinds.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentLink  ContentType = "link"
	ContentImage ContentType = "image"
	ContentFile  ContentType = "file"
)

// Type distinguishes a clipboard envelope from a control envelope. The
// transport-level discriminator is the frame type (text frames are pairing,
// binary frames are envelopes); Type is the JSON-level mirror of that rule
// for envelopes carried inside a binary frame.
type Type string

const (
	TypeClipboard Type = "clipboard"
	TypeControl   Type = "control"
)

// Encryption carries the AEAD nonce/tag for a sealed payload. Absent (nil)
// only for transport-layer-only plaintext payloads permitted in
// tests/control.
type Encryption struct {
	Nonce string `json:"nonce"` // base64
	Tag   string `json:"tag"`   // base64
}

// Payload carries one encrypted clipboard item between devices.
type Payload struct {
	ContentType ContentType       `json:"content_type"`
	Ciphertext  string            `json:"ciphertext"` // base64
	DeviceID    string            `json:"device_id"`  // sender
	Target      *string           `json:"target"`
	Encryption  *Encryption       `json:"encryption"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// SyncEnvelope is the unit carried over every transport. ID is unique per
// originating device and serves as the idempotency key for deduplication.
type SyncEnvelope struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// NewID generates a fresh envelope id.
func NewID() string {
	return uuid.NewString()
}
