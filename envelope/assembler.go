package envelope

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/hypoclip/sync-core/cryptoservice"
)

// Metadata keys used for file/image attachments.
const (
	MetaFilename     = "filename"
	MetaMime         = "mime"
	MetaWidth        = "width"
	MetaHeight       = "height"
	MetaContentHash  = "sha256"
	MetaOriginDevice = "origin_device_id" // echo-suppression aid, see syncengine
)

// ClipboardEvent is the decrypted domain object handed upward after an
// inbound envelope is opened.
type ClipboardEvent struct {
	ContentType    ContentType
	Plaintext      []byte
	Metadata       map[string]string
	SenderDeviceID string
	TargetDeviceID string
	EnvelopeID     string
	ContentHash    string // hex sha256, also duplicated into Metadata[MetaContentHash]
	CreatedAt      time.Time
}

// BuildInput collects the arguments to Assembler.Build.
type BuildInput struct {
	ContentType ContentType
	Plaintext   []byte
	Metadata    map[string]string
	SenderID    string
	TargetID    string
	Key         cryptoservice.SymmetricKey
}

// Assembler seals a plaintext payload into a SyncEnvelope on the way out,
// and opens one back into a ClipboardEvent on the way in. It is stateless;
// a single Assembler is shared by every peer.
type Assembler struct{}

// New returns an Assembler. It has no state; the constructor exists so
// call sites can inject it like every other component (keystore,
// cryptoservice) even though today it's a pure-function wrapper.
func New() *Assembler {
	return &Assembler{}
}

// Build seals plaintext under in.Key with AAD = the sender's device id,
// computes the content hash, and wraps the result in a fresh SyncEnvelope.
// The AAD binding keeps a misrouted envelope from being accepted as another
// peer's payload.
func (a *Assembler) Build(in BuildInput) (*SyncEnvelope, error) {
	sum := sha256.Sum256(in.Plaintext)
	hash := fmt.Sprintf("%x", sum)

	meta := make(map[string]string, len(in.Metadata)+1)
	for k, v := range in.Metadata {
		meta[k] = v
	}
	meta[MetaContentHash] = hash

	sealed, err := cryptoservice.Seal(in.Plaintext, in.Key, []byte(in.SenderID))
	if err != nil {
		return nil, fmt.Errorf("envelope: seal: %w", err)
	}

	target := in.TargetID
	payload := Payload{
		ContentType: in.ContentType,
		Ciphertext:  base64.StdEncoding.EncodeToString(sealed.Ciphertext),
		DeviceID:    in.SenderID,
		Target:      &target,
		Encryption: &Encryption{
			Nonce: base64.StdEncoding.EncodeToString(sealed.Nonce[:]),
			Tag:   base64.StdEncoding.EncodeToString(sealed.Tag[:]),
		},
		Metadata: meta,
	}

	return &SyncEnvelope{
		ID:        NewID(),
		Type:      TypeClipboard,
		Payload:   payload,
		CreatedAt: time.Now(),
	}, nil
}

// Open verifies the envelope shape, decrypts the payload with key, and
// returns the domain ClipboardEvent. Any AEAD failure or malformed shape is
// returned as an error, fatal for the single envelope only; the connection
// is kept alive.
func (a *Assembler) Open(env *SyncEnvelope, key cryptoservice.SymmetricKey) (*ClipboardEvent, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope: nil envelope")
	}
	p := env.Payload
	if p.Encryption == nil {
		return nil, fmt.Errorf("envelope: payload has no encryption fields")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(p.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode ciphertext: %w", err)
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(p.Encryption.Nonce)
	if err != nil || len(nonceBytes) != cryptoservice.NonceSize {
		return nil, fmt.Errorf("envelope: decode nonce: %w", err)
	}
	tagBytes, err := base64.StdEncoding.DecodeString(p.Encryption.Tag)
	if err != nil || len(tagBytes) != cryptoservice.TagSize {
		return nil, fmt.Errorf("envelope: decode tag: %w", err)
	}

	var nonce [cryptoservice.NonceSize]byte
	copy(nonce[:], nonceBytes)
	var tag [cryptoservice.TagSize]byte
	copy(tag[:], tagBytes)

	plaintext, err := cryptoservice.Open(ciphertext, key, nonce, tag, []byte(p.DeviceID))
	if err != nil {
		return nil, fmt.Errorf("envelope: open: %w", err)
	}

	target := ""
	if p.Target != nil {
		target = *p.Target
	}

	return &ClipboardEvent{
		ContentType:    p.ContentType,
		Plaintext:      plaintext,
		Metadata:       p.Metadata,
		SenderDeviceID: p.DeviceID,
		TargetDeviceID: target,
		EnvelopeID:     env.ID,
		ContentHash:    p.Metadata[MetaContentHash],
		CreatedAt:      env.CreatedAt,
	}, nil
}
