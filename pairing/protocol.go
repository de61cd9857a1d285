package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hypoclip/sync-core/cryptoservice"
)

// ChallengeTTL bounds how long an initiator waits for an Ack before the
// pending challenge is dropped.
const ChallengeTTL = 60 * time.Second

// Challenge is the initiator→responder handshake message.
type Challenge struct {
	ChallengeID         string `json:"challenge_id"`
	InitiatorDeviceID    string `json:"initiator_device_id"`
	InitiatorDeviceName  string `json:"initiator_device_name"`
	InitiatorPubKey      string `json:"initiator_pub_key"` // base64 X25519
	Nonce                string `json:"nonce"`
	Ciphertext            string `json:"ciphertext"`
	Tag                   string `json:"tag"`
}

type challengeInner struct {
	ChallengeBytes string    `json:"challenge_bytes"` // base64
	Timestamp      time.Time `json:"timestamp"`
}

// Ack is the responder→initiator handshake message.
type Ack struct {
	ChallengeID         string `json:"challenge_id"`
	ResponderDeviceID    string `json:"responder_device_id"`
	ResponderDeviceName  string `json:"responder_device_name"`
	Nonce                string `json:"nonce"`
	Ciphertext            string `json:"ciphertext"`
	Tag                   string `json:"tag"`
}

type ackInner struct {
	ResponseHash     string    `json:"response_hash"` // hex sha256
	IssuedAt         time.Time `json:"issued_at"`
	ResponderPubKey  string    `json:"responder_pub_key,omitempty"` // base64, optional
}

// Registrar is the narrow capability the pairing protocol needs from its
// caller on success: install the derived key and register the peer as
// paired.
type Registrar interface {
	InstallKey(deviceID string, key cryptoservice.SymmetricKey) error
	RegisterPeer(deviceID, name string)
}

// CompletedHandler receives a PairingCompleted(device_id, name) event.
type CompletedHandler func(deviceID, name string)

type pendingChallenge struct {
	sharedKey      cryptoservice.SymmetricKey
	challengeBytes []byte
	peerDeviceID   string
	createdAt      time.Time
}

// Protocol runs the handshake on top of a local identity key (the X25519
// private key whose public half is distributed via QR).
type Protocol struct {
	localDeviceID   string
	localDeviceName string
	identity        cryptoservice.PrivateKey

	registrar Registrar
	completed CompletedHandler

	mu               sync.Mutex
	pending          map[string]pendingChallenge // challenge_id -> state, initiator side
	seenChallengeIDs map[string]time.Time        // responder-side dup detection
}

// New builds a Protocol. identity is the long-term X25519 key whose public
// half this device publishes in its QR payload.
func New(localDeviceID, localDeviceName string, identity cryptoservice.PrivateKey, registrar Registrar, completed CompletedHandler) *Protocol {
	return &Protocol{
		localDeviceID:    localDeviceID,
		localDeviceName:  localDeviceName,
		identity:         identity,
		registrar:        registrar,
		completed:        completed,
		pending:          make(map[string]pendingChallenge),
		seenChallengeIDs: make(map[string]time.Time),
	}
}

// BeginChallenge verifies the scanned peer QR payload and builds the
// initiator→responder Challenge message.
func (p *Protocol) BeginChallenge(peer QRPayload) (Challenge, error) {
	if err := peer.Verify(time.Now()); err != nil {
		return Challenge{}, err
	}
	peerPub, err := cryptoservice.ParsePublicKeyBase64(peer.PeerX25519Pub)
	if err != nil {
		return Challenge{}, &Error{Kind: SignatureInvalid, Err: err}
	}

	sharedKey, err := cryptoservice.DeriveShared(p.identity, peerPub, nil, nil)
	if err != nil {
		return Challenge{}, fmt.Errorf("pairing: derive shared key: %w", err)
	}

	challengeBytes := make([]byte, 32)
	if _, err := rand.Read(challengeBytes); err != nil {
		return Challenge{}, fmt.Errorf("pairing: generate challenge bytes: %w", err)
	}

	inner := challengeInner{
		ChallengeBytes: base64.StdEncoding.EncodeToString(challengeBytes),
		Timestamp:      time.Now(),
	}
	innerBytes, err := json.Marshal(inner)
	if err != nil {
		return Challenge{}, fmt.Errorf("pairing: marshal challenge inner: %w", err)
	}

	sealed, err := cryptoservice.Seal(innerBytes, sharedKey, []byte(p.localDeviceID))
	if err != nil {
		return Challenge{}, fmt.Errorf("pairing: seal challenge: %w", err)
	}

	challengeID := uuid.NewString()

	p.mu.Lock()
	p.pending[challengeID] = pendingChallenge{
		sharedKey:      sharedKey,
		challengeBytes: challengeBytes,
		peerDeviceID:   peer.PeerDeviceID,
		createdAt:      time.Now(),
	}
	p.mu.Unlock()

	return Challenge{
		ChallengeID:         challengeID,
		InitiatorDeviceID:   p.localDeviceID,
		InitiatorDeviceName: p.localDeviceName,
		InitiatorPubKey:     p.identity.Public().Base64(),
		Nonce:               base64.StdEncoding.EncodeToString(sealed.Nonce[:]),
		Ciphertext:          base64.StdEncoding.EncodeToString(sealed.Ciphertext),
		Tag:                 base64.StdEncoding.EncodeToString(sealed.Tag[:]),
	}, nil
}

// HandleChallenge is called by the responder on receipt of a Challenge. It
// derives the shared key from its own identity and the initiator's public
// key carried in the message, opens the ciphertext, and — on success —
// installs the key, registers the peer, and returns the Ack to send back.
func (p *Protocol) HandleChallenge(c Challenge) (Ack, error) {
	p.mu.Lock()
	if _, dup := p.seenChallengeIDs[c.ChallengeID]; dup {
		p.mu.Unlock()
		return Ack{}, &Error{Kind: DuplicateChallengeId, Err: fmt.Errorf("challenge id %s already seen", c.ChallengeID)}
	}
	p.seenChallengeIDs[c.ChallengeID] = time.Now()
	p.mu.Unlock()

	initiatorPub, err := cryptoservice.ParsePublicKeyBase64(c.InitiatorPubKey)
	if err != nil {
		return Ack{}, &Error{Kind: SignatureInvalid, Err: err}
	}
	sharedKey, err := cryptoservice.DeriveShared(p.identity, initiatorPub, nil, nil)
	if err != nil {
		return Ack{}, fmt.Errorf("pairing: derive shared key: %w", err)
	}

	ciphertext, nonce, tag, err := decodeSealed(c.Nonce, c.Ciphertext, c.Tag)
	if err != nil {
		return Ack{}, &Error{Kind: ChallengeMismatch, Err: err}
	}

	plaintext, err := cryptoservice.Open(ciphertext, sharedKey, nonce, tag, []byte(c.InitiatorDeviceID))
	if err != nil {
		return Ack{}, &Error{Kind: ChallengeMismatch, Err: err}
	}

	var inner challengeInner
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return Ack{}, &Error{Kind: ChallengeMismatch, Err: err}
	}
	challengeBytes, err := base64.StdEncoding.DecodeString(inner.ChallengeBytes)
	if err != nil {
		return Ack{}, &Error{Kind: ChallengeMismatch, Err: err}
	}

	sum := sha256.Sum256(challengeBytes)
	ackIn := ackInner{
		ResponseHash: fmt.Sprintf("%x", sum),
		IssuedAt:     time.Now(),
	}
	ackInBytes, err := json.Marshal(ackIn)
	if err != nil {
		return Ack{}, fmt.Errorf("pairing: marshal ack inner: %w", err)
	}

	sealed, err := cryptoservice.Seal(ackInBytes, sharedKey, []byte(p.localDeviceID))
	if err != nil {
		return Ack{}, fmt.Errorf("pairing: seal ack: %w", err)
	}

	if err := p.complete(c.InitiatorDeviceID, c.InitiatorDeviceName, sharedKey); err != nil {
		return Ack{}, err
	}

	return Ack{
		ChallengeID:         c.ChallengeID,
		ResponderDeviceID:   p.localDeviceID,
		ResponderDeviceName: p.localDeviceName,
		Nonce:               base64.StdEncoding.EncodeToString(sealed.Nonce[:]),
		Ciphertext:          base64.StdEncoding.EncodeToString(sealed.Ciphertext),
		Tag:                 base64.StdEncoding.EncodeToString(sealed.Tag[:]),
	}, nil
}

// HandleAck is called by the initiator on receipt of the Ack. It opens the
// ciphertext with the pending challenge's shared key, verifies
// response_hash matches sha256 of the original challenge bytes, and — on
// success — installs the key and registers the peer.
func (p *Protocol) HandleAck(a Ack) error {
	p.mu.Lock()
	pc, ok := p.pending[a.ChallengeID]
	if ok {
		delete(p.pending, a.ChallengeID)
	}
	p.mu.Unlock()

	if !ok {
		return &Error{Kind: ChallengeMismatch, Err: fmt.Errorf("no pending challenge %s", a.ChallengeID)}
	}
	if time.Since(pc.createdAt) > ChallengeTTL {
		return &Error{Kind: Expired, Err: fmt.Errorf("challenge %s expired", a.ChallengeID)}
	}

	ciphertext, nonce, tag, err := decodeSealed(a.Nonce, a.Ciphertext, a.Tag)
	if err != nil {
		return &Error{Kind: ChallengeMismatch, Err: err}
	}

	plaintext, err := cryptoservice.Open(ciphertext, pc.sharedKey, nonce, tag, []byte(a.ResponderDeviceID))
	if err != nil {
		return &Error{Kind: ChallengeMismatch, Err: err}
	}

	var inner ackInner
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return &Error{Kind: ChallengeMismatch, Err: err}
	}

	want := fmt.Sprintf("%x", sha256.Sum256(pc.challengeBytes))
	if inner.ResponseHash != want {
		return &Error{Kind: ChallengeMismatch, Err: fmt.Errorf("response hash mismatch")}
	}

	return p.complete(a.ResponderDeviceID, a.ResponderDeviceName, pc.sharedKey)
}

func (p *Protocol) complete(deviceID, name string, key cryptoservice.SymmetricKey) error {
	if err := p.registrar.InstallKey(deviceID, key); err != nil {
		return fmt.Errorf("pairing: install key: %w", err)
	}
	p.registrar.RegisterPeer(deviceID, name)
	if p.completed != nil {
		p.completed(deviceID, name)
	}
	return nil
}

func decodeSealed(nonceB64, ciphertextB64, tagB64 string) (ciphertext []byte, nonce [cryptoservice.NonceSize]byte, tag [cryptoservice.TagSize]byte, err error) {
	ciphertext, err = base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, nonce, tag, fmt.Errorf("pairing: decode ciphertext: %w", err)
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil || len(nonceBytes) != cryptoservice.NonceSize {
		return nil, nonce, tag, fmt.Errorf("pairing: decode nonce: %w", err)
	}
	tagBytes, err := base64.StdEncoding.DecodeString(tagB64)
	if err != nil || len(tagBytes) != cryptoservice.TagSize {
		return nil, nonce, tag, fmt.Errorf("pairing: decode tag: %w", err)
	}
	copy(nonce[:], nonceBytes)
	copy(tag[:], tagBytes)
	return ciphertext, nonce, tag, nil
}
