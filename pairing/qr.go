// Package pairing implements the device pairing handshake: the QR/code
// exchange, ECDH, challenge/response, and key installation into the device
// key store. The QR payload is a signed claim bundle, verified before
// anything else happens.
package pairing

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/skip2/go-qrcode"
)

// QRPayload is the out-of-band payload a device displays for pairing; the
// device that scans it verifies it and starts the handshake as initiator
// (Protocol.BeginChallenge).
type QRPayload struct {
	Version               int       `json:"version"`
	PeerDeviceID           string    `json:"peer_device_id"`
	PeerX25519Pub          string    `json:"peer_x25519_pub"`           // base64
	PeerEd25519SigningPub  string    `json:"peer_ed25519_signing_pub"`  // base64
	ServiceDescriptor      string    `json:"service_descriptor"`
	Port                   int       `json:"port"`
	RelayHint              string    `json:"relay_hint,omitempty"`
	IssuedAt               time.Time `json:"issued_at"`
	ExpiresAt              time.Time `json:"expires_at"`
	Signature              string    `json:"signature"` // base64, over every field above
}

const CurrentVersion = 1

// signingBytes returns the canonical bytes the signature covers: every
// field except Signature itself.
func (p QRPayload) signingBytes() ([]byte, error) {
	clone := p
	clone.Signature = ""
	return json.Marshal(clone)
}

// Sign computes and installs p.Signature using signingPriv, the Ed25519
// key whose public half is p.PeerEd25519SigningPub.
func (p QRPayload) Sign(signingPriv ed25519.PrivateKey) (QRPayload, error) {
	msg, err := p.signingBytes()
	if err != nil {
		return QRPayload{}, fmt.Errorf("pairing: marshal qr payload: %w", err)
	}
	sig := ed25519.Sign(signingPriv, msg)
	p.Signature = base64.StdEncoding.EncodeToString(sig)
	return p, nil
}

// Verify checks the signature and expiry window. An expired payload is
// rejected before any network activity.
func (p QRPayload) Verify(now time.Time) error {
	if now.After(p.ExpiresAt) {
		return &Error{Kind: Expired, Err: fmt.Errorf("pairing: qr payload expired at %s", p.ExpiresAt)}
	}
	pub, err := base64.StdEncoding.DecodeString(p.PeerEd25519SigningPub)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return &Error{Kind: SignatureInvalid, Err: errors.New("pairing: malformed signing public key")}
	}
	sig, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		return &Error{Kind: SignatureInvalid, Err: fmt.Errorf("pairing: decode signature: %w", err)}
	}
	msg, err := p.signingBytes()
	if err != nil {
		return &Error{Kind: SignatureInvalid, Err: err}
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return &Error{Kind: SignatureInvalid, Err: errors.New("pairing: signature does not verify")}
	}
	return nil
}

// EncodeQR renders payload as a PNG QR code at the given pixel size.
func EncodeQR(payload QRPayload, size int) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("pairing: marshal qr payload: %w", err)
	}
	png, err := qrcode.Encode(string(body), qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("pairing: encode qr: %w", err)
	}
	return png, nil
}

// DecodeQR parses a scanned QR payload's JSON body (the scanner library
// that reads pixels back into this string lives outside the sync core).
func DecodeQR(body []byte) (QRPayload, error) {
	var p QRPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return QRPayload{}, fmt.Errorf("pairing: decode qr payload: %w", err)
	}
	return p, nil
}
