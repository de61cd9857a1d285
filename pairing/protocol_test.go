package pairing

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"

	"github.com/hypoclip/sync-core/cryptoservice"
	"github.com/stretchr/testify/require"
)

type fakeRegistrar struct {
	installed map[string]cryptoservice.SymmetricKey
	peers     map[string]string
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{installed: map[string]cryptoservice.SymmetricKey{}, peers: map[string]string{}}
}
func (f *fakeRegistrar) InstallKey(deviceID string, key cryptoservice.SymmetricKey) error {
	f.installed[deviceID] = key
	return nil
}
func (f *fakeRegistrar) RegisterPeer(deviceID, name string) { f.peers[deviceID] = name }

func buildQR(t *testing.T, responderID string, responderIdentity cryptoservice.PrivateKey, expires time.Time) (QRPayload, ed25519.PrivateKey) {
	t.Helper()
	signPub, signPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	payload := QRPayload{
		Version:               CurrentVersion,
		PeerDeviceID:           responderID,
		PeerX25519Pub:          responderIdentity.Public().Base64(),
		PeerEd25519SigningPub:  base64.StdEncoding.EncodeToString(signPub),
		ServiceDescriptor:      "_hypo._tcp.",
		Port:                   7475,
		IssuedAt:               time.Now().Add(-time.Minute),
		ExpiresAt:              expires,
	}
	signed, err := payload.Sign(signPriv)
	require.NoError(t, err)
	return signed, signPriv
}

func TestQRVerifyRejectsExpired(t *testing.T) {
	responderIdentity, err := cryptoservice.NewPrivateKey()
	require.NoError(t, err)
	payload, _ := buildQR(t, "responder-1", responderIdentity, time.Now().Add(-time.Second))

	err = payload.Verify(time.Now())
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, Expired, pe.Kind)
}

func TestQRVerifyRejectsTamperedSignature(t *testing.T) {
	responderIdentity, err := cryptoservice.NewPrivateKey()
	require.NoError(t, err)
	payload, _ := buildQR(t, "responder-1", responderIdentity, time.Now().Add(time.Hour))
	payload.Port = 9999 // tamper after signing

	err = payload.Verify(time.Now())
	require.Error(t, err)
}

func TestFullHandshakeAgreesOnSameKey(t *testing.T) {
	responderIdentity, err := cryptoservice.NewPrivateKey()
	require.NoError(t, err)
	initiatorIdentity, err := cryptoservice.NewPrivateKey()
	require.NoError(t, err)

	qr, _ := buildQR(t, "responder-1", responderIdentity, time.Now().Add(time.Hour))

	initiatorReg := newFakeRegistrar()
	responderReg := newFakeRegistrar()

	var completedInitiator, completedResponder string
	initiator := New("initiator-1", "Desktop", initiatorIdentity, initiatorReg, func(id, name string) { completedInitiator = id })
	responder := New("responder-1", "Phone", responderIdentity, responderReg, func(id, name string) { completedResponder = id })

	challenge, err := initiator.BeginChallenge(qr)
	require.NoError(t, err)

	ack, err := responder.HandleChallenge(challenge)
	require.NoError(t, err)

	err = initiator.HandleAck(ack)
	require.NoError(t, err)

	require.Equal(t, "responder-1", completedInitiator)
	require.Equal(t, "initiator-1", completedResponder)
	require.Equal(t, initiatorReg.installed["responder-1"], responderReg.installed["initiator-1"])
}

func TestHandleChallengeRejectsDuplicateChallengeID(t *testing.T) {
	responderIdentity, err := cryptoservice.NewPrivateKey()
	require.NoError(t, err)
	initiatorIdentity, err := cryptoservice.NewPrivateKey()
	require.NoError(t, err)
	qr, _ := buildQR(t, "responder-1", responderIdentity, time.Now().Add(time.Hour))

	initiator := New("initiator-1", "Desktop", initiatorIdentity, newFakeRegistrar(), nil)
	responder := New("responder-1", "Phone", responderIdentity, newFakeRegistrar(), nil)

	challenge, err := initiator.BeginChallenge(qr)
	require.NoError(t, err)

	_, err = responder.HandleChallenge(challenge)
	require.NoError(t, err)

	_, err = responder.HandleChallenge(challenge)
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, DuplicateChallengeId, pe.Kind)
}

func TestHandleAckRejectsUnknownChallenge(t *testing.T) {
	responderIdentity, err := cryptoservice.NewPrivateKey()
	require.NoError(t, err)
	initiator := New("initiator-1", "Desktop", responderIdentity, newFakeRegistrar(), nil)

	err = initiator.HandleAck(Ack{ChallengeID: "does-not-exist"})
	require.Error(t, err)
}
