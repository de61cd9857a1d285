// Package dispatch routes an outbound envelope to its target device: LAN
// first when the peer is directly reachable, enforcing a 3 s probe timeout,
// falling through to the cloud relay on LAN failure.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hypoclip/sync-core/deviceid"
	"github.com/hypoclip/sync-core/envelope"
)

// LANProbeTimeout bounds a single LAN delivery attempt.
const LANProbeTimeout = 3 * time.Second

// Path identifies which transport last succeeded for a peer.
type Path int

const (
	PathNone Path = iota
	PathLAN
	PathCloud
)

func (p Path) String() string {
	switch p {
	case PathLAN:
		return "lan"
	case PathCloud:
		return "cloud"
	default:
		return "none"
	}
}

// Sender is the minimal surface a transport exposes to the dispatcher.
type Sender interface {
	Send(env *envelope.SyncEnvelope) error
}

// PeerLocator is implemented by the Transport Manager; the dispatcher never
// reaches into discovery/transport state directly.
type PeerLocator interface {
	// LANSenderFor returns the LAN sender for deviceID (matched
	// case-insensitively) and whether its host is usable: known, not
	// "unknown", not loopback.
	LANSenderFor(deviceID string) (sender Sender, usable bool)
	// CloudSender returns the shared cloud transport, or nil if none is
	// configured.
	CloudSender() Sender
	// MarkLastSuccessful records which path last delivered to deviceID.
	MarkLastSuccessful(deviceID string, path Path)
}

// Kind enumerates the dispatcher failure modes.
type Kind int

const (
	NoRoute Kind = iota
	PeerUnknown
)

func (k Kind) String() string {
	if k == PeerUnknown {
		return "peer_unknown"
	}
	return "no_route"
}

// Error is the error type returned by Send.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("dispatch: %s", e.Kind)
}
func (e *Error) Unwrap() error { return e.Err }

// Dispatcher picks the delivery path for each outbound envelope.
type Dispatcher struct {
	peers PeerLocator
}

// New builds a Dispatcher over a PeerLocator (normally *manager.Manager).
func New(peers PeerLocator) *Dispatcher {
	return &Dispatcher{peers: peers}
}

// Send delivers env to targetDeviceID: LAN-probe-then-cloud when the peer
// has a usable LAN host, cloud-direct otherwise.
func (d *Dispatcher) Send(ctx context.Context, env *envelope.SyncEnvelope, targetDeviceID string) error {
	id := string(deviceid.Normalize(targetDeviceID))

	lanSender, usable := d.peers.LANSenderFor(id)
	if usable {
		err := sendWithTimeout(ctx, lanSender, env, LANProbeTimeout)
		if err == nil {
			d.peers.MarkLastSuccessful(id, PathLAN)
			return nil
		}
		// LAN timed out or raised: fall through to cloud.
	}

	cloudSender := d.peers.CloudSender()
	if cloudSender == nil {
		return &Error{Kind: NoRoute, Err: errors.New("no cloud transport configured")}
	}

	if err := sendWithTimeout(ctx, cloudSender, env, 0); err != nil {
		return &Error{Kind: NoRoute, Err: err}
	}
	d.peers.MarkLastSuccessful(id, PathCloud)
	return nil
}

// sendWithTimeout runs sender.Send in its own goroutine and races it
// against timeout (if >0) and ctx cancellation. The goroutine is not
// leaked past the underlying Send call's own completion: once send
// returns, result is always delivered to the buffered channel and the
// goroutine exits, whether or not this call already gave up waiting.
func sendWithTimeout(ctx context.Context, sender Sender, env *envelope.SyncEnvelope, timeout time.Duration) error {
	result := make(chan error, 1)
	go func() {
		result <- sender.Send(env)
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-result:
		return err
	case <-timeoutCh:
		return fmt.Errorf("dispatch: send timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
