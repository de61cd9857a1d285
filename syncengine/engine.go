// Package syncengine is the core's entry point: it turns a local clipboard
// change into per-peer encrypted envelopes, queues them for delivery, and
// turns decrypted inbound envelopes into domain events for the OS-glue
// layer above this core.
//
// The queue processor is a single worker goroutine that blocks on a channel
// while the queue is empty, woken by new work or a connection-state
// transition; after a pass with failed sends it also retries every
// retryInterval.
package syncengine

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hypoclip/sync-core/cryptoservice"
	"github.com/hypoclip/sync-core/deviceid"
	"github.com/hypoclip/sync-core/envelope"
	"github.com/hypoclip/sync-core/hypolog"
	"github.com/hypoclip/sync-core/manager"
)

// QueueExpiry bounds how long an outbound message stays eligible for retry.
const QueueExpiry = 60 * time.Second

// dedupTTL bounds how long an envelope id / content-hash pair is
// remembered for echo/duplicate suppression.
const dedupTTL = 5 * time.Minute

// dedupSweepInterval is how often the background sweeper prunes expired
// dedup entries.
const dedupSweepInterval = time.Minute

// retryInterval is how long the queue processor waits before re-walking
// the queue after a pass where at least one send failed. The empty-queue
// case still parks on the wake channel; only a non-empty queue with a
// persistently failing peer retries on an interval.
const retryInterval = 3 * time.Second

// OutboundClipboardEvent is a local clipboard change handed to the engine
// by the OS-glue capture layer.
type OutboundClipboardEvent struct {
	ContentType    envelope.ContentType
	Data           []byte
	Metadata       map[string]string
	OriginDeviceID string
	// FromRemoteApply marks a programmatic clipboard write the engine
	// itself triggered while applying an inbound sync; such writes must
	// never be re-sent.
	FromRemoteApply bool
}

// QueuedSyncMessage is one per-peer outbound queue entry.
type QueuedSyncMessage struct {
	Envelope       *envelope.SyncEnvelope
	TargetDeviceID string
	QueuedAt       time.Time
}

// KeyLookup is the subset of keystore.Store the engine needs.
type KeyLookup interface {
	Load(deviceID string) (cryptoservice.SymmetricKey, bool)
}

// Dispatcher is the subset of dispatch.Dispatcher the engine needs.
type Dispatcher interface {
	Send(ctx context.Context, env *envelope.SyncEnvelope, targetDeviceID string) error
}

// PeerLister reports which devices are paired, for outbound fan-out.
type PeerLister interface {
	PairedDevices() []manager.PairedDevice
}

// DeviceTracker is the subset of *manager.Manager the engine updates on
// successful delivery.
type DeviceTracker interface {
	UpdateDeviceLastSeen(deviceID string, at time.Time)
}

// UpwardHandler receives decrypted inbound clipboard events, destined for
// the OS-glue injection layer.
type UpwardHandler func(*envelope.ClipboardEvent)

// Engine fans local clipboard events out to paired peers and routes
// decrypted inbound envelopes upward.
type Engine struct {
	log hypolog.Logger

	localDeviceID string
	keys          KeyLookup
	assembler     *envelope.Assembler
	peers         PeerLister
	dispatcher    Dispatcher
	devices       DeviceTracker

	maxAttachmentBytes int

	upward UpwardHandler

	mu    sync.Mutex
	queue []*QueuedSyncMessage
	wake  chan struct{}

	dedupMu      sync.Mutex
	seenIDs      map[string]time.Time
	seenContents map[string]time.Time // key: origin_device_id + "|" + content hash
}

// New builds an Engine.
func New(log hypolog.Logger, localDeviceID string, keys KeyLookup, peers PeerLister, dispatcher Dispatcher, devices DeviceTracker, maxAttachmentBytes int) *Engine {
	if log == nil {
		log = hypolog.Nop()
	}
	return &Engine{
		log:                log,
		localDeviceID:      string(deviceid.Normalize(localDeviceID)),
		keys:               keys,
		assembler:          envelope.New(),
		peers:              peers,
		dispatcher:         dispatcher,
		devices:            devices,
		maxAttachmentBytes: maxAttachmentBytes,
		wake:               make(chan struct{}, 1),
		seenIDs:            make(map[string]time.Time),
		seenContents:       make(map[string]time.Time),
	}
}

// SetUpwardHandler installs the OS-glue layer's inbound sink.
func (e *Engine) SetUpwardHandler(h UpwardHandler) { e.upward = h }

// NotifyConnected wakes the queue processor on a connection-state
// transition into any connected state. Wire this to
// manager.Manager.SubscribeConnectionState.
func (e *Engine) NotifyConnected() { e.signal() }

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// HandleLocalClipboardEvent is the outbound path: one sealed envelope per
// paired peer with a stored key, enqueued for the queue processor.
func (e *Engine) HandleLocalClipboardEvent(ev OutboundClipboardEvent) error {
	if ev.FromRemoteApply || string(deviceid.Normalize(ev.OriginDeviceID)) != e.localDeviceID {
		return nil // echo suppression
	}
	if e.maxAttachmentBytes > 0 && len(ev.Data) > e.maxAttachmentBytes {
		return fmt.Errorf("syncengine: payload of %d bytes exceeds max attachment size %d", len(ev.Data), e.maxAttachmentBytes)
	}

	sum := sha256.Sum256(ev.Data)
	contentHash := fmt.Sprintf("%x", sum)

	for _, peer := range e.peers.PairedDevices() {
		key, ok := e.keys.Load(peer.ID)
		if !ok {
			continue
		}

		env, err := e.assembler.Build(envelope.BuildInput{
			ContentType: ev.ContentType,
			Plaintext:   ev.Data,
			Metadata:    ev.Metadata,
			SenderID:    e.localDeviceID,
			TargetID:    peer.ID,
			Key:         key,
		})
		if err != nil {
			return fmt.Errorf("syncengine: build envelope for %s: %w", peer.ID, err)
		}
		if env.Payload.Metadata == nil {
			env.Payload.Metadata = map[string]string{}
		}
		env.Payload.Metadata[envelope.MetaOriginDevice] = e.localDeviceID
		_ = contentHash // already embedded by Assembler.Build via MetaContentHash

		e.enqueue(&QueuedSyncMessage{Envelope: env, TargetDeviceID: peer.ID, QueuedAt: time.Now()})
	}
	return nil
}

func (e *Engine) enqueue(msg *QueuedSyncMessage) {
	e.mu.Lock()
	e.queue = append(e.queue, msg)
	e.mu.Unlock()
	e.signal()
}

// Run starts the engine's background goroutines — the queue processor and
// the dedup sweeper — and blocks until ctx is cancelled and both have
// stopped.
func (e *Engine) Run(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.processLoop(ctx) })
	g.Go(func() error { return e.sweepLoop(ctx) })
	g.Wait()
}

// processLoop is the queue processor: parked on the wake channel while the
// queue is empty, otherwise draining it, backing off briefly after a pass
// with failures.
func (e *Engine) processLoop(ctx context.Context) error {
	for {
		e.mu.Lock()
		empty := len(e.queue) == 0
		e.mu.Unlock()

		if empty {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.wake:
			}
			continue
		}

		anyFailed := e.processQueueOnce(ctx)

		if anyFailed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.wake:
			case <-time.After(retryInterval):
			}
		}
	}
}

// sweepLoop periodically prunes expired dedup entries so the seen sets stay
// bounded on a long-running daemon regardless of inbound traffic shape.
func (e *Engine) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(dedupSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.sweepDedup()
		}
	}
}

func (e *Engine) sweepDedup() {
	e.dedupMu.Lock()
	defer e.dedupMu.Unlock()
	now := time.Now()
	sweep(e.seenIDs, now)
	sweep(e.seenContents, now)
}

// processQueueOnce is one queue-processor pass: drop expired entries,
// attempt delivery via the dispatcher, keep failures for retry, report
// whether anything failed.
func (e *Engine) processQueueOnce(ctx context.Context) (anyFailed bool) {
	e.mu.Lock()
	pending := e.queue
	e.queue = nil
	e.mu.Unlock()

	kept := make([]*QueuedSyncMessage, 0, len(pending))
	for _, msg := range pending {
		if time.Since(msg.QueuedAt) > QueueExpiry {
			e.log.Debugf("syncengine: dropping expired envelope %s for %s", msg.Envelope.ID, msg.TargetDeviceID)
			continue
		}
		if err := e.dispatcher.Send(ctx, msg.Envelope, msg.TargetDeviceID); err != nil {
			e.log.Debugf("syncengine: send to %s failed, retaining: %v", msg.TargetDeviceID, err)
			kept = append(kept, msg)
			anyFailed = true
			continue
		}
		e.devices.UpdateDeviceLastSeen(msg.TargetDeviceID, time.Now())
	}

	e.mu.Lock()
	e.queue = append(kept, e.queue...)
	e.mu.Unlock()
	return anyFailed
}

// QueueLen reports the current outbound queue depth, for tests/metrics.
func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// HandleInboundEnvelope is the inbound path: locate the sender's key, open
// the envelope, dedup, and deliver upward. Wire this as the InboundHandler
// of every transport and the embedded server.
func (e *Engine) HandleInboundEnvelope(env *envelope.SyncEnvelope) {
	if e.dedupSeen(env) {
		return
	}

	senderID := env.Payload.DeviceID
	key, ok := e.keys.Load(senderID)
	if !ok {
		e.log.Errorf("syncengine: no key for sender %s, dropping envelope %s", senderID, env.ID)
		return
	}

	ev, err := e.assembler.Open(env, key)
	if err != nil {
		e.log.Errorf("syncengine: open envelope %s: %v", env.ID, err)
		return
	}

	if e.devices != nil {
		e.devices.UpdateDeviceLastSeen(senderID, time.Now())
	}
	if e.upward != nil {
		e.upward(ev)
	}
}

// dedupSeen uses both the envelope id (primary) and content-hash+origin
// (secondary) within dedupTTL, so the same content arriving over two
// transports under two envelope ids is still suppressed.
func (e *Engine) dedupSeen(env *envelope.SyncEnvelope) bool {
	e.dedupMu.Lock()
	defer e.dedupMu.Unlock()

	now := time.Now()
	if at, ok := e.seenIDs[env.ID]; ok && now.Sub(at) <= dedupTTL {
		return true
	}
	e.seenIDs[env.ID] = now

	hash := env.Payload.Metadata[envelope.MetaContentHash]
	if hash != "" {
		key := env.Payload.DeviceID + "|" + hash
		if at, ok := e.seenContents[key]; ok && now.Sub(at) <= dedupTTL {
			return true
		}
		e.seenContents[key] = now
	}
	return false
}

func sweep(m map[string]time.Time, now time.Time) {
	for k, t := range m {
		if now.Sub(t) > dedupTTL {
			delete(m, k)
		}
	}
}
