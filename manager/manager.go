// Package manager implements the transport manager. It owns paired
// devices, the live discovered-peer set, the current cloud transport, the
// LAN server, per-peer last-successful-path, and the connection-state
// machine exposed to the UI.
//
// All mutable state sits behind a single sync.RWMutex; readers take RLock,
// mutating paths take Lock, so updates are serialized through one logical
// owner.
package manager

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hypoclip/sync-core/deviceid"
	"github.com/hypoclip/sync-core/discovery"
	"github.com/hypoclip/sync-core/dispatch"
	"github.com/hypoclip/sync-core/envelope"
	"github.com/hypoclip/sync-core/hypolog"
	"github.com/hypoclip/sync-core/transport"
)

// ConnectionState is the global connection state exposed to the UI layer.
// Only the cloud transport's transitions move this value; LAN transports
// are tracked per peer instead.
type ConnectionState int

const (
	Idle ConnectionState = iota
	ConnectingLan
	ConnectedLan
	ConnectingCloud
	ConnectedCloud
	Disconnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectingLan:
		return "connecting_lan"
	case ConnectedLan:
		return "connected_lan"
	case ConnectingCloud:
		return "connecting_cloud"
	case ConnectedCloud:
		return "connected_cloud"
	case Disconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// PairedDevice is one device in the paired set.
type PairedDevice struct {
	ID          string
	Name        string
	Platform    string
	LastSeen    time.Time
	IsOnline    bool
	ServiceName string
	Host        string
	Port        int
	Fingerprint string
}

// InboundClipboardHandler receives inbound clipboard envelopes (installed
// once by the sync engine at startup; the engine decrypts and dedups).
type InboundClipboardHandler func(*envelope.SyncEnvelope)

// Manager coordinates discovery state, transports, and the paired set.
type Manager struct {
	log hypolog.Logger

	mu              sync.RWMutex
	pairedDevices   map[string]PairedDevice   // keyed by normalized device id
	discoveredPeers map[string]discovery.Peer // keyed by normalized device id (from Attrs.DeviceID)
	lanTransports   map[string]*transport.Transport
	lastSuccessful  map[string]dispatch.Path
	connectionState ConnectionState

	cloudTransport *transport.Transport
	lanServer      lanServer

	stateSubs []chan ConnectionState

	incomingHandler InboundClipboardHandler
}

// lanServer is the subset of *wsserver.Server the manager needs; kept as
// an interface so tests don't need a real listener.
type lanServer interface {
	Close() error
}

// New builds a Manager. cloudTransport may be nil if the deployment has
// no cloud environment configured.
func New(log hypolog.Logger, cloudTransport *transport.Transport) *Manager {
	if log == nil {
		log = hypolog.Nop()
	}
	m := &Manager{
		log:             log,
		pairedDevices:   make(map[string]PairedDevice),
		discoveredPeers: make(map[string]discovery.Peer),
		lanTransports:   make(map[string]*transport.Transport),
		lastSuccessful:  make(map[string]dispatch.Path),
		cloudTransport:  cloudTransport,
	}
	if cloudTransport != nil {
		cloudTransport.SetStateHandler(m.onCloudStateChange)
	}
	return m
}

// SetLANServer installs the embedded WebSocket server instance so Close
// can tear it down; it is otherwise opaque to the manager.
func (m *Manager) SetLANServer(s lanServer) {
	m.mu.Lock()
	m.lanServer = s
	m.mu.Unlock()
}

// SetIncomingClipboardHandler installs the Sync Engine's inbound handler.
func (m *Manager) SetIncomingClipboardHandler(h InboundClipboardHandler) {
	m.incomingHandler = h
}

// DeliverInbound routes an inbound envelope to the installed handler, if
// any. hypo-syncd installs the engine's handler on the cloud transport and
// the LAN server directly rather than routing through this method.
func (m *Manager) DeliverInbound(env *envelope.SyncEnvelope) {
	if m.incomingHandler != nil {
		m.incomingHandler(env)
	}
}

// --- Connection state (observable stream) ---

// ConnectionState returns the current global connection state.
func (m *Manager) ConnectionState() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectionState
}

// SubscribeConnectionState returns a channel that receives every future
// state transition. The channel is buffered; a slow subscriber drops
// intermediate states rather than blocking the manager.
func (m *Manager) SubscribeConnectionState() <-chan ConnectionState {
	ch := make(chan ConnectionState, 8)
	m.mu.Lock()
	m.stateSubs = append(m.stateSubs, ch)
	m.mu.Unlock()
	return ch
}

// UpdateConnectionState sets the global state directly; only cloud
// transport transitions should call this.
func (m *Manager) UpdateConnectionState(s ConnectionState) {
	m.mu.Lock()
	m.connectionState = s
	subs := append([]chan ConnectionState(nil), m.stateSubs...)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (m *Manager) onCloudStateChange(s transport.State) {
	switch s {
	case transport.Connecting, transport.NoUrl:
		m.UpdateConnectionState(ConnectingCloud)
	case transport.Open:
		m.UpdateConnectionState(ConnectedCloud)
	case transport.Closed, transport.Closing:
		m.UpdateConnectionState(Disconnected)
	}
}

// --- Paired devices ---

// RegisterPairedDevice records a newly paired device.
func (m *Manager) RegisterPairedDevice(d PairedDevice) {
	id := string(deviceid.Normalize(d.ID))
	d.ID = id
	m.mu.Lock()
	m.pairedDevices[id] = d
	m.mu.Unlock()
}

// UnpairDevice removes a device and its LAN transport. Explicit un-pair is
// the only way a PairedDevice is destroyed.
func (m *Manager) UnpairDevice(rawID string) {
	id := string(deviceid.Normalize(rawID))
	m.mu.Lock()
	delete(m.pairedDevices, id)
	lt, ok := m.lanTransports[id]
	delete(m.lanTransports, id)
	delete(m.lastSuccessful, id)
	m.mu.Unlock()
	if ok {
		lt.Close()
	}
}

// UpdateDeviceLastSeen updates a paired device's last_seen timestamp.
func (m *Manager) UpdateDeviceLastSeen(rawID string, at time.Time) {
	id := string(deviceid.Normalize(rawID))
	m.mu.Lock()
	if d, ok := m.pairedDevices[id]; ok {
		d.LastSeen = at
		m.pairedDevices[id] = d
	}
	m.mu.Unlock()
}

// UpdateDeviceOnlineStatus updates a paired device's is_online flag.
func (m *Manager) UpdateDeviceOnlineStatus(rawID string, online bool) {
	id := string(deviceid.Normalize(rawID))
	m.mu.Lock()
	if d, ok := m.pairedDevices[id]; ok {
		d.IsOnline = online
		m.pairedDevices[id] = d
	}
	m.mu.Unlock()
}

// PairedDevices returns a snapshot of every paired device.
func (m *Manager) PairedDevices() []PairedDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PairedDevice, 0, len(m.pairedDevices))
	for _, d := range m.pairedDevices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- Discovery integration ---

// ApplyDiscoveryEvent folds a discovery.Event into discoveredPeers and
// updates/creates the matching peer's LAN transport URL, keyed by the
// TXT record's device_id attribute.
func (m *Manager) ApplyDiscoveryEvent(ev discovery.Event) {
	id := string(deviceid.Normalize(ev.Peer.Attrs.DeviceID))
	if id == "" {
		return
	}

	m.mu.Lock()
	switch ev.Kind {
	case discovery.Removed:
		delete(m.discoveredPeers, id)
	default:
		existing, existed := m.discoveredPeers[id]
		m.discoveredPeers[id] = resolveTie(existing, existed, ev.Peer)
	}
	if d, ok := m.pairedDevices[id]; ok && ev.Kind != discovery.Removed {
		d.Host = ev.Peer.Host
		d.Port = ev.Peer.Port
		d.ServiceName = ev.Peer.ServiceName
		d.Fingerprint = ev.Peer.Attrs.Fingerprint
		d.LastSeen = ev.Peer.LastSeen
		m.pairedDevices[id] = d
	}
	lt := m.lanTransports[id]
	m.mu.Unlock()

	if ev.Kind == discovery.Removed {
		return
	}
	if ev.Peer.Host == "" || ev.Peer.Host == unknownHost || isLoopback(ev.Peer.Host) {
		return
	}

	url := fmt.Sprintf("ws://%s:%d/ws", ev.Peer.Host, ev.Peer.Port)
	if lt == nil {
		lt = transport.New(transport.Config{Environment: transport.EnvironmentLAN}, m.log)
		m.mu.Lock()
		m.lanTransports[id] = lt
		m.mu.Unlock()
		go lt.Run()
	}
	lt.SetURL(url)
}

// resolveTie picks among multiple discovery records resolving to the same
// device id (multi-homed hosts): prefer the most-recently-resolved; ties on
// LastSeen break on the lexicographically smallest host:port, for
// determinism.
func resolveTie(existing discovery.Peer, existed bool, incoming discovery.Peer) discovery.Peer {
	if !existed {
		return incoming
	}
	if incoming.LastSeen.After(existing.LastSeen) {
		return incoming
	}
	if incoming.LastSeen.Equal(existing.LastSeen) {
		incomingKey := fmt.Sprintf("%s:%d", incoming.Host, incoming.Port)
		existingKey := fmt.Sprintf("%s:%d", existing.Host, existing.Port)
		if incomingKey < existingKey {
			return incoming
		}
	}
	return existing
}

// CurrentPeers returns the curated peer view: discovered peers a transport
// could actually reach right now, i.e. entries whose host is known, not
// "unknown", and not loopback. LANDiscoveredPeers is the raw snapshot.
func (m *Manager) CurrentPeers() []discovery.Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]discovery.Peer, 0, len(m.discoveredPeers))
	for _, p := range m.discoveredPeers {
		if p.Host == "" || p.Host == unknownHost || isLoopback(p.Host) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attrs.DeviceID < out[j].Attrs.DeviceID })
	return out
}

// LANDiscoveredPeers returns a snapshot of discovered peers.
func (m *Manager) LANDiscoveredPeers() []discovery.Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]discovery.Peer, 0, len(m.discoveredPeers))
	for _, p := range m.discoveredPeers {
		out = append(out, p)
	}
	return out
}

// --- dispatch.PeerLocator ---

const (
	unknownHost = "unknown"
)

// LANSenderFor implements dispatch.PeerLocator: usable means a known,
// non-"unknown", non-loopback host for the (case-insensitively matched)
// device id.
func (m *Manager) LANSenderFor(rawID string) (dispatch.Sender, bool) {
	id := string(deviceid.Normalize(rawID))
	m.mu.RLock()
	defer m.mu.RUnlock()

	peer, ok := m.discoveredPeers[id]
	if !ok || peer.Host == "" || peer.Host == unknownHost || isLoopback(peer.Host) {
		return nil, false
	}
	lt, ok := m.lanTransports[id]
	if !ok {
		return nil, false
	}
	return lt, true
}

func isLoopback(host string) bool {
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}

// CloudSender implements dispatch.PeerLocator.
func (m *Manager) CloudSender() dispatch.Sender {
	if m.cloudTransport == nil {
		return nil
	}
	return m.cloudTransport
}

// MarkLastSuccessful implements dispatch.PeerLocator.
func (m *Manager) MarkLastSuccessful(rawID string, path dispatch.Path) {
	id := string(deviceid.Normalize(rawID))
	m.mu.Lock()
	m.lastSuccessful[id] = path
	if d, ok := m.pairedDevices[id]; ok {
		d.IsOnline = true
		d.LastSeen = time.Now()
		m.pairedDevices[id] = d
	}
	m.mu.Unlock()
}

// LastSuccessfulPath reports which path last delivered to a device.
func (m *Manager) LastSuccessfulPath(rawID string) dispatch.Path {
	id := string(deviceid.Normalize(rawID))
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSuccessful[id]
}

// Close tears down every owned transport and the LAN server: the LAN
// transports first, then the cloud transport, then the LAN server.
func (m *Manager) Close() {
	m.mu.Lock()
	lts := make([]*transport.Transport, 0, len(m.lanTransports))
	for _, lt := range m.lanTransports {
		lts = append(lts, lt)
	}
	server := m.lanServer
	cloud := m.cloudTransport
	m.mu.Unlock()

	for _, lt := range lts {
		lt.Close()
	}
	if cloud != nil {
		cloud.Close()
	}
	if server != nil {
		server.Close()
	}
}
