// Package discovery provides mDNS advertisement and browsing for the
// `_hypo._tcp.` service, producing a live, restartable stream of
// discovered-peer events. github.com/grandcat/zeroconf covers both the
// responder (advertise) and the DNS-SD browser side.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/hypoclip/sync-core/hypolog"
)

const (
	ServiceType = "_hypo._tcp"
	Domain      = "local."

	// StaleAfter is the default interval after which a record with no
	// resolve is evicted.
	StaleAfter = 60 * time.Second

	restartDelay   = 1 * time.Second
	backoffBase    = 1 * time.Second
	backoffCap     = 30 * time.Second
	unknownHost    = "unknown"
	loopbackHostV4 = "127.0.0.1"
)

// EventKind is one of Added, Resolved, Removed.
type EventKind int

const (
	Added EventKind = iota
	Resolved
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Resolved:
		return "resolved"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Attributes is the TXT record content.
type Attributes struct {
	DeviceID    string
	Version     string
	Fingerprint string
	Protocols   []string
}

// Peer is one discovered service instance.
type Peer struct {
	ServiceName string
	Host        string
	Port        int
	Attrs       Attributes
	LastSeen    time.Time
}

// Event is delivered on the Module's event stream.
type Event struct {
	Kind EventKind
	Peer Peer
}

// LoopbackRewriter maps a loopback address to a host-reachable one, for
// emulator targets. A nil rewriter disables rewriting.
type LoopbackRewriter func(host string) string

// Module advertises the local endpoint and browses for peers. It exposes a
// restartable event stream plus a point-in-time snapshot.
type Module struct {
	log      hypolog.Logger
	rewriter LoopbackRewriter

	mu    sync.RWMutex
	peers map[string]Peer // keyed by service instance name

	events chan Event

	cancelBrowse context.CancelFunc
	server       *zeroconf.Server

	staleAfter time.Duration
}

// Config configures advertisement; Port/DeviceID/Fingerprint/Protocols
// populate the TXT record.
type Config struct {
	ServiceName string // mDNS instance name, e.g. the device name
	Port        int
	DeviceID    string
	Version     string
	Fingerprint string
	Protocols   []string
}

// New builds a Module. Call Advertise and/or Browse to start network activity.
func New(log hypolog.Logger, rewriter LoopbackRewriter) *Module {
	if log == nil {
		log = hypolog.Nop()
	}
	return &Module{
		log:        log,
		rewriter:   rewriter,
		peers:      make(map[string]Peer),
		events:     make(chan Event, 64),
		staleAfter: StaleAfter,
	}
}

// Events returns the discovery event stream.
func (m *Module) Events() <-chan Event { return m.events }

// CurrentPeers returns a snapshot of all non-stale, resolvable peers.
func (m *Module) CurrentPeers() []Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Peer, 0, len(m.peers))
	now := time.Now()
	for _, p := range m.peers {
		if p.Host == unknownHost {
			continue
		}
		if now.Sub(p.LastSeen) > m.staleAfter {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Advertise registers the local service via mDNS. Callers re-run it after
// StopAdvertise on a network interface change.
func (m *Module) Advertise(cfg Config) error {
	txt := []string{
		"device_id=" + cfg.DeviceID,
		"version=" + cfg.Version,
		"fingerprint=" + cfg.Fingerprint,
	}
	for _, p := range cfg.Protocols {
		txt = append(txt, "protocols="+p)
	}

	server, err := zeroconf.Register(cfg.ServiceName, ServiceType, Domain, cfg.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("discovery: advertise: %w", err)
	}
	m.mu.Lock()
	m.server = server
	m.mu.Unlock()
	return nil
}

// StopAdvertise unregisters the local service.
func (m *Module) StopAdvertise() {
	m.mu.Lock()
	server := m.server
	m.server = nil
	m.mu.Unlock()
	if server != nil {
		server.Shutdown()
	}
}

// Browse starts (or restarts) the background mDNS browse loop. It runs
// until ctx is cancelled. On a transient resolver error it retries with
// exponential backoff capped at backoffCap.
func (m *Module) Browse(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.cancelBrowse != nil {
		m.cancelBrowse()
	}
	m.cancelBrowse = cancel
	m.mu.Unlock()

	go m.browseLoop(ctx)
}

// RestartBrowse cancels and relaunches the browse loop after a short
// settle delay; callers invoke it on a network-change event.
func (m *Module) RestartBrowse(ctx context.Context) {
	time.Sleep(restartDelay)
	m.Browse(ctx)
}

func (m *Module) browseLoop(ctx context.Context) {
	backoff := backoffBase
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			m.log.Errorf("discovery: new resolver: %v", err)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		entries := make(chan *zeroconf.ServiceEntry, 16)
		browseCtx, browseCancel := context.WithCancel(ctx)
		if err := resolver.Browse(browseCtx, ServiceType, Domain, entries); err != nil {
			browseCancel()
			m.log.Errorf("discovery: browse: %v", err)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffBase // reset on a session that actually started
		m.consume(ctx, entries)
		browseCancel()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (m *Module) consume(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			m.handleEntry(entry)
		}
	}
}

func (m *Module) handleEntry(entry *zeroconf.ServiceEntry) {
	host := resolveHost(entry)
	if m.rewriter != nil {
		host = m.rewriter(host)
	}

	attrs := parseTXT(entry.Text)
	peer := Peer{
		ServiceName: entry.Instance,
		Host:        host,
		Port:        entry.Port,
		Attrs:       attrs,
		LastSeen:    time.Now(),
	}

	m.mu.Lock()
	_, existed := m.peers[entry.Instance]
	m.peers[entry.Instance] = peer
	m.mu.Unlock()

	kind := Resolved
	if !existed {
		kind = Added
	}
	if host == unknownHost {
		// still record it for Remove bookkeeping, but never surface it
		// to transports
		return
	}
	m.emit(Event{Kind: kind, Peer: peer})
}

// EvictStale removes peers not resolved within staleAfter and emits Removed
// events for them. Callers run this on a timer.
func (m *Module) EvictStale() {
	now := time.Now()
	m.mu.Lock()
	var removed []Peer
	for name, p := range m.peers {
		if now.Sub(p.LastSeen) > m.staleAfter {
			delete(m.peers, name)
			removed = append(removed, p)
		}
	}
	m.mu.Unlock()

	for _, p := range removed {
		m.emit(Event{Kind: Removed, Peer: p})
	}
}

func (m *Module) emit(e Event) {
	select {
	case m.events <- e:
	default:
		m.log.Debug("discovery: event channel full, dropping", e.Kind)
	}
}

func resolveHost(entry *zeroconf.ServiceEntry) string {
	if len(entry.AddrIPv4) > 0 {
		ip := entry.AddrIPv4[0]
		if ip.IsLoopback() {
			return loopbackHostV4
		}
		return ip.String()
	}
	if len(entry.AddrIPv6) > 0 {
		return entry.AddrIPv6[0].String()
	}
	if entry.HostName == "" {
		return unknownHost
	}
	return entry.HostName
}

func parseTXT(txt []string) Attributes {
	attrs := Attributes{}
	for _, kv := range txt {
		key, val, ok := splitKV(kv)
		if !ok {
			continue
		}
		switch key {
		case "device_id":
			attrs.DeviceID = val
		case "version":
			attrs.Version = val
		case "fingerprint":
			attrs.Fingerprint = val
		case "protocols":
			attrs.Protocols = append(attrs.Protocols, val)
		}
	}
	return attrs
}

func splitKV(s string) (key, val string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
