// Package transport implements the WebSocket client side of the sync core:
// a single long-lived, self-reconnecting session used for both the LAN and
// cloud environments, parameterized by Environment rather than split into
// two variants.
//
// All mutable session state lives in one mutex-guarded struct owned by the
// run loop goroutine; a WaitGroup keeps Close from racing a connect still
// in flight.
package transport

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hypoclip/sync-core/codec"
	"github.com/hypoclip/sync-core/envelope"
	"github.com/hypoclip/sync-core/hypolog"
)

// Environment selects the deployment this transport instance serves.
type Environment string

const (
	EnvironmentLAN   Environment = "lan"
	EnvironmentCloud Environment = "cloud"
)

// State is the transport's connection state machine.
type State int

const (
	NoUrl State = iota
	Connecting
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case NoUrl:
		return "no_url"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultHandshakeTimeout  = 10 * time.Second
	defaultWatchdogInterval  = 20 * time.Second
	defaultRoundTripTimeout  = 60 * time.Second
	backoffBaseLAN           = 1 * time.Second
	backoffCapLAN            = 32 * time.Second
	backoffBaseCloud         = 1 * time.Second
	backoffCapCloud          = 128 * time.Second
	closeCodeGoingAway       = websocket.CloseGoingAway // 1001
	outboundChannelSize      = 64
)

// Config configures a Transport.
type Config struct {
	Environment       Environment
	URL               string // empty for LAN until discovered
	FingerprintSHA256 string // hex-encoded SHA-256 of the peer cert DER; cloud/wss only
	Headers           http.Header
	IdleTimeout       time.Duration // default 30s
	RoundTripTimeout  time.Duration // default 60s
	MaxAttachmentBytes int
}

func (c *Config) setDefaults() {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.RoundTripTimeout == 0 {
		c.RoundTripTimeout = defaultRoundTripTimeout
	}
}

// TelemetryEvent is emitted for observability events that don't map to an
// error kind returned to a caller, e.g. a certificate pinning failure.
type TelemetryEvent struct {
	Name        string
	Environment Environment
	Host        string
	Message     string
}

// InboundHandler receives decoded clipboard envelopes (binary frames).
type InboundHandler func(*envelope.SyncEnvelope)

// PairingHandler receives raw pairing JSON. The frame type is the
// discriminator: binary is always a clipboard envelope, text is always
// pairing.
type PairingHandler func([]byte)

// TelemetryHandler receives TelemetryEvents.
type TelemetryHandler func(TelemetryEvent)

// StateHandler is notified on every state transition.
type StateHandler func(State)

// Transport owns one logical WebSocket session. All mutable state is
// guarded by mu; only the owning run loop goroutine writes it, external
// observers acquire it to read.
type Transport struct {
	cfg Config
	log hypolog.Logger

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	url   string

	pending *pendingTable

	outbound chan outboundMsg
	urlCh    chan string
	closeCh  chan struct{}

	running sync.WaitGroup
	closed  atomic.Bool

	inboundHandler  InboundHandler
	pairingHandler  PairingHandler
	telemetryHandler TelemetryHandler
	stateHandler    StateHandler

	handshakeLatch atomic.Pointer[latch]
}

type outboundMsg struct {
	env    *envelope.SyncEnvelope
	result chan error
}

// latch is the one-shot handshake signal senders wait on before writing.
type latch struct {
	done chan struct{}
	err  error
}

func newLatch() *latch { return &latch{done: make(chan struct{})} }

func (l *latch) complete(err error) {
	l.err = err
	close(l.done)
}

// Wait blocks until the current connect attempt resolves (Open or failed),
// or until timeout elapses.
func (l *latch) wait(timeout time.Duration) error {
	select {
	case <-l.done:
		return l.err
	case <-time.After(timeout):
		return &Error{Kind: HandshakeTimeout, Err: fmt.Errorf("transport: handshake latch wait exceeded %s", timeout)}
	}
}

// New builds a Transport. It does not connect until Run is started.
func New(cfg Config, log hypolog.Logger) *Transport {
	cfg.setDefaults()
	if log == nil {
		log = hypolog.Nop()
	}
	state := Connecting
	if cfg.Environment == EnvironmentLAN && cfg.URL == "" {
		state = NoUrl
	}
	t := &Transport{
		cfg:      cfg,
		log:      log,
		state:    state,
		url:      cfg.URL,
		pending:  newPendingTable(),
		outbound: make(chan outboundMsg, outboundChannelSize),
		urlCh:    make(chan string, 1),
		closeCh:  make(chan struct{}),
	}
	t.handshakeLatch.Store(newLatch())
	return t
}

// SetInboundHandler installs the clipboard envelope handler.
func (t *Transport) SetInboundHandler(h InboundHandler) { t.inboundHandler = h }

// SetPairingHandler installs the pairing text-frame handler.
func (t *Transport) SetPairingHandler(h PairingHandler) { t.pairingHandler = h }

// SetTelemetryHandler installs the telemetry sink.
func (t *Transport) SetTelemetryHandler(h TelemetryHandler) { t.telemetryHandler = h }

// SetStateHandler installs the state-transition observer (feeds the
// Transport Manager's connection state).
func (t *Transport) SetStateHandler(h StateHandler) { t.stateHandler = h }

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	if t.stateHandler != nil {
		t.stateHandler(s)
	}
}

// SetURL installs a newly discovered URL (LAN) and forces a
// Closing→Connecting transition if a session is open under a different
// address.
func (t *Transport) SetURL(url string) {
	select {
	case t.urlCh <- url:
	default:
		// drain stale pending URL, keep only the newest
		select {
		case <-t.urlCh:
		default:
		}
		t.urlCh <- url
	}
}

// Run starts the transport's run loop and blocks until Close is called or
// ctx-equivalent shutdown occurs via Close. Callers typically invoke it in
// its own goroutine.
func (t *Transport) Run() {
	t.running.Add(1)
	defer t.running.Done()

	backoffBase, backoffCap := backoffBaseLAN, backoffCapLAN
	if t.cfg.Environment == EnvironmentCloud {
		backoffBase, backoffCap = backoffBaseCloud, backoffCapCloud
	}
	backoff := backoffBase

	for {
		t.mu.Lock()
		url := t.url
		t.mu.Unlock()

		if url == "" {
			t.setState(NoUrl)
			select {
			case url = <-t.urlCh:
				t.mu.Lock()
				t.url = url
				t.mu.Unlock()
			case <-t.closeCh:
				t.setState(Closed)
				return
			}
		}

		ok := t.connectAndServe(url)
		select {
		case <-t.closeCh:
			t.setState(Closed)
			return
		default:
		}

		if ok {
			backoff = backoffBase
		}

		select {
		case newURL := <-t.urlCh:
			t.mu.Lock()
			t.url = newURL
			t.mu.Unlock()
			continue
		case <-time.After(backoff):
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
		case <-t.closeCh:
			t.setState(Closed)
			return
		}
	}
}

// connectAndServe runs one full connection lifecycle: connect, serve until
// failure/close, report whether Open was ever reached.
func (t *Transport) connectAndServe(url string) (openedSuccessfully bool) {
	// Consume the currently installed latch; a fresh one is installed when
	// this session ends so later senders wait for the next attempt instead
	// of observing a stale outcome.
	hl := t.handshakeLatch.Load()
	defer t.handshakeLatch.Store(newLatch())

	t.setState(Connecting)

	conn, err := t.dial(url)
	select {
	case <-t.closeCh:
		// Close() arrived during the handshake; abandon the connect job
		// rather than tearing down a partially opened socket, which would
		// surface as a spurious "socket closed" error.
		if conn != nil {
			conn.Close()
		}
		hl.complete(fmt.Errorf("transport: closed during handshake"))
		return false
	default:
	}
	if err != nil {
		hl.complete(err)
		t.emitTelemetryForDialErr(url, err)
		t.setState(Closed)
		return false
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	t.setState(Open)
	hl.complete(nil)

	t.serve(conn)

	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()
	t.pending.clear()

	return true
}

func (t *Transport) dial(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: defaultHandshakeTimeout,
	}
	if t.cfg.FingerprintSHA256 != "" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true, // we verify the pin ourselves below
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				return t.verifyPin(rawCerts)
			},
		}
	}

	conn, _, err := dialer.Dial(url, t.cfg.Headers)
	if err != nil {
		return nil, &Error{Kind: ConnectRefused, Err: fmt.Errorf("transport: dial %s: %w", url, err)}
	}
	return conn, nil
}

func (t *Transport) verifyPin(rawCerts [][]byte) error {
	if len(rawCerts) == 0 {
		return &Error{Kind: PinningFailure, Err: fmt.Errorf("transport: no peer certificate presented")}
	}
	sum := sha256.Sum256(rawCerts[0])
	got := fmt.Sprintf("%x", sum)
	if got != t.cfg.FingerprintSHA256 {
		return &Error{Kind: PinningFailure, Err: fmt.Errorf("transport: certificate fingerprint mismatch: want %s got %s", t.cfg.FingerprintSHA256, got)}
	}
	return nil
}

func (t *Transport) emitTelemetryForDialErr(url string, err error) {
	var te *Error
	if !errors.As(err, &te) {
		return
	}
	if te.Kind != PinningFailure {
		return
	}
	if t.telemetryHandler == nil {
		return
	}
	t.telemetryHandler(TelemetryEvent{
		Name:        "PinningFailure",
		Environment: t.cfg.Environment,
		Host:        url,
		Message:     te.Err.Error(),
	})
}

// Connect waits for the handshake latch with the default 10s timeout. Send
// callers use this before writing a payload.
func (t *Transport) Connect() error {
	l := t.handshakeLatch.Load()
	return l.wait(defaultHandshakeTimeout)
}

// Send enqueues an envelope for transmission and returns once it has been
// written (or the attempt fails). It blocks on the handshake latch first.
func (t *Transport) Send(env *envelope.SyncEnvelope) error {
	if err := t.Connect(); err != nil {
		return err
	}
	result := make(chan error, 1)
	select {
	case t.outbound <- outboundMsg{env: env, result: result}:
	case <-t.closeCh:
		return &Error{Kind: SocketClosed, Err: fmt.Errorf("transport: closed")}
	}
	return <-result
}

func (t *Transport) serve(conn *websocket.Conn) {
	readErr := make(chan error, 1)
	inbound := make(chan []byte, 16)
	stop := make(chan struct{})
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if msgType == websocket.TextMessage {
				if t.pairingHandler != nil {
					t.pairingHandler(data)
				}
				continue
			}
			select {
			case inbound <- data:
			case <-stop:
				return
			}
		}
	}()

	// Closing the conn unblocks the reader's ReadMessage; closing stop
	// unblocks it if it is parked handing off an inbound frame.
	defer func() {
		conn.Close()
		close(stop)
		<-readerDone
	}()

	watchdog := time.NewTicker(defaultWatchdogInterval)
	defer watchdog.Stop()

	fc := codec.New()

	for {
		select {
		case <-t.closeCh:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return

		case msg := <-t.outbound:
			buf, err := fc.Encode(msg.env)
			if err != nil {
				msg.result <- err
				continue
			}
			t.pending.add(msg.env.ID, time.Now())
			err = conn.WriteMessage(websocket.BinaryMessage, buf)
			if err != nil {
				t.pending.remove(msg.env.ID)
				msg.result <- &Error{Kind: SendFailed, Err: err}
				return
			}
			msg.result <- nil

		case data := <-inbound:
			var env envelope.SyncEnvelope
			if err := fc.Decode(data, &env); err != nil {
				t.log.Debugf("transport: dropping malformed frame: %v", err)
				continue
			}
			t.pending.resolve(env.ID)
			t.pending.pruneOlderThan(t.cfg.RoundTripTimeout)
			if t.inboundHandler != nil {
				t.inboundHandler(&env)
			}

		case u := <-t.urlCh:
			// A discovery update for a different address ends this session;
			// Run then reconnects to the new URL.
			t.mu.Lock()
			changed := u != t.url
			t.url = u
			t.mu.Unlock()
			if changed {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "peer changed"),
					time.Now().Add(time.Second))
				return
			}

		case <-watchdog.C:
			t.pending.pruneOlderThan(t.cfg.RoundTripTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(closeCodeGoingAway, "ping failed"),
					time.Now().Add(time.Second))
				return
			}

		case err := <-readErr:
			var ce *websocket.CloseError
			if errors.As(err, &ce) && serverInitiatedClose(ce.Code) {
				t.log.Infof("transport: server closed the session (code %d)", ce.Code)
			} else {
				t.log.Infof("transport: read loop ended: %v", err)
			}
			return
		}
	}
}

// serverInitiatedClose reports whether a close code indicates the peer
// ended the session: going away (1001), abnormal closure (1006), internal
// error (1011), or TLS handshake failure (1015).
func serverInitiatedClose(code int) bool {
	switch code {
	case websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
		websocket.CloseInternalServerErr, websocket.CloseTLSHandshake:
		return true
	}
	return false
}

// Close shuts the transport down. It is idempotent and cancel-safe with
// respect to an in-flight connect.
func (t *Transport) Close() {
	if t.closed.Swap(true) {
		return
	}
	close(t.closeCh)
	t.running.Wait()
}
