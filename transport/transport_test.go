package transport

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hypoclip/sync-core/codec"
	"github.com/hypoclip/sync-core/envelope"
	"github.com/stretchr/testify/require"
)

func testEnvelope(id string) *envelope.SyncEnvelope {
	target := "peer"
	return &envelope.SyncEnvelope{
		ID:   id,
		Type: envelope.TypeClipboard,
		Payload: envelope.Payload{
			ContentType: envelope.ContentText,
			Ciphertext:  "aGVsbG8=",
			DeviceID:    "sender",
			Target:      &target,
		},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

// echoServer upgrades inbound connections with gorilla's handshake and
// hands each accepted *websocket.Conn to fn.
func echoServer(t *testing.T, fn func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fn(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestLANWithoutURLStaysParked(t *testing.T) {
	tr := New(Config{Environment: EnvironmentLAN}, nil)
	require.Equal(t, NoUrl, tr.State())

	go tr.Run()
	time.Sleep(100 * time.Millisecond)
	// no URL has arrived, so the run loop must still be parked
	require.Equal(t, NoUrl, tr.State())

	tr.Close()
	require.Equal(t, Closed, tr.State())
}

func TestLatchWaitTimesOut(t *testing.T) {
	l := newLatch()
	err := l.wait(20 * time.Millisecond)
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, HandshakeTimeout, terr.Kind)
}

func TestLatchCompletesWaiters(t *testing.T) {
	l := newLatch()
	done := make(chan error, 1)
	go func() { done <- l.wait(time.Second) }()
	l.complete(nil)
	require.NoError(t, <-done)
}

func TestSendAfterDiscoveredURL(t *testing.T) {
	received := make(chan []byte, 1)
	srv := echoServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- data
		}
		conn.Close()
	})

	tr := New(Config{Environment: EnvironmentLAN}, nil)
	go tr.Run()
	defer tr.Close()

	tr.SetURL(wsURL(srv))

	env := testEnvelope("frame-1")
	require.NoError(t, tr.Send(env))

	select {
	case data := <-received:
		var got envelope.SyncEnvelope
		require.NoError(t, codec.New().Decode(data, &got))
		require.Equal(t, env.ID, got.ID)
		require.Equal(t, env.Payload.Ciphertext, got.Payload.Ciphertext)
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestInboundBinaryFrameReachesHandler(t *testing.T) {
	env := testEnvelope("inbound-1")
	framed, err := codec.New().Encode(env)
	require.NoError(t, err)

	srv := echoServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.BinaryMessage, framed)
		// hold the connection open so the client read loop sees the frame
		conn.ReadMessage()
		conn.Close()
	})

	inbound := make(chan *envelope.SyncEnvelope, 1)
	tr := New(Config{Environment: EnvironmentCloud, URL: wsURL(srv)}, nil)
	tr.SetInboundHandler(func(e *envelope.SyncEnvelope) { inbound <- e })
	go tr.Run()
	defer tr.Close()

	select {
	case got := <-inbound:
		require.Equal(t, env.ID, got.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("inbound handler never fired")
	}
}

func TestTextFrameRoutedToPairingHandler(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"challenge_id":"c1"}`))
		conn.ReadMessage()
		conn.Close()
	})

	pairing := make(chan []byte, 1)
	tr := New(Config{Environment: EnvironmentCloud, URL: wsURL(srv)}, nil)
	tr.SetPairingHandler(func(data []byte) { pairing <- data })
	go tr.Run()
	defer tr.Close()

	select {
	case data := <-pairing:
		require.Contains(t, string(data), "challenge_id")
	case <-time.After(5 * time.Second):
		t.Fatal("pairing handler never fired")
	}
}

func TestVerifyPin(t *testing.T) {
	cert := []byte("fake-der-bytes")
	sum := sha256.Sum256(cert)

	tr := New(Config{
		Environment:       EnvironmentCloud,
		FingerprintSHA256: fmt.Sprintf("%x", sum),
	}, nil)
	require.NoError(t, tr.verifyPin([][]byte{cert}))

	mismatched := New(Config{
		Environment:       EnvironmentCloud,
		FingerprintSHA256: "abcd",
	}, nil)
	err := mismatched.verifyPin([][]byte{cert})
	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, PinningFailure, terr.Kind)

	err = mismatched.verifyPin(nil)
	require.ErrorAs(t, err, &terr)
	require.Equal(t, PinningFailure, terr.Kind)
}

func TestPinningFailureEmitsTelemetry(t *testing.T) {
	tr := New(Config{Environment: EnvironmentCloud, FingerprintSHA256: "abcd"}, nil)

	events := make(chan TelemetryEvent, 1)
	tr.SetTelemetryHandler(func(ev TelemetryEvent) { events <- ev })

	pinErr := &Error{Kind: PinningFailure, Err: fmt.Errorf("fingerprint mismatch")}
	tr.emitTelemetryForDialErr("wss://relay.local/ws", pinErr)

	select {
	case ev := <-events:
		require.Equal(t, "PinningFailure", ev.Name)
		require.Equal(t, EnvironmentCloud, ev.Environment)
		require.Equal(t, "wss://relay.local/ws", ev.Host)
		require.NotEmpty(t, ev.Message)
	default:
		t.Fatal("no telemetry event emitted")
	}

	// a plain connect failure must not emit telemetry
	tr.emitTelemetryForDialErr("wss://relay.local/ws", &Error{Kind: ConnectRefused, Err: fmt.Errorf("refused")})
	require.Empty(t, events)
}

func TestCloseIsIdempotent(t *testing.T) {
	tr := New(Config{Environment: EnvironmentLAN}, nil)
	go tr.Run()
	tr.Close()
	tr.Close()
}

func TestServerInitiatedCloseCodes(t *testing.T) {
	for _, code := range []int{1001, 1006, 1011, 1015} {
		require.True(t, serverInitiatedClose(code), "code %d", code)
	}
	for _, code := range []int{1000, 1008} {
		require.False(t, serverInitiatedClose(code), "code %d", code)
	}
}

func TestPendingTableResolveAndPrune(t *testing.T) {
	p := newPendingTable()
	now := time.Now()
	p.add("a", now.Add(-2*time.Minute))
	p.add("b", now)

	_, ok := p.resolve("a")
	require.True(t, ok)
	_, ok = p.resolve("a")
	require.False(t, ok, "resolve removes the entry")

	p.add("a", now.Add(-2*time.Minute))
	p.pruneOlderThan(time.Minute)
	require.Equal(t, 1, p.len(), "stale entry pruned, fresh one kept")

	p.clear()
	require.Equal(t, 0, p.len())
}
