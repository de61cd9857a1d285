// Package control implements the local control-plane socket: a Unix domain
// socket the UI/OS-glue process connects to for the connection-state stream
// and the paired-device set, without linking against this core directly.
// The wire format is newline-delimited JSON subscribe/command frames.
package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hypoclip/sync-core/hypolog"
	"github.com/hypoclip/sync-core/manager"
)

// Command is a client->server request frame.
type Command struct {
	Cmd string `json:"cmd"` // "subscribe" | "list_peers"
}

// Event is a server->client response/push frame.
type Event struct {
	Type            string                  `json:"type"` // "snapshot" | "connection_state" | "error"
	ConnectionState string                  `json:"connection_state,omitempty"`
	PairedDevices   []manager.PairedDevice  `json:"paired_devices,omitempty"`
	Message         string                  `json:"message,omitempty"`
}

// Server accepts local control connections and streams Transport Manager
// state over them.
type Server struct {
	log hypolog.Logger
	mgr *manager.Manager

	mu       sync.Mutex
	listener net.Listener
	path     string
}

// New builds a Server over mgr.
func New(log hypolog.Logger, mgr *manager.Manager) *Server {
	if log == nil {
		log = hypolog.Nop()
	}
	return &Server{log: log, mgr: mgr}
}

// Listen binds the control socket at path, removing a stale socket file
// left behind by an unclean shutdown.
func (s *Server) Listen(path string) error {
	if _, err := os.Stat(path); err == nil {
		if _, dialErr := net.Dial("unix", path); dialErr == nil {
			return fmt.Errorf("control: socket %s already in use", path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("control: remove stale socket %s: %w", path, err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", path, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.path = path
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until Close is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

// Close shuts down the listener and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	ln, path := s.listener, s.path
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	if path != "" {
		os.Remove(path)
	}
	return err
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	enc := json.NewEncoder(conn)
	s.writeSnapshot(enc)

	stateCh := s.mgr.SubscribeConnectionState()
	done := make(chan struct{})
	go s.readCommands(conn, enc, done)

	for {
		select {
		case state := <-stateCh:
			if err := enc.Encode(Event{Type: "connection_state", ConnectionState: state.String()}); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) readCommands(conn net.Conn, enc *json.Encoder, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var cmd Command
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			enc.Encode(Event{Type: "error", Message: err.Error()})
			continue
		}
		switch cmd.Cmd {
		case "list_peers":
			s.writeSnapshot(enc)
		case "subscribe":
			// no-op: every connection is implicitly subscribed
		default:
			enc.Encode(Event{Type: "error", Message: "control: unknown command " + cmd.Cmd})
		}
	}
}

func (s *Server) writeSnapshot(enc *json.Encoder) {
	enc.Encode(Event{
		Type:            "snapshot",
		ConnectionState: s.mgr.ConnectionState().String(),
		PairedDevices:   s.mgr.PairedDevices(),
	})
}

// DialClient is a small helper for UI processes/tests: connect and decode
// one JSON event at a time.
func DialClient(path string, timeout time.Duration) (*json.Decoder, net.Conn, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("control: dial %s: %w", path, err)
	}
	return json.NewDecoder(conn), conn, nil
}
