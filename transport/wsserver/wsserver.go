// Package wsserver implements the embedded WebSocket server that accepts
// LAN peer connections, performs the RFC-6455 upgrade by hand, and surfaces
// framed envelopes. The upgrade and frame reader are written directly
// against the RFC rather than through a framework, which keeps the server's
// behavior (fragmentation rejection, masking rules, payload caps) fully
// under this package's control.
package wsserver

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/hypoclip/sync-core/codec"
	"github.com/hypoclip/sync-core/envelope"
	"github.com/hypoclip/sync-core/hypolog"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Opcodes from RFC 6455 §5.2.
const (
	opContinuation = 0x0
	opText         = 0x1
	opBinary       = 0x2
	opClose        = 0x8
	opPing         = 0x9
	opPong         = 0xA
)

// MaxPayloadBytes caps a single WebSocket payload (256 KiB).
const MaxPayloadBytes = codec.DefaultMaxFrameSize

// ConnMeta is the per-connection metadata kept for each accepted peer.
// DeviceID is set once the first envelope's sender is resolved.
type ConnMeta struct {
	DeviceID    string
	ConnectedAt time.Time
}

// InboundHandler receives a decoded clipboard envelope plus the connection
// it arrived on, so the caller can resolve/assign DeviceID.
type InboundHandler func(conn *Conn, env *envelope.SyncEnvelope)

// PairingHandler receives raw pairing text-frame JSON.
type PairingHandler func(conn *Conn, data []byte)

// Server accepts inbound TCP, upgrades to WebSocket, and dispatches framed
// payloads by opcode.
type Server struct {
	log hypolog.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}

	inboundHandler InboundHandler
	pairingHandler PairingHandler

	listener net.Listener
}

// New builds a Server. Call Serve to start accepting.
func New(log hypolog.Logger) *Server {
	if log == nil {
		log = hypolog.Nop()
	}
	return &Server{log: log, conns: make(map[*Conn]struct{})}
}

func (s *Server) SetInboundHandler(h InboundHandler) { s.inboundHandler = h }
func (s *Server) SetPairingHandler(h PairingHandler) { s.pairingHandler = h }

// Listen binds the listening port (the discovery module advertises it via
// mDNS) without blocking on Accept.
func (s *Server) Listen(addr string) (port int, err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("wsserver: listen %s: %w", addr, err)
	}
	s.listener = ln
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Serve accepts connections until the listener is closed. Run it in its own
// goroutine.
func (s *Server) Serve() error {
	for {
		tcpConn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		c := &Conn{
			raw:  tcpConn,
			meta: ConnMeta{ConnectedAt: time.Now()},
			s:    s,
		}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		go s.handle(c)
	}
}

// Close stops accepting and closes every open connection.
func (s *Server) Close() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.raw.Close()
	}
	return err
}

func (s *Server) evict(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handle(c *Conn) {
	defer func() {
		c.raw.Close()
		s.evict(c)
	}()

	br := bufio.NewReader(c.raw)
	if err := upgrade(br, c.raw); err != nil {
		s.log.Debugf("wsserver: upgrade failed: %v", err)
		return
	}

	fc := codec.New()
	for {
		frame, err := readFrame(br)
		if err != nil {
			s.log.Debugf("wsserver: read frame: %v", err)
			return
		}
		switch frame.opcode {
		case opBinary, opContinuation:
			var env envelope.SyncEnvelope
			if err := fc.Decode(frame.payload, &env); err != nil {
				s.log.Debugf("wsserver: malformed envelope: %v", err)
				continue
			}
			c.mu.Lock()
			if c.meta.DeviceID == "" {
				c.meta.DeviceID = env.Payload.DeviceID
			}
			c.mu.Unlock()
			if s.inboundHandler != nil {
				s.inboundHandler(c, &env)
			}
		case opText:
			if s.pairingHandler != nil {
				s.pairingHandler(c, frame.payload)
			}
		case opClose:
			writeServerFrame(c.raw, opClose, nil)
			return
		case opPing:
			writeServerFrame(c.raw, opPong, frame.payload)
		case opPong:
			// ignored
		default:
			s.log.Debugf("wsserver: unsupported opcode %x", frame.opcode)
			return
		}
	}
}

// Conn is one accepted, upgraded peer connection.
type Conn struct {
	raw net.Conn
	s   *Server

	mu   sync.Mutex
	meta ConnMeta
}

// Meta returns a copy of the connection's metadata.
func (c *Conn) Meta() ConnMeta {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

// WriteEnvelope frames and writes env as an unmasked binary server frame.
func (c *Conn) WriteEnvelope(env *envelope.SyncEnvelope) error {
	fc := codec.New()
	framed, err := fc.Encode(env)
	if err != nil {
		return err
	}
	// framed already carries codec's own 4-byte length prefix; the
	// WebSocket frame wraps that whole buffer as one binary message.
	return writeServerFrame(c.raw, opBinary, framed)
}

// WritePairing writes a raw text frame carrying pairing protocol JSON, the
// counterpart to PairingHandler on the read side.
func (c *Conn) WritePairing(data []byte) error {
	return writeServerFrame(c.raw, opText, data)
}

// upgrade performs the server side of the RFC-6455 opening handshake.
func upgrade(br *bufio.Reader, w net.Conn) error {
	tp := textproto.NewReader(br)
	requestLine, err := tp.ReadLine()
	if err != nil {
		return fmt.Errorf("wsserver: read request line: %w", err)
	}
	if !strings.HasPrefix(requestLine, "GET ") {
		return fmt.Errorf("wsserver: expected GET request line, got %q", requestLine)
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return fmt.Errorf("wsserver: read headers: %w", err)
	}

	if !strings.EqualFold(header.Get("Upgrade"), "websocket") {
		return fmt.Errorf("wsserver: missing Upgrade: websocket header")
	}
	if !headerContainsToken(header.Get("Connection"), "upgrade") {
		return fmt.Errorf("wsserver: missing Connection: upgrade header")
	}
	key := header.Get("Sec-Websocket-Key")
	if key == "" {
		return fmt.Errorf("wsserver: missing Sec-WebSocket-Key header")
	}

	accept := acceptKey(key)
	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
	_, err = w.Write([]byte(response))
	return err
}

func acceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func headerContainsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

type wsFrame struct {
	opcode  byte
	payload []byte
}

// readFrame reads one client-to-server frame: fragmentation is not
// supported (non-FIN data frames are rejected), and client payloads must be
// masked per RFC 6455.
func readFrame(br *bufio.Reader) (wsFrame, error) {
	var head [2]byte
	if _, err := readFull(br, head[:]); err != nil {
		return wsFrame{}, err
	}
	fin := head[0]&0x80 != 0
	opcode := head[0] & 0x0F
	masked := head[1]&0x80 != 0
	length := uint64(head[1] & 0x7F)

	isDataFrame := opcode == opText || opcode == opBinary || opcode == opContinuation
	if isDataFrame && !fin {
		return wsFrame{}, fmt.Errorf("wsserver: fragmented data frames are not supported")
	}

	switch length {
	case 126:
		var ext [2]byte
		if _, err := readFull(br, ext[:]); err != nil {
			return wsFrame{}, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := readFull(br, ext[:]); err != nil {
			return wsFrame{}, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}
	if length > MaxPayloadBytes {
		return wsFrame{}, fmt.Errorf("wsserver: payload of %d bytes exceeds max %d", length, MaxPayloadBytes)
	}

	var maskKey [4]byte
	if masked {
		if _, err := readFull(br, maskKey[:]); err != nil {
			return wsFrame{}, err
		}
	} else if isDataFrame {
		return wsFrame{}, fmt.Errorf("wsserver: client data frame must be masked")
	}

	payload := make([]byte, length)
	if _, err := readFull(br, payload); err != nil {
		return wsFrame{}, err
	}
	if masked {
		unmask(payload, maskKey)
	}

	return wsFrame{opcode: opcode, payload: payload}, nil
}

func unmask(payload []byte, key [4]byte) {
	for i := range payload {
		payload[i] ^= key[i%4]
	}
}

func readFull(br *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := br.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// writeServerFrame writes an unmasked server-to-client frame.
func writeServerFrame(w io.Writer, opcode byte, payload []byte) error {
	var buf bytes.Buffer
	buf.WriteByte(0x80 | opcode) // FIN=1

	n := len(payload)
	switch {
	case n <= 125:
		buf.WriteByte(byte(n))
	case n <= 65535:
		buf.WriteByte(126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n))
		buf.Write(ext[:])
	default:
		buf.WriteByte(127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		buf.Write(ext[:])
	}
	buf.Write(payload)

	_, err := w.Write(buf.Bytes())
	return err
}
