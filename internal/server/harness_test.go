package server

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/duckchat-net/duckchatd/internal/protocol"
)

// mesh wires test servers together. A send addressed to a registered server is
// dispatched into it synchronously; sends to anything else (clients) are only
// recorded. Loop suppression keeps the synchronous chains finite, same as it
// keeps the real floods finite.
type mesh struct {
	servers map[string]*Server
}

func newMesh() *mesh { return &mesh{servers: make(map[string]*Server)} }

type sentPacket struct {
	to   string
	data []byte
}

// memConn is an in-memory net.PacketConn recording every write.
type memConn struct {
	local string
	m     *mesh
	sent  []sentPacket
}

func (c *memConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	data := append([]byte(nil), b...)
	c.sent = append(c.sent, sentPacket{to: addr.String(), data: data})
	if c.m != nil {
		if peer, ok := c.m.servers[addr.String()]; ok {
			peer.dispatch(data, mustUDPAddr(c.local))
		}
	}
	return len(b), nil
}

func (c *memConn) ReadFrom([]byte) (int, net.Addr, error) { return 0, nil, net.ErrClosed }
func (c *memConn) Close() error                           { return nil }
func (c *memConn) LocalAddr() net.Addr                    { return mustUDPAddr(c.local) }
func (c *memConn) SetDeadline(time.Time) error            { return nil }
func (c *memConn) SetReadDeadline(time.Time) error        { return nil }
func (c *memConn) SetWriteDeadline(time.Time) error       { return nil }

func mustUDPAddr(key string) *net.UDPAddr {
	addr, err := net.ResolveUDPAddr("udp", key)
	if err != nil {
		panic(err)
	}
	return addr
}

// nextTestID hands out packet IDs starting well above zero, since a fresh ring
// cache reports zero as already seen.
var nextTestID uint64 = 0x1000

// newNode builds a server on an in-memory connection. A nil mesh gives an
// isolated node whose outbound traffic is recorded but delivered nowhere.
func newNode(m *mesh, addr string, neighbors ...string) *Server {
	conn := &memConn{local: addr, m: m}
	s := newServer(Config{}, conn, addr)
	s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.newID = func() uint64 {
		nextTestID++
		return nextTestID
	}
	for _, key := range neighbors {
		s.addNeighbor(key, mustUDPAddr(key))
	}
	if m != nil {
		m.servers[addr] = s
	}
	return s
}

func recorder(s *Server) *memConn { return s.conn.(*memConn) }

// sentTo returns every datagram the server emitted to one destination.
func sentTo(s *Server, dest string) [][]byte {
	var out [][]byte
	for _, p := range recorder(s).sent {
		if p.to == dest {
			out = append(out, p.data)
		}
	}
	return out
}

func tagOf(b []byte) protocol.Type {
	return protocol.Type(binary.LittleEndian.Uint32(b))
}

// countSent counts datagrams of one tag from server to destination. Only
// meaningful for tag families the destination would decode (texts to clients,
// S2S to servers).
func countSent(s *Server, dest string, t protocol.Type) int {
	n := 0
	for _, b := range sentTo(s, dest) {
		if tagOf(b) == t {
			n++
		}
	}
	return n
}

// clientBound decodes every text the server emitted to one client address.
func clientBound(t *testing.T, s *Server, dest string) []protocol.Packet {
	t.Helper()
	var out []protocol.Packet
	for _, b := range sentTo(s, dest) {
		pkt, err := protocol.DecodeClientBound(b)
		if err != nil {
			t.Fatalf("undecodable text to %s: %v", dest, err)
		}
		out = append(out, pkt)
	}
	return out
}

// errorsTo returns every TxtError message the server emitted to one client.
func errorsTo(t *testing.T, s *Server, dest string) []string {
	t.Helper()
	var msgs []string
	for _, pkt := range clientBound(t, s, dest) {
		if e, ok := pkt.(protocol.TxtError); ok {
			msgs = append(msgs, e.Message)
		}
	}
	return msgs
}

// ---- client actions ----

func login(s *Server, key, name string) {
	s.dispatch(protocol.Login{Username: name}.Marshal(), mustUDPAddr(key))
}

func logout(s *Server, key string) {
	s.dispatch(protocol.Logout{}.Marshal(), mustUDPAddr(key))
}

func join(s *Server, key, ch string) {
	s.dispatch(protocol.Join{Channel: ch}.Marshal(), mustUDPAddr(key))
}

func leave(s *Server, key, ch string) {
	s.dispatch(protocol.Leave{Channel: ch}.Marshal(), mustUDPAddr(key))
}

func say(s *Server, key, ch, text string) {
	s.dispatch(protocol.Say{Channel: ch, Text: text}.Marshal(), mustUDPAddr(key))
}

func list(s *Server, key string) {
	s.dispatch(protocol.List{}.Marshal(), mustUDPAddr(key))
}

func who(s *Server, key, ch string) {
	s.dispatch(protocol.Who{Channel: ch}.Marshal(), mustUDPAddr(key))
}

func verify(s *Server, key, name string) {
	s.dispatch(protocol.Verify{Username: name}.Marshal(), mustUDPAddr(key))
}

func keepAlive(s *Server, key string) {
	s.dispatch(protocol.KeepAlive{}.Marshal(), mustUDPAddr(key))
}
