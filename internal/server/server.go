// Package server implements a DuckChat server node: the client-facing session
// handlers, the server-to-server routing subsystem that maintains a soft-state
// delivery sub-tree per channel, and the timer engine that keeps both alive.
package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duckchat-net/duckchatd/internal/protocol"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Config carries everything a server instance needs at startup.
type Config struct {
	Host      string
	Port      int
	Neighbors []string // "host:port" of each statically configured neighbor

	Debug       bool
	RefreshRate int // minutes; 0 means protocol.RefreshRate
	CacheSize   int // 0 means protocol.CacheSize
	RecvBufSize int // 0 means protocol.RecvBufSize
	OpsAddr     string
}

// Server is one DuckChat node. A single goroutine owns the socket and all
// five state tables; handlers run to completion inside the read loop, so no
// table needs locking.
type Server struct {
	cfg  Config
	addr string // canonical "host:port" of this node
	conn net.PacketConn
	log  *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics

	users    map[string]*User
	channels map[string][]*User

	neighbors     map[string]*Neighbor
	neighborOrder []string

	// routes is the routing table: channel -> neighbors subscribed to it.
	routes map[string][]*Neighbor

	cache *idCache

	// mode counts timer ticks toward the next inactivity sweep.
	mode int

	// injection points for tests
	now   func() time.Time
	newID func() uint64
}

// New binds the UDP socket, resolves the configured neighbors, and seeds the
// state tables (Common always exists). Any failure here is a startup error.
func New(cfg Config) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to locate the host %s: %w", cfg.Host, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to assign the requested address: %w", err)
	}

	s := newServer(cfg, conn, udpAddr.String())
	for _, key := range cfg.Neighbors {
		addr, err := net.ResolveUDPAddr("udp", key)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to locate the neighbor at %s: %w", key, err)
		}
		s.addNeighbor(addr.String(), addr)
	}
	return s, nil
}

// newServer wires the tables around an existing connection. Tests use it
// directly with an in-memory PacketConn.
func newServer(cfg Config, conn net.PacketConn, addr string) *Server {
	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = protocol.RefreshRate
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = protocol.CacheSize
	}
	if cfg.RecvBufSize <= 0 {
		cfg.RecvBufSize = protocol.RecvBufSize
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	registry := prometheus.NewRegistry()
	s := &Server{
		cfg:      cfg,
		addr:     addr,
		conn:     conn,
		log:      slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})),
		registry: registry,
		metrics:  newMetrics(registry),
		users:    make(map[string]*User),
		channels: make(map[string][]*User),
		neighbors: make(map[string]*Neighbor),
		routes:   make(map[string][]*Neighbor),
		cache:    newIDCache(cfg.CacheSize),
		now:      time.Now,
		newID: func() uint64 {
			u := uuid.New()
			return binary.LittleEndian.Uint64(u[:8])
		},
	}

	// Common exists from startup and survives being empty.
	s.channels[protocol.DefaultChannel] = []*User{}
	s.metrics.activeChannels.Set(1)
	return s
}

// Addr returns this node's canonical address string.
func (s *Server) Addr() string { return s.addr }

func (s *Server) addNeighbor(key string, addr net.Addr) {
	s.neighbors[key] = &Neighbor{Addr: addr, Key: key, LastMin: s.minuteNow()}
	s.neighborOrder = append(s.neighborOrder, key)
	s.metrics.neighborCount.Set(float64(len(s.neighbors)))
}

// Run serves until SIGINT/SIGTERM. The read loop runs on its own goroutine;
// Run blocks on the signal, then closes the socket to stop the loop.
func (s *Server) Run() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if s.cfg.OpsAddr != "" {
		go s.serveOps(s.cfg.OpsAddr)
	}

	s.note("Duckchat server launched")
	go s.loop()

	<-sigChan
	s.note("Duckchat server terminated")
	s.conn.Close()
}

// loop is the main event loop: a blocking receive with a 60-second deadline.
// A deadline expiry is the timer tick; anything else is a datagram to
// dispatch. Receive failures skip the iteration.
func (s *Server) loop() {
	buf := make([]byte, s.cfg.RecvBufSize)
	for {
		_ = s.conn.SetReadDeadline(s.now().Add(60 * time.Second))
		n, src, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				s.tick()
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Debug("receive error", "err", err)
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		s.dispatch(pkt, src)
	}
}

// dispatch decodes one datagram and runs its handler to completion.
func (s *Server) dispatch(b []byte, src net.Addr) {
	pkt, err := protocol.DecodeServerBound(b)
	if err != nil {
		// bogus packet, drop silently
		s.metrics.packetsDropped.Inc()
		s.log.Debug("dropped datagram", "from", src.String(), "err", err)
		return
	}
	s.metrics.packetsReceived.WithLabelValues(pkt.PacketType().String()).Inc()

	from := src.String()
	switch p := pkt.(type) {
	case protocol.Verify:
		s.handleVerify(p, from, src)
	case protocol.Login:
		s.handleLogin(p, from, src)
	case protocol.Logout:
		s.handleLogout(from)
	case protocol.Join:
		s.handleJoin(p, from)
	case protocol.Leave:
		s.handleLeave(p, from)
	case protocol.Say:
		s.handleSay(p, from)
	case protocol.List:
		s.handleList(from)
	case protocol.Who:
		s.handleWho(p, from)
	case protocol.KeepAlive:
		s.handleKeepAlive(from)
	case protocol.S2SVerify:
		s.handleS2SVerify(p, from)
	case protocol.S2SJoin:
		s.handleS2SJoin(p, from)
	case protocol.S2SLeave:
		s.handleS2SLeave(p, from)
	case protocol.S2SSay:
		s.handleS2SSay(p, from)
	case protocol.S2SList:
		s.handleS2SList(p, from)
	case protocol.S2SWho:
		s.handleS2SWho(p, from)
	case protocol.S2SLeaf:
		s.handleS2SLeaf(p, from)
	case protocol.S2SKeepAlive:
		s.handleS2SKeepAlive(from)
	}
}

// send emits one packet; transient I/O errors are logged and swallowed.
func (s *Server) send(pkt protocol.Packet, to net.Addr) {
	if _, err := s.conn.WriteTo(pkt.Marshal(), to); err != nil {
		s.log.Debug("send error", "to", to.String(), "err", err)
		return
	}
	s.metrics.packetsSent.WithLabelValues(pkt.PacketType().String()).Inc()
}

// sendToKey resolves a canonical "host:port" string and sends to it. Used on
// traversal paths where only the address string travels in the packet.
func (s *Server) sendToKey(pkt protocol.Packet, key string) {
	addr, err := net.ResolveUDPAddr("udp", key)
	if err != nil {
		s.log.Debug("unresolvable address", "addr", key, "err", err)
		return
	}
	s.send(pkt, addr)
}

// generateID draws a fresh 64-bit packet ID and records it in the cache, so
// this node's own floods bouncing back are recognized as duplicates.
func (s *Server) generateID() uint64 {
	id := s.newID()
	s.cache.add(id)
	return id
}

func (s *Server) minuteNow() int {
	return s.now().Minute()
}

// event logs one protocol event in the canonical
// "<local> <peer> <direction> <verb> <args>" form.
func (s *Server) event(peer, format string, args ...any) {
	s.log.Info(fmt.Sprintf("%s %s %s", s.addr, peer, fmt.Sprintf(format, args...)))
}

// note logs a node-level event with no peer.
func (s *Server) note(format string, args ...any) {
	s.log.Info(fmt.Sprintf("%s %s", s.addr, fmt.Sprintf(format, args...)))
}
