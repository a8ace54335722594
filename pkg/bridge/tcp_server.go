package bridge

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/meshbus/internal/monitoring"
	"github.com/adred-codev/meshbus/pkg/bus"
	"github.com/adred-codev/meshbus/pkg/wire"
	"github.com/adred-codev/meshbus/pkg/wsframe"
)

// HTTPHandler takes over connections whose request is not a WebSocket
// upgrade under the server's mount. Ownership of conn transfers to the
// handler, including closing it.
type HTTPHandler interface {
	OnRequest(conn net.Conn, header string, initialBody []byte)
}

// ServerOptions tunes a TCPServer. Zero values select the defaults.
type ServerOptions struct {
	HWM        int
	HWMTimeout time.Duration
	// SessionTimeout keeps a disconnected peer resumable for this long.
	// Zero closes peers immediately on connection loss.
	SessionTimeout time.Duration
	// AcceptRate/AcceptBurst rate-limit inbound connections; zero rate
	// disables the limiter.
	AcceptRate  rate.Limit
	AcceptBurst int
	HTTPHandler HTTPHandler
	Logger      zerolog.Logger
}

// TCPServer accepts WebSocket bridge peers and joins each of them to the
// bus. The bind string is either "host:port" ("*:port" for all
// interfaces, "host:*" for a random port) or "ws://host[:port]/mount".
type TCPServer struct {
	bus     *bus.Bus
	ln      net.Listener
	mount   string
	log     zerolog.Logger
	opts    ServerOptions
	limiter *rate.Limiter

	mu     sync.Mutex
	peers  map[*serverPeer]struct{}
	closed bool
}

type serverPeer struct {
	srv       *TCPServer
	ep        *wsEndpoint
	core      *Core
	sessionID string

	// guarded by srv.mu
	lost bool
}

// NewTCPServer binds and starts accepting.
func NewTCPServer(b *bus.Bus, bind string, opts ServerOptions) (*TCPServer, error) {
	ln, err := net.Listen("tcp", AddressFromURL(bind))
	if err != nil {
		return nil, fmt.Errorf("bridge: bind %q: %w", bind, err)
	}
	s := &TCPServer{
		bus:   b,
		ln:    ln,
		mount: PathFromURL(bind),
		log:   opts.Logger,
		opts:  opts,
		peers: make(map[*serverPeer]struct{}),
	}
	if opts.AcceptRate > 0 {
		burst := opts.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(opts.AcceptRate, burst)
	}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the bound listener address; useful with "host:*" binds.
func (s *TCPServer) Addr() net.Addr { return s.ln.Addr() }

func (s *TCPServer) acceptLoop() {
	defer monitoring.RecoverPanic(s.log, "tcp.acceptLoop", nil)
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		if s.limiter != nil && !s.limiter.Allow() {
			s.log.Warn().Str("remote", conn.RemoteAddr().String()).
				Msg("connection rejected: accept rate limit")
			monitoring.PeersDropped.WithLabelValues("rate_limited").Inc()
			_ = conn.Close()
			continue
		}
		go s.handleConn(conn)
	}
}

// handleConn performs the HTTP upgrade and either starts a fresh peer,
// resumes a lost session, or hands the connection to the HTTP handler.
func (s *TCPServer) handleConn(conn net.Conn) {
	defer monitoring.RecoverPanic(s.log, "tcp.handleConn", map[string]any{
		"remote": conn.RemoteAddr().String(),
	})
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	head, leftover, err := readRequestHead(conn)
	if err != nil {
		s.log.Debug().Err(err).Msg("handshake read failed")
		_ = conn.Close()
		return
	}
	key, sessionID, ok := s.parseUpgrade(head)
	if !ok {
		if h := s.opts.HTTPHandler; h != nil {
			_ = conn.SetReadDeadline(time.Time{})
			h.OnRequest(conn, head, leftover)
			return
		}
		_, _ = conn.Write([]byte("HTTP/1.1 400 Bad request\r\n" +
			"Server: meshbus\r\n" +
			"Connection: close\r\n" +
			"Content-Type: text/plain\r\n" +
			"\r\n" +
			"Use websocket protocol"))
		_ = conn.Close()
		return
	}
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Server: meshbus\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + wsframe.AcceptKey(key) + "\r\n\r\n"
	if _, err := conn.Write([]byte(resp)); err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if sessionID != "" && s.resume(sessionID, conn, leftover) {
		return
	}
	s.startPeer(conn, sessionID, leftover)
}

// resume hands the connection to a lost peer with a matching session.
func (s *TCPServer) resume(sessionID string, conn net.Conn, leftover []byte) bool {
	s.mu.Lock()
	var match *serverPeer
	for p := range s.peers {
		if p.sessionID == sessionID && p.lost {
			match = p
			break
		}
	}
	if match != nil {
		match.lost = false
	}
	s.mu.Unlock()
	if match == nil {
		return false
	}
	s.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("bridge session resumed")
	monitoring.SessionsResumed.Inc()
	match.ep.bind(conn, leftover)
	// the peer may have missed channel updates while detached
	match.ep.SendFrame(wire.ChannelsReset{})
	match.core.PeerReset()
	return true
}

func (s *TCPServer) startPeer(conn net.Conn, sessionID string, leftover []byte) {
	p := &serverPeer{srv: s, sessionID: sessionID}
	p.ep = newWSEndpoint(false, s.opts.HWM, s.opts.HWMTimeout,
		s.log.With().Str("remote", conn.RemoteAddr().String()).Logger())
	p.ep.core = NewCore(s.bus, p.ep, p.ep.log)
	p.core = p.ep.core
	p.ep.onLost = func() { s.peerLost(p) }

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	monitoring.PeersTotal.Inc()
	monitoring.PeersActive.Inc()
	s.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("bridge peer connected")

	p.ep.bind(conn, leftover)
	p.core.Attach()
	p.ep.SendFrame(wire.NewSession{Version: 1})
	p.core.SendMineChannels()
}

// peerLost moves a disconnected peer to the resumable state, or drops it
// when no session timeout is configured.
func (s *TCPServer) peerLost(p *serverPeer) {
	if s.opts.SessionTimeout > 0 && p.sessionID != "" {
		s.mu.Lock()
		p.lost = true
		s.mu.Unlock()
		s.log.Info().Msg("bridge peer lost, keeping session for resume")
		time.AfterFunc(s.opts.SessionTimeout, func() {
			s.mu.Lock()
			stillLost := p.lost
			s.mu.Unlock()
			if stillLost {
				monitoring.PeersDropped.WithLabelValues("session_expired").Inc()
				s.removePeer(p)
			}
		})
		return
	}
	monitoring.PeersDropped.WithLabelValues("disconnect").Inc()
	s.removePeer(p)
}

func (s *TCPServer) removePeer(p *serverPeer) {
	s.mu.Lock()
	_, present := s.peers[p]
	delete(s.peers, p)
	s.mu.Unlock()
	if !present {
		return
	}
	p.ep.close()
	p.core.Detach()
	monitoring.PeersActive.Dec()
	s.log.Info().Msg("bridge peer removed")
}

// SendPing sweeps all peers: each idle peer gets a WebSocket ping, and a
// peer that stayed silent over two consecutive sweeps is dropped. The
// server never pings on its own; call this from a ticker.
func (s *TCPServer) SendPing() {
	s.mu.Lock()
	peers := make([]*serverPeer, 0, len(s.peers))
	for p := range s.peers {
		if !p.lost {
			peers = append(peers, p)
		}
	}
	s.mu.Unlock()
	for _, p := range peers {
		if p.ep.checkDead() {
			s.log.Info().Msg("bridge peer unresponsive, dropping")
			monitoring.PeersDropped.WithLabelValues("ping_timeout").Inc()
			s.removePeer(p)
		}
	}
}

// PeerCount returns the number of peers, resumable ones included.
func (s *TCPServer) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close stops accepting and tears down every peer.
func (s *TCPServer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	peers := make([]*serverPeer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	_ = s.ln.Close()
	for _, p := range peers {
		s.removePeer(p)
	}
}

// readRequestHead collects bytes until the blank line ending the request
// head, returning the head and any bytes read past it.
func readRequestHead(conn net.Conn) (string, []byte, error) {
	var acc []byte
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			if i := strings.Index(string(acc), "\r\n\r\n"); i >= 0 {
				return string(acc[:i]), acc[i+4:], nil
			}
			if len(acc) > maxRequestHead {
				return "", nil, fmt.Errorf("request head exceeds %d bytes", maxRequestHead)
			}
		}
		if err != nil {
			return "", nil, err
		}
	}
}

// parseUpgrade validates the WebSocket upgrade request against the mount
// path. It returns the client key and the optional trailing session id
// (32 chars minimum).
func (s *TCPServer) parseUpgrade(head string) (key, sessionID string, ok bool) {
	lines := strings.Split(head, "\r\n")
	if len(lines) == 0 {
		return "", "", false
	}
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) != 3 {
		return "", "", false
	}
	method, path, proto := parts[0], parts[1], parts[2]

	var upgrade, connection, version bool
	for _, line := range lines[1:] {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "upgrade":
			upgrade = strings.EqualFold(value, "websocket")
		case "connection":
			for _, tok := range strings.Split(value, ",") {
				if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
					connection = true
				}
			}
		case "sec-websocket-key":
			key = value
		case "sec-websocket-version":
			if v, err := strconv.Atoi(value); err == nil && v >= 13 {
				version = true
			}
		}
	}
	if !strings.EqualFold(method, "GET") || !strings.EqualFold(proto, "HTTP/1.1") ||
		!upgrade || !connection || !version || key == "" ||
		!strings.HasPrefix(path, s.mount) {
		return "", "", false
	}
	session := strings.TrimPrefix(strings.TrimPrefix(path, s.mount), "/")
	if len(session) < 32 {
		session = ""
	}
	return key, session, true
}
