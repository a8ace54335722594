package bridge

import (
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/meshbus/internal/monitoring"
	"github.com/adred-codev/meshbus/pkg/bus"
	"github.com/adred-codev/meshbus/pkg/wire"
	"github.com/adred-codev/meshbus/pkg/wsframe"
)

// ClientOptions tunes a TCPClient. Zero values select the defaults.
type ClientOptions struct {
	HWM            int
	HWMTimeout     time.Duration
	ReconnectDelay time.Duration
	Logger         zerolog.Logger
}

// TCPClient dials a TCPServer and joins its bus to the remote one. On
// connection loss or connect failure it retries the original address
// every ReconnectDelay; every attempt performs a fresh WebSocket
// handshake and announces a NewSession. The generated session id rides in
// the URL path so the server can resume the previous peer state.
type TCPClient struct {
	bus       *bus.Bus
	addr      string
	path      string
	sessionID string
	log       zerolog.Logger
	delay     time.Duration

	ep     *wsEndpoint
	core   *Core
	closed atomic.Bool
	lostCh chan struct{}
	doneCh chan struct{}
}

// NewTCPClient starts the connect loop toward url ("host:port" or
// "ws://host[:port]/path").
func NewTCPClient(b *bus.Bus, url string, opts ClientOptions) *TCPClient {
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	c := &TCPClient{
		bus:       b,
		addr:      AddressFromURL(url),
		path:      PathFromURL(url),
		sessionID: uuid.NewString(),
		log:       opts.Logger.With().Str("addr", AddressFromURL(url)).Logger(),
		delay:     delay,
		lostCh:    make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
	}
	c.ep = newWSEndpoint(true, opts.HWM, opts.HWMTimeout, c.log)
	c.core = NewCore(b, c.ep, c.log)
	c.ep.core = c.core
	c.ep.onLost = func() {
		select {
		case c.lostCh <- struct{}{}:
		default:
		}
	}
	c.core.Attach()
	go c.connectLoop()
	return c
}

// Core exposes the bridge core, e.g. to install a UserMsgHandler.
func (c *TCPClient) Core() *Core { return c.core }

// SendPing sends a WebSocket ping to the server.
func (c *TCPClient) SendPing() {
	c.ep.sendControl(wsframe.Message{Type: wsframe.Ping, Fin: true})
}

func (c *TCPClient) connectLoop() {
	defer monitoring.RecoverPanic(c.log, "tcp.connectLoop", nil)
	for !c.closed.Load() {
		conn, leftover, err := c.dial()
		if err != nil {
			c.log.Debug().Err(err).Msg("bridge connect failed")
			monitoring.ClientReconnects.Inc()
			if !c.sleep() {
				return
			}
			continue
		}
		c.log.Info().Msg("bridge connected")
		c.ep.bind(conn, leftover)
		c.ep.SendFrame(wire.NewSession{Version: 1})
		c.core.PeerReset()
		select {
		case <-c.lostCh:
		case <-c.doneCh:
			return
		}
		c.log.Info().Msg("bridge connection lost")
		monitoring.ClientReconnects.Inc()
		if !c.sleep() {
			return
		}
	}
}

func (c *TCPClient) sleep() bool {
	select {
	case <-time.After(c.delay):
		return !c.closed.Load()
	case <-c.doneCh:
		return false
	}
}

// dial opens the connection and performs the WebSocket handshake.
func (c *TCPClient) dial() (net.Conn, []byte, error) {
	conn, err := net.DialTimeout("tcp", c.addr, handshakeTimeout)
	if err != nil {
		return nil, nil, err
	}
	key, err := wsframe.GenerateKey()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	path := c.path
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	path += c.sessionID
	req := "GET " + path + " HTTP/1.1\r\n" +
		"Host: " + c.addr + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + key + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if _, err := conn.Write([]byte(req)); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	head, leftover, err := readRequestHead(conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := verifyUpgradeResponse(head, key); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, leftover, nil
}

func verifyUpgradeResponse(head, key string) error {
	lines := strings.Split(head, "\r\n")
	if len(lines) == 0 || !strings.Contains(lines[0], " 101 ") {
		return fmt.Errorf("bridge: unexpected handshake response %q", lines[0])
	}
	want := wsframe.AcceptKey(key)
	for _, line := range lines[1:] {
		name, value, found := strings.Cut(line, ":")
		if found && strings.EqualFold(strings.TrimSpace(name), "sec-websocket-accept") {
			if strings.TrimSpace(value) != want {
				return fmt.Errorf("bridge: handshake accept key mismatch")
			}
			return nil
		}
	}
	return fmt.Errorf("bridge: handshake response lacks accept key")
}

// Close stops the reconnect loop and detaches from the bus.
func (c *TCPClient) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.doneCh)
	c.ep.close()
	c.core.Detach()
}
