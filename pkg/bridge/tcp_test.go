package bridge

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/meshbus/pkg/bus"
	"github.com/adred-codev/meshbus/pkg/wire"
	"github.com/adred-codev/meshbus/pkg/wsframe"
)

func startServer(t *testing.T, b *bus.Bus, opts ServerOptions) *TCPServer {
	t.Helper()
	opts.Logger = zerolog.Nop()
	s, err := NewTCPServer(b, "ws://127.0.0.1:*/meshbus", opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestTCPBridgeRouting(t *testing.T) {
	master := bus.New()
	slave := bus.New()

	server := startServer(t, master, ServerOptions{})
	client := NewTCPClient(slave, "ws://"+server.Addr().String()+"/meshbus", ClientOptions{Logger: zerolog.Nop()})
	defer client.Close()

	_ = newReverser(master)
	require.True(t, slave.WaitForChannel("reverse", 10*time.Second), "route propagation")

	result := make(chan string, 1)
	cn := bus.NewClient(slave, func(c *bus.Client, msg bus.Message, pm bool) {
		result <- msg.Content
	})
	require.NoError(t, cn.SendMessage("reverse", "ahoj svete", 0))

	select {
	case r := <-result:
		assert.Equal(t, "etevs joha", r)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply over the tcp bridge")
	}
}

func TestTCPBridgeBidirectional(t *testing.T) {
	master := bus.New()
	slave := bus.New()
	server := startServer(t, master, ServerOptions{})
	client := NewTCPClient(slave, "ws://"+server.Addr().String()+"/meshbus", ClientOptions{Logger: zerolog.Nop()})
	defer client.Close()

	// service on the client side, consumer on the server side
	_ = newReverser(slave)
	require.True(t, master.WaitForChannel("reverse", 10*time.Second))

	result := make(chan string, 1)
	cn := bus.NewClient(master, func(c *bus.Client, msg bus.Message, pm bool) {
		result <- msg.Content
	})
	require.NoError(t, cn.SendMessage("reverse", "obema smery", 0))
	select {
	case r := <-result:
		assert.Equal(t, "yrems amebo", r)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply toward the server side")
	}
}

func TestServerRejectsPlainHTTP(t *testing.T) {
	server := startServer(t, bus.New(), ServerOptions{})
	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /index.html HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	buf := make([]byte, 1024)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "400 Bad request")
}

type captureHTTPHandler struct {
	got chan string
}

func (h *captureHTTPHandler) OnRequest(conn net.Conn, header string, initialBody []byte) {
	h.got <- header
	_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	_ = conn.Close()
}

func TestServerHandsOffNonWebSocketRequests(t *testing.T) {
	h := &captureHTTPHandler{got: make(chan string, 1)}
	server := startServer(t, bus.New(), ServerOptions{HTTPHandler: h})
	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /page HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	select {
	case head := <-h.got:
		assert.Contains(t, head, "GET /page HTTP/1.1")
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
	buf := make([]byte, 1024)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "200 OK")
}

func TestParseUpgrade(t *testing.T) {
	s := &TCPServer{mount: "/meshbus"}
	head := strings.Join([]string{
		"GET /meshbus/0123456789abcdef0123456789abcdef HTTP/1.1",
		"Host: localhost",
		"Upgrade: websocket",
		"Connection: keep-alive, Upgrade",
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==",
		"Sec-WebSocket-Version: 13",
	}, "\r\n")
	key, session, ok := s.parseUpgrade(head)
	require.True(t, ok)
	assert.Equal(t, "dGhlIHNhbXBsZSBub25jZQ==", key)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", session)

	// no trailing segment: no session id
	head2 := strings.ReplaceAll(head, "/meshbus/0123456789abcdef0123456789abcdef", "/meshbus")
	_, session, ok = s.parseUpgrade(head2)
	require.True(t, ok)
	assert.Empty(t, session)

	// wrong mount
	head3 := strings.ReplaceAll(head, "/meshbus/0123456789abcdef0123456789abcdef", "/other")
	_, _, ok = s.parseUpgrade(head3)
	assert.False(t, ok)

	// stale protocol version
	head4 := strings.ReplaceAll(head, "Sec-WebSocket-Version: 13", "Sec-WebSocket-Version: 8")
	_, _, ok = s.parseUpgrade(head4)
	assert.False(t, ok)

	// upgrade to a protocol other than websocket
	head5 := strings.ReplaceAll(head, "Upgrade: websocket", "Upgrade: h2c")
	_, _, ok = s.parseUpgrade(head5)
	assert.False(t, ok)
}

// rawPeer is a hand-driven WebSocket bridge peer for protocol-level tests.
type rawPeer struct {
	t       *testing.T
	conn    net.Conn
	parser  *wsframe.Parser
	builder *wsframe.Builder
	pending []byte
}

func dialRawPeer(t *testing.T, addr, sessionID string) *rawPeer {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	key, err := wsframe.GenerateKey()
	require.NoError(t, err)
	path := "/meshbus"
	if sessionID != "" {
		path += "/" + sessionID
	}
	req := "GET " + path + " HTTP/1.1\r\nHost: x\r\n" +
		"Upgrade: websocket\r\nConnection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + key + "\r\nSec-WebSocket-Version: 13\r\n\r\n"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)
	head, leftover, err := readRequestHead(conn)
	require.NoError(t, err)
	require.Contains(t, head, "101 Switching Protocols")
	require.NoError(t, verifyUpgradeResponse(head, key))
	return &rawPeer{
		t:       t,
		conn:    conn,
		parser:  wsframe.NewParser(false),
		builder: wsframe.NewBuilder(true),
		pending: leftover,
	}
}

func (p *rawPeer) send(f wire.Frame) {
	var enc wire.Encoder
	frame, err := p.builder.Append(nil, wsframe.Message{
		Payload: enc.Encode(f), Type: wsframe.Binary, Fin: true,
	})
	require.NoError(p.t, err)
	_, err = p.conn.Write(frame)
	require.NoError(p.t, err)
}

// expect reads frames until one matches pred or the deadline passes.
func (p *rawPeer) expect(timeout time.Duration, pred func(wire.Frame) bool) bool {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 4096)
	data := p.pending
	p.pending = nil
	for {
		for len(data) > 0 {
			if !p.parser.Push(data) {
				data = nil
				break
			}
			msg := p.parser.Message()
			data = append([]byte(nil), p.parser.UnusedData()...)
			p.parser.Reset()
			if msg.Type == wsframe.Binary && pred(wire.Decode(msg.Payload)) {
				p.pending = data
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		_ = p.conn.SetReadDeadline(deadline)
		n, err := p.conn.Read(buf)
		if err != nil {
			return false
		}
		data = append(data, buf[:n]...)
	}
}

func TestServerSessionResumption(t *testing.T) {
	master := bus.New()
	l := bus.NewClient(master, nil)
	require.True(t, l.Subscribe("stable-channel"))

	server := startServer(t, master, ServerOptions{SessionTimeout: 10 * time.Second})
	session := strings.Repeat("s", 40)

	p1 := dialRawPeer(t, server.Addr().String(), session)
	require.True(t, p1.expect(2*time.Second, func(f wire.Frame) bool {
		_, ok := f.(wire.NewSession)
		return ok
	}), "fresh peer gets NewSession")
	require.True(t, p1.expect(2*time.Second, func(f wire.Frame) bool {
		cu, ok := f.(wire.ChannelUpdate)
		return ok && cu.Op == wire.OpReplace && len(cu.Channels) == 1
	}), "fresh peer gets the export set")
	_ = p1.conn.Close()

	// give the server a moment to notice the loss
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, 1, server.PeerCount(), "lost peer is kept for resumption")

	p2 := dialRawPeer(t, server.Addr().String(), session)
	defer p2.conn.Close()
	require.True(t, p2.expect(2*time.Second, func(f wire.Frame) bool {
		_, ok := f.(wire.ChannelsReset)
		return ok
	}), "resumed session starts with ChannelsReset")
	require.True(t, p2.expect(2*time.Second, func(f wire.Frame) bool {
		cu, ok := f.(wire.ChannelUpdate)
		return ok && cu.Op == wire.OpReplace
	}), "full replace follows the reset")
	require.Equal(t, 1, server.PeerCount(), "no second peer object")
}

func TestServerRespondsToPing(t *testing.T) {
	server := startServer(t, bus.New(), ServerOptions{})
	p := dialRawPeer(t, server.Addr().String(), "")
	defer p.conn.Close()

	ping, err := p.builder.Append(nil, wsframe.Message{Type: wsframe.Ping, Payload: []byte("hb"), Fin: true})
	require.NoError(t, err)
	_, err = p.conn.Write(ping)
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	buf := make([]byte, 4096)
	data := p.pending
	for time.Now().Before(deadline) {
		for len(data) > 0 {
			if !p.parser.Push(data) {
				data = nil
				break
			}
			msg := p.parser.Message()
			data = append([]byte(nil), p.parser.UnusedData()...)
			if msg.Type == wsframe.Pong {
				assert.Equal(t, []byte("hb"), msg.Payload)
				return
			}
			p.parser.Reset()
		}
		_ = p.conn.SetReadDeadline(deadline)
		n, err := p.conn.Read(buf)
		if err != nil {
			break
		}
		data = append(data, buf[:n]...)
	}
	t.Fatal("no pong received")
}

func TestClientReconnects(t *testing.T) {
	master := bus.New()
	slave := bus.New()
	server := startServer(t, master, ServerOptions{})
	addr := server.Addr().String()

	client := NewTCPClient(slave, "ws://"+addr+"/meshbus", ClientOptions{
		Logger:         zerolog.Nop(),
		ReconnectDelay: 100 * time.Millisecond,
	})
	defer client.Close()

	_ = newReverser(master)
	require.True(t, slave.WaitForChannel("reverse", 10*time.Second))

	// sever the link server-side; the client must come back on its own
	server.mu.Lock()
	for p := range server.peers {
		p.ep.mu.Lock()
		if p.ep.conn != nil {
			_ = p.ep.conn.Close()
		}
		p.ep.mu.Unlock()
	}
	server.mu.Unlock()

	result := make(chan string, 1)
	cn := bus.NewClient(slave, func(c *bus.Client, msg bus.Message, pm bool) {
		result <- msg.Content
	})
	// retry until the reconnected route answers
	deadline := time.Now().Add(10 * time.Second)
	for {
		if err := cn.SendMessage("reverse", "zpet", 0); err == nil {
			select {
			case r := <-result:
				assert.Equal(t, "tepz", r)
				return
			case <-time.After(500 * time.Millisecond):
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("client did not recover after reconnect")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestEndpointHWMDropsInsteadOfBlocking(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	b := bus.New()
	ep := newWSEndpoint(false, 64, 50*time.Millisecond, zerolog.Nop())
	ep.core = NewCore(b, ep, zerolog.Nop())
	ep.bind(serverSide, nil)
	defer ep.close()

	// nobody reads clientSide, so the writer pump wedges on the first
	// frame and the queue fills to the mark
	payload := strings.Repeat("x", 40)
	start := time.Now()
	for i := 0; i < 8; i++ {
		ep.SendFrame(wire.Message{Channel: "ch", Content: payload})
	}
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 2*time.Second, "HWM gate must drop, not block forever")
}
