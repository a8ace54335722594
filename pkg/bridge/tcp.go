package bridge

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/meshbus/internal/monitoring"
	"github.com/adred-codev/meshbus/pkg/wire"
	"github.com/adred-codev/meshbus/pkg/wsframe"
)

const (
	tcpReadBuffer = 8192
	// DefaultHWM bounds the bytes queued toward one peer.
	DefaultHWM = 1 << 20
	// DefaultHWMTimeout is how long an enqueue blocks at the high-water
	// mark before the message is dropped.
	DefaultHWMTimeout = time.Second
	// DefaultReconnectDelay paces the client's reconnect loop.
	DefaultReconnectDelay = 2 * time.Second

	handshakeTimeout = 10 * time.Second
	maxRequestHead   = 16 << 10
)

// wsEndpoint is the byte path shared by the TCP client and each server
// peer: a WebSocket-framed connection with an HWM-bounded output queue,
// a writer pump and a reader pump feeding the bridge core. The connection
// can be swapped out (session resumption, client reconnect) while the
// endpoint and its core survive.
type wsEndpoint struct {
	core *Core
	log  zerolog.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	conn       net.Conn
	outQ       [][]byte
	outBytes   int
	hwm        int
	hwmTimeout time.Duration
	closed     bool
	idle       bool
	pingSent   bool

	builder *wsframe.Builder
	enc     wire.Encoder

	// onLost runs once per connection when it breaks; the endpoint's
	// conn is already cleared. Never called after close().
	onLost func()
}

func newWSEndpoint(client bool, hwm int, hwmTimeout time.Duration, log zerolog.Logger) *wsEndpoint {
	if hwm <= 0 {
		hwm = DefaultHWM
	}
	if hwmTimeout <= 0 {
		hwmTimeout = DefaultHWMTimeout
	}
	e := &wsEndpoint{
		log:        log,
		hwm:        hwm,
		hwmTimeout: hwmTimeout,
		builder:    wsframe.NewBuilder(client),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// SendFrame implements Sink: one bridge message per binary WebSocket frame.
func (e *wsEndpoint) SendFrame(f wire.Frame) {
	e.mu.Lock()
	payload := e.enc.Encode(f)
	e.enqueueLocked(wsframe.Message{Payload: payload, Type: wsframe.Binary, Fin: true})
	e.mu.Unlock()
}

func (e *wsEndpoint) sendControl(msg wsframe.Message) {
	e.mu.Lock()
	e.enqueueLocked(msg)
	e.mu.Unlock()
}

// enqueueLocked frames msg and queues it, blocking up to hwmTimeout while
// the queue sits at the high-water mark. On timeout the message is
// dropped.
func (e *wsEndpoint) enqueueLocked(msg wsframe.Message) {
	if e.closed || e.conn == nil {
		return
	}
	framed, err := e.builder.Append(nil, msg)
	if err != nil {
		return
	}
	deadline := time.Now().Add(e.hwmTimeout)
	for e.outBytes+len(framed) > e.hwm && !e.closed && e.conn != nil {
		if !e.waitUntilLocked(deadline) {
			monitoring.MessagesDroppedHWM.Inc()
			e.log.Warn().Int("queued_bytes", e.outBytes).Msg("output high-water mark, dropping message")
			return
		}
	}
	if e.closed || e.conn == nil {
		return
	}
	e.outQ = append(e.outQ, framed)
	e.outBytes += len(framed)
	e.cond.Broadcast()
}

// waitUntilLocked waits on the condition with a deadline. Reports false
// once the deadline passed.
func (e *wsEndpoint) waitUntilLocked(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	t := time.AfterFunc(remaining, e.cond.Broadcast)
	e.cond.Wait()
	t.Stop()
	return time.Now().Before(deadline)
}

func (e *wsEndpoint) writeLoop(conn net.Conn) {
	defer monitoring.RecoverPanic(e.log, "tcp.writeLoop", nil)
	for {
		e.mu.Lock()
		for len(e.outQ) == 0 && e.conn == conn && !e.closed {
			e.cond.Wait()
		}
		if e.closed || e.conn != conn {
			e.mu.Unlock()
			return
		}
		batch := e.outQ
		e.outQ = nil
		e.outBytes = 0
		e.cond.Broadcast()
		e.mu.Unlock()
		for _, frame := range batch {
			if _, err := conn.Write(frame); err != nil {
				e.log.Debug().Err(err).Msg("peer write failed")
				monitoring.BridgeErrors.WithLabelValues("tcp_write").Inc()
				e.connLost(conn)
				return
			}
			monitoring.BridgeBytesOut.Add(float64(len(frame)))
		}
	}
}

func (e *wsEndpoint) readLoop(conn net.Conn, leftover []byte) {
	defer monitoring.RecoverPanic(e.log, "tcp.readLoop", nil)
	parser := wsframe.NewParser(false)
	if len(leftover) > 0 && !e.feed(parser, leftover) {
		e.connLost(conn)
		return
	}
	buf := make([]byte, tcpReadBuffer)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			monitoring.BridgeBytesIn.Add(float64(n))
			e.markActivity()
			if !e.feed(parser, buf[:n]) {
				e.connLost(conn)
				return
			}
		}
		if err != nil {
			e.mu.Lock()
			stale := e.conn != conn
			e.mu.Unlock()
			if !stale {
				e.log.Debug().Err(err).Msg("peer read ended")
			}
			e.connLost(conn)
			return
		}
	}
}

// feed pushes raw bytes through the frame parser, dispatching every
// complete message. Reports false when the peer asked to close.
func (e *wsEndpoint) feed(parser *wsframe.Parser, data []byte) bool {
	for {
		if !parser.Push(data) {
			return true
		}
		msg := parser.Message()
		switch msg.Type {
		case wsframe.Binary:
			e.core.Receive(wire.Decode(msg.Payload))
		case wsframe.Ping:
			payload := append([]byte(nil), msg.Payload...)
			e.sendControl(wsframe.Message{Payload: payload, Type: wsframe.Pong, Fin: true})
		case wsframe.Pong, wsframe.Text, wsframe.Unknown:
			// pong counts as activity; the bridge protocol itself is
			// binary-only, anything else is ignored
		case wsframe.ConnClose:
			e.sendControl(wsframe.Message{Type: wsframe.ConnClose, Code: wsframe.CloseNormal, Fin: true})
			return false
		}
		data = parser.UnusedData()
		parser.Reset()
	}
}

func (e *wsEndpoint) markActivity() {
	e.mu.Lock()
	e.idle = false
	e.pingSent = false
	e.mu.Unlock()
}

// checkDead advances the keepalive state machine: a peer that stayed idle
// across two sweeps is dead. Otherwise an idle peer gets a ping.
func (e *wsEndpoint) checkDead() bool {
	e.mu.Lock()
	if e.idle {
		if e.pingSent {
			e.mu.Unlock()
			return true
		}
		e.pingSent = true
		e.enqueueLocked(wsframe.Message{Type: wsframe.Ping, Fin: true})
	}
	e.idle = true
	e.mu.Unlock()
	return false
}

// bind attaches a fresh connection and starts its pumps.
func (e *wsEndpoint) bind(conn net.Conn, leftover []byte) {
	e.mu.Lock()
	old := e.conn
	e.conn = conn
	e.outQ = nil
	e.outBytes = 0
	e.idle = false
	e.pingSent = false
	e.cond.Broadcast()
	e.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	go e.writeLoop(conn)
	go e.readLoop(conn, leftover)
}

// connLost clears the connection if it is still current and reports the
// loss upward exactly once per connection.
func (e *wsEndpoint) connLost(conn net.Conn) {
	e.mu.Lock()
	if e.closed || e.conn != conn {
		e.mu.Unlock()
		return
	}
	e.conn = nil
	e.outQ = nil
	e.outBytes = 0
	e.cond.Broadcast()
	e.mu.Unlock()
	_ = conn.Close()
	if e.onLost != nil {
		e.onLost()
	}
}

// close tears the endpoint down for good.
func (e *wsEndpoint) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	conn := e.conn
	e.conn = nil
	e.cond.Broadcast()
	e.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
