package bridge

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/meshbus/internal/monitoring"
	"github.com/adred-codev/meshbus/pkg/bus"
	"github.com/adred-codev/meshbus/pkg/wire"
)

const pipeReadBuffer = 4096

// killGrace is how long a spawned child gets between the polite interrupt
// and the hard kill.
const killGrace = 5 * time.Second

// PipeBridge runs the bridge protocol over a bidirectional byte stream:
// an OS pipe pair, stdio, or a spawned child's stdin/stdout. Frames are
// varuint-length-prefixed wire messages.
type PipeBridge struct {
	core *Core
	r    io.ReadCloser
	w    io.WriteCloser
	log  zerolog.Logger

	wmu    sync.Mutex
	enc    wire.Encoder
	lenBuf []byte

	closed atomic.Bool
	done   chan struct{}

	// OnDisconnect runs once when the stream reports EOF or a write
	// fails. Set before Start.
	OnDisconnect func()
}

// NewPipeBridge creates a bridge over the given read and write ends. Call
// Start to begin exchanging frames.
func NewPipeBridge(b *bus.Bus, r io.ReadCloser, w io.WriteCloser, log zerolog.Logger) *PipeBridge {
	p := &PipeBridge{
		r:    r,
		w:    w,
		log:  log,
		done: make(chan struct{}),
	}
	p.core = NewCore(b, p, log)
	return p
}

// Core exposes the bridge core, e.g. to install a UserMsgHandler.
func (p *PipeBridge) Core() *Core { return p.core }

// Start attaches the bridge to the bus, announces a new session and begins
// reading from the stream.
func (p *PipeBridge) Start() {
	p.core.Attach()
	p.SendFrame(wire.NewSession{Version: 1})
	p.core.SendMineChannels()
	go p.readLoop()
}

// SendFrame implements Sink: one varuint-length-prefixed wire frame per
// bridge message. Application goroutines reach this through the bus from
// any thread, hence the mutex.
func (p *PipeBridge) SendFrame(f wire.Frame) {
	if p.closed.Load() {
		return
	}
	p.wmu.Lock()
	payload := p.enc.Encode(f)
	p.lenBuf = wire.AppendUvarint(p.lenBuf[:0], uint64(len(payload)))
	frame := append(p.lenBuf, payload...)
	_, err := p.w.Write(frame)
	p.wmu.Unlock()
	if err != nil {
		p.log.Debug().Err(err).Msg("pipe write failed")
		monitoring.BridgeErrors.WithLabelValues("pipe_write").Inc()
		p.disconnect()
	} else {
		monitoring.BridgeBytesOut.Add(float64(len(frame)))
	}
}

func (p *PipeBridge) readLoop() {
	defer monitoring.RecoverPanic(p.log, "pipe.readLoop", nil)
	buf := make([]byte, pipeReadBuffer)
	var acc []byte
	for {
		n, err := p.r.Read(buf)
		if n > 0 {
			monitoring.BridgeBytesIn.Add(float64(n))
			acc = append(acc, buf[:n]...)
			acc = p.parseFrames(acc)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !p.closed.Load() {
				p.log.Debug().Err(err).Msg("pipe read failed")
			}
			p.disconnect()
			return
		}
	}
}

// parseFrames dispatches every complete frame in acc and returns the
// unconsumed tail, compacted to the front of the buffer.
func (p *PipeBridge) parseFrames(acc []byte) []byte {
	rest := acc
	for {
		size, n, ok := wire.ReadUvarint(rest)
		if !ok || uint64(len(rest)-n) < size {
			break
		}
		frame := rest[n : n+int(size)]
		rest = rest[n+int(size):]
		p.core.Receive(wire.Decode(frame))
	}
	if len(rest) == 0 {
		return acc[:0]
	}
	return append(acc[:0], rest...)
}

func (p *PipeBridge) disconnect() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.done)
	_ = p.r.Close()
	_ = p.w.Close()
	p.core.Detach()
	if p.OnDisconnect != nil {
		p.OnDisconnect()
	}
}

// Close tears the bridge down and detaches it from the bus.
func (p *PipeBridge) Close() { p.disconnect() }

// Done is closed when the stream has been torn down.
func (p *PipeBridge) Done() <-chan struct{} { return p.done }

// ConnectStdio bridges the bus over the process's stdin/stdout. Intended
// for child processes spawned by ConnectProcess.
func ConnectStdio(b *bus.Bus, log zerolog.Logger) *PipeBridge {
	p := NewPipeBridge(b, os.Stdin, os.Stdout, log)
	p.Start()
	return p
}

// ConnectProcess spawns a child with its stdin/stdout bridged to the bus.
// Cancelling ctx interrupts the child politely; after killGrace it is
// killed. exitFn (optional) receives the child's exit code once it
// terminates.
func ConnectProcess(ctx context.Context, b *bus.Bus, name string, args []string,
	exitFn func(code int), log zerolog.Logger) (*PipeBridge, error) {

	cmd := exec.Command(name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := NewPipeBridge(b, stdout, stdin, log.With().Int("child_pid", cmd.Process.Pid).Logger())
	p.Start()

	waited := make(chan struct{})
	go func() {
		defer monitoring.RecoverPanic(p.log, "pipe.childWait", nil)
		err := cmd.Wait()
		close(waited)
		code := 0
		if err != nil {
			var ee *exec.ExitError
			if errors.As(err, &ee) {
				code = ee.ExitCode()
			} else {
				code = -1
			}
		}
		p.log.Debug().Int("exit_code", code).Msg("child exited")
		p.Close()
		if exitFn != nil {
			exitFn(code)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
		case <-waited:
			return
		}
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case <-waited:
		case <-time.After(killGrace):
			_ = cmd.Process.Kill()
		}
	}()
	return p, nil
}
