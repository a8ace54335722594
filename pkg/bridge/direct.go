package bridge

import (
	"github.com/rs/zerolog"

	"github.com/adred-codev/meshbus/pkg/bus"
	"github.com/adred-codev/meshbus/pkg/wire"
)

// DirectBridge joins two in-process buses. Frames produced by one side are
// handed straight to the other side's core, no serialization involved.
// Useful for sharding one process into several buses and as the reference
// wiring for the bridge protocol.
//
// Do not rely on the bridge to break cycles instantly: a cycle formed by
// several direct bridges is suppressed only after the serial election
// settles, which happens during Connect.
type DirectBridge struct {
	b1, b2    *Core
	connected bool
}

// NewDirectBridge wires two buses together. With connectNow the link
// starts exchanging channel sets immediately.
func NewDirectBridge(a, b *bus.Bus, connectNow bool, log zerolog.Logger) *DirectBridge {
	d := &DirectBridge{}
	d.b1 = NewCore(a, SinkFunc(func(f wire.Frame) { d.b2.Receive(f) }),
		log.With().Str("bridge", "direct-a").Logger())
	d.b2 = NewCore(b, SinkFunc(func(f wire.Frame) { d.b1.Receive(f) }),
		log.With().Str("bridge", "direct-b").Logger())
	if connectNow {
		d.Connect()
	}
	return d
}

// Connect attaches both ends and performs the initial exchange.
func (d *DirectBridge) Connect() {
	if d.connected {
		return
	}
	d.connected = true
	d.b1.Attach()
	d.b2.Attach()
	d.b2.Receive(wire.NewSession{Version: 1})
	d.b1.Receive(wire.NewSession{Version: 1})
	d.b1.SendMineChannels()
	d.b2.SendMineChannels()
}

// Close detaches both ends from their buses.
func (d *DirectBridge) Close() {
	if !d.connected {
		return
	}
	d.connected = false
	d.b1.Detach()
	d.b2.Detach()
}
