// Package bridge federates buses. A bridge is a listener on one bus and a
// codec endpoint to a peer: it advertises the bus's exportable channel set,
// mirrors the peer's set into local subscriptions, and forwards messages
// both ways. Serial election across the bridge graph suppresses routing
// cycles. Concrete transports: in-memory pair (DirectBridge), byte streams
// with length-prefixed framing (PipeBridge) and WebSocket-framed TCP
// (TCPServer / TCPClient).
package bridge

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/adred-codev/meshbus/pkg/bus"
	"github.com/adred-codev/meshbus/pkg/wire"
)

// Sink carries frames toward the peer. Implementations must be safe for
// concurrent use; delivery is best-effort (a broken transport drops
// frames and reports the loss through its own path).
type Sink interface {
	SendFrame(f wire.Frame)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(f wire.Frame)

func (f SinkFunc) SendFrame(fr wire.Frame) { f(fr) }

// Core implements the transport-independent half of a bridge. It is a
// bus.Listener and bus.Monitor; transports feed decoded frames into
// Receive and provide a Sink for the outbound direction.
type Core struct {
	bus  *bus.Bus
	sink Sink
	log  zerolog.Logger

	// UserMsgHandler receives frames with unknown tags. Nil discards them.
	UserMsgHandler func(m wire.UserMsg)

	mu            sync.Mutex
	theirChannels map[string]struct{} // full set learned from the peer
	curChannels   map[string]struct{} // actually subscribed on the peer's behalf
	lastExport    []string            // last advertised set, sorted; nil before first advert
	chanHash      uint64
	lastSerial    string
	haveSerial    bool
	cycleDetected bool
}

// NewCore binds a bridge core to a bus and an outbound sink. The caller
// attaches it with Attach once the transport is ready.
func NewCore(b *bus.Bus, sink Sink, log zerolog.Logger) *Core {
	return &Core{
		bus:           b,
		sink:          sink,
		log:           log,
		theirChannels: make(map[string]struct{}),
		curChannels:   make(map[string]struct{}),
	}
}

// Bus returns the bus this core is attached to.
func (c *Core) Bus() *bus.Bus { return c.bus }

// Attach registers the core as a channel monitor so the export set follows
// bus changes.
func (c *Core) Attach() { c.bus.RegisterMonitor(c) }

// Detach unregisters the monitor and removes every trace of the bridge
// from the bus (subscriptions, mailbox, return paths, owned groups).
func (c *Core) Detach() {
	c.bus.UnregisterMonitor(c)
	c.bus.UnsubscribeAll(c)
	c.mu.Lock()
	c.theirChannels = make(map[string]struct{})
	c.curChannels = make(map[string]struct{})
	c.mu.Unlock()
}

// CycleDetected reports whether the bridge currently suppresses its export
// because it would close a routing cycle.
func (c *Core) CycleDetected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycleDetected
}

func hashChannels(list []string) uint64 {
	if len(list) == 0 {
		return 0
	}
	d := xxhash.New()
	for _, ch := range list {
		_, _ = d.WriteString(ch)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// diffSorted returns the elements only in a (removed) and only in b
// (added); both inputs are sorted.
func diffSorted(a, b []string) (added, removed []string) {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			i++
			j++
		case a[i] < b[j]:
			removed = append(removed, a[i])
			i++
		default:
			added = append(added, b[j])
			j++
		}
	}
	removed = append(removed, a[i:]...)
	added = append(added, b[j:]...)
	return added, removed
}

// SendMineChannels recomputes the export set and pushes the difference to
// the peer: a full replace on the first advert (and while suppressed by a
// cycle), add/erase diffs afterwards. It also pushes the current serial
// when it changed.
func (c *Core) SendMineChannels() {
	c.mu.Lock()
	var frames []wire.Frame
	var lst []string
	if !c.cycleDetected {
		lst = c.bus.GetActiveChannels(c)
	}
	h := hashChannels(lst)
	if h != c.chanHash || c.lastExport == nil {
		c.chanHash = h
		if c.lastExport == nil || c.cycleDetected {
			frames = append(frames, wire.ChannelUpdate{Op: wire.OpReplace, Channels: lst})
		} else {
			added, removed := diffSorted(c.lastExport, lst)
			if len(removed) > 0 {
				frames = append(frames, wire.ChannelUpdate{Op: wire.OpErase, Channels: removed})
			}
			if len(added) > 0 {
				frames = append(frames, wire.ChannelUpdate{Op: wire.OpAdd, Channels: added})
			}
		}
		if lst == nil {
			lst = []string{}
		}
		c.lastExport = lst
	}
	if s := c.bus.GetSerial(c); !c.haveSerial || s != c.lastSerial {
		c.haveSerial = true
		c.lastSerial = s
		if s != "" {
			frames = append(frames, wire.UpdateSerial{Serial: s})
		}
	}
	c.mu.Unlock()
	for _, f := range frames {
		c.sink.SendFrame(f)
	}
}

// PeerReset drops the memory of what was advertised and resends the full
// export set. Call it when the peer lost its state (reconnect, NewSession,
// ChannelsReset).
func (c *Core) PeerReset() {
	c.mu.Lock()
	c.lastExport = nil
	c.chanHash = 0
	c.haveSerial = false
	c.mu.Unlock()
	c.SendMineChannels()
}

// ApplyTheirChannels folds a channel update from the peer into the learned
// set and adjusts local subscriptions to match. While a cycle is detected
// the learned set is remembered but nothing is subscribed.
func (c *Core) ApplyTheirChannels(op wire.ChannelOp, channels []string) {
	c.mu.Lock()
	switch op {
	case wire.OpReplace:
		c.theirChannels = make(map[string]struct{}, len(channels))
		for _, ch := range channels {
			c.theirChannels[ch] = struct{}{}
		}
	case wire.OpAdd:
		for _, ch := range channels {
			c.theirChannels[ch] = struct{}{}
		}
	case wire.OpErase:
		for _, ch := range channels {
			delete(c.theirChannels, ch)
		}
	}
	subs, unsubs := c.resyncLocked()
	c.mu.Unlock()
	c.applySubscriptions(subs, unsubs)
}

// resyncLocked computes the subscribe/unsubscribe work to make
// curChannels match the desired set.
func (c *Core) resyncLocked() (subs, unsubs []string) {
	desired := c.theirChannels
	if c.cycleDetected {
		desired = nil
	}
	for ch := range c.curChannels {
		if _, ok := desired[ch]; !ok {
			unsubs = append(unsubs, ch)
			delete(c.curChannels, ch)
		}
	}
	for ch := range desired {
		if _, ok := c.curChannels[ch]; !ok {
			subs = append(subs, ch)
			c.curChannels[ch] = struct{}{}
		}
	}
	return subs, unsubs
}

func (c *Core) applySubscriptions(subs, unsubs []string) {
	for _, ch := range unsubs {
		c.bus.Unsubscribe(c, ch)
	}
	for _, ch := range subs {
		c.bus.Subscribe(c, ch)
	}
}

// DropTheirChannels unsubscribes everything learned from the peer, as if
// an empty replace arrived. Used when the peer announces a new session.
func (c *Core) DropTheirChannels() {
	c.ApplyTheirChannels(wire.OpReplace, nil)
}

// setCycle flips cycle suppression and propagates the consequences: the
// export zeroes (or reappears) and learned channels are dropped (or
// resubscribed).
func (c *Core) setCycle(detected bool) {
	c.mu.Lock()
	if c.cycleDetected == detected {
		c.mu.Unlock()
		return
	}
	c.cycleDetected = detected
	subs, unsubs := c.resyncLocked()
	c.mu.Unlock()
	if detected {
		c.log.Debug().Msg("bridge cycle detected, suppressing export")
	} else {
		c.log.Debug().Msg("bridge cycle cleared")
	}
	c.applySubscriptions(subs, unsubs)
	c.SendMineChannels()
}

// Receive dispatches one decoded frame from the peer.
func (c *Core) Receive(f wire.Frame) {
	switch m := f.(type) {
	case wire.Message:
		msg := bus.Message{
			Sender:       m.Sender,
			Channel:      m.Channel,
			Content:      m.Content,
			Conversation: m.Conversation,
		}
		if !c.bus.DispatchMessage(c, msg, true) && m.Sender != "" {
			c.sink.SendFrame(wire.NoRoute{Sender: m.Sender, Receiver: m.Channel})
		}
	case wire.ChannelUpdate:
		c.ApplyTheirChannels(m.Op, m.Channels)
	case wire.ChannelsReset:
		c.PeerReset()
	case wire.NoRoute:
		c.bus.ClearReturnPath(c, m.Sender, m.Receiver)
	case wire.AddToGroup:
		if !c.bus.AddToGroup(c, m.Group, m.Target) {
			c.log.Debug().Str("group", m.Group).Str("target", m.Target).
				Msg("add_to_group target not reachable")
		}
	case wire.CloseGroup:
		c.bus.CloseGroup(c, m.Group)
	case wire.GroupEmpty:
		c.bus.Unsubscribe(c, m.Group)
	case wire.NewSession:
		c.DropTheirChannels()
		c.PeerReset()
	case wire.UpdateSerial:
		c.setCycle(!c.bus.SetSerial(c, m.Serial))
	case wire.UserMsg:
		if c.UserMsgHandler != nil {
			c.UserMsgHandler(m)
		}
	}
}

// OnMessage forwards bus deliveries to the peer. Private deliveries are
// forwarded too: the bus routed them here on purpose, either to the
// bridge's mailbox stand-in or along a return path.
func (c *Core) OnMessage(msg bus.Message, pm bool) {
	c.sink.SendFrame(wire.Message{
		Sender:       msg.Sender,
		Channel:      msg.Channel,
		Content:      msg.Content,
		Conversation: msg.Conversation,
	})
}

// SendUserMsg pushes an application-defined frame to the peer. The tag
// must stay below the bridge protocol range (0xF5..0xFF); the peer's
// UserMsgHandler receives it untouched.
func (c *Core) SendUserMsg(m wire.UserMsg) { c.sink.SendFrame(m) }

// OnChannelsUpdate implements bus.Monitor.
func (c *Core) OnChannelsUpdate() { c.SendMineChannels() }

// OnClearPath propagates a torn-down reply route toward the sender.
func (c *Core) OnClearPath(sender, receiver string) {
	c.sink.SendFrame(wire.NoRoute{Sender: sender, Receiver: receiver})
}

// OnAddToGroup propagates group membership toward the member's home bus.
func (c *Core) OnAddToGroup(group, target string) {
	c.sink.SendFrame(wire.AddToGroup{Group: group, Target: target})
}

// OnCloseGroup propagates group closure to downstream members.
func (c *Core) OnCloseGroup(group string) {
	c.sink.SendFrame(wire.CloseGroup{Group: group})
}

// OnGroupEmpty tells the peer that the group lost its last local member.
func (c *Core) OnGroupEmpty(group string) {
	c.sink.SendFrame(wire.GroupEmpty{Group: group})
}
