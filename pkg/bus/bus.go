// Package bus implements an in-process message bus: named multicast
// channels, owned groups, per-listener private mailboxes and an LRU return
// path for ad-hoc replies. The bus is passive and safe for concurrent use
// from any goroutine; bridges in pkg/bridge federate several buses into
// one routing domain.
package bus

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Routing errors surfaced by the Client helper.
var (
	// ErrInvalidChannel reports an empty destination name.
	ErrInvalidChannel = errors.New("bus: invalid channel name")
	// ErrNoRoute reports that no mailbox, channel or return path matched.
	ErrNoRoute = errors.New("bus: no route to destination")
)

const mailboxPrefix = "mbx_"

type mailbox struct {
	owner    Listener
	id       string
	disabled atomic.Bool
}

// Options configures a Bus.
type Options struct {
	// IDGenerator overrides the mailbox/serial id source. Nil selects the
	// process-global generator.
	IDGenerator IDGenerator
	// ReturnPathLimit bounds the reply-route cache. Zero selects the
	// default of 128 entries.
	ReturnPathLimit int
}

// Bus is the local routing core. The zero value is not usable; construct
// with New or NewWithOptions.
//
// All operations are synchronous. Listener callbacks triggered by an
// operation run before it returns, on the calling goroutine — unless
// another goroutine is already dispatching, in which case the work is
// handed to that goroutine's drain loop. Within a single operation every
// registry change commits before the next broadcast is delivered.
type Bus struct {
	idgen IDGenerator

	mu            sync.Mutex
	channels      map[string]*channel
	mailboxByLsn  map[Listener]*mailbox
	mailboxByName map[string]*mailbox
	backPath      *returnPathCache
	monitors      []Monitor

	// serial election state for cycle suppression across bridges
	thisSerial   string
	curSerial    string
	serialSource Listener

	// dispatcher: whichever goroutine enters first drains both queues;
	// nested and concurrent operations enqueue and return
	running       bool
	lsnQueue      []func() // registry changes, run under mu
	msgQueue      []func() // deliveries and notifications, run outside mu
	channelsDirty bool
}

// New creates a bus with default options.
func New() *Bus { return NewWithOptions(Options{}) }

// NewWithOptions creates a bus.
func NewWithOptions(o Options) *Bus {
	idgen := o.IDGenerator
	if idgen == nil {
		idgen = defaultIDGenerator
	}
	return &Bus{
		idgen:         idgen,
		channels:      make(map[string]*channel),
		mailboxByLsn:  make(map[Listener]*mailbox),
		mailboxByName: make(map[string]*mailbox),
		backPath:      newReturnPathCache(o.ReturnPathLimit),
		thisSerial:    idgen.NextID(),
	}
}

// runDispatch drains the two queues. Must be called with mu held; returns
// with mu held. Listener-change items run under the lock, deliveries run
// outside it, and listener changes always drain before the next delivery.
// Monitors fire once the queues are empty, re-checked until no callback
// dirties the channel set again.
func (b *Bus) runDispatch() {
	if b.running {
		return
	}
	b.running = true
	for {
		for len(b.lsnQueue) > 0 {
			op := b.lsnQueue[0]
			b.lsnQueue = b.lsnQueue[1:]
			op()
		}
		if len(b.msgQueue) > 0 {
			op := b.msgQueue[0]
			b.msgQueue = b.msgQueue[1:]
			b.mu.Unlock()
			op()
			b.mu.Lock()
			continue
		}
		if b.channelsDirty {
			b.channelsDirty = false
			mons := make([]Monitor, len(b.monitors))
			copy(mons, b.monitors)
			b.mu.Unlock()
			for _, m := range mons {
				m.OnChannelsUpdate()
			}
			b.mu.Lock()
			continue
		}
		break
	}
	b.running = false
}

// channelLocked returns the channel record, creating it when absent.
func (b *Bus) channelLocked(name string) *channel {
	c, ok := b.channels[name]
	if !ok {
		c = newChannel(name)
		b.channels[name] = c
	}
	return c
}

// destroyChannelLocked removes an emptied channel. An emptied group also
// notifies its owner.
func (b *Bus) destroyChannelLocked(c *channel) {
	delete(b.channels, c.name)
	if owner := c.getOwner(); owner != nil {
		b.msgQueue = append(b.msgQueue, func() {
			notifyGroupEmpty(owner, c.name)
		})
	}
}

func (b *Bus) enqueueRemoveLocked(c *channel, l Listener) {
	b.lsnQueue = append(b.lsnQueue, func() {
		if c.removeListener(l) {
			b.destroyChannelLocked(c)
		}
	})
}

// Subscribe adds l to channel name. It fails on an empty name and on a
// group owned by someone else. Idempotent.
func (b *Bus) Subscribe(l Listener, name string) bool {
	if l == nil || name == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.channelLocked(name)
	if owner := c.getOwner(); owner != nil && owner != l {
		return false
	}
	b.lsnQueue = append(b.lsnQueue, func() { c.addListener(l) })
	b.channelsDirty = true
	b.runDispatch()
	return true
}

// Unsubscribe removes l from channel name; no-op when absent. The channel
// is destroyed when its last listener leaves.
func (b *Bus) Unsubscribe(l Listener, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.channels[name]
	if !ok || !c.has(l) {
		return
	}
	b.enqueueRemoveLocked(c, l)
	b.channelsDirty = true
	b.runDispatch()
}

// UnsubscribeAll removes l from every channel and group, destroys its
// mailbox, forgets its return paths and closes every group it owns.
func (b *Bus) UnsubscribeAll(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eraseMailboxLocked(l)
	for _, c := range b.channels {
		if c.getOwner() == l {
			b.closeGroupLocked(c)
		}
	}
	b.backPath.removeListener(l)
	for _, c := range b.channels {
		if c.has(l) {
			b.enqueueRemoveLocked(c, l)
			b.channelsDirty = true
		}
	}
	if b.serialSource == l {
		b.serialSource = nil
		b.channelsDirty = true
	}
	b.runDispatch()
}

// UnsubscribePrivate destroys only l's mailbox. The next send allocates a
// fresh one under a different id.
func (b *Bus) UnsubscribePrivate(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eraseMailboxLocked(l)
	b.runDispatch()
}

func (b *Bus) eraseMailboxLocked(l Listener) {
	mbx, ok := b.mailboxByLsn[l]
	if !ok {
		return
	}
	mbx.disabled.Store(true)
	delete(b.mailboxByLsn, l)
	delete(b.mailboxByName, mbx.id)
}

// mailboxLocked returns l's mailbox, allocating one on first use.
func (b *Bus) mailboxLocked(l Listener) *mailbox {
	if mbx, ok := b.mailboxByLsn[l]; ok {
		return mbx
	}
	mbx := &mailbox{owner: l, id: mailboxPrefix + b.idgen.NextID()}
	b.mailboxByLsn[l] = mbx
	b.mailboxByName[mbx.id] = mbx
	return mbx
}

// Mailbox returns l's mailbox id, allocating one on first use. Useful for
// handing a reply address to a group owner.
func (b *Bus) Mailbox(l Listener) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mailboxLocked(l).id
}

// SendMessage routes a message to channel name, resolving the destination
// with precedence mailbox > channel > return path. A non-nil sender gets a
// mailbox allocated on first send; its id becomes the message's Sender.
// It reports whether a route was found.
func (b *Bus) SendMessage(from Listener, name, content string, conversation uint32) bool {
	if name == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := Message{Channel: name, Content: content, Conversation: conversation}
	if from != nil {
		msg.Sender = b.mailboxLocked(from).id
	}
	ok := b.routeLocked(from, msg)
	b.runDispatch()
	return ok
}

// DispatchMessage injects an already formed message, typically from a
// bridge. When subscribeReturnPath is set and the sender id is neither a
// local mailbox nor a channel, the route back to the sender is remembered
// through from.
func (b *Bus) DispatchMessage(from Listener, msg Message, subscribeReturnPath bool) bool {
	if msg.Channel == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if from != nil && subscribeReturnPath && msg.Sender != "" {
		if _, isMbx := b.mailboxByName[msg.Sender]; !isMbx {
			if _, isChan := b.channels[msg.Sender]; !isChan {
				b.backPath.store(msg.Sender, from)
			}
		}
	}
	ok := b.routeLocked(from, msg)
	b.runDispatch()
	return ok
}

// routeLocked resolves the destination once and enqueues the delivery.
func (b *Bus) routeLocked(from Listener, msg Message) bool {
	// mailboxes take precedence: their ids cannot be chosen by users
	if mbx, ok := b.mailboxByName[msg.Channel]; ok {
		b.msgQueue = append(b.msgQueue, func() {
			if !mbx.disabled.Load() {
				mbx.owner.OnMessage(msg, true)
			}
		})
		return true
	}
	// channels win over return paths, which could otherwise shadow a
	// channel name and steal its traffic
	if c, ok := b.channels[msg.Channel]; ok {
		if owner := c.getOwner(); owner == nil || owner == from {
			b.msgQueue = append(b.msgQueue, func() { c.broadcast(from, msg) })
			return true
		}
	}
	// anonymous sends cannot be replied to, so they never ride a reply route
	if from != nil {
		if l := b.backPath.find(msg.Channel); l != nil {
			b.msgQueue = append(b.msgQueue, func() { l.OnMessage(msg, true) })
			return true
		}
	}
	return false
}

// AddToGroup resolves target (a mailbox id or a remembered return path) to
// a listener, creates or reuses the group channel owned by owner, adds the
// listener and signals OnAddToGroup on it. Fails when the target is
// unknown or the channel is owned by someone else.
func (b *Bus) AddToGroup(owner Listener, group, target string) bool {
	if group == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var member Listener
	if mbx, ok := b.mailboxByName[target]; ok {
		member = mbx.owner
	} else {
		member = b.backPath.find(target)
	}
	if member == nil {
		return false
	}
	c := b.channelLocked(group)
	if own := c.getOwner(); own != nil && own != owner {
		return false
	}
	c.setOwner(owner)
	b.lsnQueue = append(b.lsnQueue, func() { c.addListener(member) })
	b.msgQueue = append(b.msgQueue, func() { notifyAddToGroup(member, group, target) })
	b.runDispatch()
	return true
}

// CloseGroup destroys a group. Only the owner may close it. Members get
// OnCloseGroup first (the owner included when it is a member), then the
// owner gets OnGroupEmpty.
func (b *Bus) CloseGroup(owner Listener, group string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.channels[group]
	if !ok || c.getOwner() != owner {
		return
	}
	b.closeGroupLocked(c)
	b.runDispatch()
}

func (b *Bus) closeGroupLocked(c *channel) {
	delete(b.channels, c.name)
	owner := c.getOwner()
	members := c.snapshot()
	b.msgQueue = append(b.msgQueue, func() {
		for _, m := range members {
			notifyCloseGroup(m, c.name)
		}
		if owner != nil {
			notifyGroupEmpty(owner, c.name)
		}
	})
	b.channelsDirty = true
}

// IsChannel reports whether a channel with at least one listener exists.
func (b *Bus) IsChannel(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.channels[name]
	return ok && !c.empty()
}

// GetSubscribedChannels returns the sorted names of channels l belongs to.
func (b *Bus) GetSubscribedChannels(l Listener) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for name, c := range b.channels {
		if c.has(l) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// GetActiveChannels returns the sorted export set seen from l's vantage:
// ownerless, non-empty channels that have a listener other than l.
func (b *Bus) GetActiveChannels(l Listener) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for name, c := range b.channels {
		if c.canExport(l) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// RegisterMonitor adds a channel-set observer.
func (b *Bus) RegisterMonitor(m Monitor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.monitors = append(b.monitors, m)
}

// UnregisterMonitor removes a previously registered observer.
func (b *Bus) UnregisterMonitor(m Monitor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, x := range b.monitors {
		if x == m {
			b.monitors[i] = b.monitors[len(b.monitors)-1]
			b.monitors = b.monitors[:len(b.monitors)-1]
			return
		}
	}
}

// ForceUpdateChannels fires OnChannelsUpdate on all monitors even when the
// channel set did not change.
func (b *Bus) ForceUpdateChannels() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelsDirty = true
	b.runDispatch()
}

// ClearReturnPath tears down the reply route for receiver when l is the
// bridge currently holding it, then propagates OnClearPath one hop toward
// sender. When l does not hold the route but sender is a local mailbox,
// its owner is notified instead.
func (b *Bus) ClearReturnPath(l Listener, sender, receiver string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur := b.backPath.find(receiver); cur == l && cur != nil {
		b.backPath.store(receiver, nil)
		if next := b.backPath.find(sender); next != nil {
			b.msgQueue = append(b.msgQueue, func() { notifyClearPath(next, sender, receiver) })
		}
		b.runDispatch()
		return true
	}
	if mbx, ok := b.mailboxByName[sender]; ok {
		owner := mbx.owner
		b.msgQueue = append(b.msgQueue, func() { notifyClearPath(owner, sender, receiver) })
	}
	b.runDispatch()
	return false
}

// SetSerial offers a serial learned from a bridge peer. The smallest
// serial seen wins the election. Equal serial arriving from a different
// bridge than the elected source indicates a routing cycle: SetSerial
// returns false and the offering bridge must suppress its export.
func (b *Bus) SetSerial(l Listener, serial string) bool {
	if serial == "" {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.thisSerial
	if b.serialSource != nil {
		cur = b.curSerial
	}
	if serial == cur {
		return l == b.serialSource
	}
	if cur > serial {
		b.serialSource = l
		b.curSerial = serial
		b.channelsDirty = true
		b.runDispatch()
	}
	return true
}

// GetSerial returns the serial l should advertise to its peer: empty for
// the bridge the current serial was learned from (so it does not echo),
// the elected serial otherwise.
func (b *Bus) GetSerial(l Listener) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.serialSource != nil {
		if l != b.serialSource {
			return b.curSerial
		}
		return ""
	}
	return b.thisSerial
}

// RandomChannelName returns prefix plus a high-entropy suffix, useful for
// ad-hoc group names.
func (b *Bus) RandomChannelName(prefix string) string {
	return prefix + b.idgen.NextID()
}

// WaitForChannel blocks until a channel with the given name has at least
// one listener, or the timeout elapses. It reports whether the channel
// appeared. Useful after connecting a bridge, before the first send.
func (b *Bus) WaitForChannel(name string, timeout time.Duration) bool {
	if b.IsChannel(name) {
		return true
	}
	ping := make(chan struct{}, 1)
	mon := &funcMonitor{fn: func() {
		select {
		case ping <- struct{}{}:
		default:
		}
	}}
	b.RegisterMonitor(mon)
	defer b.UnregisterMonitor(mon)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if b.IsChannel(name) {
			return true
		}
		select {
		case <-ping:
		case <-timer.C:
			return b.IsChannel(name)
		}
	}
}

type funcMonitor struct {
	fn func()
}

func (m *funcMonitor) OnChannelsUpdate() { m.fn() }
