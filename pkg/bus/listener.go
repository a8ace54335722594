package bus

// Listener receives messages from the bus. Implementations must be
// comparable (pointer receivers); the bus keys its registries by listener
// identity.
//
// Callbacks are invoked outside the bus registry lock and may call back
// into the bus (subscribe, unsubscribe, send, self-removal). They must not
// panic; a panicking listener leaves the bus in an undefined state.
type Listener interface {
	// OnMessage delivers a message. pm is true when the message arrived
	// through the listener's private mailbox or a return path; the
	// message's Channel then carries the mailbox id.
	OnMessage(msg Message, pm bool)
}

// PathClearer is implemented by listeners (typically bridges) that want to
// learn when a return path they forwarded through has been torn down.
type PathClearer interface {
	OnClearPath(sender, receiver string)
}

// GroupMember is implemented by listeners that take part in closed
// multicast groups.
type GroupMember interface {
	// OnAddToGroup signals that the listener was added to group on behalf
	// of target (the listener's own mailbox id, or a downstream id when
	// the listener is a bridge).
	OnAddToGroup(group, target string)
	// OnCloseGroup signals that the group was closed by its owner.
	OnCloseGroup(group string)
}

// GroupOwner is implemented by listeners that own groups.
type GroupOwner interface {
	// OnGroupEmpty signals that the last member left the group.
	OnGroupEmpty(group string)
}

// Monitor observes channel-set changes; bridges register one to learn when
// the exportable set may have changed. OnChannelsUpdate fires after all
// state changes of the triggering operation are applied and outside the
// registry lock.
type Monitor interface {
	OnChannelsUpdate()
}

func notifyClearPath(l Listener, sender, receiver string) {
	if pc, ok := l.(PathClearer); ok {
		pc.OnClearPath(sender, receiver)
	}
}

func notifyAddToGroup(l Listener, group, target string) {
	if gm, ok := l.(GroupMember); ok {
		gm.OnAddToGroup(group, target)
	}
}

func notifyCloseGroup(l Listener, group string) {
	if gm, ok := l.(GroupMember); ok {
		gm.OnCloseGroup(group)
	}
}

func notifyGroupEmpty(l Listener, group string) {
	if ow, ok := l.(GroupOwner); ok {
		ow.OnGroupEmpty(group)
	}
}
