package bus

// MessageHandler receives deliveries for a Client.
type MessageHandler func(c *Client, msg Message, pm bool)

// Client is a convenience wrapper binding a callback to a bus. It
// implements Listener plus the group and path capabilities; the optional
// hooks default to no-ops.
type Client struct {
	bus *Bus
	fn  MessageHandler

	// Optional hooks. Set before the client is subscribed anywhere.
	AddToGroupHook func(group, target string)
	CloseGroupHook func(group string)
	GroupEmptyHook func(group string)
	ClearPathHook  func(sender, receiver string)
}

// NewClient binds fn to b. The client is not subscribed to anything yet.
func NewClient(b *Bus, fn MessageHandler) *Client {
	return &Client{bus: b, fn: fn}
}

// Bus returns the bus the client is bound to.
func (c *Client) Bus() *Bus { return c.bus }

func (c *Client) OnMessage(msg Message, pm bool) {
	if c.fn != nil {
		c.fn(c, msg, pm)
	}
}

func (c *Client) OnAddToGroup(group, target string) {
	if c.AddToGroupHook != nil {
		c.AddToGroupHook(group, target)
	}
}

func (c *Client) OnCloseGroup(group string) {
	if c.CloseGroupHook != nil {
		c.CloseGroupHook(group)
	}
}

func (c *Client) OnGroupEmpty(group string) {
	if c.GroupEmptyHook != nil {
		c.GroupEmptyHook(group)
	}
}

func (c *Client) OnClearPath(sender, receiver string) {
	if c.ClearPathHook != nil {
		c.ClearPathHook(sender, receiver)
	}
}

// Subscribe adds the client to a channel.
func (c *Client) Subscribe(channel string) bool { return c.bus.Subscribe(c, channel) }

// Unsubscribe removes the client from a channel.
func (c *Client) Unsubscribe(channel string) { c.bus.Unsubscribe(c, channel) }

// UnsubscribeAll removes the client from everything; afterwards the client
// can be discarded.
func (c *Client) UnsubscribeAll() { c.bus.UnsubscribeAll(c) }

// UnsubscribePrivate drops the client's mailbox.
func (c *Client) UnsubscribePrivate() { c.bus.UnsubscribePrivate(c) }

// SendMessage publishes to a channel, mailbox id or reply address.
func (c *Client) SendMessage(channel, content string, conversation uint32) error {
	if channel == "" {
		return ErrInvalidChannel
	}
	if !c.bus.SendMessage(c, channel, content, conversation) {
		return ErrNoRoute
	}
	return nil
}

// Mailbox returns the client's mailbox id, allocating one on first use.
func (c *Client) Mailbox() string { return c.bus.Mailbox(c) }

// AddToGroup adds target (a mailbox id or reply address) to a group owned
// by this client.
func (c *Client) AddToGroup(group, target string) bool {
	return c.bus.AddToGroup(c, group, target)
}

// CloseGroup closes a group owned by this client.
func (c *Client) CloseGroup(group string) { c.bus.CloseGroup(c, group) }
