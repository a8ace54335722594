package bus

// Message is an immutable value routed by the bus. All fields are plain
// strings, so a delivered message can be retained by a listener without
// copying.
type Message struct {
	// Sender is the sender's mailbox id, or empty for anonymous sends.
	// A reply addressed to Sender reaches the sender directly.
	Sender string

	// Channel is the destination the message was sent to. On a private
	// delivery (pm=true) it carries the recipient's mailbox id.
	Channel string

	// Content is the payload.
	Content string

	// Conversation is an arbitrary correlation number carried with the
	// message. The bus attaches no semantics to it.
	Conversation uint32
}
