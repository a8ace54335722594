// Package natsbridge mirrors bus channels onto NATS subjects, federating
// any number of meshbus instances through a broker instead of direct
// links. Each mirrored channel maps to one subject (prefix + channel);
// private replies ride a per-instance inbox subject, routed by the origin
// id stamped on every envelope.
//
// Unlike the peer-to-peer bridges this flavor does not exchange channel
// sets: the mirrored channels are chosen by configuration.
package natsbridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/meshbus/pkg/bus"
	"github.com/adred-codev/meshbus/pkg/wire"
)

const (
	defaultSubjectPrefix = "meshbus."
	inboxSegment         = "_inbox."

	// senderOriginLimit bounds the reply-routing table; once it is full,
	// an arbitrary entry (not necessarily the oldest) is dropped per insert.
	senderOriginLimit = 1024
)

// Options configures a NATS bridge.
type Options struct {
	URL           string
	SubjectPrefix string // default "meshbus."
	// Channels to mirror. More can be added later with Mirror.
	Channels []string
	Logger   zerolog.Logger
	// NATSOptions are appended to the default reconnect/handler options.
	NATSOptions []nats.Option
}

// Bridge connects one bus to a NATS broker.
type Bridge struct {
	bus    *bus.Bus
	nc     *nats.Conn
	prefix string
	origin string
	log    zerolog.Logger

	mu           sync.Mutex
	enc          wire.Encoder
	subs         map[string]*nats.Subscription
	senderOrigin map[string]string // remote sender mailbox -> origin instance
}

// Connect dials the broker and starts mirroring the configured channels.
func Connect(b *bus.Bus, opts Options) (*Bridge, error) {
	prefix := opts.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	br := &Bridge{
		bus:          b,
		prefix:       prefix,
		origin:       uuid.NewString(),
		log:          opts.Logger,
		subs:         make(map[string]*nats.Subscription),
		senderOrigin: make(map[string]string),
	}

	natsOpts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			br.log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			br.log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			br.log.Error().Err(err).Msg("nats error")
		}),
	}
	natsOpts = append(natsOpts, opts.NATSOptions...)

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("natsbridge: connect %q: %w", opts.URL, err)
	}
	br.nc = nc

	inbox := prefix + inboxSegment + br.origin
	sub, err := nc.Subscribe(inbox, br.onNATSMessage)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsbridge: subscribe inbox: %w", err)
	}
	br.subs[inbox] = sub

	for _, ch := range opts.Channels {
		if err := br.Mirror(ch); err != nil {
			br.Close()
			return nil, err
		}
	}
	return br, nil
}

// Mirror starts forwarding a channel in both directions.
func (b *Bridge) Mirror(channel string) error {
	if channel == "" {
		return bus.ErrInvalidChannel
	}
	subject := b.prefix + channel
	b.mu.Lock()
	if _, ok := b.subs[subject]; ok {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	sub, err := b.nc.Subscribe(subject, b.onNATSMessage)
	if err != nil {
		return fmt.Errorf("natsbridge: subscribe %q: %w", subject, err)
	}
	b.mu.Lock()
	b.subs[subject] = sub
	b.mu.Unlock()
	b.bus.Subscribe(b, channel)
	b.log.Info().Str("channel", channel).Str("subject", subject).Msg("mirroring channel")
	return nil
}

// Unmirror stops forwarding a channel.
func (b *Bridge) Unmirror(channel string) {
	subject := b.prefix + channel
	b.mu.Lock()
	sub, ok := b.subs[subject]
	delete(b.subs, subject)
	b.mu.Unlock()
	if ok {
		_ = sub.Unsubscribe()
	}
	b.bus.Unsubscribe(b, channel)
}

// envelopeLocked returns origin-stamped bytes for one bus message. Must be
// called with the mutex held (the encoder buffer is shared).
func (b *Bridge) envelopeLocked(msg bus.Message) []byte {
	payload := b.enc.Encode(wire.Message{
		Sender:       msg.Sender,
		Channel:      msg.Channel,
		Content:      msg.Content,
		Conversation: msg.Conversation,
	})
	out := wire.AppendString(nil, b.origin)
	return append(out, payload...)
}

// OnMessage implements bus.Listener: local deliveries go out to the
// broker. Private deliveries travel to the origin instance's inbox; the
// rest goes to the channel subject.
func (b *Bridge) OnMessage(msg bus.Message, pm bool) {
	b.mu.Lock()
	data := b.envelopeLocked(msg)
	subject := b.prefix + msg.Channel
	if pm {
		origin, ok := b.senderOrigin[msg.Channel]
		if !ok {
			b.mu.Unlock()
			b.log.Debug().Str("mailbox", msg.Channel).Msg("no origin for private reply, dropping")
			return
		}
		subject = b.prefix + inboxSegment + origin
	}
	b.mu.Unlock()
	if err := b.nc.Publish(subject, data); err != nil {
		b.log.Warn().Err(err).Str("subject", subject).Msg("nats publish failed")
	}
}

func (b *Bridge) onNATSMessage(m *nats.Msg) {
	origin, rest := wire.String(m.Data)
	if origin == b.origin {
		return
	}
	f := wire.Decode(rest)
	wm, ok := f.(wire.Message)
	if !ok {
		b.log.Debug().Str("subject", m.Subject).Msg("ignoring non-message envelope")
		return
	}
	if wm.Sender != "" {
		b.mu.Lock()
		if len(b.senderOrigin) >= senderOriginLimit {
			for k := range b.senderOrigin {
				delete(b.senderOrigin, k)
				break
			}
		}
		b.senderOrigin[wm.Sender] = origin
		b.mu.Unlock()
	}
	msg := bus.Message{
		Sender:       wm.Sender,
		Channel:      wm.Channel,
		Content:      wm.Content,
		Conversation: wm.Conversation,
	}
	if !b.bus.DispatchMessage(b, msg, true) {
		b.log.Debug().Str("channel", wm.Channel).Msg("no local route for broker message")
	}
}

// Connected reports broker connectivity.
func (b *Bridge) Connected() bool { return b.nc != nil && b.nc.IsConnected() }

// Close stops mirroring and releases the broker connection.
func (b *Bridge) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if b.nc != nil {
		b.nc.Close()
	}
	b.bus.UnsubscribeAll(b)
}
