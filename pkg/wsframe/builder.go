package wsframe

import (
	"crypto/rand"
	"errors"
)

// ErrUnknownType is returned when a message with Type Unknown is built.
var ErrUnknownType = errors.New("wsframe: cannot build frame of unknown type")

// Builder emits WebSocket frames. A client builder masks every frame with
// a fresh random key; a server builder sends unmasked frames. The builder
// is stateful: after a frame with Fin false, subsequent frames are emitted
// as continuations until a final one is built.
type Builder struct {
	client     bool
	fragmented bool
}

// NewBuilder returns a builder for the given role.
func NewBuilder(client bool) *Builder {
	return &Builder{client: client}
}

// Append serializes msg and appends the frame to dst.
func (b *Builder) Append(dst []byte, msg Message) ([]byte, error) {
	payload := msg.Payload
	if msg.Type == ConnClose {
		closeBuf := make([]byte, 0, len(payload)+2)
		closeBuf = append(closeBuf, byte(msg.Code>>8), byte(msg.Code))
		closeBuf = append(closeBuf, payload...)
		payload = closeBuf
	}

	opcode := byte(opcodeCont)
	if !b.fragmented {
		switch msg.Type {
		case Text:
			opcode = opcodeText
		case Binary:
			opcode = opcodeBinary
		case Ping:
			opcode = opcodePing
		case Pong:
			opcode = opcodePong
		case ConnClose:
			opcode = opcodeClose
		default:
			return dst, ErrUnknownType
		}
	}
	b.fragmented = !msg.Fin

	finBit := byte(0)
	if msg.Fin {
		finBit = 0x80
	}
	dst = append(dst, finBit|opcode)

	maskBit := byte(0)
	if b.client {
		maskBit = 0x80
	}
	n := uint64(len(payload))
	switch {
	case n < 126:
		dst = append(dst, maskBit|byte(n))
	case n < 65536:
		dst = append(dst, maskBit|126, byte(n>>8), byte(n))
	default:
		dst = append(dst, maskBit|127,
			byte(n>>56), byte(n>>48), byte(n>>40), byte(n>>32),
			byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}

	var mask [4]byte
	if b.client {
		if _, err := rand.Read(mask[:]); err != nil {
			return dst, err
		}
		dst = append(dst, mask[:]...)
	}
	if b.client {
		for i, c := range payload {
			dst = append(dst, c^mask[i&3])
		}
	} else {
		dst = append(dst, payload...)
	}
	return dst, nil
}
