package relay

import (
	"bytes"
	"fmt"
)

// HandshakePrefix starts every handshake datagram. The remainder must be
// exactly one tag byte.
const HandshakePrefix = "HELLO "

type Leg uint8

const (
	LegA Leg = iota
	LegB
)

func (l Leg) String() string {
	if l == LegB {
		return "b"
	}
	return "a"
}

func (l Leg) Other() Leg { return 1 - l }

// ParseLeg accepts the wire tags "a" and "b".
func ParseLeg(tag string) (Leg, error) {
	switch tag {
	case "a":
		return LegA, nil
	case "b":
		return LegB, nil
	default:
		return 0, fmt.Errorf("relay: unknown leg tag %q", tag)
	}
}

// HandshakePayload returns the datagram a leg sends to claim its role.
func HandshakePayload(l Leg) []byte {
	return []byte(HandshakePrefix + l.String())
}

type handshakeKind uint8

const (
	notHandshake handshakeKind = iota
	handshakeValid
	handshakeMalformed
)

var handshakePrefix = []byte(HandshakePrefix)

// parseHandshake classifies a payload. Anything carrying the prefix is
// consumed by the relay; it is a valid handshake only when the remainder is
// exactly "a" or "b".
func parseHandshake(p []byte) (Leg, handshakeKind) {
	if !bytes.HasPrefix(p, handshakePrefix) {
		return 0, notHandshake
	}
	rest := p[len(handshakePrefix):]
	if len(rest) != 1 {
		return 0, handshakeMalformed
	}
	switch rest[0] {
	case 'a':
		return LegA, handshakeValid
	case 'b':
		return LegB, handshakeValid
	default:
		return 0, handshakeMalformed
	}
}
