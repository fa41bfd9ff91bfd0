// Package policy defines which source addresses may claim a relay leg.
//
// Any party that learns a session's relay port can send a handshake. The
// LegPolicy type is evaluated on every handshake before the sender's address
// is stored, so operators can confine legs to known media networks.
package policy
