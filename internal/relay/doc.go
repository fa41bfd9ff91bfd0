// Package relay implements the media relay core: per-session UDP sockets
// that learn two leg addresses from an in-band handshake and mirror every
// other datagram between them.
//
// A leg announces itself by sending the ASCII payload "HELLO a" or
// "HELLO b" to the session's relay port. The relay stores the observed
// source address for that leg. Any later datagram whose source equals a
// stored leg address is forwarded verbatim to the other leg; datagrams from
// unknown senders are dropped without touching session state.
//
// Each session's socket is owned by exactly one forwarding goroutine. The
// Registry is the only state shared across sessions.
package relay
