package p2p

import "errors"

// ErrInvalidPayload indicates that a peer supplied a syntactically correct message with invalid contents.
var ErrInvalidPayload = errors.New("p2p: invalid payload")

// IsInvalidPayload reports whether the error originated from a malformed or invalid payload.
func IsInvalidPayload(err error) bool {
	return errors.Is(err, ErrInvalidPayload)
}

var (
	// ErrServerStopped is returned by operations attempted after Stop.
	ErrServerStopped = errors.New("p2p: server stopped")
	// ErrAlreadyConnected is returned when a handshake presents an identity
	// that is already active.
	ErrAlreadyConnected = errors.New("p2p: peer already connected")
	// ErrSelfDial is returned when a connection resolves to our own identity.
	ErrSelfDial = errors.New("p2p: refusing connection to self")
	// ErrPeerNotFound is returned when a command names an unknown peer.
	ErrPeerNotFound = errors.New("p2p: unknown peer")
	// ErrPeerBlacklisted gates both dialing and accepting a banned identity.
	ErrPeerBlacklisted = errors.New("p2p: peer is blacklisted")
	// ErrMaxPeers is returned when the connection table is full.
	ErrMaxPeers = errors.New("p2p: connection limit reached")
	// ErrDialPending is returned when a dial for the address is already in flight.
	ErrDialPending = errors.New("p2p: dial already pending")
	// ErrDialBackoff is returned when an address is still inside its retry window.
	ErrDialBackoff = errors.New("p2p: address in backoff")
	// ErrBroadcastFailed is returned when too few peers accepted a broadcast.
	ErrBroadcastFailed = errors.New("p2p: broadcast delivered below quorum")
)
