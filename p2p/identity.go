package p2p

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// PeerID is the 128-bit identity a node announces during the handshake.
// Every process draws a fresh random identity at startup; identities are
// never reused across restarts, so nothing is persisted here.
type PeerID [16]byte

// NewPeerID generates a random identity.
func NewPeerID() PeerID {
	return PeerID(uuid.New())
}

// ParsePeerID decodes the canonical string form produced by String.
func ParsePeerID(s string) (PeerID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("p2p: invalid peer id %q: %w", s, err)
	}
	return PeerID(id), nil
}

func (id PeerID) String() string {
	return uuid.UUID(id).String()
}

func (id PeerID) Bytes() []byte { return id[:] }

// MarshalText renders the canonical string form, so JSON maps and records
// keyed by identity stay readable.
func (id PeerID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *PeerID) UnmarshalText(text []byte) error {
	parsed, err := ParsePeerID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// IsZero reports whether the identity is unset.
func (id PeerID) IsZero() bool { return id == PeerID{} }

// Less orders identities bytewise, giving map iterations a stable sort key.
func (id PeerID) Less(other PeerID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}
