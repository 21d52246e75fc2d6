package peer

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

type PeerID = [20]byte

// NewPeerID builds an Azureus-style peer id: client prefix followed by
// 12 printable random bytes.
func NewPeerID() PeerID {
	const prefix = "-FU0001-"
	var id [20]byte
	copy(id[:], prefix)

	var tail [6]byte
	if _, err := rand.Read(tail[:]); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}

	// 6 random bytes hex-encode to exactly the 12 ASCII bytes we need.
	hex.Encode(id[8:], tail[:])

	return id
}
