package bitfield

import "math/bits"

// Bitfield tracks which pieces a side possesses, one bit per piece,
// most-significant bit first, padded to a whole byte. The underlying
// byte slice is exactly the payload of a bitfield wire message.
type Bitfield []byte

// New allocates a bitfield able to hold numPieces bits, all unset.
func New(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

func (bf Bitfield) HasPiece(index int) bool {
	byteIndex := index / 8
	if index < 0 || byteIndex >= len(bf) {
		return false
	}

	bitOffset := 7 - (index % 8)
	return bf[byteIndex]&(1<<bitOffset) != 0
}

func (bf Bitfield) SetPiece(index int) {
	byteIndex := index / 8
	if index < 0 || byteIndex >= len(bf) {
		return
	}

	bitOffset := 7 - (index % 8)
	bf[byteIndex] |= (1 << bitOffset)
}

// Count returns the number of pieces marked as owned.
func (bf Bitfield) Count() int {
	var n int
	for _, b := range bf {
		n += bits.OnesCount8(b)
	}
	return n
}

// Copy returns an independent copy, so callers can hand out snapshots
// without sharing ownership.
func (bf Bitfield) Copy() Bitfield {
	c := make(Bitfield, len(bf))
	copy(c, bf)
	return c
}
