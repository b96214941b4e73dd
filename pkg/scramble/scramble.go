// Package scramble implements a keyed XOR stream obfuscation layer.
// Peers negotiate a per-direction 16-byte key by exchanging random
// noise buffers at connection start, then XOR every byte with a key
// that is rehashed after each 16-byte window. This is obfuscation,
// not cryptography: it hides protocol signatures from passive
// classifiers and nothing more.
package scramble

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// KeySize is the width of the rolling XOR key in bytes.
const KeySize = 16

// ScheduleKey derives a 16-byte key from arbitrary seed material by
// applying the 64-bit hash twice, the second pass hashing the first
// word's output.
func ScheduleKey(seed []byte) [KeySize]byte {
	var key [KeySize]byte
	h := xxhash.Sum64(seed)
	binary.BigEndian.PutUint64(key[:8], h)
	h = xxhash.Sum64(key[:8])
	binary.BigEndian.PutUint64(key[8:], h)
	return key
}

// Codec carries the transform state for one direction of a stream.
// The zero value is invalid; obtain one from NewCodec or a Handshake.
type Codec struct {
	key   [KeySize]byte
	pos   int
	valid bool
}

// NewCodec returns a codec keyed from the given noise buffer.
func NewCodec(noise []byte) *Codec {
	return &Codec{key: ScheduleKey(noise), valid: true}
}

// Valid reports whether the codec has a negotiated key.
func (c *Codec) Valid() bool {
	return c != nil && c.valid
}

// Transform XORs p in place with the rolling key. Encoding and
// decoding are the same operation. After every KeySize bytes the key
// is replaced by its own hash schedule and the position resets.
func (c *Codec) Transform(p []byte) {
	for i := range p {
		p[i] ^= c.key[c.pos]
		c.pos++
		if c.pos == KeySize {
			c.key = ScheduleKey(c.key[:])
			c.pos = 0
		}
	}
}
