package tcp

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// CookieHasher computes a keyed 64-bit digest over SYN-cookie input data.
// Spec §4.6 calls for "a keyed hash ... using SipHash-2-4", but SipHash
// itself is out of scope as a hand-rolled cryptographic primitive; engines
// instead depend on this interface and are free to back it with whatever
// vetted keyed hash is available.
type CookieHasher interface {
	Sum64(key [2]uint64, data []byte) uint64
}

// Blake2bCookieHasher is the default CookieHasher, backed by BLAKE2b's
// native keyed-hashing mode (truncated to 64 bits) rather than a hand
// mixing function.
type Blake2bCookieHasher struct{}

func (Blake2bCookieHasher) Sum64(key [2]uint64, data []byte) uint64 {
	var keyBytes [16]byte
	binary.BigEndian.PutUint64(keyBytes[0:8], key[0])
	binary.BigEndian.PutUint64(keyBytes[8:16], key[1])
	h, err := blake2b.New(8, keyBytes[:])
	if err != nil {
		// Only returns an error for an out-of-range digest/key size, both
		// of which are fixed constants above.
		panic(err)
	}
	h.Write(data)
	return binary.BigEndian.Uint64(h.Sum(nil))
}
