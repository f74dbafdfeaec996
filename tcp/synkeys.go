package tcp

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SynKeys derives the per-epoch SYN-cookie keyed-hash key from a single root
// secret via HKDF-SHA256, so the listener only ever needs to hold one secret
// and an epoch counter instead of a live table of rotating keys; a given
// epoch's key is rederived deterministically on demand.
type SynKeys struct {
	root   [32]byte
	hasher CookieHasher
}

// NewSynKeys builds a key schedule from root. hasher defaults to
// [Blake2bCookieHasher] if nil.
func NewSynKeys(root [32]byte, hasher CookieHasher) *SynKeys {
	if hasher == nil {
		hasher = Blake2bCookieHasher{}
	}
	return &SynKeys{root: root, hasher: hasher}
}

// KeyForEpoch derives the 128-bit keyed-hash key used for cookies minted (or
// validated) during the given epoch.
func (sk *SynKeys) KeyForEpoch(epoch uint8) [2]uint64 {
	r := hkdf.New(sha256.New, sk.root[:], nil, []byte{epoch})
	var out [16]byte
	_, err := io.ReadFull(r, out[:])
	if err != nil {
		// hkdf.Reader only errors once its expand limit (255*hash size) is
		// exhausted, unreachable for a single 16-byte read.
		panic(err)
	}
	return [2]uint64{
		binary.BigEndian.Uint64(out[0:8]),
		binary.BigEndian.Uint64(out[8:16]),
	}
}

// Sum64 derives the epoch's key and hashes data under it.
func (sk *SynKeys) Sum64(epoch uint8, data []byte) uint64 {
	return sk.hasher.Sum64(sk.KeyForEpoch(epoch), data)
}
