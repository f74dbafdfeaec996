package tcp

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// connKey is the spec §3 connection key: (remote IP, remote port, local
// port); the local IP is implicit to the interface a [Listener] is bound to.
type connKey struct {
	remoteAddr  [16]byte
	remoteAddrN uint8
	remotePort  uint16
	localPort   uint16
}

func newConnKey(remoteAddr []byte, remotePort, localPort uint16) connKey {
	var k connKey
	copy(k.remoteAddr[:], remoteAddr)
	k.remoteAddrN = uint8(len(remoteAddr))
	k.remotePort = remotePort
	k.localPort = localPort
	return k
}

func (k connKey) equal(other connKey) bool {
	return k.remoteAddrN == other.remoteAddrN && k.remotePort == other.remotePort &&
		k.localPort == other.localPort && k.remoteAddr == other.remoteAddr
}

// appendBytes packs k into buf for hashing. Distinct (addrN, port) pairs
// never alias to the same byte sequence since addrN is encoded explicitly.
func (k connKey) appendBytes(buf []byte) []byte {
	buf = append(buf, k.remoteAddr[:k.remoteAddrN]...)
	buf = append(buf, byte(k.remoteAddrN))
	var portBuf [4]byte
	binary.BigEndian.PutUint16(portBuf[0:2], k.remotePort)
	binary.BigEndian.PutUint16(portBuf[2:4], k.localPort)
	return append(buf, portBuf[:]...)
}

// ConnTable is a bounded keyed hash map from connection key to [*Conn],
// open-addressed with linear probing, per spec.md §4.8. The key hash is
// salted with a process-lifetime random seed (xxhash.Sum64, XORed with the
// seed) so an attacker who knows the hash function cannot engineer bucket
// collisions to degrade lookups to O(n) (spec.md §3's "hashing is keyed to
// resist hash-flooding").
//
// Not safe for concurrent use; callers (here, [Listener]) must synchronize.
type ConnTable struct {
	slots []connTableSlot
	seed  uint64
	count int
}

type connTableSlot struct {
	key  connKey
	conn *Conn
	used bool
}

// NewConnTable builds a table with the given bucket capacity and a fresh
// process-lifetime random seed. capacity is used as given (values below 1
// become 1) and does not change afterwards; see [ConnTable.IsOverFilled].
func NewConnTable(capacity int) *ConnTable {
	if capacity < 1 {
		capacity = 1
	}
	return &ConnTable{
		slots: make([]connTableSlot, capacity),
		seed:  randomSeed(),
	}
}

func randomSeed() uint64 {
	var b [8]byte
	_, err := rand.Read(b[:])
	if err != nil {
		// crypto/rand.Read only fails if the OS entropy source is broken;
		// a fixed, predictable seed degrades the hash-flooding resistance but
		// the table otherwise keeps working, so this is not fatal.
		return 0x9e3779b97f4a7c15 // arbitrary odd constant, never zero.
	}
	return binary.BigEndian.Uint64(b[:])
}

func (t *ConnTable) hash(k connKey) uint64 {
	var buf [24]byte
	return xxhash.Sum64(k.appendBytes(buf[:0])) ^ t.seed
}

// Capacity returns the table's fixed bucket count.
func (t *ConnTable) Capacity() int { return len(t.slots) }

// Len returns the number of connections currently tracked.
func (t *ConnTable) Len() int { return t.count }

// IsFull reports whether the table has reached its bucket capacity: further
// inserts will fail. Per spec.md §4.8 this is a policy signal, not just a
// bookkeeping detail - new passive opens still go through SYN cookies
// regardless, and new active opens should fail with resource-exhausted.
func (t *ConnTable) IsFull() bool { return t.count >= len(t.slots) }

// IsOverFilled reports whether the table's load factor has crossed 75%,
// the point at which linear-probe lookups start costing meaningfully more
// than one comparison; a caller sized for steady throughput should treat
// this as "stop accepting new connections soon", not just "rebalance".
func (t *ConnTable) IsOverFilled() bool { return t.count*4 >= len(t.slots)*3 }

func (t *ConnTable) probe(k connKey) (slot int, found bool) {
	n := len(t.slots)
	start := int(t.hash(k) % uint64(n))
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		s := &t.slots[idx]
		if !s.used {
			return idx, false
		}
		if s.key.equal(k) {
			return idx, true
		}
	}
	return -1, false
}

// Insert adds conn under key, returning false (and inserting nothing) if the
// table is full or the key is already present.
func (t *ConnTable) Insert(key connKey, conn *Conn) bool {
	if t.IsFull() {
		return false
	}
	idx, found := t.probe(key)
	if found || idx < 0 {
		return false
	}
	t.slots[idx] = connTableSlot{key: key, conn: conn, used: true}
	t.count++
	return true
}

// Lookup returns the connection registered under key, if any.
func (t *ConnTable) Lookup(key connKey) (*Conn, bool) {
	idx, found := t.probe(key)
	if !found {
		return nil, false
	}
	return t.slots[idx].conn, true
}

// Remove deletes key from the table, re-inserting any entries in its probe
// chain that would otherwise become unreachable (standard open-addressing
// deletion with backward-shift is skipped in favor of the simpler "rehash
// the tail of the cluster" approach, adequate at this table's size).
func (t *ConnTable) Remove(key connKey) {
	idx, found := t.probe(key)
	if !found {
		return
	}
	t.slots[idx] = connTableSlot{}
	t.count--
	n := len(t.slots)
	i := (idx + 1) % n
	for t.slots[i].used {
		s := t.slots[i]
		t.slots[i] = connTableSlot{}
		t.count--
		reIdx, _ := t.probe(s.key)
		t.slots[reIdx] = s
		t.count++
		i = (i + 1) % n
	}
}
