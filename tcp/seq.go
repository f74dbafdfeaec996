package tcp

// Value is a TCP sequence number: a 32-bit value with modulo-2^32 arithmetic.
// Comparisons between two Values use the "differ by at most 2^31" rule from
// RFC 793: given a, b the relation a<b holds iff (a-b) mod 2^32 >= 2^31. This
// lets the send/receive windows advance through wraparound without ever
// casting to a wider integer type.
type Value uint32

// Size is an unsigned length in octets of sequence space, i.e. the distance
// between two [Value] sequence numbers. It shares Value's modulo-2^32 ring
// but is never itself compared with the wraparound rule: a Size is always a
// non-negative span.
type Size uint32

// Add returns v advanced by sz sequence-space octets, wrapping on overflow.
func Add(v Value, sz Size) Value { return v + Value(sz) }

// Sizeof returns the span from a to b going forward through sequence space,
// i.e. the number of octets between a (inclusive) and b (exclusive) when
// walking forward from a, wrapping on overflow. Sizeof(a, a) is 0.
func Sizeof(a, b Value) Size { return Size(b - a) }

// LessThan reports whether v precedes other in sequence space using the
// "differ by at most 2^31" comparator: v<other iff (v-other) mod 2^32 is in
// the upper half of the ring.
func (v Value) LessThan(other Value) bool {
	return int32(v-other) < 0
}

// LessThanEq reports whether v precedes or equals other in sequence space.
func (v Value) LessThanEq(other Value) bool {
	return v == other || v.LessThan(other)
}

// InWindow reports whether v lies in [base, base+wnd) in sequence space.
// A zero-length window (wnd==0) only contains base itself.
func (v Value) InWindow(base Value, wnd Size) bool {
	if wnd == 0 {
		return v == base
	}
	offset := Sizeof(base, v)
	return offset < wnd
}

// UpdateForward advances v by sz octets in place. It is the in-place
// counterpart of [Add], used to step SND.NXT/RCV.NXT forward as segments
// are sent or received.
func (v *Value) UpdateForward(sz Size) { *v = Add(*v, sz) }
