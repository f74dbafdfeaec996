package tcp

import "errors"

// Tick is a monotonic, integer unit of time for the alarm wheel and the
// congestion/RTO estimator. It is deliberately not a time.Duration: callers
// quantize their wall clock into ticks once (at the engine boundary) and
// every other method in this package takes a Tick, never time.Now(),
// keeping the timer and RTT-sampling logic runnable against a fake clock in
// tests. One Tick is one unit of whatever granularity the embedder chooses
// (millisecond resolution is typical for TCP timers).
type Tick int64

// TickDuration is a span of Ticks, mirroring Tick the way time.Duration
// mirrors time.Time.
type TickDuration int64

// AlarmKind identifies which per-connection timer an alarm slot belongs to.
// A ControlBlock carries at most one outstanding alarm of each kind.
type AlarmKind uint8

const (
	AlarmRetransmit  AlarmKind = iota // Retransmit/zero-window-probe timer (RFC 6298, RFC 1122 §4.2.2.17).
	AlarmKeepAlive                    // Idle-connection keepalive probe (RFC 1122 §4.2.3.6).
	AlarmUserTimeout                  // SO_TCP_USER_TIMEOUT: abort if unacked data isn't cleared in time (RFC 5482).
	AlarmLinger                       // TIME-WAIT 2*MSL linger before a connection is reclaimed.
	numAlarmKinds
)

func (k AlarmKind) String() string {
	switch k {
	case AlarmRetransmit:
		return "retransmit"
	case AlarmKeepAlive:
		return "keepalive"
	case AlarmUserTimeout:
		return "usertimeout"
	case AlarmLinger:
		return "linger"
	default:
		return "alarm(?)"
	}
}

var errAlarmStale = errors.New("tcp: stale alarm handle")

// alarmHandle is a tagged arena index: the slot's position in the wheel's
// flat slot arena plus a generation counter. The generation guards against a
// cancelled-then-reused slot firing a handle that still thinks it owns the
// old alarm — the classic ABA problem an intrusive pointer-offset list (the
// original lemonrock/tcp-engine AlarmList.rs representation) gets for free
// from pointer identity, and which a plain integer index does not.
type alarmHandle struct {
	index uint32
	gen   uint32
	valid bool
}

type alarmSlot struct {
	gen      uint32
	deadline Tick
	kind     AlarmKind
	owner    uint32 // caller-defined tag, e.g. a connection table slot index.
	armed    bool
	bucket   int // index into AlarmWheel.buckets, -1 if not armed.
	prev     int // intrusive links WITHIN one bucket's slot list (arena indices, not pointers).
	next     int
}

// AlarmWheel is a hashed timer wheel: a fixed ring of buckets, each holding
// a doubly-linked list of pending alarmSlot entries by arena index. Advance
// walks every bucket the clock has passed since the last call and fires
// everything still armed there, then clears those buckets. Scheduling an
// alarm further out than one full revolution away from "now" lands it in
// the bucket it will next pass through, so a caller must not schedule more
// than len(buckets) ticks into the future without re-checking; TCP's own
// alarm horizons (RTO, keepalive, linger) are always re-derived from a
// bounded table (see congestion.go's rtoEstimator and conn.go's linger
// constant) so this is never hit in practice.
type AlarmWheel struct {
	buckets  []int // head arena index per bucket, -1 if empty.
	slots    []alarmSlot
	freeList []uint32 // recycled arena indices.
	now      Tick
	cursor   int
}

// NewAlarmWheel builds a wheel with nBuckets slots of one tick each
// (nBuckets must be >= 1); one bucket is walked per Advance tick.
func NewAlarmWheel(nBuckets int) *AlarmWheel {
	if nBuckets <= 0 {
		panic("tcp: AlarmWheel needs at least one bucket")
	}
	w := &AlarmWheel{
		buckets: make([]int, nBuckets),
	}
	for i := range w.buckets {
		w.buckets[i] = -1
	}
	return w
}

func (w *AlarmWheel) allocSlot() uint32 {
	if n := len(w.freeList); n > 0 {
		idx := w.freeList[n-1]
		w.freeList = w.freeList[:n-1]
		return idx
	}
	w.slots = append(w.slots, alarmSlot{bucket: -1})
	return uint32(len(w.slots) - 1)
}

func (w *AlarmWheel) bucketOf(deadline Tick) int {
	delta := int64(deadline - w.now)
	if delta < 0 {
		delta = 0
	}
	return (w.cursor + int(delta)) % len(w.buckets)
}

func (w *AlarmWheel) unlink(idx uint32) {
	s := &w.slots[idx]
	if !s.armed {
		return
	}
	if s.prev != -1 {
		w.slots[s.prev].next = s.next
	} else {
		w.buckets[s.bucket] = s.next
	}
	if s.next != -1 {
		w.slots[s.next].prev = s.prev
	}
	s.armed = false
	s.bucket = -1
}

// Schedule arms a new alarm of the given kind, owner tag and deadline,
// returning a handle that Cancel or Reset can later address. owner is
// opaque to the wheel; callers use it to recover which connection/TCB an
// expired alarm belongs to from Advance's callback.
func (w *AlarmWheel) Schedule(kind AlarmKind, owner uint32, deadline Tick) alarmHandle {
	idx := w.allocSlot()
	s := &w.slots[idx]
	s.gen++
	s.kind = kind
	s.owner = owner
	s.deadline = deadline
	b := w.bucketOf(deadline)
	s.bucket = b
	s.prev = -1
	s.next = w.buckets[b]
	if s.next != -1 {
		w.slots[s.next].prev = int(idx)
	}
	w.buckets[b] = int(idx)
	s.armed = true
	return alarmHandle{index: idx, gen: s.gen, valid: true}
}

// Cancel disarms h. Cancelling an already-fired or already-cancelled handle
// is a no-op, not an error — callers routinely race a firing alarm against
// a cancel (e.g. an ACK arrives the same tick a retransmit was due).
func (w *AlarmWheel) Cancel(h alarmHandle) {
	if !h.valid || int(h.index) >= len(w.slots) {
		return
	}
	s := &w.slots[h.index]
	if s.gen != h.gen || !s.armed {
		return
	}
	w.unlink(h.index)
	w.freeList = append(w.freeList, h.index)
}

// Reset reschedules an armed alarm to a new deadline, preserving its kind
// and owner. It is equivalent to Cancel+Schedule: the returned handle
// replaces h, which is stale afterwards.
func (w *AlarmWheel) Reset(h alarmHandle, deadline Tick) (alarmHandle, error) {
	if !h.valid || int(h.index) >= len(w.slots) {
		return alarmHandle{}, errAlarmStale
	}
	s := &w.slots[h.index]
	if s.gen != h.gen || !s.armed {
		return alarmHandle{}, errAlarmStale
	}
	kind, owner := s.kind, s.owner
	w.unlink(h.index)
	w.freeList = append(w.freeList, h.index)
	return w.Schedule(kind, owner, deadline), nil
}

// Armed reports whether h still refers to an armed alarm.
func (w *AlarmWheel) Armed(h alarmHandle) bool {
	if !h.valid || int(h.index) >= len(w.slots) {
		return false
	}
	s := &w.slots[h.index]
	return s.gen == h.gen && s.armed
}

// AlarmEvent is what Advance reports for each alarm it fires.
type AlarmEvent struct {
	Kind  AlarmKind
	Owner uint32
}

// Advance moves the wheel's clock to now, walking every bucket passed along
// the way and appending a fired event for each alarm still armed there, in
// the order buckets are passed (not across ties within a bucket, which fire
// in LIFO schedule order — callers needing FIFO keep their own queue). Each
// fired slot is freed, matching the one-shot semantics TCP alarms use: a
// kept-alive connection must re-Schedule its keepalive alarm after it
// fires.
func (w *AlarmWheel) Advance(now Tick, dst []AlarmEvent) []AlarmEvent {
	if now <= w.now {
		w.now = now
		return dst
	}
	steps := int64(now - w.now)
	n := len(w.buckets)
	for i := int64(0); i < steps && i < int64(n); i++ {
		b := w.cursor
		for idx := w.buckets[b]; idx != -1; {
			s := &w.slots[idx]
			next := s.next
			dst = append(dst, AlarmEvent{Kind: s.kind, Owner: s.owner})
			s.armed = false
			s.bucket = -1
			w.freeList = append(w.freeList, uint32(idx))
			idx = next
		}
		w.buckets[b] = -1
		w.cursor = (w.cursor + 1) % n
	}
	if steps >= int64(n) {
		// A full revolution or more elapsed in one jump (e.g. after an idle
		// period): every remaining armed slot is past due regardless of
		// which bucket it sits in.
		for b := range w.buckets {
			for idx := w.buckets[b]; idx != -1; {
				s := &w.slots[idx]
				next := s.next
				dst = append(dst, AlarmEvent{Kind: s.kind, Owner: s.owner})
				s.armed = false
				s.bucket = -1
				w.freeList = append(w.freeList, uint32(idx))
				idx = next
			}
			w.buckets[b] = -1
		}
	}
	w.now = now
	return dst
}

// Now returns the wheel's current clock value.
func (w *AlarmWheel) Now() Tick { return w.now }
