package tcp

import (
	"net/netip"

	"github.com/soypat/lneto/internal/lrucache"
)

// Congestion control per RFC 5681 (slow start, congestion avoidance, fast
// retransmit/fast recovery), RTO estimation per RFC 6298, and an ECN-ECE/CWR
// reaction per RFC 3168 §6.1.2. This is the piece spec.md §4.5 names and the
// teacher's retrieved tcp/ package never implemented: ControlBlock.snd had
// only a receiver-advertised window, no sender-side congestion window at all.

const (
	// dupAckThreshold is the classic "3 duplicate ACKs" fast-retransmit
	// trigger (RFC 5681 §3.2).
	dupAckThreshold = 3
	// defaultMSS is assumed until a peer's MSS option is observed.
	defaultMSS Size = 536
	// fallbackSsthresh is the ceiling used until a loss event (or a primed
	// recentConnData entry) defines a real one.
	fallbackSsthresh Size = 1 << 30
)

// initialWindow computes RFC 5681's IW: min(4*MSS, max(2*MSS, 4380)).
func initialWindow(mss Size) Size {
	floor := 2 * mss
	if floor < 4380 {
		floor = 4380
	}
	iw := 4 * mss
	if iw > floor {
		iw = floor
	}
	return iw
}

// congestionController holds one connection's RFC 5681 state machine plus
// its RFC 6298 RTO estimator. Embedded directly in ControlBlock so the
// existing send-window gating in PendingSegment and the ACK-processing path
// in Recv can reach it without an extra pointer hop.
type congestionController struct {
	mss        Size
	cwnd       Size
	ssthresh   Size
	dupacks    uint8
	recovering bool
	recoverSeq Value // snd.NXT when fast recovery began; recovery ends once UNA passes it.
	ecnCutSeq  Value // snd.NXT at the last ECN-triggered cwnd cut; zero means "never cut".
	ecnCut     bool
	rto        rtoEstimator
}

// init (re)starts congestion state for a freshly (re)opened connection,
// optionally primed with a cached ssthresh from a prior connection to the
// same remote host (spec §C, recentConnData below).
func (cc *congestionController) init(mss Size, primed *recentConnDataEntry) {
	if mss == 0 {
		mss = defaultMSS
	}
	cc.mss = mss
	cc.cwnd = initialWindow(mss)
	cc.ssthresh = fallbackSsthresh
	if primed != nil && primed.ssthresh > 2*mss {
		cc.ssthresh = primed.ssthresh
	}
	cc.dupacks = 0
	cc.recovering = false
	cc.recoverSeq = 0
	cc.ecnCutSeq = 0
	cc.ecnCut = false
	cc.rto = rtoEstimator{}
}

// setMSS updates the segment size used for window growth math. Called once
// the peer's MSS option is parsed, which normally happens after init ran
// with the guessed defaultMSS; cwnd is only rescaled if no data is in
// flight yet, so it never shrinks a window already growing on the wire.
func (cc *congestionController) setMSS(mss Size, inFlight Size) {
	if mss == 0 || mss == cc.mss {
		return
	}
	cc.mss = mss
	if inFlight == 0 {
		cc.cwnd = initialWindow(mss)
	}
}

// availableWindow returns how many further octets the congestion window
// permits to be outstanding, given inFlight octets already unacked.
func (cc *congestionController) availableWindow(inFlight Size) Size {
	if inFlight >= cc.cwnd {
		return 0
	}
	return cc.cwnd - inFlight
}

// onNewAck grows cwnd for a segment's worth of newly-acknowledged data:
// by up to one MSS per ACK during slow start (cwnd < ssthresh), or by
// roughly MSS*MSS/cwnd during congestion avoidance (the standard additive
// approximation of "one MSS per RTT").
func (cc *congestionController) onNewAck(acked Size, newUNA Value) {
	if cc.recovering {
		if !newUNA.LessThan(cc.recoverSeq) {
			// Fast recovery ends once the retransmission gap is fully acked.
			cc.recovering = false
			cc.cwnd = cc.ssthresh
		}
		cc.dupacks = 0
		return
	}
	cc.dupacks = 0
	if cc.cwnd < cc.ssthresh {
		grow := acked
		if grow > cc.mss {
			grow = cc.mss
		}
		cc.cwnd += grow
	} else {
		growth := uint64(cc.mss) * uint64(acked) / uint64(max(cc.cwnd, 1))
		if growth == 0 {
			growth = 1
		}
		cc.cwnd += Size(growth)
	}
}

// onDupAck registers a duplicate ACK. It reports whether this is the one
// that should trigger an immediate fast retransmit (the third in a row),
// and otherwise inflates cwnd by one MSS per extra duplicate once already
// in fast recovery, per RFC 5681 §3.2 steps 3-4.
func (cc *congestionController) onDupAck(snd *sendSpace) (retransmitNow bool) {
	cc.dupacks++
	switch {
	case cc.dupacks == dupAckThreshold && !cc.recovering:
		inFlight := snd.inFlight()
		cc.ssthresh = max(inFlight/2, 2*cc.mss)
		cc.cwnd = cc.ssthresh + dupAckThreshold*cc.mss
		cc.recovering = true
		cc.recoverSeq = snd.NXT
		return true
	case cc.recovering:
		cc.cwnd += cc.mss
	}
	return false
}

// onRTOTimeout reacts to a retransmission-timer expiry (RFC 6298 §5.5/§5.6):
// halve ssthresh, collapse cwnd back to one MSS (exit any fast recovery),
// and double the RTO for the next attempt (exponential backoff, Karn's
// algorithm's other half).
func (cc *congestionController) onRTOTimeout(inFlight Size) {
	cc.ssthresh = max(inFlight/2, 2*cc.mss)
	cc.cwnd = cc.mss
	cc.recovering = false
	cc.dupacks = 0
	cc.rto.Backoff()
}

// onECE reacts to an ECN-Echo flagged segment exactly once per send-window's
// worth of data (RFC 3168 §6.1.2: "an ECN-Capable TCP ... MUST NOT decrease
// the congestion window more than once per window of data"), returning
// whether a CWR should be queued on the next outgoing segment.
func (cc *congestionController) onECE(sndNXT Value) (sendCWR bool) {
	if cc.ecnCut && !cc.ecnCutSeq.LessThan(sndNXT) {
		return false
	}
	cc.ssthresh = max(cc.cwnd/2, 2*cc.mss)
	cc.cwnd = cc.ssthresh
	cc.ecnCutSeq = sndNXT
	cc.ecnCut = true
	return true
}

// rtoEstimator implements RFC 6298's SRTT/RTTVAR smoothing. Samples must
// never come from a retransmitted segment (Karn's algorithm); txqueue.go's
// ringTx enforces that by only reporting a sample across a clean,
// non-retransmitted round trip.
type rtoEstimator struct {
	srtt      Tick
	rttvar    Tick
	rto       Tick
	hasSample bool
}

const (
	minRTO     Tick = 200   // RFC 6298 §2.4 floor.
	maxRTO     Tick = 60000 // RFC 6298 §2.5 ceiling.
	initialRTO Tick = 1000  // RFC 6298 §2.1, used before any sample exists.
	rtoClockG  Tick = 1     // assumed clock granularity in ticks, folded into the rttvar floor per §2.4.
)

// Sample folds a new RTT measurement into the estimator and recomputes RTO.
func (r *rtoEstimator) Sample(rtt Tick) {
	if rtt <= 0 {
		return
	}
	if !r.hasSample {
		r.srtt = rtt
		r.rttvar = rtt / 2
		r.hasSample = true
	} else {
		diff := r.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		r.rttvar = r.rttvar - r.rttvar/4 + diff/4
		r.srtt = r.srtt - r.srtt/8 + rtt/8
	}
	backoff := 4 * r.rttvar
	if backoff < rtoClockG {
		backoff = rtoClockG
	}
	r.rto = r.srtt + backoff
	r.clamp()
}

// Backoff doubles the current RTO (exponential backoff on repeated loss).
func (r *rtoEstimator) Backoff() {
	if r.rto == 0 {
		r.rto = initialRTO
	}
	r.rto *= 2
	r.clamp()
}

func (r *rtoEstimator) clamp() {
	if r.rto < minRTO {
		r.rto = minRTO
	}
	if r.rto > maxRTO {
		r.rto = maxRTO
	}
}

// RTO returns the current retransmission timeout, defaulting to
// initialRTO before any sample has been taken.
func (r *rtoEstimator) RTO() Tick {
	if r.rto == 0 {
		return initialRTO
	}
	return r.rto
}

// recentConnDataEntry is one cached priming value: the ssthresh a previous
// connection to this host converged to, so a new connection doesn't have to
// rediscover a lossy path's capacity from scratch via slow start.
type recentConnDataEntry struct {
	ssthresh  Size
	expiresAt Tick
}

// recentConnData caches congestion priming data keyed by remote IP alone
// (not the full 4-tuple): per spec §C / original_source's
// RecentConnectionDataProvider.rs, multiple connections to the same host
// share one entry. Built on internal/lrucache's bounded ring, generalized
// here with a per-entry TTL since the original expires entries instead of
// keeping them forever.
type recentConnData struct {
	cache lrucache.Cache[netip.Addr, recentConnDataEntry]
	ttl   TickDuration
}

func newRecentConnData(capacity int, ttl TickDuration) *recentConnData {
	return &recentConnData{cache: lrucache.New[netip.Addr, recentConnDataEntry](capacity), ttl: ttl}
}

func (r *recentConnData) Lookup(addr netip.Addr, now Tick) (recentConnDataEntry, bool) {
	e, ok := r.cache.Get(addr)
	if !ok || (e.expiresAt != 0 && e.expiresAt <= now) {
		return recentConnDataEntry{}, false
	}
	return e, true
}

func (r *recentConnData) Record(addr netip.Addr, ssthresh Size, now Tick) {
	var expiresAt Tick
	if r.ttl > 0 {
		expiresAt = now + Tick(r.ttl)
	}
	r.cache.Push(addr, recentConnDataEntry{ssthresh: ssthresh, expiresAt: expiresAt})
}
