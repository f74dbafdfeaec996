package tcp

import "github.com/soypat/lneto/internal"

// RSTQueue is a small fixed-size queue of pending stateless RST responses,
// the reply spec §4.4 calls for when a segment arrives for a port this
// listener owns but matches no connection and is not itself a RST (RFC 9293
// §3.10.7.1). Not safe for concurrent use; callers must synchronize access.
type RSTQueue struct {
	buf [4]rstEntry
	len uint8
}

type rstEntry struct {
	remoteAddr  [16]byte
	remoteAddrN uint8 // 4 or 16, the bytes of remoteAddr actually in use.
	remotePort  uint16
	localPort   uint16
	seq         Value
	ack         Value
	flags       Flags
}

// Queue enqueues a RST response addressed to a IPv4 or IPv6 remote host.
// Silently drops the entry if srcaddr is neither 4 nor 16 bytes or the
// queue is already full: a dropped RST just means the peer retries and
// gets another chance at an empty slot.
func (q *RSTQueue) Queue(srcaddr []byte, remotePort, localPort uint16, seq, ack Value, flags Flags) {
	n := len(srcaddr)
	if (n != 4 && n != 16) || q.len >= uint8(len(q.buf)) {
		return
	}
	entry := &q.buf[q.len]
	copy(entry.remoteAddr[:], srcaddr)
	entry.remoteAddrN = uint8(n)
	entry.remotePort = remotePort
	entry.localPort = localPort
	entry.seq = seq
	entry.ack = ack
	entry.flags = flags
	q.len++
}

// QueueForUnmatched builds and queues the RST/RST-ACK response RFC 9293
// §3.10.7.1 prescribes for a segment that reached a listener's port but
// matched no live connection: if the offending segment carried an ACK, the
// reset takes its sequence number from that ACK field with no ACK of its
// own; otherwise the reset carries SEQ 0 and ACKs the sum of the offending
// segment's sequence number and length. A RST-flagged offending segment is
// never itself answered with a RST, so callers must filter those first.
func (q *RSTQueue) QueueForUnmatched(srcaddr []byte, remotePort, localPort uint16, seq, ack Value, flags Flags, payloadLen int) {
	segLen := Size(payloadLen)
	if flags.HasAny(FlagSYN) {
		segLen++
	}
	if flags.HasAny(FlagFIN) {
		segLen++
	}
	if flags.HasAny(FlagACK) {
		q.Queue(srcaddr, remotePort, localPort, ack, 0, FlagRST)
	} else {
		q.Queue(srcaddr, remotePort, localPort, 0, Add(seq, segLen), FlagRST|FlagACK)
	}
}

// Pending returns the number of queued RST entries.
func (q *RSTQueue) Pending() int { return int(q.len) }

// Drain writes one pending RST to the carrier buffer and returns the TCP
// frame length written. Returns (0, nil) if the queue is empty or
// offsetToIP < 0.
func (q *RSTQueue) Drain(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	if q.len == 0 || offsetToIP < 0 {
		return 0, nil
	}
	q.len--
	entry := &q.buf[q.len]
	tfrm, err := NewFrame(carrierData[offsetToFrame:])
	if err != nil {
		return 0, nil
	}
	tfrm.SetSourcePort(entry.localPort)
	tfrm.SetDestinationPort(entry.remotePort)
	tfrm.SetSegment(Segment{
		SEQ:   entry.seq,
		ACK:   entry.ack,
		Flags: entry.flags,
	}, 5)
	tfrm.SetUrgentPtr(0)
	ipFrame := carrierData[offsetToIP:offsetToFrame]
	err = internal.SetIPAddrs(ipFrame, 0, nil, entry.remoteAddr[:entry.remoteAddrN])
	if err != nil {
		return 0, nil
	}
	tfrm.SetCRC(0)
	srcAddr, dstAddr, _, _, err := internal.GetIPAddr(ipFrame)
	if err == nil {
		chkFrame, ferr := NewFrame(carrierData[offsetToFrame : offsetToFrame+sizeHeaderTCP])
		if ferr == nil {
			chkFrame.SetCRC(chkFrame.CalculateChecksum(srcAddr, dstAddr))
		}
	}
	return sizeHeaderTCP, nil
}
