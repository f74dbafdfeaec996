package tcp

import (
	"testing"

	"github.com/soypat/lneto/internal"
)

const ipv4HeaderLen = 20

// testConnPool is a minimal [pool] backing a fixed number of *Conn, each
// with its own read/write buffers, for Listener-level tests that need real
// connections materialized out of Demux/AcceptFromCookie.
type testConnPool struct {
	conns   []*Conn
	taken   []bool
	nextISS Value
}

func newTestConnPool(t *testing.T, n, mtu int) *testConnPool {
	p := &testConnPool{conns: make([]*Conn, n), taken: make([]bool, n), nextISS: 1}
	for i := range p.conns {
		conn := new(Conn)
		err := conn.h.SetBuffers(make([]byte, mtu), make([]byte, mtu), 4)
		if err != nil {
			t.Fatal(err)
		}
		p.conns[i] = conn
	}
	return p
}

func (p *testConnPool) GetTCP() (*Conn, Value) {
	for i, taken := range p.taken {
		if !taken {
			p.taken[i] = true
			p.nextISS += 1000
			return p.conns[i], p.nextISS
		}
	}
	return nil, 0
}

func (p *testConnPool) PutTCP(conn *Conn) {
	for i, c := range p.conns {
		if c == conn {
			p.taken[i] = false
			return
		}
	}
}

// buildIPv4TCPFrame hand-constructs a minimal 20-byte IPv4 header (no
// options) followed by a TCP segment with the given options, for feeding
// straight into [Listener.Demux]. Checksum is left zero: it is only ever
// computed on egress (see [Frame.CalculateChecksum]'s doc comment), never
// validated on ingress.
func buildIPv4TCPFrame(t *testing.T, srcIP, dstIP []byte, srcPort, dstPort uint16, seg Segment, options []byte) []byte {
	t.Helper()
	padded := (len(options) + 3) &^ 3
	tcpLen := sizeHeaderTCP + padded
	buf := make([]byte, ipv4HeaderLen+tcpLen)
	buf[0] = 0x45 // version 4, 20-byte IHL, no options.
	err := internal.SetIPAddrs(buf, 0, srcIP, dstIP)
	if err != nil {
		t.Fatal(err)
	}
	copy(buf[ipv4HeaderLen+sizeHeaderTCP:], options)
	tfrm, err := NewFrame(buf[ipv4HeaderLen:])
	if err != nil {
		t.Fatal(err)
	}
	tfrm.SetSourcePort(srcPort)
	tfrm.SetDestinationPort(dstPort)
	tfrm.SetSegment(seg, uint8(tcpLen/4))
	tfrm.SetUrgentPtr(0)
	tfrm.SetCRC(0)
	return buf
}

// encodeSYNOptions builds a minimal MSS + window-scale + SACK-permitted
// options block, the set spec §4.6 negotiates over a cookie handshake.
func encodeSYNOptions(t *testing.T, mss uint16, wsShift uint8, hasWS, sackPermitted bool) []byte {
	t.Helper()
	var codec OptionCodec
	buf := make([]byte, 32)
	off := 0
	n, err := codec.PutOption16(buf[off:], OptMaxSegmentSize, mss)
	if err != nil {
		t.Fatal(err)
	}
	off += n
	if hasWS {
		n, err = codec.PutOption(buf[off:], OptWindowScale, wsShift)
		if err != nil {
			t.Fatal(err)
		}
		off += n
	}
	if sackPermitted {
		n, err = codec.PutOption(buf[off:], OptSACKPermitted)
		if err != nil {
			t.Fatal(err)
		}
		off += n
	}
	return buf[:off]
}

// TestScenario_ListenerSYNCookieHandshake reenacts spec.md §8 scenario 1:
// peer sends SYN (SEQ=1000, MSS=1460, WS=7, SACK-permitted, ECE+CWR); the
// listener replies SYN-ACK with a minted cookie ISS, MSS=1460, WS=2,
// SACK-permitted, ECE; peer ACKs and the listener materializes the TCB
// directly in Established.
func TestScenario_ListenerSYNCookieHandshake(t *testing.T) {
	var keys SynKeys
	var seed [32]byte
	for i := range seed {
		seed[i] = 0x42
	}
	keys = *NewSynKeys(seed, nil)

	var listener Listener
	listener.SetCookieKeys(&keys)
	connPool := newTestConnPool(t, 2, 1500)
	if err := listener.Reset(80, connPool); err != nil {
		t.Fatal(err)
	}

	clientIP := []byte{192, 168, 1, 50}
	serverIP := []byte{192, 168, 1, 1}
	const clientPort, serverPort = 54321, 80
	const irs = Value(1000)

	synOpts := encodeSYNOptions(t, 1460, 7, true, true)
	synSeg := Segment{SEQ: irs, Flags: FlagSYN | FlagECE | FlagCWR, WND: 65535}
	synFrame := buildIPv4TCPFrame(t, clientIP, serverIP, clientPort, serverPort, synSeg, synOpts)

	if err := listener.Demux(synFrame, ipv4HeaderLen); err != nil {
		t.Fatalf("demux SYN: %v", err)
	}
	if len(listener.cookiePending) != 1 {
		t.Fatalf("expected one pending cookie reply, got %d", len(listener.cookiePending))
	}

	carrier := make([]byte, 128)
	carrier[0] = 0x45
	n, err := listener.Encapsulate(carrier, 0, ipv4HeaderLen)
	if err != nil {
		t.Fatalf("encapsulate SYN-ACK: %v", err)
	}
	if n <= sizeHeaderTCP {
		t.Fatalf("expected SYN-ACK with options, got %d bytes", n)
	}
	replyFrame, err := NewFrame(carrier[ipv4HeaderLen : ipv4HeaderLen+n])
	if err != nil {
		t.Fatal(err)
	}
	replySeg := replyFrame.Segment(0)
	if !replySeg.Flags.HasAll(synack) {
		t.Fatalf("expected SYN|ACK flags, got %s", replySeg.Flags)
	}
	if !replySeg.Flags.HasAny(FlagECE) {
		t.Error("expected ECE echoed on SYN-ACK for ECN-setup request")
	}
	if replySeg.ACK != irs+1 {
		t.Errorf("reply ACK = %d, want %d", replySeg.ACK, irs+1)
	}
	iss := replySeg.SEQ
	opts, err := ParseOptions(replyFrame.Options())
	if err != nil {
		t.Fatal(err)
	}
	if opts.MSS != 1460 {
		t.Errorf("reply MSS = %d, want 1460", opts.MSS)
	}
	if !opts.HasWS || opts.WindowScale != defaultServerWSShift {
		t.Errorf("reply WS = (%d, %v), want (%d, true)", opts.WindowScale, opts.HasWS, defaultServerWSShift)
	}
	if !opts.SACKPermitted {
		t.Error("expected SACK-permitted echoed")
	}

	// Peer ACKs (SEQ=1001, ACK=ISS+1): listener validates the embedded
	// cookie and materializes the TCB directly in Established.
	ackSeg := Segment{SEQ: irs + 1, ACK: iss + 1, Flags: FlagACK, WND: 65535}
	ackFrame := buildIPv4TCPFrame(t, clientIP, serverIP, clientPort, serverPort, ackSeg, nil)
	if err := listener.Demux(ackFrame, ipv4HeaderLen); err != nil {
		t.Fatalf("demux ACK: %v", err)
	}

	conn, err := listener.TryAccept()
	if err != nil {
		t.Fatalf("TryAccept: %v", err)
	}
	if conn.State() != StateEstablished {
		t.Fatalf("accepted connection state = %s, want Established", conn.State())
	}
	if conn.RemotePort() != clientPort {
		t.Errorf("RemotePort = %d, want %d", conn.RemotePort(), clientPort)
	}
}

// TestScenario_SYNCookieReplayAcrossEpoch reenacts spec.md §8 scenario 6: a
// cookie minted in epoch E is accepted when the returning ACK arrives within
// the jar's epoch-age bound, and rejected once that bound is exceeded.
func TestScenario_SYNCookieReplayAcrossEpoch(t *testing.T) {
	var keys SynKeys
	var seed [32]byte
	for i := range seed {
		seed[i] = 0x7
	}
	keys = *NewSynKeys(seed, nil)

	var listener Listener
	listener.SetCookieKeys(&keys)
	connPool := newTestConnPool(t, 2, 1500)
	if err := listener.Reset(80, connPool); err != nil {
		t.Fatal(err)
	}

	clientIP := []byte{10, 0, 0, 5}
	serverIP := []byte{10, 0, 0, 1}
	const serverPort = 80
	const irs = Value(500)

	mintCookie := func(clientPort uint16) Value {
		t.Helper()
		synOpts := encodeSYNOptions(t, 1460, 2, true, false)
		synSeg := Segment{SEQ: irs, Flags: FlagSYN, WND: 65535}
		synFrame := buildIPv4TCPFrame(t, clientIP, serverIP, clientPort, serverPort, synSeg, synOpts)
		if err := listener.Demux(synFrame, ipv4HeaderLen); err != nil {
			t.Fatalf("demux SYN: %v", err)
		}
		carrier := make([]byte, 128)
		carrier[0] = 0x45
		n, err := listener.Encapsulate(carrier, 0, ipv4HeaderLen)
		if err != nil {
			t.Fatalf("encapsulate SYN-ACK: %v", err)
		}
		replyFrame, err := NewFrame(carrier[ipv4HeaderLen : ipv4HeaderLen+n])
		if err != nil {
			t.Fatal(err)
		}
		return replyFrame.Segment(0).SEQ
	}

	// Cookie minted in epoch E; returning ACK arrives in epoch E+1, still
	// within synCookieMaxEpochAge and so accepted.
	const acceptedClientPort = 9000
	iss := mintCookie(acceptedClientPort)
	listener.TickCookies()
	ackSeg := Segment{SEQ: irs + 1, ACK: iss + 1, Flags: FlagACK, WND: 65535}
	ackFrame := buildIPv4TCPFrame(t, clientIP, serverIP, acceptedClientPort, serverPort, ackSeg, nil)
	if err := listener.Demux(ackFrame, ipv4HeaderLen); err != nil {
		t.Fatalf("demux ACK within epoch bound: %v", err)
	}
	conn, err := listener.TryAccept()
	if err != nil {
		t.Fatalf("expected accept within epoch bound: %v", err)
	}
	if conn.State() != StateEstablished {
		t.Fatalf("accepted connection state = %s, want Established", conn.State())
	}

	// A second cookie, for a distinct peer port, ages past the epoch bound
	// before its ACK arrives: the listener must reject it as stale.
	const staleClientPort = 9001
	iss = mintCookie(staleClientPort)
	for i := 0; i <= synCookieMaxEpochAge; i++ {
		listener.TickCookies()
	}
	staleAckSeg := Segment{SEQ: irs + 1, ACK: iss + 1, Flags: FlagACK, WND: 65535}
	staleAckFrame := buildIPv4TCPFrame(t, clientIP, serverIP, staleClientPort, serverPort, staleAckSeg, nil)
	err = listener.Demux(staleAckFrame, ipv4HeaderLen)
	if err == nil {
		t.Fatal("expected stale cookie ACK to be dropped")
	}
}
