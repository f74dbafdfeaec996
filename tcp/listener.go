package tcp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/soypat/lneto"
	"github.com/soypat/lneto/internal"
)

// pool is a [sync.Pool] like
type pool interface {
	GetTCP() (*Conn, Value)
	PutTCP(*Conn)
}

// cookieReply is a pending stateless SYN-ACK reply: the listener holds no
// TCB for the half-open connection it answers, only the bytes needed to
// build the reply segment on the next Encapsulate call.
type cookieReply struct {
	remoteAddr    []byte
	remotePort    uint16
	localAddr     []byte
	iss           Value
	irs           Value
	mss           uint16
	wsShift       uint8
	hasWS         bool
	sackPermitted bool
	ecnSupported  bool
}

type Listener struct {
	connID uint64
	mu     sync.Mutex
	// incoming stores connections that are potential candidates for acceptance.
	incoming []*Conn
	// accepted stores all connections that have been accepted and are open.
	accepted []*Conn
	// cookiePending holds SYN-ACK replies awaiting transmission for SYNs
	// that were answered statelessly, per spec §4.6: no TCB is allocated
	// until the returning ACK proves the cookie valid.
	cookiePending []cookieReply
	cookies       SYNCookieJar
	port          uint16
	poolGet       func() (*Conn, Value)
	poolReturn    func(*Conn)
	// recentData caches congestion priming data across connections to the
	// same remote host (spec §C), shared by every Conn this listener hands
	// out via acceptCookieACK.
	recentData *recentConnData
	// rstPending holds stateless RST replies for segments that reached this
	// port but matched no connection (RFC 9293 §3.10.7.1, spec §4.4).
	rstPending RSTQueue
	// table is the keyed connection lookup of spec §4.8, indexing both
	// incoming and accepted connections by their (remote IP, remote port,
	// local port) key. A nil table (freshly zero-valued Listener) is lazily
	// sized to connTableDefaultCapacity on reset.
	table *ConnTable
	// metrics, if set via SetMetrics, is shared with every Conn this
	// listener hands out so segment/retransmit/recovery counts flow into
	// one collector regardless of which connection produced them.
	metrics *Metrics
	// config is the operating envelope from [Listener.Configure]; a freshly
	// reset listener runs with [DefaultConfig] until Configure is called.
	config Config
	logger
}

// Configure validates cfg and installs it as this listener's operating
// envelope (spec.md §6), resizing the connection table if the capacity
// changed and replacing the listener's drop/listen port sets and MD5 key
// table wholesale. Already-accepted connections keep whatever per-connection
// settings they were given at accept time; only subsequently accepted
// connections see the new keepalive/linger/user-timeout values.
func (listener *Listener) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.table == nil || cfg.TableCapacity != listener.table.Capacity() {
		listener.table = NewConnTable(cfg.TableCapacity)
	}
	listener.config = cfg
	return nil
}

// SetMetrics installs (or, with nil, disables) the [Metrics] collector this
// listener and its connections report into. Must be called before traffic
// arrives to cover connections from the very first accept.
func (listener *Listener) SetMetrics(m *Metrics) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.metrics = m
	if m != nil {
		m.occupancy = func() (int, int) {
			listener.mu.Lock()
			defer listener.mu.Unlock()
			if listener.table == nil {
				return 0, 0
			}
			return listener.table.Len(), listener.table.Capacity()
		}
	}
}

// connTableDefaultCapacity bounds how many connections this listener's
// table tracks at once; a full table still answers new SYNs via cookies
// (spec §4.8), it just can't materialize the resulting TCB until load
// drops, per [Listener.SetTableCapacity].
const connTableDefaultCapacity = 1024

// SetTableCapacity resizes the connection table, discarding any entries it
// currently holds. Call before the listener accepts traffic; resizing a live
// listener drops its ability to demux already-open connections until they
// resend.
func (listener *Listener) SetTableCapacity(capacity int) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.table = NewConnTable(capacity)
}

// recentConnDataCapacity and recentConnDataTTL bound the listener's shared
// congestion-priming cache: a generous number of distinct remote hosts,
// expired after a relatively short idle window so a host's path
// characteristics don't go stale.
const (
	recentConnDataCapacity = 256
	recentConnDataTTL      = TickDuration(10 * 60 * 1000) // 10 minutes.
)

// SetRecentConnData installs (or disables, with nil) the congestion-priming
// cache this listener's accepted connections read from and record into. A
// freshly reset Listener has one enabled by default; call this with nil to
// opt out.
func (listener *Listener) SetRecentConnData(cache *recentConnData) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.recentData = cache
}

func (listener *Listener) reset(port uint16, tcppool pool) {
	listener.accepted = listener.accepted[:0]
	listener.incoming = listener.incoming[:0]
	listener.cookiePending = listener.cookiePending[:0]
	listener.rstPending = RSTQueue{}
	listener.connID++
	listener.port = port
	listener.poolGet = tcppool.GetTCP
	listener.poolReturn = tcppool.PutTCP
	if listener.recentData == nil {
		listener.recentData = newRecentConnData(recentConnDataCapacity, recentConnDataTTL)
	}
	if listener.config.TableCapacity == 0 {
		listener.config = DefaultConfig()
	}
	if listener.table == nil {
		listener.table = NewConnTable(listener.config.TableCapacity)
	}
}

// SetCookieKeys installs the SYN-cookie key schedule used to answer SYNs to
// this listener statelessly. Must be called before the listener accepts
// traffic; a nil keys argument leaves cookie generation disabled (no
// listener accepts are possible) until set.
func (listener *Listener) SetCookieKeys(keys *SynKeys) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.cookies.Reset(keys)
}

// TickCookies advances the SYN-cookie rotating epoch. The engine's tick
// handler calls this roughly every 64 seconds per spec §4.6.
func (listener *Listener) TickCookies() {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.cookies.Tick()
}

// Tick advances every live connection's alarm wheel (spec §4.7), driving
// retransmission, keepalive, user-timeout and TIME-WAIT linger for every
// connection this listener is tracking.
func (listener *Listener) Tick(now Tick) {
	listener.mu.Lock()
	conns := append(listener.incoming[:0:0], listener.incoming...)
	conns = append(conns, listener.accepted...)
	listener.mu.Unlock()
	for _, conn := range conns {
		if conn != nil {
			conn.Tick(now)
		}
	}
}

func (listener *Listener) SetLogger(logger *slog.Logger) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.logger.log = logger
}

// LocalPort implements [StackNode].
func (listener *Listener) LocalPort() uint16 {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	return listener.port
}

// ConnectionID implements [StackNode].
func (listener *Listener) ConnectionID() *uint64 { return &listener.connID }

// Protocol implements [StackNode].
func (listener *Listener) Protocol() uint64 { return uint64(lneto.IPProtoTCP) }

func (listener *Listener) Close() error {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return errors.New("already closed")
	}
	listener.debug("listener:reset", slog.Uint64("port", uint64(listener.port)))
	listener.connID++
	listener.port = 0
	return nil
}

func (listener *Listener) Reset(port uint16, pool pool) error {
	if port == 0 {
		return errZeroDstPort
	} else if pool == nil {
		return errors.New("nil TCP pool")
	}
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.config.ListenPorts != nil && !listener.config.ListenPorts.Contains(port) {
		return fmt.Errorf("tcp: port %d not in listener's configured ListenPorts", port)
	}
	listener.debug("listener:reset", slog.Uint64("port", uint64(port)))
	listener.reset(port, pool)
	return nil
}

func (listener *Listener) NumberOfReadyToAccept() (nready int) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return 0
	}
	for _, conn := range listener.incoming {
		if conn == nil || conn.State() != StateEstablished {
			continue
		}
		nready++
	}
	return nready
}

// TryAccept polls the list of ready connections that have been established
func (listener *Listener) TryAccept() (*Conn, error) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return nil, net.ErrClosed
	}
	listener.debug("listener:tryaccept", slog.Uint64("port", uint64(listener.port)))
	listener.maintainConns()
	for i, conn := range listener.incoming {
		if conn == nil || conn.State() != StateEstablished {
			continue
		}
		listener.accepted = append(listener.accepted, conn)
		listener.incoming[i] = nil // discard from ready.
		return conn, nil
	}
	return nil, errors.New("no conns available")
}

// Encapsulate implements [StackNode].
func (listener *Listener) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return 0, net.ErrClosed
	}
	//listener.trace("listener:encaps", slog.Uint64("port", uint64(listener.port)))
	if len(listener.cookiePending) > 0 {
		reply := listener.cookiePending[0]
		n, err := listener.encapsulateCookieReply(reply, carrierData, offsetToIP, offsetToFrame)
		if err != nil {
			listener.logerr("listener:cookie-reply", slog.String("err", err.Error()))
			listener.cookiePending = listener.cookiePending[1:]
			return 0, nil
		}
		listener.cookiePending = listener.cookiePending[1:]
		listener.debug("listener:cookie-reply", slog.Uint64("port", uint64(listener.port)), slog.Int("plen", n))
		return n, nil
	}
	if listener.rstPending.Pending() > 0 {
		n, err := listener.rstPending.Drain(carrierData, offsetToIP, offsetToFrame)
		if err != nil {
			listener.logerr("listener:rst-reply", slog.String("err", err.Error()))
			return 0, nil
		}
		if n > 0 {
			listener.debug("listener:rst-reply", slog.Uint64("port", uint64(listener.port)), slog.Int("plen", n))
			return n, nil
		}
	}
	// First try incoming connections (for handshake SYN-ACK).
	for _, conn := range listener.incoming {
		if conn == nil || conn.State() == StateEstablished {
			// Nil or already established.
			continue
		}
		n, err := conn.Encapsulate(carrierData, offsetToIP, offsetToFrame)
		if err != nil {
			err = listener.maintainConn(listener.incoming, conn, err)
		}
		if n == 0 {
			continue
		}
		listener.debug("listener:encaps", slog.Uint64("port", uint64(listener.port)), slog.Int("plen", n), slog.String("list", "incoming"))
		return n, err
	}
	// Then try accepted connections.
	for _, conn := range listener.accepted {
		if conn == nil {
			continue
		}
		n, err := conn.Encapsulate(carrierData, offsetToIP, offsetToFrame)
		if err != nil {
			err = listener.maintainConn(listener.accepted, conn, err)
		}
		if n == 0 {
			continue
		}
		listener.debug("listener:encaps", slog.Uint64("port", uint64(listener.port)), slog.Int("plen", n), slog.String("list", "accepted"))
		return n, err
	}
	return 0, nil
}

// Demux implements [StackNode].
func (listener *Listener) Demux(carrierData []byte, tcpFrameOffset int) error {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return net.ErrClosed
	}
	tfrm, err := NewFrame(carrierData[tcpFrameOffset:])
	if err != nil {
		return err
	}
	srcaddr, dstaddr, _, _, err := internal.GetIPAddr(carrierData)
	if err != nil {
		return err
	}
	dst := tfrm.DestinationPort()
	if dst != listener.port {
		return errors.New("not our port")
	}
	src := tfrm.SourcePort()
	if listener.config.DropPorts.Contains(src) {
		listener.debug("tcplistener:drop-port", slog.Uint64("rport", uint64(src)))
		return lneto.ErrPacketDrop
	}

	// O(1) average lookup via the keyed connection table (spec §4.8),
	// replacing a linear scan of accepted+incoming.
	key := newConnKey(srcaddr, src, dst)
	conn, demuxed := listener.table.Lookup(key)
	if demuxed {
		err = conn.Demux(carrierData, tcpFrameOffset)
		if err != nil {
			owner := listener.accepted
			if !containsConn(owner, conn) {
				owner = listener.incoming
			}
			err = listener.maintainConn(owner, conn, err)
		}
		listener.debug("tcplistener:demux", slog.Uint64("lport", uint64(listener.port)), slog.Uint64("rport", uint64(src)))
		return err
	}

	// Connection not in ready nor accepted: either a new SYN to answer
	// statelessly, or a returning ACK for a cookie-based handshake whose
	// TCB was never allocated. Per spec §4.6 the listener keeps no
	// half-open state either way.
	if listener.cookies.keys == nil {
		return lneto.ErrPacketDrop // No cookie keys installed: cookie generation is disabled.
	}
	_, flags := tfrm.OffsetAndFlags()
	switch {
	case flags.HasAll(FlagSYN) && !flags.HasAny(FlagACK|FlagRST|FlagFIN):
		return listener.replyCookieSYN(tfrm, srcaddr, dstaddr, src, dst)
	case flags.HasAny(FlagACK) && !flags.HasAny(FlagSYN|FlagRST|FlagFIN):
		return listener.acceptCookieACK(tfrm, srcaddr, dstaddr, src, dst)
	case flags.HasAny(FlagRST):
		// Never answer a RST with a RST (RFC 9293 §3.10.7.1).
		return lneto.ErrPacketDrop
	default:
		seg := tfrm.Segment(len(tfrm.Payload()))
		listener.rstPending.QueueForUnmatched(srcaddr, src, dst, seg.SEQ, seg.ACK, flags, len(tfrm.Payload()))
		listener.debug("tcplistener:rst-unmatched", slog.Uint64("lport", uint64(dst)), slog.Uint64("rport", uint64(src)))
		return lneto.ErrPacketDrop
	}
}

// defaultServerMSS and defaultServerWSShift are the values this listener
// offers in its stateless SYN-ACK when a peer's SYN requests an MSS larger
// than we are willing to advertise or requests window scaling at all.
const (
	defaultServerMSS     = 1460
	defaultServerWSShift = 2
)

// replyCookieSYN mints a SYN cookie for an incoming SYN and queues the
// stateless SYN-ACK reply, without allocating a TCB (spec §4.6 step 2).
func (listener *Listener) replyCookieSYN(tfrm Frame, srcaddr, dstaddr []byte, srcPort, dstPort uint16) error {
	opts, err := ParseOptions(tfrm.Options())
	if err != nil {
		return lneto.ErrPacketDrop
	}
	seg := tfrm.Segment(0)
	ecn := seg.Flags.HasAny(FlagECE) && seg.Flags.HasAny(FlagCWR)
	irs := tfrm.Seq()
	chosenMSS := uint16(defaultServerMSS)
	if listener.config.MSSv4Default != 0 {
		chosenMSS = uint16(listener.config.MSSv4Default)
	}
	if opts.MSS != 0 && opts.MSS < chosenMSS {
		chosenMSS = opts.MSS
	}
	if listener.config.MSSv4Minimum != 0 && chosenMSS < uint16(listener.config.MSSv4Minimum) {
		chosenMSS = uint16(listener.config.MSSv4Minimum)
	}
	useWS := opts.HasWS
	var wsShift uint8
	if useWS {
		wsShift = defaultServerWSShift
		if listener.config.WindowScaleShift != 0 {
			wsShift = listener.config.WindowScaleShift
		}
	}
	iss := listener.cookies.MakeCookie(srcaddr, dstaddr, srcPort, dstPort, irs, chosenMSS, wsShift, useWS, opts.SACKPermitted, ecn)
	listener.cookiePending = append(listener.cookiePending, cookieReply{
		remoteAddr:    append([]byte(nil), srcaddr...),
		remotePort:    srcPort,
		localAddr:     append([]byte(nil), dstaddr...),
		iss:           iss,
		irs:           irs,
		mss:           chosenMSS,
		wsShift:       wsShift,
		hasWS:         useWS,
		sackPermitted: opts.SACKPermitted,
		ecnSupported:  ecn,
	})
	listener.debug("tcplistener:cookie-syn", slog.Uint64("lport", uint64(listener.port)), slog.Uint64("rport", uint64(srcPort)))
	return nil
}

// acceptCookieACK validates the cookie carried implicitly in a returning
// ACK's SEQ-1/ACK-1 fields and, on success, materializes the connection
// directly in StateEstablished (spec §4.6 step 4).
func (listener *Listener) acceptCookieACK(tfrm Frame, srcaddr, dstaddr []byte, srcPort, dstPort uint16) error {
	irs := tfrm.Seq() - 1
	cookie := tfrm.Ack() - 1
	parsed, err := listener.cookies.Validate(srcaddr, dstaddr, srcPort, dstPort, irs, cookie)
	if err != nil {
		if listener.metrics != nil {
			listener.metrics.observeCookieReject()
		}
		listener.debug("tcplistener:cookie-reject", slog.Uint64("lport", uint64(listener.port)), slog.Uint64("rport", uint64(srcPort)), slog.String("err", err.Error()))
		return lneto.ErrPacketDrop
	}
	key := newConnKey(srcaddr, srcPort, dstPort)
	if listener.table.IsFull() {
		// spec §4.8: table full is a policy signal for new passive opens
		// too, even though the handshake happened statelessly. The peer
		// retried cookie already proved liveness; let it retry again once
		// the table has room rather than wedging a TCB nowhere to put it.
		listener.debug("tcplistener:table-full", slog.Uint64("lport", uint64(listener.port)))
		return lneto.ErrPacketDrop
	}
	conn, _ := listener.poolGet()
	if conn == nil {
		slog.Error("tcpListener:no-free-conn")
		return lneto.ErrPacketDrop
	}
	err = conn.AcceptFromCookie(dstPort, srcaddr, srcPort, Size(tfrm.WindowSize()), parsed, listener.recentData)
	if err != nil {
		listener.poolReturn(conn)
		slog.Error("Listener:accept-from-cookie", slog.String("err", err.Error()))
		return lneto.ErrPacketDrop
	}
	conn.SetMetrics(listener.metrics)
	if listener.config.KeepaliveIdle != 0 {
		conn.SetKeepaliveIdle(listener.config.KeepaliveIdle)
	}
	if listener.config.LingerDuration != 0 {
		conn.SetLinger(listener.config.LingerDuration)
	}
	if listener.config.UserTimeoutMin != 0 || listener.config.UserTimeoutMax != 0 {
		conn.SetUserTimeout(listener.config.clampUserTimeout(listener.config.UserTimeoutMin))
	}
	if md5, ok := listener.config.MD5Keys.Lookup(srcaddr, dstPort); ok {
		conn.SetMD5Key(md5)
	}
	// Queued on incoming, not accepted: TryAccept is what hands a freshly
	// Established connection to the caller, and it only scans incoming.
	listener.incoming = append(listener.incoming, conn)
	listener.table.Insert(key, conn)
	if listener.metrics != nil {
		listener.metrics.observeCookieAccept()
	}
	listener.debug("tcplistener:cookie-accept", slog.Uint64("lport", uint64(listener.port)), slog.Uint64("rport", uint64(srcPort)))
	return nil
}

// encapsulateCookieReply writes a stateless SYN-ACK segment for reply
// directly into carrierData, setting the IP addresses and the MSS/window
// scale/SACK-permitted options the cookie committed to.
func (listener *Listener) encapsulateCookieReply(reply cookieReply, carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	ipFrame := carrierData[offsetToIP:offsetToFrame]
	err := internal.SetIPAddrs(ipFrame, 0, reply.localAddr, reply.remoteAddr)
	if err != nil {
		return 0, err
	}
	buf := carrierData[offsetToFrame:]
	tfrm, err := NewFrame(buf)
	if err != nil {
		return 0, err
	}
	var codec OptionCodec
	optOff := sizeHeaderTCP
	n, err := codec.PutOption16(buf[optOff:], OptMaxSegmentSize, reply.mss)
	if err != nil {
		return 0, err
	}
	optOff += n
	if reply.hasWS {
		n, err = codec.PutOption(buf[optOff:], OptWindowScale, reply.wsShift)
		if err != nil {
			return 0, err
		}
		optOff += n
		optOff = padOptionsTo4(buf, optOff)
	}
	if reply.sackPermitted {
		n, err = codec.PutOption(buf[optOff:], OptSACKPermitted)
		if err != nil {
			return 0, err
		}
		optOff += n
		optOff = padOptionsTo4(buf, optOff)
	}
	seg := Segment{SEQ: reply.iss, ACK: Add(reply.irs, 1), Flags: synack}
	if reply.ecnSupported {
		seg.Flags |= FlagECE
	}
	tfrm.SetSourcePort(listener.port)
	tfrm.SetDestinationPort(reply.remotePort)
	tfrm.SetSegment(seg, uint8(optOff/4))
	tfrm.SetUrgentPtr(0)
	tfrm.SetCRC(0)
	chkFrame, err := NewFrame(buf[:optOff])
	if err == nil {
		chkFrame.SetCRC(chkFrame.CalculateChecksum(reply.localAddr, reply.remoteAddr))
	}
	return optOff, nil
}

// padOptionsTo4 pads buf[off:] with NOP bytes until off is
// a multiple of 4, as required by the TCP header's word-counted data offset.
func padOptionsTo4(buf []byte, off int) int {
	for off%4 != 0 {
		buf[off] = byte(OptNop)
		off++
	}
	return off
}

// containsConn reports whether conn is a (non-nil) member of conns, used to
// tell the accepted list from the incoming list for a table hit: the table
// itself only stores the *Conn, not which list currently owns it.
func containsConn(conns []*Conn, conn *Conn) bool {
	for _, c := range conns {
		if c == conn {
			return true
		}
	}
	return false
}

func (listener *Listener) isClosed() bool {
	return listener.port == 0
}

// connKeyFor builds the table key spec §3 defines for conn's current
// identity under this listener's local port.
func (listener *Listener) connKeyFor(conn *Conn) connKey {
	return newConnKey(conn.RemoteAddr(), conn.RemotePort(), listener.port)
}

func (listener *Listener) maintainConns() {
	for i, conn := range listener.accepted {
		if conn != nil && conn.State().IsClosed() {
			listener.table.Remove(listener.connKeyFor(conn))
			listener.poolReturn(conn)
			listener.accepted[i] = nil
		}
	}
	listener.accepted = internal.DeleteZeroed(listener.accepted)
	for i := range listener.incoming {
		if listener.incoming[i] == nil {
			continue
		}
		state := listener.incoming[i].State()
		if state > StateEstablished || state.IsClosed() {
			// Something went wrong in handshake or pool aborted/closed the connection.
			listener.table.Remove(listener.connKeyFor(listener.incoming[i]))
			listener.poolReturn(listener.incoming[i])
			listener.incoming[i] = nil
		}
	}
	listener.incoming = internal.DeleteZeroed(listener.incoming)
}

func (listener *Listener) maintainConn(conns []*Conn, conn *Conn, err error) error {
	if err == net.ErrClosed {
		listener.table.Remove(listener.connKeyFor(conn))
		listener.poolReturn(conn)
		for i, c := range conns {
			if c == conn {
				conns[i] = nil
				break
			}
		}
		return nil // avoid closing listener entirely.
	}
	return err
}
