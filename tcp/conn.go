package tcp

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/soypat/lneto"
	"github.com/soypat/lneto/internal"
)

var (
	errDeadlineExceeded    = os.ErrDeadlineExceeded
	errNoRemoteAddr        = errors.New("tcp: no remote address established")
	errInvalidIP           = errors.New("tcp: invalid IP")
	errMismatchedIPVersion = errors.New("mismatched IP version")
	errUserTimeout         = errors.New("tcp: user timeout exceeded")
)

// Default alarm horizons (spec §4.7), expressed in Ticks so callers choose
// what a Tick means (a common choice is one Tick per millisecond).
const (
	defaultKeepaliveIdle TickDuration = 2 * 60 * 60 * 1000 // 2h, RFC 1122 §4.2.3.6's suggested floor.
	defaultLinger        TickDuration = 2 * 60 * 1000      // 2*MSL approximation (2 minutes).
	alarmWheelBuckets                 = 4096
)

// Conn builds on the [Handler] abstraction and adds IP header knowledge, time management, and familiar user facing API
// like Write and Read methods.
//
// Note that the complete emulation of [net.TCPConn] at this level of abstraction is yet a non-goal,
// even though the functionality provided is similar.
type Conn struct {
	mu         sync.Mutex
	h          Handler
	remoteAddr []byte

	rdead    time.Time
	wdead    time.Time
	abortErr error
	logger

	ipID uint16

	// Alarm wheel and per-kind handles driving spec §4.7's timers: this is
	// where "time management" (the type's own doc comment) actually lives,
	// one tick at a time via [Conn.Tick].
	nowTick         Tick
	alarms          AlarmWheel
	alarmEvBuf      []AlarmEvent
	retransmitAlarm alarmHandle
	keepaliveAlarm  alarmHandle
	userTimerAlarm  alarmHandle
	lingerAlarm     alarmHandle
	keepaliveDue    bool
	keepaliveIdle   TickDuration // 0 disables the keepalive alarm.
	userTimeout     TickDuration // 0 disables the user-timeout alarm.
	lingerDuration  TickDuration

	// congestionSink is the owning [Listener]'s (or dialer's) recentConnData
	// cache, primed on accept and fed back on linger-expiry (spec §C). Nil
	// disables the feature entirely, which is the default for a bare Conn.
	congestionSink *recentConnData

	// metrics, if non-nil, is the owning [Listener]'s (or dialer's)
	// [Metrics] collector; every observation is a plain counter increment
	// off the decision path (SPEC_FULL.md §B).
	metrics *Metrics
}

// SetMetrics installs (or, with nil, disables) the [Metrics] collector this
// connection reports segment counts, retransmits and fast-recovery entries
// into.
func (conn *Conn) SetMetrics(m *Metrics) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.metrics = m
}

// reset must be called while holding [Conn.mu].
func (conn *Conn) reset(h Handler) {
	// Reset fields individually - DO NOT copy the mutex (undefined behavior in Go).
	// "A Mutex must not be copied after first use." - sync package docs.
	// Copying a locked mutex causes corruption on multi-core systems.
	conn.h = h
	conn.remoteAddr = conn.remoteAddr[:0]
	conn.rdead = time.Time{}
	conn.wdead = time.Time{}
	conn.abortErr = nil
	conn.ipID = 0
	if conn.alarms.buckets == nil {
		conn.alarms = *NewAlarmWheel(alarmWheelBuckets)
	} else {
		conn.alarms.Cancel(conn.retransmitAlarm)
		conn.alarms.Cancel(conn.keepaliveAlarm)
		conn.alarms.Cancel(conn.userTimerAlarm)
		conn.alarms.Cancel(conn.lingerAlarm)
	}
	conn.retransmitAlarm = alarmHandle{}
	conn.keepaliveAlarm = alarmHandle{}
	conn.userTimerAlarm = alarmHandle{}
	conn.lingerAlarm = alarmHandle{}
	conn.keepaliveDue = false
	if conn.lingerDuration == 0 {
		conn.lingerDuration = defaultLinger
	}
	conn.congestionSink = nil
}

// RequestECN marks the connection's upcoming handshake as ECN-setup
// capable (spec §C, RFC 3168 §6.1.1). Call before OpenActive/OpenListen.
func (conn *Conn) RequestECN() {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.h.RequestECN()
}

// ECNEnabled reports whether this connection's handshake completed
// ECN-setup negotiation.
func (conn *Conn) ECNEnabled() bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.ECNEnabled()
}

// SetRecentConnData installs the recentConnData cache this connection primes
// its congestion window from on dial, and records its converged ssthresh
// into on close (spec §C). OpenActive keeps an installed sink and primes from
// it; OpenListen and AcceptFromCookie replace it (OpenListen with nil), and a
// connection accepted through OpenListen's handshake is never primed. A nil
// sink (the default) disables the feature.
func (conn *Conn) SetRecentConnData(sink *recentConnData) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.congestionSink = sink
}

// remoteIPAddr converts the raw remoteAddr bytes set by OpenActive or
// AcceptFromCookie back into a [netip.Addr], the key recentConnData indexes
// by. Must be called while holding [Conn.mu].
func (conn *Conn) remoteIPAddr() (netip.Addr, bool) {
	switch len(conn.remoteAddr) {
	case 4:
		var b [4]byte
		copy(b[:], conn.remoteAddr)
		return netip.AddrFrom4(b), true
	case 16:
		var b [16]byte
		copy(b[:], conn.remoteAddr)
		return netip.AddrFrom16(b), true
	default:
		return netip.Addr{}, false
	}
}

// SetKeepaliveIdle configures the idle period (spec §4.7's KeepAlive alarm)
// after which an established connection gets probed. The alarm is re-armed
// each time it fires; traffic on the connection does not restart it. Zero
// disables keepalive probing (the default).
func (conn *Conn) SetKeepaliveIdle(d TickDuration) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.keepaliveIdle = d
}

// SetUserTimeout configures the SO_TCP_USER_TIMEOUT-style alarm (spec §4.7,
// RFC 5482): the connection aborts if data sent remains unacked for longer
// than d. Zero disables the alarm (the default).
func (conn *Conn) SetUserTimeout(d TickDuration) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.userTimeout = d
}

// SetLinger configures how long a connection lingers in StateTimeWait
// before the Linger alarm reclaims it (spec §8.4). Defaults to
// defaultLinger.
func (conn *Conn) SetLinger(d TickDuration) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.lingerDuration = d
}

// SetMD5Key configures (or, with key==nil, clears) this connection's RFC2385
// MD5 signature key. Forwards to the underlying [Handler]; see
// [Handler.SetMD5Key].
func (conn *Conn) SetMD5Key(key []byte) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.h.SetMD5Key(key)
}

// Tick advances the connection's notion of time, firing and re-arming the
// alarm wheel's Retransmit/ZWP, KeepAlive, UserTimeOut and Linger alarms
// (spec §4.7). Callers in a poll loop invoke this once per iteration ahead
// of Demux/Encapsulate, which read the stamped now via h.Send/h.Recv.
func (conn *Conn) Tick(now Tick) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.nowTick = now
	conn.alarmEvBuf = conn.alarms.Advance(now, conn.alarmEvBuf[:0])
	for _, ev := range conn.alarmEvBuf {
		switch ev.Kind {
		case AlarmRetransmit:
			conn.retransmitAlarm = alarmHandle{}
			conn.h.OnRTOTimeout()
			if conn.metrics != nil {
				conn.metrics.observeRetransmit()
			}
			conn.trace("conn:alarm-retransmit", slog.Uint64("rto", uint64(conn.h.RTO())))
		case AlarmKeepAlive:
			conn.keepaliveAlarm = alarmHandle{}
			conn.keepaliveDue = true
			conn.trace("conn:alarm-keepalive")
		case AlarmUserTimeout:
			conn.userTimerAlarm = alarmHandle{}
			conn.abortErr = errUserTimeout
			conn.h.Abort()
			conn.trace("conn:alarm-usertimeout")
		case AlarmLinger:
			conn.lingerAlarm = alarmHandle{}
			if conn.congestionSink != nil {
				if addr, ok := conn.remoteIPAddr(); ok {
					conn.congestionSink.Record(addr, conn.h.CongestionSsthresh(), now)
				}
			}
			conn.h.ExpireTimeWait()
			conn.trace("conn:alarm-linger")
		}
	}
	conn.rearmAlarms(now)
}

// rearmAlarms must be called while holding [Conn.mu].
func (conn *Conn) rearmAlarms(now Tick) {
	state := conn.h.State()
	inFlight := conn.h.InFlight()
	switch {
	case inFlight > 0 && !conn.alarms.Armed(conn.retransmitAlarm):
		conn.retransmitAlarm = conn.alarms.Schedule(AlarmRetransmit, 0, now+conn.h.RTO())
	case inFlight == 0 && conn.alarms.Armed(conn.retransmitAlarm):
		conn.alarms.Cancel(conn.retransmitAlarm)
		conn.retransmitAlarm = alarmHandle{}
	}
	switch {
	case conn.userTimeout > 0 && inFlight > 0 && !conn.alarms.Armed(conn.userTimerAlarm):
		conn.userTimerAlarm = conn.alarms.Schedule(AlarmUserTimeout, 0, now+Tick(conn.userTimeout))
	case (conn.userTimeout == 0 || inFlight == 0) && conn.alarms.Armed(conn.userTimerAlarm):
		conn.alarms.Cancel(conn.userTimerAlarm)
		conn.userTimerAlarm = alarmHandle{}
	}
	if conn.keepaliveIdle > 0 && state == StateEstablished && !conn.alarms.Armed(conn.keepaliveAlarm) {
		conn.keepaliveAlarm = conn.alarms.Schedule(AlarmKeepAlive, 0, now+Tick(conn.keepaliveIdle))
	}
	if state == StateTimeWait && !conn.alarms.Armed(conn.lingerAlarm) {
		conn.lingerAlarm = conn.alarms.Schedule(AlarmLinger, 0, now+Tick(conn.lingerDuration))
	}
}

type ConnConfig struct {
	RxBuf             []byte
	TxBuf             []byte
	TxPacketQueueSize int
	Logger            *slog.Logger
}

func (conn *Conn) Configure(config ConnConfig) (err error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	err = conn.h.SetBuffers(config.TxBuf, config.RxBuf, config.TxPacketQueueSize)
	if err != nil {
		return err
	}
	conn.logger.log = config.Logger
	return nil
}

// LocalPort returns the local port on which the socket is listening or connected to.
func (conn *Conn) LocalPort() uint16 {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.LocalPort()
}

// RemotePort returns the port of the incoming remote connection. Is non-zero if connection is established.
func (conn *Conn) RemotePort() uint16 {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.RemotePort()
}

func (conn *Conn) RemoteAddr() []byte {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.remoteAddr
}

// State returns the TCP state of the socket.
func (conn *Conn) State() State {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.State()
}

// BufferedInput returns the number of bytes in the socket's receive(input) buffer
// and available to read via a [Conn.Read] call.
func (conn *Conn) BufferedInput() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.BufferedInput()
}

// BufferedUnsent returns the number of bytes in the socket's transmit(output) buffer
// that has yet to be sent.
func (conn *Conn) BufferedUnsent() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.BufferedUnsent()
}

func (conn *Conn) AvailableInput() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.FreeRx()
}

// AvailableOutput returns amount of bytes available to write to output
// before [Conn.Write] returns an error due to insufficient space to store outgoing data.
func (conn *Conn) AvailableOutput() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.AvailableOutput()
}

// OpenActive opens a connection to a remote peer with a known IP address and port combination.
// iss is the initial send sequence number which is ideally a random number which is far away from the last sequence number used on a connection to the same host.
func (conn *Conn) OpenActive(localPort uint16, remote netip.AddrPort, iss Value) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !remote.IsValid() {
		return errInvalidIP
	}
	rport := remote.Port()
	err := conn.h.OpenActive(localPort, rport, iss)
	if err != nil {
		return err
	}
	sink := conn.congestionSink
	conn.reset(conn.h)
	conn.congestionSink = sink
	raddr := remote.Addr()
	if raddr.Is4() {
		addr4 := raddr.As4()
		conn.remoteAddr = append(conn.remoteAddr[:0], addr4[:]...)
	} else if raddr.Is6() {
		addr6 := raddr.As16()
		conn.remoteAddr = append(conn.remoteAddr[:0], addr6[:]...)
	}
	if sink != nil {
		if addr, ok := conn.remoteIPAddr(); ok {
			if entry, ok := sink.Lookup(addr, conn.nowTick); ok {
				conn.h.scb.PrimeCongestion(entry)
			}
		}
	}
	conn.debug("conn:dial", slog.Uint64("lport", uint64(localPort)), slog.Uint64("rport", uint64(rport)))
	return nil
}

// OpenListen opens a passive connection which listens for the first SYN packet to be received on a local port.
// iss is the initial send sequence number which is usually a randomly chosen number.
func (conn *Conn) OpenListen(localPort uint16, iss Value) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	err := conn.h.OpenListen(localPort, iss)
	if err != nil {
		return err
	}
	conn.reset(conn.h)
	conn.debug("conn:listen", slog.Uint64("lport", uint64(localPort)))
	return nil
}

// AcceptFromCookie materializes the connection directly in StateEstablished
// from a validated SYN cookie (spec §4.6), setting remoteAddr so subsequent
// Demux/Encapsulate calls route correctly, without ever going through
// OpenListen's half-open handshake states. recentData, if non-nil, primes the
// congestion window from a cached ssthresh for this remote host and becomes
// the sink this connection records into when it later enters TIME-WAIT.
func (conn *Conn) AcceptFromCookie(localPort uint16, remoteAddr []byte, remotePort uint16, remoteWND Size, parsed ParsedSynCookie, recentData *recentConnData) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	err := conn.h.AcceptFromCookie(localPort, remotePort, remoteWND, parsed)
	if err != nil {
		return err
	}
	conn.reset(conn.h)
	conn.remoteAddr = append(conn.remoteAddr[:0], remoteAddr...)
	conn.congestionSink = recentData
	if recentData != nil {
		if addr, ok := conn.remoteIPAddr(); ok {
			if entry, ok := recentData.Lookup(addr, conn.nowTick); ok {
				conn.h.scb.PrimeCongestion(entry)
			}
		}
	}
	conn.debug("conn:accept-from-cookie", slog.Uint64("lport", uint64(localPort)), slog.Uint64("rport", uint64(remotePort)))
	return nil
}

func (conn *Conn) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.trace("TCPConn.Close", slog.Uint64("lport", uint64(conn.h.localPort)), slog.Uint64("rport", uint64(conn.h.remotePort)))
	return conn.h.Close()
}

// Abort terminates all state of the connection forcibly.
func (conn *Conn) Abort() {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.trace("TCPConn.Abort", slog.Uint64("lport", uint64(conn.h.localPort)), slog.Uint64("rport", uint64(conn.h.remotePort)))
	conn.h.Abort()
	conn.reset(conn.h)
}

// InternalHandler returns the internal [Handler] instance. The Handler contains lower level implementation logic for a TCP connection.
// Typical users should not be using this method unless implementing a stack which manages several TCP connections and thus need
// access to low level internals for careful memory management.
func (conn *Conn) InternalHandler() *Handler {
	return &conn.h
}

// Write writes argument data to the TCPConns's output buffer which is queued to be sent.
func (conn *Conn) Write(b []byte) (int, error) {
	connid, err := conn.lockPipeConnID()
	if err != nil {
		return 0, err
	}
	rport := conn.RemotePort()
	plen := len(b)
	lport := conn.LocalPort()
	conn.trace("TCPConn.Write:start", slog.Uint64("lport", uint64(lport)), slog.Uint64("rport", uint64(rport)))
	if conn.deadlineExceeded(&conn.wdead) {
		return 0, errDeadlineExceeded
	} else if plen == 0 {
		return 0, nil
	}
	backoff := internal.NewBackoff(internal.BackoffTCPConn)
	n := 0
	for {
		if err := conn.checkPipe(connid, &conn.wdead); err != nil {
			return 0, err
		}
		conn.mu.Lock()
		var ngot int
		ngot, err = conn.h.Write(b)
		conn.mu.Unlock()
		n += ngot
		b = b[ngot:]
		if (err != nil && err != internal.ErrRingBufferFull) || n == plen {
			break
		} else if ngot > 0 {
			backoff.Hit()
			runtime.Gosched() // Do a little yield since we won't have data for sure otherwise.
		} else {
			backoff.Miss()
		}
		conn.trace("TCPConn.Write:insuf-buf", slog.Int("missing", plen-n), slog.Uint64("lport", uint64(lport)), slog.Uint64("rport", uint64(rport)))
		if conn.deadlineExceeded(&conn.wdead) {
			return n, errDeadlineExceeded
		}
	}
	return n, err
}

func (conn *Conn) Flush() error {
	connid, err := conn.lockPipeConnID()
	if err != nil {
		return err
	}
	if conn.deadlineExceeded(&conn.wdead) {
		return errDeadlineExceeded
	} else if conn.BufferedUnsent() == 0 {
		return nil
	}
	backoff := internal.NewBackoff(internal.BackoffTCPConn)
	for conn.BufferedUnsent() != 0 {
		if err := conn.checkPipe(connid, &conn.wdead); err != nil {
			return err
		}
		backoff.Miss()
	}
	return nil
}

// Read reads data from the socket's input buffer. If the buffer is empty,
// Read will block until data is available or connection closes.
// Returns io.EOF when the remote has closed the connection and all buffered data has been read.
func (conn *Conn) Read(b []byte) (int, error) {
	connid, err := conn.lockPipeConnID()
	if err != nil {
		if conn.BufferedInput() > 0 {
			return conn.handlerRead(b) // Ensure remaining buffered data is read.
		}
		return 0, err
	}
	lport := conn.LocalPort()
	rport := conn.RemotePort()
	conn.trace("TCPConn.Read:start", slog.Uint64("lport", uint64(lport)), slog.Uint64("rport", uint64(rport)))
	backoff := internal.NewBackoff(internal.BackoffTCPConn)
	for conn.BufferedInput() == 0 {
		state := conn.State()
		if !state.RxDataOpen() {
			// No use waiting for data, jump to read and return corresponding error from there.
			break
		} else if err := conn.checkPipe(connid, &conn.rdead); err != nil {
			if conn.BufferedInput() > 0 {
				return conn.handlerRead(b) // Ensure remaining buffered data is read.
			}
			return 0, err
		}
		backoff.Miss()
	}
	return conn.handlerRead(b)
}

func (conn *Conn) handlerRead(b []byte) (int, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.Read(b)
}

func (conn *Conn) lockPipeConnID() (uint64, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	err := conn.checkPipeOpen()
	if err != nil {
		return 0, err
	}
	return conn.h.connid, nil
}

func (conn *Conn) checkPipe(connID uint64, deadline *time.Time) (err error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.abortErr != nil {
		err = conn.abortErr
	} else if connID != conn.h.connid {
		err = net.ErrClosed
	} else if !deadline.IsZero() && time.Since(*deadline) > 0 {
		err = errDeadlineExceeded
	}
	return err
}

func (conn *Conn) checkPipeOpen() error {
	if conn.abortErr != nil {
		return conn.abortErr
	}
	state := conn.h.State()
	if state.IsClosed() {
		return net.ErrClosed
	}
	return nil
}

func (conn *Conn) Demux(buf []byte, off int) (err error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if off >= len(buf) {
		return errors.New("bad offset in TCPConn.Recv")
	}
	raddr, _, id, _, err := internal.GetIPAddr(buf[:off])
	if err != nil {
		return err
	}
	if conn.isRaddrSet() && !bytes.Equal(conn.remoteAddr, raddr) {
		return errors.New("IP addr mismatch on TCPConn")
	}
	conn.trace("tcpconn.Recv", slog.Uint64("lport", uint64(conn.h.LocalPort())), slog.Uint64("rport", uint64(conn.h.remotePort)))
	wasRecovering := conn.h.InFastRecovery()
	err = conn.h.Recv(buf[off:], conn.nowTick)
	if conn.metrics != nil {
		conn.metrics.observeSegIn()
		if !wasRecovering && conn.h.InFastRecovery() {
			conn.metrics.observeFastRecovery()
		}
		if rej, ok := err.(*RejectError); ok {
			conn.metrics.observeDrop(rej.Kind())
		}
	}
	if err != nil {
		return err
	}
	if !conn.isRaddrSet() && conn.h.RemotePort() != 0 {
		conn.remoteAddr = append(conn.remoteAddr[:0], raddr...)
		conn.ipID = ^(id - 1)
	}
	return nil
}

func (conn *Conn) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (n int, err error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.remoteAddr) == 0 {
		return 0, errNoRemoteAddr
	}
	if offsetToIP < 0 {
		return 0, errNoRemoteAddr // No IP layer present.
	}
	ipFrame := carrierData[offsetToIP:offsetToFrame]
	raddr, _, _, _, err := internal.GetIPAddr(ipFrame)
	if err != nil {
		return 0, err
	} else if len(raddr) != len(conn.remoteAddr) {
		return 0, errMismatchedIPVersion
	}
	if conn.keepaliveDue {
		n, err = conn.h.sendKeepalive(carrierData[offsetToFrame:])
		conn.keepaliveDue = false
	} else {
		n, err = conn.h.Send(carrierData[offsetToFrame:], conn.nowTick)
	}
	if err != nil || n == 0 {
		return 0, err
	}
	if conn.metrics != nil {
		conn.metrics.observeSegOut()
	}
	conn.trace("TCPConn.encaps", slog.Uint64("lport", uint64(conn.h.LocalPort())), slog.Uint64("rport", uint64(conn.h.remotePort)))
	err = internal.SetIPAddrs(ipFrame, conn.ipID, nil, conn.remoteAddr)
	if err != nil {
		return 0, err
	}
	conn.ipID++
	srcAddr, dstAddr, _, _, err := internal.GetIPAddr(ipFrame)
	if err == nil {
		segFrame, ferr := NewFrame(carrierData[offsetToFrame : offsetToFrame+n])
		if ferr == nil {
			segFrame.SetCRC(0)
			segFrame.SetCRC(segFrame.CalculateChecksum(srcAddr, dstAddr))
		}
	}
	return n, nil
}

func (conn *Conn) Protocol() uint64 {
	return uint64(lneto.IPProtoTCP)
}

func (conn *Conn) isRaddrSet() bool {
	return len(conn.remoteAddr) != 0
}

// SetDeadline sets the read and write deadlines associated
// with the connection. It is equivalent to calling both
// SetReadDeadline and SetWriteDeadline. Implements [net.Conn].
func (conn *Conn) SetDeadline(t time.Time) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	err := conn.setReadDeadline(t)
	if err != nil {
		return err
	}
	return conn.setWriteDeadline(t)
}

// SetReadDeadline sets the deadline for future Read calls
// and any currently-blocked Read call. A zero value for t means Read will not time out.
func (conn *Conn) SetReadDeadline(t time.Time) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.setReadDeadline(t)
}

func (conn *Conn) setReadDeadline(t time.Time) error {
	conn.trace("TCPConn.setReadDeadline:start")
	err := conn.checkPipeOpen()
	if err == nil {
		conn.rdead = t
	}
	return err
}

// SetWriteDeadline sets the deadline for future Write calls
// and any currently-blocked Write call.
// Even if write times out, it may return n > 0, indicating that
// some of the data was successfully written.
// A zero value for t means Write will not time out.
func (conn *Conn) SetWriteDeadline(t time.Time) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.setWriteDeadline(t)
}

func (conn *Conn) setWriteDeadline(t time.Time) error {
	conn.trace("TCPConn.SetWriteDeadline:start")
	err := conn.checkPipeOpen()
	if err == nil {
		conn.wdead = t
	}
	return err
}

func (conn *Conn) deadlineExceeded(deadline *time.Time) bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return !deadline.IsZero() && time.Since(*deadline) > 0
}

func (conn *Conn) ConnectionID() *uint64 {
	return conn.h.ConnectionID()
}
