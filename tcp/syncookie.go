package tcp

import "encoding/binary"

// synCookieMSSTable and synCookieWSTable are sorted common-value tables: the
// cookie carries a floor-matched index into each table rather than the raw
// value, per spec §4.6. Index synCookieNoWindowScale in the WS table is
// reserved to mean "peer did not send a window-scale option" rather than a
// valid shift of zero.
var synCookieMSSTable = [8]uint16{216, 536, 1220, 1380, 1460, 2048, 4096, 8960}
var synCookieWSTable = [7]uint8{0, 1, 2, 3, 4, 7, 14}

const synCookieNoWindowScale = 0b111

// encodeMSSIndex returns the largest table index whose value is <= mss, or 0
// if mss is smaller than every table entry.
func encodeMSSIndex(mss uint16) uint8 {
	idx := uint8(0)
	for i, v := range synCookieMSSTable {
		if v <= mss {
			idx = uint8(i)
		} else {
			break
		}
	}
	return idx
}

func decodeMSSIndex(idx uint8) uint16 {
	return synCookieMSSTable[idx&0x7]
}

// encodeWSIndex floor-matches shift into synCookieWSTable, or returns the
// reserved "no window-scale option" sentinel if present is false.
func encodeWSIndex(shift uint8, present bool) uint8 {
	if !present {
		return synCookieNoWindowScale
	}
	idx := uint8(0)
	for i, v := range synCookieWSTable {
		if v <= shift {
			idx = uint8(i)
		} else {
			break
		}
	}
	return idx
}

func decodeWSIndex(idx uint8) (shift uint8, present bool) {
	if idx == synCookieNoWindowScale {
		return 0, false
	}
	return synCookieWSTable[idx], true
}

// SYN-cookie bit layout, MSB to LSB within the 32-bit ISS:
//
//	| epoch(5) | mssIdx(3) | wsIdx(3) | flags(2) | hash(19) |
const (
	cookieHashBits  = 19
	cookieFlagBits  = 2
	cookieWSBits    = 3
	cookieMSSBits   = 3
	cookieEpochBits = 5

	cookieHashShift  = 0
	cookieFlagShift  = cookieHashShift + cookieHashBits
	cookieWSShift    = cookieFlagShift + cookieFlagBits
	cookieMSSShift   = cookieWSShift + cookieWSBits
	cookieEpochShift = cookieMSSShift + cookieMSSBits

	cookieHashMask  = 1<<cookieHashBits - 1
	cookieFlagMask  = 1<<cookieFlagBits - 1
	cookieWSMask    = 1<<cookieWSBits - 1
	cookieMSSMask   = 1<<cookieMSSBits - 1
	cookieEpochMask = 1<<cookieEpochBits - 1

	cookieFlagSACK = 1 << 0
	cookieFlagECN  = 1 << 1
)

// synCookieMaxEpochAge bounds how many epochs in the past a cookie may have
// been minted and still validate; stale cookies beyond this are rejected.
const synCookieMaxEpochAge = 2

// ParsedSynCookie is the exhaustive set of handshake parameters recovered
// from a validated SYN cookie, reconstructing the half-open connection
// state a stateful listener would otherwise have kept around.
type ParsedSynCookie struct {
	IRS           Value
	ISS           Value
	TheirMSS      uint16
	TheirWS       uint8
	HasWS         bool
	SACKPermitted bool
	ECNSupported  bool
}

// SYNCookieJar mints and validates SYN cookies without keeping any
// per-half-open-connection state: everything needed to rebuild the
// connection is encoded in the ISS itself and rederived from a rotating key
// schedule on the returning ACK. See spec §4.6.
type SYNCookieJar struct {
	keys  *SynKeys
	epoch uint8
}

// Reset installs the key schedule used to mint and validate cookies and
// resets the rotating epoch counter to zero.
func (sc *SYNCookieJar) Reset(keys *SynKeys) {
	sc.keys = keys
	sc.epoch = 0
}

// Tick advances the rotating epoch counter. The engine's tick handler calls
// this roughly every 64 seconds (spec §4.6); the counter wraps at 5 bits.
func (sc *SYNCookieJar) Tick() {
	sc.epoch = (sc.epoch + 1) & cookieEpochMask
}

// Epoch returns the current rotating epoch value.
func (sc *SYNCookieJar) Epoch() uint8 { return sc.epoch & cookieEpochMask }

func (sc *SYNCookieJar) cookieInput(remoteAddr, localAddr []byte, remotePort, localPort uint16, irs Value, epoch uint8) []byte {
	buf := make([]byte, 0, len(remoteAddr)+len(localAddr)+9)
	buf = append(buf, remoteAddr...)
	buf = append(buf, localAddr...)
	buf = binary.BigEndian.AppendUint16(buf, remotePort)
	buf = binary.BigEndian.AppendUint16(buf, localPort)
	buf = binary.BigEndian.AppendUint32(buf, uint32(irs))
	buf = append(buf, epoch)
	return buf
}

// MakeCookie mints the ISS to use in a SYN-ACK reply, encoding mss/wsShift
// (floor-matched into the sorted tables above), SACK-permitted, and
// ECN-supported into the cookie together with a keyed hash of the
// connection tuple, irs and current epoch.
func (sc *SYNCookieJar) MakeCookie(remoteAddr, localAddr []byte, remotePort, localPort uint16, irs Value, mss uint16, wsShift uint8, hasWS, sackPermitted, ecnSupported bool) Value {
	epoch := sc.Epoch()
	mssIdx := encodeMSSIndex(mss)
	wsIdx := encodeWSIndex(wsShift, hasWS)
	var flags uint32
	if sackPermitted {
		flags |= cookieFlagSACK
	}
	if ecnSupported {
		flags |= cookieFlagECN
	}
	input := sc.cookieInput(remoteAddr, localAddr, remotePort, localPort, irs, epoch)
	hash := sc.keys.Sum64(epoch, input) & cookieHashMask
	cookie := uint32(epoch&cookieEpochMask)<<cookieEpochShift |
		uint32(mssIdx&cookieMSSMask)<<cookieMSSShift |
		uint32(wsIdx&cookieWSMask)<<cookieWSShift |
		flags<<cookieFlagShift |
		uint32(hash)<<cookieHashShift
	return Value(cookie)
}

// Validate decodes and authenticates a returning ACK's cookie (ackNum-1,
// which is the ISS minted by MakeCookie). irs is the client's original ISN
// from the SYN, recovered as ackNum of the returning ACK is unrelated to it
// and must be tracked by the caller from the initial SYN segment. Cookies
// minted more than synCookieMaxEpochAge epochs ago are rejected as stale.
func (sc *SYNCookieJar) Validate(remoteAddr, localAddr []byte, remotePort, localPort uint16, irs Value, cookie Value) (ParsedSynCookie, error) {
	raw := uint32(cookie)
	epoch := uint8(raw>>cookieEpochShift) & cookieEpochMask
	mssIdx := uint8(raw>>cookieMSSShift) & cookieMSSMask
	wsIdx := uint8(raw>>cookieWSShift) & cookieWSMask
	flags := uint8(raw>>cookieFlagShift) & cookieFlagMask
	hash := uint64(raw>>cookieHashShift) & cookieHashMask

	for age := uint8(0); age <= synCookieMaxEpochAge; age++ {
		candidate := (sc.Epoch() - age) & cookieEpochMask
		if candidate != epoch {
			continue
		}
		input := sc.cookieInput(remoteAddr, localAddr, remotePort, localPort, irs, epoch)
		expected := sc.keys.Sum64(epoch, input) & cookieHashMask
		if expected != hash {
			return ParsedSynCookie{}, errInvalidCookie
		}
		mss := decodeMSSIndex(mssIdx)
		ws, hasWS := decodeWSIndex(wsIdx)
		return ParsedSynCookie{
			IRS:           irs,
			ISS:           cookie,
			TheirMSS:      mss,
			TheirWS:       ws,
			HasWS:         hasWS,
			SACKPermitted: flags&cookieFlagSACK != 0,
			ECNSupported:  flags&cookieFlagECN != 0,
		}, nil
	}
	return ParsedSynCookie{}, errStaleCookie
}
