package tcp

import (
	"encoding/binary"
	"strings"

	"github.com/soypat/lneto"
)

type OptionKind uint8

const (
	OptEnd                   OptionKind = iota // end of option list
	OptNop                                     // no-operation
	OptMaxSegmentSize                          // maximum segment size
	OptWindowScale                             // window scale
	OptSACKPermitted                           // SACK permitted
	OptSACK                                    // SACK
	OptEcho                                    // echo(obsolete)
	optEchoReply                               // echo reply(obsolete)
	OptTimestamps                              // timestamps
	optPOCP                                    // partial order connection permitted(obsolete)
	optPOSP                                    // partial order service profile(obsolete)
	optCC                                      // CC(obsolete)
	optCCnew                                   // CC.new(obsolete)
	optCCecho                                  // CC.echo(obsolete)
	optACR                                     // alternate checksum request(obsolete)
	optACD                                     // alternate checksum data(obsolete)
	optSkeeter                                 // skeeter
	optBubba                                   // bubba
	OptTrailerChecksum                         // trailer checksum
	optMD5Signature                            // MD5 signature(RFC2385)
	OptSCPSCapabilities                        // SCPS capabilities
	OptSNA                                     // selective negative acks
	OptRecordBoundaries                        // record boundaries
	OptCorruptionExperienced                   // corruption experienced
	OptSNAP                                    // SNAP
	OptUnassigned                              // unassigned
	OptCompressionFilter                       // compression filter
	OptQuickStartResponse                      // quick-start response
	OptUserTimeout                             // user timeout or unauthorized use
	OptAuthetication                           // Authentication TCP-AO
	OptMultipath                               // multipath TCP
)

const (
	OptFastOpenCookie        OptionKind = 34  // fast open cookie
	OptEncryptionNegotiation OptionKind = 69  // encryption negotiation
	OptAccurateECN0          OptionKind = 172 // accurate ECN order 0
	OptAccurateECN1          OptionKind = 174 // accurate ECN order 1
)

// IsObsolete returns true if option considered obsolete by newer TCP specifications.
func (kind OptionKind) IsObsolete() bool {
	if kind.IsDefined() {
		return strings.HasSuffix(kind.String(), "(obsolete)")
	}
	return false
}

// IsDefined returns true if the option is a known unreserved option kind.
func (kind OptionKind) IsDefined() bool {
	return kind <= 30 || kind == 34 || kind == 69 || kind == 172 || kind == 174
}

type OptionCodec struct {
	Flags OptionFlags
}

type OptionFlags uint8

const (
	OptFlagSkipSizeValidation OptionFlags = 1 << iota
	OptFlagSkipObsolete
)

func (flags OptionFlags) HasAny(ofTheseFlags OptionFlags) bool {
	return flags&ofTheseFlags != 0
}

func (op OptionCodec) PutOption16(dst []byte, kind OptionKind, v uint16) (int, error) {
	return op.PutOption(dst, kind, byte(v>>8), byte(v))
}

func (op OptionCodec) PutOption32(dst []byte, kind OptionKind, v uint32) (int, error) {
	return op.PutOption(dst, kind, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (op OptionCodec) PutOption(dst []byte, kind OptionKind, data ...byte) (int, error) {
	putSize := 2 + len(data)
	if len(dst) < putSize {
		return -1, lneto.ErrShortBuffer
	} else if putSize > 255 {
		return -1, lneto.ErrInvalidLengthField
	} else if kind == OptNop || kind == OptEnd {
		return -1, lneto.ErrInvalidField
	}
	dst[0] = byte(kind)
	dst[1] = byte(putSize)
	copy(dst[2:], data)
	return putSize, nil
}

func (op OptionCodec) ForEachOption(opts []byte, fn func(OptionKind, []byte) error) error {
	off := 0
	skipSizeValidation := op.Flags.HasAny(OptFlagSkipSizeValidation)
	skipObsolete := op.Flags.HasAny(OptFlagSkipObsolete)
	for off < len(opts) && opts[off] != 0 {
		kind := OptionKind(opts[off])
		off++
		if kind == OptNop {
			continue
		}
		if len(opts[off:]) < 1 {
			return lneto.ErrShortBuffer
		}
		size := int(opts[off]) // Total option length including kind and length bytes.
		off++
		dataLen := size - 2 // Data bytes after kind and length.
		if dataLen < 0 || len(opts[off:]) < dataLen {
			return lneto.ErrShortBuffer
		}

		if !skipSizeValidation {
			expectSize := -1
			switch kind {
			case OptTimestamps:
				expectSize = 10
			case OptMaxSegmentSize, OptUserTimeout:
				expectSize = 4
			case OptWindowScale:
				expectSize = 3
			case OptSACKPermitted:
				expectSize = 2
			}
			if expectSize != -1 && size != expectSize {
				return lneto.ErrInvalidLengthField
			}
		}
		if !(skipObsolete && kind.IsObsolete()) {
			err := fn(kind, opts[off:off+dataLen])
			if err != nil {
				return err
			}
		}
		off += dataLen
	}
	return nil
}

// optionBitset is a 256-bit set indexed by OptionKind, used to detect a kind
// repeated in the same option region in O(1) per test/set per spec §4.2.
type optionBitset [4]uint64

func (b *optionBitset) test(k OptionKind) bool { return b[k>>6]&(1<<(k&63)) != 0 }
func (b *optionBitset) set(k OptionKind)       { b[k>>6] |= 1 << (k & 63) }

// SACKBlock is one left/right edge pair of a SACK option block (RFC 2018).
type SACKBlock struct {
	Left, Right Value
}

// Options is the fully parsed, duplicate-checked record of a segment's
// option region. Kinds absent from the segment keep their zero value; the
// Has* booleans disambiguate "absent" from "present with zero value".
type Options struct {
	MSS            uint16
	WindowScale    uint8
	HasWS          bool
	SACKPermitted  bool
	SACKBlocks     [4]SACKBlock
	NumSACK        uint8
	TSVal, TSEcr   uint32
	HasTimestamps  bool
	UserTimeout    uint32
	HasUserTimeout bool
	MD5Digest      [16]byte
	HasMD5         bool
}

// ParseOptions performs the single linear pass over a segment's option
// region described in spec §4.2: each kind may appear at most once
// (duplicates are a parse error detected via the 256-bit bitset), unknown
// kinds are skipped using their length byte, and TCP-AO (kind 29) is
// rejected distinctly from a generic malformed-option error since it is
// reserved but unimplemented.
func ParseOptions(opts []byte) (Options, error) {
	var o Options
	var seen optionBitset
	off := 0
	for off < len(opts) && opts[off] != byte(OptEnd) {
		kind := OptionKind(opts[off])
		if kind == OptNop {
			off++
			continue
		}
		if len(opts[off:]) < 2 {
			return o, errTruncatedOption
		}
		size := int(opts[off+1])
		if size < 2 || len(opts[off:]) < size {
			return o, errTruncatedOption
		}
		data := opts[off+2 : off+size]
		if kind == OptAuthetication {
			return o, errUnsupportedOption
		}
		if seen.test(kind) {
			return o, errDuplicateOption
		}
		seen.set(kind)
		switch kind {
		case OptMaxSegmentSize:
			if len(data) != 2 {
				return o, errMalformedOption
			}
			o.MSS = binary.BigEndian.Uint16(data)
		case OptWindowScale:
			if len(data) != 1 {
				return o, errMalformedOption
			}
			shift := data[0]
			if shift > 14 {
				shift = 14 // RFC 7323 §2.2: shift count MUST NOT exceed 14.
			}
			o.WindowScale = shift
			o.HasWS = true
		case OptSACKPermitted:
			if len(data) != 0 {
				return o, errMalformedOption
			}
			o.SACKPermitted = true
		case OptSACK:
			if len(data) == 0 || len(data)%8 != 0 || len(data) > 32 {
				return o, errMalformedOption
			}
			n := len(data) / 8
			for i := 0; i < n; i++ {
				o.SACKBlocks[i] = SACKBlock{
					Left:  Value(binary.BigEndian.Uint32(data[i*8:])),
					Right: Value(binary.BigEndian.Uint32(data[i*8+4:])),
				}
			}
			o.NumSACK = uint8(n)
		case OptTimestamps:
			if len(data) != 8 {
				return o, errMalformedOption
			}
			o.TSVal = binary.BigEndian.Uint32(data[0:4])
			o.TSEcr = binary.BigEndian.Uint32(data[4:8])
			o.HasTimestamps = true
		case optMD5Signature:
			if len(data) != 16 {
				return o, errMalformedOption
			}
			copy(o.MD5Digest[:], data)
			o.HasMD5 = true
		case OptUserTimeout:
			if len(data) != 2 {
				return o, errMalformedOption
			}
			o.UserTimeout = uint32(binary.BigEndian.Uint16(data))
			o.HasUserTimeout = true
		}
		off += size
	}
	return o, nil
}
