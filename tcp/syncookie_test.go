package tcp

import "testing"

func newTestSynKeys(seed byte) *SynKeys {
	var root [32]byte
	for i := range root {
		root[i] = seed
	}
	return NewSynKeys(root, nil)
}

func TestSYNCookie_MakeValidate(t *testing.T) {
	var sc SYNCookieJar
	sc.Reset(newTestSynKeys(1))

	srcAddr := []byte{192, 168, 1, 100}
	dstAddr := []byte{10, 0, 0, 1}
	srcPort := uint16(54321)
	dstPort := uint16(80)
	irs := Value(0x12345678)

	iss := sc.MakeCookie(srcAddr, dstAddr, srcPort, dstPort, irs, 1380, 2, true, true, true)
	parsed, err := sc.Validate(srcAddr, dstAddr, srcPort, dstPort, irs, iss)
	if err != nil {
		t.Fatalf("expected valid cookie, got error: %v", err)
	}
	if parsed.IRS != irs {
		t.Errorf("IRS = %d, want %d", parsed.IRS, irs)
	}
	if parsed.ISS != iss {
		t.Errorf("ISS = %d, want %d", parsed.ISS, iss)
	}
	if !parsed.HasWS || parsed.TheirWS != 2 {
		t.Errorf("WS = (%d, %v), want (2, true)", parsed.TheirWS, parsed.HasWS)
	}
	if !parsed.SACKPermitted {
		t.Error("expected SACKPermitted")
	}
	if !parsed.ECNSupported {
		t.Error("expected ECNSupported")
	}
	// MSS is floor-matched into synCookieMSSTable, so 1380 round-trips exactly.
	if parsed.TheirMSS != 1380 {
		t.Errorf("MSS = %d, want 1380", parsed.TheirMSS)
	}
}

func TestSYNCookie_NoOptions(t *testing.T) {
	var sc SYNCookieJar
	sc.Reset(newTestSynKeys(2))

	srcAddr := []byte{192, 168, 1, 100}
	dstAddr := []byte{10, 0, 0, 1}
	irs := Value(7)

	iss := sc.MakeCookie(srcAddr, dstAddr, 1000, 2000, irs, 536, 0, false, false, false)
	parsed, err := sc.Validate(srcAddr, dstAddr, 1000, 2000, irs, iss)
	if err != nil {
		t.Fatalf("expected valid cookie, got error: %v", err)
	}
	if parsed.HasWS {
		t.Error("expected HasWS false when peer sent no window-scale option")
	}
	if parsed.SACKPermitted || parsed.ECNSupported {
		t.Error("expected SACKPermitted and ECNSupported both false")
	}
}

func TestSYNCookie_DifferentTuples(t *testing.T) {
	var sc SYNCookieJar
	sc.Reset(newTestSynKeys(3))

	srcAddr := []byte{192, 168, 1, 100}
	dstAddr := []byte{10, 0, 0, 1}
	srcPort := uint16(54321)
	dstPort := uint16(80)
	irs := Value(0x12345678)

	iss := sc.MakeCookie(srcAddr, dstAddr, srcPort, dstPort, irs, 1460, 2, true, false, false)

	wrongSrcAddr := []byte{192, 168, 1, 101}
	if _, err := sc.Validate(wrongSrcAddr, dstAddr, srcPort, dstPort, irs, iss); err == nil {
		t.Error("expected error for wrong source address")
	}
	if _, err := sc.Validate(srcAddr, dstAddr, srcPort+1, dstPort, irs, iss); err == nil {
		t.Error("expected error for wrong source port")
	}
	if _, err := sc.Validate(srcAddr, dstAddr, srcPort, dstPort, irs+1, iss); err == nil {
		t.Error("expected error for wrong irs")
	}
	if _, err := sc.Validate(srcAddr, dstAddr, srcPort, dstPort, irs, iss); err != nil {
		t.Errorf("expected success for correct tuple, got: %v", err)
	}
}

func TestSYNCookie_IPv6(t *testing.T) {
	var sc SYNCookieJar
	sc.Reset(newTestSynKeys(4))

	srcAddr := []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	dstAddr := []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2}
	irs := Value(0xDEADBEEF)

	iss := sc.MakeCookie(srcAddr, dstAddr, 54321, 443, irs, 1220, 0, false, true, false)
	parsed, err := sc.Validate(srcAddr, dstAddr, 54321, 443, irs, iss)
	if err != nil {
		t.Fatalf("expected valid IPv6 cookie, got error: %v", err)
	}
	if parsed.TheirMSS != 1220 {
		t.Errorf("MSS = %d, want 1220", parsed.TheirMSS)
	}
}

func TestSYNCookie_Deterministic(t *testing.T) {
	var sc SYNCookieJar
	sc.Reset(newTestSynKeys(5))

	srcAddr := []byte{192, 168, 1, 100}
	dstAddr := []byte{10, 0, 0, 1}
	irs := Value(0x12345678)

	iss1 := sc.MakeCookie(srcAddr, dstAddr, 54321, 80, irs, 1460, 2, true, true, true)
	iss2 := sc.MakeCookie(srcAddr, dstAddr, 54321, 80, irs, 1460, 2, true, true, true)
	if iss1 != iss2 {
		t.Errorf("expected deterministic cookies: %d != %d", iss1, iss2)
	}
}

func TestSYNCookie_EpochStale(t *testing.T) {
	var sc SYNCookieJar
	sc.Reset(newTestSynKeys(6))

	srcAddr := []byte{192, 168, 1, 100}
	dstAddr := []byte{10, 0, 0, 1}
	irs := Value(42)

	iss := sc.MakeCookie(srcAddr, dstAddr, 1, 2, irs, 1460, 2, true, false, false)
	for i := 0; i <= synCookieMaxEpochAge; i++ {
		sc.Tick()
	}
	// synCookieMaxEpochAge+1 ticks puts the minting epoch out of range.
	if _, err := sc.Validate(srcAddr, dstAddr, 1, 2, irs, iss); err == nil {
		t.Error("expected stale cookie to be rejected")
	}
}

func TestMSSIndexEncoding(t *testing.T) {
	tests := []struct {
		mss         uint16
		expectedIdx uint8
	}{
		{200, 0},
		{536, 1},
		{537, 1},
		{1220, 2},
		{1221, 2},
		{1460, 4},
		{1461, 4},
		{8960, 7},
		{9000, 7},
	}

	for _, tc := range tests {
		idx := encodeMSSIndex(tc.mss)
		if idx != tc.expectedIdx {
			t.Errorf("encodeMSSIndex(%d) = %d, want %d", tc.mss, idx, tc.expectedIdx)
		}
	}

	for idx := uint8(0); idx < uint8(len(synCookieMSSTable)); idx++ {
		mss := decodeMSSIndex(idx)
		reIdx := encodeMSSIndex(mss)
		if reIdx != idx {
			t.Errorf("MSS index round-trip failed: %d -> %d -> %d", idx, mss, reIdx)
		}
	}
}

func TestWSIndexEncoding(t *testing.T) {
	shift, present := decodeWSIndex(encodeWSIndex(2, true))
	if !present || shift != 2 {
		t.Errorf("WS round-trip = (%d, %v), want (2, true)", shift, present)
	}
	_, present = decodeWSIndex(encodeWSIndex(0, false))
	if present {
		t.Error("expected absent window-scale option to round-trip as not present")
	}
}

func BenchmarkSYNCookie_Make(b *testing.B) {
	var sc SYNCookieJar
	sc.Reset(newTestSynKeys(7))

	srcAddr := []byte{192, 168, 1, 100}
	dstAddr := []byte{10, 0, 0, 1}
	irs := Value(0x12345678)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sc.MakeCookie(srcAddr, dstAddr, 54321, 80, irs, 1460, 2, true, true, true)
	}
}

func BenchmarkSYNCookie_Validate(b *testing.B) {
	var sc SYNCookieJar
	sc.Reset(newTestSynKeys(8))

	srcAddr := []byte{192, 168, 1, 100}
	dstAddr := []byte{10, 0, 0, 1}
	irs := Value(0x12345678)
	iss := sc.MakeCookie(srcAddr, dstAddr, 54321, 80, irs, 1460, 2, true, true, true)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sc.Validate(srcAddr, dstAddr, 54321, 80, irs, iss)
	}
}
