package controller

import (
	"strings"
	"testing"
	"time"
)

func TestChecksumRoundTrip(t *testing.T) {
	msg := "trigger,150,4000,4000,1,1"
	wire := appendChecksum(msg)
	if !strings.HasPrefix(wire, msg+"*") || len(wire) != len(msg)+5 {
		t.Fatalf("wire = %q", wire)
	}
	body, ok := stripChecksum(wire)
	if !ok || body != msg {
		t.Fatalf("strip = %q, %v", body, ok)
	}
}

func TestStripChecksumDetectsCorruption(t *testing.T) {
	wire := appendChecksum("getState,2")
	wire = strings.Replace(wire, "2", "3", 1)
	if _, ok := stripChecksum(wire); ok {
		t.Fatal("corrupted datagram passed checksum")
	}
}

func TestStripChecksumPassThrough(t *testing.T) {
	// no suffix at all
	if body, ok := stripChecksum("getState,1"); !ok || body != "getState,1" {
		t.Fatalf("plain line = %q, %v", body, ok)
	}
	// an asterisk that is not a 4-hex-digit suffix
	if body, ok := stripChecksum("$OHPR,1.0,*bad"); !ok || body != "$OHPR,1.0,*bad" {
		t.Fatalf("stray asterisk = %q, %v", body, ok)
	}
}

func TestEncodeTrigger(t *testing.T) {
	got := encodeTrigger(150, 4000, 2500, true, false)
	if got != "trigger,150,4000,2500,1,0" {
		t.Fatalf("encodeTrigger = %q", got)
	}
}

func TestEncodeSetRTC(t *testing.T) {
	// every field zero padded, the format the board's RTC parser expects
	at := time.Date(2026, 8, 3, 9, 4, 5, 0, time.UTC)
	if got := encodeSetRTC(at); got != "setRTC,2026,08,03,09,04,05" {
		t.Fatalf("encodeSetRTC = %q", got)
	}
}

func TestDecodeStateReport(t *testing.T) {
	now := time.Now()
	ev, err := decode("getState,2", now)
	if err != nil {
		t.Fatal(err)
	}
	sr, ok := ev.(StateReport)
	if !ok || sr.State != AtDepth {
		t.Fatalf("ev = %#v", ev)
	}
}

func TestDecodeParameterReportCaseFolds(t *testing.T) {
	// some firmware replies getP2Dparms; the canonical header comes out
	ev, err := decode("getP2Dparms,1,0.5,-1.2,30,20,57.5", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	pr, ok := ev.(ParameterReport)
	if !ok || pr.Header != "getP2DParms" {
		t.Fatalf("ev = %#v", ev)
	}
	if len(pr.Values) != 6 || pr.Values[1] != 0.5 || pr.Values[2] != -1.2 {
		t.Fatalf("values = %v", pr.Values)
	}
}

func TestDecodeSensorPassThrough(t *testing.T) {
	ev, err := decode("$OHPR,123.4,5.6,7.8", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	sd, ok := ev.(SensorReading)
	if !ok || sd.Header != "$OHPR" || sd.Data != "$OHPR,123.4,5.6,7.8" {
		t.Fatalf("ev = %#v", ev)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, line := range []string{"", "getState", "getState,notanumber", "getRTC,2026,xx"} {
		if _, err := decode(line, time.Now()); err == nil {
			t.Errorf("decode(%q) should fail", line)
		}
	}
}

func TestStateClassification(t *testing.T) {
	for s := Sleep; s <= PCError; s++ {
		wantShutdown := s >= ForceOnRemoved
		if s.Shutdown() != wantShutdown {
			t.Errorf("%v.Shutdown() = %v", s, s.Shutdown())
		}
	}
	for _, s := range []State{ForcedOn, AtDepth, PressureSwClosed} {
		if !s.Acquiring() {
			t.Errorf("%v should be acquiring", s)
		}
	}
	if Sleep.Acquiring() || LowBatt.Acquiring() {
		t.Error("sleep and low battery are not acquiring states")
	}
}
