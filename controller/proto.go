package controller

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/snksoft/crc"
)

// PC state values sent with setPCState.
const (
	pcStateAck   = 0
	pcStateReady = 1
	pcStateDown  = 254
)

var crcTable = crc.NewTable(crc.XMODEM)

// appendChecksum adds the optional *XXXX CRC-16 suffix.  Firmware that does
// not understand the suffix ignores everything after the last field, so it
// is safe to always send.
func appendChecksum(msg string) string {
	return fmt.Sprintf("%s*%04X", msg, crcTable.CalculateCRC([]byte(msg)))
}

// stripChecksum validates and removes a *XXXX suffix when present.  Lines
// without a suffix pass through untouched.
func stripChecksum(line string) (string, bool) {
	idx := strings.LastIndexByte(line, '*')
	if idx < 0 || len(line)-idx != 5 {
		return line, true
	}
	want, err := strconv.ParseUint(line[idx+1:], 16, 16)
	if err != nil {
		// a stray asterisk inside a data field, not a checksum
		return line, true
	}
	body := line[:idx]
	return body, crcTable.CalculateCRC([]byte(body)) == want
}

func encodeGetState() string { return "getState" }

func encodeSetPCState(v int) string {
	return "setPCState," + strconv.Itoa(v)
}

func encodeTrigger(preFireUs, strobe1Us, strobe2Us int, ch1, ch2 bool) string {
	b := func(v bool) string {
		if v {
			return "1"
		}
		return "0"
	}
	return fmt.Sprintf("trigger,%d,%d,%d,%s,%s", preFireUs, strobe1Us, strobe2Us, b(ch1), b(ch2))
}

func encodeSetRTC(t time.Time) string {
	return "setRTC," + t.Format("2006,01,02,15,04,05")
}

func encodeSetStrobeMode(mode int) string {
	return "setStrobeMode," + strconv.Itoa(mode)
}

func encodeSetThrusters(one, two int) string {
	return fmt.Sprintf("setThrusters,%d,%d", one, two)
}

func encodeSetP2DParms(enabled int, slope, intercept float64, turnOnDepth, turnOffDepth int) string {
	return fmt.Sprintf("setP2DParms,%d,%g,%g,%d,%d", enabled, slope, intercept, turnOnDepth, turnOffDepth)
}

// Event is a decoded datagram from the controller.
type Event interface{ isEvent() }

// StateReport is the reply to getState.
type StateReport struct {
	State State
	Time  time.Time
}

// ParameterReport is the reply to a parameter query (getRTC, getP2DParms,
// getStrobeMode, getStartupVoltage, getShutdownVoltage, getStartDelay,
// getIMUCal).  Values keeps the datagram's field order.
type ParameterReport struct {
	Header string
	Values []float64
	Time   time.Time
}

// SensorReading is any datagram that is not a controller parameter; the
// controller forwards instrumented sensor strings verbatim.
type SensorReading struct {
	Header string
	Data   string
	Time   time.Time
}

func (StateReport) isEvent()     {}
func (ParameterReport) isEvent() {}
func (SensorReading) isEvent()   {}

// parameter reply headers; getp2dparms is folded to its canonical spelling
// because some firmware revisions reply in the wrong case
var parameterHeaders = map[string]string{
	"getp2dparms":        "getP2DParms",
	"getstartupvoltage":  "getStartupVoltage",
	"getshutdownvoltage": "getShutdownVoltage",
	"getrtc":             "getRTC",
	"getstartdelay":      "getStartDelay",
	"getimucal":          "getIMUCal",
	"getstrobemode":      "getStrobeMode",
}

// decode parses one received line into an Event.  now stamps the event.
func decode(line string, now time.Time) (Event, error) {
	body, ok := stripChecksum(strings.TrimSpace(line))
	if !ok {
		return nil, fmt.Errorf("controller: checksum mismatch in %q", line)
	}
	if body == "" {
		return nil, fmt.Errorf("controller: empty datagram")
	}
	fields := strings.Split(body, ",")
	header := fields[0]

	if header == "getState" {
		if len(fields) < 2 {
			return nil, fmt.Errorf("controller: truncated getState %q", body)
		}
		v, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("controller: bad state %q: %w", fields[1], err)
		}
		return StateReport{State: State(v), Time: now}, nil
	}

	if canon, ok := parameterHeaders[strings.ToLower(header)]; ok {
		vals := make([]float64, 0, len(fields)-1)
		for _, f := range fields[1:] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("controller: bad field %q in %s reply", f, canon)
			}
			vals = append(vals, v)
		}
		return ParameterReport{Header: canon, Values: vals, Time: now}, nil
	}

	// anything else is pass-through sensor data
	return SensorReading{Header: header, Data: body, Time: now}, nil
}
