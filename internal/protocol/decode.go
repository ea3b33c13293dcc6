package protocol

import (
	"encoding/binary"
	"math"

	"github.com/srg/dalybms/internal/telemetry"
)

// DecodeVoltage decodes the total-pack-voltage register (§4.1).
func DecodeVoltage(payload []byte) (float64, bool) {
	if len(payload) < 2 {
		return 0, false
	}
	raw := binary.BigEndian.Uint16(payload)
	return float64(raw) * VoltageScale, true
}

// DecodeCurrent decodes the zero-point-30000 signed current register,
// returning the signed amperage and its direction tag.
func DecodeCurrent(payload []byte) (current float64, dir telemetry.Direction, ok bool) {
	if len(payload) < 2 {
		return 0, "", false
	}
	raw := binary.BigEndian.Uint16(payload)
	switch {
	case raw >= CurrentZero:
		current = float64(raw-CurrentZero) * VoltageScale
		if current > 0 {
			dir = telemetry.DirectionDischarging
		} else {
			dir = telemetry.DirectionIdle
		}
	default:
		current = -float64(CurrentZero-raw) * VoltageScale
		dir = telemetry.DirectionCharging
	}
	return current, dir, true
}

// EncodeCurrentRaw is the inverse of DecodeCurrent's zero-point convention,
// used by property-based tests to verify round-trip symmetry (spec §8.3).
func EncodeCurrentRaw(current float64) uint16 {
	raw := current/VoltageScale + CurrentZero
	return uint16(math.Round(raw))
}

// DecodeCells decodes an arbitrary-length run of 2-byte cell-voltage
// registers, skipping zero entries and preserving order.
func DecodeCells(payload []byte) []float64 {
	var cells []float64
	for i := 0; i+1 < len(payload); i += 2 {
		raw := binary.BigEndian.Uint16(payload[i : i+2])
		if raw == 0 {
			continue
		}
		cells = append(cells, float64(raw)*CellScale)
	}
	return cells
}

// DecodeTemperatures decodes an arbitrary-length run of 2-byte Kelvin-scaled
// temperature registers, discarding out-of-range values (§4.1, §7 OutOfRangeValue).
func DecodeTemperatures(payload []byte) []float64 {
	var temps []float64
	for i := 0; i+1 < len(payload); i += 2 {
		raw := binary.BigEndian.Uint16(payload[i : i+2])
		t := float64(raw)/TemperatureDivisor - TemperatureOffsetK
		if t < TemperatureMin || t > TemperatureMax {
			continue
		}
		temps = append(temps, t)
	}
	return temps
}

// DecodeSOC decodes the configurable SOC register, accepting only values in
// [0, 100].
func DecodeSOC(payload []byte, scale, offset float64) (float64, bool) {
	if len(payload) < 2 {
		return 0, false
	}
	raw := binary.BigEndian.Uint16(payload)
	soc := float64(raw)*scale + offset
	if soc < 0 || soc > 100 {
		return 0, false
	}
	return soc, true
}

// averageTemperature derives the record's average temperature from its
// per-sensor list.
func averageTemperature(temps []float64) *float64 {
	if len(temps) == 0 {
		return nil
	}
	var sum float64
	for _, t := range temps {
		sum += t
	}
	avg := sum / float64(len(temps))
	return &avg
}

// ParseResponse validates resp against the §4.1 frame rules, then decodes
// the payload according to which register addr was requested. It does not
// check for echo frames; callers filter those with IsEcho first. It never
// panics; all failure modes surface as an error.
func ParseResponse(rm RegisterMap, addr, count uint16, resp []byte) (telemetry.Record, error) {
	var rec telemetry.Record

	payload, err := validateFrame(resp)
	if err != nil {
		return rec, err
	}

	switch addr {
	case rm.TotalVoltage:
		if v, ok := DecodeVoltage(payload); ok {
			rec.Voltage = &v
		}
	case rm.Current:
		if c, dir, ok := DecodeCurrent(payload); ok {
			rec.Current = &c
			rec.Direction = &dir
		}
	case rm.CellVoltageBase:
		rec.Cells = DecodeCells(payload)
	case rm.TemperatureBase:
		rec.Temperatures = DecodeTemperatures(payload)
		rec.Temperature = averageTemperature(rec.Temperatures)
	case rm.SOCRegister:
		if soc, ok := DecodeSOC(payload, rm.SOCScale, rm.SOCOffset); ok {
			rec.SOC = &soc
			rec.SOCSource = "register"
		}
	}
	_ = count
	return rec, nil
}

// BulkExtract decodes a single 124-byte bulk-read payload (62 registers
// starting at 0x0000) into a partial record, filling every field whose
// register offset falls inside the payload. Missing/invalid fields are left
// unset rather than erroring (§4.1 "Bulk decoding").
func BulkExtract(rm RegisterMap, payload []byte) telemetry.Record {
	var rec telemetry.Record

	regAt := func(reg uint16) []byte {
		off := int(reg) * 2
		if off+2 > len(payload) {
			return nil
		}
		return payload[off : off+2]
	}

	if b := regAt(rm.TotalVoltage); b != nil {
		if v, ok := DecodeVoltage(b); ok {
			rec.Voltage = &v
		}
	}
	if b := regAt(rm.Current); b != nil {
		if c, dir, ok := DecodeCurrent(b); ok {
			rec.Current = &c
			rec.Direction = &dir
		}
	}
	if off := int(rm.CellVoltageBase) * 2; off+CellCount*2 <= len(payload) {
		rec.Cells = DecodeCells(payload[off : off+CellCount*2])
	}
	if off := int(rm.TemperatureBase) * 2; off+TemperatureSensorCount*2 <= len(payload) {
		rec.Temperatures = DecodeTemperatures(payload[off : off+TemperatureSensorCount*2])
		rec.Temperature = averageTemperature(rec.Temperatures)
	}
	if b := regAt(rm.SOCRegister); b != nil {
		if soc, ok := DecodeSOC(b, rm.SOCScale, rm.SOCOffset); ok {
			rec.SOC = &soc
			rec.SOCSource = "register"
		}
	}

	return rec
}

// SOCCandidate is one register in the diagnostic sweep range whose decoded
// value plausibly represents SOC (spec §6 /api/diagnostics/soc-candidates).
type SOCCandidate struct {
	Register uint16  `json:"register"`
	Value    float64 `json:"value"`
	Selected bool    `json:"selected"`
}

// ScanSOCCandidates inspects every register in [0x20, 0x40] against a bulk
// payload and returns those whose decoded value (at scale/offset) lies in
// [0, 100], flagging the currently configured SOC register.
func ScanSOCCandidates(rm RegisterMap, payload []byte, scale, offset float64) []SOCCandidate {
	var candidates []SOCCandidate
	for reg := uint16(0x20); reg <= 0x40; reg++ {
		off := int(reg) * 2
		if off+2 > len(payload) {
			break
		}
		if v, ok := DecodeSOC(payload[off:off+2], scale, offset); ok {
			candidates = append(candidates, SOCCandidate{
				Register: reg,
				Value:    v,
				Selected: reg == rm.SOCRegister,
			})
		}
	}
	return candidates
}

// EstimateSOC applies the linear voltage-based approximation (spec §4.3
// step 5): 0% at 24.0V, 100% at 29.2V, clamped and rounded to one decimal.
func EstimateSOC(voltage, minV, maxV float64) float64 {
	if voltage <= minV {
		return 0
	}
	if voltage >= maxV {
		return 100
	}
	soc := (voltage - minV) / (maxV - minV) * 100
	return roundTo1(soc)
}

func roundTo1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
