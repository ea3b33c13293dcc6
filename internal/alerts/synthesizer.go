// Package alerts implements the pure threshold-based Alert Synthesizer
// (spec §4.4): telemetry.Record in, zero or more telemetry.AlertEvent out.
// It performs no I/O and holds no state between calls.
package alerts

import (
	"time"

	"github.com/google/uuid"

	"github.com/srg/dalybms/internal/telemetry"
)

const (
	criticalLowVoltage  = 24.0
	lowVoltageCeiling   = 25.6
	highVoltage         = 30.4
	criticalCellLow     = 3.0
	highCellVoltage     = 3.8
	highTempWarning     = 45.0
	highTempCritical    = 55.0
)

// Synthesize applies the seven fixed-threshold rules to rec in order and
// returns one event per crossed condition. A record with no fields set
// produces no alerts. ts stamps every produced event.
func Synthesize(rec telemetry.Record, ts time.Time) []telemetry.AlertEvent {
	var events []telemetry.AlertEvent

	if rec.Voltage != nil {
		v := *rec.Voltage
		switch {
		case v < criticalLowVoltage:
			events = append(events, newAlert(ts, telemetry.AlertCriticalLowVoltage, telemetry.SeverityCritical,
				"pack voltage critically low", v, criticalLowVoltage, nil))
		case v < lowVoltageCeiling:
			events = append(events, newAlert(ts, telemetry.AlertLowVoltage, telemetry.SeverityWarning,
				"pack voltage low", v, criticalLowVoltage, nil))
		case v > highVoltage:
			events = append(events, newAlert(ts, telemetry.AlertHighVoltage, telemetry.SeverityCritical,
				"pack voltage too high", v, highVoltage, nil))
		}
	}

	for i, c := range rec.Cells {
		idx := i + 1
		switch {
		case c < criticalCellLow:
			events = append(events, newAlert(ts, telemetry.AlertCriticalCellVoltage, telemetry.SeverityCritical,
				"cell voltage critically low", c, criticalCellLow, &idx))
		case c > highCellVoltage:
			events = append(events, newAlert(ts, telemetry.AlertHighCellVoltage, telemetry.SeverityWarning,
				"cell voltage high", c, highCellVoltage, &idx))
		}
	}

	if rec.Temperature != nil {
		t := *rec.Temperature
		switch {
		case t > highTempCritical:
			events = append(events, newAlert(ts, telemetry.AlertHighTemperature, telemetry.SeverityCritical,
				"average temperature critically high", t, highTempCritical, nil))
		case t > highTempWarning:
			events = append(events, newAlert(ts, telemetry.AlertHighTemperature, telemetry.SeverityWarning,
				"average temperature high", t, highTempWarning, nil))
		}
	}

	return events
}

func newAlert(ts time.Time, kind telemetry.AlertKind, sev telemetry.Severity, msg string, value, threshold float64, cell *int) telemetry.AlertEvent {
	v, th := value, threshold
	return telemetry.AlertEvent{
		ID:        uuid.New().String(),
		Timestamp: ts,
		Kind:      kind,
		Severity:  sev,
		Message:   msg,
		Value:     &v,
		Threshold: &th,
		CellIndex: cell,
	}
}
