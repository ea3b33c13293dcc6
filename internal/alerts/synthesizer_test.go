package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/dalybms/internal/telemetry"
)

func f(v float64) *float64 { return &v }

func TestSynthesize_ScenarioS4_CriticalLowVoltage(t *testing.T) {
	rec := telemetry.Record{Voltage: f(23.9)}
	events := Synthesize(rec, time.Now())

	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, telemetry.AlertCriticalLowVoltage, ev.Kind)
	assert.Equal(t, telemetry.SeverityCritical, ev.Severity)
	assert.InDelta(t, 23.9, *ev.Value, 0.0001)
	assert.InDelta(t, 24.0, *ev.Threshold, 0.0001)
}

func TestSynthesize_VoltageBoundary_ExactlyAtCriticalEdge(t *testing.T) {
	// total_voltage == 24.0 is NOT critical (strict <); it falls in the
	// warning band [24.0, 25.6).
	rec := telemetry.Record{Voltage: f(24.0)}
	events := Synthesize(rec, time.Now())

	require.Len(t, events, 1)
	assert.Equal(t, telemetry.AlertLowVoltage, events[0].Kind)
	assert.Equal(t, telemetry.SeverityWarning, events[0].Severity)
}

func TestSynthesize_NoAlertsInNormalBand(t *testing.T) {
	rec := telemetry.Record{Voltage: f(27.0), Cells: []float64{3.3, 3.4}, Temperature: f(25.0)}
	assert.Empty(t, Synthesize(rec, time.Now()))
}

func TestSynthesize_HighVoltage(t *testing.T) {
	rec := telemetry.Record{Voltage: f(30.5)}
	events := Synthesize(rec, time.Now())
	require.Len(t, events, 1)
	assert.Equal(t, telemetry.AlertHighVoltage, events[0].Kind)
	assert.Equal(t, telemetry.SeverityCritical, events[0].Severity)
}

func TestSynthesize_PerCellAlerts(t *testing.T) {
	rec := telemetry.Record{Cells: []float64{2.9, 3.3, 3.9}}
	events := Synthesize(rec, time.Now())

	require.Len(t, events, 2)
	assert.Equal(t, telemetry.AlertCriticalCellVoltage, events[0].Kind)
	require.NotNil(t, events[0].CellIndex)
	assert.Equal(t, 1, *events[0].CellIndex)

	assert.Equal(t, telemetry.AlertHighCellVoltage, events[1].Kind)
	require.NotNil(t, events[1].CellIndex)
	assert.Equal(t, 3, *events[1].CellIndex)
}

func TestSynthesize_TemperatureSeverityTiers(t *testing.T) {
	warn := Synthesize(telemetry.Record{Temperature: f(50.0)}, time.Now())
	require.Len(t, warn, 1)
	assert.Equal(t, telemetry.SeverityWarning, warn[0].Severity)

	crit := Synthesize(telemetry.Record{Temperature: f(55.1)}, time.Now())
	require.Len(t, crit, 1)
	assert.Equal(t, telemetry.SeverityCritical, crit[0].Severity)

	none := Synthesize(telemetry.Record{Temperature: f(45.0)}, time.Now())
	assert.Empty(t, none)
}

func TestSynthesize_EmptyRecordProducesNoAlerts(t *testing.T) {
	assert.Empty(t, Synthesize(telemetry.Record{}, time.Now()))
}

func TestSynthesize_EventsHaveUniqueIDs(t *testing.T) {
	rec := telemetry.Record{Cells: []float64{2.9, 2.8}}
	events := Synthesize(rec, time.Now())
	require.Len(t, events, 2)
	assert.NotEqual(t, events[0].ID, events[1].ID)
}
