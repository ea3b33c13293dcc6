// Package telemetry defines the data model shared across the acquisition
// pipeline: the decoded Telemetry Record, Alert Event, System Status Record,
// and the process-lifetime Session Counters.
package telemetry

import "time"

// Direction classifies the sign of the pack current.
type Direction string

const (
	DirectionCharging    Direction = "charging"
	DirectionDischarging Direction = "discharging"
	DirectionIdle        Direction = "idle"
)

// Health is the overall record status tag.
type Health string

const (
	HealthNormal Health = "normal"
	HealthError  Health = "error"
	HealthNoData Health = "no_data"
)

// LinkStatus is the BLE link state as observed by the last acquisition.
type LinkStatus string

const (
	LinkConnected    LinkStatus = "connected"
	LinkDisconnected LinkStatus = "disconnected"
	LinkError        LinkStatus = "error"
)

// Record is one decoded BMS reading. Fields populated piecemeal by the bulk
// or per-register decode path are nil/zero-length until set; a Record is
// never mutated after the scheduler's tick populates derived fields (power,
// estimated SOC, status, link) and publishes it.
type Record struct {
	Timestamp  time.Time  `json:"timestamp"`
	Voltage    *float64   `json:"total_voltage,omitempty"`
	Current    *float64   `json:"current,omitempty"`
	Direction  *Direction `json:"current_direction,omitempty"`
	Power      *float64   `json:"power,omitempty"`
	SOC        *float64   `json:"soc,omitempty"`
	SOCSource  string     `json:"soc_source,omitempty"` // "register" | "estimated"
	Temperature *float64  `json:"temperature,omitempty"`
	Cells       []float64 `json:"cells,omitempty"`
	Temperatures []float64 `json:"temperatures,omitempty"`
	Status      Health     `json:"status"`
	Link        LinkStatus `json:"connection_status"`
}

// Zero returns the default-zero record used by the Query Interface when no
// backend has any data yet.
func Zero() Record {
	return Record{
		Timestamp: time.Time{},
		Status:    HealthNoData,
		Link:      LinkDisconnected,
	}
}

// AnyFieldSet reports whether at least one measurement field was populated.
func (r *Record) AnyFieldSet() bool {
	return r.Voltage != nil || r.Current != nil || len(r.Cells) > 0 || len(r.Temperatures) > 0 || r.SOC != nil
}

// Severity is the alert severity tier.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertKind names a synthesized alert condition (spec §4.4).
type AlertKind string

const (
	AlertCriticalLowVoltage  AlertKind = "critical_low_voltage"
	AlertLowVoltage          AlertKind = "low_voltage"
	AlertHighVoltage         AlertKind = "high_voltage"
	AlertCriticalCellVoltage AlertKind = "critical_cell_voltage"
	AlertHighCellVoltage     AlertKind = "high_cell_voltage"
	AlertHighTemperature     AlertKind = "high_temperature"
)

// AlertEvent is created when a Record crosses a threshold. Acknowledged
// transitions false -> true exactly once; there is no un-acknowledge path.
type AlertEvent struct {
	ID           string    `json:"id" db:"id"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
	Kind         AlertKind `json:"type" db:"type"`
	Severity     Severity  `json:"severity" db:"severity"`
	Message      string    `json:"message" db:"message"`
	Value        *float64  `json:"value,omitempty" db:"value"`
	Threshold    *float64  `json:"threshold,omitempty" db:"threshold"`
	CellIndex    *int      `json:"cell,omitempty" db:"cell"`
	Acknowledged bool      `json:"acknowledged" db:"acknowledged"`
}

// StatusRecord is a periodic snapshot of Poll Scheduler health.
type StatusRecord struct {
	Timestamp         time.Time `json:"timestamp"`
	LinkUp            bool      `json:"connected"`
	LastAcquisition   *time.Time `json:"last_read,omitempty"`
	ReadsOK           int64     `json:"read_count"`
	ReadsErr          int64     `json:"error_count"`
	UptimeSeconds     float64   `json:"uptime"`
	SuccessRatePct    float64   `json:"success_rate"`
}
