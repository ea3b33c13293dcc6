package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/dalybms/internal/telemetry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bms.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAndLatestRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v := 26.5
	rec := telemetry.Record{
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Voltage:   &v,
		Cells:     []float64{3.3, 3.3},
		Status:    telemetry.HealthNormal,
		Link:      telemetry.LinkConnected,
	}
	require.NoError(t, s.InsertRecord(ctx, rec))

	got, err := s.LatestRecord(ctx)
	require.NoError(t, err)
	require.NotNil(t, got.Voltage)
	assert.InDelta(t, 26.5, *got.Voltage, 0.0001)
	assert.Equal(t, []float64{3.3, 3.3}, got.Cells)
}

func TestLatestRecord_EmptyReturnsZero(t *testing.T) {
	s := openTestStore(t)
	got, err := s.LatestRecord(context.Background())
	require.NoError(t, err)
	assert.Equal(t, telemetry.HealthNoData, got.Status)
}

func TestHistory_ReturnsWindowNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		v := float64(i)
		require.NoError(t, s.InsertRecord(ctx, telemetry.Record{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Voltage:   &v,
		}))
	}

	records, err := s.History(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.InDelta(t, 4.0, *records[0].Voltage, 0.0001)
	assert.InDelta(t, 0.0, *records[4].Voltage, 0.0001)
}

func TestAcknowledge_IdempotentAndNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev := telemetry.AlertEvent{ID: "alert-1", Timestamp: time.Now(), Kind: telemetry.AlertHighVoltage, Severity: telemetry.SeverityCritical}
	require.NoError(t, s.InsertAlert(ctx, ev))

	require.NoError(t, s.Acknowledge(ctx, "alert-1"))
	require.NoError(t, s.Acknowledge(ctx, "alert-1")) // idempotent

	alerts, err := s.UnacknowledgedAlerts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	err = s.Acknowledge(ctx, "does-not-exist")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestUnacknowledgedAlerts_NewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.InsertAlert(ctx, telemetry.AlertEvent{ID: "a", Timestamp: now, Kind: telemetry.AlertLowVoltage, Severity: telemetry.SeverityWarning}))
	require.NoError(t, s.InsertAlert(ctx, telemetry.AlertEvent{ID: "b", Timestamp: now.Add(time.Minute), Kind: telemetry.AlertHighVoltage, Severity: telemetry.SeverityCritical}))

	alerts, err := s.UnacknowledgedAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "b", alerts[0].ID)
}
