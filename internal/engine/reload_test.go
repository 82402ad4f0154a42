package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tresd/internal/threat"
)

func TestApplyConfig_RejectsNilAndInvalid(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(5, "gm-01"))

	assert.ErrorIs(t, e.ApplyConfig(nil, "operator"), ErrNilConfig)

	bad := testConfig(5, "gm-01")
	bad.Version = 99
	assert.Error(t, e.ApplyConfig(bad, "operator"))
}

func TestApplyConfig_RecordsLedgerEntry(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(5, "gm-01"))

	before := e.Ledger().Len()
	require.NoError(t, e.ApplyConfig(testConfig(5, "gm-01"), "operator"))
	assert.Equal(t, before+1, e.Ledger().Len())
	require.NoError(t, e.Ledger().Verify())
}

func TestApplyConfig_HotAppliesDetectionFloor(t *testing.T) {
	cfg := testConfig(0, "gm-01")
	e, clock := newTestEngine(t, cfg)

	// 35 dB-Hz sits above the default 30 floor: no threat.
	fix := threat.FixQuality{
		Element:        "gm-01",
		Constellation:  "GPS",
		CN0DBHz:        35,
		SatellitesUsed: 10, SatellitesVisible: 12,
		HDOP: 0.8, PDOP: 1.2, TDOP: 0.9,
		FixValid:  true,
		Timestamp: clock.Now(),
	}
	e.handleFix(fix)
	threats, err := e.Store().ListThreats(time.Time{}, true, 10)
	require.NoError(t, err)
	assert.Empty(t, threats)

	raised := testConfig(0, "gm-01")
	raised.Detection.CN0FloorDBHz = 40
	require.NoError(t, e.ApplyConfig(raised, "operator"))

	// The same fix now violates the raised floor.
	e.handleFix(fix)
	threats, err = e.Store().ListThreats(time.Time{}, true, 10)
	require.NoError(t, err)
	require.NotEmpty(t, threats)
	assert.Equal(t, threat.KindJamming, threats[0].Kind)
}

func TestApplyConfig_UpdatesCadence(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(5, "gm-01"))

	next := testConfig(5, "gm-01")
	next.WarMode.AssessIntervalMs = 250
	next.WarMode.HoldoverIntervalSec = 2
	require.NoError(t, e.ApplyConfig(next, "operator"))

	assert.Equal(t, 250*time.Millisecond, e.assessInterval())
	assert.Equal(t, 2*time.Second, e.holdoverInterval())
}
