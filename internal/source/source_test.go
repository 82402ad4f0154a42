package source

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityOrdering(t *testing.T) {
	all := All()
	require.Len(t, all, 10)

	assert.Equal(t, GNSSPrimary, all[0])
	assert.Equal(t, Holdover, all[len(all)-1])

	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Priority(), all[i].Priority(),
			"%v must outrank %v", all[i-1], all[i])
	}
}

func TestSourceNamesAndCodes(t *testing.T) {
	tests := []struct {
		source Source
		name   string
		code   string
	}{
		{GNSSPrimary, "gnss_primary", "GNSS_PRI"},
		{GNSSSecondary, "gnss_secondary", "GNSS_SEC"},
		{LEOPNT, "leo_pnt", "LEO_PNT"},
		{ELoran, "eloran", "ELORAN"},
		{WhiteRabbit, "white_rabbit", "WR"},
		{CSAC, "csac", "CSAC"},
		{OCXO, "ocxo", "OCXO"},
		{Rubidium, "rubidium", "RUBIDIUM"},
		{Cesium, "cesium", "CESIUM"},
		{Holdover, "holdover", "HOLDOVER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.source.String())
			assert.Equal(t, tt.code, tt.source.Code())
			assert.True(t, tt.source.Valid())
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Source
		wantErr bool
	}{
		{"gnss_primary", GNSSPrimary, false},
		{"GNSS_PRI", GNSSPrimary, false},
		{"  Eloran ", ELoran, false},
		{"wr", WhiteRabbit, false},
		{"CSAC", CSAC, false},
		{"holdover", Holdover, false},
		{"sundial", Unknown, true},
		{"", Unknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownSource)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSourceJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(Rubidium)
	require.NoError(t, err)
	assert.Equal(t, `"rubidium"`, string(data))

	var s Source
	require.NoError(t, json.Unmarshal([]byte(`"GNSS_SEC"`), &s))
	assert.Equal(t, GNSSSecondary, s)

	assert.Error(t, json.Unmarshal([]byte(`"sundial"`), &s))
}

func TestExternal(t *testing.T) {
	assert.True(t, GNSSPrimary.External())
	assert.True(t, Cesium.External())
	assert.False(t, Holdover.External())
	assert.False(t, Unknown.External())
}

func TestByPriority(t *testing.T) {
	shuffled := []Source{Cesium, GNSSPrimary, CSAC, ELoran}
	got := ByPriority(shuffled)
	assert.Equal(t, []Source{GNSSPrimary, ELoran, CSAC, Cesium}, got)

	// Input untouched
	assert.Equal(t, []Source{Cesium, GNSSPrimary, CSAC, ELoran}, shuffled)
}

func TestBoardAvailability(t *testing.T) {
	b := NewBoard(nil)

	assert.Empty(t, b.Available())
	assert.False(t, b.IsAvailable(GNSSPrimary))

	b.SetAvailable(GNSSPrimary, true)
	b.SetAvailable(ELoran, true)
	b.SetAvailable(Cesium, true)
	b.SetAvailable(ELoran, false)

	assert.Equal(t, []Source{GNSSPrimary, Cesium}, b.Available())
	assert.True(t, b.IsAvailable(GNSSPrimary))
	assert.False(t, b.IsAvailable(ELoran))
}

func TestBoardIgnoresHoldover(t *testing.T) {
	b := NewBoard(nil)

	// Holdover is not an external source; it cannot be marked available
	b.SetAvailable(Holdover, true)
	assert.False(t, b.IsAvailable(Holdover))
	assert.Empty(t, b.Available())
}

func TestBoardCSACWarmup(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	b := NewBoard(func() time.Time { return now })

	b.SetAvailable(CSAC, true)

	// Powered but cold: not yet usable
	assert.False(t, b.IsAvailable(CSAC))
	assert.Empty(t, b.Available())

	st := b.CSAC().Status()
	assert.True(t, st.Active)
	assert.False(t, st.Ready)
	assert.Equal(t, CSACWarmup, st.WarmupRemaining)

	// Part way through warmup
	now = now.Add(90 * time.Second)
	assert.False(t, b.IsAvailable(CSAC))
	assert.Equal(t, 90*time.Second, b.CSAC().Status().WarmupRemaining)

	// Warmed up
	now = now.Add(90 * time.Second)
	assert.True(t, b.IsAvailable(CSAC))
	assert.Equal(t, []Source{CSAC}, b.Available())

	// Power cycle restarts warmup from cold
	b.SetAvailable(CSAC, false)
	b.SetAvailable(CSAC, true)
	assert.False(t, b.IsAvailable(CSAC))
}

func TestBoardSnapshotIncludesWarming(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	b := NewBoard(func() time.Time { return now })

	b.SetAvailable(CSAC, true)
	b.SetAvailable(GNSSPrimary, true)

	snap := b.Snapshot()
	assert.True(t, snap[CSAC], "snapshot shows raw availability before warmup")
	assert.True(t, snap[GNSSPrimary])
}

func TestCSACTelemetry(t *testing.T) {
	m := NewCSACMonitor(nil)

	st := m.Status()
	assert.Zero(t, st.TempC)
	assert.Zero(t, st.PowerW)

	m.SetTelemetry(47.3, 0.125)
	st = m.Status()
	assert.Equal(t, 47.3, st.TempC)
	assert.Equal(t, 0.125, st.PowerW)

	// Telemetry survives a power cycle; it reflects the last hardware
	// report, not the power state
	m.Activate()
	m.Deactivate()
	assert.Equal(t, 47.3, m.Status().TempC)
}
