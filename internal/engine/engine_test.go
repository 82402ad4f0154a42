package engine

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tresd/internal/config"
	"tresd/internal/ledger"
	"tresd/internal/osnma"
	"tresd/internal/signal"
	"tresd/internal/source"
	"tresd/internal/store"
	"tresd/internal/threat"
	"tresd/internal/warmode"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig(smoothingSec int, elements ...string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Elements = nil
	for _, name := range elements {
		cfg.Elements = append(cfg.Elements, config.ElementConfig{Name: name, Oscillator: "csac"})
	}
	cfg.WarMode.SmoothingWindowSec = smoothingSec
	cfg.OSNMA.Enabled = false
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) (*Engine, *manualClock) {
	t.Helper()

	clock := &manualClock{t: time.Date(2030, 3, 1, 12, 0, 0, 0, time.UTC)}
	st, err := store.Open(filepath.Join(t.TempDir(), "tresd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e, err := New(cfg, Deps{Store: st, Clock: clock.Now})
	require.NoError(t, err)
	return e, clock
}

// benignFix pushes a healthy fix so the element assesses peacetime.
func benignFix(e *Engine, clock *manualClock, element string) {
	e.handleFix(threat.FixQuality{
		Element:        element,
		Constellation:  "GPS",
		CN0DBHz:        45,
		SatellitesUsed: 10, SatellitesVisible: 12,
		HDOP: 0.8, PDOP: 1.2, TDOP: 0.9,
		FixValid:  true,
		Timestamp: clock.Now(),
	})
}

func ledgerTypes(e *Engine) []ledger.EventType {
	var out []ledger.EventType
	for _, entry := range e.Ledger().Entries() {
		out = append(out, entry.Type)
	}
	return out
}

func TestNew_RegistersElements(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(0, "pmu-east-01", "pmu-west-02"))

	assert.Equal(t, []string{"pmu-east-01", "pmu-west-02"}, e.Registry().Elements())
	ctrl, err := e.Registry().Get("pmu-east-01")
	require.NoError(t, err)
	assert.True(t, ctrl.Board().IsAvailable(source.GNSSPrimary))
}

func TestAssess_BenignStaysPeacetime(t *testing.T) {
	e, clock := newTestEngine(t, testConfig(0, "pmu-east-01"))

	benignFix(e, clock, "pmu-east-01")
	e.assessElements()

	ctrl, _ := e.Registry().Get("pmu-east-01")
	assert.Equal(t, warmode.LevelPeacetime, ctrl.Level())
	assert.Equal(t, source.GNSSPrimary, ctrl.ActiveSource())
	assert.Empty(t, ledgerTypes(e))
}

func TestJamming_RaisesThreatNullAndTactical(t *testing.T) {
	e, clock := newTestEngine(t, testConfig(0, "pmu-east-01"))
	events := e.Subscribe()

	benignFix(e, clock, "pmu-east-01")
	e.assessElements()

	// Establish the RF baseline, then jam 25 dB above it from the NE.
	base := signal.Sample{
		Element:       "pmu-east-01",
		Constellation: "GPS",
		FrequencyMHz:  1575.42,
		PowerDBm:      -130,
		BandwidthKHz:  10,
		Timestamp:     clock.Now(),
	}
	e.handleSample(base)

	dir := 45.0
	jam := base
	jam.PowerDBm = -105
	jam.DirectionDeg = &dir
	e.handleSample(jam)

	// Threat persisted with band evidence.
	threats, err := e.Store().ListThreats(time.Time{}, true, 0)
	require.NoError(t, err)
	require.Len(t, threats, 1)
	assert.Equal(t, threat.KindJamming, threats[0].Kind)
	assert.Equal(t, threat.SeverityHigh, threats[0].Severity)
	assert.Equal(t, "GPS_L1", threats[0].Evidence["band"])

	// High directional jamming gets a null.
	ctrl, _ := e.Registry().Get("pmu-east-01")
	assert.Equal(t, 1, ctrl.Nulls().Status().Active)

	// The next assessment escalates to tactical and opens a session.
	e.assessElements()
	assert.Equal(t, warmode.LevelTactical, ctrl.Level())
	require.NotNil(t, ctrl.Status().Session)

	assert.Contains(t, ledgerTypes(e), ledger.EventJammingDetected)
	assert.Contains(t, ledgerTypes(e), ledger.EventWarModeOn)

	kinds := drainEventKinds(events)
	assert.Contains(t, kinds, EventThreatDetected)
	assert.Contains(t, kinds, EventNullPlaced)
	assert.Contains(t, kinds, EventWarModeChanged)
}

func TestPeerDivergence_CriticalFailover(t *testing.T) {
	e, clock := newTestEngine(t, testConfig(0, "pmu-east-01"))
	require.NoError(t, e.SetSourceAvailable("pmu-east-01", source.Cesium, true))

	benignFix(e, clock, "pmu-east-01")
	e.assessElements()

	// One peer sits 2 ms from the pack.
	e.handlePeers(PeerOffsets{
		Element:   "pmu-east-01",
		Peers:     []time.Duration{0, time.Microsecond, 2 * time.Millisecond},
		Timestamp: clock.Now(),
	})

	// The divergence raises a spoofing threat immediately.
	threats, err := e.Store().ListThreats(time.Time{}, true, 0)
	require.NoError(t, err)
	require.NotEmpty(t, threats)
	assert.Equal(t, threat.KindSpoofing, threats[0].Kind)

	e.assessElements()
	ctrl, _ := e.Registry().Get("pmu-east-01")
	assert.Equal(t, warmode.LevelCritical, ctrl.Level())
	assert.Equal(t, source.Cesium, ctrl.ActiveSource())

	failovers, err := e.Store().ListFailovers("pmu-east-01", 0)
	require.NoError(t, err)
	require.Len(t, failovers, 1)
	assert.Equal(t, source.GNSSPrimary, failovers[0].From)
	assert.Equal(t, source.Cesium, failovers[0].To)
	assert.NotEmpty(t, failovers[0].SessionID)

	assert.Contains(t, ledgerTypes(e), ledger.EventSpoofingDetected)
	assert.Contains(t, ledgerTypes(e), ledger.EventSourceChange)
}

func TestNoSources_HoldoverLifecycle(t *testing.T) {
	e, clock := newTestEngine(t, testConfig(0, "pmu-east-01"))

	benignFix(e, clock, "pmu-east-01")
	e.assessElements()

	require.NoError(t, e.SetSourceAvailable("pmu-east-01", source.GNSSPrimary, false))
	e.assessElements()

	ctrl, _ := e.Registry().Get("pmu-east-01")
	assert.Equal(t, warmode.LevelHoldover, ctrl.Level())
	assert.Equal(t, source.Holdover, ctrl.ActiveSource())
	assert.Contains(t, ledgerTypes(e), ledger.EventHoldoverOn)

	// Drift accumulates with elapsed wall-clock time.
	clock.Advance(time.Hour)
	e.holdoverTick()
	holds, err := e.Store().ListHoldovers("pmu-east-01", 0)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.True(t, holds[0].Active)
	assert.Greater(t, holds[0].AccumulatedNs, 0.0)

	// The source returns; the hold closes on the next assessment.
	require.NoError(t, e.SetSourceAvailable("pmu-east-01", source.GNSSPrimary, true))
	benignFix(e, clock, "pmu-east-01")
	e.assessElements()

	assert.Equal(t, source.GNSSPrimary, ctrl.ActiveSource())
	assert.Contains(t, ledgerTypes(e), ledger.EventHoldoverOff)
	holds, err = e.Store().ListHoldovers("pmu-east-01", 0)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.False(t, holds[0].Active)
}

func TestSmoothing_DelaysDeescalation(t *testing.T) {
	e, clock := newTestEngine(t, testConfig(5, "pmu-east-01"))

	benignFix(e, clock, "pmu-east-01")
	e.assessElements()

	// Escalation is immediate once the healthy carrier ages out of the
	// averaging window.
	clock.Advance(6 * time.Second)
	e.handleFix(threat.FixQuality{
		Element: "pmu-east-01", Constellation: "GPS",
		CN0DBHz: 25, SatellitesUsed: 6, FixValid: true,
		TDOP: 1.0, Timestamp: clock.Now(),
	})
	e.assessElements()
	ctrl, _ := e.Registry().Get("pmu-east-01")
	assert.Equal(t, warmode.LevelTactical, ctrl.Level())

	// A calmer picture must persist for the whole window.
	clock.Advance(6 * time.Second)
	benignFix(e, clock, "pmu-east-01")
	e.assessElements()
	assert.Equal(t, warmode.LevelTactical, ctrl.Level())

	clock.Advance(6 * time.Second)
	benignFix(e, clock, "pmu-east-01")
	e.assessElements()
	assert.Equal(t, warmode.LevelPeacetime, ctrl.Level())
}

func TestHandleNav_FailureRecordsCryptoThreat(t *testing.T) {
	cfg := testConfig(0, "pmu-east-01")
	cfg.OSNMA.Enabled = true
	e, clock := newTestEngine(t, cfg)
	require.NotNil(t, e.Verifier())
	require.NoError(t, e.Verifier().AddHMACKey("k1", []byte("0123456789abcdef")))

	e.handleNav(osnma.NavMessage{
		Element:       "pmu-east-01",
		Constellation: "Galileo",
		SatelliteID:   12,
		Payload:       []byte("ephemeris"),
		Tag:           []byte("not the right tag, padded to 32b"),
		KeyID:         "k1",
		Timestamp:     clock.Now(),
	})

	threats, err := e.Store().ListThreats(time.Time{}, true, 0)
	require.NoError(t, err)
	require.Len(t, threats, 1)
	assert.Equal(t, threat.KindCryptoFailure, threats[0].Kind)
	assert.Equal(t, uint64(1), e.Metrics().OSNMAFailures.Value())
}

func TestSubmit_DropsWhenBacklogged(t *testing.T) {
	e, clock := newTestEngine(t, testConfig(0, "pmu-east-01"))

	for i := 0; i < 150; i++ {
		e.SubmitSample(signal.Sample{Element: "pmu-east-01", Timestamp: clock.Now()})
	}
	assert.Equal(t, uint64(50), e.Metrics().DroppedInputs.Value())
}

func TestSetEMCON_SuspendsPeerExchange(t *testing.T) {
	e, clock := newTestEngine(t, testConfig(0, "pmu-east-01"))

	require.NoError(t, e.SetEMCON(true, "operator"))
	assert.True(t, e.EMCON())
	assert.Contains(t, ledgerTypes(e), ledger.EventConfigChange)

	e.SubmitPeerOffsets(PeerOffsets{Element: "pmu-east-01", Timestamp: clock.Now()})
	assert.Equal(t, uint64(1), e.Metrics().DroppedInputs.Value())

	// Lifting it twice is a no-op after the first.
	require.NoError(t, e.SetEMCON(false, "operator"))
	entries := len(e.Ledger().Entries())
	require.NoError(t, e.SetEMCON(false, "operator"))
	assert.Equal(t, entries, len(e.Ledger().Entries()))
}

func TestActivate_ForcesLevel(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(0, "pmu-east-01"))

	require.NoError(t, e.Activate("pmu-east-01", warmode.LevelTactical, "operator", "exercise"))

	ctrl, _ := e.Registry().Get("pmu-east-01")
	assert.Equal(t, warmode.LevelTactical, ctrl.Level())
	assert.Contains(t, ledgerTypes(e), ledger.EventWarModeOn)

	sessions, err := e.Store().ListSessions(0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "operator", sessions[0].ActivatedBy)

	assert.Error(t, e.Activate("unknown", warmode.LevelTactical, "operator", ""))
}

func TestResolveThreat(t *testing.T) {
	e, clock := newTestEngine(t, testConfig(0, "pmu-east-01"))

	ev := threat.NewEvent(threat.KindMultipath, threat.SeverityMedium, "pmu-east-01", clock.Now())
	e.recordThreat(ev)

	require.NoError(t, e.ResolveThreat(ev.ID))
	got, err := e.Store().GetThreat(ev.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)

	assert.ErrorIs(t, e.ResolveThreat("no-such-id"), store.ErrNotFound)
}

func TestStatus_Snapshot(t *testing.T) {
	e, clock := newTestEngine(t, testConfig(0, "pmu-east-01", "pmu-west-02"))

	benignFix(e, clock, "pmu-east-01")
	e.assessElements()

	st := e.Status()
	assert.False(t, st.Running)
	assert.Len(t, st.Elements, 2)
	assert.Equal(t, clock.Now(), st.At)
}

func TestLedger_ChainVerifiesAfterActivity(t *testing.T) {
	e, clock := newTestEngine(t, testConfig(0, "pmu-east-01"))

	benignFix(e, clock, "pmu-east-01")
	e.assessElements()
	require.NoError(t, e.SetSourceAvailable("pmu-east-01", source.GNSSPrimary, false))
	e.assessElements()
	require.NoError(t, e.SetEMCON(true, "operator"))

	require.NoError(t, e.Ledger().Verify())

	// The persisted chain reloads to the same head.
	entries, err := e.Store().LoadLedgerEntries()
	require.NoError(t, err)
	reloaded, err := ledger.FromEntries(entries, clock.Now)
	require.NoError(t, err)
	assert.Equal(t, e.Ledger().Head(), reloaded.Head())
}

func drainEventKinds(ch <-chan Event) []EventKind {
	var kinds []EventKind
	for {
		select {
		case ev := <-ch:
			kinds = append(kinds, ev.Kind)
		default:
			return kinds
		}
	}
}
