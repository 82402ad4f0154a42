// Package engine wires the detection pipeline to the per-element
// resilience controllers and runs the daemon's periodic loops.
//
// Receiver drivers push observations in through buffered channels;
// ingestion loops feed the analyzers and note smoothed indicators per
// element. An assessment ticker turns those indicators into war mode
// decisions, and a slower holdover ticker recomputes accumulated drift
// for any element running on its own oscillator. Every decision that
// changes externally visible state is persisted, appended to the audit
// ledger and published to subscribers.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"tresd/internal/config"
	"tresd/internal/holdover"
	"tresd/internal/ledger"
	"tresd/internal/logging"
	"tresd/internal/metrics"
	"tresd/internal/osnma"
	"tresd/internal/resilience"
	"tresd/internal/signal"
	"tresd/internal/source"
	"tresd/internal/spoof"
	"tresd/internal/store"
	"tresd/internal/threat"
	"tresd/internal/warmode"
)

var (
	// ErrAlreadyRunning is returned when Start is called while running.
	ErrAlreadyRunning = errors.New("engine: already running")

	// ErrNotRunning is returned for operations requiring a running engine.
	ErrNotRunning = errors.New("engine: not running")
)

// Default loop cadences, used when the configuration leaves them unset.
const (
	DefaultAssessInterval   = time.Second
	DefaultHoldoverInterval = 10 * time.Second
)

// Deps carries the shared services the engine builds on. Store is
// required; everything else has a working default.
type Deps struct {
	Store    *store.Store
	Ledger   *ledger.Ledger
	Verifier *osnma.Verifier
	Logger   *logging.Logger
	EventLog *logging.EventLog
	Metrics  *metrics.EngineMetrics
	Clock    func() time.Time
}

// Engine runs the timing resilience pipeline for all configured elements.
type Engine struct {
	mu sync.RWMutex

	cfg      *config.Config
	log      *logging.Logger
	eventLog *logging.EventLog

	registry   *resilience.Registry
	analyzer   *signal.Analyzer
	aggregator *threat.Aggregator
	cn0drop    *threat.CN0DropRule
	verifier   *osnma.Verifier
	ledger     *ledger.Ledger
	store      *store.Store
	metrics    *metrics.EngineMetrics

	// Input channels fed by receiver drivers
	sampleCh chan signal.Sample
	fixCh    chan threat.FixQuality
	peerCh   chan PeerOffsets
	navCh    chan osnma.NavMessage

	// Smoothed indicator state per element
	indicators map[string]*indicatorState

	subscribers []chan<- Event

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	now     func() time.Time
}

// New builds an engine from the configuration, creating one controller
// per configured element.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if deps.Store == nil {
		return nil, errors.New("engine: store required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	log := deps.Logger
	if log == nil {
		log = logging.Default()
	}
	led := deps.Ledger
	if led == nil {
		led = ledger.New(clock)
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewEngineMetrics(nil)
	}

	verifier := deps.Verifier
	if verifier == nil && cfg.OSNMA.Enabled {
		v, err := osnma.NewVerifier(osnma.Algorithm(cfg.OSNMA.Algorithm), cfg.OSNMA.RateWindow(), clock)
		if err != nil {
			return nil, err
		}
		verifier = v
	}

	agg := threat.NewAggregator(floorsFrom(cfg.Detection), clock)
	drop := threat.NewCN0DropRule(cn0DropFrom(cfg.Detection))
	agg.AddRule(drop.Rule())

	e := &Engine{
		cfg:        cfg,
		log:        log.WithComponent("engine"),
		eventLog:   deps.EventLog,
		registry:   resilience.NewRegistry(clock),
		analyzer:   signal.NewAnalyzer(signalThresholdsFrom(cfg.Detection), clock),
		aggregator: agg,
		cn0drop:    drop,
		verifier:   verifier,
		ledger:     led,
		store:      deps.Store,
		metrics:    m,
		sampleCh:   make(chan signal.Sample, 100),
		fixCh:      make(chan threat.FixQuality, 100),
		peerCh:     make(chan PeerOffsets, 100),
		navCh:      make(chan osnma.NavMessage, 100),
		indicators: make(map[string]*indicatorState),
		now:        clock,
	}

	spoofTh := spoofThresholdsFrom(cfg.Spoofing)
	for _, el := range cfg.Elements {
		ctrl, err := e.registry.Add(resilience.Config{
			Element:         el.Name,
			Oscillator:      holdover.Oscillator(el.Oscillator),
			SmoothingWindow: cfg.WarMode.SmoothingWindow(),
			Spoofing:        spoofTh,
			Clock:           clock,
		})
		if err != nil {
			return nil, err
		}
		// The antenna is assumed connected until a driver reports
		// otherwise.
		ctrl.Board().SetAvailable(source.GNSSPrimary, true)
		e.indicators[el.Name] = newIndicatorState(cfg.WarMode.SmoothingWindow())
	}
	if cfg.Daemon.EMCON {
		e.registry.SetEMCON(true)
	}
	m.Elements.Set(int64(e.registry.Len()))

	return e, nil
}

// Start spawns the ingestion loops and the assessment and holdover tickers.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return ErrAlreadyRunning
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running = true

	assessEvery := e.cfg.WarMode.AssessInterval()
	if assessEvery <= 0 {
		assessEvery = DefaultAssessInterval
	}
	holdEvery := e.cfg.WarMode.HoldoverInterval()
	if holdEvery <= 0 {
		holdEvery = DefaultHoldoverInterval
	}

	e.wg.Add(3)
	go e.ingestLoop()
	go e.assessLoop(assessEvery)
	go e.holdoverLoop(holdEvery)

	e.log.Info("engine started",
		"elements", e.registry.Len(),
		"assess_interval", assessEvery,
		"holdover_interval", holdEvery,
		"emcon", e.registry.EMCON())
	return nil
}

// Stop cancels the loops and waits for them to drain.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.cancel()
	subs := e.subscribers
	e.subscribers = nil
	e.mu.Unlock()

	e.wg.Wait()
	for _, ch := range subs {
		close(ch)
	}
	e.log.Info("engine stopped")
	return nil
}

// Running reports whether the loops are live.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Registry returns the element controller registry.
func (e *Engine) Registry() *resilience.Registry {
	return e.registry
}

// Ledger returns the audit ledger.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// Store returns the persistence layer.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Analyzer returns the signal analyzer, for band intelligence queries.
func (e *Engine) Analyzer() *signal.Analyzer {
	return e.analyzer
}

// Metrics returns the engine metric set.
func (e *Engine) Metrics() *metrics.EngineMetrics {
	return e.metrics
}

// Verifier returns the navigation message verifier, or nil when
// authentication is disabled.
func (e *Engine) Verifier() *osnma.Verifier {
	return e.verifier
}

// SetSourceAvailable records a timing source appearing or vanishing on
// an element. The change takes effect on the next assessment tick.
func (e *Engine) SetSourceAvailable(element string, s source.Source, available bool) error {
	ctrl, err := e.registry.Get(element)
	if err != nil {
		return err
	}
	ctrl.Board().SetAvailable(s, available)
	return nil
}

// SetEMCON flips emission control. Under EMCON peer offset exchange is
// suspended; the change is recorded in the audit ledger.
func (e *Engine) SetEMCON(enabled bool, actor string) error {
	if !e.registry.SetEMCON(enabled) {
		return nil
	}
	e.appendLedger(ledger.EventConfigChange, actor, map[string]any{
		"setting": "emcon",
		"enabled": enabled,
	})
	if e.eventLog != nil {
		e.eventLog.LogEMCONChange(context.Background(), enabled)
	}
	e.log.Warn("emission control changed", "enabled", enabled, "actor", actor)
	e.emit(Event{Kind: EventEMCONChanged, At: e.now()})
	return nil
}

// EMCON reports whether emission control is active.
func (e *Engine) EMCON() bool {
	return e.registry.EMCON()
}

// Config returns a copy of the currently applied configuration.
func (e *Engine) Config() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Clone()
}

// Activate forces an element's war mode level by operator request.
func (e *Engine) Activate(element string, level warmode.Level, actor, reason string) error {
	ctrl, err := e.registry.Get(element)
	if err != nil {
		return err
	}
	ind := e.indicatorsFor(element).snapshot(e.now(), e.staleAfter())
	change := ctrl.Activate(level, warmode.EnvironmentFor(ind), actor, reason)
	if change != nil {
		e.recordChange(ctrl, ind, change, actor, reason)
	}
	return nil
}

// ResolveThreat marks a stored threat event as handled.
func (e *Engine) ResolveThreat(id string) error {
	if err := e.store.MarkResolved(id, e.now()); err != nil {
		return err
	}
	e.metrics.UnresolvedCount.Dec()
	return nil
}

// Status snapshots the whole engine for the control surface.
func (e *Engine) Status() EngineStatus {
	elements := make([]resilience.Status, 0, e.registry.Len())
	maxLevel := warmode.LevelPeacetime
	holds, nulls := 0, 0
	for _, ctrl := range e.registry.All() {
		st := ctrl.Status()
		if st.Level > maxLevel {
			maxLevel = st.Level
		}
		if st.Holdover != nil {
			holds++
		}
		nulls += st.Nulls.Active
		elements = append(elements, st)
	}
	e.metrics.WarModeMax.Set(int64(maxLevel))
	e.metrics.ActiveHoldovers.Set(int64(holds))
	e.metrics.ActiveNulls.Set(int64(nulls))

	return EngineStatus{
		Running:  e.Running(),
		EMCON:    e.registry.EMCON(),
		Elements: elements,
		Ledger:   e.ledger.Summary(),
		At:       e.now(),
	}
}

// EngineStatus is the engine-wide snapshot served over IPC.
type EngineStatus struct {
	Running  bool                `json:"running"`
	EMCON    bool                `json:"emcon"`
	Elements []resilience.Status `json:"elements"`
	Ledger   ledger.Summary      `json:"ledger"`
	At       time.Time           `json:"at"`
}

// Subscribe returns a channel of engine events. Slow subscribers miss
// events rather than stalling the pipeline; the channel is closed on
// Stop.
func (e *Engine) Subscribe() <-chan Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan Event, 100)
	e.subscribers = append(e.subscribers, ch)
	return ch
}

func (e *Engine) indicatorsFor(element string) *indicatorState {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.indicators[element]
	if !ok {
		st = newIndicatorState(e.cfg.WarMode.SmoothingWindow())
		e.indicators[element] = st
	}
	return st
}

// floorsFrom maps detection configuration onto aggregator floors,
// falling back to the standard floors for unset values.
func floorsFrom(d config.DetectionConfig) threat.Floors {
	f := threat.DefaultFloors()
	if d.CN0FloorDBHz > 0 {
		f.CN0Jamming = d.CN0FloorDBHz
	}
	if d.MinSatellites > 0 {
		f.MinSatellites = d.MinSatellites
	}
	if d.TDOPCeiling > 0 {
		f.TDOPCeiling = d.TDOPCeiling
	}
	if d.StaleAfterSec > 0 {
		f.StaleAfter = d.StaleAfter()
	}
	return f
}

func cn0DropFrom(d config.DetectionConfig) threat.CN0DropThresholds {
	th := threat.DefaultCN0DropThresholds()
	if d.CN0DropDB > 0 {
		th.DropDB = d.CN0DropDB
	}
	return th
}

func signalThresholdsFrom(d config.DetectionConfig) signal.Thresholds {
	th := signal.DefaultThresholds()
	if d.JammingThresholdDB > 0 {
		th.JammingDB = d.JammingThresholdDB
	}
	if d.NarrowbandKHz > 0 {
		th.NarrowbandKHz = d.NarrowbandKHz
	}
	if d.WidebandKHz > 0 {
		th.WidebandKHz = d.WidebandKHz
	}
	if d.BaselineAlpha > 0 {
		th.BaselineAlpha = d.BaselineAlpha
	}
	return th
}

func spoofThresholdsFrom(s config.SpoofingConfig) spoof.Thresholds {
	th := spoof.DefaultThresholds()
	if s.ClockJumpMaxUs > 0 {
		th.ClockJumpMax = s.ClockJumpMax()
	}
	if s.PeerDivergenceMaxUs > 0 {
		th.PeerDivergenceMax = s.PeerDivergenceMax()
	}
	if s.PowerJumpDB > 0 {
		th.PowerJumpDB = s.PowerJumpDB
	}
	if s.CodeCarrierMaxM > 0 {
		th.CodeCarrierMaxM = s.CodeCarrierMaxM
	}
	if s.DopplerMaxHz > 0 {
		th.DopplerMaxHz = s.DopplerMaxHz
	}
	if s.IndicatorWindowSec > 0 {
		th.IndicatorWindow = s.IndicatorWindow()
	}
	if s.ScorePerIndicator > 0 {
		th.ScorePerIndicator = s.ScorePerIndicator
	}
	if s.DetectScore > 0 {
		th.DetectScore = s.DetectScore
	}
	if s.AuthRateFloor > 0 {
		th.AuthRateFloor = s.AuthRateFloor
	}
	return th
}
