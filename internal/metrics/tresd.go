package metrics

// EngineMetrics holds the engine's named metrics.
type EngineMetrics struct {
	registry *Registry

	// Counters
	SamplesTotal   *Counter
	ThreatsTotal   *Counter
	JammingTotal   *Counter
	SpoofingTotal  *Counter
	FailoversTotal *Counter
	HoldoversTotal *Counter
	LedgerAppends  *Counter
	OSNMAFailures  *Counter
	DroppedInputs  *Counter
	ErrorsTotal    *Counter

	// Gauges
	Elements        *Gauge
	WarModeMax      *Gauge
	ActiveHoldovers *Gauge
	ActiveNulls     *Gauge
	UnresolvedCount *Gauge

	// Histograms
	AssessDuration  *Histogram
	AnalyzeDuration *Histogram
}

// NewEngineMetrics registers the engine metric set on a registry. A nil
// registry gets a fresh one with the tresd namespace.
func NewEngineMetrics(registry *Registry) *EngineMetrics {
	if registry == nil {
		registry = NewRegistry("tresd")
	}
	return &EngineMetrics{
		registry: registry,

		SamplesTotal: registry.RegisterCounter(
			"samples_total", "Spectrum and fix samples ingested", nil),
		ThreatsTotal: registry.RegisterCounter(
			"threats_total", "Threat events recorded", nil),
		JammingTotal: registry.RegisterCounter(
			"jamming_total", "Jamming threat events recorded", nil),
		SpoofingTotal: registry.RegisterCounter(
			"spoofing_total", "Spoofing determinations recorded", nil),
		FailoversTotal: registry.RegisterCounter(
			"failovers_total", "Timing source failovers executed", nil),
		HoldoversTotal: registry.RegisterCounter(
			"holdovers_total", "Holdover periods opened", nil),
		LedgerAppends: registry.RegisterCounter(
			"ledger_appends_total", "Audit ledger entries appended", nil),
		OSNMAFailures: registry.RegisterCounter(
			"osnma_failures_total", "Navigation message authentication failures", nil),
		DroppedInputs: registry.RegisterCounter(
			"dropped_inputs_total", "Metric deliveries dropped on full queues", nil),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total", "Internal errors", nil),

		Elements: registry.RegisterGauge(
			"elements", "Registered network elements", nil),
		WarModeMax: registry.RegisterGauge(
			"war_mode_max", "Highest war mode level across elements", nil),
		ActiveHoldovers: registry.RegisterGauge(
			"active_holdovers", "Elements currently in holdover", nil),
		ActiveNulls: registry.RegisterGauge(
			"active_nulls", "Spatial nulls currently steered", nil),
		UnresolvedCount: registry.RegisterGauge(
			"unresolved_threats", "Threats not yet resolved", nil),

		AssessDuration: registry.RegisterHistogram(
			"assess_duration_seconds", "Per-element assessment tick duration", nil, nil),
		AnalyzeDuration: registry.RegisterHistogram(
			"analyze_duration_seconds", "Per-sample analysis duration", nil, nil),
	}
}

// Registry returns the backing registry for exposition.
func (m *EngineMetrics) Registry() *Registry {
	return m.registry
}
