package engine

import (
	"context"
	"time"

	"tresd/internal/nullsteer"
	"tresd/internal/osnma"
	"tresd/internal/signal"
	"tresd/internal/threat"
)

// PeerOffsets is one round of time offset measurements for an element:
// the element's own offset against the selected reference and the
// offsets reported by its holdover peers.
type PeerOffsets struct {
	Element   string          `json:"element"`
	Local     time.Duration   `json:"local_offset"`
	Peers     []time.Duration `json:"peer_offsets"`
	Timestamp time.Time       `json:"timestamp"`
}

// SatObservation is one per-satellite measurement set for the spoofing
// heuristics. Negative or zero predicted doppler skips the doppler check.
type SatObservation struct {
	Element            string  `json:"element"`
	SatelliteID        int     `json:"satellite_id"`
	PowerDBm           float64 `json:"power_dbm"`
	CodePhaseM         float64 `json:"code_phase_m"`
	CarrierPhaseM      float64 `json:"carrier_phase_m"`
	DopplerObservedHz  float64 `json:"doppler_observed_hz"`
	DopplerPredictedHz float64 `json:"doppler_predicted_hz"`
}

// SubmitSample offers an RF spectrum sample to the pipeline. Samples
// are dropped rather than blocking a driver when the engine is behind.
func (e *Engine) SubmitSample(s signal.Sample) {
	select {
	case e.sampleCh <- s:
	default:
		e.metrics.DroppedInputs.Inc()
	}
}

// SubmitFix offers a GNSS fix-quality snapshot to the pipeline.
func (e *Engine) SubmitFix(q threat.FixQuality) {
	select {
	case e.fixCh <- q:
	default:
		e.metrics.DroppedInputs.Inc()
	}
}

// SubmitPeerOffsets offers a round of peer time measurements. Under
// EMCON the round is discarded: peer exchange is suspended.
func (e *Engine) SubmitPeerOffsets(p PeerOffsets) {
	if e.registry.EMCON() {
		e.metrics.DroppedInputs.Inc()
		return
	}
	select {
	case e.peerCh <- p:
	default:
		e.metrics.DroppedInputs.Inc()
	}
}

// SubmitNavMessage offers a navigation message for authentication.
// Ignored when authentication is disabled.
func (e *Engine) SubmitNavMessage(msg osnma.NavMessage) {
	if e.verifier == nil {
		return
	}
	select {
	case e.navCh <- msg:
	default:
		e.metrics.DroppedInputs.Inc()
	}
}

// ObserveSatellite feeds one satellite's measurements straight into the
// element's spoofing detector. The detector serializes internally, so
// drivers call this from their own goroutines.
func (e *Engine) ObserveSatellite(obs SatObservation) {
	ctrl, err := e.registry.Get(obs.Element)
	if err != nil {
		return
	}
	det := ctrl.Detector()
	det.ObservePower(obs.SatelliteID, obs.PowerDBm)
	det.ObserveCodeCarrier(obs.SatelliteID, obs.CodePhaseM, obs.CarrierPhaseM)
	if obs.DopplerPredictedHz > 0 {
		det.ObserveDoppler(obs.SatelliteID, obs.DopplerObservedHz, obs.DopplerPredictedHz)
	}
}

// context returns the run context, or Background before Start.
func (e *Engine) context() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}

// ingestLoop drains all input channels until the engine stops.
func (e *Engine) ingestLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case s := <-e.sampleCh:
			e.handleSample(s)
		case q := <-e.fixCh:
			e.handleFix(q)
		case p := <-e.peerCh:
			e.handlePeers(p)
		case msg := <-e.navCh:
			e.handleNav(msg)
		}
	}
}

// handleSample runs jamming detection on one spectrum sample and places
// a spatial null when the interference is severe and directional.
func (e *Engine) handleSample(s signal.Sample) {
	e.metrics.SamplesTotal.Inc()
	start := e.now()

	st := e.indicatorsFor(s.Element)
	if s.CN0DBHz > 0 {
		st.noteCN0(s.CN0DBHz, start)
	}

	ev := e.analyzer.Analyze(s)
	e.metrics.AnalyzeDuration.ObserveDuration(e.now().Sub(start))
	if ev == nil {
		return
	}

	st.noteJamming(start)
	e.metrics.JammingTotal.Inc()
	e.recordThreat(ev)
	e.mitigate(s.Element, ev)
}

// mitigate places a null against directional high-severity jamming.
func (e *Engine) mitigate(element string, ev *threat.Event) {
	ctrl, err := e.registry.Get(element)
	if err != nil {
		return
	}
	n, err := ctrl.Nulls().Mitigate(ev)
	if err != nil {
		if err == nullsteer.ErrNullLimit {
			e.log.Warn("null array exhausted, interference unmitigated",
				"element", element, "threat", ev.ID)
		} else {
			e.log.Error("null placement failed", "element", element, "error", err)
		}
		if e.eventLog != nil {
			e.eventLog.LogNullSteering(e.context(), element, "create", false,
				map[string]interface{}{"threat_id": ev.ID, "error": err.Error()})
		}
		return
	}
	if n == nil {
		return
	}
	if e.eventLog != nil {
		e.eventLog.LogNullSteering(e.context(), element, "create", true,
			map[string]interface{}{
				"null_id":       n.ID,
				"direction_deg": n.DirectionDeg,
				"depth_db":      n.DepthDB,
			})
	}
	e.log.Info("spatial null placed",
		"element", element,
		"direction", n.Direction,
		"depth_db", n.DepthDB)
	e.emit(Event{Kind: EventNullPlaced, Element: element, At: e.now(), Null: n})
}

// handleFix runs the aggregator rules on one fix-quality snapshot.
func (e *Engine) handleFix(q threat.FixQuality) {
	st := e.indicatorsFor(q.Element)
	st.noteFix(q, e.now())

	report := e.aggregator.Analyze(q, nil)
	for _, ev := range report.Events {
		if ev.Kind == threat.KindJamming {
			st.noteJamming(ev.DetectedAt)
			e.metrics.JammingTotal.Inc()
		}
		e.recordThreat(ev)
	}
}

// handlePeers runs the clock-layer spoofing checks on one measurement
// round.
func (e *Engine) handlePeers(p PeerOffsets) {
	ctrl, err := e.registry.Get(p.Element)
	if err != nil {
		return
	}
	now := e.now()
	st := e.indicatorsFor(p.Element)
	st.notePeers(maxDivergence(p.Peers), now)

	det := ctrl.Detector()
	if ev := det.CheckClockJump(p.Local); ev != nil {
		st.noteSpoofing(now)
		e.recordThreat(ev)
	}
	if ev := det.CheckPeerDivergence(p.Peers); ev != nil {
		st.noteSpoofing(now)
		e.recordThreat(ev)
	}
}

// handleNav authenticates one navigation message.
func (e *Engine) handleNav(msg osnma.NavMessage) {
	v := e.verifier.Verify(msg)
	if v.Status != osnma.StatusFailed {
		return
	}
	e.metrics.OSNMAFailures.Inc()
	if e.eventLog != nil {
		e.eventLog.LogOSNMAFailure(e.context(), msg.Element, msg.Constellation, "tag verification failed")
	}
	e.recordThreat(e.verifier.FailureEvent(msg))
}

// maxDivergence is the largest distance of any peer from the peer mean.
func maxDivergence(peers []time.Duration) time.Duration {
	if len(peers) < 2 {
		return 0
	}
	var sum time.Duration
	for _, p := range peers {
		sum += p
	}
	mean := sum / time.Duration(len(peers))
	var max time.Duration
	for _, p := range peers {
		d := p - mean
		if d < 0 {
			d = -d
		}
		if d > max {
			max = d
		}
	}
	return max
}
