package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"tresd/internal/anchor"
	"tresd/internal/config"
	"tresd/internal/engine"
	"tresd/internal/health"
	"tresd/internal/hostclock"
	"tresd/internal/ledger"
	"tresd/internal/logging"
	"tresd/internal/schemaval"
	"tresd/internal/warmode"
)

// EngineHandler serves control requests against a running engine.
type EngineHandler struct {
	engine    *engine.Engine
	cfg       *config.Config
	checker   *health.Checker
	anchorer  *anchor.Anchorer
	prober    hostclock.Prober
	reload    func() error
	log       *logging.Logger
	version   string
	startedAt time.Time
}

// HandlerDeps collects the handler's collaborators. Anchorer, Prober
// and Reload are optional.
type HandlerDeps struct {
	Engine   *engine.Engine
	Config   *config.Config
	Checker  *health.Checker
	Anchorer *anchor.Anchorer
	Prober   hostclock.Prober
	Reload   func() error
	Logger   *logging.Logger
	Version  string
}

// NewEngineHandler creates the daemon-side message handler.
func NewEngineHandler(deps HandlerDeps) *EngineHandler {
	log := deps.Logger
	if log == nil {
		log = logging.Default()
	}
	return &EngineHandler{
		engine:    deps.Engine,
		cfg:       deps.Config,
		checker:   deps.Checker,
		anchorer:  deps.Anchorer,
		prober:    deps.Prober,
		reload:    deps.Reload,
		log:       log.WithComponent("ipc-handler"),
		version:   deps.Version,
		startedAt: time.Now(),
	}
}

// HandleMessage dispatches one request to the engine.
func (h *EngineHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	reqID := msg.Header.RequestID

	switch msg.Header.Type {
	case MsgStatus:
		return h.handleStatus(ctx, reqID, msg.Payload)
	case MsgHealth:
		return h.handleHealth(ctx, reqID, msg.Payload)
	case MsgMetrics:
		return h.handleMetrics(reqID, msg.Payload)
	case MsgListThreats:
		return h.handleListThreats(reqID, msg.Payload)
	case MsgResolveThreat:
		return h.handleResolveThreat(reqID, msg.Payload)
	case MsgThreatSummary:
		return h.handleThreatSummary(reqID, msg.Payload)
	case MsgBandIntel:
		return NewResponse(MsgBandIntelResp, reqID, &BandIntelResponse{
			Bands: h.engine.Analyzer().BandIntelligence(),
		})
	case MsgListFailovers:
		return h.handleListFailovers(reqID, msg.Payload)
	case MsgListHoldovers:
		return h.handleListHoldovers(reqID, msg.Payload)
	case MsgListSessions:
		return h.handleListSessions(reqID, msg.Payload)
	case MsgVerifyLedger:
		return h.handleVerifyLedger(reqID)
	case MsgGetConfig:
		return h.handleGetConfig(reqID)
	case MsgReloadConfig:
		return h.handleReloadConfig(reqID)
	case MsgActivate:
		return h.handleActivate(reqID, msg.Payload)
	case MsgSetEMCON:
		return h.handleSetEMCON(reqID, msg.Payload)
	case MsgIngest:
		return h.handleIngest(reqID, msg.Payload)
	default:
		return NewErrorMessage(reqID, ErrInvalidRequest, "unknown message type"), nil
	}
}

func (h *EngineHandler) handleStatus(ctx context.Context, reqID uint32, payload []byte) (*Message, error) {
	var req StatusRequest
	if len(payload) > 0 {
		if err := Decode(payload, &req); err != nil {
			return NewErrorMessage(reqID, ErrInvalidRequest, "invalid status request"), nil
		}
	}

	resp := &StatusResponse{
		Version:   h.version,
		StartedAt: h.startedAt,
		Uptime:    time.Since(h.startedAt),
		Engine:    h.engine.Status(),
	}

	if st := h.engine.Store(); st != nil {
		if stats, err := st.Stats(); err == nil {
			resp.Store = stats
		}
	}
	if h.anchorer != nil {
		resp.Anchor = h.anchorer.Last()
	}
	if req.IncludeHost && h.prober != nil {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		state, err := h.prober.Probe(probeCtx)
		cancel()
		if err == nil {
			resp.HostClock = state
		}
	}

	return NewResponse(MsgStatusResp, reqID, resp)
}

func (h *EngineHandler) handleHealth(ctx context.Context, reqID uint32, payload []byte) (*Message, error) {
	var req HealthRequest
	if len(payload) > 0 {
		if err := Decode(payload, &req); err != nil {
			return NewErrorMessage(reqID, ErrInvalidRequest, "invalid health request"), nil
		}
	}
	report := h.checker.Report(ctx, req.IncludeComponents)
	return NewResponse(MsgHealthResp, reqID, &HealthResponse{Report: report})
}

func (h *EngineHandler) handleMetrics(reqID uint32, payload []byte) (*Message, error) {
	var req MetricsRequest
	if len(payload) > 0 {
		if err := Decode(payload, &req); err != nil {
			return NewErrorMessage(reqID, ErrInvalidRequest, "invalid metrics request"), nil
		}
	}

	registry := h.engine.Metrics().Registry()
	resp := &MetricsResponse{}
	if req.Format == "prometheus" {
		var buf bytes.Buffer
		if err := registry.WritePrometheus(&buf); err != nil {
			return NewErrorMessage(reqID, ErrInternalError, err.Error()), nil
		}
		resp.Text = buf.String()
	} else {
		resp.Snapshot = registry.Snapshot()
	}
	return NewResponse(MsgMetricsResp, reqID, resp)
}

func (h *EngineHandler) handleListThreats(reqID uint32, payload []byte) (*Message, error) {
	var req ListThreatsRequest
	if len(payload) > 0 {
		if err := Decode(payload, &req); err != nil {
			return NewErrorMessage(reqID, ErrInvalidRequest, "invalid list request"), nil
		}
	}
	if req.Limit <= 0 || req.Limit > 1000 {
		req.Limit = 100
	}

	threats, err := h.engine.Store().ListThreats(req.Since, req.IncludeResolved, req.Limit)
	if err != nil {
		return NewErrorMessage(reqID, ErrInternalError, err.Error()), nil
	}
	return NewResponse(MsgListThreatsResp, reqID, &ListThreatsResponse{Threats: threats})
}

func (h *EngineHandler) handleResolveThreat(reqID uint32, payload []byte) (*Message, error) {
	var req ResolveThreatRequest
	if err := Decode(payload, &req); err != nil || req.ID == "" {
		return NewErrorMessage(reqID, ErrInvalidRequest, "threat id required"), nil
	}

	if err := h.engine.ResolveThreat(req.ID); err != nil {
		return NewResponse(MsgResolveThreatResp, reqID, &ResolveThreatResponse{
			Success: false,
			Error:   err.Error(),
		})
	}
	return NewResponse(MsgResolveThreatResp, reqID, &ResolveThreatResponse{Success: true})
}

func (h *EngineHandler) handleThreatSummary(reqID uint32, payload []byte) (*Message, error) {
	var req ThreatSummaryRequest
	if len(payload) > 0 {
		if err := Decode(payload, &req); err != nil {
			return NewErrorMessage(reqID, ErrInvalidRequest, "invalid summary request"), nil
		}
	}

	var since time.Time
	if req.WindowSec > 0 {
		since = time.Now().Add(-time.Duration(req.WindowSec) * time.Second)
	}

	summary, err := h.engine.Store().ThreatSummary(since)
	if err != nil {
		return NewErrorMessage(reqID, ErrInternalError, err.Error()), nil
	}
	return NewResponse(MsgThreatSummaryResp, reqID, &ThreatSummaryResponse{Summary: summary})
}

func (h *EngineHandler) handleListFailovers(reqID uint32, payload []byte) (*Message, error) {
	var req ListFailoversRequest
	if len(payload) > 0 {
		if err := Decode(payload, &req); err != nil {
			return NewErrorMessage(reqID, ErrInvalidRequest, "invalid list request"), nil
		}
	}
	if req.Limit <= 0 || req.Limit > 1000 {
		req.Limit = 100
	}

	records, err := h.engine.Store().ListFailovers(req.Element, req.Limit)
	if err != nil {
		return NewErrorMessage(reqID, ErrInternalError, err.Error()), nil
	}
	return NewResponse(MsgListFailoversResp, reqID, &ListFailoversResponse{Failovers: records})
}

func (h *EngineHandler) handleListHoldovers(reqID uint32, payload []byte) (*Message, error) {
	var req ListHoldoversRequest
	if len(payload) > 0 {
		if err := Decode(payload, &req); err != nil {
			return NewErrorMessage(reqID, ErrInvalidRequest, "invalid list request"), nil
		}
	}
	if req.Limit <= 0 || req.Limit > 1000 {
		req.Limit = 100
	}

	events, err := h.engine.Store().ListHoldovers(req.Element, req.Limit)
	if err != nil {
		return NewErrorMessage(reqID, ErrInternalError, err.Error()), nil
	}
	return NewResponse(MsgListHoldoversResp, reqID, &ListHoldoversResponse{Holdovers: events})
}

func (h *EngineHandler) handleListSessions(reqID uint32, payload []byte) (*Message, error) {
	var req ListSessionsRequest
	if len(payload) > 0 {
		if err := Decode(payload, &req); err != nil {
			return NewErrorMessage(reqID, ErrInvalidRequest, "invalid list request"), nil
		}
	}
	if req.Limit <= 0 || req.Limit > 1000 {
		req.Limit = 100
	}

	sessions, err := h.engine.Store().ListSessions(req.Limit)
	if err != nil {
		return NewErrorMessage(reqID, ErrInternalError, err.Error()), nil
	}
	return NewResponse(MsgListSessionsResp, reqID, &ListSessionsResponse{Sessions: sessions})
}

func (h *EngineHandler) handleVerifyLedger(reqID uint32) (*Message, error) {
	led := h.engine.Ledger()

	resp := &VerifyLedgerResponse{
		Entries: led.Len(),
		Head:    led.Head().String(),
	}
	if err := led.Verify(); err != nil {
		resp.Errors = append(resp.Errors, err.Error())
	} else {
		resp.Valid = true
	}

	if h.anchorer != nil && h.anchorer.Available() {
		err := h.anchorer.VerifyHead(uint64(led.Len()), led.Head())
		if err != nil {
			resp.Errors = append(resp.Errors, "anchor: "+err.Error())
		} else {
			resp.AnchorOK = true
		}
	}

	return NewResponse(MsgVerifyLedgerResp, reqID, resp)
}

func (h *EngineHandler) handleGetConfig(reqID uint32) (*Message, error) {
	cfg := h.cfg
	if h.engine != nil {
		cfg = h.engine.Config()
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return NewErrorMessage(reqID, ErrInternalError, err.Error()), nil
	}
	return NewResponse(MsgGetConfigResp, reqID, &GetConfigResponse{Config: raw})
}

func (h *EngineHandler) handleReloadConfig(reqID uint32) (*Message, error) {
	if h.reload == nil {
		return NewResponse(MsgReloadConfigResp, reqID, &ReloadConfigResponse{
			Success: false,
			Error:   "reload not supported",
		})
	}
	if err := h.reload(); err != nil {
		return NewResponse(MsgReloadConfigResp, reqID, &ReloadConfigResponse{
			Success: false,
			Error:   err.Error(),
		})
	}
	return NewResponse(MsgReloadConfigResp, reqID, &ReloadConfigResponse{Success: true})
}

func (h *EngineHandler) handleActivate(reqID uint32, payload []byte) (*Message, error) {
	var req ActivateRequest
	if err := Decode(payload, &req); err != nil || req.Element == "" {
		return NewErrorMessage(reqID, ErrInvalidRequest, "element and level required"), nil
	}

	level, err := warmode.ParseLevel(req.Level)
	if err != nil {
		return NewResponse(MsgActivateResp, reqID, &ActivateResponse{
			Success: false,
			Error:   err.Error(),
		})
	}

	actor := req.Actor
	if actor == "" {
		actor = ledger.DefaultActor
	}
	if err := h.engine.Activate(req.Element, level, actor, req.Reason); err != nil {
		return NewResponse(MsgActivateResp, reqID, &ActivateResponse{
			Success: false,
			Error:   err.Error(),
		})
	}
	return NewResponse(MsgActivateResp, reqID, &ActivateResponse{Success: true})
}

func (h *EngineHandler) handleSetEMCON(reqID uint32, payload []byte) (*Message, error) {
	var req SetEMCONRequest
	if err := Decode(payload, &req); err != nil {
		return NewErrorMessage(reqID, ErrInvalidRequest, "invalid emcon request"), nil
	}

	actor := req.Actor
	if actor == "" {
		actor = ledger.DefaultActor
	}
	if err := h.engine.SetEMCON(req.Enabled, actor); err != nil {
		return NewResponse(MsgSetEMCONResp, reqID, &SetEMCONResponse{
			Success: false,
			Enabled: h.engine.EMCON(),
			Error:   err.Error(),
		})
	}
	return NewResponse(MsgSetEMCONResp, reqID, &SetEMCONResponse{
		Success: true,
		Enabled: req.Enabled,
	})
}

// handleIngest validates an observation batch against the embedded
// schema and feeds the engine. Submission is best-effort: a full
// pipeline drops observations rather than stalling the socket.
func (h *EngineHandler) handleIngest(reqID uint32, payload []byte) (*Message, error) {
	var req IngestRequest
	if err := Decode(payload, &req); err != nil || len(req.Batch) == 0 {
		return NewErrorMessage(reqID, ErrInvalidRequest, "batch required"), nil
	}

	batch, err := schemaval.DecodeBatch(req.Batch)
	if err != nil {
		if errors.Is(err, schemaval.ErrMalformed) {
			return NewResponse(MsgIngestResp, reqID, &IngestResponse{Error: err.Error()})
		}
		return NewErrorMessage(reqID, ErrInternalError, err.Error()), nil
	}

	for _, s := range batch.Samples {
		h.engine.SubmitSample(s)
	}
	for _, q := range batch.Fixes {
		h.engine.SubmitFix(q)
	}
	for _, p := range batch.Peers {
		h.engine.SubmitPeerOffsets(engine.PeerOffsets{
			Element:   p.Element,
			Local:     p.Local(),
			Peers:     p.Peers(),
			Timestamp: p.Timestamp,
		})
	}
	for _, so := range batch.Sats {
		h.engine.ObserveSatellite(engine.SatObservation{
			Element:            so.Element,
			SatelliteID:        so.SatelliteID,
			PowerDBm:           so.PowerDBm,
			CodePhaseM:         so.CodePhaseM,
			CarrierPhaseM:      so.CarrierPhaseM,
			DopplerObservedHz:  so.DopplerObservedHz,
			DopplerPredictedHz: so.DopplerPredictedHz,
		})
	}
	for _, nav := range batch.Nav {
		h.engine.SubmitNavMessage(nav)
	}

	return NewResponse(MsgIngestResp, reqID, &IngestResponse{Accepted: batch.Observations()})
}

// StartEventPump forwards engine events to subscribed clients until ctx
// is done.
func (h *EngineHandler) StartEventPump(ctx context.Context, server *Server) {
	events := h.engine.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				server.Broadcast(&Event{
					Kind:      string(ev.Kind),
					Element:   ev.Element,
					Timestamp: ev.At,
					Data:      ev,
				})
			}
		}
	}()
}
