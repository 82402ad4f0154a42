// Package ipc carries the control protocol between the tresd daemon
// and its clients (tresctl, site tooling). Requests and responses are
// length-prefixed JSON frames over a Unix socket; events stream over
// the same connection after a subscribe.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"tresd/internal/anchor"
	"tresd/internal/engine"
	"tresd/internal/health"
	"tresd/internal/holdover"
	"tresd/internal/hostclock"
	"tresd/internal/signal"
	"tresd/internal/store"
	"tresd/internal/threat"
	"tresd/internal/warmode"
)

// Protocol constants.
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x54495043 // "TIPC"
)

// MessageType identifies the type of IPC message.
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Status surfaces (0x01xx)
	MsgStatus      MessageType = 0x0100
	MsgStatusResp  MessageType = 0x0101
	MsgHealth      MessageType = 0x0102
	MsgHealthResp  MessageType = 0x0103
	MsgMetrics     MessageType = 0x0104
	MsgMetricsResp MessageType = 0x0105

	// Threat operations (0x02xx)
	MsgListThreats       MessageType = 0x0200
	MsgListThreatsResp   MessageType = 0x0201
	MsgResolveThreat     MessageType = 0x0202
	MsgResolveThreatResp MessageType = 0x0203
	MsgThreatSummary     MessageType = 0x0204
	MsgThreatSummaryResp MessageType = 0x0205
	MsgBandIntel         MessageType = 0x0206
	MsgBandIntelResp     MessageType = 0x0207

	// History and verification (0x03xx)
	MsgListFailovers     MessageType = 0x0300
	MsgListFailoversResp MessageType = 0x0301
	MsgListHoldovers     MessageType = 0x0302
	MsgListHoldoversResp MessageType = 0x0303
	MsgListSessions      MessageType = 0x0304
	MsgListSessionsResp  MessageType = 0x0305
	MsgVerifyLedger      MessageType = 0x0306
	MsgVerifyLedgerResp  MessageType = 0x0307

	// Operator controls (0x04xx)
	MsgGetConfig        MessageType = 0x0400
	MsgGetConfigResp    MessageType = 0x0401
	MsgReloadConfig     MessageType = 0x0402
	MsgReloadConfigResp MessageType = 0x0403
	MsgActivate         MessageType = 0x0404
	MsgActivateResp     MessageType = 0x0405
	MsgSetEMCON         MessageType = 0x0406
	MsgSetEMCONResp     MessageType = 0x0407

	// Observation ingest (0x05xx)
	MsgIngest     MessageType = 0x0500
	MsgIngestResp MessageType = 0x0501

	// Event streaming (0x06xx)
	MsgSubscribe       MessageType = 0x0600
	MsgSubscribeResp   MessageType = 0x0601
	MsgUnsubscribe     MessageType = 0x0602
	MsgUnsubscribeResp MessageType = 0x0603
	MsgEvent           MessageType = 0x0604
)

// Header is the fixed-size message header (16 bytes, big endian).
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

// HeaderSize is the encoded header length in bytes.
const HeaderSize = 16

// MaxPayload bounds a single frame.
const MaxPayload = 8 * 1024 * 1024

// Message wraps a header and payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to w.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and validates a header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes the full message to w.
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ---- payloads ----

// HandshakeRequest opens a client connection.
type HandshakeRequest struct {
	ClientName      string `json:"client_name"`
	ClientVersion   string `json:"client_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse acknowledges the connection.
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	ClientID        string `json:"client_id"`
}

// ErrorResponse is sent when an operation fails.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error codes.
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrMalformedBatch   = 6
)

// StatusRequest asks for the daemon status.
type StatusRequest struct {
	// IncludeHost adds the advisory host clock probe result when the
	// probe is enabled.
	IncludeHost bool `json:"include_host,omitempty"`
}

// StatusResponse is the daemon-wide status snapshot.
type StatusResponse struct {
	Version   string              `json:"version"`
	StartedAt time.Time           `json:"started_at"`
	Uptime    time.Duration       `json:"uptime"`
	Engine    engine.EngineStatus `json:"engine"`
	Store     *store.Stats        `json:"store,omitempty"`
	Anchor    *anchor.Anchor      `json:"anchor,omitempty"`
	HostClock *hostclock.State    `json:"host_clock,omitempty"`
}

// HealthRequest asks for component health.
type HealthRequest struct {
	IncludeComponents bool `json:"include_components,omitempty"`
}

// HealthResponse wraps the checker report.
type HealthResponse struct {
	Report health.Report `json:"report"`
}

// MetricsRequest asks for a metrics snapshot.
type MetricsRequest struct {
	// Format selects "json" (default) or "prometheus" text exposition.
	Format string `json:"format,omitempty"`
}

// MetricsResponse carries the snapshot.
type MetricsResponse struct {
	Snapshot map[string]any `json:"snapshot,omitempty"`
	Text     string         `json:"text,omitempty"`
}

// ListThreatsRequest filters the threat record.
type ListThreatsRequest struct {
	Since           time.Time `json:"since,omitempty"`
	IncludeResolved bool      `json:"include_resolved,omitempty"`
	Limit           int       `json:"limit,omitempty"`
}

// ListThreatsResponse carries matching threats, newest first.
type ListThreatsResponse struct {
	Threats []*threat.Event `json:"threats"`
}

// ResolveThreatRequest marks a threat resolved.
type ResolveThreatRequest struct {
	ID string `json:"id"`
}

// ResolveThreatResponse acknowledges the resolution.
type ResolveThreatResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ThreatSummaryRequest selects the trailing window.
type ThreatSummaryRequest struct {
	WindowSec int `json:"window_sec,omitempty"`
}

// ThreatSummaryResponse carries the aggregated counts.
type ThreatSummaryResponse struct {
	Summary *store.ThreatSummary `json:"summary"`
}

// BandIntelResponse carries per-band jamming statistics.
type BandIntelResponse struct {
	Bands map[string]signal.BandStats `json:"bands"`
}

// ListFailoversRequest filters failover history.
type ListFailoversRequest struct {
	Element string `json:"element,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// ListFailoversResponse carries matching failovers, newest first.
type ListFailoversResponse struct {
	Failovers []store.FailoverRecord `json:"failovers"`
}

// ListHoldoversRequest filters holdover history.
type ListHoldoversRequest struct {
	Element string `json:"element,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// ListHoldoversResponse carries matching holdover events.
type ListHoldoversResponse struct {
	Holdovers []holdover.Event `json:"holdovers"`
}

// ListSessionsRequest limits session history.
type ListSessionsRequest struct {
	Limit int `json:"limit,omitempty"`
}

// ListSessionsResponse carries war mode sessions, newest first.
type ListSessionsResponse struct {
	Sessions []*warmode.Session `json:"sessions"`
}

// VerifyLedgerResponse reports a live chain verification.
type VerifyLedgerResponse struct {
	Valid    bool     `json:"valid"`
	Entries  int      `json:"entries"`
	Head     string   `json:"head"`
	AnchorOK bool     `json:"anchor_ok"`
	Errors   []string `json:"errors,omitempty"`
}

// GetConfigResponse carries the running configuration.
type GetConfigResponse struct {
	Config json.RawMessage `json:"config"`
}

// ReloadConfigResponse acknowledges a config reload.
type ReloadConfigResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ActivateRequest forces a war mode level on an element.
type ActivateRequest struct {
	Element string `json:"element"`
	Level   string `json:"level"`
	Actor   string `json:"actor,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ActivateResponse acknowledges the activation.
type ActivateResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SetEMCONRequest flips emission control.
type SetEMCONRequest struct {
	Enabled bool   `json:"enabled"`
	Actor   string `json:"actor,omitempty"`
}

// SetEMCONResponse acknowledges the change.
type SetEMCONResponse struct {
	Success bool   `json:"success"`
	Enabled bool   `json:"enabled"`
	Error   string `json:"error,omitempty"`
}

// IngestRequest submits an observation batch. The batch is validated
// against the embedded schema before anything is accepted.
type IngestRequest struct {
	Batch json.RawMessage `json:"batch"`
}

// IngestResponse reports how many observations were accepted.
type IngestResponse struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// SubscribeRequest opens an event subscription. Empty kinds means all
// event kinds.
type SubscribeRequest struct {
	Kinds []string `json:"kinds,omitempty"`
}

// SubscribeResponse acknowledges the subscription.
type SubscribeResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscription_id"`
}

// Event is one streamed engine event.
type Event struct {
	Kind      string       `json:"kind"`
	Element   string       `json:"element,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Data      engine.Event `json:"data"`
}

// Encode encodes a payload to JSON bytes.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes into v.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error response frame.
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{Code: code, Message: message})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response frame with an encoded payload.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
