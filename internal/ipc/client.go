package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Client-side errors.
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// IPCClient talks to the tresd daemon over its control socket.
type IPCClient struct {
	mu         sync.RWMutex
	conn       net.Conn
	socketPath string
	clientID   string
	version    string

	connected    atomic.Bool
	reconnecting atomic.Bool

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	eventChan    chan *Event
	eventHandler EventHandler
	eventMu      sync.RWMutex

	autoReconnect bool
	reconnectWait time.Duration
	maxReconnect  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	config ClientConfig
}

// ClientConfig configures the IPC client.
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	AutoReconnect  bool
	ReconnectWait  time.Duration
	MaxReconnect   int
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(tresdDir string) ClientConfig {
	return ClientConfig{
		SocketPath:     filepath.Join(tresdDir, "tresd.sock"),
		ClientName:     "tresctl",
		ClientVersion:  "1.0.0",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
		AutoReconnect:  true,
		ReconnectWait:  time.Second,
		MaxReconnect:   3,
	}
}

// EventHandler is called when streamed events arrive.
type EventHandler func(event *Event)

// NewClient creates an IPC client.
func NewClient(cfg ClientConfig) *IPCClient {
	ctx, cancel := context.WithCancel(context.Background())

	return &IPCClient{
		socketPath:    cfg.SocketPath,
		pending:       make(map[uint32]chan *Message),
		eventChan:     make(chan *Event, 100),
		autoReconnect: cfg.AutoReconnect,
		reconnectWait: cfg.ReconnectWait,
		maxReconnect:  cfg.MaxReconnect,
		ctx:           ctx,
		cancel:        cancel,
		config:        cfg,
	}
}

// Connect establishes a connection to the daemon.
func (c *IPCClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.Dial("unix", c.socketPath)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.conn = conn
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop()

	if err := c.handshake(); err != nil {
		c.close()
		return fmt.Errorf("handshake: %w", err)
	}

	return nil
}

// Close closes the connection to the daemon.
func (c *IPCClient) Close() error {
	c.cancel()
	c.close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	close(c.eventChan)
	return nil
}

// close closes the connection without signaling shutdown.
func (c *IPCClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)

	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[uint32]chan *Message)
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected.
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// ClientID returns the identifier assigned by the server.
func (c *IPCClient) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// ServerVersion returns the daemon version reported at handshake.
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// SetEventHandler sets the handler for streamed events.
func (c *IPCClient) SetEventHandler(handler EventHandler) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.eventHandler = handler
}

// Events returns the channel of streamed events.
func (c *IPCClient) Events() <-chan *Event {
	return c.eventChan
}

func (c *IPCClient) handshake() error {
	req := &HandshakeRequest{
		ClientName:      c.config.ClientName,
		ClientVersion:   c.config.ClientVersion,
		ProtocolVersion: ProtocolVersion,
	}

	resp, err := c.request(MsgHandshake, req)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgHandshakeAck {
		return fmt.Errorf("unexpected response type: %d", resp.Header.Type)
	}

	var ack HandshakeResponse
	if err := Decode(resp.Payload, &ack); err != nil {
		return err
	}

	c.clientID = ack.ClientID
	c.version = ack.ServerVersion
	return nil
}

// request sends a request and waits for a response.
func (c *IPCClient) request(msgType MessageType, payload any) (*Message, error) {
	return c.requestWithTimeout(msgType, payload, c.config.RequestTimeout)
}

func (c *IPCClient) requestWithTimeout(msgType MessageType, payload any, timeout time.Duration) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		data, err = Encode(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, data)

	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := msg.Write(conn); err != nil {
		c.close()
		return nil, fmt.Errorf("write message: %w", err)
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *IPCClient) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		if conn == nil {
			if c.autoReconnect {
				c.tryReconnect()
				continue
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		msg, err := ReadMessage(conn)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.sendPing()
				continue
			}
			c.close()
			if c.autoReconnect {
				c.tryReconnect()
				continue
			}
			return
		}

		c.handleMessage(msg)
	}
}

func (c *IPCClient) handleMessage(msg *Message) {
	switch msg.Header.Type {
	case MsgPong:
		// Keepalive reply, nothing to do.

	case MsgPing:
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn != nil {
			pong := NewMessage(MsgPong, msg.Header.RequestID, nil)
			pong.Write(conn)
		}

	case MsgEvent:
		var event Event
		if err := Decode(msg.Payload, &event); err == nil {
			select {
			case c.eventChan <- &event:
			default:
			}

			c.eventMu.RLock()
			handler := c.eventHandler
			c.eventMu.RUnlock()
			if handler != nil {
				go handler(&event)
			}
		}

	default:
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

func (c *IPCClient) sendPing() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn != nil {
		msg := NewMessage(MsgPing, c.nextReqID.Add(1), nil)
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		msg.Write(conn)
	}
}

func (c *IPCClient) tryReconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	for i := 0; i < c.maxReconnect; i++ {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.reconnectWait):
		}

		if err := c.Connect(); err == nil {
			return
		}
	}
}

// decodeResponse unwraps a response frame, surfacing daemon errors.
func decodeResponse(resp *Message, v any) error {
	if resp.Header.Type == MsgError {
		var errResp ErrorResponse
		if err := Decode(resp.Payload, &errResp); err != nil {
			return fmt.Errorf("daemon error (undecodable)")
		}
		return fmt.Errorf("%s", errResp.Message)
	}
	if v == nil {
		return nil
	}
	return Decode(resp.Payload, v)
}

// High-level API methods.

// Ping checks whether the daemon is responsive.
func (c *IPCClient) Ping() error {
	resp, err := c.requestWithTimeout(MsgPing, nil, 5*time.Second)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgPong {
		return fmt.Errorf("unexpected response: %d", resp.Header.Type)
	}
	return nil
}

// Status requests the daemon status.
func (c *IPCClient) Status(includeHost bool) (*StatusResponse, error) {
	resp, err := c.request(MsgStatus, &StatusRequest{IncludeHost: includeHost})
	if err != nil {
		return nil, err
	}
	var status StatusResponse
	if err := decodeResponse(resp, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Health requests the component health report.
func (c *IPCClient) Health() (*HealthResponse, error) {
	resp, err := c.request(MsgHealth, &HealthRequest{IncludeComponents: true})
	if err != nil {
		return nil, err
	}
	var report HealthResponse
	if err := decodeResponse(resp, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Metrics requests a metrics snapshot.
func (c *IPCClient) Metrics(format string) (*MetricsResponse, error) {
	resp, err := c.request(MsgMetrics, &MetricsRequest{Format: format})
	if err != nil {
		return nil, err
	}
	var result MetricsResponse
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListThreats lists recorded threats.
func (c *IPCClient) ListThreats(since time.Time, includeResolved bool, limit int) (*ListThreatsResponse, error) {
	req := &ListThreatsRequest{
		Since:           since,
		IncludeResolved: includeResolved,
		Limit:           limit,
	}
	resp, err := c.request(MsgListThreats, req)
	if err != nil {
		return nil, err
	}
	var result ListThreatsResponse
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ResolveThreat marks a threat resolved.
func (c *IPCClient) ResolveThreat(id string) error {
	resp, err := c.request(MsgResolveThreat, &ResolveThreatRequest{ID: id})
	if err != nil {
		return err
	}
	var result ResolveThreatResponse
	if err := decodeResponse(resp, &result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("resolve threat: %s", result.Error)
	}
	return nil
}

// ThreatSummary requests aggregated threat counts for a trailing window.
func (c *IPCClient) ThreatSummary(window time.Duration) (*ThreatSummaryResponse, error) {
	resp, err := c.request(MsgThreatSummary, &ThreatSummaryRequest{WindowSec: int(window.Seconds())})
	if err != nil {
		return nil, err
	}
	var result ThreatSummaryResponse
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// BandIntel requests per-band jamming statistics.
func (c *IPCClient) BandIntel() (*BandIntelResponse, error) {
	resp, err := c.request(MsgBandIntel, nil)
	if err != nil {
		return nil, err
	}
	var result BandIntelResponse
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListFailovers lists source failover history.
func (c *IPCClient) ListFailovers(element string, limit int) (*ListFailoversResponse, error) {
	resp, err := c.request(MsgListFailovers, &ListFailoversRequest{Element: element, Limit: limit})
	if err != nil {
		return nil, err
	}
	var result ListFailoversResponse
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListHoldovers lists holdover history.
func (c *IPCClient) ListHoldovers(element string, limit int) (*ListHoldoversResponse, error) {
	resp, err := c.request(MsgListHoldovers, &ListHoldoversRequest{Element: element, Limit: limit})
	if err != nil {
		return nil, err
	}
	var result ListHoldoversResponse
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListSessions lists war mode sessions.
func (c *IPCClient) ListSessions(limit int) (*ListSessionsResponse, error) {
	resp, err := c.request(MsgListSessions, &ListSessionsRequest{Limit: limit})
	if err != nil {
		return nil, err
	}
	var result ListSessionsResponse
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// VerifyLedger asks the daemon to verify its audit chain.
func (c *IPCClient) VerifyLedger() (*VerifyLedgerResponse, error) {
	resp, err := c.requestWithTimeout(MsgVerifyLedger, nil, 2*time.Minute)
	if err != nil {
		return nil, err
	}
	var result VerifyLedgerResponse
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetConfig fetches the running configuration.
func (c *IPCClient) GetConfig() (*GetConfigResponse, error) {
	resp, err := c.request(MsgGetConfig, nil)
	if err != nil {
		return nil, err
	}
	var result GetConfigResponse
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReloadConfig asks the daemon to re-read its configuration file.
func (c *IPCClient) ReloadConfig() error {
	resp, err := c.request(MsgReloadConfig, nil)
	if err != nil {
		return err
	}
	var result ReloadConfigResponse
	if err := decodeResponse(resp, &result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("reload config: %s", result.Error)
	}
	return nil
}

// Activate forces a readiness level on an element.
func (c *IPCClient) Activate(element, level, actor, reason string) error {
	req := &ActivateRequest{
		Element: element,
		Level:   level,
		Actor:   actor,
		Reason:  reason,
	}
	resp, err := c.request(MsgActivate, req)
	if err != nil {
		return err
	}
	var result ActivateResponse
	if err := decodeResponse(resp, &result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("activate: %s", result.Error)
	}
	return nil
}

// SetEMCON flips emission control.
func (c *IPCClient) SetEMCON(enabled bool, actor string) error {
	resp, err := c.request(MsgSetEMCON, &SetEMCONRequest{Enabled: enabled, Actor: actor})
	if err != nil {
		return err
	}
	var result SetEMCONResponse
	if err := decodeResponse(resp, &result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("set emcon: %s", result.Error)
	}
	return nil
}

// Ingest submits a raw observation batch.
func (c *IPCClient) Ingest(batch []byte) (*IngestResponse, error) {
	resp, err := c.request(MsgIngest, &IngestRequest{Batch: batch})
	if err != nil {
		return nil, err
	}
	var result IngestResponse
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Subscribe subscribes to streamed events. Empty kinds means all kinds.
func (c *IPCClient) Subscribe(kinds []string) error {
	resp, err := c.request(MsgSubscribe, &SubscribeRequest{Kinds: kinds})
	if err != nil {
		return err
	}
	var result SubscribeResponse
	if err := decodeResponse(resp, &result); err != nil {
		return err
	}
	if !result.Success {
		return errors.New("subscription failed")
	}
	return nil
}

// Unsubscribe cancels the event subscription.
func (c *IPCClient) Unsubscribe() error {
	resp, err := c.request(MsgUnsubscribe, nil)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgUnsubscribeResp {
		return fmt.Errorf("unexpected response: %d", resp.Header.Type)
	}
	return nil
}
