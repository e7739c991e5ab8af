package ha

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// requestTimeout bounds how long a single request waits for its result.
const requestTimeout = 10 * time.Second

// HAClient defines the interface for Home Assistant WebSocket client
type HAClient interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	GetState(entityID string) (*State, error)
	GetAllStates() ([]*State, error)
	CallService(domain, service string, data map[string]interface{}) error
	CallServiceWithResponse(domain, service string, data map[string]interface{}) (json.RawMessage, error)
}

// Client implements HAClient interface
type Client struct {
	url       string
	token     string
	logger    *zap.Logger
	conn      *websocket.Conn
	connected bool
	connMu    sync.RWMutex
	msgID     int
	msgIDMu   sync.Mutex
	pending   map[int]chan Message
	pendingMu sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	reconnect bool
	writeMu   sync.Mutex // Protects websocket writes
}

// NewClient creates a new Home Assistant WebSocket client
func NewClient(url, token string, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:       url,
		token:     token,
		logger:    logger.Named("ha"),
		pending:   make(map[int]chan Message),
		ctx:       ctx,
		cancel:    cancel,
		reconnect: true,
	}
}

func (c *Client) resetContextLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
}

// Connect establishes WebSocket connection and authenticates
func (c *Client) Connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.connected {
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	c.resetContextLocked()
	c.connected = true
	c.reconnect = true
	c.logger.Info("Connected to Home Assistant")

	go c.receiveMessages(c.ctx, conn)

	return nil
}

// authenticate runs the auth_required -> auth -> auth_ok handshake
func (c *Client) authenticate(conn *websocket.Conn) error {
	var authRequired Message
	if err := conn.ReadJSON(&authRequired); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if authRequired.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: c.token})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var authResponse Message
	if err := conn.ReadJSON(&authResponse); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}

	switch authResponse.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("authentication failed: invalid token")
	default:
		return fmt.Errorf("expected auth_ok, got %s", authResponse.Type)
	}
}

// Disconnect closes the WebSocket connection
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected {
		return nil
	}

	c.reconnect = false
	c.cancel()
	c.connected = false

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.conn.Close()
		c.conn = nil
	}

	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

// IsConnected returns true if client is connected
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// sendMessage sends a request with the given id and waits for its result
func (c *Client) sendMessage(msgID int, msg interface{}) (*Message, error) {
	c.connMu.RLock()
	if !c.connected {
		c.connMu.RUnlock()
		return nil, fmt.Errorf("not connected")
	}
	conn := c.conn
	ctx := c.ctx
	c.connMu.RUnlock()

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, &ServiceError{Code: resp.Error.Code, Message: resp.Error.Message}
			}
			return nil, fmt.Errorf("request failed")
		}
		return &resp, nil
	case <-time.After(requestTimeout):
		return nil, fmt.Errorf("timeout waiting for response")
	case <-ctx.Done():
		return nil, fmt.Errorf("client disconnected")
	}
}

// receiveMessages routes results to waiting requests until the connection drops
func (c *Client) receiveMessages(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Error("Failed to read message", zap.Error(err))
			c.handleDisconnect()
			return
		}

		if msg.ID <= 0 {
			continue
		}

		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.ID]; ok {
			select {
			case ch <- msg:
			default:
				c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
			}
		}
		c.pendingMu.Unlock()
	}
}

// handleDisconnect handles connection loss
func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	c.connected = false
	reconnect := c.reconnect
	c.connMu.Unlock()

	c.logger.Warn("Connection lost")

	if !reconnect {
		return
	}

	go c.attemptReconnect()
}

// attemptReconnect tries to reconnect with exponential backoff
func (c *Client) attemptReconnect() {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		<-time.After(backoff)

		c.connMu.RLock()
		stop := !c.reconnect
		c.connMu.RUnlock()
		if stop {
			return
		}

		c.logger.Info("Attempting to reconnect...")

		if err := c.Connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("Reconnected successfully")
		return
	}
}

// GetState retrieves the state of an entity
func (c *Client) GetState(entityID string) (*State, error) {
	states, err := c.GetAllStates()
	if err != nil {
		return nil, err
	}

	for _, state := range states {
		if state.EntityID == entityID {
			return state, nil
		}
	}

	return nil, fmt.Errorf("entity %s not found", entityID)
}

// GetAllStates retrieves all entity states
func (c *Client) GetAllStates() ([]*State, error) {
	msgID := c.nextMsgID()
	resp, err := c.sendMessage(msgID, &GetStatesRequest{ID: msgID, Type: "get_states"})
	if err != nil {
		return nil, err
	}

	var states []*State
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return nil, fmt.Errorf("failed to unmarshal states: %w", err)
	}

	return states, nil
}

// CallService calls a Home Assistant service
func (c *Client) CallService(domain, service string, data map[string]interface{}) error {
	msgID := c.nextMsgID()
	_, err := c.sendMessage(msgID, &CallServiceRequest{
		ID:          msgID,
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	})
	return err
}

// CallServiceWithResponse calls a service that returns data (e.g. calendar.get_events)
// and returns the raw service response.
func (c *Client) CallServiceWithResponse(domain, service string, data map[string]interface{}) (json.RawMessage, error) {
	msgID := c.nextMsgID()
	resp, err := c.sendMessage(msgID, &CallServiceRequest{
		ID:             msgID,
		Type:           "call_service",
		Domain:         domain,
		Service:        service,
		ServiceData:    data,
		ReturnResponse: true,
	})
	if err != nil {
		return nil, err
	}

	var result CallServiceResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal service response: %w", err)
		}
	}

	return result.Response, nil
}
