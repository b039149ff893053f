package opiweb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// WebSocket endpoint of the authenticated user channel
	DefaultWSEndpoint = "wss://ws-subscriptions-clob.polymarket.com/ws/user"

	// Heartbeat interval
	HeartbeatInterval = 10 * time.Second

	// Reconnect settings
	DefaultReconnectInterval    = 5 * time.Second
	DefaultMaxReconnectAttempts = 10
)

// Channel and event names of the user channel
const (
	ChannelUser    = "user"
	EventTypeOrder = "order"
	EventTypeTrade = "trade"

	heartbeatPing = "PING"
	heartbeatPong = "PONG"
)

// ErrWSNotConnected is returned when sending without a live connection
var ErrWSNotConnected = errors.New("websocket not connected")

// SubscriptionAuth carries the level-2 credentials of a user subscription
type SubscriptionAuth struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// SubscribeMessage subscribes to the user channel for the given markets
type SubscribeMessage struct {
	Type    string            `json:"type"`
	Markets []string          `json:"markets"`
	Auth    *SubscriptionAuth `json:"auth,omitempty"`
}

// OrderEvent is an order placement, update or cancellation on the user channel.
type OrderEvent struct {
	EventType    string `json:"event_type"`
	ID           string `json:"id"`
	AssetID      string `json:"asset_id"`
	Market       string `json:"market"`
	Outcome      string `json:"outcome"`
	Owner        string `json:"owner"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Type         string `json:"type"` // PLACEMENT, UPDATE, CANCELLATION
	Timestamp    string `json:"timestamp"`
}

// MakerOrderFill is the maker side of a trade
type MakerOrderFill struct {
	OrderID       string `json:"order_id"`
	AssetID       string `json:"asset_id"`
	MatchedAmount string `json:"matched_amount"`
	Price         string `json:"price"`
	Owner         string `json:"owner"`
}

// TradeEvent is a match involving one of the user's orders
type TradeEvent struct {
	EventType    string           `json:"event_type"`
	ID           string           `json:"id"`
	AssetID      string           `json:"asset_id"`
	Market       string           `json:"market"`
	Outcome      string           `json:"outcome"`
	Side         string           `json:"side"`
	Price        string           `json:"price"`
	Size         string           `json:"size"`
	Status       string           `json:"status"`
	TakerOrderID string           `json:"taker_order_id"`
	MakerOrders  []MakerOrderFill `json:"maker_orders"`
	Timestamp    string           `json:"timestamp"`
}

// WSErrorHandler receives read, decode and reconnect failures
type WSErrorHandler func(err error)

// WSConfig configures the user-channel stream
type WSConfig struct {
	Endpoint             string
	Creds                *APICreds
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	OnOrder              func(OrderEvent)
	OnTrade              func(TradeEvent)
	OnError              WSErrorHandler
	OnConnect            func()
	OnDisconnect         func()
	Logger               *zap.Logger
}

// WSClient streams order and trade updates of the authenticated user
type WSClient struct {
	config           WSConfig
	conn             *websocket.Conn
	writeMu          sync.Mutex
	mu               sync.RWMutex
	isConnected      bool
	closed           bool
	subscriptions    map[string]SubscribeMessage // replayed after reconnect
	subMu            sync.RWMutex
	ctx              context.Context
	cancel           context.CancelFunc
	reconnectAttempt int
}

// NewWSClient returns a user-channel client with defaults filled in
func NewWSClient(config WSConfig) *WSClient {
	if config.Endpoint == "" {
		config.Endpoint = DefaultWSEndpoint
	}
	if config.ReconnectInterval == 0 {
		config.ReconnectInterval = DefaultReconnectInterval
	}
	if config.MaxReconnectAttempts == 0 {
		config.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = HeartbeatInterval
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &WSClient{
		config:        config,
		subscriptions: make(map[string]SubscribeMessage),
	}
}

// Connect dials the user channel and starts the read and heartbeat loops
func (ws *WSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.isConnected {
		return nil
	}
	ws.closed = false

	connCtx, cancel := context.WithCancel(ctx)
	conn, _, err := websocket.DefaultDialer.DialContext(connCtx, ws.config.Endpoint, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("dial user channel: %w", err)
	}

	ws.ctx, ws.cancel = connCtx, cancel
	ws.conn = conn
	ws.isConnected = true
	ws.reconnectAttempt = 0

	go ws.heartbeat(connCtx)
	go ws.readLoop(connCtx, conn)

	ws.config.Logger.Info("websocket connected", zap.String("endpoint", ws.config.Endpoint))
	if ws.config.OnConnect != nil {
		go ws.config.OnConnect()
	}

	return nil
}

// Disconnect closes the WebSocket connection and stops reconnecting
func (ws *WSClient) Disconnect() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.closed = true
	return ws.disconnect()
}

// disconnect closes the socket. ws.mu must be held.
func (ws *WSClient) disconnect() error {
	if !ws.isConnected {
		return nil
	}

	ws.isConnected = false

	if ws.cancel != nil {
		ws.cancel()
	}

	var err error
	if ws.conn != nil {
		err = ws.conn.Close()
		ws.conn = nil
	}

	if ws.config.OnDisconnect != nil {
		go ws.config.OnDisconnect()
	}

	return err
}

// IsConnected reports whether the user channel is open.
func (ws *WSClient) IsConnected() bool {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.isConnected
}

// SubscribeUser subscribes to the user's order and trade events. An empty
// markets list covers every market.
func (ws *WSClient) SubscribeUser(markets []string) error {
	if !ws.config.Creds.Valid() {
		return &InvalidParamError{Message: "user channel requires CLOB API credentials"}
	}
	if markets == nil {
		markets = []string{}
	}
	msg := SubscribeMessage{
		Type:    ChannelUser,
		Markets: markets,
		Auth: &SubscriptionAuth{
			APIKey:     ws.config.Creds.APIKey,
			Secret:     ws.config.Creds.Secret,
			Passphrase: ws.config.Creds.Passphrase,
		},
	}

	if err := ws.sendMessage(msg); err != nil {
		return err
	}

	ws.subMu.Lock()
	ws.subscriptions[subscriptionKey(markets)] = msg
	ws.subMu.Unlock()

	return nil
}

func subscriptionKey(markets []string) string {
	return fmt.Sprintf("%s:%v", ChannelUser, markets)
}

// sendMessage sends a JSON message over the WebSocket connection
func (ws *WSClient) sendMessage(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return ws.write(data)
}

func (ws *WSClient) write(data []byte) error {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	if !ws.isConnected || ws.conn == nil {
		return ErrWSNotConnected
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if err := ws.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// heartbeat keeps the connection alive until ctx ends
func (ws *WSClient) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := ws.write([]byte(heartbeatPing)); err != nil {
				ws.reportError(fmt.Errorf("heartbeat failed: %w", err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// readLoop continuously reads messages from conn
func (ws *WSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.reportError(fmt.Errorf("read error: %w", err))
			}
			ws.handleDisconnect()
			return
		}
		ws.dispatch(data)
	}
}

// dispatch routes one frame, which may hold a single event or an array of events.
func (ws *WSClient) dispatch(data []byte) {
	if string(data) == heartbeatPong {
		return
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(data, &batch); err == nil {
		for _, item := range batch {
			ws.dispatchOne(item)
		}
		return
	}
	ws.dispatchOne(data)
}

func (ws *WSClient) dispatchOne(data []byte) {
	var base struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		ws.reportError(fmt.Errorf("malformed message: %w", err))
		return
	}

	switch base.EventType {
	case EventTypeOrder:
		if ws.config.OnOrder == nil {
			return
		}
		var ev OrderEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			ws.reportError(fmt.Errorf("malformed order event: %w", err))
			return
		}
		ws.config.OnOrder(ev)
	case EventTypeTrade:
		if ws.config.OnTrade == nil {
			return
		}
		var ev TradeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			ws.reportError(fmt.Errorf("malformed trade event: %w", err))
			return
		}
		ws.config.OnTrade(ev)
	default:
		ws.config.Logger.Debug("websocket event ignored", zap.String("event_type", base.EventType))
	}
}

func (ws *WSClient) reportError(err error) {
	ws.config.Logger.Warn("websocket error", zap.Error(err))
	if ws.config.OnError != nil {
		ws.config.OnError(err)
	}
}

// handleDisconnect tears down a dropped connection and schedules a redial
func (ws *WSClient) handleDisconnect() {
	ws.mu.Lock()
	wasConnected := ws.isConnected
	ws.isConnected = false
	if ws.cancel != nil {
		ws.cancel()
	}
	if ws.conn != nil {
		ws.conn.Close()
		ws.conn = nil
	}
	closed := ws.closed
	ws.mu.Unlock()

	if wasConnected && ws.config.OnDisconnect != nil {
		ws.config.OnDisconnect()
	}
	if closed {
		return
	}

	go ws.attemptReconnect()
}

// attemptReconnect redials every ReconnectInterval until MaxReconnectAttempts is reached.
func (ws *WSClient) attemptReconnect() {
	for {
		ws.mu.Lock()
		if ws.closed || ws.reconnectAttempt >= ws.config.MaxReconnectAttempts {
			ws.mu.Unlock()
			break
		}
		ws.reconnectAttempt++
		attempt := ws.reconnectAttempt
		ws.mu.Unlock()

		time.Sleep(ws.config.ReconnectInterval)

		ws.mu.RLock()
		closed := ws.closed
		ws.mu.RUnlock()
		if closed {
			return
		}

		if err := ws.Connect(context.Background()); err != nil {
			ws.reportError(fmt.Errorf("reconnect attempt %d failed: %w", attempt, err))
			continue
		}

		ws.resubscribe()
		return
	}

	ws.mu.RLock()
	closed := ws.closed
	ws.mu.RUnlock()
	if !closed {
		ws.reportError(fmt.Errorf("max reconnect attempts (%d) reached", ws.config.MaxReconnectAttempts))
	}
}

// resubscribe replays tracked user subscriptions after a redial
func (ws *WSClient) resubscribe() {
	ws.subMu.RLock()
	defer ws.subMu.RUnlock()

	for _, msg := range ws.subscriptions {
		if err := ws.sendMessage(msg); err != nil {
			ws.reportError(fmt.Errorf("resubscribe failed: %w", err))
		}
	}
}

// GetSubscriptions lists the market sets the client will restore on reconnect.
func (ws *WSClient) GetSubscriptions() []string {
	ws.subMu.RLock()
	defer ws.subMu.RUnlock()

	subs := make([]string, 0, len(ws.subscriptions))
	for key := range ws.subscriptions {
		subs = append(subs, key)
	}
	return subs
}
