package rollup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"rollup-swap/internal/observability"
)

// ErrWatcherClosed is returned by a closed WSClient.
var ErrWatcherClosed = errors.New("receipt watcher closed")

// WSClientConfig configures WebSocket client behavior.
type WSClientConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// SubscribeTimeout bounds the wait for a subscription id.
	SubscribeTimeout time.Duration
	// Logger receives connection level diagnostics.
	Logger zerolog.Logger
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SubscribeTimeout:  30 * time.Second,
		Logger:            zerolog.Nop(),
	}
}

// WSClient implements ReceiptWatcher with tx_subscribe over gorilla/websocket.
type WSClient struct {
	endpoint string
	config   WSClientConfig
	log      zerolog.Logger

	conn      *websocket.Conn
	connMu    sync.Mutex
	closed    atomic.Bool
	requestID atomic.Uint64

	// subs maps subscription ID to its watch
	subs   map[string]*receiptWatch
	subsMu sync.RWMutex

	// pending maps request ID to the caller waiting for its reply
	pending   map[uint64]*pendingRequest
	pendingMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup

	reconnecting atomic.Bool
}

var _ ReceiptWatcher = (*WSClient)(nil)

// receiptWatch tracks one transaction subscription across reconnects.
type receiptWatch struct {
	txHash string
	subID  string
	ch     chan *Receipt
	done   chan struct{}
}

// pendingRequest is an in-flight request; watch is registered under the
// returned subscription ID before any later message is read.
type pendingRequest struct {
	reply chan wsReply
	watch *receiptWatch
}

type wsReply struct {
	result json.RawMessage
	err    error
}

// NewWSClient creates a new WebSocket client and connects to the endpoint.
func NewWSClient(ctx context.Context, endpoint string, config *WSClientConfig) (*WSClient, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}

	c := &WSClient{
		endpoint: endpoint,
		config:   cfg,
		log:      cfg.Logger.With().Str("component", "rollup_ws").Logger(),
		subs:     make(map[string]*receiptWatch),
		pending:  make(map[uint64]*pendingRequest),
		done:     make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.wg.Add(1)
	go c.readLoop()

	c.wg.Add(1)
	go c.pingLoop()

	return c, nil
}

// connect establishes WebSocket connection.
func (c *WSClient) connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.conn = conn
	return nil
}

// AwaitReceipt subscribes to the transaction at the COMMIT level and returns the
// first final receipt.
func (c *WSClient) AwaitReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	if c.closed.Load() {
		return nil, ErrWatcherClosed
	}

	w := &receiptWatch{
		txHash: txHash,
		ch:     make(chan *Receipt, 16),
		done:   make(chan struct{}),
	}
	if err := c.subscribe(ctx, w); err != nil {
		return nil, err
	}
	defer c.unsubscribe(w)

	for {
		select {
		case r := <-w.ch:
			if r.Final() {
				return r, nil
			}
		case <-c.done:
			return nil, ErrWatcherClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// subscribe sends tx_subscribe and waits until the watch is registered.
func (c *WSClient) subscribe(ctx context.Context, w *receiptWatch) error {
	reply, err := c.request(ctx, "tx_subscribe", []interface{}{w.txHash, "COMMIT"}, w)
	if err != nil {
		return fmt.Errorf("tx_subscribe %s: %w", w.txHash, err)
	}
	var subID string
	if err := json.Unmarshal(reply, &subID); err != nil {
		return fmt.Errorf("tx_subscribe %s: parse subscription id: %w", w.txHash, err)
	}
	return nil
}

// unsubscribe drops the watch and sends a best-effort tx_unsubscribe.
func (c *WSClient) unsubscribe(w *receiptWatch) {
	close(w.done)

	c.subsMu.Lock()
	subID := w.subID
	delete(c.subs, subID)
	c.subsMu.Unlock()

	if c.closed.Load() || subID == "" {
		return
	}
	req := wsRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  "tx_unsubscribe",
		Params:  []interface{}{subID},
	}
	if err := c.write(req); err != nil {
		c.log.Debug().Err(err).Str("subscription", subID).Msg("tx_unsubscribe failed")
	}
}

// request writes a JSON-RPC request and waits for its reply.
func (c *WSClient) request(ctx context.Context, method string, params []interface{}, w *receiptWatch) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrWatcherClosed
	}

	reqID := c.requestID.Add(1)
	p := &pendingRequest{reply: make(chan wsReply, 1), watch: w}

	c.pendingMu.Lock()
	c.pending[reqID] = p
	c.pendingMu.Unlock()

	forget := func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}

	req := wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
		Params:  params,
	}
	if err := c.write(req); err != nil {
		forget()
		return nil, err
	}

	select {
	case r := <-p.reply:
		return r.result, r.err
	case <-time.After(c.config.SubscribeTimeout):
		forget()
		return nil, fmt.Errorf("%s timeout after %s", method, c.config.SubscribeTimeout)
	case <-c.done:
		return nil, ErrWatcherClosed
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (c *WSClient) write(v interface{}) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()
	return nil
}

// readLoop reads messages from WebSocket and dispatches them.
func (c *WSClient) readLoop() {
	defer c.wg.Done()

	reconnectDelay := c.config.ReconnectDelay

	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}

			if !c.reconnecting.Swap(true) {
				c.log.Warn().Err(err).Dur("delay", reconnectDelay).Msg("connection lost, reconnecting")
				go c.reconnect(conn, reconnectDelay)
			}

			reconnectDelay = reconnectDelay * 2
			if reconnectDelay > c.config.MaxReconnectDelay {
				reconnectDelay = c.config.MaxReconnectDelay
			}

			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		reconnectDelay = c.config.ReconnectDelay

		c.handleMessage(message)
	}
}

// reconnect replaces a broken connection and resubscribes all watches.
func (c *WSClient) reconnect(broken *websocket.Conn, delay time.Duration) {
	defer c.reconnecting.Store(false)

	if c.closed.Load() {
		return
	}

	select {
	case <-c.done:
		return
	case <-time.After(delay):
	}

	c.connMu.Lock()
	if c.conn == broken && c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	observability.RecordWSReconnect()
	if err := c.connect(ctx); err != nil {
		c.log.Warn().Err(err).Msg("reconnect failed")
		return
	}

	c.resubscribeAll()
}

// resubscribeAll re-issues tx_subscribe for every active watch.
func (c *WSClient) resubscribeAll() {
	c.subsMu.RLock()
	watches := make([]*receiptWatch, 0, len(c.subs))
	for _, w := range c.subs {
		watches = append(watches, w)
	}
	c.subsMu.RUnlock()

	for _, w := range watches {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.subscribe(ctx, w)
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Str("tx_hash", w.txHash).Msg("resubscribe failed")
		}
	}
}

// handleMessage dispatches a reply to its pending request or a notification
// to its watch.
func (c *WSClient) handleMessage(message []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.log.Debug().Err(err).Msg("ignoring malformed message")
		return
	}

	if env.Method == "tx_subscribe" && env.Params != nil {
		c.handleNotification(env.Params)
		return
	}

	if env.ID == nil {
		return
	}

	c.pendingMu.Lock()
	p, ok := c.pending[*env.ID]
	if ok {
		delete(c.pending, *env.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	if env.Error != nil {
		p.reply <- wsReply{err: env.Error}
		return
	}

	if p.watch != nil {
		var subID string
		if err := json.Unmarshal(env.Result, &subID); err == nil {
			c.subsMu.Lock()
			if p.watch.subID != "" {
				delete(c.subs, p.watch.subID)
			}
			p.watch.subID = subID
			select {
			case <-p.watch.done:
			default:
				c.subs[subID] = p.watch
			}
			c.subsMu.Unlock()
		}
	}
	p.reply <- wsReply{result: env.Result}
}

// handleNotification delivers a receipt update to the subscribed watch.
func (c *WSClient) handleNotification(params *wsNotificationParams) {
	c.subsMu.RLock()
	w, ok := c.subs[params.Subscription]
	c.subsMu.RUnlock()
	if !ok {
		return
	}

	receipt := params.Result.toReceipt(w.txHash)

	select {
	case w.ch <- receipt:
	case <-w.done:
	case <-c.done:
	}
}

// pingLoop sends periodic ping frames to keep connection alive.
func (c *WSClient) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
				if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					c.log.Debug().Err(err).Msg("ping failed")
				}
			}
			c.connMu.Unlock()
		}
	}
}

// WebSocket message types

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type wsEnvelope struct {
	JSONRPC string                `json:"jsonrpc"`
	ID      *uint64               `json:"id"`
	Method  string                `json:"method"`
	Result  json.RawMessage       `json:"result"`
	Error   *RPCError             `json:"error"`
	Params  *wsNotificationParams `json:"params"`
}

type wsNotificationParams struct {
	Subscription string       `json:"subscription"`
	Result       txInfoResult `json:"result"`
}
