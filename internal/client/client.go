// Package client implements the websocket transport to the matching
// server: outbound swap notifications and the inbound swap event stream.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quasar-exchange/quasar/internal/swap"
	"github.com/quasar-exchange/quasar/pkg/helpers"
	"github.com/quasar-exchange/quasar/pkg/logging"
)

const (
	// Time allowed to write a message to the server.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the server.
	pongWait = 60 * time.Second

	// Send pings to the server with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 1 << 16
)

var ErrClientClosed = errors.New("swap client closed")

// Message types exchanged with the matching server.
const (
	MsgSwapInitiate = "swap_initiate"
	MsgSwapAccept   = "swap_accept"
	MsgSwapPayment  = "swap_payment"
	MsgSwapReceived = "swap"
	MsgError        = "error"
)

// Envelope wraps every message on the wire.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// SwapMessage carries a swap's requisites between the parties via the
// server. Binary fields travel hex-encoded, amounts as decimal strings.
type SwapMessage struct {
	SwapID          int64  `json:"swap_id"`
	Symbol          string `json:"symbol"`
	Side            int    `json:"side"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	SecretHash      string `json:"secret_hash"`
	ToAddress       string `json:"to_address"`
	RewardForRedeem string `json:"reward_for_redeem"`
	PaymentTxID     string `json:"payment_txid,omitempty"`
	RedeemScript    string `json:"redeem_script,omitempty"`
	PubKey          string `json:"pub_key,omitempty"`
}

// ErrorMessage is the server's rejection of an earlier request.
type ErrorMessage struct {
	RequestID   string `json:"request_id"`
	Description string `json:"description"`
}

// SwapHandler receives inbound swap events from the server.
type SwapHandler func(ctx context.Context, msg *SwapMessage)

// Config holds client configuration.
type Config struct {
	URL string

	// ReconnectDelay is the initial delay before a reconnect attempt;
	// it doubles on each failure up to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// DefaultConfig returns the default client configuration.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:               url,
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: time.Minute,
	}
}

// Client is a websocket connection to the matching server. Sends are
// queued and survive reconnects; the read loop dispatches inbound swap
// events to the registered handler.
type Client struct {
	cfg *Config
	log *logging.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	handler SwapHandler

	send   chan []byte
	done   chan struct{}
	closed sync.Once
	wg     sync.WaitGroup
}

// New creates a swap client. Connect must be called before use.
func New(cfg *Config, log *logging.Logger) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = time.Minute
	}
	return &Client{
		cfg:  cfg,
		log:  log.Component("swap-client"),
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}
}

// OnSwapReceived registers the handler for inbound swap events.
func (c *Client) OnSwapReceived(h SwapHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Connect dials the server and starts the read/write pumps. The client
// keeps itself connected until Close; dial failures retry with backoff.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readPump(conn)
	go c.writePump(conn)

	c.log.Info("connected", "url", c.cfg.URL)
	return nil
}

// Close shuts the client down and waits for the pumps to stop.
func (c *Client) Close() error {
	c.closed.Do(func() { close(c.done) })

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	return conn, err
}

// reconnect re-dials with exponential backoff until it succeeds or the
// client is closed, then restarts the pumps on the new connection.
func (c *Client) reconnect() {
	delay := c.cfg.ReconnectDelay

	for {
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		conn, err := c.dial(context.Background())
		if err != nil {
			c.log.Warn("reconnect failed", "url", c.cfg.URL, "error", err)
			delay *= 2
			if delay > c.cfg.MaxReconnectDelay {
				delay = c.cfg.MaxReconnectDelay
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.wg.Add(2)
		go c.readPump(conn)
		go c.writePump(conn)

		c.log.Info("reconnected", "url", c.cfg.URL)
		return
	}
}

// readPump reads messages from the connection until it fails, then
// triggers a reconnect. Only one pump pair runs at a time: the write pump
// exits when the shared connection closes.
func (c *Client) readPump(conn *websocket.Conn) {
	defer c.wg.Done()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn("connection lost", "error", err)
				conn.Close()
				go c.reconnect()
			}
			return
		}
		c.dispatch(message)
	}
}

// writePump writes queued messages and keepalive pings to the connection.
func (c *Client) writePump(conn *websocket.Conn) {
	defer c.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				// The read pump notices the broken connection and
				// reconnects; the message is lost, swap progress relies
				// on chain evidence.
				c.log.Warn("write failed", "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.log.Warn("unparseable message from server", "error", err)
		return
	}

	switch env.Type {
	case MsgSwapReceived:
		var msg SwapMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			c.log.Warn("bad swap payload", "id", env.ID, "error", err)
			return
		}

		c.mu.RLock()
		handler := c.handler
		c.mu.RUnlock()

		if handler != nil {
			handler(context.Background(), &msg)
		}

	case MsgError:
		var msg ErrorMessage
		if err := json.Unmarshal(env.Data, &msg); err == nil {
			c.log.Error("server rejected request",
				"request", msg.RequestID, "reason", msg.Description)
		}

	default:
		c.log.Debug("ignoring message", "type", env.Type, "id", env.ID)
	}
}

// sendEnvelope queues an envelope for delivery.
func (c *Client) sendEnvelope(msgType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	env := Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now().Unix(),
		Data:      payload,
	}
	message, err := json.Marshal(env)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case <-c.done:
		return ErrClientClosed
	case c.send <- message:
		return nil
	}
}

// swapMessage builds the outbound requisites payload for a swap.
func swapMessage(s *swap.Swap) *SwapMessage {
	return &SwapMessage{
		SwapID:          s.ID,
		Symbol:          s.Symbol,
		Side:            int(s.Side),
		Price:           s.Price.String(),
		Qty:             s.Qty.String(),
		SecretHash:      helpers.EncodeHex(s.SecretHash),
		ToAddress:       s.ToAddress,
		RewardForRedeem: s.RewardForRedeem.String(),
		PaymentTxID:     s.PaymentTxID,
		RedeemScript:    helpers.EncodeHex(s.RedeemScript),
	}
}

// SwapInitiate announces this party's secret commitment and requisites.
func (c *Client) SwapInitiate(ctx context.Context, s *swap.Swap) error {
	return c.sendEnvelope(MsgSwapInitiate, swapMessage(s))
}

// SwapAccept mirrors the initiator's commitment with this party's
// requisites.
func (c *Client) SwapAccept(ctx context.Context, s *swap.Swap) error {
	return c.sendEnvelope(MsgSwapAccept, swapMessage(s))
}

// SwapPayment reports this party's payment transaction to the server so
// the counterparty can locate and validate it.
func (c *Client) SwapPayment(ctx context.Context, s *swap.Swap) error {
	return c.sendEnvelope(MsgSwapPayment, swapMessage(s))
}

var _ swap.Transport = (*Client)(nil)
