package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/tasksync/internal/events"
	"github.com/TheMichaelB/tasksync/internal/models"
)

const subscriptionBuffer = 8

// WSClient multiplexes query subscriptions over one WebSocket connection.
// The connection is dialed on first use and redialed after it drops.
type WSClient struct {
	url    string
	token  func() string
	logger *events.Logger

	pingInterval time.Duration
	pongTimeout  time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	subs    map[string]*subscription
	done    chan struct{}
	closed  bool
}

type subscription struct {
	id    string
	query models.SourceQuery

	mu     sync.Mutex
	ch     chan Emission
	closed bool
}

// NewWSClient creates a WebSocket client. token is read at dial time.
func NewWSClient(baseURL, path string, token func() string, logger *events.Logger) *WSClient {
	wsURL := strings.TrimRight(baseURL, "/") + path
	// If it's not already a WebSocket URL, convert http(s) to ws(s)
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[4:]
	}

	return &WSClient{
		url:          wsURL,
		token:        token,
		logger:       logger.WithField("component", "ws_client"),
		pingInterval: 30 * time.Second,
		pongTimeout:  10 * time.Second,
		subs:         make(map[string]*subscription),
	}
}

// Subscribe opens a subscription for q.
func (c *WSClient) Subscribe(ctx context.Context, q models.SourceQuery) (<-chan Emission, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	conn, done, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		id:    uuid.NewString(),
		query: q,
		ch:    make(chan Emission, subscriptionBuffer),
	}

	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()

	msg := models.SubscribeMessage{
		Op:             models.WSTypeSubscribe,
		SubscriptionID: sub.id,
		Collection:     q.Collection,
		Where:          q.Where,
	}
	if err := c.send(conn, msg); err != nil {
		c.remove(sub.id)
		sub.close()
		return nil, fmt.Errorf("send subscribe: %w", err)
	}

	c.logger.WithFields(map[string]interface{}{
		"subscription_id": sub.id,
		"query":           q.String(),
	}).Debug("Subscribed")

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		if c.remove(sub.id) {
			_ = c.send(conn, models.UnsubscribeMessage{Op: models.WSTypeUnsubscribe, SubscriptionID: sub.id})
			sub.close()
		}
	}()

	return sub.ch, nil
}

// Active returns the number of open subscriptions.
func (c *WSClient) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Disconnect drops the connection, terminating every subscription.
// The next Subscribe dials again.
func (c *WSClient) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Close closes the WebSocket connection permanently.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		return conn.Close()
	}

	return nil
}

func (c *WSClient) connect(ctx context.Context) (*websocket.Conn, chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, nil, models.ErrSessionClosed
	}
	if c.conn != nil {
		return c.conn, c.done, nil
	}

	c.logger.WithField("url", c.url).Info("Connecting to WebSocket")

	headers := http.Header{}
	if token := c.token(); token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, headers)
	if err != nil {
		if resp != nil {
			return nil, nil, fmt.Errorf("websocket connect failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, nil, fmt.Errorf("websocket connect failed: %w", err)
	}

	c.conn = conn
	c.done = make(chan struct{})

	go c.readLoop(conn, c.done)
	go c.pingLoop(conn, c.done)

	c.logger.Info("WebSocket connected")
	return conn, c.done, nil
}

func (c *WSClient) send(conn *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.pongTimeout))
	return conn.WriteJSON(v)
}

func (c *WSClient) remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; !ok {
		return false
	}
	delete(c.subs, id)
	return true
}

func (c *WSClient) lookup(id string) *subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[id]
}

// readLoop dispatches frames to subscriptions until the connection drops.
func (c *WSClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	cause := models.ErrConnectionLost

	defer func() {
		close(done)
		_ = conn.Close()

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		orphans := make([]*subscription, 0, len(c.subs))
		for id, sub := range c.subs {
			orphans = append(orphans, sub)
			delete(c.subs, id)
		}
		c.mu.Unlock()

		for _, sub := range orphans {
			sub.fail(cause)
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Error("WebSocket read error")
			}
			cause = fmt.Errorf("%w: %v", models.ErrConnectionLost, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))

		msg, err := models.ParseWSMessage(data)
		if err != nil {
			c.logger.WithError(err).Warn("Dropping malformed frame")
			continue
		}

		payload, err := models.ParseMessageData(msg)
		if err != nil {
			c.logger.WithError(err).Warn("Dropping unknown frame")
			continue
		}

		switch frame := payload.(type) {
		case *models.SnapshotMessage:
			if sub := c.lookup(frame.SubscriptionID); sub != nil {
				items := frame.Items
				if items == nil {
					items = []models.Item{}
				}
				sub.deliver(Emission{Items: items})
			}

		case *models.ErrorMessage:
			apiErr := &models.APIError{Code: frame.Code, Message: frame.Message}
			if frame.SubscriptionID == "" {
				c.logger.WithError(apiErr).Error("Connection rejected by server")
				cause = apiErr
				return
			}
			if sub := c.lookup(frame.SubscriptionID); sub != nil && c.remove(sub.id) {
				sub.fail(apiErr)
			}
		}
	}
}

// pingLoop sends periodic pings.
func (c *WSClient) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.pongTimeout))
			c.writeMu.Unlock()
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.WithError(err).Warn("Ping failed")
				return
			}
		case <-done:
			return
		}
	}
}

// deliver queues an emission, dropping the oldest snapshot if the consumer lags.
// Snapshots are full states, so only the newest matters.
func (s *subscription) deliver(e Emission) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- e:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- e
}

func (s *subscription) fail(err error) {
	s.deliver(Emission{Err: err})
	s.close()
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
