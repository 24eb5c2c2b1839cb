package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/tasksync/internal/events"
	"github.com/TheMichaelB/tasksync/internal/models"
)

const writeWait = 10 * time.Second

// hub tracks open subscription connections.
type hub struct {
	mu     sync.RWMutex
	conns  map[int64]*subscriber
	nextID int64
}

func newHub() *hub {
	return &hub{conns: make(map[int64]*subscriber)}
}

func (h *hub) register(s *subscriber) {
	h.mu.Lock()
	h.nextID++
	s.id = h.nextID
	h.conns[s.id] = s
	h.mu.Unlock()
}

func (h *hub) unregister(s *subscriber) {
	h.mu.Lock()
	delete(h.conns, s.id)
	h.mu.Unlock()
}

// Publish marks every subscription on c dirty.
func (h *hub) Publish(c models.Collection) {
	h.mu.RLock()
	copies := make([]*subscriber, 0, len(h.conns))
	for _, s := range h.conns {
		copies = append(copies, s)
	}
	h.mu.RUnlock()

	for _, s := range copies {
		s.markCollection(c)
	}
}

func (h *hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.conns {
		_ = s.conn.Close()
	}
}

// Len returns the number of open connections.
func (h *hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// subscriber is one WebSocket connection and its subscriptions. Snapshots
// are computed and written by a single goroutine, so they leave in the
// order they were read from the store.
type subscriber struct {
	id      int64
	subject string
	conn    *websocket.Conn
	store   *Store
	logger  *events.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]*models.SubscribeMessage
	dirty  map[string]bool
	notify chan struct{}
}

func newSubscriber(conn *websocket.Conn, subject string, store *Store, logger *events.Logger) *subscriber {
	return &subscriber{
		subject: subject,
		conn:    conn,
		store:   store,
		logger:  logger,
		subs:    make(map[string]*models.SubscribeMessage),
		dirty:   make(map[string]bool),
		notify:  make(chan struct{}, 1),
	}
}

func (s *subscriber) subscribe(msg *models.SubscribeMessage) {
	s.mu.Lock()
	s.subs[msg.SubscriptionID] = msg
	s.dirty[msg.SubscriptionID] = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) unsubscribe(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	delete(s.dirty, id)
	s.mu.Unlock()
}

func (s *subscriber) markCollection(c models.Collection) {
	marked := false
	s.mu.Lock()
	for id, sub := range s.subs {
		if sub.Collection == c {
			s.dirty[id] = true
			marked = true
		}
	}
	s.mu.Unlock()

	if marked {
		s.signal()
	}
}

func (s *subscriber) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// writeLoop sends a fresh snapshot for every dirty subscription until ctx
// ends or a write fails.
func (s *subscriber) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}

		if err := s.flush(ctx); err != nil {
			s.logger.WithError(err).Warn("Snapshot delivery failed")
			_ = s.conn.Close()
			return
		}
	}
}

func (s *subscriber) flush(ctx context.Context) error {
	s.mu.Lock()
	pending := make([]*models.SubscribeMessage, 0, len(s.dirty))
	for id := range s.dirty {
		if sub, ok := s.subs[id]; ok {
			pending = append(pending, sub)
		}
	}
	s.dirty = make(map[string]bool)
	s.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].SubscriptionID < pending[j].SubscriptionID
	})

	docs := make(map[models.Collection][]Document)
	for _, sub := range pending {
		list, ok := docs[sub.Collection]
		if !ok {
			var err error
			list, err = s.store.List(ctx, sub.Collection)
			if err != nil {
				s.sendError(sub.SubscriptionID, models.ErrCodeServerError, err.Error())
				s.unsubscribe(sub.SubscriptionID)
				continue
			}
			docs[sub.Collection] = list
		}

		if !s.active(sub) {
			continue
		}

		items := Filter(list, sub.Where)
		if err := s.send(models.SnapshotMessage{
			Op:             models.WSTypeSnapshot,
			SubscriptionID: sub.SubscriptionID,
			Items:          items,
		}); err != nil {
			return err
		}

		s.logger.WithFields(map[string]interface{}{
			"subscription": sub.SubscriptionID,
			"collection":   sub.Collection,
			"items":        len(items),
		}).Debug("Sent snapshot")
	}

	return nil
}

// active reports whether sub is still the registered subscription for its id.
func (s *subscriber) active(sub *models.SubscribeMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[sub.SubscriptionID] == sub
}

func (s *subscriber) sendError(subscriptionID, code, message string) {
	err := s.send(models.ErrorMessage{
		Op:             models.WSTypeError,
		SubscriptionID: subscriptionID,
		Code:           code,
		Message:        message,
	})
	if err != nil {
		s.logger.WithError(err).Debug("Failed to send error frame")
	}
}

func (s *subscriber) send(frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop handles client frames until the connection closes.
func (s *subscriber) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).Debug("Connection closed unexpectedly")
			}
			return
		}

		msg, err := models.ParseWSMessage(data)
		if err != nil {
			s.sendError("", models.ErrCodeInvalid, err.Error())
			return
		}

		parsed, err := models.ParseMessageData(msg)
		if err != nil {
			s.sendError(msg.SubscriptionID, models.ErrCodeInvalid, err.Error())
			continue
		}

		switch m := parsed.(type) {
		case *models.SubscribeMessage:
			query := models.SourceQuery{ID: m.SubscriptionID, Collection: m.Collection, Where: m.Where}
			if err := query.Validate(); err != nil {
				s.sendError(m.SubscriptionID, models.ErrCodeInvalid, err.Error())
				continue
			}
			s.logger.WithFields(map[string]interface{}{
				"subscription": m.SubscriptionID,
				"query":        query.String(),
			}).Debug("Subscribed")
			s.subscribe(m)

		case *models.UnsubscribeMessage:
			s.unsubscribe(m.SubscriptionID)

		default:
			s.sendError(msg.SubscriptionID, models.ErrCodeInvalid, fmt.Sprintf("unexpected op %q", msg.Op))
		}
	}
}
