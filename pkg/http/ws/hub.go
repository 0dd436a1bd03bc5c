package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// Hub manages WebSocket connections grouped by quiz. A user holds at most one connection
// per quiz on this instance.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[uuid.UUID]map[uuid.UUID]*Connection // quiz_id -> user_id -> connection
	logger zerolog.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[uuid.UUID]map[uuid.UUID]*Connection),
		logger: logger,
	}
}

// Register adds conn to its quiz room. An existing connection for the same user is told it
// was replaced and closed. Reports whether a connection was replaced.
func (h *Hub) Register(conn *Connection) bool {
	h.mu.Lock()
	room, ok := h.rooms[conn.QuizID]
	if !ok {
		room = make(map[uuid.UUID]*Connection)
		h.rooms[conn.QuizID] = room
	}
	old := room[conn.UserID]
	room[conn.UserID] = conn
	h.mu.Unlock()

	replaced := old != nil && old != conn
	if replaced {
		old.replace()
	}
	h.logger.Info().Str("quiz_id", conn.QuizID.String()).Str("user_id", conn.UserID.String()).
		Bool("replaced", replaced).Msg("connection registered")
	return replaced
}

// Unregister removes conn if it is still the registered connection for its user.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	room := h.rooms[conn.QuizID]
	if current, ok := room[conn.UserID]; ok && current == conn {
		delete(room, conn.UserID)
		if len(room) == 0 {
			delete(h.rooms, conn.QuizID)
		}
		h.logger.Info().Str("quiz_id", conn.QuizID.String()).Str("user_id", conn.UserID.String()).Msg("connection unregistered")
	}
	h.mu.Unlock()

	conn.Close()
}

// Kick closes the user's connection in quizID unless it is exceptConnID. Used when the
// user reconnects through another instance.
func (h *Hub) Kick(quizID, userID, exceptConnID uuid.UUID) bool {
	h.mu.Lock()
	room := h.rooms[quizID]
	conn, ok := room[userID]
	if !ok || conn.ID == exceptConnID {
		h.mu.Unlock()
		return false
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(h.rooms, quizID)
	}
	h.mu.Unlock()

	conn.replace()
	return true
}

// BroadcastToQuiz sends a message to every connection in a quiz room and returns how many
// connections accepted it. Slow consumers are skipped.
func (h *Hub) BroadcastToQuiz(quizID uuid.UUID, msg Message) int {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.rooms[quizID]))
	for _, c := range h.rooms[quizID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	return h.deliver(conns, msg)
}

// BroadcastAll sends a message to every connected user.
func (h *Hub) BroadcastAll(msg Message) int {
	h.mu.RLock()
	var conns []*Connection
	for _, room := range h.rooms {
		for _, c := range room {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	return h.deliver(conns, msg)
}

func (h *Hub) deliver(conns []*Connection, msg Message) int {
	sent := 0
	for _, c := range conns {
		if err := c.Send(msg); err != nil {
			h.logger.Warn().Err(err).Str("user_id", c.UserID.String()).Str("type", msg.Type).Msg("broadcast_send_failed")
			continue
		}
		sent++
	}
	return sent
}

// SendTo delivers a message to a specific user in a quiz.
func (h *Hub) SendTo(quizID, userID uuid.UUID, msg Message) error {
	conn, ok := h.Connection(quizID, userID)
	if !ok {
		return ErrConnectionNotFound
	}
	return conn.Send(msg)
}

// Connection retrieves a user's connection in a quiz.
func (h *Hub) Connection(quizID, userID uuid.UUID) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conn, ok := h.rooms[quizID][userID]
	return conn, ok
}

// Count returns the number of connections in a quiz room.
func (h *Hub) Count(quizID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[quizID])
}

// Connection represents a WebSocket connection with send queue.
type Connection struct {
	ID     uuid.UUID
	QuizID uuid.UUID
	UserID uuid.UUID

	conn   *websocket.Conn
	sendCh chan Message
	mu     sync.Mutex
	closed bool
	logger zerolog.Logger
}

// NewConnection wraps a WebSocket connection for userID in quizID.
func NewConnection(conn *websocket.Conn, quizID, userID uuid.UUID, logger zerolog.Logger) *Connection {
	id := uuid.New()
	return &Connection{
		ID:     id,
		QuizID: quizID,
		UserID: userID,
		conn:   conn,
		sendCh: make(chan Message, sendBuffer),
		logger: logger.With().Str("conn_id", id.String()).Str("user_id", userID.String()).Logger(),
	}
}

// Send queues a message for delivery.
func (c *Connection) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}

	select {
	case c.sendCh <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close stops the send queue. Queued messages are flushed by WritePump, which then closes
// the socket.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.sendCh)
}

// Drain removes and returns the queued messages. Used when no write pump is attached.
func (c *Connection) Drain() []Message {
	var out []Message
	for {
		select {
		case msg, ok := <-c.sendCh:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func (c *Connection) replace() {
	if msg, err := NewMessage(TypeSessionReplaced, SessionReplacedPayload{QuizID: c.QuizID.String()}); err == nil {
		_ = c.Send(msg)
	}
	c.Close()
}

// WritePump sends messages from the send queue and keeps the socket alive with pings.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn().Err(err).Msg("write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump receives messages and calls the handler until the socket fails.
func (c *Connection) ReadPump(handler func(Message) error) {
	defer c.conn.Close()

	// Set read deadline to 60 seconds, extend on pong
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("read error")
			}
			return
		}

		if err := handler(msg); err != nil {
			c.logger.Warn().Err(err).Msg("message handler error")
		}
	}
}

var (
	ErrConnectionNotFound = &Error{Code: "connection_not_found", Message: "User connection not found"}
	ErrConnectionClosed   = &Error{Code: "connection_closed", Message: "Connection is closed"}
	ErrSendQueueFull      = &Error{Code: "send_queue_full", Message: "Send queue is full"}
)

type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
