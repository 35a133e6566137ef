package chat

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"agenthub/internal/logging"
	"agenthub/internal/metrics"
	"agenthub/internal/store"
	"agenthub/pkg/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192

	// Outbound frame buffer per session.
	sendBufferSize = 256
)

// TaskRunner starts agent processing for a persisted user message. It runs
// detached from the session: a disconnect never cancels in-flight generation.
type TaskRunner interface {
	HandleUserMessage(conv *models.Conversation, msg *models.Message)
}

// Session is one authenticated WebSocket connection joined to a conversation.
// Reading and writing run on separate goroutines so an outbound hub delivery
// never waits on the next inbound client read.
type Session struct {
	id     string
	conn   *websocket.Conn
	user   *models.User
	conv   *models.Conversation
	hub    Broadcaster
	store  *store.Store
	runner TaskRunner

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, user *models.User, conv *models.Conversation, hub Broadcaster, st *store.Store, runner TaskRunner) *Session {
	return &Session{
		id:     uuid.NewString(),
		conn:   conn,
		user:   user,
		conv:   conv,
		hub:    hub,
		store:  st,
		runner: runner,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// SessionID implements Subscriber.
func (s *Session) SessionID() string {
	return s.id
}

// Deliver implements Subscriber: a non-blocking enqueue onto the session's
// outbound buffer.
func (s *Session) Deliver(payload []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.hub.Leave(s.conv.ID, s)
		close(s.closed)
		s.conn.Close()
		metrics.ActiveConnections.Dec()
		logging.S().Infow("session closed",
			"session_id", s.id,
			"conversation_id", s.conv.ID,
			"user_id", s.user.ID,
		)
	})
}

// readPump reads client frames until the connection drops.
func (s *Session) readPump() {
	defer s.teardown()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.S().Warnw("unexpected close", "session_id", s.id, "error", err)
			}
			return
		}
		s.handleFrame(data)
	}
}

// writePump writes queued frames and keepalive pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.teardown()
	}()

	for {
		select {
		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

// handleFrame dispatches one inbound client frame. Malformed or unknown
// frames answer with an error frame; the connection stays open.
func (s *Session) handleFrame(data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.Deliver(ErrorEvent("malformed frame").Payload)
		return
	}

	switch frame.Type {
	case FrameSendMessage:
		metrics.FramesReceived.WithLabelValues(frame.Type).Inc()
		s.handleSendMessage(frame.Content)
	case FrameTypingStart:
		metrics.FramesReceived.WithLabelValues(frame.Type).Inc()
		s.hub.Publish(s.conv.ID, TypingStatusEvent(s.user.ID, s.user.Username, true, s.id))
	case FrameTypingStop:
		metrics.FramesReceived.WithLabelValues(frame.Type).Inc()
		s.hub.Publish(s.conv.ID, TypingStatusEvent(s.user.ID, s.user.Username, false, s.id))
	case FramePing:
		metrics.FramesReceived.WithLabelValues(frame.Type).Inc()
		s.Deliver(PongEvent(frame.Timestamp).Payload)
	default:
		metrics.FramesReceived.WithLabelValues("unknown").Inc()
		s.Deliver(ErrorEvent("unknown frame type").Payload)
	}
}

func (s *Session) handleSendMessage(content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		s.Deliver(ErrorEvent("message content is required").Payload)
		return
	}
	// The handshake snapshot can go stale if the conversation is archived
	// over REST mid-session, so the status comes from the store.
	status, err := s.store.ConversationStatus(s.conv.ID)
	if err != nil {
		logging.S().Errorw("failed to read conversation status",
			"session_id", s.id,
			"conversation_id", s.conv.ID,
			"error", err,
		)
		s.Deliver(ErrorEvent("failed to send message").Payload)
		return
	}
	if status == models.ConversationArchived {
		s.Deliver(ErrorEvent("conversation is archived").Payload)
		return
	}

	msg, err := s.store.CreateUserMessage(s.conv.ID, content)
	if err != nil {
		logging.S().Errorw("failed to persist user message",
			"session_id", s.id,
			"conversation_id", s.conv.ID,
			"error", err,
		)
		s.Deliver(ErrorEvent("failed to send message").Payload)
		return
	}

	s.hub.Publish(s.conv.ID, NewMessageEvent(msg))

	// Agent processing outlives this session on purpose.
	go s.runner.HandleUserMessage(s.conv, msg)
}
