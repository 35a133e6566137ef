package chat

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"agenthub/internal/auth"
	"agenthub/internal/logging"
	"agenthub/internal/metrics"
	"agenthub/internal/middleware"
	"agenthub/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Gateway upgrades HTTP requests to WebSocket sessions and gates them through
// authentication and conversation authorization.
type Gateway struct {
	auth     *auth.Service
	store    *store.Store
	hub      Broadcaster
	runner   TaskRunner
	upgrader websocket.Upgrader
}

// NewGateway creates the WebSocket gateway.
func NewGateway(authService *auth.Service, st *store.Store, hub Broadcaster, runner TaskRunner) *Gateway {
	return &Gateway{
		auth:   authService,
		store:  st,
		hub:    hub,
		runner: runner,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin checking is handled by the deployment's reverse proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket is the /ws/chat/:conversation_id endpoint. Failures after
// the upgrade close the socket with a cause-specific code so clients can
// distinguish re-login from a bad conversation link.
func (g *Gateway) HandleWebSocket(c *gin.Context) {
	token := middleware.WebSocketToken(c)
	conversationParam := c.Param("conversation_id")

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.S().Warnw("websocket upgrade failed", "error", err)
		return
	}

	user, err := g.auth.ResolveUser(token)
	if err != nil {
		logging.S().Infow("websocket auth rejected", "error", err)
		closeWithCode(conn, CloseUnauthenticated, "authentication required")
		return
	}

	conversationID, err := strconv.ParseUint(conversationParam, 10, 64)
	if err != nil {
		closeWithCode(conn, CloseNotFound, "conversation not found")
		return
	}

	conv, err := g.store.GetConversationForUser(uint(conversationID), user.ID)
	if err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			closeWithCode(conn, CloseNotFound, "conversation not found")
		} else {
			logging.S().Errorw("failed to authorize conversation",
				"conversation_id", conversationID,
				"user_id", user.ID,
				"error", err,
			)
			closeWithCode(conn, CloseInternalError, "internal error")
		}
		return
	}

	session := newSession(conn, user, conv, g.hub, g.store, g.runner)
	g.hub.Join(conv.ID, session)
	metrics.ActiveConnections.Inc()

	session.Deliver(ConnectionEstablishedEvent(conv.ID).Payload)
	logging.S().Infow("session established",
		"session_id", session.id,
		"conversation_id", conv.ID,
		"user_id", user.ID,
	)

	go session.writePump()
	go session.readPump()
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}
