// Package api serves the REST read path: conversation management and message
// history. A client that reconnects catches up here, not via the stream.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"agenthub/internal/logging"
	"agenthub/internal/middleware"
	"agenthub/internal/store"
	"agenthub/pkg/models"

	"github.com/gin-gonic/gin"
)

// Handlers bundles the REST endpoints over the chat store.
type Handlers struct {
	store *store.Store
}

// NewHandlers creates the REST handler set.
func NewHandlers(st *store.Store) *Handlers {
	return &Handlers{store: st}
}

// Register mounts the endpoints on an authenticated route group.
func (h *Handlers) Register(rg *gin.RouterGroup) {
	rg.POST("/conversations", h.CreateConversation)
	rg.GET("/conversations", h.ListConversations)
	rg.GET("/conversations/:id", h.GetConversation)
	rg.GET("/conversations/:id/messages", h.ListMessages)
	rg.POST("/conversations/:id/archive", h.ArchiveConversation)
}

type createConversationRequest struct {
	Title          string `json:"title"`
	PrimaryAgentID *uint  `json:"primary_agent_id"`
}

// CreateConversation starts a new conversation for the authenticated user.
func (h *Handlers) CreateConversation(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	conv, err := h.store.CreateConversation(userID, req.Title, req.PrimaryAgentID)
	if err != nil {
		logging.S().Errorw("failed to create conversation", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// ListConversations returns the user's conversations, optionally filtered by
// ?status=active|archived.
func (h *Handlers) ListConversations(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	convs, err := h.store.ListConversations(userID, c.Query("status"))
	if err != nil {
		logging.S().Errorw("failed to list conversations", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// GetConversation returns one conversation the user owns.
func (h *Handlers) GetConversation(c *gin.Context) {
	conv, ok := h.ownedConversation(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, conv)
}

// ListMessages returns a conversation's messages oldest-first. ?limit= bounds
// the page size.
func (h *Handlers) ListMessages(c *gin.Context) {
	conv, ok := h.ownedConversation(c)
	if !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	msgs, err := h.store.ListMessages(conv.ID, limit)
	if err != nil {
		logging.S().Errorw("failed to list messages", "conversation_id", conv.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// ArchiveConversation marks a conversation archived; its sockets keep
// receiving events but new messages are rejected.
func (h *Handlers) ArchiveConversation(c *gin.Context) {
	conv, ok := h.ownedConversation(c)
	if !ok {
		return
	}

	if err := h.store.ArchiveConversation(conv.ID); err != nil {
		logging.S().Errorw("failed to archive conversation", "conversation_id", conv.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to archive conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "archived"})
}

// ownedConversation resolves the :id parameter to a conversation owned by the
// authenticated user, writing the error response itself on failure.
func (h *Handlers) ownedConversation(c *gin.Context) (conv *models.Conversation, ok bool) {
	userID, authed := middleware.GetUserID(c)
	if !authed {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return nil, false
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return nil, false
	}

	loaded, err := h.store.GetConversationForUser(uint(id), userID)
	if err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		} else {
			logging.S().Errorw("failed to load conversation", "conversation_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return nil, false
	}
	return loaded, true
}
