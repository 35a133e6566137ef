// Package store persists conversations, messages and agent tasks. Every
// mutation the streaming pipeline performs on durable state goes through this
// package.
package store

import (
	"errors"
	"fmt"
	"time"

	"agenthub/pkg/models"

	"gorm.io/gorm"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageInFlight      = errors.New("a message is already being processed for this conversation")
	ErrNoAgentAvailable     = errors.New("no agent available")
)

const welcomeMessage = "Welcome! You can start chatting with your agents now."

// Store wraps all chat persistence operations.
type Store struct {
	db *gorm.DB
}

// New creates a Store.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for callers that compose queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// CreateConversation creates a conversation for a user and seeds it with a
// system welcome message.
func (s *Store) CreateConversation(userID uint, title string, primaryAgentID *uint) (*models.Conversation, error) {
	if title == "" {
		title = "New conversation"
	}
	now := time.Now().UTC()

	conv := &models.Conversation{
		Title:          title,
		UserID:         userID,
		PrimaryAgentID: primaryAgentID,
		Status:         models.ConversationActive,
		LastActivityAt: &now,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		welcome := &models.Message{
			ConversationID: conv.ID,
			Role:           models.RoleSystem,
			Content:        welcomeMessage,
			Status:         models.MessageSent,
		}
		return tx.Create(welcome).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// GetConversationForUser loads a conversation owned by the given user. A
// conversation that exists but belongs to someone else is indistinguishable
// from one that does not exist.
func (s *Store) GetConversationForUser(conversationID, userID uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.Preload("PrimaryAgent").Preload("PrimaryAgent.LLMModel").
		Where("id = ? AND user_id = ?", conversationID, userID).
		First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations returns a user's conversations, most recently active first.
func (s *Store) ListConversations(userID uint, status string) ([]models.Conversation, error) {
	q := s.db.Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var convs []models.Conversation
	if err := q.Order("last_activity_at DESC NULLS LAST, created_at DESC").Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}

// ConversationStatus reads the current status of a conversation. Sessions
// hold a handshake-time snapshot, so gates on status go back to the database.
func (s *Store) ConversationStatus(conversationID uint) (string, error) {
	var status string
	err := s.db.Model(&models.Conversation{}).
		Select("status").
		Where("id = ?", conversationID).
		Scan(&status).Error
	if err != nil {
		return "", fmt.Errorf("failed to read conversation status: %w", err)
	}
	if status == "" {
		return "", ErrConversationNotFound
	}
	return status, nil
}

// ArchiveConversation marks a conversation archived.
func (s *Store) ArchiveConversation(conversationID uint) error {
	return s.db.Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Update("status", models.ConversationArchived).Error
}

// touchConversation bumps the message counter and activity timestamp.
func touchConversation(tx *gorm.DB, conversationID uint) error {
	return tx.Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Updates(map[string]interface{}{
			"total_messages":   gorm.Expr("total_messages + 1"),
			"last_activity_at": time.Now().UTC(),
		}).Error
}

// CreateUserMessage durably records a user message before any asynchronous
// work starts.
func (s *Store) CreateUserMessage(conversationID uint, content string) (*models.Message, error) {
	msg := &models.Message{
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        content,
		Status:         models.MessageSent,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return touchConversation(tx, conversationID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create user message: %w", err)
	}
	return msg, nil
}

// CreateSystemMessage records a system message (e.g. "no agent configured").
func (s *Store) CreateSystemMessage(conversationID uint, content string) (*models.Message, error) {
	msg := &models.Message{
		ConversationID: conversationID,
		Role:           models.RoleSystem,
		Content:        content,
		Status:         models.MessageSent,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return touchConversation(tx, conversationID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create system message: %w", err)
	}
	return msg, nil
}

// CreateProcessingMessage creates the placeholder assistant message that will
// receive the streamed result. At most one processing assistant message may
// exist per conversation, enforced by the partial unique index
// idx_messages_processing; a concurrent attempt fails with ErrMessageInFlight
// regardless of transaction isolation level.
func (s *Store) CreateProcessingMessage(conversationID uint, agent *models.Agent) (*models.Message, error) {
	msg := &models.Message{
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        "",
		AgentID:        &agent.ID,
		AgentName:      agent.DisplayName,
		Status:         models.MessageProcessing,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return touchConversation(tx, conversationID)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrMessageInFlight
		}
		return nil, fmt.Errorf("failed to create placeholder message: %w", err)
	}
	return msg, nil
}

// CompleteMessage finalizes a placeholder message with the answer content.
// Terminal statuses never change again, so only a processing message is
// updated.
func (s *Store) CompleteMessage(messageID uint, content string) error {
	return s.db.Model(&models.Message{}).
		Where("id = ? AND status = ?", messageID, models.MessageProcessing).
		Updates(map[string]interface{}{
			"content": content,
			"status":  models.MessageCompleted,
		}).Error
}

// FailMessage finalizes a placeholder message with a user-facing error. Like
// CompleteMessage it only transitions a message that is still processing.
func (s *Store) FailMessage(messageID uint, userFacing, errorDetail string) error {
	return s.db.Model(&models.Message{}).
		Where("id = ? AND status = ?", messageID, models.MessageProcessing).
		Updates(map[string]interface{}{
			"content":       userFacing,
			"status":        models.MessageFailed,
			"error_message": errorDetail,
		}).Error
}

// GetMessage loads a message by id.
func (s *Store) GetMessage(messageID uint) (*models.Message, error) {
	var msg models.Message
	if err := s.db.First(&msg, messageID).Error; err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	return &msg, nil
}

// ListMessages returns a conversation's messages oldest-first. This is the
// ordinary read path a reconnecting client uses to catch up.
func (s *Store) ListMessages(conversationID uint, limit int) ([]models.Message, error) {
	q := s.db.Where("conversation_id = ?", conversationID).Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var msgs []models.Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// RecentTurns returns the last `limit` user/assistant messages oldest-first,
// for prompt construction. Placeholder and failed messages are excluded.
func (s *Store) RecentTurns(conversationID uint, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.Where(
		"conversation_id = ? AND role IN ? AND status IN ?",
		conversationID,
		[]string{models.RoleUser, models.RoleAssistant},
		[]string{models.MessageSent, models.MessageCompleted},
	).Order("created_at DESC, id DESC").Limit(limit).Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ResolveAgent picks the agent for a conversation: the configured primary
// agent if it is active, otherwise the owner's most recently created active
// agent. The agent's LLM model is always preloaded.
func (s *Store) ResolveAgent(conv *models.Conversation) (*models.Agent, error) {
	if conv.PrimaryAgent != nil && conv.PrimaryAgent.IsActive {
		return conv.PrimaryAgent, nil
	}

	var agent models.Agent
	err := s.db.Preload("LLMModel").
		Where("owner_id = ? AND is_active = ?", conv.UserID, true).
		Order("created_at DESC").
		First(&agent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoAgentAvailable
		}
		return nil, fmt.Errorf("failed to resolve agent: %w", err)
	}
	return &agent, nil
}

// CreateTask records a new execution attempt and bumps the conversation's
// agent-call counter.
func (s *Store) CreateTask(conversationID, messageID uint, agent *models.Agent, description string) (*models.AgentTask, error) {
	task := &models.AgentTask{
		ConversationID: conversationID,
		MessageID:      messageID,
		AgentID:        agent.ID,
		AgentName:      agent.DisplayName,
		Description:    description,
		Status:         models.TaskPending,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(task).Error; err != nil {
			return err
		}
		return tx.Model(&models.Conversation{}).
			Where("id = ?", conversationID).
			Update("total_agent_calls", gorm.Expr("total_agent_calls + 1")).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return task, nil
}

// StartTask transitions a task to running.
func (s *Store) StartTask(task *models.AgentTask) error {
	now := time.Now().UTC()
	task.Status = models.TaskRunning
	task.StartedAt = &now
	return s.db.Model(task).Updates(map[string]interface{}{
		"status":     models.TaskRunning,
		"started_at": now,
	}).Error
}

// CompleteTask finalizes a task with its result.
func (s *Store) CompleteTask(task *models.AgentTask, result string) error {
	return s.endTask(task, models.TaskCompleted, result, "")
}

// FailTask finalizes a task with error details.
func (s *Store) FailTask(task *models.AgentTask, errorDetails string) error {
	return s.endTask(task, models.TaskFailed, "", errorDetails)
}

func (s *Store) endTask(task *models.AgentTask, status, result, errorDetails string) error {
	now := time.Now().UTC()
	var executionMs int64
	if task.StartedAt != nil {
		executionMs = now.Sub(*task.StartedAt).Milliseconds()
	}
	// A task ends exactly once; a row already in a terminal status is left
	// untouched, as is the in-memory struct.
	res := s.db.Model(task).
		Where("status IN ?", []string{models.TaskPending, models.TaskRunning}).
		Updates(map[string]interface{}{
			"status":            status,
			"ended_at":          now,
			"result":            result,
			"error_details":     errorDetails,
			"execution_time_ms": executionMs,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	task.Status = status
	task.EndedAt = &now
	task.Result = result
	task.ErrorDetails = errorDetails
	task.ExecutionTimeMs = executionMs
	return nil
}

// CountProcessing returns the number of in-flight assistant messages for a
// conversation. Used by invariant checks in tests and health probes.
func (s *Store) CountProcessing(conversationID uint) (int64, error) {
	var count int64
	err := s.db.Model(&models.Message{}).
		Where("conversation_id = ? AND role = ? AND status = ?",
			conversationID, models.RoleAssistant, models.MessageProcessing).
		Count(&count).Error
	return count, err
}
