package models

import (
	"time"

	"gorm.io/gorm"
)

// Conversation status values.
const (
	ConversationActive   = "active"
	ConversationArchived = "archived"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message status values.
const (
	MessagePending    = "pending"
	MessageSent       = "sent"
	MessageProcessing = "processing"
	MessageCompleted  = "completed"
	MessageFailed     = "failed"
)

// AgentTask status values.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// User represents a platform account. The gateway only reads users; account
// management lives elsewhere.
type User struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Username     string `json:"username" gorm:"uniqueIndex;not null"`
	Email        string `json:"email" gorm:"uniqueIndex;not null"`
	PasswordHash string `json:"-" gorm:"not null"`
	FullName     string `json:"full_name"`
	IsActive     bool   `json:"is_active" gorm:"default:true"`

	Agents        []Agent        `json:"-" gorm:"foreignKey:OwnerID"`
	Conversations []Conversation `json:"-" gorm:"foreignKey:UserID"`
}

// LLMModel is a configured language-model endpoint. API keys are stored
// encrypted by the management layer; the gateway treats the value as opaque.
type LLMModel struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Name      string `json:"name" gorm:"uniqueIndex;not null"`
	Provider  string `json:"provider" gorm:"not null"` // anthropic, openai, ollama
	ModelName string `json:"model_name" gorm:"not null"`

	APIKey     string `json:"-" gorm:"column:api_key"`
	APIBaseURL string `json:"api_base_url"`

	Temperature    float32 `json:"temperature" gorm:"default:0.7"`
	MaxTokens      int     `json:"max_tokens" gorm:"default:2000"`
	TimeoutSeconds int     `json:"timeout_seconds" gorm:"default:120"`

	IsActive bool `json:"is_active" gorm:"default:true"`
}

// Agent is an AI agent persona bound to an LLM model.
type Agent struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Name        string `json:"name" gorm:"uniqueIndex;not null"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`

	// Persona fields used to build the completion prompt.
	Role      string `json:"role" gorm:"not null"`
	Goal      string `json:"goal" gorm:"type:text"`
	Backstory string `json:"backstory" gorm:"type:text"`

	OwnerID uint `json:"owner_id" gorm:"not null;index"`
	Owner   User `json:"-" gorm:"foreignKey:OwnerID"`

	LLMModelID uint     `json:"llm_model_id" gorm:"not null"`
	LLMModel   LLMModel `json:"llm_model" gorm:"foreignKey:LLMModelID"`

	IsActive bool `json:"is_active" gorm:"default:true"`
}

// Conversation is a durable chat thread between one user and agent invocations.
type Conversation struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Title string `json:"title" gorm:"default:'New conversation'"`

	UserID uint `json:"user_id" gorm:"not null;index:idx_conversations_user_status"`
	User   User `json:"-" gorm:"foreignKey:UserID"`

	PrimaryAgentID *uint  `json:"primary_agent_id"`
	PrimaryAgent   *Agent `json:"primary_agent" gorm:"foreignKey:PrimaryAgentID"`

	Status          string     `json:"status" gorm:"default:'active';index:idx_conversations_user_status"`
	TotalMessages   uint       `json:"total_messages" gorm:"default:0"`
	TotalAgentCalls uint       `json:"total_agent_calls" gorm:"default:0"`
	LastActivityAt  *time.Time `json:"last_activity_at" gorm:"index"`

	Messages []Message   `json:"-" gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
	Tasks    []AgentTask `json:"-" gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
}

// IsArchived reports whether the conversation no longer accepts new messages.
func (c *Conversation) IsArchived() bool {
	return c.Status == ConversationArchived
}

// Message is one entry in a conversation. Assistant messages start as a
// "processing" placeholder and are mutated in place as the stream completes;
// once a terminal status is reached the row is never changed again.
type Message struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	ConversationID uint         `json:"conversation_id" gorm:"not null;index:idx_messages_conversation_created"`
	Conversation   Conversation `json:"-" gorm:"foreignKey:ConversationID"`

	Role    string `json:"role" gorm:"not null;index"`
	Content string `json:"content" gorm:"type:text"`

	// Assistant messages only.
	AgentID   *uint  `json:"agent_id"`
	Agent     *Agent `json:"-" gorm:"foreignKey:AgentID"`
	AgentName string `json:"agent_name"`

	Status       string `json:"status" gorm:"default:'sent';index"`
	ErrorMessage string `json:"error_message"`
}

// IsTerminal reports whether the message status can no longer change.
func (m *Message) IsTerminal() bool {
	return m.Status == MessageCompleted || m.Status == MessageFailed
}

// AgentTask records one execution attempt of an agent. The task records why and
// how execution ran; the placeholder Message records what the user sees.
type AgentTask struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	ConversationID uint         `json:"conversation_id" gorm:"not null;index:idx_tasks_conversation_status"`
	Conversation   Conversation `json:"-" gorm:"foreignKey:ConversationID"`

	MessageID uint    `json:"message_id" gorm:"not null"`
	Message   Message `json:"-" gorm:"foreignKey:MessageID"`

	AgentID   uint   `json:"agent_id" gorm:"not null"`
	Agent     Agent  `json:"-" gorm:"foreignKey:AgentID"`
	AgentName string `json:"agent_name"`

	Description string `json:"description" gorm:"type:text"`

	Status          string     `json:"status" gorm:"default:'pending';index:idx_tasks_conversation_status"`
	StartedAt       *time.Time `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at"`
	ExecutionTimeMs int64      `json:"execution_time_ms" gorm:"default:0"`

	Result       string `json:"result" gorm:"type:text"`
	ErrorDetails string `json:"error_details" gorm:"type:text"`
}

// Duration returns the wall-clock execution time, or zero if the task has not
// both started and ended.
func (t *AgentTask) Duration() time.Duration {
	if t.StartedAt == nil || t.EndedAt == nil {
		return 0
	}
	return t.EndedAt.Sub(*t.StartedAt)
}
