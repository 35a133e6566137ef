package store

import (
	"testing"
	"time"

	"agenthub/internal/db"
	"agenthub/pkg/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&models.User{},
		&models.LLMModel{},
		&models.Agent{},
		&models.Conversation{},
		&models.Message{},
		&models.AgentTask{},
	))
	require.NoError(t, gdb.Exec(db.ProcessingMessageIndex).Error)
	return New(gdb)
}

func seedUser(t *testing.T, s *Store, username string) *models.User {
	t.Helper()
	user := &models.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "x",
		IsActive:     true,
	}
	require.NoError(t, s.db.Create(user).Error)
	return user
}

func seedAgent(t *testing.T, s *Store, owner *models.User, name string) *models.Agent {
	t.Helper()
	model := &models.LLMModel{
		Name:      name + "-model",
		Provider:  "anthropic",
		ModelName: "claude-3-5-sonnet-20241022",
		IsActive:  true,
	}
	require.NoError(t, s.db.Create(model).Error)
	agent := &models.Agent{
		Name:        name,
		DisplayName: name,
		Role:        "Research Assistant",
		Goal:        "Answer questions",
		Backstory:   "An experienced researcher",
		OwnerID:     owner.ID,
		LLMModelID:  model.ID,
		IsActive:    true,
	}
	require.NoError(t, s.db.Create(agent).Error)
	return agent
}

func TestCreateConversationSeedsWelcomeMessage(t *testing.T) {
	s := newTestStore(t)
	user := seedUser(t, s, "alice")

	conv, err := s.CreateConversation(user.ID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "New conversation", conv.Title)
	assert.Equal(t, models.ConversationActive, conv.Status)

	msgs, err := s.ListMessages(conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleSystem, msgs[0].Role)
	assert.Equal(t, models.MessageSent, msgs[0].Status)
	assert.NotEmpty(t, msgs[0].Content)
}

func TestGetConversationForUserOwnership(t *testing.T) {
	s := newTestStore(t)
	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")

	conv, err := s.CreateConversation(alice.ID, "Research", nil)
	require.NoError(t, err)

	got, err := s.GetConversationForUser(conv.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	// Another user's conversation looks like it does not exist.
	_, err = s.GetConversationForUser(conv.ID, bob.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = s.GetConversationForUser(9999, alice.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestCreateUserMessageUpdatesCounters(t *testing.T) {
	s := newTestStore(t)
	user := seedUser(t, s, "alice")
	conv, err := s.CreateConversation(user.ID, "Chat", nil)
	require.NoError(t, err)

	before := time.Now().UTC().Add(-time.Second)
	msg, err := s.CreateUserMessage(conv.ID, "hello there")
	require.NoError(t, err)
	assert.Equal(t, models.RoleUser, msg.Role)
	assert.Equal(t, models.MessageSent, msg.Status)

	var reloaded models.Conversation
	require.NoError(t, s.db.First(&reloaded, conv.ID).Error)
	assert.Equal(t, uint(1), reloaded.TotalMessages)
	require.NotNil(t, reloaded.LastActivityAt)
	assert.True(t, reloaded.LastActivityAt.After(before))
}

func TestCreateProcessingMessageEnforcesSingleInFlight(t *testing.T) {
	s := newTestStore(t)
	user := seedUser(t, s, "alice")
	agent := seedAgent(t, s, user, "helper")
	conv, err := s.CreateConversation(user.ID, "Chat", nil)
	require.NoError(t, err)

	first, err := s.CreateProcessingMessage(conv.ID, agent)
	require.NoError(t, err)
	assert.Equal(t, models.MessageProcessing, first.Status)
	assert.Equal(t, agent.DisplayName, first.AgentName)

	_, err = s.CreateProcessingMessage(conv.ID, agent)
	assert.ErrorIs(t, err, ErrMessageInFlight)

	// Finishing the first message releases the slot.
	require.NoError(t, s.CompleteMessage(first.ID, "done"))
	_, err = s.CreateProcessingMessage(conv.ID, agent)
	assert.NoError(t, err)

	count, err := s.CountProcessing(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestProcessingSlotUniqueAtDatabaseLevel(t *testing.T) {
	s := newTestStore(t)
	user := seedUser(t, s, "alice")
	agent := seedAgent(t, s, user, "helper")
	conv, err := s.CreateConversation(user.ID, "Chat", nil)
	require.NoError(t, err)

	// Two inserts racing past any application-level check still collide on
	// the partial unique index.
	first := &models.Message{
		ConversationID: conv.ID, Role: models.RoleAssistant,
		AgentID: &agent.ID, Status: models.MessageProcessing,
	}
	require.NoError(t, s.db.Create(first).Error)

	second := &models.Message{
		ConversationID: conv.ID, Role: models.RoleAssistant,
		AgentID: &agent.ID, Status: models.MessageProcessing,
	}
	err = s.db.Create(second).Error
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	// The index only covers the processing slot: user messages and finished
	// assistant messages insert freely.
	require.NoError(t, s.CompleteMessage(first.ID, "done"))
	_, err = s.CreateUserMessage(conv.ID, "next question")
	require.NoError(t, err)
	_, err = s.CreateProcessingMessage(conv.ID, agent)
	require.NoError(t, err)
}

func TestTerminalMessageStatusNeverChanges(t *testing.T) {
	s := newTestStore(t)
	user := seedUser(t, s, "alice")
	agent := seedAgent(t, s, user, "helper")
	conv, err := s.CreateConversation(user.ID, "Chat", nil)
	require.NoError(t, err)

	msg, err := s.CreateProcessingMessage(conv.ID, agent)
	require.NoError(t, err)
	require.NoError(t, s.CompleteMessage(msg.ID, "the answer"))

	// A late failure report cannot clobber the completed row.
	require.NoError(t, s.FailMessage(msg.ID, "oops", "late error"))
	got, err := s.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageCompleted, got.Status)
	assert.Equal(t, "the answer", got.Content)
	assert.Empty(t, got.ErrorMessage)
}

func TestTaskEndsExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	user := seedUser(t, s, "alice")
	agent := seedAgent(t, s, user, "helper")
	conv, err := s.CreateConversation(user.ID, "Chat", nil)
	require.NoError(t, err)
	msg, err := s.CreateProcessingMessage(conv.ID, agent)
	require.NoError(t, err)

	task, err := s.CreateTask(conv.ID, msg.ID, agent, "Reply to user message: hi")
	require.NoError(t, err)
	require.NoError(t, s.StartTask(task))
	require.NoError(t, s.CompleteTask(task, "the answer"))

	require.NoError(t, s.FailTask(task, "late error"))
	var got models.AgentTask
	require.NoError(t, s.db.First(&got, task.ID).Error)
	assert.Equal(t, models.TaskCompleted, got.Status)
	assert.Equal(t, "the answer", got.Result)
	assert.Empty(t, got.ErrorDetails)
}

func TestCompleteAndFailMessage(t *testing.T) {
	s := newTestStore(t)
	user := seedUser(t, s, "alice")
	agent := seedAgent(t, s, user, "helper")
	conv, err := s.CreateConversation(user.ID, "Chat", nil)
	require.NoError(t, err)

	msg, err := s.CreateProcessingMessage(conv.ID, agent)
	require.NoError(t, err)
	require.NoError(t, s.CompleteMessage(msg.ID, "the answer"))

	got, err := s.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageCompleted, got.Status)
	assert.Equal(t, "the answer", got.Content)
	assert.True(t, got.IsTerminal())

	msg2, err := s.CreateProcessingMessage(conv.ID, agent)
	require.NoError(t, err)
	require.NoError(t, s.FailMessage(msg2.ID, "Sorry, something went wrong.", "provider timeout"))

	got2, err := s.GetMessage(msg2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageFailed, got2.Status)
	assert.Equal(t, "Sorry, something went wrong.", got2.Content)
	assert.Equal(t, "provider timeout", got2.ErrorMessage)
}

func TestRecentTurnsBoundedAndChronological(t *testing.T) {
	s := newTestStore(t)
	user := seedUser(t, s, "alice")
	agent := seedAgent(t, s, user, "helper")
	conv, err := s.CreateConversation(user.ID, "Chat", nil)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err := s.CreateUserMessage(conv.ID, string(rune('a'+i)))
		require.NoError(t, err)
		msg, err := s.CreateProcessingMessage(conv.ID, agent)
		require.NoError(t, err)
		require.NoError(t, s.CompleteMessage(msg.ID, "reply-"+string(rune('a'+i))))
	}
	// System messages never enter the prompt window.
	_, err = s.CreateSystemMessage(conv.ID, "note")
	require.NoError(t, err)

	turns, err := s.RecentTurns(conv.ID, 4)
	require.NoError(t, err)
	require.Len(t, turns, 4)

	// Oldest-first, and only the most recent turns survive the cut.
	assert.Equal(t, "e", turns[0].Content)
	assert.Equal(t, "reply-e", turns[1].Content)
	assert.Equal(t, "f", turns[2].Content)
	assert.Equal(t, "reply-f", turns[3].Content)
	for _, m := range turns {
		assert.NotEqual(t, models.RoleSystem, m.Role)
	}
}

func TestResolveAgentPrimaryThenFallback(t *testing.T) {
	s := newTestStore(t)
	user := seedUser(t, s, "alice")
	older := seedAgent(t, s, user, "older")
	require.NoError(t, s.db.Model(older).Update("created_at", time.Now().Add(-time.Hour)).Error)
	newer := seedAgent(t, s, user, "newer")

	// Primary agent wins when set and active.
	conv, err := s.CreateConversation(user.ID, "Chat", &older.ID)
	require.NoError(t, err)
	loaded, err := s.GetConversationForUser(conv.ID, user.ID)
	require.NoError(t, err)
	agent, err := s.ResolveAgent(loaded)
	require.NoError(t, err)
	assert.Equal(t, older.ID, agent.ID)

	// Without a primary agent the most recently created active agent is used.
	conv2, err := s.CreateConversation(user.ID, "Chat 2", nil)
	require.NoError(t, err)
	loaded2, err := s.GetConversationForUser(conv2.ID, user.ID)
	require.NoError(t, err)
	agent, err = s.ResolveAgent(loaded2)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, agent.ID)

	// An inactive primary agent falls through to the fallback.
	require.NoError(t, s.db.Model(older).Update("is_active", false).Error)
	loaded, err = s.GetConversationForUser(conv.ID, user.ID)
	require.NoError(t, err)
	agent, err = s.ResolveAgent(loaded)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, agent.ID)
}

func TestResolveAgentNoneAvailable(t *testing.T) {
	s := newTestStore(t)
	user := seedUser(t, s, "alice")
	conv, err := s.CreateConversation(user.ID, "Chat", nil)
	require.NoError(t, err)
	loaded, err := s.GetConversationForUser(conv.ID, user.ID)
	require.NoError(t, err)

	_, err = s.ResolveAgent(loaded)
	assert.ErrorIs(t, err, ErrNoAgentAvailable)
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	user := seedUser(t, s, "alice")
	agent := seedAgent(t, s, user, "helper")
	conv, err := s.CreateConversation(user.ID, "Chat", nil)
	require.NoError(t, err)
	msg, err := s.CreateProcessingMessage(conv.ID, agent)
	require.NoError(t, err)

	task, err := s.CreateTask(conv.ID, msg.ID, agent, "Reply to user message: hi")
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)

	var reloaded models.Conversation
	require.NoError(t, s.db.First(&reloaded, conv.ID).Error)
	assert.Equal(t, uint(1), reloaded.TotalAgentCalls)

	require.NoError(t, s.StartTask(task))
	assert.Equal(t, models.TaskRunning, task.Status)
	require.NotNil(t, task.StartedAt)

	require.NoError(t, s.CompleteTask(task, "the answer"))
	assert.Equal(t, models.TaskCompleted, task.Status)
	require.NotNil(t, task.EndedAt)
	assert.GreaterOrEqual(t, task.ExecutionTimeMs, int64(0))
	assert.Equal(t, "the answer", task.Result)
}

func TestFailTaskRecordsDetails(t *testing.T) {
	s := newTestStore(t)
	user := seedUser(t, s, "alice")
	agent := seedAgent(t, s, user, "helper")
	conv, err := s.CreateConversation(user.ID, "Chat", nil)
	require.NoError(t, err)
	msg, err := s.CreateProcessingMessage(conv.ID, agent)
	require.NoError(t, err)

	task, err := s.CreateTask(conv.ID, msg.ID, agent, "Reply to user message: hi")
	require.NoError(t, err)
	require.NoError(t, s.StartTask(task))
	require.NoError(t, s.FailTask(task, "provider unavailable"))

	var got models.AgentTask
	require.NoError(t, s.db.First(&got, task.ID).Error)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.Equal(t, "provider unavailable", got.ErrorDetails)
	assert.Empty(t, got.Result)
}

func TestArchiveConversation(t *testing.T) {
	s := newTestStore(t)
	user := seedUser(t, s, "alice")
	conv, err := s.CreateConversation(user.ID, "Chat", nil)
	require.NoError(t, err)

	require.NoError(t, s.ArchiveConversation(conv.ID))
	got, err := s.GetConversationForUser(conv.ID, user.ID)
	require.NoError(t, err)
	assert.True(t, got.IsArchived())

	status, err := s.ConversationStatus(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationArchived, status)

	_, err = s.ConversationStatus(9999)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}
