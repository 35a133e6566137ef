package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"agenthub/internal/ai"
	"agenthub/internal/chat"
	"agenthub/internal/db"
	"agenthub/internal/store"
	"agenthub/pkg/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// capturingHub records every published event in order.
type capturingHub struct {
	mu     sync.Mutex
	events []*chat.Event
}

func (h *capturingHub) Join(uint, chat.Subscriber)  {}
func (h *capturingHub) Leave(uint, chat.Subscriber) {}
func (h *capturingHub) Close() error                { return nil }

func (h *capturingHub) Publish(_ uint, ev *chat.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *capturingHub) types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.Type
	}
	return out
}

func (h *capturingHub) payloadsOf(frameType string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, ev := range h.events {
		if ev.Type == frameType {
			out = append(out, string(ev.Payload))
		}
	}
	return out
}

// fakeClient replays a scripted chunk sequence.
type fakeClient struct {
	setupErr error
	chunks   []ai.Chunk
}

func (f *fakeClient) Provider() string { return "fake" }

func (f *fakeClient) Stream(_ context.Context, _ *ai.Request) (<-chan ai.Chunk, error) {
	if f.setupErr != nil {
		return nil, f.setupErr
	}
	ch := make(chan ai.Chunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func factoryFor(client ai.CompletionClient) ClientFactory {
	return func(*models.LLMModel, time.Duration) (ai.CompletionClient, error) {
		return client, nil
	}
}

type fixture struct {
	store *store.Store
	hub   *capturingHub
	conv  *models.Conversation
	agent *models.Agent
	user  *models.User
}

func newFixture(t *testing.T, withAgent bool) *fixture {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&models.User{}, &models.LLMModel{}, &models.Agent{},
		&models.Conversation{}, &models.Message{}, &models.AgentTask{},
	))
	require.NoError(t, gdb.Exec(db.ProcessingMessageIndex).Error)
	st := store.New(gdb)

	user := &models.User{Username: "alice", Email: "alice@example.com", PasswordHash: "x", IsActive: true}
	require.NoError(t, gdb.Create(user).Error)

	f := &fixture{store: st, hub: &capturingHub{}, user: user}
	var primaryID *uint
	if withAgent {
		model := &models.LLMModel{Name: "m", Provider: "anthropic", ModelName: "claude-3-5-sonnet-20241022", MaxTokens: 500, IsActive: true}
		require.NoError(t, gdb.Create(model).Error)
		agent := &models.Agent{
			Name: "ada", DisplayName: "Ada", Role: "an assistant",
			OwnerID: user.ID, LLMModelID: model.ID, IsActive: true,
		}
		require.NoError(t, gdb.Create(agent).Error)
		f.agent = agent
		primaryID = &agent.ID
	}

	conv, err := st.CreateConversation(user.ID, "Chat", primaryID)
	require.NoError(t, err)
	loaded, err := st.GetConversationForUser(conv.ID, user.ID)
	require.NoError(t, err)
	f.conv = loaded
	return f
}

func (f *fixture) sendUserMessage(t *testing.T, content string) *models.Message {
	t.Helper()
	msg, err := f.store.CreateUserMessage(f.conv.ID, content)
	require.NoError(t, err)
	return msg
}

func newPipeline(f *fixture, client ai.CompletionClient) *Pipeline {
	return New(f.store, f.hub, Options{
		HistoryLimit:    10,
		ProviderTimeout: 5 * time.Second,
		ClientFactory:   factoryFor(client),
	})
}

func lastAssistantMessage(t *testing.T, f *fixture) *models.Message {
	t.Helper()
	msgs, err := f.store.ListMessages(f.conv.ID, 0)
	require.NoError(t, err)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant {
			return &msgs[i]
		}
	}
	t.Fatal("no assistant message found")
	return nil
}

func lastTask(t *testing.T, f *fixture) *models.AgentTask {
	t.Helper()
	var task models.AgentTask
	require.NoError(t, f.store.DB().Where("conversation_id = ?", f.conv.ID).Order("id DESC").First(&task).Error)
	return &task
}

func TestHappyPathStreamsAndCompletes(t *testing.T) {
	f := newFixture(t, true)
	client := &fakeClient{chunks: []ai.Chunk{
		{Text: "<thinking>consider the "},
		{Text: "question</thinking><answer>the answer "},
		{Text: "is 42</answer>"},
	}}
	p := newPipeline(f, client)

	msg := f.sendUserMessage(t, "what is the answer?")
	p.HandleUserMessage(f.conv, msg)

	types := f.hub.types()

	// The frame sequence viewers rely on, in order.
	wantOrder := []string{
		chat.FrameNewMessage,      // placeholder
		chat.FrameTaskStatus,      // running
		chat.FrameAgentThinking,   // true
		chat.FrameThinkingStatus,  // true
		chat.FrameThinkingContent, // at least one
		chat.FrameThinkingComplete,
		chat.FrameAnswerStart,
		chat.FrameAnswerUpdate,
		chat.FrameAnswerComplete,
		chat.FrameAgentThinking, // false
		chat.FrameTaskStatus,    // completed
		chat.FrameNewMessage,    // final message
	}
	idx := 0
	for _, want := range wantOrder {
		found := false
		for ; idx < len(types); idx++ {
			if types[idx] == want {
				found = true
				idx++
				break
			}
		}
		require.True(t, found, "missing %s in sequence %v", want, types)
	}
	assert.NotContains(t, types, chat.FrameError)

	// Answer updates concatenate to the persisted content.
	var streamed strings.Builder
	for _, payload := range f.hub.payloadsOf(chat.FrameAnswerUpdate) {
		var frame struct {
			Content string `json:"content"`
		}
		require.NoError(t, json.Unmarshal([]byte(payload), &frame))
		streamed.WriteString(frame.Content)
	}
	assert.Equal(t, "the answer is 42", streamed.String())

	final := lastAssistantMessage(t, f)
	assert.Equal(t, models.MessageCompleted, final.Status)
	assert.Equal(t, "the answer is 42", final.Content)
	assert.NotContains(t, final.Content, "consider the question")

	task := lastTask(t, f)
	assert.Equal(t, models.TaskCompleted, task.Status)
	assert.Equal(t, "the answer is 42", task.Result)
	assert.NotNil(t, task.StartedAt)
	assert.NotNil(t, task.EndedAt)

	count, err := f.store.CountProcessing(f.conv.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestNoAgentProducesSystemMessageAndNoTask(t *testing.T) {
	f := newFixture(t, false)
	p := newPipeline(f, &fakeClient{})

	msg := f.sendUserMessage(t, "anyone there?")
	p.HandleUserMessage(f.conv, msg)

	types := f.hub.types()
	assert.Equal(t, []string{chat.FrameNewMessage}, types)
	assert.Contains(t, f.hub.payloadsOf(chat.FrameNewMessage)[0], "No agent is configured")

	msgs, err := f.store.ListMessages(f.conv.ID, 0)
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Equal(t, models.RoleSystem, last.Role)

	var taskCount int64
	require.NoError(t, f.store.DB().Model(&models.AgentTask{}).Count(&taskCount).Error)
	assert.Zero(t, taskCount)
}

func TestProviderSetupFailureMarksEverythingFailed(t *testing.T) {
	f := newFixture(t, true)
	client := &fakeClient{setupErr: &ai.ProviderError{
		Provider: "fake", Kind: ai.KindTimeout, Message: "deadline exceeded",
	}}
	p := newPipeline(f, client)

	msg := f.sendUserMessage(t, "hello")
	p.HandleUserMessage(f.conv, msg)

	final := lastAssistantMessage(t, f)
	assert.Equal(t, models.MessageFailed, final.Status)
	assert.NotEmpty(t, final.ErrorMessage)
	assert.NotEmpty(t, final.Content)

	task := lastTask(t, f)
	assert.Equal(t, models.TaskFailed, task.Status)
	assert.Contains(t, task.ErrorDetails, "deadline exceeded")

	assert.Contains(t, f.hub.types(), chat.FrameError)

	count, err := f.store.CountProcessing(f.conv.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMidStreamErrorMarksEverythingFailed(t *testing.T) {
	f := newFixture(t, true)
	client := &fakeClient{chunks: []ai.Chunk{
		{Text: "<thinking>hmm</thinking><answer>part"},
		{Err: &ai.ProviderError{Provider: "fake", Kind: ai.KindUnavailable, Message: "connection reset"}},
	}}
	p := newPipeline(f, client)

	msg := f.sendUserMessage(t, "hello")
	p.HandleUserMessage(f.conv, msg)

	final := lastAssistantMessage(t, f)
	assert.Equal(t, models.MessageFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "connection reset")

	task := lastTask(t, f)
	assert.Equal(t, models.TaskFailed, task.Status)
	assert.Contains(t, f.hub.types(), chat.FrameError)
}

func TestConcurrentMessageIsRejectedWhileProcessing(t *testing.T) {
	f := newFixture(t, true)
	p := newPipeline(f, &fakeClient{})

	// Simulate an in-flight task holding the processing slot.
	_, err := f.store.CreateProcessingMessage(f.conv.ID, f.agent)
	require.NoError(t, err)

	msg := f.sendUserMessage(t, "impatient follow-up")
	p.HandleUserMessage(f.conv, msg)

	types := f.hub.types()
	assert.Equal(t, []string{chat.FrameError}, types)
	assert.Contains(t, f.hub.payloadsOf(chat.FrameError)[0], "already responding")

	count, err := f.store.CountProcessing(f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestUntaggedOutputFallsBackToRawAnswer(t *testing.T) {
	f := newFixture(t, true)
	client := &fakeClient{chunks: []ai.Chunk{
		{Text: "plain reply with "},
		{Text: "no tags at all"},
	}}
	p := newPipeline(f, client)

	msg := f.sendUserMessage(t, "hello")
	p.HandleUserMessage(f.conv, msg)

	final := lastAssistantMessage(t, f)
	assert.Equal(t, models.MessageCompleted, final.Status)
	assert.Equal(t, "plain reply with no tags at all", final.Content)

	// Viewers still get the full answer frame sequence.
	types := f.hub.types()
	assert.Contains(t, types, chat.FrameAnswerStart)
	assert.Contains(t, types, chat.FrameAnswerUpdate)
	assert.Contains(t, types, chat.FrameAnswerComplete)
}

func TestEmptyResponseFails(t *testing.T) {
	f := newFixture(t, true)
	p := newPipeline(f, &fakeClient{chunks: nil})

	msg := f.sendUserMessage(t, "hello")
	p.HandleUserMessage(f.conv, msg)

	final := lastAssistantMessage(t, f)
	assert.Equal(t, models.MessageFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "empty response")
}

func TestPanicInsideFactoryIsContained(t *testing.T) {
	f := newFixture(t, true)
	p := New(f.store, f.hub, Options{
		ProviderTimeout: time.Second,
		ClientFactory: func(*models.LLMModel, time.Duration) (ai.CompletionClient, error) {
			panic("boom")
		},
	})

	msg := f.sendUserMessage(t, "hello")
	assert.NotPanics(t, func() {
		p.HandleUserMessage(f.conv, msg)
	})
	assert.Contains(t, f.hub.types(), chat.FrameError)

	// The placeholder and task reach terminal states, not a stuck
	// processing slot.
	final := lastAssistantMessage(t, f)
	assert.Equal(t, models.MessageFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "internal error")

	task := lastTask(t, f)
	assert.Equal(t, models.TaskFailed, task.Status)

	count, err := f.store.CountProcessing(f.conv.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	// The conversation accepts the next message.
	next, err := f.store.CreateProcessingMessage(f.conv.ID, f.agent)
	require.NoError(t, err)
	assert.Equal(t, models.MessageProcessing, next.Status)
}

func TestFactoryErrorFails(t *testing.T) {
	f := newFixture(t, true)
	p := New(f.store, f.hub, Options{
		ProviderTimeout: time.Second,
		ClientFactory: func(*models.LLMModel, time.Duration) (ai.CompletionClient, error) {
			return nil, errors.New("unknown provider")
		},
	})

	msg := f.sendUserMessage(t, "hello")
	p.HandleUserMessage(f.conv, msg)

	task := lastTask(t, f)
	assert.Equal(t, models.TaskFailed, task.Status)
	assert.Contains(t, task.ErrorDetails, "unknown provider")
}
