// Package pipeline executes agent tasks: it resolves the agent, builds the
// prompt, drives the streaming completion, feeds the tag parser, persists
// message/task transitions, and publishes events to the conversation group.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agenthub/internal/ai"
	"agenthub/internal/chat"
	"agenthub/internal/logging"
	"agenthub/internal/metrics"
	"agenthub/internal/prompt"
	"agenthub/internal/store"
	"agenthub/internal/stream"
	"agenthub/pkg/models"
)

const (
	noAgentMessage    = "No agent is configured for this conversation. Create an agent to start chatting."
	busyMessage       = "An agent is already responding in this conversation. Wait for it to finish."
	genericFailureMsg = "Sorry, something went wrong while generating a response."
)

// ClientFactory builds the completion client for a model record. Swapped for
// a fake in tests.
type ClientFactory func(m *models.LLMModel, defaultTimeout time.Duration) (ai.CompletionClient, error)

// Options tunes a Pipeline.
type Options struct {
	// HistoryLimit bounds prior turns included in the prompt.
	HistoryLimit int

	// ProviderTimeout bounds one streaming completion call.
	ProviderTimeout time.Duration

	// ClientFactory defaults to ai.ForModel.
	ClientFactory ClientFactory
}

// Pipeline runs agent tasks detached from the sessions that trigger them.
type Pipeline struct {
	store        *store.Store
	hub          chat.Broadcaster
	clientFor    ClientFactory
	historyLimit int
	timeout      time.Duration
}

// New creates a Pipeline.
func New(st *store.Store, hub chat.Broadcaster, opts Options) *Pipeline {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 120 * time.Second
	}
	if opts.ClientFactory == nil {
		opts.ClientFactory = ai.ForModel
	}
	return &Pipeline{
		store:        st,
		hub:          hub,
		clientFor:    opts.ClientFactory,
		historyLimit: opts.HistoryLimit,
		timeout:      opts.ProviderTimeout,
	}
}

// HandleUserMessage processes one persisted user message to a terminal state.
// It is the pipeline boundary: nothing below it may crash the caller, and a
// client disconnect does not cancel it.
func (p *Pipeline) HandleUserMessage(conv *models.Conversation, msg *models.Message) {
	var (
		agent       *models.Agent
		placeholder *models.Message
		task        *models.AgentTask
	)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		logging.S().Errorw("pipeline panic",
			"conversation_id", conv.ID,
			"message_id", msg.ID,
			"panic", r,
		)
		// The placeholder must still reach a terminal state, or the
		// conversation's processing slot stays held forever.
		if placeholder != nil {
			p.finishFailed(conv, task, placeholder, agent, fmt.Errorf("internal error: %v", r))
			return
		}
		p.hub.Publish(conv.ID, chat.ErrorEvent(genericFailureMsg))
	}()

	var err error
	agent, err = p.store.ResolveAgent(conv)
	if err != nil {
		if errors.Is(err, store.ErrNoAgentAvailable) {
			p.notifyNoAgent(conv)
			return
		}
		logging.S().Errorw("agent resolution failed", "conversation_id", conv.ID, "error", err)
		p.hub.Publish(conv.ID, chat.ErrorEvent(genericFailureMsg))
		return
	}

	placeholder, err = p.store.CreateProcessingMessage(conv.ID, agent)
	if err != nil {
		if errors.Is(err, store.ErrMessageInFlight) {
			p.hub.Publish(conv.ID, chat.ErrorEvent(busyMessage))
			return
		}
		logging.S().Errorw("failed to create placeholder", "conversation_id", conv.ID, "error", err)
		p.hub.Publish(conv.ID, chat.ErrorEvent(genericFailureMsg))
		return
	}
	p.hub.Publish(conv.ID, chat.NewMessageEvent(placeholder))

	task, err = p.store.CreateTask(conv.ID, placeholder.ID, agent, prompt.TaskDescription(msg.Content))
	if err != nil {
		logging.S().Errorw("failed to create task", "conversation_id", conv.ID, "error", err)
		p.finishFailed(conv, nil, placeholder, agent, err)
		return
	}

	p.execute(conv, agent, task, placeholder, msg)
}

func (p *Pipeline) notifyNoAgent(conv *models.Conversation) {
	sysMsg, err := p.store.CreateSystemMessage(conv.ID, noAgentMessage)
	if err != nil {
		logging.S().Errorw("failed to record system message", "conversation_id", conv.ID, "error", err)
		p.hub.Publish(conv.ID, chat.ErrorEvent(genericFailureMsg))
		return
	}
	p.hub.Publish(conv.ID, chat.NewMessageEvent(sysMsg))
}

// execute drives one task from running to a terminal state.
func (p *Pipeline) execute(conv *models.Conversation, agent *models.Agent, task *models.AgentTask, placeholder, userMsg *models.Message) {
	if err := p.store.StartTask(task); err != nil {
		logging.S().Errorw("failed to start task", "task_id", task.ID, "error", err)
		p.finishFailed(conv, task, placeholder, agent, err)
		return
	}
	p.hub.Publish(conv.ID, chat.TaskStatusEvent(task))
	p.hub.Publish(conv.ID, chat.AgentThinkingEvent(agent.ID, agentName(agent), true))
	p.hub.Publish(conv.ID, chat.ThinkingStatusEvent(true, agentName(agent)+" is thinking"))

	req, err := p.buildRequest(conv, agent, userMsg)
	if err != nil {
		p.finishFailed(conv, task, placeholder, agent, err)
		return
	}

	client, err := p.clientFor(&agent.LLMModel, p.timeout)
	if err != nil {
		p.finishFailed(conv, task, placeholder, agent, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	started := time.Now()
	chunks, err := client.Stream(ctx, req)
	if err != nil {
		metrics.ProviderErrors.WithLabelValues(client.Provider(), string(ai.KindOf(err))).Inc()
		p.finishFailed(conv, task, placeholder, agent, err)
		return
	}

	parser := stream.NewParser()
	var streamErr error
	for chunk := range chunks {
		if chunk.Err != nil {
			streamErr = chunk.Err
			continue
		}
		p.publishParserEvents(conv.ID, parser.Feed(chunk.Text))
	}
	metrics.ProviderLatency.WithLabelValues(client.Provider()).Observe(time.Since(started).Seconds())

	if streamErr != nil {
		metrics.ProviderErrors.WithLabelValues(client.Provider(), string(ai.KindOf(streamErr))).Inc()
		p.finishFailed(conv, task, placeholder, agent, streamErr)
		return
	}

	finalEvents, result := parser.Finish()
	p.publishParserEvents(conv.ID, finalEvents)

	answer := strings.TrimSpace(result.Answer)
	if result.Fallback {
		if answer == "" {
			p.finishFailed(conv, task, placeholder, agent, fmt.Errorf("provider returned an empty response"))
			return
		}
		metrics.FallbackAnswers.Inc()
		logging.S().Warnw("answer recovered from untagged output",
			"conversation_id", conv.ID,
			"task_id", task.ID,
		)
		// The stream never produced answer events; synthesize them so
		// viewers see the same frame sequence as the tagged path.
		p.hub.Publish(conv.ID, chat.AnswerStartEvent())
		p.hub.Publish(conv.ID, chat.AnswerUpdateEvent(answer))
		p.hub.Publish(conv.ID, chat.AnswerCompleteEvent(answer))
	}

	p.finishCompleted(conv, task, placeholder, agent, answer)
}

func (p *Pipeline) buildRequest(conv *models.Conversation, agent *models.Agent, userMsg *models.Message) (*ai.Request, error) {
	history, err := p.store.RecentTurns(conv.ID, p.historyLimit)
	if err != nil {
		return nil, err
	}
	// The triggering message renders as the final turn, not as history.
	trimmed := history[:0]
	for _, m := range history {
		if m.ID != userMsg.ID {
			trimmed = append(trimmed, m)
		}
	}

	return &ai.Request{
		Model:       agent.LLMModel.ModelName,
		System:      prompt.System(agent),
		Prompt:      prompt.User(trimmed, userMsg.Content),
		MaxTokens:   agent.LLMModel.MaxTokens,
		Temperature: agent.LLMModel.Temperature,
	}, nil
}

func (p *Pipeline) publishParserEvents(conversationID uint, events []stream.Event) {
	for _, ev := range events {
		switch ev.Type {
		case stream.ThinkingDelta:
			p.hub.Publish(conversationID, chat.ThinkingContentEvent(ev.Text))
		case stream.ThinkingComplete:
			p.hub.Publish(conversationID, chat.ThinkingCompleteEvent(ev.Text))
			p.hub.Publish(conversationID, chat.ThinkingStatusEvent(false, ""))
		case stream.AnswerStart:
			p.hub.Publish(conversationID, chat.AnswerStartEvent())
		case stream.AnswerDelta:
			p.hub.Publish(conversationID, chat.AnswerUpdateEvent(ev.Text))
		case stream.AnswerComplete:
			p.hub.Publish(conversationID, chat.AnswerCompleteEvent(ev.Text))
		}
	}
}

func (p *Pipeline) finishCompleted(conv *models.Conversation, task *models.AgentTask, placeholder *models.Message, agent *models.Agent, answer string) {
	if err := p.store.CompleteMessage(placeholder.ID, answer); err != nil {
		logging.S().Errorw("failed to complete message", "message_id", placeholder.ID, "error", err)
	}
	if err := p.store.CompleteTask(task, answer); err != nil {
		logging.S().Errorw("failed to complete task", "task_id", task.ID, "error", err)
	}
	metrics.TasksTotal.WithLabelValues(models.TaskCompleted).Inc()
	metrics.TaskDuration.Observe(task.Duration().Seconds())

	p.hub.Publish(conv.ID, chat.AgentThinkingEvent(agent.ID, agentName(agent), false))
	p.hub.Publish(conv.ID, chat.TaskStatusEvent(task))
	if final, err := p.store.GetMessage(placeholder.ID); err == nil {
		p.hub.Publish(conv.ID, chat.NewMessageEvent(final))
	}

	logging.S().Infow("task completed",
		"conversation_id", conv.ID,
		"task_id", task.ID,
		"agent_id", agent.ID,
		"execution_ms", task.ExecutionTimeMs,
	)
}

// finishFailed drives the failure transitions. task may be nil when failure
// happened before the task row existed.
func (p *Pipeline) finishFailed(conv *models.Conversation, task *models.AgentTask, placeholder *models.Message, agent *models.Agent, cause error) {
	logging.S().Errorw("task failed",
		"conversation_id", conv.ID,
		"agent_id", agent.ID,
		"error", cause,
	)

	if err := p.store.FailMessage(placeholder.ID, genericFailureMsg, cause.Error()); err != nil {
		logging.S().Errorw("failed to mark message failed", "message_id", placeholder.ID, "error", err)
	}
	if task != nil {
		if err := p.store.FailTask(task, cause.Error()); err != nil {
			logging.S().Errorw("failed to mark task failed", "task_id", task.ID, "error", err)
		}
		p.hub.Publish(conv.ID, chat.TaskStatusEvent(task))
	}
	metrics.TasksTotal.WithLabelValues(models.TaskFailed).Inc()

	p.hub.Publish(conv.ID, chat.AgentThinkingEvent(agent.ID, agentName(agent), false))
	p.hub.Publish(conv.ID, chat.ErrorEvent(genericFailureMsg))
	if failed, err := p.store.GetMessage(placeholder.ID); err == nil {
		p.hub.Publish(conv.ID, chat.NewMessageEvent(failed))
	}
}

func agentName(agent *models.Agent) string {
	if agent.DisplayName != "" {
		return agent.DisplayName
	}
	return agent.Name
}
