// Package chat implements the WebSocket gateway: connection sessions, the
// conversation broadcast hub, and the JSON frame protocol.
package chat

import (
	"encoding/json"
	"time"

	"agenthub/pkg/models"
)

// Client to server frame types.
const (
	FrameSendMessage = "send_message"
	FrameTypingStart = "typing_start"
	FrameTypingStop  = "typing_stop"
	FramePing        = "ping"
)

// Server to client frame types.
const (
	FrameConnectionEstablished = "connection_established"
	FrameNewMessage            = "new_message"
	FrameTypingStatus          = "typing_status"
	FrameAgentThinking         = "agent_thinking"
	FrameThinkingStatus        = "thinking_status_update"
	FrameThinkingContent       = "thinking_content_update"
	FrameThinkingComplete      = "thinking_complete"
	FrameAnswerStart           = "answer_stream_start"
	FrameAnswerUpdate          = "answer_stream_update"
	FrameAnswerComplete        = "answer_stream_complete"
	FrameTaskStatus            = "task_status_update"
	FramePong                  = "pong"
	FrameError                 = "error"
)

// WebSocket close codes for connection-establishment failures.
const (
	CloseUnauthenticated = 4001
	CloseNotFound        = 4004
	CloseInternalError   = 4011
)

// clientFrame is the inbound frame envelope. Unknown fields are ignored.
type clientFrame struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Event is one serialized server frame ready for fan-out. ExcludeSession
// names a session that must not receive it (used so typing indicators are
// not echoed to their sender); session ids are unique across nodes, so the
// exclusion survives distributed delivery.
type Event struct {
	Type           string `json:"type"`
	Payload        []byte `json:"payload"`
	ExcludeSession string `json:"exclude_session,omitempty"`
}

func mustFrame(frameType string, payload map[string]interface{}) *Event {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["type"] = frameType
	// Marshaling a map of JSON-safe values cannot fail.
	data, _ := json.Marshal(payload)
	return &Event{Type: frameType, Payload: data}
}

// ConnectionEstablishedEvent confirms a successful join.
func ConnectionEstablishedEvent(conversationID uint) *Event {
	return mustFrame(FrameConnectionEstablished, map[string]interface{}{
		"conversation_id": conversationID,
	})
}

// NewMessageEvent carries a persisted message to all viewers.
func NewMessageEvent(msg *models.Message) *Event {
	return mustFrame(FrameNewMessage, map[string]interface{}{
		"message": msg,
	})
}

// TypingStatusEvent reports a user's typing state to everyone but the typist.
func TypingStatusEvent(userID uint, username string, isTyping bool, excludeSession string) *Event {
	ev := mustFrame(FrameTypingStatus, map[string]interface{}{
		"user_id":   userID,
		"username":  username,
		"is_typing": isTyping,
	})
	ev.ExcludeSession = excludeSession
	return ev
}

// AgentThinkingEvent reports that an agent has started or stopped working.
func AgentThinkingEvent(agentID uint, agentName string, isThinking bool) *Event {
	return mustFrame(FrameAgentThinking, map[string]interface{}{
		"agent_id":    agentID,
		"agent_name":  agentName,
		"is_thinking": isThinking,
	})
}

// ThinkingStatusEvent reports a phase change in the agent's reasoning.
func ThinkingStatusEvent(isThinking bool, message string) *Event {
	return mustFrame(FrameThinkingStatus, map[string]interface{}{
		"is_thinking": isThinking,
		"message":     message,
	})
}

// ThinkingContentEvent carries one increment of reasoning text.
func ThinkingContentEvent(content string) *Event {
	return mustFrame(FrameThinkingContent, map[string]interface{}{
		"content": content,
	})
}

// ThinkingCompleteEvent carries the full reasoning text.
func ThinkingCompleteEvent(content string) *Event {
	return mustFrame(FrameThinkingComplete, map[string]interface{}{
		"content": content,
	})
}

// AnswerStartEvent marks the beginning of the streamed answer.
func AnswerStartEvent() *Event {
	return mustFrame(FrameAnswerStart, nil)
}

// AnswerUpdateEvent carries one increment of answer text.
func AnswerUpdateEvent(content string) *Event {
	return mustFrame(FrameAnswerUpdate, map[string]interface{}{
		"content": content,
	})
}

// AnswerCompleteEvent carries the full answer text.
func AnswerCompleteEvent(content string) *Event {
	return mustFrame(FrameAnswerComplete, map[string]interface{}{
		"content": content,
	})
}

// TaskStatusEvent reports an AgentTask state transition.
func TaskStatusEvent(task *models.AgentTask) *Event {
	return mustFrame(FrameTaskStatus, map[string]interface{}{
		"task": task,
	})
}

// PongEvent answers a client ping.
func PongEvent(timestamp int64) *Event {
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}
	return mustFrame(FramePong, map[string]interface{}{
		"timestamp": timestamp,
	})
}

// ErrorEvent carries a human-readable error; the connection stays open.
func ErrorEvent(message string) *Event {
	return mustFrame(FrameError, map[string]interface{}{
		"message": message,
	})
}
