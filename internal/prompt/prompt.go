// Package prompt builds completion prompts from an agent persona and bounded
// conversation history. Pure string assembly, no I/O.
package prompt

import (
	"fmt"
	"strings"

	"agenthub/pkg/models"
)

// streamingInstructions tells the model to emit the tag structure the stream
// parser reconstructs.
const streamingInstructions = "Reason through the request inside <thinking></thinking> tags, " +
	"then give your reply inside <answer></answer> tags. " +
	"Only the answer is shown to the user."

// System renders the agent persona as the system prompt.
func System(agent *models.Agent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, %s.", displayName(agent), agent.Role)
	if agent.Goal != "" {
		fmt.Fprintf(&sb, "\nYour goal: %s", agent.Goal)
	}
	if agent.Backstory != "" {
		fmt.Fprintf(&sb, "\nBackstory: %s", agent.Backstory)
	}
	sb.WriteString("\n\n")
	sb.WriteString(streamingInstructions)
	return sb.String()
}

// User renders the bounded conversation history followed by the new user
// message. History must already be oldest-first; the caller controls the
// window size.
func User(history []models.Message, userMessage string) string {
	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("Conversation so far:\n")
		for _, m := range history {
			fmt.Fprintf(&sb, "%s: %s\n", speaker(&m), m.Content)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "User: %s", userMessage)
	return sb.String()
}

// TaskDescription is the durable human-readable description recorded on the
// AgentTask row.
func TaskDescription(userMessage string) string {
	return "Reply to user message: " + userMessage
}

func displayName(agent *models.Agent) string {
	if agent.DisplayName != "" {
		return agent.DisplayName
	}
	return agent.Name
}

func speaker(m *models.Message) string {
	if m.Role == models.RoleAssistant {
		if m.AgentName != "" {
			return m.AgentName
		}
		return "Assistant"
	}
	return "User"
}
