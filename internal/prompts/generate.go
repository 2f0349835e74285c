package prompts

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EmptyMemory is listed in place of facts when the session has none.
const EmptyMemory = "Your memory is currently empty."

// ToolSpec is the part of a tool the model needs to request it.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// generateSystem is the fixed instruction block for the response
// generator. The single format verb is the tool catalog.
const generateSystem = `You are a helpful assistant with a persistent memory. Your goal is to be a good conversationalist.

You are given:
1.  A list of facts from your long-term memory.
2.  The user's latest message, or the result of a tool you asked for.

Your tasks are:
1.  **Respond or use a tool:** Either formulate a direct, conversational response to the user, or request exactly one tool when you need it to answer. Never do both. If the memory facts are relevant, incorporate them naturally into your reply.
2.  **Explain Your Reasoning:** Briefly explain how you arrived at your response. Mention if you used any facts from your memory.
3.  **Extract New Facts:** Identify any new, core pieces of information from the user's message or the tool result. List them as simple, atomic statements to be saved to your memory for future reference. If there are no new facts, return an empty array.

## Available Tools:
%s

Reply with a single JSON object and nothing else:
{
  "response": "your reply to the user, or empty when requesting a tool",
  "reasoning": "how you arrived at this",
  "newFacts": ["atomic fact", "..."],
  "toolRequest": {"name": "tool_name", "input": {}}
}
Omit "toolRequest" when you are not using a tool.`

// GenerateSystemPrompt returns the system instructions listing tools.
func GenerateSystemPrompt(tools []ToolSpec) string {
	return fmt.Sprintf(generateSystem, toolCatalog(tools))
}

func toolCatalog(tools []ToolSpec) string {
	if len(tools) == 0 {
		return "- No tools are available."
	}
	var sb strings.Builder
	for i, t := range tools {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "- %s: %s", t.Name, t.Description)
		if len(t.Parameters) > 0 {
			if b, err := json.Marshal(t.Parameters); err == nil {
				fmt.Fprintf(&sb, "\n  input schema: %s", b)
			}
		}
	}
	return sb.String()
}

// GenerateTurnPrompt returns the per-call data block: memory facts, the
// user message, and the tool response when one is being fed back.
func GenerateTurnPrompt(userMessage string, memory []string, toolResponse string) string {
	var sb strings.Builder
	sb.WriteString("Here is the data for this turn:\n\n## Memory Facts:\n")
	if len(memory) == 0 {
		sb.WriteString("- " + EmptyMemory + "\n")
	}
	for _, f := range memory {
		sb.WriteString("- " + f + "\n")
	}

	sb.WriteString("\n## User Message:\n")
	fmt.Fprintf(&sb, "%q\n", userMessage)

	if toolResponse != "" {
		sb.WriteString("\n## Tool Response:\n")
		sb.WriteString(toolResponse)
		sb.WriteString("\n\nUse the tool response to answer the user's earlier request.\n")
	}
	return sb.String()
}
