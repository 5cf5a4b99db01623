package services

import (
	"fmt"
	"slices"

	"github.com/MegaGrindStone/gram-ai/internal/models"
)

// LLMParameters are the optional sampling parameters forwarded to the model gateway. A nil field keeps
// the gateway's default.
type LLMParameters struct {
	Temperature      *float32 `yaml:"temperature"`
	TopP             *float32 `yaml:"topP"`
	Stop             []string `yaml:"stop"`
	PresencePenalty  *float32 `yaml:"presencePenalty"`
	FrequencyPenalty *float32 `yaml:"frequencyPenalty"`
	Seed             *int     `yaml:"seed"`
	MaxTokens        *int     `yaml:"maxTokens"`
}

// GatewayError reports a non-success HTTP status returned by a model gateway.
type GatewayError struct {
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned status %d: %s", e.StatusCode, e.Message)
}

type gatewayMessage struct {
	Role    string
	Content string
}

// withSystemPrompt flattens the conversation and prepends the system prompt, as every gateway expects.
func withSystemPrompt(systemPrompt string, messages []models.Message) []gatewayMessage {
	msgs := make([]gatewayMessage, 0, len(messages)+1)
	for _, msg := range messages {
		msgs = append(msgs, gatewayMessage{Role: string(msg.Role), Content: msg.Content})
	}
	if systemPrompt != "" {
		msgs = slices.Insert(msgs, 0, gatewayMessage{Role: "system", Content: systemPrompt})
	}
	return msgs
}
