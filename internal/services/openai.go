package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/gram-ai/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI streams completions from an OpenAI-compatible gateway. An empty base URL targets OpenAI itself.
type OpenAI struct {
	model string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance with the specified API key, base URL and model name.
func NewOpenAI(apiKey, baseURL, model string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		model:  model,
		params: params,
		client: goopenai.NewClientWithConfig(cfg),
		logger: logger.With(slog.String("module", "openai")),
	}
}

// Chat streams the reply to messages, preceded by systemPrompt, as text deltas. A gateway status failure
// is reported as *GatewayError.
func (o OpenAI) Chat(ctx context.Context, systemPrompt string, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var msgs []goopenai.ChatCompletionMessage
		for _, msg := range withSystemPrompt(systemPrompt, messages) {
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}

		req := o.chatRequest(msgs)

		reqJSON, err := json.Marshal(req)
		if err == nil {
			o.logger.Debug("Request", slog.String("req", string(reqJSON)))
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield("", fmt.Errorf("error sending request: %w", openAIGatewayError(err)))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", openAIGatewayError(err)))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			if content := response.Choices[0].Delta.Content; content != "" {
				if !yield(content, nil) {
					return
				}
			}
		}
	}
}

// Diagnose asks the model to examine the image at imageURL and report through DiagnosisTool. The image
// is passed to the gateway by URL.
func (o OpenAI) Diagnose(ctx context.Context, systemPrompt, prompt, imageURL string) (models.Diagnosis, error) {
	req := o.chatRequest([]goopenai.ChatCompletionMessage{
		{Role: goopenai.ChatMessageRoleSystem, Content: systemPrompt},
		{
			Role: goopenai.ChatMessageRoleUser,
			MultiContent: []goopenai.ChatMessagePart{
				{Type: goopenai.ChatMessagePartTypeText, Text: prompt},
				{Type: goopenai.ChatMessagePartTypeImageURL, ImageURL: &goopenai.ChatMessageImageURL{URL: imageURL}},
			},
		},
	})
	req.Stream = false
	req.Tools = []goopenai.Tool{{
		Type: goopenai.ToolTypeFunction,
		Function: &goopenai.FunctionDefinition{
			Name:        DiagnosisTool,
			Description: diagnosisToolDescription,
			Parameters:  diagnosisSchema,
		},
	}}
	req.ToolChoice = goopenai.ToolChoice{
		Type:     goopenai.ToolTypeFunction,
		Function: goopenai.ToolFunction{Name: DiagnosisTool},
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return models.Diagnosis{}, fmt.Errorf("error sending request: %w", openAIGatewayError(err))
	}

	if len(resp.Choices) == 0 || len(resp.Choices[0].Message.ToolCalls) == 0 {
		return models.Diagnosis{}, ErrNoDiagnosis
	}
	call := resp.Choices[0].Message.ToolCalls[0]
	if call.Function.Name != DiagnosisTool {
		o.logger.Warn("Model called an unexpected tool", slog.String("tool", call.Function.Name))
		return models.Diagnosis{}, ErrNoDiagnosis
	}
	return decodeDiagnosis(call.Function.Arguments)
}

func openAIGatewayError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return errors.Join(&GatewayError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}, err)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return errors.Join(&GatewayError{StatusCode: reqErr.HTTPStatusCode}, err)
	}
	return err
}

func (o OpenAI) chatRequest(messages []goopenai.ChatCompletionMessage) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.PresencePenalty != nil {
		req.PresencePenalty = *o.params.PresencePenalty
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}
	if o.params.FrequencyPenalty != nil {
		req.FrequencyPenalty = *o.params.FrequencyPenalty
	}
	if o.params.MaxTokens != nil {
		req.MaxTokens = *o.params.MaxTokens
	}

	return req
}
