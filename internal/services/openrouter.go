package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/gram-ai/internal/models"
	"github.com/tmaxmax/go-sse"
)

// OpenRouter streams completions from OpenRouter's chat completions API.
type OpenRouter struct {
	apiKey   string
	model    string
	endpoint string

	params LLMParameters

	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model            string              `json:"model"`
	Messages         []openRouterMessage `json:"messages"`
	Stream           bool                `json:"stream"`
	Temperature      *float32            `json:"temperature,omitempty"`
	TopP             *float32            `json:"top_p,omitempty"`
	Stop             []string            `json:"stop,omitempty"`
	PresencePenalty  *float32            `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float32            `json:"frequency_penalty,omitempty"`
	Seed             *int                `json:"seed,omitempty"`
	MaxTokens        *int                `json:"max_tokens,omitempty"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterStreamingResponse struct {
	Choices []openRouterStreamingChoice `json:"choices"`
}

type openRouterStreamingChoice struct {
	Delta openRouterMessage `json:"delta"`
}

type openRouterDiagnosisRequest struct {
	Model       string                   `json:"model"`
	Messages    []openRouterPartsMessage `json:"messages"`
	Tools       []openRouterTool         `json:"tools"`
	ToolChoice  openRouterToolChoice     `json:"tool_choice"`
	Temperature *float32                 `json:"temperature,omitempty"`
	MaxTokens   *int                     `json:"max_tokens,omitempty"`
}

type openRouterPartsMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openRouterContentPart struct {
	Type     string              `json:"type"`
	Text     string              `json:"text,omitempty"`
	ImageURL *openRouterImageURL `json:"image_url,omitempty"`
}

type openRouterImageURL struct {
	URL string `json:"url"`
}

type openRouterTool struct {
	Type     string             `json:"type"`
	Function openRouterFunction `json:"function"`
}

type openRouterFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openRouterToolChoice struct {
	Type     string             `json:"type"`
	Function openRouterFunction `json:"function"`
}

type openRouterCompletion struct {
	Choices []struct {
		Message struct {
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

type openRouterError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"
)

// NewOpenRouter creates a new OpenRouter instance with the specified API key and model name. An empty
// endpoint targets the public OpenRouter API.
func NewOpenRouter(apiKey, model, endpoint string, params LLMParameters, logger *slog.Logger) OpenRouter {
	if endpoint == "" {
		endpoint = openRouterAPIEndpoint
	}
	return OpenRouter{
		apiKey:   apiKey,
		model:    model,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		params:   params,
		client:   &http.Client{},
		logger:   logger.With(slog.String("module", "openrouter")),
	}
}

// Chat streams the reply to messages, preceded by systemPrompt, as text deltas. The context can be used
// to cancel ongoing requests. A gateway status failure is reported as *GatewayError.
func (o OpenRouter) Chat(ctx context.Context, systemPrompt string, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := o.doRequest(ctx, systemPrompt, messages)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}

			o.logger.Debug("Received event", slog.String("event", ev.Data))

			if ev.Data == "[DONE]" {
				return
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield("", fmt.Errorf("error unmarshaling response: %w", err))
				return
			}

			if len(res.Choices) == 0 || res.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(res.Choices[0].Delta.Content, nil) {
				return
			}
		}
	}
}

func (o OpenRouter) doRequest(ctx context.Context, systemPrompt string, messages []models.Message) (*http.Response, error) {
	var msgs []openRouterMessage
	for _, msg := range withSystemPrompt(systemPrompt, messages) {
		msgs = append(msgs, openRouterMessage{Role: msg.Role, Content: msg.Content})
	}

	reqBody := openRouterChatRequest{
		Model:            o.model,
		Messages:         msgs,
		Stream:           true,
		Temperature:      o.params.Temperature,
		TopP:             o.params.TopP,
		Stop:             o.params.Stop,
		PresencePenalty:  o.params.PresencePenalty,
		FrequencyPenalty: o.params.FrequencyPenalty,
		Seed:             o.params.Seed,
		MaxTokens:        o.params.MaxTokens,
	}

	return o.post(ctx, reqBody)
}

// Diagnose asks the model to examine the image at imageURL and report through DiagnosisTool. The image
// is passed to OpenRouter by URL.
func (o OpenRouter) Diagnose(ctx context.Context, systemPrompt, prompt, imageURL string) (models.Diagnosis, error) {
	reqBody := openRouterDiagnosisRequest{
		Model: o.model,
		Messages: []openRouterPartsMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: []openRouterContentPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &openRouterImageURL{URL: imageURL}},
			}},
		},
		Tools: []openRouterTool{{
			Type: "function",
			Function: openRouterFunction{
				Name:        DiagnosisTool,
				Description: diagnosisToolDescription,
				Parameters:  diagnosisSchema,
			},
		}},
		ToolChoice:  openRouterToolChoice{Type: "function", Function: openRouterFunction{Name: DiagnosisTool}},
		Temperature: o.params.Temperature,
		MaxTokens:   o.params.MaxTokens,
	}

	resp, err := o.post(ctx, reqBody)
	if err != nil {
		return models.Diagnosis{}, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var res openRouterCompletion
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return models.Diagnosis{}, fmt.Errorf("error decoding response: %w", err)
	}
	if len(res.Choices) == 0 || len(res.Choices[0].Message.ToolCalls) == 0 {
		return models.Diagnosis{}, ErrNoDiagnosis
	}
	call := res.Choices[0].Message.ToolCalls[0].Function
	if call.Name != DiagnosisTool {
		o.logger.Warn("Model called an unexpected tool", slog.String("tool", call.Name))
		return models.Diagnosis{}, ErrNoDiagnosis
	}
	return decodeDiagnosis(call.Arguments)
}

// post sends body to the chat completions endpoint. A non-200 status is returned as *GatewayError.
func (o OpenRouter) post(ctx context.Context, body any) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	o.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/MegaGrindStone/gram-ai/")
	req.Header.Set("X-Title", "Gram AI")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		gwErr := &GatewayError{StatusCode: resp.StatusCode, Message: string(body)}
		var orErr openRouterError
		if err := json.Unmarshal(body, &orErr); err == nil && orErr.Error.Message != "" {
			gwErr.Message = orErr.Error.Message
		}
		return nil, gwErr
	}

	return resp, nil
}
