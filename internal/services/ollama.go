package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/gram-ai/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama streams completions from an Ollama server.
type Ollama struct {
	host  string
	model string

	params LLMParameters

	client *api.Client
	// httpClient downloads the images sent to Diagnose.
	httpClient *http.Client

	logger *slog.Logger
}

// maxImageSize bounds the images downloaded for Diagnose.
const maxImageSize = 10 << 20

// NewOllama creates a new Ollama instance with the specified host URL and model name. It returns an
// error if host is not a valid URL.
func NewOllama(host, model string, params LLMParameters, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:       host,
		model:      model,
		params:     params,
		client:     api.NewClient(u, &http.Client{}),
		httpClient: &http.Client{},
		logger:     logger.With(slog.String("module", "ollama")),
	}, nil
}

// Chat streams the reply to messages, preceded by systemPrompt, as text deltas. A server status failure
// is reported as *GatewayError.
func (o Ollama) Chat(ctx context.Context, systemPrompt string, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var msgs []api.Message
		for _, msg := range withSystemPrompt(systemPrompt, messages) {
			msgs = append(msgs, api.Message{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
			Options:  o.options(),
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped || res.Message.Content == "" {
				return nil
			}
			if !yield(res.Message.Content, nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", ollamaGatewayError(err)))
		}
	}
}

// Diagnose asks the model to examine the image at imageURL and answer in the shape of the DiagnosisTool
// arguments. Ollama takes images inline, so the image is downloaded first; data URLs are decoded in place.
func (o Ollama) Diagnose(ctx context.Context, systemPrompt, prompt, imageURL string) (models.Diagnosis, error) {
	img, err := o.loadImage(ctx, imageURL)
	if err != nil {
		return models.Diagnosis{}, err
	}

	f := false
	req := api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt, Images: []api.ImageData{img}},
		},
		Stream:  &f,
		Format:  diagnosisSchema,
		Options: o.options(),
	}

	var content strings.Builder
	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		content.WriteString(res.Message.Content)
		return nil
	}); err != nil {
		return models.Diagnosis{}, fmt.Errorf("error sending request: %w", ollamaGatewayError(err))
	}

	if strings.TrimSpace(content.String()) == "" {
		return models.Diagnosis{}, ErrNoDiagnosis
	}
	return decodeDiagnosis(content.String())
}

func (o Ollama) loadImage(ctx context.Context, imageURL string) (api.ImageData, error) {
	if rest, ok := strings.CutPrefix(imageURL, "data:"); ok {
		_, data, found := strings.Cut(rest, ";base64,")
		if !found {
			return nil, errors.New("image data URL is not base64 encoded")
		}
		img, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("error decoding image data URL: %w", err)
		}
		return img, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating image request: %w", err)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error downloading image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("error downloading image: unexpected status code: %d", resp.StatusCode)
	}
	img, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("error reading image: %w", err)
	}
	if len(img) > maxImageSize {
		return nil, fmt.Errorf("image exceeds %d bytes", maxImageSize)
	}
	return img, nil
}

func ollamaGatewayError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return errors.Join(&GatewayError{StatusCode: statusErr.StatusCode, Message: statusErr.ErrorMessage}, err)
	}
	return err
}

func (o Ollama) options() map[string]any {
	opts := map[string]any{}
	if o.params.Temperature != nil {
		opts["temperature"] = *o.params.Temperature
	}
	if o.params.TopP != nil {
		opts["top_p"] = *o.params.TopP
	}
	if o.params.Stop != nil {
		opts["stop"] = o.params.Stop
	}
	if o.params.PresencePenalty != nil {
		opts["presence_penalty"] = *o.params.PresencePenalty
	}
	if o.params.FrequencyPenalty != nil {
		opts["frequency_penalty"] = *o.params.FrequencyPenalty
	}
	if o.params.Seed != nil {
		opts["seed"] = *o.params.Seed
	}
	if o.params.MaxTokens != nil {
		opts["num_predict"] = *o.params.MaxTokens
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}
