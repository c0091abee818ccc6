package llm_dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils/logging"

	"github.com/sashabaranov/go-openai"
)

// Provider streams generated text. The text channel is closed when the
// generation completes. At most one error is sent on the error channel, after
// which both channels are closed. Cancelling ctx stops the generation.
type Provider interface {
	Stream(ctx context.Context, req *GenerateRequest) (<-chan string, <-chan error)
}

type ProviderFactory func(provider, key string) (Provider, error)

const (
	defaultCohereEndpoint = "https://api.cohere.com/v1/chat"
	defaultOpenAIModel    = "gpt-4o-mini"
	defaultCohereModel    = "command-r-plus"

	onPremMaxTokens = 1000
)

type ProviderConfig struct {
	ModelBazaarEndpoint string
	OpenAIBaseURL       string
	CohereEndpoint      string
	HTTPClient          *http.Client
}

func NewProviderFactory(cfg ProviderConfig) ProviderFactory {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = DefaultHTTPClient()
	}
	if cfg.CohereEndpoint == "" {
		cfg.CohereEndpoint = defaultCohereEndpoint
	}

	return func(provider, key string) (Provider, error) {
		switch strings.ToLower(provider) {
		case "openai":
			config := openai.DefaultConfig(key)
			if cfg.OpenAIBaseURL != "" {
				config.BaseURL = cfg.OpenAIBaseURL
			}
			config.HTTPClient = cfg.HTTPClient
			return &OpenAILLM{client: openai.NewClientWithConfig(config), defaultModel: defaultOpenAIModel}, nil

		case "cohere":
			return &CohereLLM{endpoint: cfg.CohereEndpoint, key: key, client: cfg.HTTPClient}, nil

		case "on-prem":
			if cfg.ModelBazaarEndpoint == "" {
				return nil, fmt.Errorf("%w: on-prem generation requires MODEL_BAZAAR_ENDPOINT", ErrProviderConfig)
			}
			baseURL, err := url.JoinPath(cfg.ModelBazaarEndpoint, "on-prem-llm/v1")
			if err != nil {
				return nil, fmt.Errorf("%w: invalid model bazaar endpoint: %v", ErrProviderConfig, err)
			}
			config := openai.DefaultConfig(key)
			config.BaseURL = baseURL
			config.HTTPClient = cfg.HTTPClient
			return &OpenAILLM{client: openai.NewClientWithConfig(config), maxTokens: onPremMaxTokens, reverseRefs: true}, nil

		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
		}
	}
}

// send returns false if ctx was cancelled before the value was delivered.
func send[T any](ctx context.Context, ch chan<- T, value T) bool {
	select {
	case ch <- value:
		return true
	case <-ctx.Done():
		return false
	}
}

// OpenAILLM serves openai and any endpoint implementing the openai chat
// completions api, such as the on-prem llm.
type OpenAILLM struct {
	client       *openai.Client
	defaultModel string
	maxTokens    int
	reverseRefs  bool
}

func (l *OpenAILLM) Stream(ctx context.Context, req *GenerateRequest) (<-chan string, <-chan error) {
	textChan := make(chan string)
	errChan := make(chan error, 1)

	go func() {
		defer close(textChan)
		defer close(errChan)

		systemPrompt, userPrompt := makePrompt(req, l.reverseRefs)

		model := req.Model
		if model == "" {
			model = l.defaultModel
		}

		stream, err := l.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model: model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: userPrompt},
			},
			MaxTokens: l.maxTokens,
			Stream:    true,
		})
		if err != nil {
			slog.Error("error creating chat completion stream", "code", logging.LLM_PROVIDER, "model", model, "error", err)
			errChan <- fmt.Errorf("error creating chat completion stream: %w", err)
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					errChan <- fmt.Errorf("error receiving from stream: %w", err)
				}
				return
			}

			if len(response.Choices) > 0 && response.Choices[0].Delta.Content != "" {
				if !send(ctx, textChan, response.Choices[0].Delta.Content) {
					return
				}
			}
		}
	}()

	return textChan, errChan
}

type CohereLLM struct {
	endpoint string
	key      string
	client   *http.Client
}

type cohereMessage struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

type cohereRequest struct {
	Message     string          `json:"message"`
	Model       string          `json:"model"`
	Preamble    string          `json:"preamble,omitempty"`
	ChatHistory []cohereMessage `json:"chat_history"`
	Stream      bool            `json:"stream"`
}

type cohereEvent struct {
	EventType  string `json:"event_type"`
	Text       string `json:"text"`
	IsFinished bool   `json:"is_finished"`
}

func (l *CohereLLM) Stream(ctx context.Context, req *GenerateRequest) (<-chan string, <-chan error) {
	textChan := make(chan string)
	errChan := make(chan error, 1)

	go func() {
		defer close(textChan)
		defer close(errChan)

		if err := l.stream(ctx, req, textChan); err != nil && ctx.Err() == nil {
			slog.Error("cohere generation failed", "code", logging.LLM_PROVIDER, "error", err)
			errChan <- err
		}
	}()

	return textChan, errChan
}

func (l *CohereLLM) stream(ctx context.Context, req *GenerateRequest, textChan chan<- string) error {
	systemPrompt, userPrompt := makePrompt(req, false)

	model := req.Model
	if model == "" {
		model = defaultCohereModel
	}

	body, err := json.Marshal(cohereRequest{
		Message:     req.Query,
		Model:       model,
		Preamble:    systemPrompt,
		ChatHistory: []cohereMessage{{Role: "USER", Message: userPrompt}},
		Stream:      true,
	})
	if err != nil {
		return fmt.Errorf("error encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+l.key)

	res, err := l.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("error making request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("cohere request failed with status %d: %s", res.StatusCode, string(msg))
	}

	// The response is newline delimited json events.
	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var event cohereEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return fmt.Errorf("error decoding response chunk: %w", err)
		}
		if event.EventType == "text-generation" && !event.IsFinished && event.Text != "" {
			if !send(ctx, textChan, event.Text) {
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading response: %w", err)
	}
	return nil
}
