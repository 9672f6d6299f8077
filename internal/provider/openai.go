package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ILLUVRSE/promptledger/internal/apperrors"
)

const OpenAIName = "openai"

type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Path       string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// OpenAIProvider calls a chat-completions endpoint with the rendered prompt as a single user message.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	path    string
	timeout time.Duration
	client  *http.Client
}

func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	path := cfg.Path
	if path == "" {
		path = "/v1/chat/completions"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &OpenAIProvider{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		path:    path,
		timeout: timeout,
		client:  client,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *OpenAIProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	body, err := json.Marshal(chatRequest{
		Model:       req.ModelName,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Params.Temperature,
		MaxTokens:   req.Params.MaxNewTokens,
		TopP:        req.Params.TopP,
	})
	if err != nil {
		return GenerateResult{}, fmt.Errorf("openai marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.baseURL+p.path, bytes.NewReader(body))
	if err != nil {
		return GenerateResult{}, fmt.Errorf("openai build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return GenerateResult{}, apperrors.NewProviderTimeout(OpenAIName, err)
		}
		return GenerateResult{}, apperrors.NewProviderError(OpenAIName, 0, err, "OpenAI API error: %v", err)
	}
	defer resp.Body.Close()

	result, err := decodeChatResponse(resp)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return GenerateResult{}, apperrors.NewProviderTimeout(OpenAIName, err)
		}
		return GenerateResult{}, err
	}
	result.LatencyMS = int(time.Since(start) / time.Millisecond)
	return result, nil
}

func decodeChatResponse(resp *http.Response) (GenerateResult, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return GenerateResult{}, apperrors.NewProviderError(OpenAIName, resp.StatusCode, err, "OpenAI API error: read response: %v", err)
	}
	var parsed chatResponse
	decodeErr := json.Unmarshal(raw, &parsed)
	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if decodeErr == nil && parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return GenerateResult{}, apperrors.NewProviderError(OpenAIName, resp.StatusCode, nil, "OpenAI API error: %s", msg)
	}
	if decodeErr != nil {
		return GenerateResult{}, apperrors.NewProviderError(OpenAIName, resp.StatusCode, decodeErr, "OpenAI API error: decode response: %v", decodeErr)
	}
	if len(parsed.Choices) == 0 {
		return GenerateResult{}, apperrors.NewProviderError(OpenAIName, resp.StatusCode, nil, "OpenAI API error: response contained no choices")
	}
	result := GenerateResult{ResponseText: parsed.Choices[0].Message.Content}
	if parsed.Usage != nil {
		promptTokens := parsed.Usage.PromptTokens
		completionTokens := parsed.Usage.CompletionTokens
		result.PromptTokens = &promptTokens
		result.ResponseTokens = &completionTokens
	}
	if parsed.ID != "" {
		id := parsed.ID
		result.ProviderRequestID = &id
	}
	return result, nil
}
