package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient streams completions from the OpenAI chat completions API or
// any compatible endpoint (set via APIBaseURL on the model record).
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewOpenAIClient creates a client. baseURL may be empty for the public API.
func NewOpenAIClient(apiKey, baseURL string, timeout time.Duration) *OpenAIClient {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(2), 5),
	}
}

// Provider returns the provider identifier.
func (c *OpenAIClient) Provider() string {
	return ProviderOpenAI
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float32         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Stream sends a streaming chat completion request and forwards text deltas.
func (c *OpenAIClient) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, timeoutOrUnavailable(ProviderOpenAI, err)
	}

	messages := make([]openAIMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(&openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, &ProviderError{Provider: ProviderOpenAI, Kind: KindUnavailable, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Provider: ProviderOpenAI, Kind: KindUnavailable, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, timeoutOrUnavailable(ProviderOpenAI, err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, errorFromStatus(ProviderOpenAI, resp.StatusCode, string(detail))
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				return
			}

			var ev openAIStreamEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				continue
			}
			if len(ev.Choices) == 0 {
				continue
			}
			if text := ev.Choices[0].Delta.Content; text != "" {
				select {
				case out <- Chunk{Text: text}:
				case <-ctx.Done():
					out <- Chunk{Err: timeoutOrUnavailable(ProviderOpenAI, ctx.Err())}
					return
				}
			}
			if ev.Choices[0].FinishReason != nil && *ev.Choices[0].FinishReason != "" {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			out <- Chunk{Err: timeoutOrUnavailable(ProviderOpenAI, err)}
		}
	}()
	return out, nil
}
