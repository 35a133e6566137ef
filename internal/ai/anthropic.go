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

const defaultAnthropicBaseURL = "https://api.anthropic.com"

// AnthropicClient streams completions from the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewAnthropicClient creates a client. baseURL may be empty for the public API.
func NewAnthropicClient(apiKey, baseURL string, timeout time.Duration) *AnthropicClient {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &AnthropicClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(2), 5),
	}
}

// Provider returns the provider identifier.
func (c *AnthropicClient) Provider() string {
	return ProviderAnthropic
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature float32            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicEvent is the subset of streaming event fields the gateway needs.
type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream sends a streaming messages request and forwards text deltas.
func (c *AnthropicClient) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, timeoutOrUnavailable(ProviderAnthropic, err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	body, err := json.Marshal(&anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Temperature: req.Temperature,
		Stream:      true,
		Messages: []anthropicMessage{
			{Role: "user", Content: req.Prompt},
		},
	})
	if err != nil {
		return nil, &ProviderError{Provider: ProviderAnthropic, Kind: KindUnavailable, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Provider: ProviderAnthropic, Kind: KindUnavailable, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, timeoutOrUnavailable(ProviderAnthropic, err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, errorFromStatus(ProviderAnthropic, resp.StatusCode, string(detail))
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

			var ev anthropicEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				continue
			}
			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Text != "" {
					select {
					case out <- Chunk{Text: ev.Delta.Text}:
					case <-ctx.Done():
						out <- Chunk{Err: timeoutOrUnavailable(ProviderAnthropic, ctx.Err())}
						return
					}
				}
			case "error":
				msg := "stream error"
				if ev.Error != nil {
					msg = ev.Error.Message
				}
				out <- Chunk{Err: &ProviderError{Provider: ProviderAnthropic, Kind: KindUnavailable, Message: msg}}
				return
			case "message_stop":
				return
			}
		}
		if err := scanner.Err(); err != nil {
			out <- Chunk{Err: timeoutOrUnavailable(ProviderAnthropic, err)}
		}
	}()
	return out, nil
}
