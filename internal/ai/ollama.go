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

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaClient streams completions from a local Ollama server. Responses
// arrive as newline-delimited JSON rather than server-sent events.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewOllamaClient creates a client. baseURL may be empty for the default
// local server.
func NewOllamaClient(baseURL string, timeout time.Duration) *OllamaClient {
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		// Local model, generous limit.
		limiter: rate.NewLimiter(rate.Limit(20), 20),
	}
}

// Provider returns the provider identifier.
func (c *OllamaClient) Provider() string {
	return ProviderOllama
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options *ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamLine struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

// Stream sends a streaming generate request and forwards response fragments.
func (c *OllamaClient) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, timeoutOrUnavailable(ProviderOllama, err)
	}

	body, err := json.Marshal(&ollamaRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: true,
		Options: &ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	})
	if err != nil {
		return nil, &ProviderError{Provider: ProviderOllama, Kind: KindUnavailable, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Provider: ProviderOllama, Kind: KindUnavailable, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, timeoutOrUnavailable(ProviderOllama, err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, errorFromStatus(ProviderOllama, resp.StatusCode, string(detail))
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var line ollamaStreamLine
			if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
				continue
			}
			if line.Error != "" {
				out <- Chunk{Err: &ProviderError{Provider: ProviderOllama, Kind: KindUnavailable, Message: line.Error}}
				return
			}
			if line.Response != "" {
				select {
				case out <- Chunk{Text: line.Response}:
				case <-ctx.Done():
					out <- Chunk{Err: timeoutOrUnavailable(ProviderOllama, ctx.Err())}
					return
				}
			}
			if line.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			out <- Chunk{Err: timeoutOrUnavailable(ProviderOllama, err)}
		}
	}()
	return out, nil
}
