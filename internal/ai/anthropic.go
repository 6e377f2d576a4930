package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const anthropicVersion = "2023-06-01"

// anthropicClient speaks the Anthropic messages API, which differs from the
// OpenAI dialect in headers, the top-level system field, and usage naming.
type anthropicClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAnthropicClient(baseURL string, httpClient *http.Client) *anthropicClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &anthropicClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

type anthropicRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
	System    string        `json:"system,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends one messages request and classifies the result.
func (c *anthropicClient) Complete(ctx context.Context, apiKey, model, system, user string) Outcome {
	body, err := json.Marshal(anthropicRequest{
		Model:     model,
		MaxTokens: defaultMaxTokens,
		Messages:  []chatMessage{{Role: "user", Content: user}},
		System:    system,
	})
	if err != nil {
		return Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return classifyHTTPError(resp, respBody)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Error != nil {
		return Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("api error: %s", parsed.Error.Message)}
	}
	if len(parsed.Content) == 0 {
		return Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("empty content in response")}
	}

	return Outcome{
		Kind: OutcomeOK,
		Text: parsed.Content[0].Text,
		Usage: Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		},
	}
}
