package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultMaxTokens = 8192

// openAICompatClient speaks the /chat/completions dialect shared by OpenAI,
// Groq, OpenRouter, and Gemini's OpenAI-compatible endpoint.
type openAICompatClient struct {
	baseURL    string
	httpClient *http.Client
}

func newOpenAICompatClient(baseURL string, httpClient *http.Client) *openAICompatClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &openAICompatClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends one chat completion and classifies the result.
func (c *openAICompatClient) Complete(ctx context.Context, apiKey, model, system, user string) Outcome {
	messages := make([]chatMessage, 0, 2)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	body, err := json.Marshal(chatRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: defaultMaxTokens,
	})
	if err != nil {
		return Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

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

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Error != nil {
		return Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("api error: %s", parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("empty choices in response")}
	}

	return Outcome{
		Kind: OutcomeOK,
		Text: parsed.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
	}
}

// classifyHTTPError maps a non-200 status onto the Outcome taxonomy.
// 401/403 end the request, 429 and 529 trigger rotation with backoff,
// everything else is worth a plain retry.
func classifyHTTPError(resp *http.Response, body []byte) Outcome {
	snippet := string(body)
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	err := fmt.Errorf("status %d: %s", resp.StatusCode, snippet)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Outcome{Kind: OutcomeAuthFailed, Err: err}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 529:
		return Outcome{Kind: OutcomeRateLimited, RetryAfter: retryAfterHint(resp), Err: err}
	default:
		return Outcome{Kind: OutcomeTransient, Err: err}
	}
}

func retryAfterHint(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
