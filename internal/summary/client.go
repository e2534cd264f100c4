// Package summary asks a chat-completions endpoint to reword a log message
// for non-technical readers.
package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"healthmon/internal/config"
)

// FallbackMessage is what the upstream helper returns when it has nothing
// useful. Callers must treat it like a failure.
const FallbackMessage = "An error occurred, but we are unable to provide more details at this time."

var (
	ErrNoSummary = errors.New("no summary available")
	ErrNoAPIKey  = errors.New("ai api key is not configured")
)

const promptTemplate = `Rewrite the following system log line as one short, plain sentence a non-technical user can understand.
Avoid jargon such as "stack trace", "exception" or "index out of bounds".
Example: "Raster exception: array index out of bound" becomes "The PDF couldn't be opened because it may be corrupted or unsupported."
Reply with the sentence only, no quotes and no prefix.

Log: %s`

type Client struct {
	url       string
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
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
}

func NewClient(cfg config.AIConfig) *Client {
	return &Client{
		url:       cfg.URL,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		client:    &http.Client{Timeout: cfg.Timeout},
	}
}

// Summarize returns the reworded message. Any failure, an empty reply or the
// fallback sentence is reported as an error wrapping ErrNoSummary.
func (c *Client) Summarize(ctx context.Context, message string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("%w: %w", ErrNoSummary, ErrNoAPIKey)
	}
	body, err := json.Marshal(chatRequest{
		Model:     c.model,
		Messages:  []chatMessage{{Role: "user", Content: fmt.Sprintf(promptTemplate, message)}},
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoSummary, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: ai api error: %d - %s", ErrNoSummary, resp.StatusCode, string(bodyBytes))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrNoSummary, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", ErrNoSummary)
	}
	return Clean(out.Choices[0].Message.Content)
}

// Clean trims model output and rejects empty or fallback replies.
func Clean(content string) (string, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "Output:")
	content = strings.Trim(strings.TrimSpace(content), `"`)
	content = strings.TrimSpace(content)
	if content == "" || content == FallbackMessage {
		return "", ErrNoSummary
	}
	return content, nil
}
