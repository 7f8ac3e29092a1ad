package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/windfall/kaiwa/internal/errors"
	"github.com/windfall/kaiwa/pkg/api"
)

// AzureChatClient wraps an Azure OpenAI deployment's Chat Completions REST API.
// The deployment is part of the endpoint URL, so the model name of a
// Completion is ignored.
type AzureChatClient struct {
	endpoint string // full deployment URL including api-version
	apiKey   string
	client   *http.Client
}

type azureChatRequest struct {
	Messages       []api.Message    `json:"messages"`
	ResponseFormat *azureChatFormat `json:"response_format,omitempty"`
}

type azureChatFormat struct {
	Type string `json:"type"`
}

type azureChatResponse struct {
	Choices []struct {
		Message api.Message `json:"message"`
	} `json:"choices"`
}

// NewAzureChatClient creates a new Azure OpenAI Chat Completions client.
func NewAzureChatClient(endpoint, apiKey string) *AzureChatClient {
	return &AzureChatClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Complete sends the conversation and returns the assistant's text.
func (c *AzureChatClient) Complete(ctx context.Context, req Completion) (string, error) {
	if c.apiKey == "" || c.endpoint == "" {
		return "", errors.New(errors.ErrAIService, "Azure OpenAI Chat credentials not configured")
	}

	body := azureChatRequest{Messages: make([]api.Message, 0, len(req.Messages)+1)}
	if req.System != "" {
		body.Messages = append(body.Messages, api.Message{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, req.Messages...)
	if req.JSON {
		body.ResponseFormat = &azureChatFormat{Type: "json_object"}
	}

	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyJSON))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("api-key", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", upstreamError("azure openai", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", errors.New(errors.ErrAIService,
			fmt.Sprintf("azure openai chat api error %d: %s", resp.StatusCode, string(respBody)))
	}

	var result azureChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", errors.AIService("failed to decode azure openai response", err)
	}
	if len(result.Choices) == 0 {
		return "", errors.New(errors.ErrAIService, "no choices returned from azure openai")
	}

	return result.Choices[0].Message.Content, nil
}
