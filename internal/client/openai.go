package client

import (
	"context"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/windfall/kaiwa/internal/errors"
	"github.com/windfall/kaiwa/pkg/api"
)

// GroqBaseURL is the OpenAI-compatible endpoint of Groq.
const GroqBaseURL = "https://api.groq.com/openai/v1"

// OpenAIClient wraps an OpenAI-compatible chat and speech API. The same type
// serves OpenAI itself and Groq, which differ only in base URL.
type OpenAIClient struct {
	client   *openai.Client
	provider string
}

// NewOpenAIClient creates a client for api.openai.com.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{
		client:   openai.NewClient(apiKey),
		provider: "openai",
	}
}

// NewGroqClient creates a client for Groq. An empty baseURL uses GroqBaseURL.
func NewGroqClient(apiKey, baseURL string) *OpenAIClient {
	if baseURL == "" {
		baseURL = GroqBaseURL
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &OpenAIClient{
		client:   openai.NewClientWithConfig(cfg),
		provider: "groq",
	}
}

// Provider returns "openai" or "groq".
func (c *OpenAIClient) Provider() string {
	return c.provider
}

// Complete runs one chat completion and returns the first choice's content.
func (c *OpenAIClient) Complete(ctx context.Context, req Completion) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	ccr := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.JSON {
		ccr.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, ccr)
	if err != nil {
		return "", upstreamError(c.provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New(errors.ErrAIService, c.provider+" returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Speech synthesizes text as MP3. An empty voice uses "alloy".
func (c *OpenAIClient) Speech(ctx context.Context, text, voice string) (*api.Audio, error) {
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	resp, err := c.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, upstreamError(c.provider, err)
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, upstreamError(c.provider, err)
	}
	return &api.Audio{Data: data, ContentType: "audio/mpeg"}, nil
}
