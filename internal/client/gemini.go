package client

import (
	"context"
	"strings"

	"google.golang.org/genai"

	"github.com/windfall/kaiwa/internal/errors"
	"github.com/windfall/kaiwa/pkg/api"
)

// DefaultGeminiSpeechModel is the model used for text to speech.
const DefaultGeminiSpeechModel = "gemini-2.5-flash-preview-tts"

// GeminiClient wraps the Google Gen AI client for chat and speech.
type GeminiClient struct {
	client      *genai.Client
	speechModel string
}

// NewGeminiClient creates a Gemini client. An API key selects the Gemini
// API; otherwise the project and location select Vertex AI with application
// default credentials.
func NewGeminiClient(ctx context.Context, apiKey, projectID, location string) (*GeminiClient, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if apiKey == "" {
		cfg = &genai.ClientConfig{
			Project:  projectID,
			Location: location,
			Backend:  genai.BackendVertexAI,
		}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &GeminiClient{
		client:      client,
		speechModel: DefaultGeminiSpeechModel,
	}, nil
}

// WithSpeechModel sets the model used by Speech.
func (c *GeminiClient) WithSpeechModel(model string) *GeminiClient {
	c.speechModel = model
	return c
}

// Complete runs one generation over the conversation. System messages are
// folded into the system instruction; assistant turns become model turns.
func (c *GeminiClient) Complete(ctx context.Context, req Completion) (string, error) {
	var system []string
	if req.System != "" {
		system = append(system, req.System)
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := c.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return "", upstreamError("gemini", err)
	}
	return resp.Text(), nil
}

// Speech synthesizes text with a prebuilt voice and returns it as WAV.
func (c *GeminiClient) Speech(ctx context.Context, text, voice string) (*api.Audio, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
	}
	if voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.speechModel, genai.Text(text), cfg)
	if err != nil {
		return nil, upstreamError("gemini", err)
	}

	var pcm []byte
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil {
				pcm = append(pcm, part.InlineData.Data...)
			}
		}
	}
	if len(pcm) == 0 {
		return nil, errors.New(errors.ErrAIService, "gemini returned no audio")
	}

	return &api.Audio{
		Data:        wavFromPCM(pcm, ttsSampleRate, ttsBitsPerSample, ttsChannels),
		ContentType: "audio/wav",
	}, nil
}
