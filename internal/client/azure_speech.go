package client

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/windfall/kaiwa/internal/errors"
	"github.com/windfall/kaiwa/pkg/api"
)

// DefaultAzureVoice is used when a request names no voice.
const DefaultAzureVoice = "ja-JP-NanamiNeural"

// AzureSpeechClient wraps the Azure AI Speech text-to-speech REST API.
type AzureSpeechClient struct {
	apiKey   string
	region   string
	endpoint string
	client   *http.Client
}

// NewAzureSpeechClient creates a new Azure Speech client.
func NewAzureSpeechClient(apiKey, region string) *AzureSpeechClient {
	return &AzureSpeechClient{
		apiKey:   apiKey,
		region:   region,
		endpoint: fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/v1", region),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithEndpoint overrides the synthesis URL.
func (c *AzureSpeechClient) WithEndpoint(endpoint string) *AzureSpeechClient {
	c.endpoint = endpoint
	return c
}

type ssmlVoice struct {
	Name string `xml:"name,attr"`
	Text string `xml:",chardata"`
}

type ssmlSpeak struct {
	XMLName xml.Name  `xml:"http://www.w3.org/2001/10/synthesis speak"`
	Version string    `xml:"version,attr"`
	Lang    string    `xml:"http://www.w3.org/XML/1998/namespace lang,attr"`
	Voice   ssmlVoice `xml:"voice"`
}

// buildSSML wraps text in a single-voice SSML document. Text is escaped.
func buildSSML(text, voice, lang string) ([]byte, error) {
	return xml.Marshal(ssmlSpeak{
		Version: "1.0",
		Lang:    lang,
		Voice:   ssmlVoice{Name: voice, Text: text},
	})
}

// Speech speaks Japanese text as 24kHz mono MP3.
func (c *AzureSpeechClient) Speech(ctx context.Context, text, voice string) (*api.Audio, error) {
	if c.apiKey == "" || c.region == "" {
		return nil, errors.New(errors.ErrAIService, "Azure Speech credentials not configured")
	}
	if voice == "" {
		voice = DefaultAzureVoice
	}

	body, err := buildSSML(text, voice, "ja-JP")
	if err != nil {
		return nil, errors.InternalWrap("failed to build ssml", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", "audio-24khz-48kbitrate-mono-mp3")
	req.Header.Set("User-Agent", "kaiwa")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, upstreamError("azure speech", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.New(errors.ErrAIService,
			fmt.Sprintf("azure speech api error %d: %s", resp.StatusCode, string(msg)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, upstreamError("azure speech", err)
	}
	return &api.Audio{Data: data, ContentType: "audio/mpeg"}, nil
}
