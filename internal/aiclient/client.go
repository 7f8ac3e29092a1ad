// Package aiclient calls the kaiwa backend. Each operation is one request
// with no retry. Failures are *errors.AppError values whose code tells a
// network failure (TRANSPORT_ERROR, TIMEOUT) from an error reported by the
// backend or its provider (PROVIDER_ERROR) from a response that could not be
// understood (MALFORMED_RESPONSE).
package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/windfall/kaiwa/internal/errors"
	"github.com/windfall/kaiwa/internal/observe"
	"github.com/windfall/kaiwa/pkg/api"
)

const maxBodyBytes = 32 << 20

// Timeouts bounds each kind of call. Zero leaves a call unbounded apart
// from its context.
type Timeouts struct {
	Chat       time.Duration
	Evaluate   time.Duration
	Punctuate  time.Duration
	Lookup     time.Duration
	Synthesize time.Duration
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	AccessToken string

	// HTTPClient defaults to a client with no overall timeout; calls are
	// bounded by Timeouts instead.
	HTTPClient *http.Client

	Timeouts Timeouts
	Metrics  *observe.Metrics
	Logger   zerolog.Logger
}

// Client is the AI service client.
type Client struct {
	baseURL  string
	http     *http.Client
	timeouts Timeouts
	metrics  *observe.Metrics
	log      zerolog.Logger
}

// New creates a Client. A non-empty AccessToken is attached to every
// request by the transport.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if opts.AccessToken != "" {
		base := hc.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		clone := *hc
		clone.Transport = &bearerTransport{base: base, token: opts.AccessToken}
		hc = &clone
	}
	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		http:     hc,
		timeouts: opts.Timeouts,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}
}

type bearerTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(r)
}

// Reply asks for the next assistant turn.
func (c *Client) Reply(ctx context.Context, req api.ChatRequest) (*api.ChatResponse, error) {
	var out api.ChatResponse
	err := c.postJSON(ctx, "chat", api.PathChat, c.timeouts.Chat, req, &out, func() error {
		if strings.TrimSpace(out.Text) == "" {
			return errors.Malformed("reply text is empty", nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Evaluate grades an answer.
func (c *Client) Evaluate(ctx context.Context, req api.EvaluateRequest) (*api.Evaluation, error) {
	var out api.Evaluation
	err := c.postJSON(ctx, "evaluate", api.PathEvaluate, c.timeouts.Evaluate, req, &out, func() error {
		if out.Score < 1 || out.Score > 10 {
			return errors.Malformed(fmt.Sprintf("score %d outside 1..10", out.Score), nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Punctuate returns the punctuated form of a text.
func (c *Client) Punctuate(ctx context.Context, req api.TextRequest) (string, error) {
	var out api.PunctuateResponse
	err := c.postJSON(ctx, "punctuate", api.PathPunctuate, c.timeouts.Punctuate, req, &out, func() error {
		if strings.TrimSpace(out.PunctuatedText) == "" {
			return errors.Malformed("punctuated text is empty", nil)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return out.PunctuatedText, nil
}

// ExplainWord returns a dictionary card for a word in its sentence.
func (c *Client) ExplainWord(ctx context.Context, req api.ExplainWordRequest) (*api.WordCard, error) {
	var out api.WordCard
	err := c.postJSON(ctx, "explain_word", api.PathExplainWord, c.timeouts.Lookup, req, &out, func() error {
		if out.DictionaryForm == "" && len(out.Meanings) == 0 {
			return errors.Malformed("word card is empty", nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Translate translates a text.
func (c *Client) Translate(ctx context.Context, req api.TextRequest) (string, error) {
	var out api.TranslateResponse
	err := c.postJSON(ctx, "translate", api.PathTranslate, c.timeouts.Lookup, req, &out, func() error {
		if out.TranslatedText == "" {
			return errors.Malformed("translated text is empty", nil)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return out.TranslatedText, nil
}

// Analyze returns the reading breakdown of a text.
func (c *Client) Analyze(ctx context.Context, req api.TextRequest) (*api.Analysis, error) {
	var out api.Analysis
	err := c.postJSON(ctx, "analyze", api.PathAnalyze, c.timeouts.Lookup, req, &out, func() error {
		if out.Tokens == nil {
			return errors.Malformed("tokens missing", nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Synthesize returns spoken audio for a text.
func (c *Client) Synthesize(ctx context.Context, req api.SynthesizeRequest) (*api.Audio, error) {
	const op = "synthesize"
	start := time.Now()

	ctx, cancel := withTimeout(ctx, c.timeouts.Synthesize)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.InternalWrap("encode request", err)
	}
	resp, data, err := c.do(ctx, http.MethodPost, api.PathSynthesize, body)
	if err == nil {
		err = checkProviderError(resp, data)
	}
	if err == nil && isJSON(resp.Header.Get("Content-Type")) {
		err = errors.Malformed("expected audio, got JSON", nil)
	}
	if err == nil && len(data) == 0 {
		err = errors.Malformed("audio is empty", nil)
	}
	c.record(ctx, op, start, err)
	if err != nil {
		return nil, err
	}
	return &api.Audio{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}

// Presets lists the conversation presets.
func (c *Client) Presets(ctx context.Context) ([]api.Preset, error) {
	const op = "presets"
	start := time.Now()

	ctx, cancel := withTimeout(ctx, c.timeouts.Lookup)
	defer cancel()

	resp, data, err := c.do(ctx, http.MethodGet, api.PathPresets, nil)
	if err == nil {
		err = checkProviderError(resp, data)
	}
	var out []api.Preset
	if err == nil {
		if uerr := json.Unmarshal(data, &out); uerr != nil {
			err = errors.Malformed("decode presets", uerr)
		}
	}
	c.record(ctx, op, start, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// postJSON posts in and decodes the reply into out. validate runs on the
// decoded value and its error counts as the call's outcome.
func (c *Client) postJSON(ctx context.Context, op, path string, timeout time.Duration, in, out interface{}, validate func() error) error {
	start := time.Now()

	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return errors.InternalWrap("encode request", err)
	}

	resp, data, err := c.do(ctx, http.MethodPost, path, body)
	if err == nil {
		err = checkProviderError(resp, data)
	}
	if err == nil {
		if uerr := json.Unmarshal(data, out); uerr != nil {
			err = errors.Malformed("decode response", uerr)
		}
	}
	if err == nil && validate != nil {
		err = validate()
	}
	c.record(ctx, op, start, err)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, []byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, nil, errors.InternalWrap("build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, transportError(ctx, err)
	}
	return resp, data, nil
}

// checkProviderError looks for {"error": ...} before anything else, then
// for a non-2xx status.
func checkProviderError(resp *http.Response, data []byte) error {
	if isJSON(resp.Header.Get("Content-Type")) || looksLikeJSONObject(data) {
		var probe struct {
			Error *string `json:"error"`
		}
		if json.Unmarshal(data, &probe) == nil && probe.Error != nil {
			return errors.Provider(*probe.Error).WithDetails(map[string]interface{}{"status": resp.StatusCode})
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Provider(fmt.Sprintf("backend returned %s", resp.Status)).
			WithDetails(map[string]interface{}{"status": resp.StatusCode})
	}
	return nil
}

func transportError(ctx context.Context, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrTimeout, "request timed out", err)
	}
	return errors.Transport("request failed", err)
}

func (c *Client) record(ctx context.Context, op string, start time.Time, err error) {
	c.metrics.RecordAICall(ctx, op, start, err)
	if err != nil {
		c.log.Warn().Err(err).Str("op", op).Str("kind", string(errors.CodeOf(err))).
			Dur("elapsed", time.Since(start)).Msg("ai service call failed")
		return
	}
	c.log.Debug().Str("op", op).Dur("elapsed", time.Since(start)).Msg("ai service call")
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}

func looksLikeJSONObject(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
