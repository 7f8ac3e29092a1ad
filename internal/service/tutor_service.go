package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/windfall/kaiwa/internal/client"
	"github.com/windfall/kaiwa/internal/config"
	"github.com/windfall/kaiwa/internal/errors"
	"github.com/windfall/kaiwa/internal/observe"
	"github.com/windfall/kaiwa/pkg/api"
)

// TutorService turns the conversation and lexical endpoints into prompts for
// a chat model. Requests that leave the model empty use the defaults.
type TutorService struct {
	llm      ChatModel
	defaults config.Models
	timeout  time.Duration
	metrics  *observe.Metrics
	log      zerolog.Logger
}

// NewTutorService creates a new Tutor service. A zero timeout leaves calls
// bounded only by the request context.
func NewTutorService(
	llm ChatModel,
	defaults config.Models,
	timeout time.Duration,
	metrics *observe.Metrics,
	log zerolog.Logger,
) *TutorService {
	return &TutorService{
		llm:      llm,
		defaults: defaults,
		timeout:  timeout,
		metrics:  metrics,
		log:      log,
	}
}

// Reply produces the next assistant turn. With WithTokens set, the reply's
// reading breakdown is attached when the analysis succeeds.
func (s *TutorService) Reply(ctx context.Context, req api.ChatRequest) (*api.ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, errors.Validation("No messages provided")
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return nil, errors.Validation("invalid message role: " + m.Role)
		}
	}

	text, err := s.complete(ctx, "chat", client.Completion{
		Model:    pick(req.Model, s.defaults.Conversation),
		Messages: req.Messages,
	})
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, errors.Malformed("model returned an empty reply", nil)
	}

	resp := &api.ChatResponse{Text: text}
	if req.WithTokens {
		analysis, err := s.Analyze(ctx, api.TextRequest{Text: text})
		if err != nil {
			s.log.Warn().Err(err).Msg("reply analysis failed, returning text only")
		} else {
			resp.Tokens = analysis.Tokens
		}
	}
	return resp, nil
}

// Evaluate grades the user's answer against the question it replied to.
func (s *TutorService) Evaluate(ctx context.Context, req api.EvaluateRequest) (*api.Evaluation, error) {
	if strings.TrimSpace(req.UserAnswer) == "" || strings.TrimSpace(req.AIQuestion) == "" {
		return nil, errors.Validation("AI question or user answer missing")
	}

	raw, err := s.complete(ctx, "evaluate", client.Completion{
		Model:    pick(req.Model, s.defaults.Evaluation),
		System:   evaluatePrompt,
		Messages: []api.Message{{Role: "user", Content: evaluateInput(req.AIQuestion, req.UserAnswer)}},
		JSON:     true,
	})
	if err != nil {
		return nil, err
	}

	var ev api.Evaluation
	if err := decodeModelJSON(raw, &ev); err != nil {
		return nil, err
	}
	if ev.Score < 1 || ev.Score > 10 {
		return nil, errors.Malformed("evaluation score out of range", nil).
			WithDetails(map[string]interface{}{"score": ev.Score})
	}
	return &ev, nil
}

// Punctuate inserts punctuation. An empty model answer returns the input.
func (s *TutorService) Punctuate(ctx context.Context, req api.TextRequest) (string, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return "", errors.Validation("No text provided")
	}

	out, err := s.complete(ctx, "punctuate", client.Completion{
		Model:    pick(req.Model, s.defaults.Formatting),
		System:   punctuatePrompt,
		Messages: []api.Message{{Role: "user", Content: text}},
	})
	if err != nil {
		return "", err
	}
	if out == "" {
		return text, nil
	}
	return out, nil
}

// ExplainWord returns a dictionary card for word as used in sentence.
func (s *TutorService) ExplainWord(ctx context.Context, req api.ExplainWordRequest) (*api.WordCard, error) {
	if strings.TrimSpace(req.Word) == "" {
		return nil, errors.Validation("No word provided")
	}

	raw, err := s.complete(ctx, "explain", client.Completion{
		Model:    pick(req.Model, s.defaults.Explanation),
		System:   explainPrompt,
		Messages: []api.Message{{Role: "user", Content: explainInput(req.Word, req.Sentence)}},
		JSON:     true,
	})
	if err != nil {
		return nil, err
	}

	var card api.WordCard
	if err := decodeModelJSON(raw, &card); err != nil {
		return nil, err
	}
	if card.DictionaryForm == "" && len(card.Meanings) == 0 {
		return nil, errors.Malformed("word card has no content", nil)
	}
	return &card, nil
}

// Translate renders Japanese text in English.
func (s *TutorService) Translate(ctx context.Context, req api.TextRequest) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", errors.Validation("No text provided")
	}

	out, err := s.complete(ctx, "translate", client.Completion{
		Model:    pick(req.Model, s.defaults.Translation),
		System:   translatePrompt,
		Messages: []api.Message{{Role: "user", Content: req.Text}},
	})
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", errors.Malformed("model returned an empty translation", nil)
	}
	return out, nil
}

// Analyze splits text into words with readings.
func (s *TutorService) Analyze(ctx context.Context, req api.TextRequest) (*api.Analysis, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.Validation("No text provided")
	}

	raw, err := s.complete(ctx, "analyze", client.Completion{
		Model:    pick(req.Model, s.defaults.Analysis),
		System:   analyzePrompt,
		Messages: []api.Message{{Role: "user", Content: req.Text}},
		JSON:     true,
	})
	if err != nil {
		return nil, err
	}

	var a api.Analysis
	if err := decodeModelJSON(raw, &a); err != nil {
		return nil, err
	}
	if len(a.Tokens) == 0 {
		return nil, errors.Malformed("analysis has no tokens", nil)
	}
	return &a, nil
}

func (s *TutorService) complete(ctx context.Context, op string, req client.Completion) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := s.llm.Complete(ctx, req)
	s.metrics.RecordAICall(ctx, op, start, err)
	if err != nil {
		s.log.Warn().Err(err).Str("op", op).Str("model", req.Model).Msg("model call failed")
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// decodeModelJSON decodes the first JSON object in a model reply, tolerating
// code fences and prose around it.
func decodeModelJSON(raw string, v interface{}) error {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return errors.Malformed("model reply is not a JSON object", nil)
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), v); err != nil {
		return errors.Malformed("failed to decode model reply", err)
	}
	return nil
}

func pick(model, fallback string) string {
	if model != "" {
		return model
	}
	return fallback
}
