package http

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/windfall/kaiwa/internal/errors"
	"github.com/windfall/kaiwa/pkg/api"
	"github.com/windfall/kaiwa/pkg/response"
)

const maxRequestBytes = 1 << 20

// Tutor is the conversation and lexical backend.
type Tutor interface {
	Reply(ctx context.Context, req api.ChatRequest) (*api.ChatResponse, error)
	Evaluate(ctx context.Context, req api.EvaluateRequest) (*api.Evaluation, error)
	Punctuate(ctx context.Context, req api.TextRequest) (string, error)
	ExplainWord(ctx context.Context, req api.ExplainWordRequest) (*api.WordCard, error)
	Translate(ctx context.Context, req api.TextRequest) (string, error)
	Analyze(ctx context.Context, req api.TextRequest) (*api.Analysis, error)
}

// Speech synthesizes audio.
type Speech interface {
	Synthesize(ctx context.Context, req api.SynthesizeRequest) (*api.Audio, error)
}

// Presets lists the conversation presets.
type Presets interface {
	List(ctx context.Context) ([]api.Preset, error)
}

// APIHandler serves the conversation endpoints.
type APIHandler struct {
	log     zerolog.Logger
	tutor   Tutor
	speech  Speech
	presets Presets
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(
	log zerolog.Logger,
	tutor Tutor,
	speech Speech,
	presets Presets,
) *APIHandler {
	return &APIHandler{
		log:     log,
		tutor:   tutor,
		speech:  speech,
		presets: presets,
	}
}

// Chat handles POST /chat
func (h *APIHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req api.ChatRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.tutor.Reply(r.Context(), req)
	if err != nil {
		h.handleError(w, err)
		return
	}
	response.OK(w, result)
}

// Evaluate handles POST /evaluate
func (h *APIHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req api.EvaluateRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.tutor.Evaluate(r.Context(), req)
	if err != nil {
		h.handleError(w, err)
		return
	}
	response.OK(w, result)
}

// Punctuate handles POST /punctuate
func (h *APIHandler) Punctuate(w http.ResponseWriter, r *http.Request) {
	var req api.TextRequest
	if !h.decode(w, r, &req) {
		return
	}

	text, err := h.tutor.Punctuate(r.Context(), req)
	if err != nil {
		h.handleError(w, err)
		return
	}
	response.OK(w, api.PunctuateResponse{PunctuatedText: text})
}

// ExplainWord handles POST /explain-word
func (h *APIHandler) ExplainWord(w http.ResponseWriter, r *http.Request) {
	var req api.ExplainWordRequest
	if !h.decode(w, r, &req) {
		return
	}

	card, err := h.tutor.ExplainWord(r.Context(), req)
	if err != nil {
		h.handleError(w, err)
		return
	}
	response.OK(w, card)
}

// Translate handles POST /translate
func (h *APIHandler) Translate(w http.ResponseWriter, r *http.Request) {
	var req api.TextRequest
	if !h.decode(w, r, &req) {
		return
	}

	text, err := h.tutor.Translate(r.Context(), req)
	if err != nil {
		h.handleError(w, err)
		return
	}
	response.OK(w, api.TranslateResponse{TranslatedText: text})
}

// Analyze handles POST /analyze
func (h *APIHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req api.TextRequest
	if !h.decode(w, r, &req) {
		return
	}

	analysis, err := h.tutor.Analyze(r.Context(), req)
	if err != nil {
		h.handleError(w, err)
		return
	}
	response.OK(w, analysis)
}

// SynthesizeSpeech handles POST /synthesize-speech and returns the audio bytes.
func (h *APIHandler) SynthesizeSpeech(w http.ResponseWriter, r *http.Request) {
	var req api.SynthesizeRequest
	if !h.decode(w, r, &req) {
		return
	}

	audio, err := h.speech.Synthesize(r.Context(), req)
	if err != nil {
		h.handleError(w, err)
		return
	}
	response.Binary(w, audio.ContentType, audio.Data)
}

// GetPresets handles GET /get-presets
func (h *APIHandler) GetPresets(w http.ResponseWriter, r *http.Request) {
	presets, err := h.presets.List(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}
	response.OK(w, presets)
}

func (h *APIHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.handleError(w, errors.Validation("invalid request body"))
		return false
	}
	return true
}

func (h *APIHandler) handleError(w http.ResponseWriter, err error) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		if appErr.HTTPStatus() >= http.StatusInternalServerError {
			h.log.Error().Err(err).Str("code", string(appErr.Code)).Msg("request failed")
		}
		response.Error(w, appErr.HTTPStatus(), appErr.Message)
		return
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		response.Error(w, http.StatusGatewayTimeout, "upstream request timed out")
		return
	}
	h.log.Error().Err(err).Msg("Internal server error")
	response.Error(w, http.StatusInternalServerError, "internal server error")
}
