package ws

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/windfall/kaiwa/internal/config"
	"github.com/windfall/kaiwa/internal/observe"
	"github.com/windfall/kaiwa/internal/playback"
	"github.com/windfall/kaiwa/internal/recognition"
	"github.com/windfall/kaiwa/internal/session"
	"github.com/windfall/kaiwa/internal/transcript"
	"github.com/windfall/kaiwa/pkg/api"
)

// Sender delivers one frame to the browser. It must not block for long; it
// is called from the session's control loop.
type Sender func(Response)

// Presets looks up conversation presets.
type Presets interface {
	Find(ctx context.Context, persona string) (api.Preset, error)
}

// Deps are the backend services a live session runs against.
type Deps struct {
	AI          session.AI
	Speech      playback.Synthesizer
	Presets     Presets
	Defaults    config.Models
	CallTimeout time.Duration
	AutoSpeak   bool
	ReplyTokens bool
	AudioCache  int
	Metrics     *observe.Metrics
	Logger      zerolog.Logger
}

// Handler runs one conversation for one websocket connection. The browser
// is both the microphone, streaming recognition results, and the speaker,
// playing the audio frames it is sent.
type Handler struct {
	id       string
	send     Sender
	presets  Presets
	settings *config.ModelSettings
	source   *recognition.FeedSource
	sink     *socketSink
	channel  *playback.Channel
	ctrl     *session.Controller
	metrics  *observe.Metrics
	log      zerolog.Logger
}

// NewHandler creates a Handler. Run must be called before Handle.
func NewHandler(id string, deps Deps, send Sender) *Handler {
	log := deps.Logger.With().Str("session_id", id).Logger()
	h := &Handler{
		id:       id,
		send:     send,
		presets:  deps.Presets,
		settings: config.NewModelSettings(deps.Defaults),
		metrics:  deps.Metrics,
		log:      log,
	}

	h.source = recognition.NewFeedSource(true,
		func(id uint64) { send(Response{Type: TypeRecognitionStart, Payload: recognitionView{Recording: id}}) },
		func(id uint64) { send(Response{Type: TypeRecognitionStop, Payload: recognitionView{Recording: id}}) },
	)
	h.sink = newSocketSink(send)
	h.channel = playback.New(deps.Speech, h.sink, playback.Options{
		Cache:        playback.NewMemoryCache(deps.AudioCache),
		SynthTimeout: deps.CallTimeout,
		OnControl: func(id playback.ControlID, st playback.ControlState) {
			send(Response{Type: TypeControl, Payload: controlView{Control: string(id), State: st.String()}})
		},
		Logger: log,
	})
	h.ctrl = session.New(deps.AI, recognition.NewAdapter(h.source, log), h.channel, session.Options{
		Settings:    h.settings,
		Observer:    &observer{send: send},
		Logger:      log,
		Metrics:     deps.Metrics,
		CallTimeout: deps.CallTimeout,
		AutoSpeak:   deps.AutoSpeak,
		ReplyTokens: deps.ReplyTokens,
	})
	return h
}

// Run drives the session until ctx ends.
func (h *Handler) Run(ctx context.Context) error {
	h.metrics.SessionStarted(ctx)
	defer h.metrics.SessionEnded(context.WithoutCancel(ctx))
	defer h.channel.Stop()
	return h.ctrl.Run(ctx)
}

// Settle waits until the session has no work in flight.
func (h *Handler) Settle(ctx context.Context) error {
	return h.ctrl.Settle(ctx)
}

// Handle processes one browser frame. Frames that feed recognition or
// playback are applied in order before Handle returns; lookups that wait
// on the network answer later with a result frame.
func (h *Handler) Handle(ctx context.Context, env Envelope) {
	h.log.Debug().Str("type", env.Type).Msg("Handling WebSocket message")

	switch env.Type {
	case TypePing:
		h.send(Response{Type: TypePong, RequestID: env.RequestID})

	case TypeBegin:
		var p beginPayload
		if !h.decode(env, &p) {
			return
		}
		preset, err := h.presets.Find(ctx, p.Persona)
		if err == nil {
			err = h.ctrl.Begin(ctx, preset, p.Topic)
		}
		h.reply(env, nil, err)

	case TypeStartRecording:
		h.reply(env, nil, h.ctrl.StartRecording(ctx))

	case TypeStopRecording:
		h.reply(env, nil, h.ctrl.StopRecording(ctx))

	case TypeCancelRecording:
		h.reply(env, nil, h.ctrl.CancelRecording(ctx))

	case TypeSpeech:
		var p speechPayload
		if !h.decode(env, &p) {
			return
		}
		feed := h.source.Lookup(p.Recording)
		if feed == nil {
			h.log.Debug().Uint64("recording", p.Recording).Msg("dropping speech from a stale recording")
			return
		}
		feed.Push(recognition.Segment{Index: p.Index, Text: p.Text, Final: p.Final})

	case TypeSpeechEnd:
		var p speechEndPayload
		if !h.decode(env, &p) {
			return
		}
		if feed := h.source.Lookup(p.Recording); feed != nil {
			var err error
			if p.Error != "" {
				err = stderrors.New(p.Error)
			}
			feed.End(err)
		}

	case TypeAudioEnded:
		var p audioEndedPayload
		if !h.decode(env, &p) {
			return
		}
		h.sink.ended(p.ClipID)

	case TypeSpeak, TypeSpeakCorrection, TypeReveal:
		var p turnRequest
		if !h.decode(env, &p) {
			return
		}
		id := transcript.TurnID(p.TurnID)
		var err error
		switch env.Type {
		case TypeSpeak:
			err = h.ctrl.Speak(ctx, id)
		case TypeSpeakCorrection:
			err = h.ctrl.SpeakCorrection(ctx, id)
		default:
			err = h.ctrl.SetRevealed(ctx, id, p.Revealed)
		}
		h.reply(env, nil, err)

	case TypeAnalyze, TypeToggleTranslation, TypeExplainWord:
		var p turnRequest
		if !h.decode(env, &p) {
			return
		}
		go h.lookup(ctx, env, p)

	case TypeSettings:
		var p settingsPayload
		if !h.decode(env, &p) {
			return
		}
		h.settings.Update(func(m *config.Models) { applySettings(m, p) })
		h.reply(env, nil, nil)

	default:
		h.sendError(env, "unknown message type: "+env.Type)
	}
}

func (h *Handler) lookup(ctx context.Context, env Envelope, p turnRequest) {
	id := transcript.TurnID(p.TurnID)
	switch env.Type {
	case TypeAnalyze:
		a, err := h.ctrl.Analyze(ctx, id)
		if err != nil {
			h.reply(env, nil, err)
			return
		}
		h.reply(env, analysisView{TurnID: p.TurnID, Tokens: a.Tokens, RubyHTML: a.RubyHTML()}, nil)

	case TypeToggleTranslation:
		v, err := h.ctrl.ToggleTranslation(ctx, id)
		if err != nil {
			h.reply(env, nil, err)
			return
		}
		h.reply(env, translationView{TurnID: p.TurnID, Text: v.Text, Visible: v.Visible}, nil)

	case TypeExplainWord:
		card, err := h.ctrl.ExplainWord(ctx, id, p.Word)
		if err != nil {
			h.reply(env, nil, err)
			return
		}
		h.reply(env, wordCardView{TurnID: p.TurnID, Card: card}, nil)
	}
}

func (h *Handler) decode(env Envelope, v interface{}) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		h.sendError(env, "invalid "+env.Type+" payload")
		return false
	}
	return true
}

// reply answers a request with a result frame, or an error frame when err
// is set.
func (h *Handler) reply(env Envelope, payload interface{}, err error) {
	if err != nil {
		h.log.Debug().Err(err).Str("type", env.Type).Msg("request rejected")
		h.sendError(env, err.Error())
		return
	}
	h.send(Response{Type: TypeResult, RequestID: env.RequestID, Payload: payload})
}

func (h *Handler) sendError(env Envelope, message string) {
	h.send(Response{Type: TypeError, RequestID: env.RequestID, Payload: map[string]string{
		"request": env.Type,
		"error":   message,
	}})
}

func applySettings(m *config.Models, p settingsPayload) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&m.Conversation, p.Conversation)
	set(&m.Evaluation, p.Evaluation)
	set(&m.Explanation, p.Explanation)
	set(&m.Formatting, p.Formatting)
	set(&m.Analysis, p.Analysis)
	set(&m.Translation, p.Translation)
	set(&m.SpeechEngine, p.SpeechEngine)
	set(&m.SpeechVoice, p.SpeechVoice)
}

type observer struct {
	send Sender
}

func (o *observer) StateChanged(s session.RecordingState) {
	o.send(Response{Type: TypeState, Payload: map[string]string{"state": s.String()}})
}

func (o *observer) InterimText(text string) {
	o.send(Response{Type: TypeInterim, Payload: map[string]string{"text": text}})
}

func (o *observer) TurnAppended(t transcript.Turn) {
	o.send(Response{Type: TypeTurn, Payload: viewTurn(t)})
}

func (o *observer) FeedbackAttached(id transcript.TurnID, fb transcript.Feedback) {
	o.send(Response{Type: TypeFeedback, Payload: viewFeedback(id, fb)})
}

func (o *observer) AnalysisReady(id transcript.TurnID, a *api.Analysis) {
	o.send(Response{Type: TypeAnalysis, Payload: analysisView{TurnID: string(id), Tokens: a.Tokens, RubyHTML: a.RubyHTML()}})
}

func (o *observer) Notice(n session.Notice) {
	o.send(Response{Type: TypeNotice, Payload: viewNotice(n)})
}
