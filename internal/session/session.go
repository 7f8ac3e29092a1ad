// Package session runs a conversation: it sequences recording, punctuation,
// reply generation, evaluation, on-demand lookups and playback, and is the
// only writer of the session transcript.
//
// All session state is owned by one control loop (Run). Public methods,
// recognition events and completed network calls are executed on that loop
// one at a time, so completions arriving in any order are applied without
// locking and without touching each other's turns.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/windfall/kaiwa/internal/config"
	"github.com/windfall/kaiwa/internal/observe"
	"github.com/windfall/kaiwa/internal/playback"
	"github.com/windfall/kaiwa/internal/recognition"
	"github.com/windfall/kaiwa/internal/transcript"
	"github.com/windfall/kaiwa/pkg/api"
)

// ApologyText stands in for a reply that could not be generated.
const ApologyText = "すみません、エラーが発生しました。もう一度お願いします。"

var (
	ErrBusy                   = errors.New("session: recording or processing in progress")
	ErrRecognitionUnavailable = errors.New("session: speech recognition unavailable")
	ErrNotStarted             = errors.New("session: conversation not started")
	ErrUnknownTopic           = errors.New("session: unknown topic")
	ErrNotAssistantTurn       = errors.New("session: not an assistant turn")
	ErrClosed                 = errors.New("session: controller stopped")
)

// RecordingState is the recording state of the session.
type RecordingState int

const (
	StateIdle RecordingState = iota
	StateRecording
	StateProcessing
)

func (s RecordingState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// AI is the set of AI service calls the controller makes.
type AI interface {
	Reply(ctx context.Context, req api.ChatRequest) (*api.ChatResponse, error)
	Evaluate(ctx context.Context, req api.EvaluateRequest) (*api.Evaluation, error)
	Punctuate(ctx context.Context, req api.TextRequest) (string, error)
	ExplainWord(ctx context.Context, req api.ExplainWordRequest) (*api.WordCard, error)
	Translate(ctx context.Context, req api.TextRequest) (string, error)
	Analyze(ctx context.Context, req api.TextRequest) (*api.Analysis, error)
}

// Recognizer is the speech recognition adapter.
type Recognizer interface {
	Start(ctx context.Context) (recognition.RecordingID, error)
	Stop()
	Cancel()
	Disabled() bool
	Events() <-chan recognition.Event
}

// Speaker is the audio playback channel.
type Speaker interface {
	Play(ctx context.Context, req playback.Request) error
	Stop()
}

// Options configures a Controller.
type Options struct {
	Settings *config.ModelSettings
	Observer Observer
	Logger   zerolog.Logger
	Metrics  *observe.Metrics

	// CallTimeout bounds every AI call. Default 30s.
	CallTimeout time.Duration

	// AutoSpeak plays each new assistant turn.
	AutoSpeak bool

	// HideReplies appends assistant turns with their text hidden, for
	// listening practice.
	HideReplies bool

	// ReplyTokens asks for each reply's reading breakdown along with its
	// text, so the turn's analysis is ready without a separate call.
	ReplyTokens bool

	// NewTranscript overrides transcript construction, mainly for tests.
	NewTranscript func() *transcript.Transcript
}

// Controller owns one conversation session.
type Controller struct {
	ai       AI
	rec      Recognizer
	speaker  Speaker
	settings *config.ModelSettings
	obs      Observer
	log      zerolog.Logger
	metrics  *observe.Metrics
	opts     Options

	inbox chan func()
	done  chan struct{}

	lookups singleflight.Group

	// Everything below is owned by the control loop.
	runCtx        context.Context
	tr            *transcript.Transcript
	persona       string
	topic         string
	epoch         uint64
	state         RecordingState
	recording     recognition.RecordingID
	awaitingFinal bool
	submission    uint64
	seq           uint64
	inflight      int
	settleWaiters []chan struct{}
}

// New creates a Controller. rec may be nil when the host has no speech
// input; recording is then unavailable.
func New(ai AI, rec Recognizer, speaker Speaker, opts Options) *Controller {
	if opts.Settings == nil {
		opts.Settings = config.NewModelSettings(config.Models{})
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.NewTranscript == nil {
		opts.NewTranscript = transcript.New
	}
	return &Controller{
		ai:       ai,
		rec:      rec,
		speaker:  speaker,
		settings: opts.Settings,
		obs:      opts.Observer,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		opts:     opts,
		inbox:    make(chan func(), 16),
		done:     make(chan struct{}),
	}
}

// Run executes the control loop until ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.done)

	var events <-chan recognition.Event
	if c.rec != nil {
		events = c.rec.Events()
	}

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case fn := <-c.inbox:
			fn()
		case ev := <-events:
			c.onRecognition(ev)
		}
	}
}

func (c *Controller) shutdown() {
	if c.recording != 0 && c.rec != nil {
		c.rec.Cancel()
	}
	if c.speaker != nil {
		c.speaker.Stop()
	}
	for _, ch := range c.settleWaiters {
		close(ch)
	}
	c.settleWaiters = nil
}

// do runs fn on the control loop and waits for it.
func (c *Controller) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case c.inbox <- func() { fn(); close(finished) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// post queues fn for the control loop without waiting.
func (c *Controller) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

// spawn runs work off the loop. The function work returns, if any, is then
// applied on the loop. Spawned work counts as in flight until applied.
func (c *Controller) spawn(work func(ctx context.Context) func()) {
	c.inflight++
	ctx := c.runCtx
	go func() {
		apply := work(ctx)
		c.post(func() {
			if apply != nil {
				apply()
			}
			c.inflight--
			c.checkSettled()
		})
	}()
}

func (c *Controller) checkSettled() {
	if c.inflight > 0 || c.awaitingFinal {
		return
	}
	for _, ch := range c.settleWaiters {
		close(ch)
	}
	c.settleWaiters = nil
}

// Settle waits until no recording result and no AI call is pending.
func (c *Controller) Settle(ctx context.Context) error {
	ch := make(chan struct{})
	err := c.do(ctx, func() {
		c.settleWaiters = append(c.settleWaiters, ch)
		c.checkSettled()
	})
	if err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) setState(s RecordingState) {
	if c.state == s {
		return
	}
	c.state = s
	c.obs.StateChanged(s)
}

func (c *Controller) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.CallTimeout)
}

func (c *Controller) appendTurn(role transcript.Role, content string, revealed bool) transcript.Turn {
	turn := c.tr.Append(role, content, revealed)
	c.metrics.RecordTurn(c.runCtx, string(role))
	c.obs.TurnAppended(turn)
	return turn
}

// Begin starts a new conversation with a persona and one of its topics.
// The persona prompt becomes the system turn and the topic's starting
// prompt the first assistant turn. Any earlier conversation is discarded;
// its pending calls are ignored when they complete.
func (c *Controller) Begin(ctx context.Context, preset api.Preset, topic string) error {
	tp, ok := preset.Topic(topic)
	if !ok {
		return ErrUnknownTopic
	}

	return c.do(ctx, func() {
		if c.recording != 0 && c.rec != nil {
			c.rec.Cancel()
		}
		if c.speaker != nil {
			c.speaker.Stop()
		}
		c.epoch++
		c.recording = 0
		c.awaitingFinal = false
		c.submission = 0
		c.setState(StateIdle)

		c.tr = c.opts.NewTranscript()
		c.persona = preset.Persona
		c.topic = tp.Name

		c.appendTurn(transcript.RoleSystem, preset.SystemPrompt(tp.Name), true)
		first := c.appendTurn(transcript.RoleAssistant, tp.StartingPrompt, !c.opts.HideReplies)
		if c.opts.AutoSpeak {
			c.speak(first.ID, first.Content)
		}
		c.checkSettled()

		c.log.Info().Str("persona", c.persona).Str("topic", c.topic).Msg("conversation started")
	})
}

// State returns the recording state.
func (c *Controller) State(ctx context.Context) (RecordingState, error) {
	var s RecordingState
	err := c.do(ctx, func() { s = c.state })
	return s, err
}

// Turns returns a copy of the transcript.
func (c *Controller) Turns(ctx context.Context) ([]transcript.Turn, error) {
	var turns []transcript.Turn
	err := c.do(ctx, func() {
		if c.tr != nil {
			turns = c.tr.Turns()
		}
	})
	return turns, err
}

// Artifacts returns the presentation artifacts of a turn.
func (c *Controller) Artifacts(ctx context.Context, id transcript.TurnID) (transcript.Artifacts, error) {
	var a transcript.Artifacts
	err := c.do(ctx, func() {
		if c.tr != nil {
			a = c.tr.Artifacts(id)
		}
	})
	return a, err
}

// SetRevealed shows or hides the text of a turn.
func (c *Controller) SetRevealed(ctx context.Context, id transcript.TurnID, revealed bool) error {
	var err error
	if derr := c.do(ctx, func() {
		if c.tr == nil {
			err = ErrNotStarted
			return
		}
		err = c.tr.SetRevealed(id, revealed)
	}); derr != nil {
		return derr
	}
	return err
}
