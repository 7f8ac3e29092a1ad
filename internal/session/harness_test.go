package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/windfall/kaiwa/internal/config"
	"github.com/windfall/kaiwa/internal/playback"
	"github.com/windfall/kaiwa/internal/recognition"
	"github.com/windfall/kaiwa/internal/transcript"
	"github.com/windfall/kaiwa/pkg/api"
)

var errProvider = errors.New("provider unavailable")

type fakeAI struct {
	mu    sync.Mutex
	calls map[string]int
	chats []api.ChatRequest
	evals []api.EvaluateRequest

	punctuate func(api.TextRequest) (string, error)
	reply     func(api.ChatRequest) (*api.ChatResponse, error)
	evaluate  func(api.EvaluateRequest) (*api.Evaluation, error)
	translate func(api.TextRequest) (string, error)
	analyze   func(api.TextRequest) (*api.Analysis, error)
	explain   func(api.ExplainWordRequest) (*api.WordCard, error)
}

func (f *fakeAI) hit(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
}

func (f *fakeAI) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAI) Punctuate(ctx context.Context, req api.TextRequest) (string, error) {
	f.hit("punctuate")
	if f.punctuate != nil {
		return f.punctuate(req)
	}
	return req.Text, nil
}

func (f *fakeAI) Reply(ctx context.Context, req api.ChatRequest) (*api.ChatResponse, error) {
	f.hit("chat")
	f.mu.Lock()
	f.chats = append(f.chats, req)
	f.mu.Unlock()
	if f.reply != nil {
		return f.reply(req)
	}
	return &api.ChatResponse{Text: "はい、そうですね。"}, nil
}

func (f *fakeAI) Evaluate(ctx context.Context, req api.EvaluateRequest) (*api.Evaluation, error) {
	f.hit("evaluate")
	f.mu.Lock()
	f.evals = append(f.evals, req)
	f.mu.Unlock()
	if f.evaluate != nil {
		return f.evaluate(req)
	}
	return &api.Evaluation{Score: 8, CorrectedSentence: req.UserAnswer}, nil
}

func (f *fakeAI) Translate(ctx context.Context, req api.TextRequest) (string, error) {
	f.hit("translate")
	if f.translate != nil {
		return f.translate(req)
	}
	return "translation of " + req.Text, nil
}

func (f *fakeAI) Analyze(ctx context.Context, req api.TextRequest) (*api.Analysis, error) {
	f.hit("analyze")
	if f.analyze != nil {
		return f.analyze(req)
	}
	return &api.Analysis{Tokens: []api.Word{{POS: "名詞", WordTokens: []api.SubToken{{Surface: req.Text}}}}}, nil
}

func (f *fakeAI) ExplainWord(ctx context.Context, req api.ExplainWordRequest) (*api.WordCard, error) {
	f.hit("explain_word")
	if f.explain != nil {
		return f.explain(req)
	}
	return &api.WordCard{DictionaryForm: req.Word}, nil
}

type recorder struct {
	mu       sync.Mutex
	notices  []Notice
	states   []RecordingState
	feedback []transcript.TurnID
	interim  []string
}

func (r *recorder) StateChanged(s RecordingState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) InterimText(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interim = append(r.interim, text)
}

func (r *recorder) TurnAppended(transcript.Turn) {}

func (r *recorder) FeedbackAttached(id transcript.TurnID, _ transcript.Feedback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feedback = append(r.feedback, id)
}

func (r *recorder) Notice(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recorder) noticeKinds() []NoticeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []NoticeKind
	for _, n := range r.notices {
		out = append(out, n.Kind)
	}
	return out
}

type fakeSpeaker struct {
	mu       sync.Mutex
	requests []playback.Request
	stops    int
}

func (s *fakeSpeaker) Play(ctx context.Context, req playback.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return nil
}

func (s *fakeSpeaker) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *fakeSpeaker) played() []playback.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]playback.Request(nil), s.requests...)
}

var testPreset = api.Preset{
	Persona:        "Weather chat",
	PromptTemplate: "You are a friendly partner. Talk about {topic}.",
	Topics: []api.Topic{
		{Name: "weather", StartingPrompt: "今日の天気はどうですか？"},
	},
}

type harness struct {
	t        *testing.T
	c        *Controller
	ai       *fakeAI
	src      *recognition.FeedSource
	obs      *recorder
	speaker  *fakeSpeaker
	settings *config.ModelSettings
}

func newHarness(t *testing.T, ai *fakeAI, opts Options) *harness {
	t.Helper()
	return newHarnessWith(t, ai, &fakeSpeaker{}, opts)
}

func newHarnessWith(t *testing.T, ai *fakeAI, speaker Speaker, opts Options) *harness {
	t.Helper()

	src := recognition.NewFeedSource(true, nil, nil)
	obs := &recorder{}
	settings := config.NewModelSettings(config.Models{
		Conversation: "conv",
		Evaluation:   "eval",
		Explanation:  "explain",
		Formatting:   "fmt",
		Analysis:     "analysis",
		Translation:  "translate",
		SpeechEngine: "gemini",
		SpeechVoice:  "voiceA",
	})
	opts.Observer = obs
	opts.Settings = settings
	opts.Logger = zerolog.Nop()

	c := New(ai, recognition.NewAdapter(src, zerolog.Nop()), speaker, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h := &harness{t: t, c: c, ai: ai, src: src, obs: obs, settings: settings}
	if fs, ok := speaker.(*fakeSpeaker); ok {
		h.speaker = fs
	}
	if err := c.Begin(context.Background(), testPreset, "weather"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return h
}

func (h *harness) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	h.t.Cleanup(cancel)
	return ctx
}

// say records one utterance and stops the recording. It does not wait for
// the submission to finish.
func (h *harness) say(text string) {
	h.t.Helper()
	if err := h.c.StartRecording(h.ctx()); err != nil {
		h.t.Fatalf("StartRecording: %v", err)
	}
	h.src.Current().Push(recognition.Segment{Index: 0, Text: text, Final: true})
	if err := h.c.StopRecording(h.ctx()); err != nil {
		h.t.Fatalf("StopRecording: %v", err)
	}
}

func (h *harness) settle() {
	h.t.Helper()
	if err := h.c.Settle(h.ctx()); err != nil {
		h.t.Fatalf("Settle: %v", err)
	}
}

func (h *harness) turns() []transcript.Turn {
	h.t.Helper()
	turns, err := h.c.Turns(h.ctx())
	if err != nil {
		h.t.Fatalf("Turns: %v", err)
	}
	return turns
}

func (h *harness) state() RecordingState {
	h.t.Helper()
	s, err := h.c.State(h.ctx())
	if err != nil {
		h.t.Fatalf("State: %v", err)
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
