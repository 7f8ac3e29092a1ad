package ws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/windfall/kaiwa/internal/config"
	"github.com/windfall/kaiwa/internal/errors"
	"github.com/windfall/kaiwa/internal/logger"
	"github.com/windfall/kaiwa/pkg/api"
)

type fakeAI struct {
	translations atomic.Int32
}

func (f *fakeAI) Reply(ctx context.Context, req api.ChatRequest) (*api.ChatResponse, error) {
	resp := &api.ChatResponse{Text: "いいですね。"}
	if req.WithTokens {
		resp.Tokens = []api.Word{{WordTokens: []api.SubToken{{Surface: "いい", Reading: "いい"}}}}
	}
	return resp, nil
}

func (f *fakeAI) Evaluate(ctx context.Context, req api.EvaluateRequest) (*api.Evaluation, error) {
	return &api.Evaluation{Score: 7, CorrectedSentence: req.UserAnswer, Explanation: "自然です。"}, nil
}

func (f *fakeAI) Punctuate(ctx context.Context, req api.TextRequest) (string, error) {
	return req.Text + "。", nil
}

func (f *fakeAI) ExplainWord(ctx context.Context, req api.ExplainWordRequest) (*api.WordCard, error) {
	return &api.WordCard{DictionaryForm: req.Word}, nil
}

func (f *fakeAI) Translate(ctx context.Context, req api.TextRequest) (string, error) {
	f.translations.Add(1)
	return "How is the weather today?", nil
}

func (f *fakeAI) Analyze(ctx context.Context, req api.TextRequest) (*api.Analysis, error) {
	return &api.Analysis{Tokens: []api.Word{{WordTokens: []api.SubToken{{Surface: "天気", Reading: "てんき", IsKanji: true}}}}}, nil
}

type fakeSynth struct {
	calls atomic.Int32
}

func (f *fakeSynth) Synthesize(ctx context.Context, req api.SynthesizeRequest) (*api.Audio, error) {
	f.calls.Add(1)
	return &api.Audio{Data: []byte(req.Text), ContentType: "audio/wav"}, nil
}

type fakePresets struct{}

func (fakePresets) Find(ctx context.Context, persona string) (api.Preset, error) {
	if persona != "友達" {
		return api.Preset{}, errors.NotFound("persona " + persona)
	}
	return api.Preset{
		Persona:        "友達",
		PromptTemplate: "{topic}について話しましょう。",
		Topics:         []api.Topic{{Name: "天気", StartingPrompt: "今日の天気はどうですか？"}},
	}, nil
}

type frames struct {
	mu  sync.Mutex
	all []Response
}

func (f *frames) send(r Response) {
	f.mu.Lock()
	f.all = append(f.all, r)
	f.mu.Unlock()
}

func (f *frames) snapshot() []Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Response(nil), f.all...)
}

func (f *frames) ofType(typ string) []Response {
	var out []Response
	for _, r := range f.snapshot() {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

func (f *frames) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; frames: %+v", what, f.snapshot())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func envelope(t *testing.T, typ, requestID string, payload interface{}) Envelope {
	t.Helper()
	env := Envelope{Type: typ, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		env.Payload = raw
	}
	return env
}

type harness struct {
	h      *Handler
	out    *frames
	ai     *fakeAI
	synth  *fakeSynth
	ctx    context.Context
	cancel context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, func(*Deps) {})
}

func newHarnessWith(t *testing.T, configure func(*Deps)) *harness {
	t.Helper()
	out := &frames{}
	ai := &fakeAI{}
	synth := &fakeSynth{}
	deps := Deps{
		AI:       ai,
		Speech:   synth,
		Presets:  fakePresets{},
		Defaults: config.Models{SpeechEngine: "gemini", SpeechVoice: "Kore"},
		Logger:   logger.NewNop(),
	}
	configure(&deps)
	h := NewHandler("test", deps, out.send)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{h: h, out: out, ai: ai, synth: synth, ctx: ctx, cancel: cancel}
}

func (hs *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(hs.ctx, 2*time.Second)
	defer cancel()
	if err := hs.h.Settle(ctx); err != nil {
		t.Fatalf("Settle: %v", err)
	}
}

func (hs *harness) turns() []TurnView {
	var out []TurnView
	for _, r := range hs.out.ofType(TypeTurn) {
		out = append(out, r.Payload.(TurnView))
	}
	return out
}

func (hs *harness) begin(t *testing.T) TurnView {
	t.Helper()
	hs.h.Handle(hs.ctx, envelope(t, TypeBegin, "b1", beginPayload{Persona: "友達", Topic: "天気"}))
	hs.settle(t)
	turns := hs.turns()
	if len(turns) != 2 {
		t.Fatalf("turns after begin = %+v", turns)
	}
	return turns[1]
}

// startRecording asks for a recording and returns the ID the browser is
// told to tag its results with.
func (hs *harness) startRecording(t *testing.T, requestID string) uint64 {
	t.Helper()
	before := len(hs.out.ofType(TypeRecognitionStart))
	hs.h.Handle(hs.ctx, envelope(t, TypeStartRecording, requestID, nil))
	starts := hs.out.ofType(TypeRecognitionStart)
	if len(starts) != before+1 {
		t.Fatal("browser was not asked to start recognition")
	}
	rec := starts[len(starts)-1].Payload.(recognitionView).Recording
	if rec == 0 {
		t.Fatal("recognition_start carried no recording")
	}
	return rec
}

func TestLiveConversationRound(t *testing.T) {
	hs := newHarness(t)
	first := hs.begin(t)
	if first.Role != "assistant" || first.Content != "今日の天気はどうですか？" {
		t.Fatalf("first assistant turn = %+v", first)
	}

	rec := hs.startRecording(t, "r1")
	hs.h.Handle(hs.ctx, envelope(t, TypeSpeech, "", speechPayload{Recording: rec, Index: 0, Text: "今日は", Final: false}))
	hs.h.Handle(hs.ctx, envelope(t, TypeSpeech, "", speechPayload{Recording: rec, Index: 0, Text: "今日は晴れです", Final: true}))
	hs.out.waitFor(t, "interim text", func() bool { return len(hs.out.ofType(TypeInterim)) > 0 })

	hs.h.Handle(hs.ctx, envelope(t, TypeStopRecording, "r2", nil))
	if len(hs.out.ofType(TypeRecognitionStop)) != 1 {
		t.Fatal("browser was not asked to stop recognition")
	}
	hs.h.Handle(hs.ctx, envelope(t, TypeSpeechEnd, "", speechEndPayload{Recording: rec}))
	hs.settle(t)

	turns := hs.turns()
	if len(turns) != 4 {
		t.Fatalf("turns = %+v", turns)
	}
	if turns[2].Role != "user" || turns[2].Content != "今日は晴れです。" {
		t.Fatalf("user turn = %+v", turns[2])
	}
	if turns[3].Role != "assistant" || turns[3].Content != "いいですね。" {
		t.Fatalf("reply turn = %+v", turns[3])
	}

	fbs := hs.out.ofType(TypeFeedback)
	if len(fbs) != 1 {
		t.Fatalf("feedback frames = %d", len(fbs))
	}
	fb := fbs[0].Payload.(FeedbackView)
	if fb.TurnID != turns[2].ID || fb.ScoreLabel != "7 / 10" {
		t.Fatalf("feedback = %+v", fb)
	}
}

func TestSpeechFromCancelledRecordingIsDropped(t *testing.T) {
	hs := newHarness(t)
	hs.begin(t)

	old := hs.startRecording(t, "r1")
	hs.h.Handle(hs.ctx, envelope(t, TypeSpeech, "", speechPayload{Recording: old, Index: 0, Text: "ねこ", Final: true}))
	hs.h.Handle(hs.ctx, envelope(t, TypeCancelRecording, "r2", nil))
	hs.settle(t)

	rec := hs.startRecording(t, "r3")
	if rec == old {
		t.Fatalf("new recording reused id %d", old)
	}
	// Late results and end from the cancelled recognition.
	hs.h.Handle(hs.ctx, envelope(t, TypeSpeech, "", speechPayload{Recording: old, Index: 1, Text: "いぬ", Final: true}))
	hs.h.Handle(hs.ctx, envelope(t, TypeSpeechEnd, "", speechEndPayload{Recording: old}))
	// Untagged results are not accepted either.
	hs.h.Handle(hs.ctx, envelope(t, TypeSpeech, "", speechPayload{Index: 2, Text: "とり", Final: true}))

	hs.h.Handle(hs.ctx, envelope(t, TypeSpeech, "", speechPayload{Recording: rec, Index: 0, Text: "こんにちは", Final: true}))
	hs.h.Handle(hs.ctx, envelope(t, TypeStopRecording, "r4", nil))
	hs.h.Handle(hs.ctx, envelope(t, TypeSpeechEnd, "", speechEndPayload{Recording: rec}))
	hs.settle(t)

	turns := hs.turns()
	if len(turns) != 4 {
		t.Fatalf("turns = %+v", turns)
	}
	if turns[2].Role != "user" || turns[2].Content != "こんにちは。" {
		t.Fatalf("user turn = %+v, want こんにちは。", turns[2])
	}
	stops := hs.out.ofType(TypeRecognitionStop)
	if len(stops) != 1 || stops[0].Payload.(recognitionView).Recording != rec {
		t.Fatalf("recognition_stop frames = %+v", stops)
	}
}

func TestReplyAnalysisIsPushed(t *testing.T) {
	hs := newHarnessWith(t, func(d *Deps) { d.ReplyTokens = true })
	hs.begin(t)

	rec := hs.startRecording(t, "r1")
	hs.h.Handle(hs.ctx, envelope(t, TypeSpeech, "", speechPayload{Recording: rec, Index: 0, Text: "晴れです", Final: true}))
	hs.h.Handle(hs.ctx, envelope(t, TypeStopRecording, "r2", nil))
	hs.h.Handle(hs.ctx, envelope(t, TypeSpeechEnd, "", speechEndPayload{Recording: rec}))
	hs.settle(t)

	turns := hs.turns()
	if len(turns) != 4 {
		t.Fatalf("turns = %+v", turns)
	}
	pushed := hs.out.ofType(TypeAnalysis)
	if len(pushed) != 1 {
		t.Fatalf("analysis frames = %d, want 1", len(pushed))
	}
	a := pushed[0].Payload.(analysisView)
	if a.TurnID != turns[3].ID || a.RubyHTML != "いい" {
		t.Fatalf("analysis = %+v", a)
	}
}

func TestSpeakAndAudioEnded(t *testing.T) {
	hs := newHarness(t)
	first := hs.begin(t)

	hs.h.Handle(hs.ctx, envelope(t, TypeSpeak, "s1", turnRequest{TurnID: first.ID}))
	hs.settle(t)

	audio := hs.out.ofType(TypeAudio)
	if len(audio) != 1 {
		t.Fatalf("audio frames = %d", len(audio))
	}
	clip := audio[0].Payload.(audioView)
	if string(clip.Data) != "今日の天気はどうですか？" || clip.ContentType != "audio/wav" {
		t.Fatalf("clip = %+v", clip)
	}

	hs.h.Handle(hs.ctx, envelope(t, TypeAudioEnded, "", audioEndedPayload{ClipID: clip.ClipID}))
	hs.out.waitFor(t, "control idle", func() bool {
		controls := hs.out.ofType(TypeControl)
		if len(controls) == 0 {
			return false
		}
		last := controls[len(controls)-1].Payload.(controlView)
		return last.Control == first.ID && last.State == "idle"
	})

	// A second play of the same turn comes from the cache.
	hs.h.Handle(hs.ctx, envelope(t, TypeSpeak, "s2", turnRequest{TurnID: first.ID}))
	hs.settle(t)
	if n := hs.synth.calls.Load(); n != 1 {
		t.Fatalf("synthesize calls = %d, want 1", n)
	}
	if len(hs.out.ofType(TypeAudio)) != 2 {
		t.Fatal("second play sent no audio")
	}
}

func TestSpeakTwiceStopsClip(t *testing.T) {
	hs := newHarness(t)
	first := hs.begin(t)

	hs.h.Handle(hs.ctx, envelope(t, TypeSpeak, "s1", turnRequest{TurnID: first.ID}))
	hs.settle(t)
	hs.h.Handle(hs.ctx, envelope(t, TypeSpeak, "s2", turnRequest{TurnID: first.ID}))
	hs.settle(t)

	stops := hs.out.ofType(TypeAudioStop)
	if len(stops) != 1 {
		t.Fatalf("audio_stop frames = %d, want 1", len(stops))
	}
	if len(hs.out.ofType(TypeAudio)) != 1 {
		t.Fatal("toggle started a new clip")
	}
}

func TestTranslationToggleAndLookups(t *testing.T) {
	hs := newHarness(t)
	first := hs.begin(t)

	results := func(id string) []Response {
		var out []Response
		for _, r := range hs.out.ofType(TypeResult) {
			if r.RequestID == id {
				out = append(out, r)
			}
		}
		return out
	}

	hs.h.Handle(hs.ctx, envelope(t, TypeToggleTranslation, "t1", turnRequest{TurnID: first.ID}))
	hs.out.waitFor(t, "translation", func() bool { return len(results("t1")) == 1 })
	v := results("t1")[0].Payload.(translationView)
	if !v.Visible || v.Text != "How is the weather today?" {
		t.Fatalf("first toggle = %+v", v)
	}

	hs.h.Handle(hs.ctx, envelope(t, TypeToggleTranslation, "t2", turnRequest{TurnID: first.ID}))
	hs.out.waitFor(t, "second toggle", func() bool { return len(results("t2")) == 1 })
	if results("t2")[0].Payload.(translationView).Visible {
		t.Fatal("second toggle did not hide the translation")
	}
	if n := hs.ai.translations.Load(); n != 1 {
		t.Fatalf("translate calls = %d, want 1", n)
	}

	hs.h.Handle(hs.ctx, envelope(t, TypeAnalyze, "a1", turnRequest{TurnID: first.ID}))
	hs.out.waitFor(t, "analysis", func() bool { return len(results("a1")) == 1 })
	if got := results("a1")[0].Payload.(analysisView).RubyHTML; got != "<ruby>天気<rt>てんき</rt></ruby>" {
		t.Fatalf("ruby = %q", got)
	}

	hs.h.Handle(hs.ctx, envelope(t, TypeExplainWord, "e1", turnRequest{TurnID: first.ID, Word: "天気"}))
	hs.out.waitFor(t, "word card", func() bool { return len(results("e1")) == 1 })
	if card := results("e1")[0].Payload.(wordCardView).Card; card.DictionaryForm != "天気" {
		t.Fatalf("card = %+v", card)
	}
}

func TestErrorsAreReported(t *testing.T) {
	hs := newHarness(t)

	hs.h.Handle(hs.ctx, envelope(t, TypeBegin, "b1", beginPayload{Persona: "先生", Topic: "天気"}))
	hs.h.Handle(hs.ctx, envelope(t, "dance", "x1", nil))
	hs.h.Handle(hs.ctx, Envelope{Type: TypeSpeak, RequestID: "s1", Payload: json.RawMessage(`{`)})

	errs := hs.out.ofType(TypeError)
	if len(errs) != 3 {
		t.Fatalf("error frames = %+v", errs)
	}
	msg := errs[1].Payload.(map[string]string)["error"]
	if !strings.Contains(msg, "unknown message type") {
		t.Fatalf("error = %q", msg)
	}
	if errs[0].RequestID != "b1" || errs[2].RequestID != "s1" {
		t.Fatalf("request ids = %q, %q", errs[0].RequestID, errs[2].RequestID)
	}
}

func TestSettingsUpdateSpeechVoice(t *testing.T) {
	hs := newHarness(t)
	first := hs.begin(t)

	hs.h.Handle(hs.ctx, envelope(t, TypeSettings, "c1", settingsPayload{SpeechVoice: "Puck"}))
	if got := hs.h.settings.Get(); got.SpeechVoice != "Puck" || got.SpeechEngine != "gemini" {
		t.Fatalf("settings = %+v", got)
	}

	hs.h.Handle(hs.ctx, envelope(t, TypeSpeak, "s1", turnRequest{TurnID: first.ID}))
	hs.settle(t)
	if len(hs.out.ofType(TypeAudio)) != 1 {
		t.Fatal("no audio after settings change")
	}
}
