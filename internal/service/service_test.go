package service

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/windfall/kaiwa/internal/client"
	"github.com/windfall/kaiwa/internal/config"
	"github.com/windfall/kaiwa/internal/errors"
	"github.com/windfall/kaiwa/internal/logger"
	"github.com/windfall/kaiwa/internal/repository"
	"github.com/windfall/kaiwa/pkg/api"
)

type fakeModel struct {
	mu    sync.Mutex
	calls []client.Completion
	reply func(req client.Completion) (string, error)
}

func (f *fakeModel) Complete(ctx context.Context, req client.Completion) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.reply(req)
}

func (f *fakeModel) last() client.Completion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func newTutor(reply func(client.Completion) (string, error)) (*TutorService, *fakeModel) {
	m := &fakeModel{reply: reply}
	defaults := config.Models{
		Conversation: "conv-model",
		Evaluation:   "eval-model",
		Explanation:  "explain-model",
		Formatting:   "format-model",
		Analysis:     "analysis-model",
		Translation:  "translate-model",
	}
	return NewTutorService(m, defaults, time.Second, nil, logger.NewNop()), m
}

func TestReplyUsesDefaultModel(t *testing.T) {
	tutor, m := newTutor(func(client.Completion) (string, error) { return "  はい、晴れです。 ", nil })

	resp, err := tutor.Reply(context.Background(), api.ChatRequest{
		Messages: []api.Message{{Role: "user", Content: "今日は晴れですか？"}},
	})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if resp.Text != "はい、晴れです。" {
		t.Fatalf("Text = %q", resp.Text)
	}
	if got := m.last().Model; got != "conv-model" {
		t.Fatalf("model = %q, want conv-model", got)
	}
	if resp.Tokens != nil {
		t.Fatalf("Tokens = %v, want none", resp.Tokens)
	}
}

func TestReplyValidation(t *testing.T) {
	tutor, _ := newTutor(func(client.Completion) (string, error) { return "x", nil })

	_, err := tutor.Reply(context.Background(), api.ChatRequest{})
	if !errors.Is(err, errors.ErrValidation) {
		t.Fatalf("empty messages err = %v, want validation", err)
	}
	_, err = tutor.Reply(context.Background(), api.ChatRequest{
		Messages: []api.Message{{Role: "robot", Content: "x"}},
	})
	if !errors.Is(err, errors.ErrValidation) {
		t.Fatalf("bad role err = %v, want validation", err)
	}
}

func TestReplyWithTokens(t *testing.T) {
	tutor, m := newTutor(func(req client.Completion) (string, error) {
		if req.JSON {
			return `{"tokens":[{"pos":"名詞","word_tokens":[{"surface":"天気","reading":"てんき","is_kanji":true}]}]}`, nil
		}
		return "天気", nil
	})

	resp, err := tutor.Reply(context.Background(), api.ChatRequest{
		Messages:   []api.Message{{Role: "user", Content: "何？"}},
		WithTokens: true,
	})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if len(resp.Tokens) != 1 || resp.Tokens[0].Surface() != "天気" {
		t.Fatalf("Tokens = %+v", resp.Tokens)
	}
	if got := m.last().Model; got != "analysis-model" {
		t.Fatalf("analysis model = %q", got)
	}
}

func TestReplyWithTokensKeepsTextOnAnalysisFailure(t *testing.T) {
	tutor, _ := newTutor(func(req client.Completion) (string, error) {
		if req.JSON {
			return "not json", nil
		}
		return "こんにちは", nil
	})

	resp, err := tutor.Reply(context.Background(), api.ChatRequest{
		Messages:   []api.Message{{Role: "user", Content: "やあ"}},
		WithTokens: true,
	})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if resp.Text != "こんにちは" || resp.Tokens != nil {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestEvaluate(t *testing.T) {
	tutor, m := newTutor(func(client.Completion) (string, error) {
		return "```json\n{\"score\": 7, \"corrected_sentence\": \"今日は晴れです。\", \"explanation\": \"いいですね\", \"error_html\": \"\"}\n```", nil
	})

	ev, err := tutor.Evaluate(context.Background(), api.EvaluateRequest{
		AIQuestion: "今日の天気はどうですか？",
		UserAnswer: "今日は晴れです。",
		Model:      "llama-custom",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev.Score != 7 || ev.CorrectedSentence != "今日は晴れです。" {
		t.Fatalf("ev = %+v", ev)
	}
	call := m.last()
	if !call.JSON || call.Model != "llama-custom" || call.System != evaluatePrompt {
		t.Fatalf("call = %+v", call)
	}
	if !strings.Contains(call.Messages[0].Content, "今日の天気はどうですか？") {
		t.Fatalf("user prompt = %q", call.Messages[0].Content)
	}
}

func TestEvaluateRejectsBadReplies(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"score too high", `{"score": 11}`},
		{"score zero", `{"score": 0}`},
		{"not json", `great job`},
		{"wrong type", `{"score": "seven"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tutor, _ := newTutor(func(client.Completion) (string, error) { return tt.reply, nil })
			_, err := tutor.Evaluate(context.Background(), api.EvaluateRequest{AIQuestion: "q", UserAnswer: "a"})
			if !errors.Is(err, errors.ErrMalformed) {
				t.Fatalf("err = %v, want malformed", err)
			}
		})
	}
}

func TestEvaluateMissingInput(t *testing.T) {
	tutor, m := newTutor(func(client.Completion) (string, error) { return "{}", nil })
	_, err := tutor.Evaluate(context.Background(), api.EvaluateRequest{UserAnswer: "a"})
	if !errors.Is(err, errors.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if len(m.calls) != 0 {
		t.Fatalf("model called %d times", len(m.calls))
	}
}

func TestPunctuateFallsBackToInput(t *testing.T) {
	tutor, _ := newTutor(func(client.Completion) (string, error) { return "   ", nil })
	got, err := tutor.Punctuate(context.Background(), api.TextRequest{Text: " 今日は晴れです "})
	if err != nil {
		t.Fatalf("Punctuate: %v", err)
	}
	if got != "今日は晴れです" {
		t.Fatalf("Punctuate = %q", got)
	}
}

func TestModelErrorsPassThrough(t *testing.T) {
	upstream := errors.AIService("groq request failed", stderrors.New("boom"))
	tutor, _ := newTutor(func(client.Completion) (string, error) { return "", upstream })

	_, err := tutor.Translate(context.Background(), api.TextRequest{Text: "猫"})
	if !stderrors.Is(err, upstream) {
		t.Fatalf("err = %v, want upstream error", err)
	}
}

func TestExplainWordAndAnalyze(t *testing.T) {
	tutor, m := newTutor(func(req client.Completion) (string, error) {
		if req.System == explainPrompt {
			return `{"dictionary_form":"晴れる","hiragana":"はれる","meanings":[{"definition":"to clear up"}]}`, nil
		}
		return `{"tokens":[]}`, nil
	})

	card, err := tutor.ExplainWord(context.Background(), api.ExplainWordRequest{Word: "晴れ", Sentence: "今日は晴れです。"})
	if err != nil {
		t.Fatalf("ExplainWord: %v", err)
	}
	if card.DictionaryForm != "晴れる" || len(card.Meanings) != 1 {
		t.Fatalf("card = %+v", card)
	}
	if got := m.last().Model; got != "explain-model" {
		t.Fatalf("model = %q", got)
	}

	if _, err := tutor.Analyze(context.Background(), api.TextRequest{Text: "猫"}); !errors.Is(err, errors.ErrMalformed) {
		t.Fatalf("Analyze err = %v, want malformed", err)
	}
}

func TestModelRouter(t *testing.T) {
	seen := map[string]string{}
	backend := func(name string) ChatModel {
		return &fakeModel{reply: func(req client.Completion) (string, error) {
			seen[name] = req.Model
			return name, nil
		}}
	}
	r := &ModelRouter{
		Groq:   backend("groq"),
		OpenAI: backend("openai"),
		Gemini: backend("gemini"),
		Azure:  backend("azure"),
	}

	tests := []struct {
		model, provider, sent string
	}{
		{"llama3-8b-8192", "groq", "llama3-8b-8192"},
		{"gemini-2.0-flash", "gemini", "gemini-2.0-flash"},
		{"gpt-4o-mini", "openai", "gpt-4o-mini"},
		{"o3-mini", "openai", "o3-mini"},
		{"azure/tutor-deploy", "azure", "tutor-deploy"},
	}
	for _, tt := range tests {
		got, err := r.Complete(context.Background(), client.Completion{Model: tt.model})
		if err != nil {
			t.Fatalf("Complete(%q): %v", tt.model, err)
		}
		if got != tt.provider {
			t.Fatalf("Complete(%q) routed to %q, want %q", tt.model, got, tt.provider)
		}
		if seen[tt.provider] != tt.sent {
			t.Fatalf("%s saw model %q, want %q", tt.provider, seen[tt.provider], tt.sent)
		}
	}
}

func TestModelRouterMissingProvider(t *testing.T) {
	var gemini *client.GeminiClient
	r := &ModelRouter{Gemini: gemini}
	_, err := r.Complete(context.Background(), client.Completion{Model: "gemini-2.0-flash"})
	if !errors.Is(err, errors.ErrAIService) {
		t.Fatalf("err = %v, want AI service error", err)
	}
}

type fakeEngine struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
}

func (e *fakeEngine) Speech(ctx context.Context, text, voice string) (*api.Audio, error) {
	e.calls.Add(1)
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	return &api.Audio{Data: []byte(voice + ":" + text), ContentType: "audio/mpeg"}, nil
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *mapCache) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

type mapArchive struct {
	mu    sync.Mutex
	data  map[string][]byte
	types map[string]string
}

func (a *mapArchive) Get(ctx context.Context, key string) ([]byte, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.data[key]
	if !ok {
		return nil, "", client.ErrObjectNotFound
	}
	return v, a.types[key], nil
}

func (a *mapArchive) Put(ctx context.Context, key string, data []byte, contentType string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data[key] = data
	a.types[key] = contentType
	return nil
}

func newSpeech(engine SpeechEngine, cache SpeechCache, archive SpeechArchive) *SpeechService {
	return NewSpeechService(SpeechOptions{
		Engines:       map[string]SpeechEngine{"gemini": engine},
		DefaultEngine: "gemini",
		Cache:         cache,
		CacheTTL:      time.Hour,
		Archive:       archive,
		Logger:        logger.NewNop(),
	})
}

func TestSpeechTiers(t *testing.T) {
	engine := &fakeEngine{}
	cache := &mapCache{data: map[string][]byte{}}
	archive := &mapArchive{data: map[string][]byte{}, types: map[string]string{}}
	s := newSpeech(engine, cache, archive)
	ctx := context.Background()

	req := api.SynthesizeRequest{Text: " 今日は  晴れです ", VoiceName: "Kore"}
	audio, err := s.Synthesize(ctx, req)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio.Data) != "Kore:今日は 晴れです" {
		t.Fatalf("Data = %q", audio.Data)
	}
	key := SpeechKey("gemini", "Kore", "今日は 晴れです")
	if _, ok := archive.data[key]; !ok {
		t.Fatal("clip not archived")
	}

	// Served from the hot cache.
	if _, err := s.Synthesize(ctx, req); err != nil {
		t.Fatal(err)
	}
	if n := engine.calls.Load(); n != 1 {
		t.Fatalf("engine calls = %d, want 1", n)
	}

	// Cold cache falls back to the archive and refills the cache.
	delete(cache.data, key)
	audio, err = s.Synthesize(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if audio.ContentType != "audio/mpeg" || engine.calls.Load() != 1 {
		t.Fatalf("archive miss: type %q, calls %d", audio.ContentType, engine.calls.Load())
	}
	if _, ok := cache.data[key]; !ok {
		t.Fatal("cache not refilled from archive")
	}
}

func TestSpeechSharesConcurrentSynthesis(t *testing.T) {
	engine := &fakeEngine{gate: make(chan struct{})}
	s := newSpeech(engine, nil, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Synthesize(context.Background(), api.SynthesizeRequest{Text: "猫"})
			errs <- err
		}()
	}
	deadline := time.Now().Add(2 * time.Second)
	for engine.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(engine.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Synthesize: %v", err)
		}
	}
	if n := engine.calls.Load(); n != 1 {
		t.Fatalf("engine calls = %d, want 1", n)
	}
}

func TestSpeechSharedLoadSurvivesFirstCallerCancel(t *testing.T) {
	engine := &fakeEngine{gate: make(chan struct{})}
	s := newSpeech(engine, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := s.Synthesize(ctx, api.SynthesizeRequest{Text: "猫"})
		first <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for engine.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	second := make(chan error, 1)
	go func() {
		audio, err := s.Synthesize(context.Background(), api.SynthesizeRequest{Text: "猫"})
		if err == nil && len(audio.Data) == 0 {
			err = stderrors.New("empty audio")
		}
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-first:
		if !stderrors.Is(err, context.Canceled) {
			t.Fatalf("first caller err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first caller kept waiting after cancel")
	}

	close(engine.gate)
	select {
	case err := <-second:
		if err != nil {
			t.Fatalf("second caller: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never finished")
	}
	if n := engine.calls.Load(); n != 1 {
		t.Fatalf("engine calls = %d, want 1", n)
	}
}

func TestSpeechValidationAndFailure(t *testing.T) {
	engine := &fakeEngine{err: errors.AIService("tts down", nil)}
	cache := &mapCache{data: map[string][]byte{}}
	s := newSpeech(engine, cache, nil)
	ctx := context.Background()

	if _, err := s.Synthesize(ctx, api.SynthesizeRequest{Text: "  "}); !errors.Is(err, errors.ErrValidation) {
		t.Fatalf("blank text err = %v", err)
	}
	if _, err := s.Synthesize(ctx, api.SynthesizeRequest{Text: "猫", Engine: "polly"}); !errors.Is(err, errors.ErrValidation) {
		t.Fatalf("unknown engine err = %v", err)
	}
	if _, err := s.Synthesize(ctx, api.SynthesizeRequest{Text: "猫"}); !errors.Is(err, errors.ErrAIService) {
		t.Fatalf("engine failure err = %v", err)
	}
	if len(cache.data) != 0 {
		t.Fatal("failed synthesis was cached")
	}
}

func TestCachedAudioEncoding(t *testing.T) {
	in := &api.Audio{Data: []byte("RIFF\nxx"), ContentType: "audio/wav"}
	out := decodeCachedAudio(encodeCachedAudio(in))
	if out == nil || out.ContentType != "audio/wav" || string(out.Data) != "RIFF\nxx" {
		t.Fatalf("decoded = %+v", out)
	}
	if decodeCachedAudio([]byte("garbage")) != nil {
		t.Fatal("decoded garbage")
	}
}

func TestPresetService(t *testing.T) {
	repo := repository.NewMemoryPresetRepository([]api.Preset{
		{Persona: "友達", PromptTemplate: "t", Topics: []api.Topic{{Name: "天気", StartingPrompt: "p"}}},
	})
	svc := NewPresetService(repo, logger.NewNop())

	p, err := svc.Find(context.Background(), "友達")
	if err != nil || p.Persona != "友達" {
		t.Fatalf("Find = %+v, %v", p, err)
	}
	if _, err := svc.Find(context.Background(), "先生"); !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("Find missing err = %v", err)
	}

	empty := NewPresetService(repository.NewMemoryPresetRepository(nil), logger.NewNop())
	list, err := empty.List(context.Background())
	if err != nil || list == nil || len(list) != 0 {
		t.Fatalf("List = %v, %v", list, err)
	}
}
