package session

import (
	"context"
	"fmt"

	"github.com/windfall/kaiwa/internal/playback"
	"github.com/windfall/kaiwa/internal/transcript"
	"github.com/windfall/kaiwa/pkg/api"
)

// TranslationView is what a translation toggle should show.
type TranslationView struct {
	Text    string
	Visible bool
}

// assistantTurn looks up an assistant turn on the loop.
func (c *Controller) assistantTurn(ctx context.Context, id transcript.TurnID) (transcript.Turn, transcript.Artifacts, uint64, error) {
	var (
		turn  transcript.Turn
		arts  transcript.Artifacts
		epoch uint64
		err   error
	)
	if derr := c.do(ctx, func() {
		if c.tr == nil {
			err = ErrNotStarted
			return
		}
		t, ok := c.tr.Get(id)
		switch {
		case !ok:
			err = transcript.ErrUnknownTurn
		case t.Role != transcript.RoleAssistant:
			err = ErrNotAssistantTurn
		default:
			turn, arts, epoch = t, c.tr.Artifacts(id), c.epoch
		}
	}); derr != nil {
		return turn, arts, 0, derr
	}
	return turn, arts, epoch, err
}

// storeArtifacts patches a turn's artifacts unless the session has moved on.
func (c *Controller) storeArtifacts(ctx context.Context, id transcript.TurnID, epoch uint64, fn func(*transcript.Artifacts)) (transcript.Artifacts, error) {
	var arts transcript.Artifacts
	err := c.do(ctx, func() {
		if c.epoch != epoch {
			return
		}
		if c.tr.UpdateArtifacts(id, fn) == nil {
			arts = c.tr.Artifacts(id)
		}
	})
	return arts, err
}

// Analyze returns the reading breakdown of an assistant turn. The first
// successful result is kept for the rest of the session.
func (c *Controller) Analyze(ctx context.Context, id transcript.TurnID) (*api.Analysis, error) {
	turn, arts, epoch, err := c.assistantTurn(ctx, id)
	if err != nil {
		return nil, err
	}
	if arts.Analysis != nil {
		return arts.Analysis, nil
	}

	v, err, _ := c.lookups.Do(fmt.Sprintf("analyze:%d:%s", epoch, id), func() (interface{}, error) {
		callCtx, cancel := c.callCtx(ctx)
		defer cancel()
		return c.ai.Analyze(callCtx, api.TextRequest{Text: turn.Content, Model: c.settings.Get().Analysis})
	})
	if err != nil {
		c.logFailure("analyze", err).Str("turn_id", string(id)).Msg("analysis failed")
		return nil, err
	}
	analysis := v.(*api.Analysis)

	if _, err := c.storeArtifacts(ctx, id, epoch, func(a *transcript.Artifacts) {
		if a.Analysis == nil {
			a.Analysis = analysis
		}
	}); err != nil {
		return nil, err
	}
	return analysis, nil
}

// ToggleTranslation shows the translation of an assistant turn, fetching it
// on first use, or hides it if it is showing. A fetched translation is kept
// for the rest of the session; later calls only flip its visibility.
func (c *Controller) ToggleTranslation(ctx context.Context, id transcript.TurnID) (TranslationView, error) {
	turn, arts, epoch, err := c.assistantTurn(ctx, id)
	if err != nil {
		return TranslationView{}, err
	}
	if arts.HasTranslation {
		arts, err = c.storeArtifacts(ctx, id, epoch, func(a *transcript.Artifacts) {
			a.TranslationVisible = !a.TranslationVisible
		})
		return TranslationView{Text: arts.Translation, Visible: arts.TranslationVisible}, err
	}

	v, err, _ := c.lookups.Do(fmt.Sprintf("translate:%d:%s", epoch, id), func() (interface{}, error) {
		callCtx, cancel := c.callCtx(ctx)
		defer cancel()
		return c.ai.Translate(callCtx, api.TextRequest{Text: turn.Content, Model: c.settings.Get().Translation})
	})
	if err != nil {
		c.logFailure("translate", err).Str("turn_id", string(id)).Msg("translation failed")
		return TranslationView{}, err
	}
	text := v.(string)

	arts, err = c.storeArtifacts(ctx, id, epoch, func(a *transcript.Artifacts) {
		if !a.HasTranslation {
			a.Translation = text
			a.HasTranslation = true
			a.TranslationVisible = true
		}
	})
	if err != nil {
		return TranslationView{}, err
	}
	if !arts.HasTranslation {
		return TranslationView{Text: text, Visible: true}, nil
	}
	return TranslationView{Text: arts.Translation, Visible: arts.TranslationVisible}, nil
}

// ExplainWord looks up a word in the context of a turn. Results are not
// kept; asking again fetches again.
func (c *Controller) ExplainWord(ctx context.Context, id transcript.TurnID, word string) (*api.WordCard, error) {
	var (
		sentence string
		err      error
	)
	if derr := c.do(ctx, func() {
		if c.tr == nil {
			err = ErrNotStarted
			return
		}
		t, ok := c.tr.Get(id)
		if !ok {
			err = transcript.ErrUnknownTurn
			return
		}
		sentence = t.Content
	}); derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, err
	}

	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	card, err := c.ai.ExplainWord(callCtx, api.ExplainWordRequest{
		Word:     word,
		Sentence: sentence,
		Model:    c.settings.Get().Explanation,
	})
	if err != nil {
		c.logFailure("explain_word", err).Str("turn_id", string(id)).Str("word", word).Msg("word lookup failed")
		return nil, err
	}
	return card, nil
}

// Speak plays a turn, or stops it if that turn is already playing.
func (c *Controller) Speak(ctx context.Context, id transcript.TurnID) error {
	var err error
	if derr := c.do(ctx, func() {
		if c.tr == nil {
			err = ErrNotStarted
			return
		}
		t, ok := c.tr.Get(id)
		if !ok {
			err = transcript.ErrUnknownTurn
			return
		}
		c.speak(t.ID, t.Content)
	}); derr != nil {
		return derr
	}
	return err
}

// SpeakCorrection plays the corrected sentence of an evaluated user turn.
func (c *Controller) SpeakCorrection(ctx context.Context, id transcript.TurnID) error {
	var err error
	if derr := c.do(ctx, func() {
		if c.tr == nil {
			err = ErrNotStarted
			return
		}
		t, ok := c.tr.Get(id)
		if !ok || t.Feedback == nil || t.Feedback.CorrectedSentence == "" {
			err = transcript.ErrUnknownTurn
			return
		}
		c.speak(t.ID+"/correction", t.Feedback.CorrectedSentence)
	}); derr != nil {
		return derr
	}
	return err
}

// speak hands text to the speaker off the loop. Synthesis may take a while
// and the loop keeps running meanwhile.
func (c *Controller) speak(control transcript.TurnID, text string) {
	if c.speaker == nil {
		return
	}
	models := c.settings.Get()
	req := playback.Request{
		Text:    text,
		Engine:  models.SpeechEngine,
		Voice:   models.SpeechVoice,
		Control: playback.ControlID(control),
	}
	c.spawn(func(ctx context.Context) func() {
		ctx, cancel := c.callCtx(ctx)
		defer cancel()

		err := c.speaker.Play(ctx, req)
		if err == nil {
			return nil
		}
		return func() {
			c.logFailure("synthesize", err).Str("turn_id", string(control)).Msg("playback failed")
			c.obs.Notice(Notice{Kind: NoticePlaybackFailed, Message: "Audio could not be played.", TurnID: control, Err: err})
		}
	})
}
