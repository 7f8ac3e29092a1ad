package session

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	apperrors "github.com/windfall/kaiwa/internal/errors"
	"github.com/windfall/kaiwa/internal/recognition"
	"github.com/windfall/kaiwa/internal/transcript"
	"github.com/windfall/kaiwa/pkg/api"
)

// RecognitionAvailable reports whether recording can ever start.
func (c *Controller) RecognitionAvailable() bool {
	return c.rec != nil && !c.rec.Disabled()
}

// StartRecording begins capturing an utterance. It fails with ErrBusy while
// a recording or its processing is in progress.
func (c *Controller) StartRecording(ctx context.Context) error {
	var err error
	if derr := c.do(ctx, func() { err = c.startRecording() }); derr != nil {
		return derr
	}
	return err
}

func (c *Controller) startRecording() error {
	if !c.RecognitionAvailable() {
		return ErrRecognitionUnavailable
	}
	if c.tr == nil {
		return ErrNotStarted
	}
	if c.state != StateIdle {
		return ErrBusy
	}

	if c.speaker != nil {
		c.speaker.Stop()
	}
	id, err := c.rec.Start(c.runCtx)
	if err != nil {
		if errors.Is(err, recognition.ErrUnsupported) {
			return ErrRecognitionUnavailable
		}
		c.log.Warn().Err(err).Msg("failed to start recording")
		return err
	}
	c.recording = id
	c.setState(StateRecording)
	return nil
}

// StopRecording ends the recording. The utterance is submitted once the
// recognizer has flushed its final result.
func (c *Controller) StopRecording(ctx context.Context) error {
	return c.do(ctx, func() {
		if c.state != StateRecording || c.recording == 0 {
			return
		}
		c.awaitingFinal = true
		c.setState(StateProcessing)
		c.rec.Stop()
	})
}

// CancelRecording discards the current recording, or the submission still
// being punctuated. Nothing is appended and no further calls are made for
// it. Once the user turn is appended there is nothing left to cancel.
func (c *Controller) CancelRecording(ctx context.Context) error {
	return c.do(ctx, func() {
		switch {
		case c.recording != 0:
			c.rec.Cancel()
			c.recording = 0
			c.awaitingFinal = false
		case c.submission != 0:
			c.submission = 0
		default:
			return
		}
		c.obs.InterimText("")
		c.setState(StateIdle)
		c.checkSettled()
		c.log.Debug().Msg("recording cancelled")
	})
}

func (c *Controller) onRecognition(ev recognition.Event) {
	// Events of a cancelled or superseded recording are dropped here.
	if c.recording == 0 || ev.Recording != c.recording {
		return
	}

	switch ev.Kind {
	case recognition.EventInterim:
		c.obs.InterimText(ev.Text)
	case recognition.EventFailed:
		c.recording = 0
		c.awaitingFinal = false
		c.setState(StateIdle)
		c.obs.Notice(Notice{Kind: NoticeNoSpeech, Message: "No speech was detected.", Err: ev.Err})
		c.checkSettled()
	case recognition.EventFinal:
		c.recording = 0
		c.awaitingFinal = false
		c.submit(ev.Text)
		c.checkSettled()
	}
}

// submit runs the turn submission protocol for a final utterance.
func (c *Controller) submit(raw string) {
	text := strings.TrimSpace(raw)
	if text == "" {
		c.setState(StateIdle)
		c.obs.Notice(Notice{Kind: NoticeNoSpeech, Message: "No speech was detected."})
		return
	}

	c.setState(StateProcessing)
	c.seq++
	seq, epoch := c.seq, c.epoch
	c.submission = seq

	c.spawn(func(ctx context.Context) func() {
		corrected := c.punctuate(ctx, text)
		return func() {
			if c.epoch != epoch || c.submission != seq {
				return
			}
			c.submission = 0
			c.commit(corrected)
		}
	})
}

// punctuate returns the punctuated text, or the input when the call fails
// or returns nothing.
func (c *Controller) punctuate(ctx context.Context, text string) string {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	out, err := c.ai.Punctuate(ctx, api.TextRequest{Text: text, Model: c.settings.Get().Formatting})
	if err != nil {
		c.logFailure("punctuate", err).Msg("punctuation failed, using raw text")
		return text
	}
	if out = strings.TrimSpace(out); out == "" {
		return text
	}
	return out
}

// commit appends the user turn and launches reply and evaluation.
func (c *Controller) commit(text string) {
	turn := c.appendTurn(transcript.RoleUser, text, true)
	c.obs.InterimText("")

	messages := c.tr.Messages()
	question, hasQuestion := c.tr.PreviousAssistant(turn.ID)
	epoch := c.epoch

	c.spawn(func(ctx context.Context) func() {
		ctx, cancel := c.callCtx(ctx)
		defer cancel()

		resp, err := c.ai.Reply(ctx, api.ChatRequest{
			Messages:   messages,
			Model:      c.settings.Get().Conversation,
			WithTokens: c.opts.ReplyTokens,
		})
		return func() {
			if c.epoch != epoch {
				return
			}
			c.applyReply(resp, err)
		}
	})

	if !hasQuestion {
		return
	}
	c.spawn(func(ctx context.Context) func() {
		ctx, cancel := c.callCtx(ctx)
		defer cancel()

		ev, err := c.ai.Evaluate(ctx, api.EvaluateRequest{
			AIQuestion: question.Content,
			UserAnswer: text,
			Model:      c.settings.Get().Evaluation,
		})
		return func() {
			if c.epoch != epoch {
				return
			}
			c.applyEvaluation(turn.ID, ev, err)
		}
	})
}

func (c *Controller) applyReply(resp *api.ChatResponse, err error) {
	if c.state == StateProcessing && c.submission == 0 && !c.awaitingFinal {
		c.setState(StateIdle)
	}

	if err != nil {
		c.logFailure("reply", err).Msg("reply failed, substituting apology")
		c.appendTurn(transcript.RoleAssistant, ApologyText, !c.opts.HideReplies)
		c.obs.Notice(Notice{Kind: NoticeReplyFailed, Message: "The reply could not be generated. Please try again.", Err: err})
		return
	}

	turn := c.appendTurn(transcript.RoleAssistant, resp.Text, !c.opts.HideReplies)
	if len(resp.Tokens) > 0 {
		analysis := &api.Analysis{Tokens: resp.Tokens}
		if err := c.tr.UpdateArtifacts(turn.ID, func(a *transcript.Artifacts) {
			a.Analysis = analysis
		}); err != nil {
			c.log.Warn().Err(err).Str("turn_id", string(turn.ID)).Msg("failed to keep reply tokens")
		} else if ao, ok := c.obs.(AnalysisObserver); ok {
			ao.AnalysisReady(turn.ID, analysis)
		}
	}
	if c.opts.AutoSpeak {
		c.speak(turn.ID, turn.Content)
	}
}

func (c *Controller) applyEvaluation(id transcript.TurnID, ev *api.Evaluation, err error) {
	if err == nil {
		fb := transcript.Feedback{
			Score:               ev.Score,
			CorrectedSentence:   ev.CorrectedSentence,
			Explanation:         ev.Explanation,
			AnnotatedErrorsHTML: ev.ErrorHTML,
		}
		if err = c.tr.AttachFeedback(id, fb); err == nil {
			c.obs.FeedbackAttached(id, fb)
			return
		}
	}
	c.logFailure("evaluate", err).Str("turn_id", string(id)).Msg("evaluation failed")
	c.obs.Notice(Notice{Kind: NoticeEvaluationFailed, Message: "Your answer could not be evaluated.", TurnID: id, Err: err})
}

func (c *Controller) logFailure(op string, err error) *zerolog.Event {
	return c.log.Warn().Err(err).Str("op", op).Str("kind", string(apperrors.CodeOf(err)))
}
