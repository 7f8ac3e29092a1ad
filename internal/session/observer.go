package session

import (
	"github.com/windfall/kaiwa/internal/transcript"
	"github.com/windfall/kaiwa/pkg/api"
)

// NoticeKind classifies a transient message for the learner.
type NoticeKind string

const (
	NoticeNoSpeech         NoticeKind = "no_speech"
	NoticeReplyFailed      NoticeKind = "reply_failed"
	NoticeEvaluationFailed NoticeKind = "evaluation_failed"
	NoticePlaybackFailed   NoticeKind = "playback_failed"
)

// Notice is a transient message. Err carries the cause when there is one.
type Notice struct {
	Kind    NoticeKind
	Message string
	TurnID  transcript.TurnID
	Err     error
}

// Observer receives session changes. Methods are called from the control
// loop in the order the changes happen and must not call back into the
// Controller synchronously.
type Observer interface {
	StateChanged(RecordingState)
	InterimText(text string)
	TurnAppended(turn transcript.Turn)
	FeedbackAttached(id transcript.TurnID, fb transcript.Feedback)
	Notice(n Notice)
}

// AnalysisObserver is implemented by observers that want the reading
// breakdown of a reply as soon as it arrives with the reply.
type AnalysisObserver interface {
	AnalysisReady(id transcript.TurnID, a *api.Analysis)
}

// NopObserver ignores everything. Embed it to implement part of Observer.
type NopObserver struct{}

func (NopObserver) StateChanged(RecordingState) {}
func (NopObserver) InterimText(string) {}
func (NopObserver) TurnAppended(transcript.Turn) {}
func (NopObserver) FeedbackAttached(transcript.TurnID, transcript.Feedback) {}
func (NopObserver) Notice(Notice) {}
