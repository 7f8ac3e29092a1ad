package ws

import (
	"encoding/json"

	"github.com/windfall/kaiwa/internal/session"
	"github.com/windfall/kaiwa/internal/transcript"
	"github.com/windfall/kaiwa/pkg/api"
)

// Message types sent by the browser.
const (
	TypePing              = "ping"
	TypeBegin             = "begin"
	TypeStartRecording    = "start_recording"
	TypeStopRecording     = "stop_recording"
	TypeCancelRecording   = "cancel_recording"
	TypeSpeech            = "speech"
	TypeSpeechEnd         = "speech_end"
	TypeAudioEnded        = "audio_ended"
	TypeAnalyze           = "analyze"
	TypeToggleTranslation = "toggle_translation"
	TypeExplainWord       = "explain_word"
	TypeSpeak             = "speak"
	TypeSpeakCorrection   = "speak_correction"
	TypeReveal            = "reveal"
	TypeSettings          = "settings"
)

// Message types sent by the server.
const (
	TypePong             = "pong"
	TypeError            = "error"
	TypeResult           = "result"
	TypeState            = "state"
	TypeInterim          = "interim"
	TypeTurn             = "turn"
	TypeFeedback         = "feedback"
	TypeNotice           = "notice"
	TypeControl          = "control"
	TypeAudio            = "audio"
	TypeAudioStop        = "audio_stop"
	TypeRecognitionStart = "recognition_start"
	TypeRecognitionStop  = "recognition_stop"
	TypeAnalysis         = "analysis"
)

// Envelope is every frame in both directions. RequestID, when a browser
// request carries one, is echoed on the matching result or error.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Response is a server frame before encoding.
type Response struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

type beginPayload struct {
	Persona string `json:"persona"`
	Topic   string `json:"topic"`
}

// recognitionView tells the browser which recording to start or stop.
// Speech frames echo the recording so late results from a cancelled one
// are dropped.
type recognitionView struct {
	Recording uint64 `json:"recording"`
}

type speechPayload struct {
	Recording uint64 `json:"recording"`
	Index     int    `json:"index"`
	Text      string `json:"text"`
	Final     bool   `json:"final"`
}

type speechEndPayload struct {
	Recording uint64 `json:"recording"`
	Error     string `json:"error,omitempty"`
}

type audioEndedPayload struct {
	ClipID string `json:"clip_id"`
}

type turnRequest struct {
	TurnID   string `json:"turn_id"`
	Word     string `json:"word,omitempty"`
	Revealed bool   `json:"revealed,omitempty"`
}

type settingsPayload struct {
	Conversation string `json:"conversation,omitempty"`
	Evaluation   string `json:"evaluation,omitempty"`
	Explanation  string `json:"explanation,omitempty"`
	Formatting   string `json:"formatting,omitempty"`
	Analysis     string `json:"analysis,omitempty"`
	Translation  string `json:"translation,omitempty"`
	SpeechEngine string `json:"speech_engine,omitempty"`
	SpeechVoice  string `json:"speech_voice,omitempty"`
}

// TurnView is a transcript turn as the browser sees it.
type TurnView struct {
	ID       string        `json:"id,omitempty"`
	Role     string        `json:"role"`
	Content  string        `json:"content"`
	Revealed bool          `json:"revealed"`
	Feedback *FeedbackView `json:"feedback,omitempty"`
}

// FeedbackView is an evaluation as the browser sees it.
type FeedbackView struct {
	TurnID            string `json:"turn_id"`
	Score             int    `json:"score"`
	ScoreLabel        string `json:"score_label"`
	CorrectedSentence string `json:"corrected_sentence"`
	Explanation       string `json:"explanation"`
	ErrorHTML         string `json:"error_html"`
}

type noticeView struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	TurnID  string `json:"turn_id,omitempty"`
}

type controlView struct {
	Control string `json:"control"`
	State   string `json:"state"`
}

type audioView struct {
	ClipID      string `json:"clip_id"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

type analysisView struct {
	TurnID   string     `json:"turn_id"`
	Tokens   []api.Word `json:"tokens"`
	RubyHTML string     `json:"ruby_html"`
}

type translationView struct {
	TurnID  string `json:"turn_id"`
	Text    string `json:"text"`
	Visible bool   `json:"visible"`
}

type wordCardView struct {
	TurnID string        `json:"turn_id"`
	Card   *api.WordCard `json:"card"`
}

func viewTurn(t transcript.Turn) TurnView {
	v := TurnView{
		ID:       string(t.ID),
		Role:     string(t.Role),
		Content:  t.Content,
		Revealed: t.Revealed,
	}
	if t.Feedback != nil {
		fb := viewFeedback(t.ID, *t.Feedback)
		v.Feedback = &fb
	}
	return v
}

func viewFeedback(id transcript.TurnID, fb transcript.Feedback) FeedbackView {
	return FeedbackView{
		TurnID:            string(id),
		Score:             fb.Score,
		ScoreLabel:        fb.ScoreLabel(),
		CorrectedSentence: fb.CorrectedSentence,
		Explanation:       fb.Explanation,
		ErrorHTML:         fb.AnnotatedErrorsHTML,
	}
}

func viewNotice(n session.Notice) noticeView {
	return noticeView{Kind: string(n.Kind), Message: n.Message, TurnID: string(n.TurnID)}
}
