// Package api defines the JSON contract between kaiwa front ends and the
// kaiwa backend. Both the HTTP handlers and the AI service client encode and
// decode these types, so a field renamed here is renamed on both ends.
package api

import (
	"html"
	"strings"
)

// Paths served by the backend.
const (
	PathChat        = "/chat"
	PathEvaluate    = "/evaluate"
	PathPunctuate   = "/punctuate"
	PathExplainWord = "/explain-word"
	PathTranslate   = "/translate"
	PathAnalyze     = "/analyze"
	PathSynthesize  = "/synthesize-speech"
	PathPresets     = "/get-presets"
)

// Message is one role/content pair sent to the conversation model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest asks for the next assistant reply.
type ChatRequest struct {
	Messages []Message `json:"messages"`
	Model    string    `json:"model"`

	// WithTokens asks the backend to attach the reply's reading breakdown.
	WithTokens bool `json:"with_tokens,omitempty"`
}

// ChatResponse carries the reply text.
type ChatResponse struct {
	Text   string `json:"text"`
	Tokens []Word `json:"tokens,omitempty"`
}

// EvaluateRequest grades the learner's answer to the previous AI turn.
type EvaluateRequest struct {
	AIQuestion string `json:"ai_question"`
	UserAnswer string `json:"user_answer"`
	Model      string `json:"model"`
}

// Evaluation is the grading result. Score is on a 1..10 scale.
type Evaluation struct {
	Score             int    `json:"score"`
	CorrectedSentence string `json:"corrected_sentence"`
	Explanation       string `json:"explanation"`
	ErrorHTML         string `json:"error_html"`
}

// TextRequest is the body shared by punctuate, translate and analyze.
type TextRequest struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

// PunctuateResponse is returned by /punctuate.
type PunctuateResponse struct {
	PunctuatedText string `json:"punctuated_text"`
}

// TranslateResponse is returned by /translate.
type TranslateResponse struct {
	TranslatedText string `json:"translated_text"`
}

// ExplainWordRequest asks for a dictionary card for one word in context.
type ExplainWordRequest struct {
	Word     string `json:"word"`
	Sentence string `json:"sentence"`
	Model    string `json:"model"`
}

// WordCard is the dictionary-style explanation of a word.
type WordCard struct {
	DictionaryForm        string    `json:"dictionary_form"`
	Hiragana              string    `json:"hiragana"`
	PitchAccent           string    `json:"pitch_accent"`
	POSDetails            []string  `json:"pos_details"`
	ContextualExplanation string    `json:"contextual_explanation"`
	Meanings              []Meaning `json:"meanings"`
}

// Meaning is one sense of a word with usage examples.
type Meaning struct {
	Definition string    `json:"definition"`
	Examples   []Example `json:"examples"`
}

// Example carries either a plain sentence or a token breakdown of it.
type Example struct {
	Sentence    string `json:"sentence,omitempty"`
	Tokens      []Word `json:"tokens,omitempty"`
	Reading     string `json:"reading"`
	Translation string `json:"translation"`
}

// Text returns the example sentence, rebuilding it from tokens if needed.
func (e Example) Text() string {
	if e.Sentence != "" {
		return e.Sentence
	}
	var b strings.Builder
	for _, w := range e.Tokens {
		b.WriteString(w.Surface())
	}
	return b.String()
}

// Analysis is the per-word reading breakdown of a text.
type Analysis struct {
	Tokens []Word `json:"tokens"`
}

// Word is one word with its part of speech.
type Word struct {
	POS        string     `json:"pos"`
	WordTokens []SubToken `json:"word_tokens"`
}

// SubToken is a kanji or kana run inside a word.
type SubToken struct {
	Surface string `json:"surface"`
	Reading string `json:"reading"`
	IsKanji bool   `json:"is_kanji"`
}

// Surface returns the written form of the word.
func (w Word) Surface() string {
	var b strings.Builder
	for _, st := range w.WordTokens {
		b.WriteString(st.Surface)
	}
	return b.String()
}

// RubyHTML renders the analysis as HTML with furigana over kanji runs.
// Kana runs, and kanji runs whose reading equals the surface, are emitted
// as plain escaped text.
func (a Analysis) RubyHTML() string {
	return RubyHTML(a.Tokens)
}

// RubyHTML renders words as furigana markup.
func RubyHTML(words []Word) string {
	var b strings.Builder
	for _, w := range words {
		for _, st := range w.WordTokens {
			surface := html.EscapeString(st.Surface)
			if !st.IsKanji || st.Reading == "" || st.Reading == st.Surface {
				b.WriteString(surface)
				continue
			}
			b.WriteString("<ruby>")
			b.WriteString(surface)
			b.WriteString("<rt>")
			b.WriteString(html.EscapeString(st.Reading))
			b.WriteString("</rt></ruby>")
		}
	}
	return b.String()
}

// SynthesizeRequest asks for spoken audio of a text.
type SynthesizeRequest struct {
	Text      string `json:"text"`
	Engine    string `json:"engine"`
	VoiceName string `json:"voice_name"`
}

// Audio is a synthesized clip.
type Audio struct {
	Data        []byte
	ContentType string
}

// Preset is a conversation persona with its topics.
type Preset struct {
	Persona        string  `json:"persona" yaml:"persona"`
	PromptTemplate string  `json:"prompt_template" yaml:"prompt_template"`
	Topics         []Topic `json:"topics" yaml:"topics"`
}

// Topic is a conversation starter under a persona.
type Topic struct {
	Name           string `json:"name" yaml:"name"`
	StartingPrompt string `json:"starting_prompt" yaml:"starting_prompt"`
}

// Topic returns the named topic of the preset.
func (p Preset) Topic(name string) (Topic, bool) {
	for _, t := range p.Topics {
		if t.Name == name {
			return t, true
		}
	}
	return Topic{}, false
}

// SystemPrompt fills the persona's template with the topic name.
func (p Preset) SystemPrompt(topic string) string {
	return strings.ReplaceAll(p.PromptTemplate, "{topic}", topic)
}

// ErrorResponse is the failure body any endpoint may return.
type ErrorResponse struct {
	Error string `json:"error"`
}
