package config

import "sync/atomic"

// Models names the model used for each kind of AI task plus the speech
// engine and voice. Values are opaque strings passed through to the backend.
type Models struct {
	Conversation string `envconfig:"MODEL_CONVERSATION" default:"llama3-8b-8192"`
	Evaluation   string `envconfig:"MODEL_EVALUATION" default:"llama3-8b-8192"`
	Explanation  string `envconfig:"MODEL_EXPLANATION" default:"llama3-8b-8192"`
	Formatting   string `envconfig:"MODEL_FORMATTING" default:"llama3-8b-8192"`
	Analysis     string `envconfig:"MODEL_ANALYSIS" default:"llama3-8b-8192"`
	Translation  string `envconfig:"MODEL_TRANSLATION" default:"llama3-8b-8192"`

	SpeechEngine string `envconfig:"SPEECH_ENGINE" default:"gemini"`
	SpeechVoice  string `envconfig:"SPEECH_VOICE" default:"Kore"`
}

// ModelSettings holds the current Models and may be changed while a
// session is running. Readers always see a complete snapshot.
type ModelSettings struct {
	v atomic.Pointer[Models]
}

// NewModelSettings returns settings initialised to m.
func NewModelSettings(m Models) *ModelSettings {
	s := &ModelSettings{}
	s.Set(m)
	return s
}

// Get returns the current snapshot.
func (s *ModelSettings) Get() Models {
	if m := s.v.Load(); m != nil {
		return *m
	}
	return Models{}
}

// Set replaces the snapshot.
func (s *ModelSettings) Set(m Models) {
	s.v.Store(&m)
}

// Update applies fn to a copy of the current snapshot and stores the result.
func (s *ModelSettings) Update(fn func(*Models)) {
	for {
		old := s.v.Load()
		next := Models{}
		if old != nil {
			next = *old
		}
		fn(&next)
		if s.v.CompareAndSwap(old, &next) {
			return
		}
	}
}
