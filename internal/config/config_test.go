package config

import (
	"sync"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SERVER_HTTP_PORT", "9090")
	t.Setenv("MODEL_EVALUATION", "gemini-2.5-flash")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.HTTPAddress(); got != "0.0.0.0:9090" {
		t.Errorf("HTTPAddress() = %q", got)
	}
	if cfg.Models.Conversation != "llama3-8b-8192" {
		t.Errorf("Conversation model = %q, want llama3-8b-8192", cfg.Models.Conversation)
	}
	if cfg.Models.Evaluation != "gemini-2.5-flash" {
		t.Errorf("Evaluation model = %q", cfg.Models.Evaluation)
	}
	if cfg.AICallTimeout != 45*time.Second {
		t.Errorf("AICallTimeout = %v", cfg.AICallTimeout)
	}
}

func TestModelSettingsUpdate(t *testing.T) {
	s := NewModelSettings(Models{Conversation: "a", SpeechEngine: "gemini"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update(func(m *Models) { m.SpeechVoice = "Kore" })
			_ = s.Get()
		}()
	}
	wg.Wait()

	got := s.Get()
	if got.Conversation != "a" || got.SpeechVoice != "Kore" || got.SpeechEngine != "gemini" {
		t.Errorf("Get() = %+v", got)
	}
}
