package repository

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/windfall/kaiwa/pkg/api"
)

type presetFile struct {
	Presets []api.Preset `yaml:"presets"`
}

// DecodePresets reads a YAML preset document and checks that every persona
// has a template and every topic a name and starting prompt.
func DecodePresets(r io.Reader) ([]api.Preset, error) {
	var f presetFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode presets: %w", err)
	}
	if err := validatePresets(f.Presets); err != nil {
		return nil, err
	}
	return f.Presets, nil
}

func validatePresets(presets []api.Preset) error {
	seen := make(map[string]bool, len(presets))
	for i, p := range presets {
		if strings.TrimSpace(p.Persona) == "" {
			return fmt.Errorf("%w: preset %d has no persona", ErrInvalid, i)
		}
		if seen[p.Persona] {
			return fmt.Errorf("%w: duplicate persona %q", ErrInvalid, p.Persona)
		}
		seen[p.Persona] = true
		if strings.TrimSpace(p.PromptTemplate) == "" {
			return fmt.Errorf("%w: persona %q has no prompt_template", ErrInvalid, p.Persona)
		}
		for _, t := range p.Topics {
			if t.Name == "" || t.StartingPrompt == "" {
				return fmt.Errorf("%w: persona %q has an incomplete topic", ErrInvalid, p.Persona)
			}
		}
	}
	return nil
}

// LoadPresetFile reads presets from a YAML file.
func LoadPresetFile(path string) ([]api.Preset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodePresets(f)
}

// YAMLPresetRepository serves presets from a YAML file loaded at startup.
type YAMLPresetRepository struct {
	*MemoryPresetRepository
	path string
}

// NewYAMLPresetRepository loads path.
func NewYAMLPresetRepository(path string) (*YAMLPresetRepository, error) {
	presets, err := LoadPresetFile(path)
	if err != nil {
		return nil, err
	}
	return &YAMLPresetRepository{
		MemoryPresetRepository: NewMemoryPresetRepository(presets),
		path:                   path,
	}, nil
}

// Reload re-reads the file. On error the previous presets are kept.
func (r *YAMLPresetRepository) Reload() error {
	presets, err := LoadPresetFile(r.path)
	if err != nil {
		return err
	}
	r.Replace(presets)
	return nil
}

// ReloadOn reloads the file each time trigger fires, typically on SIGHUP,
// until ctx ends.
func (r *YAMLPresetRepository) ReloadOn(ctx context.Context, trigger <-chan os.Signal, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
			if err := r.Reload(); err != nil {
				log.Error().Err(err).Str("file", r.path).Msg("Failed to reload presets, keeping previous")
				continue
			}
			log.Info().Str("file", r.path).Msg("Presets reloaded")
		}
	}
}
