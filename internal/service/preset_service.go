package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/windfall/kaiwa/internal/errors"
	"github.com/windfall/kaiwa/internal/repository"
	"github.com/windfall/kaiwa/pkg/api"
)

// PresetService serves the persona and topic catalogue.
type PresetService struct {
	repo repository.PresetRepository
	log  zerolog.Logger
}

// NewPresetService creates a new Preset service.
func NewPresetService(repo repository.PresetRepository, log zerolog.Logger) *PresetService {
	return &PresetService{repo: repo, log: log}
}

// List returns every preset. The result is never nil.
func (s *PresetService) List(ctx context.Context) ([]api.Preset, error) {
	presets, err := s.repo.List(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list presets")
		return nil, errors.Wrap(errors.ErrDatabase, "failed to load presets", err)
	}
	if presets == nil {
		presets = []api.Preset{}
	}
	return presets, nil
}

// Find returns the named persona.
func (s *PresetService) Find(ctx context.Context, persona string) (api.Preset, error) {
	presets, err := s.List(ctx)
	if err != nil {
		return api.Preset{}, err
	}
	for _, p := range presets {
		if p.Persona == persona {
			return p, nil
		}
	}
	return api.Preset{}, errors.NotFound("persona " + persona)
}
