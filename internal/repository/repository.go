package repository

import (
	"context"
	"embed"
	"sync"

	"github.com/windfall/kaiwa/pkg/api"
)

// Migrations holds the SQL schema applied by cmd/migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// PresetRepository lists the conversation presets offered to learners.
type PresetRepository interface {
	List(ctx context.Context) ([]api.Preset, error)
}

// MemoryPresetRepository serves a fixed preset list.
type MemoryPresetRepository struct {
	mu      sync.RWMutex
	presets []api.Preset
}

// NewMemoryPresetRepository creates a repository holding presets.
func NewMemoryPresetRepository(presets []api.Preset) *MemoryPresetRepository {
	r := &MemoryPresetRepository{}
	r.Replace(presets)
	return r
}

// List returns a copy of the presets.
func (r *MemoryPresetRepository) List(ctx context.Context) ([]api.Preset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return clonePresets(r.presets), nil
}

// Replace swaps the stored presets.
func (r *MemoryPresetRepository) Replace(presets []api.Preset) {
	r.mu.Lock()
	r.presets = clonePresets(presets)
	r.mu.Unlock()
}

func clonePresets(in []api.Preset) []api.Preset {
	out := make([]api.Preset, len(in))
	for i, p := range in {
		out[i] = p
		out[i].Topics = append([]api.Topic(nil), p.Topics...)
	}
	return out
}

// Common repository errors
var (
	ErrNotFound = &RepositoryError{Code: "NOT_FOUND", Message: "entity not found"}
	ErrInvalid  = &RepositoryError{Code: "INVALID", Message: "invalid preset data"}
)

// RepositoryError represents a repository error.
type RepositoryError struct {
	Code    string
	Message string
}

func (e *RepositoryError) Error() string {
	return e.Code + ": " + e.Message
}
