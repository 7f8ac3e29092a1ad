package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/windfall/kaiwa/internal/client"
	"github.com/windfall/kaiwa/pkg/api"
)

// PostgresPresetRepository reads presets from the personas and topics tables.
type PostgresPresetRepository struct {
	db *client.PostgresClient
}

func NewPostgresPresetRepository(db *client.PostgresClient) *PostgresPresetRepository {
	return &PostgresPresetRepository{db: db}
}

func (r *PostgresPresetRepository) List(ctx context.Context) ([]api.Preset, error) {
	if r.db == nil || r.db.Pool == nil {
		return nil, fmt.Errorf("database not configured")
	}

	query := `
		SELECT p.persona, p.prompt_template, t.name, t.starting_prompt
		FROM personas p
		LEFT JOIN topics t ON t.persona_id = p.id
		ORDER BY p.position, p.id, t.position, t.id
	`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list presets: %w", err)
	}
	defer rows.Close()

	var presets []api.Preset
	for rows.Next() {
		var (
			persona, template string
			name, prompt      *string
		)
		if err := rows.Scan(&persona, &template, &name, &prompt); err != nil {
			return nil, fmt.Errorf("failed to scan preset: %w", err)
		}
		if n := len(presets); n == 0 || presets[n-1].Persona != persona {
			presets = append(presets, api.Preset{Persona: persona, PromptTemplate: template, Topics: []api.Topic{}})
		}
		if name != nil && prompt != nil {
			last := &presets[len(presets)-1]
			last.Topics = append(last.Topics, api.Topic{Name: *name, StartingPrompt: *prompt})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list presets: %w", err)
	}

	return presets, nil
}

// Seed replaces the stored presets in one transaction, keeping the given
// order.
func (r *PostgresPresetRepository) Seed(ctx context.Context, presets []api.Preset) error {
	if r.db == nil || r.db.Pool == nil {
		return fmt.Errorf("database not configured")
	}
	if err := validatePresets(presets); err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM personas`); err != nil {
			return fmt.Errorf("failed to clear presets: %w", err)
		}
		for i, p := range presets {
			var id int64
			err := tx.QueryRow(ctx, `
				INSERT INTO personas (persona, prompt_template, position)
				VALUES ($1, $2, $3)
				RETURNING id
			`, p.Persona, p.PromptTemplate, i).Scan(&id)
			if err != nil {
				return fmt.Errorf("failed to insert persona %q: %w", p.Persona, err)
			}

			if len(p.Topics) == 0 {
				continue
			}
			batch := &pgx.Batch{}
			for j, t := range p.Topics {
				batch.Queue(`
					INSERT INTO topics (persona_id, name, starting_prompt, position)
					VALUES ($1, $2, $3, $4)
				`, id, t.Name, t.StartingPrompt, j)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("failed to insert topics of %q: %w", p.Persona, err)
			}
		}
		return nil
	})
}
