package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/windfall/kaiwa/internal/client"
	"github.com/windfall/kaiwa/internal/repository"
)

func main() {
	var (
		direction string
		steps     int
		dbURL     string
		seed      string
	)

	flag.StringVar(&direction, "direction", "up", "Migration direction: up, down, force, or none")
	flag.IntVar(&steps, "steps", 0, "Number of migrations to run (0 = all)")
	flag.StringVar(&dbURL, "db", "", "Database URL (or set DATABASE_URL env var)")
	flag.StringVar(&seed, "seed", "", "Presets YAML file to load after migrating")
	flag.Parse()

	// Get database URL from flag or environment
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		log.Fatal("Database URL is required. Set -db flag or DATABASE_URL env var")
	}

	if direction != "none" {
		migrateSchema(direction, steps, dbURL)
	}
	if seed != "" {
		seedPresets(seed, dbURL)
	}
}

func migrateSchema(direction string, steps int, dbURL string) {
	src, err := iofs.New(repository.Migrations, "migrations")
	if err != nil {
		log.Fatalf("Failed to open embedded migrations: %v", err)
	}

	// Create migrate instance
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dbURL))
	if err != nil {
		log.Fatalf("Failed to create migrate instance: %v", err)
	}
	defer m.Close()

	// Run migration based on direction
	switch direction {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	case "force":
		// Force a specific version (useful for fixing dirty state)
		if steps == 0 {
			log.Fatal("Force requires -steps to specify version")
		}
		err = m.Force(steps)
	default:
		log.Fatalf("Unknown direction: %s (use up, down, force, or none)", direction)
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("Migration failed: %v", err)
	}

	version, dirty, _ := m.Version()
	if errors.Is(err, migrate.ErrNoChange) {
		fmt.Printf("No migrations to apply. Current version: %d\n", version)
	} else {
		fmt.Printf("Migration successful! Version: %d, Dirty: %v\n", version, dirty)
	}
}

func seedPresets(path, dbURL string) {
	presets, err := repository.LoadPresetFile(path)
	if err != nil {
		log.Fatalf("Failed to load presets: %v", err)
	}

	ctx := context.Background()
	db, err := client.NewPostgresClient(ctx, dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := repository.NewPostgresPresetRepository(db).Seed(ctx, presets); err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
	fmt.Printf("Seeded %d presets from %s\n", len(presets), path)
}

// migrateURL points a postgres URL at the pgx/v5 migrate driver.
func migrateURL(dbURL string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dbURL, scheme) {
			return "pgx5://" + strings.TrimPrefix(dbURL, scheme)
		}
	}
	return dbURL
}
