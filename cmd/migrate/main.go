package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/database"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/repository/sqlite"
)

func main() {
	var (
		migrationDir string
		demo         bool
	)
	flag.StringVar(&migrationDir, "path", "migrations", "Path to migration files (postgres only)")
	flag.BoolVar(&demo, "demo", false, "After 'up', add a small demo test to the catalog")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		return
	}

	m, err := newMigrator(cfg, migrationDir)
	if err != nil {
		log.Fatalf("Migration failed to initialize: %v", err)
	}
	defer m.Close()

	command := args[0]
	switch command {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("Up failed: %v", err)
		}
		fmt.Println("Migrated up successfully")
		if demo {
			seedDemo(cfg)
		}
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("Down failed: %v", err)
		}
		fmt.Println("Migrated down successfully")
	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			log.Fatalf("Version failed: %v", err)
		}
		fmt.Printf("Version: %d, Dirty: %t\n", version, dirty)
	case "force":
		if len(args) < 2 {
			log.Fatal("force requires version argument")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatalf("Invalid version: %v", err)
		}
		if err := m.Force(v); err != nil {
			log.Fatalf("Force failed: %v", err)
		}
		fmt.Printf("Forced version to %d\n", v)
	default:
		printUsage()
	}
}

// newMigrator reads migration files from dir for postgres. The sqlite store
// carries its schema embedded.
func newMigrator(cfg *config.Config, dir string) (*migrate.Migrate, error) {
	if cfg.StorageDriver == config.StorageSQLite {
		return sqlite.OpenMigrator(cfg.SQLitePath)
	}
	return migrate.New(fmt.Sprintf("file://%s", dir), cfg.DatabaseURL)
}

// seedDemo writes a fixed demo test so a fresh install can be started
// without an external catalog.
func seedDemo(cfg *config.Config) {
	ctx := context.Background()
	store, err := database.OpenStorage(ctx, cfg, zerolog.Nop())
	if err != nil {
		log.Fatalf("Open storage failed: %v", err)
	}
	defer store.Close()

	test := model.Test{
		ID:              uuid.NewSHA1(uuid.NameSpaceURL, []byte("exstem-live/demo")),
		Title:           "Demo: Matematika Dasar",
		DurationSeconds: 15 * 60,
	}
	items := []struct {
		text    string
		options []string
		correct int
	}{
		{"2 + 3 = ?", []string{"4", "5", "6", "7"}, 1},
		{"7 x 8 = ?", []string{"54", "56", "58", "64"}, 1},
		{"Akar kuadrat dari 81 adalah?", []string{"7", "8", "9", "10"}, 2},
		{"15% dari 200 adalah?", []string{"15", "20", "30", "35"}, 2},
		{"Bilangan prima terkecil adalah?", []string{"0", "1", "2", "3"}, 2},
	}

	questions := make([]model.Question, 0, len(items))
	for i, it := range items {
		opts := make([]model.Option, len(it.options))
		for j, text := range it.options {
			opts[j] = model.Option{Text: text, IsCorrect: j == it.correct}
		}
		questions = append(questions, model.Question{
			ID:       uuid.NewSHA1(test.ID, []byte(strconv.Itoa(i))),
			TestID:   test.ID,
			OrderNum: i + 1,
			Text:     it.text,
			Options:  opts,
		})
	}

	if err := store.CatalogIn.SaveTest(ctx, test, questions); err != nil {
		log.Fatalf("Seed demo failed: %v", err)
	}
	fmt.Printf("Demo test %s (%s) saved with %d questions\n", test.ID, test.Title, len(questions))
}

func printUsage() {
	fmt.Println("Usage: migrate [flags] <command>")
	fmt.Println("Commands: up, down, version, force <version>")
	fmt.Println("Flags:")
	flag.PrintDefaults()
}
