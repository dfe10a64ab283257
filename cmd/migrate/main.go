package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sila/payments/internal/infrastructure/config"
	"github.com/sila/payments/internal/infrastructure/observability"
)

const usage = `usage: migrate [flags] <command>

commands:
  up             apply all pending migrations
  down           roll back -steps migrations (default 1)
  version        print the current schema version
  force <v>      mark the schema as version v without running anything

flags:
`

func main() {
	var (
		dbURL string
		path  string
		steps int
	)

	flag.StringVar(&dbURL, "db", "", "Database URL (defaults to DATABASE_URL, then the database config)")
	flag.StringVar(&path, "path", "internal/repository/postgres/migrations", "Path to migration files")
	flag.IntVar(&steps, "steps", 1, "Number of migrations to roll back with down")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := observability.InitLogger("info", os.Stderr).With().Str("service", "payments-migrate").Logger()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		cfg, err := config.Load()
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to load config")
		}
		dbURL = cfg.Database.DatabaseURL()
	}

	m, err := migrate.New("file://"+path, dbURL)
	if err != nil {
		logger.Fatal().Err(err).Str("path", path).Msg("Failed to create migrate instance")
	}
	defer m.Close()

	switch cmd := flag.Arg(0); cmd {
	case "up":
		err = m.Up()
	case "down":
		if steps <= 0 {
			logger.Fatal().Int("steps", steps).Msg("-steps must be positive")
		}
		err = m.Steps(-steps)
	case "version":
		version, dirty, verr := m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			fmt.Println("no migrations applied")
			return
		}
		if verr != nil {
			logger.Fatal().Err(verr).Msg("Failed to read schema version")
		}
		fmt.Printf("version %d (dirty: %t)\n", version, dirty)
		return
	case "force":
		var v int
		if _, perr := fmt.Sscan(flag.Arg(1), &v); perr != nil {
			logger.Fatal().Str("arg", flag.Arg(1)).Msg("force needs a numeric version")
		}
		err = m.Force(v)
	default:
		logger.Fatal().Str("command", cmd).Msg("Unknown command (use up, down, version or force)")
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal().Err(err).Msg("Migration failed")
	}
	version, dirty, _ := m.Version()
	logger.Info().Uint("version", version).Bool("dirty", dirty).Msg("Migrations complete")
}
