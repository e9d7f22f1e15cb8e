package main

import (
	"context"
	"fmt"
	"os"

	"MarginRisk/internal/observability"
	"MarginRisk/internal/persistence"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list applied migrations")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  MARGIN_STORE_DRIVER - postgres or sqlite (default: postgres)")
		fmt.Println("  MARGIN_STORE_DSN    - connection string")
		os.Exit(1)
	}
	log := observability.NewLogger("migrate")

	driver := os.Getenv("MARGIN_STORE_DRIVER")
	if driver == "" {
		driver = "postgres"
	}
	dialect, err := persistence.ParseDialect(driver)
	if err != nil {
		log.Fatal().Err(err).Msg("bad driver")
	}
	dsn := os.Getenv("MARGIN_STORE_DSN")
	if dsn == "" {
		dsn = "postgres://localhost:5432/marginrisk?sslmode=disable"
	}

	ctx := context.Background()
	db, err := persistence.Open(ctx, dialect, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, dialect)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate up")
		}
		log.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate down")
		}
		log.Info().Msg("last migration rolled back")

	case "status":
		applied, err := migrator.Applied(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("migrate status")
		}
		for _, v := range applied {
			fmt.Println(v)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
