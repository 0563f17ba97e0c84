// Package main - Database Migration CLI for bothost
//
// Usage:
//
//	migrate up         # Apply all pending migrations
//	migrate down       # Rollback last migration
//	migrate version    # Show current migration version
//	migrate force N    # Force version to N (fix dirty state)
package main

import (
	"fmt"
	"os"
	"strconv"

	"bothost/internal/database"
	"bothost/internal/db"
	"bothost/internal/logging"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" || db.IsSQLiteURL(databaseURL) {
		log.Fatal("DATABASE_URL must point at PostgreSQL; SQLite databases are migrated by the server on start")
	}

	command := os.Args[1]
	if command == "help" {
		printUsage()
		return
	}

	runner, err := database.NewMigrationRunner(databaseURL, log)
	if err != nil {
		log.Fatal("failed to create migration runner", zap.Error(err))
	}
	defer runner.Close()

	switch command {
	case "up":
		err = runner.Up()
	case "down":
		err = runner.Down()
	case "version":
		err = showVersion(runner)
	case "force":
		if len(os.Args) < 3 {
			log.Fatal("usage: migrate force <version>")
		}
		version, convErr := strconv.Atoi(os.Args[2])
		if convErr != nil {
			log.Fatal("invalid version number", zap.String("version", os.Args[2]))
		}
		err = runner.Force(version)
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		log.Fatal("migrate "+command+" failed", zap.Error(err))
	}
}

func showVersion(runner *database.MigrationRunner) error {
	status, err := runner.Version()
	if err != nil {
		return err
	}

	fmt.Println("Current Migration Status:")
	fmt.Printf("  Version: %d\n", status.Version)
	fmt.Printf("  Dirty:   %v\n", status.Dirty)
	fmt.Printf("  Applied: %v\n", status.Applied)

	if status.Dirty {
		fmt.Println("\nWARNING: Database is in dirty state!")
		fmt.Println("This usually means a migration failed halfway.")
		fmt.Printf("Use 'migrate force %d' to fix, then retry.\n", status.Version-1)
	}
	return nil
}

func printUsage() {
	fmt.Print(`
bothost database migration tool

Usage:
  migrate <command> [arguments]

Commands:
  up              Apply all pending migrations
  down            Rollback the last migration
  version         Show current migration version
  force <N>       Force version to N (use to fix dirty state)
  help            Show this help message

Environment Variables:
  DATABASE_URL    PostgreSQL connection URL
`)
}
