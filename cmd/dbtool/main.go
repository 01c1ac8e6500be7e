package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/snapdraft/backend/internal/config"
	"github.com/snapdraft/backend/internal/migrations"
)

func main() {
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping database: %v", err)
	}

	command := "migrate-up"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "migrate-up":
		log.Printf("Applying migrations...")
		if err := migrations.Up(db); err != nil {
			log.Fatalf("failed to apply migrations: %v", err)
		}
		log.Printf("Migrations applied successfully")

	case "migrate-down":
		log.Printf("Rolling back last migration...")
		if err := migrations.Down(db); err != nil {
			log.Fatalf("failed to roll back migration: %v", err)
		}
		log.Printf("Rollback complete")

	case "version":
		v, dirty, err := migrations.Version(db)
		if err != nil {
			log.Fatalf("failed to read schema version: %v", err)
		}
		log.Printf("Schema version: %d (dirty: %v)", v, dirty)

	case "fix":
		log.Printf("Attempting to fix dirty database...")
		if err := migrations.FixDirtyDatabase(db); err != nil {
			log.Fatalf("failed to fix dirty database: %v", err)
		}
		log.Printf("Database fixed successfully")

	case "force":
		if len(os.Args) < 3 {
			log.Fatalf("usage: %s force <version>", os.Args[0])
		}
		var v uint
		if _, err := fmt.Sscanf(os.Args[2], "%d", &v); err != nil {
			log.Fatalf("invalid version number: %s", os.Args[2])
		}
		if err := migrations.ForceVersion(db, v); err != nil {
			log.Fatalf("failed to force version: %v", err)
		}
		log.Printf("Database version forced to %d", v)

	default:
		log.Printf("Usage: %s [migrate-up|migrate-down|version|fix|force <version>]", os.Args[0])
		os.Exit(1)
	}
}
