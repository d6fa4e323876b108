package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"qatrack/config"
	"qatrack/pkg/database"
)

const usage = `
QATrack Attachments - Database CLI Tool

Usage:
  migrate [command]

Commands:
  up          Apply all pending migrations
  down        Roll back the most recent migration
  status      Show connection, migration and table status

Examples:
  go run cmd/migrate/main.go up
  go run cmd/migrate/main.go status
  go run cmd/migrate/main.go down
`

func main() {
	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	command := flag.Arg(0)

	cfg := config.LoadConfig()
	database.Connect(cfg)
	defer database.Close()

	switch command {
	case "up":
		runMigrationsUp()
	case "down":
		runMigrationsDown()
	case "status":
		showStatus()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func runMigrationsUp() {
	log.Println("Running migrations UP...")

	if err := database.RunMigrations(); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Println("Migrations completed successfully")
}

func runMigrationsDown() {
	log.Println("Rolling back the latest migration...")

	if err := database.RollbackMigration(); err != nil {
		log.Fatalf("Rollback failed: %v", err)
	}

	log.Println("Rollback completed successfully")
}

func showStatus() {
	if err := database.Ping(); err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	log.Println("Database connection: OK")

	if err := database.MigrationStatus(); err != nil {
		log.Printf("Migration status unavailable: %v", err)
	}

	exists, err := database.TableExists("attachments")
	switch {
	case err != nil:
		log.Printf("Error checking table attachments: %v", err)
	case exists:
		count, _ := database.GetTableCount("attachments")
		log.Printf("Table %-20s exists (%d rows)", "attachments", count)
	default:
		log.Printf("Table %-20s does not exist", "attachments")
	}
}
