package main

import (
	"fmt"
	"os"

	internal_storage "github.com/ignatij/replog/internal/storage"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "replog-migrate"}

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down]",
	Short: "Run database migrations",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Load .env if present
		if err := godotenv.Load(); err != nil {
			fmt.Printf("No .env file found or failed to load: %v. Using --db flag.\n", err)
		}

		driver, _ := cmd.Flags().GetString("driver")
		connStr, _ := cmd.Flags().GetString("db")
		if connStr == "" {
			if driver == internal_storage.DriverSQLite {
				return fmt.Errorf("--db is required for sqlite")
			}
			// Fallback to constructing from env vars if --db not provided
			dbUsername := os.Getenv("DB_USERNAME")
			dbPassword := os.Getenv("DB_PASSWORD")
			dbHost := os.Getenv("DB_HOST")
			dbPort := os.Getenv("DB_PORT")
			dbName := os.Getenv("DB_NAME")
			if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
				return fmt.Errorf("--db flag or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
			}
			connStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
				dbUsername, dbPassword, dbHost, dbPort, dbName)
		}

		direction := "up"
		if len(args) == 1 {
			direction = args[0]
		}
		switch direction {
		case "up":
			if err := internal_storage.Migrate(driver, connStr); err != nil {
				return err
			}
			fmt.Println("Migrations applied successfully")
		case "down":
			steps, _ := cmd.Flags().GetInt("steps")
			if err := internal_storage.MigrateDown(driver, connStr, steps); err != nil {
				return err
			}
			fmt.Println("Migrations rolled back successfully")
		default:
			return fmt.Errorf("unknown direction %q, expected up or down", direction)
		}
		return nil
	},
}

func main() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("db", "", "Database connection string (optional if DB_* env vars are set)")
	migrateCmd.Flags().String("driver", internal_storage.DriverPostgres, "Database driver: postgres, pgx or sqlite")
	migrateCmd.Flags().Int("steps", 1, "Migrations to roll back with down; 0 rolls back all")
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
