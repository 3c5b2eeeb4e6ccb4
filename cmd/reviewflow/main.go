package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/reviewflow/internal/config"
	"github.com/TobiSchelling/reviewflow/internal/database"
	"github.com/TobiSchelling/reviewflow/internal/logging"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "reviewflow",
	Short:   "AI-assisted review of weekly reports and project proposals",
	Long:    "reviewflow runs weekly reports and project proposals through an AI pre-review and tiered human approval.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			logger = logging.New("INFO")
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := cfg.Logging.Level
		if verbose {
			level = "DEBUG"
		}
		logger = logging.New(level)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("reviewflow", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/reviewflow/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure providers, feeds and the notification webhook.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and pipeline status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("Subjects:")
		fmt.Printf("  Weekly reports: %d\n", stats.WeeklyReports)
		fmt.Printf("  Project proposals: %d\n", stats.ProjectProposals)
		fmt.Println("\nPipeline:")
		fmt.Printf("  Awaiting AI: %d\n", stats.AwaitingAI)
		fmt.Printf("  Awaiting admin: %d\n", stats.AwaitingAdmin)
		fmt.Printf("  Awaiting super admin: %d\n", stats.AwaitingSuperAdmin)
		fmt.Printf("  Approved: %d\n", stats.Approved)
		fmt.Printf("  Rejected: %d\n", stats.Rejected)
		fmt.Println("\nAnalyses:")
		fmt.Printf("  Total: %d\n", stats.Analyses)
		fmt.Printf("  Failed: %d\n", stats.FailedAnalyses)
		fmt.Println("\nOther:")
		fmt.Printf("  Users: %d\n", stats.Users)
		fmt.Printf("  Undelivered notifications: %d\n", stats.PendingNotifications)
		return nil
	},
}

func openDB() (*database.DB, error) {
	dbPath := cfg.GetDatabasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(dbPath)
}
