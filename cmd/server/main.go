package main

import (
	"fmt"
	"os"

	"github.com/npezzotti/go-realtime/internal/config"
	"github.com/npezzotti/go-realtime/internal/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "go-realtime",
	Short:         "Real-time update delivery over websockets",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to a YAML config file")
	flags.String("addr", "localhost:8000", "server address")
	flags.String("dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flags.String("signing-key", defaultSigningKey, "base64 encoded signing key")
	flags.StringSlice("allowed-origins", nil, "comma-separated list of allowed origins for CORS")

	rootCmd.AddCommand(serveCmd, migrateCmd, publishCmd, tokenCmd)
}

// loadConfig reads --config when given, otherwise builds the config from flags.
// Flags set explicitly on the command line override file values.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	addr, _ := flags.GetString("addr")
	dsn, _ := flags.GetString("dsn")
	signingKey, _ := flags.GetString("signing-key")
	origins, _ := flags.GetStringSlice("allowed-origins")

	if path == "" {
		return config.NewConfig(addr, dsn, signingKey, origins)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if flags.Changed("addr") {
		cfg.Server.Addr = addr
	}
	if flags.Changed("dsn") {
		cfg.Database.DSN = dsn
	}
	if flags.Changed("signing-key") {
		cfg.Auth.SigningKey = signingKey
	}
	if flags.Changed("allowed-origins") {
		cfg.Server.AllowedOrigins = origins
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logger.New(logger.Config{
		Level: cfg.Log.Level,
		JSON:  cfg.Log.JSON,
	})
}
