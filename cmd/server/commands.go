package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/npezzotti/go-realtime/internal/api"
	"github.com/npezzotti/go-realtime/internal/broker"
	"github.com/npezzotti/go-realtime/internal/database"
	"github.com/npezzotti/go-realtime/internal/events"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		repo, err := database.NewPgRepository(cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("db open: %w", err)
		}
		defer repo.Close()

		if err := repo.Migrate(); err != nil {
			return err
		}

		log.Info().Msg("migrations applied")
		return nil
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish <event_type>",
	Short: "Publish an event onto the bus",
	Long: `Publish an event onto the Postgres notification channel the server
listens on. Without --user or --role the event is broadcast to every
connection. --role takes precedence over --user.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		userId, _ := cmd.Flags().GetString("user")
		role, _ := cmd.Flags().GetString("role")
		rawPayload, _ := cmd.Flags().GetString("payload")

		var payload map[string]any
		if rawPayload != "" {
			if err := json.Unmarshal([]byte(rawPayload), &payload); err != nil {
				return fmt.Errorf("parse payload: %w", err)
			}
		}

		repo, err := database.NewPgRepository(cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("db open: %w", err)
		}
		defer repo.Close()

		target := events.Target{UserId: userId, Role: role}
		if err := broker.NewPublisher(repo, cfg.Broker.Channel).Publish(cmd.Context(), args[0], target, payload); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "published %s on %q\n", args[0], cfg.Broker.Channel)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user_id>",
	Short: "Issue a bearer token for the reconnect and status endpoints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ttl, _ := cmd.Flags().GetDuration("ttl")
		token, err := api.IssueToken(cfg.SigningKey, args[0], ttl)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	publishCmd.Flags().String("user", "", "target user id")
	publishCmd.Flags().String("role", "", "target role")
	publishCmd.Flags().String("payload", "", "event payload as a JSON object")

	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
}
