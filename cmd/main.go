package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/victornm/quizrank/internal/config"
	"github.com/victornm/quizrank/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "quizrank",
		Short:         "Quiz sessions with a live leaderboard",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to the YAML config, defaults to $CONFIG_PATH")

	cmd.AddCommand(
		newRunCmd("serve", "Serve the HTTP and gRPC API", &configPath, server.ModeAPI),
		newRunCmd("worker", "Apply finished games to the leaderboard", &configPath, server.ModeWorker),
		newMigrateCmd(&configPath),
	)

	return cmd
}

func newRunCmd(use, short string, configPath *string, mode server.Mode) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, os.Interrupt)
			defer stop()

			s, err := server.Init(ctx, c, mode)
			if err != nil {
				return fmt.Errorf("init server: %w", err)
			}
			defer s.Shutdown()

			return s.Start(ctx)
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			return server.Migrate(cmd.Context(), c, down)
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the last migration group")

	return cmd
}

func loadConfig(path string) (server.Config, error) {
	c := server.DefaultConfig()

	if err := config.Load(path, &c); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	return c, nil
}
