package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pair-review/pair-review/internal/config"
	"github.com/pair-review/pair-review/internal/server"
)

var servePortFlag int

func init() {
	serveCmd.Flags().IntVar(&servePortFlag, "port", 0, "Server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pair-review server",
	Long:  `Start the HTTP API and websocket event channel the review UI talks to.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Validate(appConfig); err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := a.llm.Start(ctx); err != nil {
			return fmt.Errorf("starting LLM client: %w", err)
		}

		port := servePortFlag
		if port == 0 {
			port = appConfig.Server.Port
		}

		srv := server.New(a.store, a.setups, a.scheduler, a.progress, a.pubsub, a.github, appConfig)
		return srv.Start(ctx, port)
	},
}
