package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pair-review/pair-review/internal/config"
	"github.com/pair-review/pair-review/internal/logging"
)

var (
	verbose   bool
	configDir string
	appConfig *config.Config

	rootCmd = &cobra.Command{
		Use:   "pair-review",
		Short: "Local-first AI-assisted code review",
		Long:  `pair-review sets up isolated review sessions for pull requests or local changes, runs councils of AI reviewers over them, and assembles the findings you adopt into a submittable review.`,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logging.Setup(verbose)

		var err error
		configDir, err = config.Dir()
		if err != nil {
			return err
		}
		appConfig, err = config.Load(configDir)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return nil
	}
}

func Execute() error {
	return rootCmd.Execute()
}
