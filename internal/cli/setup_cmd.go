package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/pair-review/pair-review/internal/config"
	"github.com/pair-review/pair-review/internal/progress"
	"github.com/pair-review/pair-review/internal/provider"
	"github.com/pair-review/pair-review/internal/setup"
)

var setupYesFlag bool

func init() {
	setupCmd.Flags().BoolVarP(&setupYesFlag, "yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(setupCmd)
}

var (
	stepStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

var setupCmd = &cobra.Command{
	Use:   "setup <pr-url|path>",
	Short: "Set up a review session for a pull request or local changes",
	Long: `Prepare a review session: for a PR URL (or owner/repo#number), fetch the
pull request and materialize an isolated worktree; for a local path, diff the
working tree. Progress is streamed to the terminal.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := args[0]

		key, parseErr := provider.ParsePRInput(target, nil)
		isPR := parseErr == nil
		if !isPR {
			if _, err := os.Stat(target); err != nil {
				return fmt.Errorf("%q is neither a PR reference nor an existing path", target)
			}
		}

		if isPR {
			if err := config.Validate(appConfig); err != nil {
				return err
			}
		}

		if !setupYesFlag {
			what := fmt.Sprintf("local changes under %s", target)
			if isPR {
				what = fmt.Sprintf("%s/%s#%d", key.Owner, key.Repo, key.Number)
			}
			var confirmed bool
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Set up a review session for %s?", what)).
				Value(&confirmed).
				Run()
			if err != nil {
				return err
			}
			if !confirmed {
				return nil
			}
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		var res *setup.Result
		if isPR {
			res, err = a.setups.StartPR(ctx, key)
		} else {
			res, err = a.setups.StartLocal(ctx, target)
		}
		if err != nil {
			return err
		}
		if res.Existing {
			fmt.Fprintf(cmd.OutOrStdout(), "session already set up: %s\n", res.ReviewURL)
			return nil
		}

		return streamProgress(cmd, a.progress, res.SetupID)
	},
}

// streamProgress prints a setup's progress events until it terminates.
func streamProgress(cmd *cobra.Command, broker *progress.Broker, setupID string) error {
	events, cancel := broker.Subscribe(setupID)
	defer cancel()

	out := cmd.OutOrStdout()
	for ev := range events {
		switch ev.Type {
		case "step":
			se, ok := ev.Payload.(setup.StepEvent)
			if !ok {
				continue
			}
			switch se.Status {
			case "running":
				fmt.Fprintf(out, "%s %s\n", stepStyle.Render("▸"), se.Step)
			case "completed":
				line := se.Step
				if se.Message != "" {
					line += ": " + se.Message
				}
				fmt.Fprintf(out, "%s %s\n", okStyle.Render("✓"), line)
			case "error":
				fmt.Fprintf(out, "%s %s: %s\n", errStyle.Render("✗"), se.Step, se.Message)
			}
		case progress.EventComplete:
			if cp, ok := ev.Payload.(setup.CompletePayload); ok {
				fmt.Fprintf(out, "%s ready: %s\n", okStyle.Render("✓"), cp.ReviewURL)
			}
			return nil
		case progress.EventError:
			return fmt.Errorf("setup failed")
		}
	}
	return nil
}
