package cli

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/pair-review/pair-review/internal/store"
)

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

var (
	idStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(6)
	targetStyle = lipgloss.NewStyle().Bold(true)
	statusStyles = map[store.SessionStatus]lipgloss.Style{
		store.StatusDraft:      lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		store.StatusSubmitting: lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		store.StatusSubmitted:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
	}
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List review sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		sessions, err := a.store.ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
			return nil
		}

		out := cmd.OutOrStdout()
		for _, sess := range sessions {
			target := "?"
			switch {
			case sess.PR != nil:
				target = fmt.Sprintf("%s/%s#%d", sess.PR.Owner, sess.PR.Repo, sess.PR.Number)
			case sess.Local != nil:
				target = sess.Local.Root
			}
			status := string(sess.Status)
			if style, ok := statusStyles[sess.Status]; ok {
				status = style.Render(status)
			}
			fmt.Fprintf(out, "%s %s %s %s\n",
				idStyle.Render(fmt.Sprintf("#%d", sess.ID)),
				targetStyle.Render(target),
				status,
				sess.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}
