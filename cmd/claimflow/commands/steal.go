package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appclaims "github.com/blackms/claimflow/internal/application/claims"
	domain "github.com/blackms/claimflow/internal/domain/claims"
)

var (
	stealAs     string
	markAs      string
	markReason  string
	markContest bool
)

var stealCmd = &cobra.Command{
	Use:   "steal <issue-id>",
	Short: "Steal a stealable claim",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer app.Close()

		result, err := app.Stealing.Steal(cmd.Context(), args[0], stealAs)
		if err != nil {
			return err
		}
		if result.Stolen {
			fmt.Printf("stole %s; %s now owns it\n", args[0], stealAs)
			return nil
		}
		fmt.Printf("contest %s opened on %s; owner may object until %s\n",
			result.Contest.ID, args[0], result.Contest.Deadline.Format("15:04:05"))
		return nil
	},
}

var stealMarkCmd = &cobra.Command{
	Use:   "mark <issue-id>",
	Short: "Mark a claim as stealable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer app.Close()

		claim, err := app.Stealing.MarkStealable(cmd.Context(), args[0], markAs,
			domain.StealReason(markReason), appclaims.MarkOptions{RequireContest: markContest})
		if err != nil {
			return err
		}
		fmt.Printf("marked %s stealable (grace until %s)\n",
			args[0], claim.Steal.GraceUntil.Format("15:04:05"))
		return nil
	},
}

var stealListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stealable claims",
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := buildApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer app.Close()

		stealable, err := app.Stealing.GetStealable(cmd.Context())
		if err != nil {
			return err
		}
		for _, c := range stealable {
			fmt.Printf("%-24s %-16s %-10s %5.1f%%\n", c.IssueID, c.Claimant.ID, c.Steal.Reason, c.Progress)
		}
		if len(stealable) == 0 {
			fmt.Println("nothing stealable")
		}
		return nil
	},
}

func init() {
	stealCmd.Flags().StringVar(&stealAs, "as", "", "stealer claimant id")
	stealCmd.MarkFlagRequired("as")

	stealMarkCmd.Flags().StringVar(&markAs, "as", "", "owner claimant id")
	stealMarkCmd.Flags().StringVar(&markReason, "reason", "manual", "steal reason (stale|blocked|overloaded|manual|timeout)")
	stealMarkCmd.Flags().BoolVar(&markContest, "require-contest", false, "force a contest on any steal")
	stealMarkCmd.MarkFlagRequired("as")

	stealCmd.AddCommand(stealMarkCmd)
	stealCmd.AddCommand(stealListCmd)
}
