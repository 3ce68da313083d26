package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	domain "github.com/blackms/claimflow/internal/domain/claims"
)

var (
	claimAs       string
	releaseAs     string
	releaseReason string
	completeAs    string
)

var claimCmd = &cobra.Command{
	Use:   "claim <issue-id>",
	Short: "Claim an issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer app.Close()

		claim, err := app.Service.Claim(cmd.Context(), args[0], claimAs)
		if err != nil {
			return err
		}
		fmt.Printf("claimed %s as %s (claim %s)\n", claim.IssueID, claim.Claimant.ID, claim.ID)
		return nil
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release <issue-id>",
	Short: "Release a claimed issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.Service.Release(cmd.Context(), args[0], releaseAs, releaseReason); err != nil {
			return err
		}
		fmt.Printf("released %s\n", args[0])
		return nil
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete <issue-id>",
	Short: "Complete a claimed issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.Service.Complete(cmd.Context(), args[0], completeAs); err != nil {
			return err
		}
		fmt.Printf("completed %s\n", args[0])
		return nil
	},
}

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Show open claims grouped by status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := buildApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer app.Close()

		board, err := app.Service.Board(cmd.Context())
		if err != nil {
			return err
		}
		columns := []domain.ClaimStatus{
			domain.StatusActive, domain.StatusPaused, domain.StatusBlocked,
			domain.StatusPendingHandoff, domain.StatusInReview, domain.StatusStealable,
		}
		for _, status := range columns {
			claims := board[status]
			if len(claims) == 0 {
				continue
			}
			fmt.Printf("%s (%d)\n", status, len(claims))
			for _, c := range claims {
				fmt.Printf("  %-24s %-16s %5.1f%%\n", c.IssueID, c.Claimant.ID, c.Progress)
			}
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show engine statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := buildApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer app.Close()

		stats, err := app.Service.GetStats(cmd.Context())
		if err != nil {
			return err
		}
		stealStats, err := app.Stealing.GetStats(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"claims":    stats,
			"stealing":  stealStats,
			"balancing": app.Balancer.GetStats(),
		})
	},
}

func init() {
	claimCmd.Flags().StringVar(&claimAs, "as", "", "claimant id")
	claimCmd.MarkFlagRequired("as")
	releaseCmd.Flags().StringVar(&releaseAs, "as", "", "claimant id")
	releaseCmd.Flags().StringVar(&releaseReason, "reason", "", "release reason")
	releaseCmd.MarkFlagRequired("as")
	completeCmd.Flags().StringVar(&completeAs, "as", "", "claimant id")
	completeCmd.MarkFlagRequired("as")
}
