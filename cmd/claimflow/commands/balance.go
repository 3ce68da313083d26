package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appclaims "github.com/blackms/claimflow/internal/application/claims"
)

var rebalancePreview bool

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance <swarm-id>",
	Short: "Rebalance load across a swarm",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer app.Close()

		var result *appclaims.RebalanceResult
		if rebalancePreview {
			result, err = app.Balancer.PreviewRebalance(cmd.Context(), args[0])
		} else {
			result, err = app.Balancer.Rebalance(cmd.Context(), args[0])
		}
		if err != nil {
			return err
		}

		verb := "moved"
		if result.Preview {
			verb = "would move"
		}
		for _, m := range result.Moves {
			if m.ToID == "" {
				fmt.Printf("suggested %s: %s -> (no eligible receiver)\n", m.IssueID, m.FromID)
				continue
			}
			fmt.Printf("%s %s: %s -> %s\n", verb, m.IssueID, m.FromID, m.ToID)
		}
		fmt.Printf("balance score %.3f -> %.3f (%d moves)\n",
			result.ScoreBefore, result.ScoreAfter, len(result.Moves))
		return nil
	},
}

func init() {
	rebalanceCmd.Flags().BoolVar(&rebalancePreview, "preview", false, "compute moves without requesting handoffs")
}
