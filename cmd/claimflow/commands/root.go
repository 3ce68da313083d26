// Package commands implements the claimflow command line.
package commands

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/blackms/claimflow/internal/shared/config"
	"github.com/blackms/claimflow/internal/shared/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	log     zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "claimflow",
	Short: "Issue claiming and work distribution for agent swarms",
	Long: `claimflow coordinates which agent or human works on which issue:
exclusive claims, handoffs, work stealing, and load balancing, with a full
event audit trail.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		log = logging.New(logging.Options{
			Level:     cfg.Log.Level,
			Format:    cfg.Log.Format,
			Component: "claimflow",
		})
		return nil
	},
}

// Execute runs the command line.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./claimflow.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(handoffCmd)
	rootCmd.AddCommand(stealCmd)
	rootCmd.AddCommand(rebalanceCmd)
	rootCmd.AddCommand(boardCmd)
	rootCmd.AddCommand(statsCmd)
}
