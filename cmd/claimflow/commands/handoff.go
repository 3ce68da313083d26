package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	handoffFrom   string
	handoffTo     string
	handoffReason string
	handoffAs     string
)

var handoffCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Manage claim handoffs",
}

var handoffRequestCmd = &cobra.Command{
	Use:   "request <issue-id>",
	Short: "Request a handoff to another claimant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer app.Close()

		handoff, err := app.Service.RequestHandoff(cmd.Context(), args[0], handoffFrom, handoffTo, handoffReason)
		if err != nil {
			return err
		}
		fmt.Printf("handoff %s requested: %s -> %s\n", handoff.ID, handoff.From.ID, handoff.To.ID)
		return nil
	},
}

var handoffAcceptCmd = &cobra.Command{
	Use:   "accept <issue-id>",
	Short: "Accept a pending handoff",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.Service.AcceptHandoff(cmd.Context(), args[0], handoffAs); err != nil {
			return err
		}
		fmt.Printf("handoff accepted; %s now owns %s\n", handoffAs, args[0])
		return nil
	},
}

var handoffRejectCmd = &cobra.Command{
	Use:   "reject <issue-id>",
	Short: "Reject a pending handoff",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.Service.RejectHandoff(cmd.Context(), args[0], handoffAs, handoffReason); err != nil {
			return err
		}
		fmt.Printf("handoff on %s rejected\n", args[0])
		return nil
	},
}

func init() {
	handoffRequestCmd.Flags().StringVar(&handoffFrom, "from", "", "current owner id")
	handoffRequestCmd.Flags().StringVar(&handoffTo, "to", "", "target claimant id")
	handoffRequestCmd.Flags().StringVar(&handoffReason, "reason", "", "handoff reason")
	handoffRequestCmd.MarkFlagRequired("from")
	handoffRequestCmd.MarkFlagRequired("to")

	handoffAcceptCmd.Flags().StringVar(&handoffAs, "as", "", "claimant id")
	handoffAcceptCmd.MarkFlagRequired("as")
	handoffRejectCmd.Flags().StringVar(&handoffAs, "as", "", "claimant id")
	handoffRejectCmd.Flags().StringVar(&handoffReason, "reason", "", "rejection reason")
	handoffRejectCmd.MarkFlagRequired("as")

	handoffCmd.AddCommand(handoffRequestCmd)
	handoffCmd.AddCommand(handoffAcceptCmd)
	handoffCmd.AddCommand(handoffRejectCmd)
}
