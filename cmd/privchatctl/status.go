package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := daemonClient()
		if err != nil {
			return err
		}
		defer cancel()

		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		if jsonFlag {
			return outputJSON(st)
		}
		fmt.Printf("State:        %s\n", st.State)
		if st.ActivePeer != "" {
			fmt.Printf("Conversation: %s (%s)\n", st.ActivePeer, st.ConvState)
		} else {
			fmt.Println("Conversation: none")
		}
		return nil
	},
}
