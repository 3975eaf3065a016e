package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maxohm/privchat/internal/session"
)

func init() {
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <peer> <message...>",
	Short: "Send a message to a peer",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer := session.NormalizePeer(args[0])
		body := strings.Join(args[1:], " ")

		c, ctx, cancel, err := daemonClient()
		if err != nil {
			return err
		}
		defer cancel()

		res, err := c.Send(ctx, peer, body)
		if err != nil {
			return err
		}
		if jsonFlag {
			return outputJSON(res)
		}
		fmt.Printf("queued #%d (%s)\n", res.ID, res.Status)
		return nil
	},
}
