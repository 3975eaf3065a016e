package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maxohm/privchat/internal/session"
)

func init() {
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(deleteCmd)
}

var openCmd = &cobra.Command{
	Use:   "open <peer>",
	Short: "Open a conversation (binds live listeners, marks it read)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer := session.NormalizePeer(args[0])
		c, ctx, cancel, err := daemonClient()
		if err != nil {
			return err
		}
		defer cancel()
		if err := c.OpenConversation(ctx, peer); err != nil {
			return err
		}
		fmt.Printf("conversation with %s open\n", peer)
		return nil
	},
}

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the active conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := daemonClient()
		if err != nil {
			return err
		}
		defer cancel()
		if err := c.CloseConversation(ctx); err != nil {
			return err
		}
		fmt.Println("conversation closed")
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <peer>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer := session.NormalizePeer(args[0])
		c, ctx, cancel, err := daemonClient()
		if err != nil {
			return err
		}
		defer cancel()
		return c.MarkRead(ctx, peer)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <peer>",
	Short: "Delete a chat and all its local messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer := session.NormalizePeer(args[0])
		c, ctx, cancel, err := daemonClient()
		if err != nil {
			return err
		}
		defer cancel()
		if err := c.DeleteChat(ctx, peer); err != nil {
			return err
		}
		fmt.Printf("chat %s deleted\n", peer)
		return nil
	},
}
