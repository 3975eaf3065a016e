package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/maxohm/privchat/internal/session"
)

func init() {
	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(messagesCmd)
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List chats, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := daemonClient()
		if err != nil {
			return err
		}
		defer cancel()

		chats, err := c.Chats(ctx)
		if err != nil {
			return err
		}
		if jsonFlag {
			return outputJSON(chats)
		}
		if len(chats) == 0 {
			fmt.Println("No chats.")
			return nil
		}
		for _, ch := range chats {
			marker := " "
			if ch.UnreadCount > 0 {
				marker = fmt.Sprintf("%d", ch.UnreadCount)
			}
			online := ""
			if ch.IsOnline {
				online = " [online]"
			}
			fmt.Printf("%-2s %-18s %-20s %s%s\n",
				marker, ch.PeerID, ch.DisplayName, ch.LastMessage, online)
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <peer>",
	Short: "Show the conversation with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer := session.NormalizePeer(args[0])
		c, ctx, cancel, err := daemonClient()
		if err != nil {
			return err
		}
		defer cancel()

		msgs, err := c.Messages(ctx, peer)
		if err != nil {
			return err
		}
		if jsonFlag {
			return outputJSON(msgs)
		}
		for _, m := range msgs {
			dir := "<-"
			if m.Mine {
				dir = "->"
			}
			fmt.Printf("%s %s [%s] %s\n",
				m.SentAt.Format(time.DateTime), dir, m.Status, m.Body)
		}
		return nil
	},
}
