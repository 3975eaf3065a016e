package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maxohm/privchat/internal/config"
	"github.com/maxohm/privchat/internal/session"
)

var displayNameFlag string

func init() {
	loginCmd.Flags().StringVar(&displayNameFlag, "name", "", "display name shown to peers")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <phone>",
	Short: "Set the local identity",
	Long:  "Write the signed-in phone number to the config. The daemon picks it up on next start.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		identity := session.NormalizePeer(args[0])
		if err := session.ValidatePeer(identity); err != nil {
			return err
		}

		path := session.ConfigPath()
		cfg, err := config.Load(path)
		if err != nil {
			cfg = &config.Config{HubURL: config.DefaultHubURL}
		}
		cfg.Identity = identity
		if displayNameFlag != "" {
			cfg.DisplayName = displayNameFlag
		}
		if err := config.Save(path, cfg); err != nil {
			return err
		}
		fmt.Printf("identity set to %s; restart privchatd to apply\n", identity)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the local identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := session.ConfigPath()
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("no config to update: %w", err)
		}
		cfg.Identity = ""
		if err := config.Save(path, cfg); err != nil {
			return err
		}
		fmt.Println("identity cleared; restart privchatd to apply")
		return nil
	},
}
