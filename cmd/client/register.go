package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"cipherchat/internal/api"
	"cipherchat/internal/envelope"
)

var (
	regUsername string
	regPassword string
	regFullName string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account and publish this machine's public key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := loadKey(cfg.KeyPath, true)
		if err != nil {
			return err
		}
		pub, err := envelope.MarshalPublicKeyPEM(&key.PublicKey)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
		defer cancel()
		client := api.New(cfg.ServerURL, nil)
		status, err := client.Register(ctx, api.RegisterRequest{
			Username:  regUsername,
			Password:  regPassword,
			FullName:  regFullName,
			PublicKey: string(pub),
		})
		if err != nil {
			return err
		}
		if !api.IsSuccess(status) {
			return fmt.Errorf("registration failed: %d %s", status, http.StatusText(status))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %s\n", regUsername)
		return nil
	},
}

func init() {
	f := registerCmd.Flags()
	f.StringVarP(&regUsername, "username", "u", "", "Username")
	f.StringVarP(&regPassword, "password", "p", "", "Password")
	f.StringVar(&regFullName, "name", "", "Full name shown to other users")
	registerCmd.MarkFlagRequired("username")
	registerCmd.MarkFlagRequired("password")
}
