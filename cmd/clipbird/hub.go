package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imdevinc/clipbird/internal/app"
	"github.com/imdevinc/clipbird/internal/hub"
)

func newHubCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Sign in to or out of the relay hub",
	}
	cmd.AddCommand(newHubLoginCommand(opts), newHubLogoutCommand(opts))
	return cmd
}

func newHubLoginCommand(opts *options) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the hub token",
		Long:  "Sign in to the hub. Without --password the password is read from the first line of stdin.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Hub.APIURL == "" {
				return errors.New("hub api_url is not configured")
			}
			if username == "" {
				return errors.New("--username is required")
			}
			if password == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}

			db, err := app.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			secure, err := app.OpenSecure(cfg, db)
			if err != nil {
				return err
			}

			tok, err := hub.NewRESTClient(cfg.Hub.APIURL, nil).SignIn(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			if err := app.SaveToken(secure, tok.Token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", username)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "hub user name")
	cmd.Flags().StringVarP(&password, "password", "p", "", "hub password")
	return cmd
}

func newHubLogoutCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the hub token and this host's hub identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			db, err := app.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			secure, err := app.OpenSecure(cfg, db)
			if err != nil {
				return err
			}
			if err := hub.ForgetHostDevice(secure); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
}
