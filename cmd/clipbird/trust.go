package main

import (
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/imdevinc/clipbird/internal/app"
	"github.com/imdevinc/clipbird/internal/transport"
	"github.com/imdevinc/clipbird/internal/trust"
	"github.com/imdevinc/clipbird/internal/util"
)

const (
	sideClients = "clients"
	sideServers = "servers"
)

func newTrustCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Manage trusted clients and servers",
		Long: `Manage the trust stores. The server keeps the clients it accepted; a client keeps
the servers it paired with. The daemon must not be running, since it holds the
database open.`,
	}
	cmd.AddCommand(newTrustListCommand(opts), newTrustAddCommand(opts), newTrustRemoveCommand(opts))
	return cmd
}

// withTrust opens the store named by side for the duration of fn
func withTrust(opts *options, side string, fn func(trust.Store) error) error {
	if side != sideClients && side != sideServers {
		return fmt.Errorf("side must be %q or %q, got %q", sideClients, sideServers, side)
	}
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	db, err := app.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	clients, servers, err := app.OpenTrust(db)
	if err != nil {
		return err
	}
	if side == sideClients {
		return fn(clients)
	}
	return fn(servers)
}

func newTrustListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List trusted devices with certificate fingerprints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SIDE\tNAME\tFINGERPRINT")
			for _, side := range []string{sideClients, sideServers} {
				err := withTrust(opts, side, func(s trust.Store) error {
					entries, err := s.Get()
					if err != nil {
						return err
					}
					names := make([]string, 0, len(entries))
					for name := range entries {
						names = append(names, name)
					}
					slices.Sort(names)
					for _, name := range names {
						fmt.Fprintf(w, "%s\t%s\t%s\n", side, name, util.Fingerprint(entries[name]))
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			return w.Flush()
		},
	}
}

func newTrustAddCommand(opts *options) *cobra.Command {
	var side, name string
	cmd := &cobra.Command{
		Use:   "add <certificate.pem>",
		Short: "Trust a device by its certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			der, err := readCertificate(args[0])
			if err != nil {
				return err
			}
			if name == "" {
				if name, err = transport.CertificateName(der); err != nil {
					return err
				}
			}
			return withTrust(opts, side, func(s trust.Store) error {
				if err := s.Add(name, der); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Trusted %s %q\n", side, name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&side, "side", sideClients, "trust store to modify: clients or servers")
	cmd.Flags().StringVar(&name, "name", "", "device name (defaults to the certificate common name)")
	return cmd
}

func newTrustRemoveCommand(opts *options) *cobra.Command {
	var side string
	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Stop trusting a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTrust(opts, side, func(s trust.Store) error {
				if !s.Has(args[0]) {
					return fmt.Errorf("%s %q is not trusted", side, args[0])
				}
				if err := s.Remove(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s %q\n", side, args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&side, "side", sideClients, "trust store to modify: clients or servers")
	return cmd
}

func readCertificate(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("file does not contain a PEM certificate")
	}
	return block.Bytes, nil
}
