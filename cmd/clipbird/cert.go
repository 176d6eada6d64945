package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/imdevinc/clipbird/internal/transport"
	"github.com/imdevinc/clipbird/internal/util"
)

func newCertCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Manage the host certificate",
	}
	cmd.AddCommand(newCertGenerateCommand(opts))
	return cmd
}

func newCertGenerateCommand(opts *options) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Create a self-signed host certificate named after this device",
		Long: `Create the host certificate at the configured tls paths. Peers pin this
certificate, so replacing it means every peer has to trust this host again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.TLS.CertFile); !errors.Is(err, fs.ErrNotExist) && !force {
				return fmt.Errorf("%s already exists; use --force to replace it", cfg.TLS.CertFile)
			}

			certPEM, keyPEM, err := transport.GenerateCertificate(cfg.Name, time.Now())
			if err != nil {
				return err
			}
			if err := transport.WriteCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, certPEM, keyPEM); err != nil {
				return err
			}
			der, err := readCertificate(cfg.TLS.CertFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s for %q\nFingerprint %s\n", cfg.TLS.CertFile, cfg.Name, util.Fingerprint(der))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing certificate")
	return cmd
}
