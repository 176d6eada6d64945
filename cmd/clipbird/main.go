package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/imdevinc/clipbird/internal/app"
	"github.com/imdevinc/clipbird/internal/config"
	"github.com/imdevinc/clipbird/internal/util"
)

const envDataKey = "CLIPBIRD_DATA"

var (
	// version is set via ldflags during build
	version = "dev"
)

// options are the persistent flags shared by every command
type options struct {
	configPath string
	dataDir    string
	logLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "clipbird",
		Short: "Clipboard sync over LAN, Bluetooth and a relay hub",
		Long: `clipbird keeps clipboards in sync. One host runs as the server; clients
find it over mDNS or Bluetooth, pair on first use and exchange clipboard content
over TLS. Optionally clipboards are relayed end-to-end encrypted through a hub.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to configuration file (overrides $"+util.ConfigEnvVar+")")
	cmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "data directory (overrides $"+envDataKey+" and the config)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (overrides the config)")

	cmd.AddCommand(
		newRunCommand(&opts),
		newTrustCommand(&opts),
		newHubCommand(&opts),
		newCertCommand(&opts),
		newVersionCommand(),
	)
	return cmd
}

// load resolves the config path (flag > env > default), loads it and sets up
// the default logger
func (o *options) load() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = util.GetDefaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	dataDir := o.dataDir
	if dataDir == "" {
		dataDir = os.Getenv(envDataKey)
	}
	if dataDir != "" {
		moveDataDir(cfg, dataDir)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Debug("Configuration", "path", path, "dataDir", cfg.DataDir)
	return cfg, nil
}

// moveDataDir points the data directory, and certificate paths that lived in
// it, at dir
func moveDataDir(cfg *config.Config, dir string) {
	old := cfg.DataDir
	cfg.DataDir = dir
	if filepath.Dir(cfg.TLS.CertFile) == old {
		cfg.TLS.CertFile = filepath.Join(dir, filepath.Base(cfg.TLS.CertFile))
	}
	if filepath.Dir(cfg.TLS.KeyFile) == old {
		cfg.TLS.KeyFile = filepath.Join(dir, filepath.Base(cfg.TLS.KeyFile))
	}
}

func newRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			slog.Info("Clipbird is starting...", "version", version)
			a, err := app.New(ctx, cfg, slog.Default())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Run(ctx); err != nil {
				return err
			}
			slog.Info("Clipbird stopped gracefully")
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "clipbird version %s\n", version)
		},
	}
}
