package main

import (
	"fmt"
	"os"

	"github.com/loykin/nodehost"
	"github.com/spf13/cobra"
)

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the nodehost API server",
		Long: `Run the nodehost API server. Nodes left running at the last shutdown
are started again.

Examples:
  nodehost serve                                  # defaults, data in ./data
  nodehost serve --config /etc/nodehost.toml
  nodehost serve --daemonize --pidfile /run/nodehost.pid --logfile /var/log/nodehost.log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, globalFlags, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the server PID to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "daemon stdout/stderr destination")
	return cmd
}

func runServe(cmd *cobra.Command, globalFlags *GlobalFlags, flags *ServeFlags) error {
	// validate the config before detaching so errors reach the terminal
	cfg, err := nodehost.LoadConfig(globalFlags.ConfigPath)
	if err != nil {
		return err
	}

	if flags.Daemonize {
		pid, err := daemonize(flags.PidFile, flags.LogFile)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Daemon started with PID %d\n", pid)
		return nil
	}

	ctx := cmd.Context()
	app, err := nodehost.New(ctx, cfg)
	if err != nil {
		return err
	}
	log := app.Logger()

	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			_ = app.Close(ctx)
			return fmt.Errorf("write pid file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	n, err := app.Recover(ctx)
	if err != nil {
		log.Error("recover nodes", "error", err)
	} else if n > 0 {
		log.Info("recovered nodes", "count", n)
	}
	return app.Serve(ctx)
}
