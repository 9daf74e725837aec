package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/glimte/halcore/config"
	"github.com/glimte/halcore/internal/app"
	"github.com/glimte/halcore/modules"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "halcore",
		Short: "Run a modular hardware control bus",
		Long: `halcore loads the modules listed in an HCL setup file, connects them to a
single message bus and runs the startup handshake. It keeps running until a
module requests shutdown or the process is interrupted.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s, module API: %s)", version, gitCommit, buildTime, modules.CoreAPIVersion),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (yaml, toml or json)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Load a setup and run it until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(cfg, app.WithOutput(cmd.OutOrStdout()))
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
	flags := runCmd.Flags()
	flags.StringP("setup", "s", config.Default().SetupFile, "HCL setup file listing the modules")
	flags.String("log-level", config.Default().LogLevel, "log level (debug, info, warn, error)")
	flags.String("log-format", config.Default().LogFormat, "log format (text, json)")
	flags.Bool("show-gui", false, "ask modules to show their windows at start")
	flags.Duration("stuck-timeout", config.Default().StuckTimeout, "report messages in flight longer than this (0 disables)")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	for key, flag := range map[string]string{
		"setup_file":    "setup",
		"log_level":     "log-level",
		"log_format":    "log-format",
		"show_gui":      "show-gui",
		"stuck_timeout": "stuck-timeout",
		"metrics_addr":  "metrics-addr",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	modulesCmd := &cobra.Command{
		Use:   "modules",
		Short: "List the module factories a setup can use",
		RunE: func(cmd *cobra.Command, args []string) error {
			factories := app.DefaultFactories(cmd.OutOrStdout())
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FACTORY\tAPI\tDESCRIPTION")
			for _, name := range factories.Names() {
				f, _ := factories.Lookup(name)
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, f.APIVersion, f.Description)
			}
			return w.Flush()
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check [setup-file]",
		Short: "Parse a setup file and verify every module has a factory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := v.GetString("setup_file")
			if len(args) == 1 {
				path = args[0]
			}
			return checkSetup(cmd, path)
		},
	}

	rootCmd.AddCommand(runCmd, modulesCmd, checkCmd)
	return rootCmd
}

func checkSetup(cmd *cobra.Command, path string) error {
	setup, err := config.LoadSetupFile(path)
	if err != nil {
		return err
	}
	factories := app.DefaultFactories(cmd.OutOrStdout())
	for _, spec := range setup.Modules {
		if _, ok := factories.Lookup(spec.Factory); !ok {
			return fmt.Errorf("module %q: %w %q", spec.Name, modules.ErrUnknownFactory, spec.Factory)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d modules OK\n", path, len(setup.Modules))
	return nil
}
