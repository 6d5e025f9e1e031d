package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"evmigrate/internal"
	"evmigrate/internal/controllers"
	"evmigrate/internal/di"
	"evmigrate/internal/structures"
)

var flags structures.CliFlags

var rootCmd = &cobra.Command{
	Use:           "evmigrate",
	Short:         "Migrate v3 votes into the unified v4 events store",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.ConfigPath, "config", "c", "", "path to a YAML configuration file")
	pf.StringVar(&flags.SourcePath, "source", "", "v3 votes database")
	pf.StringVar(&flags.TargetPath, "target", "", "v4 events database")
	pf.IntVar(&flags.BatchSize, "batch-size", 0, "records per batch (overrides migration.batchSize)")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "log progress to stderr")
	pf.BoolVar(&flags.DebugMode, "debug", false, "enable debug logging")

	for _, r := range internal.Routes() {
		rootCmd.AddCommand(newCommand(r))
	}
}

func newCommand(r internal.Route) *cobra.Command {
	var opts controllers.Options
	cmd := &cobra.Command{
		Use:   r.Name,
		Short: r.Short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), r, opts)
		},
	}
	switch r.Name {
	case "migrate":
		cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "convert without writing to the target")
	case "rollback":
		cmd.Flags().BoolVar(&opts.Verify, "verify", false, "verify the restored state after rolling back")
	case "report":
		cmd.Flags().StringVar(&opts.Out, "out", "", "also write the report to this file")
	}
	return cmd
}

func run(ctx context.Context, r internal.Route, opts controllers.Options) error {
	flags.DryRun = opts.DryRun
	app, err := di.InitApp(&flags, internal.TargetMode(r, opts))
	if err != nil {
		return err
	}
	runErr := app.Run(ctx, r, os.Stdout, opts)
	if err := app.Close(); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "evmigrate: %v\n", err)
		os.Exit(1)
	}
}
