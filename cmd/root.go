// Package cmd implements the hydrowatch command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hydrowatch/hydrowatch/internal/app"
	"github.com/hydrowatch/hydrowatch/internal/conf"
	"github.com/hydrowatch/hydrowatch/internal/logger"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "hydrowatch",
		Short:         "Alert engine for hydroponic sensor telemetry",
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to hydrowatch.yaml (default: search ., ./config, /etc/hydrowatch)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		newServeCommand(opts),
		newCycleCommand(opts),
		newDismissCommand(opts),
		newValidateCommand(opts),
	)
	return root
}

// load reads settings and builds the logger. Logs go to stderr so command
// output on stdout stays machine readable.
func (o *rootOptions) load() (*conf.Settings, logger.Logger, error) {
	settings, err := conf.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		settings.Log.Level = o.logLevel
	}
	log := app.NewLogger(settings.Log, os.Stderr)
	logger.SetGlobal(log)
	return settings, log, nil
}

// withApp builds the application, runs fn and closes it.
func (o *rootOptions) withApp(ctx context.Context, fn func(*app.App) error) error {
	settings, log, err := o.load()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, settings, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func writeLine(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format+"\n", args...)
}
