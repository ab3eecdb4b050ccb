package main

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/franksops/gocopy/config"
	"github.com/franksops/gocopy/logging"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFile    string
	logFormat  string
	history    string
}

// app carries what PersistentPreRunE resolved to the subcommands.
type app struct {
	flags globalFlags
	conf  config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "gcopy",
		Short: "Copy files between local disks and S3 with live progress",
		Long: `gcopy copies files and directory trees between local filesystems and
S3 buckets. Transfers run through a bounded worker pool and report a single
combined progress readout for each batch.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&a.flags.configPath, "config", "c", "", "YAML configuration file")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&a.flags.logFile, "log-file", "", "Write logs to this file instead of stderr")
	pf.StringVar(&a.flags.logFormat, "log-format", "", "Log format (console or json)")
	pf.StringVar(&a.flags.history, "history", "", "bbolt file recording job outcomes")

	cmd.AddCommand(newCopyCmd(a))
	cmd.AddCommand(newHistoryCmd(a))
	cmd.AddCommand(newVerifyCmd(a))

	return cmd
}

// loadConfig reads the config file and applies the persistent flags that
// were set explicitly.
func (a *app) loadConfig(cmd *cobra.Command) error {
	conf, err := config.Load(a.flags.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		conf.Log.Level = a.flags.logLevel
	}
	if flags.Changed("log-file") {
		conf.Log.File = a.flags.logFile
	}
	if flags.Changed("log-format") {
		conf.Log.Format = a.flags.logFormat
	}
	if flags.Changed("history") {
		conf.HistoryPath = a.flags.history
	}

	a.conf = conf
	return nil
}

// logger builds the process logger. out receives log lines unless a log
// file is configured.
func (a *app) logger(out io.Writer) (zerolog.Logger, io.Closer, error) {
	if out == nil {
		out = os.Stderr
	}
	return logging.New(logging.Options{
		Level:  a.conf.Log.Level,
		Format: a.conf.Log.Format,
		File:   a.conf.Log.File,
		Out:    out,
	})
}
