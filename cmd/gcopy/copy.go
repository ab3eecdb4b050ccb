package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/franksops/gocopy/config"
	"github.com/franksops/gocopy/engine"
	"github.com/franksops/gocopy/store"
	"github.com/franksops/gocopy/ui"
)

var errTransfersFailed = errors.New("one or more transfers failed")

type copyFlags struct {
	workers    int
	interval   time.Duration
	chunkSize  int
	checksum   bool
	verify     bool
	noMetadata bool
	tui        bool
	noTUI      bool
}

func newCopyCmd(a *app) *cobra.Command {
	var f copyFlags

	cmd := &cobra.Command{
		Use:   "copy <src>... <dst>",
		Short: "Copy files or directories to a destination",
		Long: `Copy every source into the destination. Directories are recreated under
the destination by name. Files that already exist at the destination are
skipped and listed at the end of the batch.

Paths of the form s3://bucket/key are served by S3; anything else is local.`,
		Example: `  gcopy copy ./photos /mnt/backup
  gcopy copy -w 4 --verify a.iso b.iso /mnt/usb
  gcopy copy ./reports s3://my-bucket/archive`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := a.conf
			f.apply(cmd, &conf)
			if err := conf.Validate(); err != nil {
				return err
			}
			return runCopy(cmd, a, conf, args[:len(args)-1], args[len(args)-1])
		},
	}

	fl := cmd.Flags()
	fl.IntVarP(&f.workers, "workers", "w", config.DefaultWorkers, "Transfers allowed to run at the same time")
	fl.DurationVar(&f.interval, "interval", config.DefaultInterval, "Progress refresh interval")
	fl.IntVar(&f.chunkSize, "chunk-size", config.DefaultChunkSize, "Bytes moved per read/write cycle")
	fl.BoolVar(&f.checksum, "checksum", false, "Compute a CRC64 of every copied file")
	fl.BoolVar(&f.verify, "verify", false, "Re-read each destination and compare checksums")
	fl.BoolVar(&f.noMetadata, "no-metadata", false, "Do not copy mode bits and modification times")
	fl.BoolVar(&f.tui, "tui", true, "Use the full-screen interface on a terminal")
	fl.BoolVar(&f.noTUI, "no-tui", false, "Print a plain progress bar instead of the full-screen interface")

	return cmd
}

// apply overrides conf with the flags that were set explicitly.
func (f *copyFlags) apply(cmd *cobra.Command, conf *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("workers") {
		conf.Workers = f.workers
	}
	if flags.Changed("interval") {
		conf.Interval = f.interval
	}
	if flags.Changed("chunk-size") {
		conf.ChunkSize = f.chunkSize
	}
	if flags.Changed("checksum") {
		conf.Checksum = f.checksum
	}
	if flags.Changed("verify") {
		conf.Verify = f.verify
	}
	if flags.Changed("no-metadata") {
		conf.PreserveMetadata = !f.noMetadata
	}
	if flags.Changed("tui") {
		conf.TUI = f.tui
	}
	if flags.Changed("no-tui") {
		conf.TUI = !f.noTUI
	}
	if conf.Verify {
		conf.Checksum = true
	}
}

// controller stops discovery together with the batch, so a cancelled walk
// does not keep feeding new jobs into the coordinator.
type controller struct {
	coord    *engine.Coordinator
	stopWalk context.CancelFunc
}

func (c *controller) Cancel() {
	c.stopWalk()
	c.coord.Cancel()
}

func (c *controller) AdjustWorkers(delta int) int {
	return c.coord.AdjustWorkers(delta)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func runCopy(cmd *cobra.Command, a *app, conf config.Config, sources []string, dest string) error {
	ctx, stop := context.WithCancel(cmd.Context())
	defer stop()

	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	useTUI := conf.TUI && isTerminal(stdout)

	// The full-screen UI owns the terminal; hold log lines until it exits.
	var held bytes.Buffer
	logOut := stderr
	if useTUI {
		logOut = zerolog.SyncWriter(&held)
	}
	logger, closer, err := a.logger(logOut)
	if err != nil {
		return err
	}
	defer closer.Close()

	cache := newProviderCache(conf.S3)
	dst, err := cache.resolve(ctx, dest)
	if err != nil {
		return err
	}
	srcs := make([]location, 0, len(sources))
	for _, s := range sources {
		loc, err := cache.resolve(ctx, s)
		if err != nil {
			return err
		}
		srcs = append(srcs, loc)
	}

	execOpts := []engine.ExecutorOption{
		engine.WithMetadata(conf.PreserveMetadata),
		engine.WithVerify(conf.Verify),
		engine.WithExecutorLogger(logger),
	}
	if conf.HistoryPath != "" {
		history, err := store.NewBoltStore(conf.HistoryPath)
		if err != nil {
			return fmt.Errorf("opening history: %w", err)
		}
		defer history.Close()
		execOpts = append(execOpts, engine.WithTracker(engine.NewJobTracker(history, engine.DefaultCheckpointConfig)))
	}
	mover := engine.NewMover(engine.NewBufferPool(conf.ChunkSize), conf.Checksum)
	exec := engine.NewExecutor(mover, execOpts...)

	walkCtx, stopWalk := context.WithCancel(ctx)
	defer stopWalk()
	ctrl := &controller{stopWalk: stopWalk}

	var (
		presenter engine.Presenter
		reports   func() []engine.Report
		program   *tea.Program
	)
	if useTUI {
		program = tea.NewProgram(ui.NewTUIModel(ctrl, conf.Workers), tea.WithAltScreen(), tea.WithOutput(stdout))
		p := ui.NewTUIPresenter(program)
		presenter, reports = p, p.Reports
	} else {
		p := ui.NewPlainPresenter(stderr)
		presenter, reports = p, p.Reports
	}

	coord := engine.NewCoordinator(ctx, exec, presenter,
		engine.WithWorkers(conf.Workers),
		engine.WithInterval(conf.Interval),
		engine.WithLogger(logger),
	)
	defer coord.Close()
	ctrl.coord = coord

	// First signal cancels the batch and lets jobs clean up; a second one
	// abandons the wait.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			logger.Warn().Msg("Interrupt received, cancelling transfers")
			ctrl.Cancel()
		case <-ctx.Done():
			return
		}
		select {
		case <-sigChan:
			stop()
		case <-ctx.Done():
		}
	}()

	run := func() error {
		var walkErrs error
		for _, src := range srcs {
			n, err := engine.NewWalker(src.provider, dst.provider, coord).Walk(walkCtx, src.path, dst.path)
			if err != nil {
				if walkCtx.Err() != nil {
					break
				}
				logger.Error().Err(err).Str("src", src.raw).Msg("Failed to walk source")
				walkErrs = errors.Join(walkErrs, err)
				continue
			}
			logger.Debug().Int("jobs", n).Str("src", src.raw).Str("dst", dst.raw).Msg("Source submitted")
		}
		if err := coord.WaitIdle(ctx); err != nil {
			return errors.Join(walkErrs, fmt.Errorf("waiting for transfers: %w", err))
		}
		return walkErrs
	}

	var runErr error
	if useTUI {
		errc := make(chan error, 1)
		go func() {
			err := run()
			program.Send(ui.DoneMsg{})
			errc <- err
		}()
		if _, err := program.Run(); err != nil {
			logger.Error().Err(err).Msg("Terminal interface failed")
		}
		// Quitting the interface early abandons whatever is left.
		ctrl.Cancel()
		runErr = <-errc
		_, _ = io.Copy(stderr, &held)
	} else {
		runErr = run()
	}

	failures := ui.WriteReports(stderr, reports())
	if runErr != nil {
		return runErr
	}
	if failures > 0 {
		return fmt.Errorf("%w: %d failed", errTransfersFailed, failures)
	}
	return nil
}
