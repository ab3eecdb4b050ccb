package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/franksops/gocopy/engine"
	"github.com/franksops/gocopy/provider"
	"github.com/franksops/gocopy/store"
	"github.com/franksops/gocopy/ui"
)

var (
	errNoHistory     = errors.New("no history file configured (use --history or history_path)")
	errNotVerifiable = errors.New("job has no recorded checksum")
)

func (a *app) openHistory() (*store.BoltStore, error) {
	if a.conf.HistoryPath == "" {
		return nil, errNoHistory
	}
	s, err := store.NewBoltStore(a.conf.HistoryPath)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	return s, nil
}

func newHistoryCmd(a *app) *cobra.Command {
	var prune time.Duration

	cmd := &cobra.Command{
		Use:   "history [job-id]",
		Short: "List recorded transfers or show one in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openHistory()
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			if prune > 0 {
				n, err := s.Prune(time.Now().Add(-prune))
				if err != nil {
					return fmt.Errorf("pruning history: %w", err)
				}
				fmt.Fprintf(out, "Removed %d finished transfer(s) older than %s.\n", n, prune)
				return nil
			}
			if len(args) == 1 {
				rec, err := s.GetJob(args[0])
				if err != nil {
					return fmt.Errorf("job %s: %w", args[0], err)
				}
				printRecord(out, rec)
				return nil
			}

			jobs, err := s.ListJobs()
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No transfers recorded.")
				return nil
			}
			fmt.Fprintln(out, historyTable(jobs))
			return nil
		},
	}
	cmd.Flags().DurationVar(&prune, "prune", 0, "Delete finished transfers older than this age (e.g. 720h)")

	return cmd
}

func historyTable(jobs []*store.JobRecord) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "STATE", "SOURCE", "DESTINATION", "SIZE", "UPDATED")
	for _, j := range jobs {
		t.Row(
			j.ID,
			string(j.State),
			j.SourcePath,
			j.DestinationPath,
			ui.FormatBytes(j.TotalBytes),
			j.UpdatedAt.Local().Format(time.DateTime),
		)
	}
	return t.String()
}

func printRecord(w io.Writer, rec *store.JobRecord) {
	fmt.Fprintf(w, "ID:          %s\n", rec.ID)
	fmt.Fprintf(w, "State:       %s\n", rec.State)
	fmt.Fprintf(w, "Source:      %s\n", rec.SourcePath)
	fmt.Fprintf(w, "Destination: %s\n", rec.DestinationPath)
	fmt.Fprintf(w, "Transferred: %s of %s\n", ui.FormatBytes(rec.BytesTransferred), ui.FormatBytes(rec.TotalBytes))
	if rec.Checksum != 0 {
		fmt.Fprintf(w, "CRC64:       %016x\n", rec.Checksum)
	}
	if rec.Error != "" {
		fmt.Fprintf(w, "Error:       %s\n", rec.Error)
	}
	fmt.Fprintf(w, "Started:     %s\n", rec.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Updated:     %s\n", rec.UpdatedAt.Local().Format(time.DateTime))
}

func newVerifyCmd(a *app) *cobra.Command {
	var bucket string

	cmd := &cobra.Command{
		Use:   "verify <job-id>",
		Short: "Re-read a completed copy and compare it with its recorded checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openHistory()
			if err != nil {
				return err
			}
			defer s.Close()

			rec, err := s.GetJob(args[0])
			if err != nil {
				return fmt.Errorf("job %s: %w", args[0], err)
			}
			if rec.State != store.StateCompleted || rec.Checksum == 0 {
				return fmt.Errorf("job %s (%s): %w", rec.ID, rec.State, errNotVerifiable)
			}

			dest := rec.DestinationPath
			if bucket != "" {
				dest = "s3://" + bucket + "/" + rec.DestinationPath
			}
			loc, err := newProviderCache(a.conf.S3).resolve(cmd.Context(), dest)
			if err != nil {
				return err
			}
			return verifyRecord(cmd, loc.provider, rec)
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "S3 bucket holding the destination, for copies made to S3")

	return cmd
}

func verifyRecord(cmd *cobra.Command, p provider.Provider, rec *store.JobRecord) error {
	sum, n, err := engine.ChecksumFile(cmd.Context(), p, rec.DestinationPath)
	if err != nil {
		return err
	}
	if sum != rec.Checksum || n != rec.BytesTransferred {
		return fmt.Errorf("%s: %w: recorded %016x (%d bytes), found %016x (%d bytes)",
			rec.DestinationPath, engine.ErrChecksumMismatch, rec.Checksum, rec.BytesTransferred, sum, n)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%016x)\n", rec.DestinationPath, sum)
	return nil
}
