package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/driver_downloader/internal/digest"
	"github.com/italolelis/driver_downloader/internal/downloader"
	"github.com/italolelis/driver_downloader/internal/events"
	"github.com/italolelis/driver_downloader/internal/http/fetch"
	"github.com/italolelis/driver_downloader/internal/logctx"
	"github.com/italolelis/driver_downloader/internal/transfer"
	"github.com/spf13/cobra"
)

var getFlags struct {
	output    string
	checksum  string
	algorithm string
	verbose   bool
}

var getCmd = &cobra.Command{
	Use:     "get <url>",
	Short:   "Download a single file, resuming a partial copy when the server allows it",
	Example: "driver_downloader get https://example.com/driver.zip -o ~/drivers/driver.zip --checksum 9f86d08...",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runGet(cmd.Context(), args[0]); err != nil {
			die("%v", err)
		}
	},
}

func init() {
	getCmd.Flags().StringVarP(&getFlags.output, "output", "o", "", "destination file (default: last url path segment in the current directory)")
	getCmd.Flags().StringVar(&getFlags.checksum, "checksum", "", "expected hex digest of the file")
	getCmd.Flags().StringVar(&getFlags.algorithm, "algorithm", digest.DefaultAlgorithm, fmt.Sprintf("digest algorithm %v", digest.Algorithms()))
	getCmd.Flags().BoolVarP(&getFlags.verbose, "verbose", "v", false, "log transfer details to stderr")

	rootCmd.AddCommand(getCmd)
}

func runGet(ctx context.Context, rawURL string) error {
	level := slog.LevelError
	if getFlags.verbose {
		level = slog.LevelDebug
	}

	ctx = logctx.WithLogger(ctx, logctx.NewLogger(os.Stderr, level, false))

	verifier, err := digest.New(getFlags.algorithm)
	if err != nil {
		return err
	}

	dest := getFlags.output
	if dest == "" {
		if dest, err = downloader.DefaultDestination(".", rawURL); err != nil {
			return err
		}
	}

	broker := events.NewBroker()
	defer broker.Close()

	sub := broker.Subscribe(events.DefaultBuffer)
	defer sub.Close()

	controller := downloader.NewController(fetch.NewClient(fetch.DefaultOptions()), broker, downloader.Options{
		Verifier: verifier,
	})

	id, err := controller.Start(ctx, transfer.Target{
		URL:            rawURL,
		Destination:    dest,
		ExpectedDigest: getFlags.checksum,
	}, transfer.PriorityHigh)
	if err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	for {
		select {
		case <-signals:
			fmt.Fprintln(os.Stderr, "\ninterrupted, canceling download...")

			_ = controller.Cancel(id)
		case e, ok := <-sub.C():
			if !ok {
				return fmt.Errorf("event stream closed before the download finished")
			}

			if e.Progress != nil {
				printProgress(controller, e.Progress)

				continue
			}

			if e.Outcome != nil {
				return reportOutcome(*e.Outcome)
			}
		}
	}
}

func printProgress(controller *downloader.Controller, p *transfer.ProgressEvent) {
	snap, err := controller.Session(p.ID)
	if err != nil {
		return
	}

	fmt.Fprintf(os.Stderr, "\r%3d%%  %s / %s", p.Percent,
		humanize.IBytes(uint64(snap.BytesTransferred)), humanize.IBytes(uint64(max(snap.TotalBytes, 0))))
}

func reportOutcome(o transfer.OutcomeEvent) error {
	fmt.Fprintln(os.Stderr)

	if !o.Success {
		return fmt.Errorf("download of %s failed: %s", o.Target.URL, o.Message)
	}

	if info, err := os.Stat(o.Target.Destination); err == nil {
		fmt.Fprintf(os.Stderr, "%s: %s (%s)\n", o.Message, o.Target.Destination, humanize.IBytes(uint64(info.Size())))
	}

	return nil
}
