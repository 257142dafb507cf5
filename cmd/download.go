package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/bucket/internal/coordinator"
	"github.com/tanq16/bucket/internal/journal"
	"github.com/tanq16/bucket/internal/output"
	"github.com/tanq16/bucket/internal/planner"
	"github.com/tanq16/bucket/internal/utils"
)

func newDownloadCmd() *cobra.Command {
	var manifestSource string

	cmd := &cobra.Command{
		Use:   "download DISTRIBUTION [VERSION] [--manifest SOURCE]",
		Short: "Download and install a distribution",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			distribution, version := distributionArgs(args)
			m, version, err := resolveManifest(ctx, distribution, version, manifestSource)
			if err != nil {
				return err
			}
			buckets, err := planner.Plan(distribution, cfg.InstallDir, m, planner.Options{})
			if err != nil {
				return err
			}
			log.Info().Str("op", "cmd/download").Str("run", runID).Msgf("Planned %d buckets for %s %s", len(buckets), distribution, version)

			client, err := newRemoteClient()
			if err != nil {
				return err
			}
			opts := coordinator.Options{
				Workers: cfg.Workers,
				Retries: cfg.Retries,
				Backoff: cfg.Backoff,
				Strict:  !cfg.LenientChecksums,
			}
			if cfg.Journal != "" {
				j, err := journal.Open(cfg.Journal)
				if err != nil {
					return err
				}
				defer j.Close()
				opts.Recorder = j
				opts.Resumer = j
			}
			if opts.Strict {
				output.PrintInfo(fmt.Sprintf("Downloading %s %s into %s (%d buckets, %s)", distribution, version, cfg.InstallDir, len(buckets), utils.FormatBytes(uint64(m.Size()))))
			} else {
				output.PrintWarning(fmt.Sprintf("Downloading %s %s into %s with checksum mismatches only logged", distribution, version, cfg.InstallDir))
			}

			manager := output.NewManager()
			opts.Reporter = manager
			restore := quietLogs()
			manager.StartDisplay()
			result, err := coordinator.New(client, opts).Run(ctx, distribution, buckets)
			manager.StopDisplay()
			restore()
			if err != nil {
				return err
			}
			if result.Buckets == 0 {
				output.PrintSuccess(fmt.Sprintf("%s %s is already installed in %s", distribution, version, cfg.InstallDir))
				return nil
			}
			if result.Skipped > 0 {
				output.PrintInfo(fmt.Sprintf("Resumed: %d buckets were already complete", result.Skipped))
			}
			output.PrintSuccess(fmt.Sprintf("Finished download of %s (%s) in %s", distribution, utils.FormatBytes(uint64(result.Bytes)), result.Elapsed.Round(time.Millisecond)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestSource, "manifest", "m", "", "Manifest file, http(s) URL or s3://bucket/key instead of fetching from the server")
	return cmd
}

// quietLogs silences terminal logging while the live display redraws,
// returning a func that restores the previous level.
func quietLogs() func() {
	previous := zerolog.GlobalLevel()
	if fileLog || debug || !output.IsTerminal(os.Stdout) {
		return func() {}
	}
	zerolog.SetGlobalLevel(zerolog.Disabled)
	return func() { zerolog.SetGlobalLevel(previous) }
}
