package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/bucket/internal/journal"
	"github.com/tanq16/bucket/internal/manifest"
	"github.com/tanq16/bucket/internal/output"
	"github.com/tanq16/bucket/internal/utils"
	"github.com/tanq16/bucket/internal/verify"
)

func newVerifyCmd() *cobra.Command {
	var manifestSource string

	cmd := &cobra.Command{
		Use:   "verify DISTRIBUTION [VERSION] [--manifest SOURCE]",
		Short: "Re-hash an installed distribution against its manifest",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			distribution, version := distributionArgs(args)
			m, version, err := resolveManifest(cmd.Context(), distribution, version, manifestSource)
			if err != nil {
				return err
			}
			report, err := verify.Run(cmd.Context(), cfg.InstallDir, m, cfg.Workers)
			if err != nil {
				return err
			}
			for _, p := range report.Problems {
				fmt.Println("  " + output.FError(output.StyleSymbols["fail"]) + " " + p.String())
			}
			if cfg.Journal != "" {
				recorded, unverified, err := journalSummary(cfg.Journal, distribution, m)
				if err != nil {
					log.Warn().Str("op", "cmd/verify").Err(err).Msg("Could not read journal")
				} else if unverified > 0 {
					output.PrintField("journal", output.FWarning(fmt.Sprintf("%s %d of %d ranges were kept with checksum mismatches", output.StyleSymbols["warning"], unverified, recorded)))
				} else {
					output.PrintField("journal", output.FSuccess(fmt.Sprintf("%s %d ranges recorded", output.StyleSymbols["pass"], recorded)))
				}
			}
			if err := report.Err(); err != nil {
				return err
			}
			output.PrintSuccess(fmt.Sprintf("%s %s verified: %d files, %d ranges, %s", distribution, version, report.Files, report.Drops, utils.FormatBytes(uint64(report.Bytes))))
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestSource, "manifest", "m", "", "Manifest file, http(s) URL or s3://bucket/key instead of fetching from the server")
	return cmd
}

// journalSummary counts the journal entries that belong to the files and
// versions of m, and how many of them were written with a mismatched digest.
func journalSummary(path, distribution string, m manifest.Manifest) (recorded, unverified int, err error) {
	j, err := journal.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer j.Close()
	entries, err := j.Entries(distribution)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		chunk, ok := m[e.Filename]
		if !ok || chunk.VersionName != e.Version {
			continue
		}
		recorded++
		if !e.Verified() {
			unverified++
		}
	}
	return recorded, unverified, nil
}
