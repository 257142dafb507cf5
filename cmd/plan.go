package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/bucket/internal/output"
	"github.com/tanq16/bucket/internal/planner"
	"github.com/tanq16/bucket/internal/utils"
)

func newPlanCmd() *cobra.Command {
	var manifestSource string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "plan DISTRIBUTION [VERSION] [--manifest SOURCE]",
		Short: "Show how a distribution would be split into buckets without downloading",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			distribution, version := distributionArgs(args)
			m, version, err := resolveManifest(cmd.Context(), distribution, version, manifestSource)
			if err != nil {
				return err
			}

			// Planning creates directories, so a dry run plans into a scratch root.
			scratch, err := os.MkdirTemp("", "bucket-plan-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(scratch)
			buckets, err := planner.Plan(distribution, scratch, m, planner.Options{})
			if err != nil {
				return err
			}

			perVersion := make(map[string]int)
			drops := 0
			for _, b := range buckets {
				perVersion[b.Version]++
				drops += len(b.Drops)
			}
			output.PrintHeader(fmt.Sprintf("Plan for %s %s", distribution, version))
			output.PrintField("files", fmt.Sprint(len(m)))
			output.PrintField("ranges", fmt.Sprint(drops))
			output.PrintField("buckets", fmt.Sprint(len(buckets)))
			output.PrintField("size", utils.FormatBytes(uint64(m.Size())))
			for _, v := range m.Versions() {
				output.PrintField("version", fmt.Sprintf("%s (%d buckets)", v, perVersion[v]))
			}
			if verbose {
				fmt.Println()
				for i, b := range buckets {
					fmt.Printf("  %s %s %s\n", output.FDetail(fmt.Sprintf("%4d", i)), output.FDebug(utils.FormatBytes(uint64(b.Size()))), fmt.Sprintf("%d ranges, first %s [%d]", len(b.Drops), b.Drops[0].Filename, b.Drops[0].Index))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestSource, "manifest", "m", "", "Manifest file, http(s) URL or s3://bucket/key instead of fetching from the server")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "List every bucket")
	return cmd
}
