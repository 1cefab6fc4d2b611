package internal

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fengyichui/delta/internal/ctxlog"
	"github.com/fengyichui/delta/internal/publish"
)

var (
	publishTargets targetFlags
	publishDryRun  string
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish artifacts already present in the output directory",
	Long: `Publish finds the artifacts of the release matrix in the output directory
and uploads them to the release of the tag. Targets without an archive are
recorded as missing in the release manifest.`,
	Args: cobra.NoArgs,
	RunE: runPublish,
}

func init() {
	publishTargets.register(publishCmd)
	publishCmd.Flags().StringVar(&publishDryRun, "dry-run", "", "Publish into this directory instead of GitHub")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := newSession(ctx, &publishTargets)
	if err != nil {
		return err
	}
	artifacts, err := publish.Discover(s.cfg.OutputDir, s.targets, s.meta, s.cfg.Pack)
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		return fmt.Errorf("no artifacts for %s found in %s", s.tag.Name, s.cfg.OutputDir)
	}
	ctxlog.FromContext(ctx).Info("Discovered artifacts.", "count", len(artifacts), "dir", s.cfg.OutputDir)

	sink, err := s.sink(publishDryRun)
	if err != nil {
		return err
	}
	report, err := publish.New(sink, s.cfg.Publish).Publish(ctx, artifacts, s.tag, s.meta, s.targets)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ARTIFACT\tTARGET\tSTATUS")
	for _, a := range report.Published {
		fmt.Fprintf(tw, "%s\t%s\tpublished\n", a.Filename, a.Target)
	}
	for _, f := range report.Failed {
		fmt.Fprintf(tw, "%s\t%s\tfailed: %v\n", f.Artifact, f.Target, f.Err)
	}
	tw.Flush()
	if len(report.Missing) > 0 {
		fmt.Fprintf(w, "\nmissing targets: %s\n", join(report.Missing))
	}

	if !report.Complete() {
		return &exitError{code: exitDegraded, msg: fmt.Sprintf("release %s is incomplete", s.tag.Name)}
	}
	return nil
}
