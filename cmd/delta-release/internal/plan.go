package internal

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fengyichui/delta/internal/pack"
	"github.com/fengyichui/delta/internal/target"
)

var planTargets = targetFlags{optionalTag: true}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show how each target will be built and packaged",
	Long: `Plan validates the release matrix and prints, for every target, the build
strategy, the host packages it needs and the artifacts it will produce.
Without a tag, artifact names use the version placeholder "VERSION".`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

func init() {
	planTargets.register(planCmd)
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd.Context(), &planTargets)
	if err != nil {
		return err
	}
	return printPlan(cmd.OutOrStdout(), s)
}

func printPlan(w io.Writer, s *session) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tOS\tSTRATEGY\tHOST PACKAGES\tSTRIP\tARTIFACTS")
	for _, d := range s.targets.Targets() {
		plan := target.PlanFor(d)
		names, err := pack.Names(s.meta, d, s.cfg.Pack)
		if err != nil {
			return err
		}
		strip := plan.StripTool
		if strip == "" || !s.cfg.Strip {
			strip = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", d.Triple, d.OS, plan.Strategy, join(plan.Packages), strip, join(names))
	}
	return tw.Flush()
}
