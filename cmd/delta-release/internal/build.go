package internal

import (
	"github.com/spf13/cobra"
)

var (
	buildTargets targetFlags
	buildOpts    orchestratorOptions
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build and package targets without publishing",
	Long: `Build runs the pipeline up to packaging and leaves the artifacts in the
output directory. Use it with --target to build one target per CI job, then
collect the output directories and run "publish" once.`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

func init() {
	buildTargets.register(buildCmd)
	buildCmd.Flags().IntVarP(&buildOpts.parallel, "parallel", "j", 0, "Maximum targets processed at once (default from configuration)")
	buildCmd.Flags().BoolVar(&buildOpts.sudo, "sudo", false, "Install host packages through sudo")
	buildCmd.Flags().BoolVar(&buildOpts.debug, "debug", false, "Build with the debug profile")
	buildCmd.Flags().BoolVarP(&buildOpts.verbose, "verbose", "v", false, "Show compiler output")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := newSession(ctx, &buildTargets)
	if err != nil {
		return err
	}
	o, err := s.orchestrator(nil, buildOpts)
	if err != nil {
		return err
	}
	run, err := o.Run(ctx, s.meta, s.tag, s.targets)
	if err != nil {
		return err
	}
	printRun(cmd.OutOrStdout(), run)
	return exitFor(run)
}
