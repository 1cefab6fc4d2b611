package internal

import (
	"github.com/spf13/cobra"

	"github.com/fengyichui/delta/internal/pipeline"
	"github.com/fengyichui/delta/internal/publish"
)

var (
	runTargets   targetFlags
	runOpts      orchestratorOptions
	runDryRun    string
	runNoPublish bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Build, package and publish every target",
	Long: `Run takes every target of the release matrix through host dependency
installation, build and packaging, then publishes the artifacts of the
targets that succeeded. Exits 0 on success, 2 when some targets failed and
1 when none could be packaged.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runTargets.register(runCmd)
	runCmd.Flags().IntVarP(&runOpts.parallel, "parallel", "j", 0, "Maximum targets processed at once (default from configuration)")
	runCmd.Flags().BoolVar(&runOpts.sudo, "sudo", false, "Install host packages through sudo")
	runCmd.Flags().BoolVar(&runOpts.debug, "debug", false, "Build with the debug profile")
	runCmd.Flags().BoolVarP(&runOpts.verbose, "verbose", "v", false, "Show compiler output")
	runCmd.Flags().StringVar(&runDryRun, "dry-run", "", "Publish into this directory instead of GitHub")
	runCmd.Flags().BoolVar(&runNoPublish, "no-publish", false, "Stop after packaging")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := newSession(ctx, &runTargets)
	if err != nil {
		return err
	}

	var publisher pipeline.Publisher
	if !runNoPublish {
		sink, err := s.sink(runDryRun)
		if err != nil {
			return err
		}
		publisher = publish.New(sink, s.cfg.Publish)
	}

	o, err := s.orchestrator(publisher, runOpts)
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
