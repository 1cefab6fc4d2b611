package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fengyichui/delta/internal/build"
	"github.com/fengyichui/delta/internal/config"
	"github.com/fengyichui/delta/internal/ctxlog"
	"github.com/fengyichui/delta/internal/env"
	"github.com/fengyichui/delta/internal/hostdeps"
	"github.com/fengyichui/delta/internal/pack"
	"github.com/fengyichui/delta/internal/pipeline"
	"github.com/fengyichui/delta/internal/publish"
	"github.com/fengyichui/delta/internal/release"
	"github.com/fengyichui/delta/internal/target"
	"github.com/fengyichui/delta/internal/vcs"
)

// session is the state shared by every command: the configuration, the
// release being made, and the targets selected for this invocation.
type session struct {
	cfg     *config.Config
	tag     release.Tag
	meta    release.Metadata
	targets *target.Set // selected with --target
}

// targetFlags are the flags shared by commands that operate on a release.
type targetFlags struct {
	tag     string
	targets []string

	// optionalTag substitutes placeholderTag when no tag is known.
	optionalTag bool
}

var placeholderTag = release.Tag{Name: "vVERSION", Version: "VERSION"}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.tag, "tag", "", "Release tag (default: from GITHUB_REF / GITHUB_REF_NAME, then tags at HEAD)")
	cmd.Flags().StringSliceVarP(&f.targets, "target", "t", nil, "Only process these target triples")
}

// newSession resolves the tag, loads the configuration and validates the
// matrix. The full matrix is validated even when --target narrows it, so
// that a single-target job cannot publish colliding names.
func newSession(ctx context.Context, f *targetFlags) (*session, error) {
	var (
		tag release.Tag
		err error
	)
	if f.tag != "" {
		tag, err = release.ParseTag(f.tag)
	} else {
		tag, err = resolveTag(ctx)
		if errors.Is(err, release.ErrNoTag) && f.optionalTag {
			tag, err = placeholderTag, nil
		}
	}
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(ctx, configPath, config.Vars{Environ: os.Environ(), Version: tag.Version})
	if err != nil {
		return nil, err
	}
	meta, err := cfg.Metadata(tag, target.FromGOOS(runtime.GOOS))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(meta); err != nil {
		return nil, fmt.Errorf("invalid target matrix:\n%w", err)
	}
	selected, err := cfg.Targets.Filter(f.targets)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, tag: tag, meta: meta, targets: selected}, nil
}

// resolveTag looks for the release tag in the CI environment, then among the
// tags of the checked-out commit.
func resolveTag(ctx context.Context) (release.Tag, error) {
	tag, err := release.TagFromEnv(os.Getenv)
	if !errors.Is(err, release.ErrNoTag) {
		return tag, err
	}
	tags, gitErr := vcs.NewGit(filepath.Dir(configPath)).TagsAtHead(ctx)
	if gitErr != nil {
		ctxlog.FromContext(ctx).Debug("No tags from git.", "err", gitErr)
		return release.Tag{}, err
	}
	return release.HighestTag(tags)
}

type orchestratorOptions struct {
	parallel int
	sudo     bool
	debug    bool
	verbose  bool
}

func (s *session) orchestrator(publisher pipeline.Publisher, opts orchestratorOptions) (*pipeline.Orchestrator, error) {
	lock, err := env.HostLockFile()
	if err != nil {
		return nil, err
	}
	resolver := hostdeps.NewResolver(
		hostdeps.NewApt(hostdeps.WithSudo(opts.sudo)),
		hostdeps.WithHostLock(lock),
		hostdeps.WithRetry(3, 5*time.Second),
	)

	native, cross := build.NewCargo(), build.NewCross()
	if opts.verbose {
		native.Stdout, native.Stderr = os.Stderr, os.Stderr
		cross.Stdout, cross.Stderr = os.Stderr, os.Stderr
	}
	buildOpts := []build.Option{
		build.WithBackends(native, cross),
		build.WithEnv(s.cfg.Env),
	}
	if !s.cfg.Strip {
		buildOpts = append(buildOpts, build.WithStrip(nil))
	}
	executor := build.NewExecutor(s.cfg.SourceDir, s.cfg.Binary, buildOpts...)

	parallel := s.cfg.MaxParallel
	if opts.parallel > 0 {
		parallel = opts.parallel
	}
	return pipeline.New(resolver, executor, pack.New(s.cfg.Pack), publisher, pipeline.Config{
		MaxParallel: parallel,
		Release:     !opts.debug,
		Timeouts:    s.cfg.Timeouts,
		RecordDir:   s.cfg.OutputDir,
	}), nil
}

// sink returns the release host: a local directory for dry runs, GitHub
// otherwise.
func (s *session) sink(dryRunDir string) (publish.Sink, error) {
	if dryRunDir != "" {
		return &publish.DirSink{Dir: dryRunDir}, nil
	}
	if s.cfg.Repository == "" {
		return nil, errors.New("repository is not configured; set it in the configuration or use --dry-run")
	}
	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		return nil, errors.New("GITHUB_TOKEN is not set")
	}
	var opts []publish.GitHubOption
	if api := os.Getenv("GITHUB_API_URL"); api != "" {
		opts = append(opts, publish.WithAPIURL(api))
	}
	opts = append(opts, publish.WithDraft(s.cfg.Draft))
	return publish.NewGitHub(s.cfg.Repository, token, opts...)
}

// -----------------------------------------------------------------------------

// printRun writes a per-target summary of run to w.
func printRun(w io.Writer, run *pipeline.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tSTATE\tARTIFACTS\tERROR")
	for _, res := range run.Results {
		var names []string
		for _, a := range res.Artifacts {
			names = append(names, a.Filename)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", res.Triple, res.State, join(names), firstLine(res.Error))
	}
	tw.Flush()
	fmt.Fprintf(w, "\nrun %s: %s\n", run.ID, run.Outcome)
	if run.Report != nil && len(run.Report.Missing) > 0 {
		fmt.Fprintf(w, "missing targets: %s\n", join(run.Report.Missing))
	}
}

// exitFor maps a run outcome onto the process exit status.
func exitFor(run *pipeline.Run) error {
	switch run.Outcome {
	case pipeline.Success:
		return nil
	case pipeline.Degraded:
		if n := len(run.Failed()); n > 0 {
			return &exitError{code: exitDegraded, msg: fmt.Sprintf("release %s is degraded: %d target(s) failed", run.Tag, n)}
		}
		return &exitError{code: exitDegraded, msg: fmt.Sprintf("release %s is incomplete", run.Tag)}
	}
	return &exitError{code: exitFailure, msg: fmt.Sprintf("release %s failed: no target was packaged", run.Tag)}
}

func join(ss []string) string {
	if len(ss) == 0 {
		return "-"
	}
	return strings.Join(ss, ", ")
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
