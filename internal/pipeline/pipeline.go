// Package pipeline drives every release target through dependency
// resolution, build, packaging and publishing, and decides the outcome of
// the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fengyichui/delta/internal/build"
	"github.com/fengyichui/delta/internal/ctxlog"
	"github.com/fengyichui/delta/internal/pack"
	"github.com/fengyichui/delta/internal/par"
	"github.com/fengyichui/delta/internal/publish"
	"github.com/fengyichui/delta/internal/release"
	"github.com/fengyichui/delta/internal/target"
)

// Resolver prepares the host for a target.
type Resolver interface {
	Resolve(ctx context.Context, d target.Descriptor) error
}

// Builder compiles a target.
type Builder interface {
	Build(ctx context.Context, d target.Descriptor, release bool) (build.Binary, error)
}

// Packager turns a binary into artifacts.
type Packager interface {
	Package(ctx context.Context, bin build.Binary, d target.Descriptor, meta release.Metadata) ([]pack.Artifact, error)
}

// Publisher uploads the artifacts of a run.
type Publisher interface {
	Publish(ctx context.Context, artifacts []pack.Artifact, tag release.Tag, meta release.Metadata, expected *target.Set) (*publish.Report, error)
}

// Timeouts bounds each stage. Zero disables the bound.
type Timeouts struct {
	Dependencies time.Duration
	Build        time.Duration
	Package      time.Duration
	Publish      time.Duration
}

func (t Timeouts) of(s Stage) time.Duration {
	switch s {
	case StageDependencies:
		return t.Dependencies
	case StageBuild:
		return t.Build
	case StagePackage:
		return t.Package
	case StagePublish:
		return t.Publish
	}
	return 0
}

// Config configures an Orchestrator.
type Config struct {
	MaxParallel int  // targets processed at once; default 1
	Release     bool // build with the release profile
	Timeouts    Timeouts
	RecordDir   string // where run-<id>.json is written; empty disables
}

// TargetResult is the record of one target in a run.
type TargetResult struct {
	Target      target.Descriptor `json:"-"`
	Triple      string            `json:"target"`
	State       State             `json:"state"`
	FailedStage Stage             `json:"failed_stage,omitempty"`
	Err         error             `json:"-"`
	Error       string            `json:"error,omitempty"`
	Binary      *build.Binary     `json:"binary,omitempty"`
	Artifacts   []pack.Artifact   `json:"artifacts,omitempty"`
	Duration    time.Duration     `json:"duration"`
}

func (r *TargetResult) advance(to State) {
	if !r.State.CanTransition(to) {
		panic(fmt.Errorf("pipeline: %s: %w: %s -> %s", r.Triple, ErrInvalidTransition, r.State, to))
	}
	r.State = to
}

func (r *TargetResult) fail(stage Stage, err error) {
	r.advance(Failed)
	r.FailedStage = stage
	r.Err = err
	r.Error = err.Error()
}

// packaged reports whether the target got as far as producing artifacts.
func (r *TargetResult) packaged() bool {
	switch r.State {
	case Packaged, Published:
		return true
	case Failed:
		return r.FailedStage == StagePublish
	}
	return false
}

// Run is one execution of the pipeline for a tag.
type Run struct {
	ID         string           `json:"id"`
	Metadata   release.Metadata `json:"metadata"`
	Tag        string           `json:"tag"`
	Targets    *target.Set      `json:"-"`
	Results    []*TargetResult  `json:"results"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Outcome    Outcome          `json:"outcome"`
	Report     *publish.Report  `json:"publish,omitempty"`
}

// Artifacts returns the artifacts of every packaged target in target order.
func (r *Run) Artifacts() []pack.Artifact {
	var arts []pack.Artifact
	for _, res := range r.Results {
		if res.packaged() {
			arts = append(arts, res.Artifacts...)
		}
	}
	return arts
}

// Failed returns the results of failed targets.
func (r *Run) Failed() []*TargetResult {
	var failed []*TargetResult
	for _, res := range r.Results {
		if res.State == Failed {
			failed = append(failed, res)
		}
	}
	return failed
}

func (r *Run) decide() Outcome {
	packaged := 0
	for _, res := range r.Results {
		if res.packaged() {
			packaged++
		}
	}
	switch {
	case packaged == 0:
		return Failure
	case len(r.Failed()) > 0:
		return Degraded
	case r.Report != nil && !r.Report.Complete():
		return Degraded
	}
	return Success
}

// Orchestrator runs targets through the stages. It is the only writer of
// Run.Results; stages hand their outcome back through return values.
type Orchestrator struct {
	resolver  Resolver
	builder   Builder
	packager  Packager
	publisher Publisher // nil disables publishing
	cfg       Config
}

// New creates an Orchestrator. publisher may be nil.
func New(resolver Resolver, builder Builder, packager Packager, publisher Publisher, cfg Config) *Orchestrator {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	return &Orchestrator{
		resolver:  resolver,
		builder:   builder,
		packager:  packager,
		publisher: publisher,
		cfg:       cfg,
	}
}

// Run processes every target of set and, once all have reached a terminal
// or packaged state, hands the artifacts of the packaged ones to the
// publisher exactly once. Target failures are recorded in the returned Run,
// not returned as errors.
func (o *Orchestrator) Run(ctx context.Context, meta release.Metadata, tag release.Tag, set *target.Set) (*Run, error) {
	if set == nil || set.Len() == 0 {
		return nil, target.ErrNoTargets
	}

	run := &Run{
		ID:        uuid.NewString(),
		Metadata:  meta,
		Tag:       tag.Name,
		Targets:   set,
		StartedAt: time.Now(),
	}
	ctx = ctxlog.With(ctx, "run", run.ID)
	logger := ctxlog.FromContext(ctx)
	logger.Info("Starting release run.", "tag", tag.Name, "targets", set.Len(), "parallel", o.cfg.MaxParallel)

	var w par.Work[int]
	for i, d := range set.Targets() {
		run.Results = append(run.Results, &TargetResult{Target: d, Triple: d.Triple})
		w.Add(i)
	}
	w.Do(o.cfg.MaxParallel, func(i int) {
		o.runTarget(ctx, meta, run.Results[i])
	})

	o.publish(ctx, meta, tag, run)

	run.FinishedAt = time.Now()
	run.Outcome = run.decide()
	for _, res := range run.Failed() {
		logger.Warn("Target failed.", "target", res.Triple, "stage", res.FailedStage, "err", res.Err)
	}
	logger.Info("Release run finished.", "outcome", run.Outcome, "duration", run.FinishedAt.Sub(run.StartedAt))

	if o.cfg.RecordDir != "" {
		if path, err := WriteRecord(o.cfg.RecordDir, run); err != nil {
			logger.Error("Failed to write run record.", "err", err)
		} else {
			logger.Debug("Wrote run record.", "path", path)
		}
	}
	return run, nil
}

// runTarget moves one target from Pending to Packaged or Failed.
func (o *Orchestrator) runTarget(ctx context.Context, meta release.Metadata, res *TargetResult) {
	d := res.Target
	ctx = ctxlog.With(ctx, "target", d.Triple)
	logger := ctxlog.FromContext(ctx)
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	_, err := runStage(ctx, StageDependencies, o.cfg.Timeouts, nil, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.resolver.Resolve(ctx, d)
	})
	if err != nil {
		res.fail(StageDependencies, err)
		return
	}
	res.advance(DependenciesResolved)

	bin, err := runStage(ctx, StageBuild, o.cfg.Timeouts, nil, func(ctx context.Context) (build.Binary, error) {
		return o.builder.Build(ctx, d, o.cfg.Release)
	})
	if err != nil {
		res.fail(StageBuild, err)
		return
	}
	res.advance(Built)
	res.Binary = &bin
	logger.Info("Built target.", "binary", bin.Path, "sha256", bin.Digest)

	arts, err := runStage(ctx, StagePackage, o.cfg.Timeouts, removeArtifacts, func(ctx context.Context) ([]pack.Artifact, error) {
		return o.packager.Package(ctx, bin, d, meta)
	})
	if err != nil {
		res.fail(StagePackage, err)
		return
	}
	res.advance(Packaged)
	res.Artifacts = arts
	logger.Info("Packaged target.", "artifacts", len(arts))
}

// publish uploads the artifacts of packaged targets and settles their
// final state.
func (o *Orchestrator) publish(ctx context.Context, meta release.Metadata, tag release.Tag, run *Run) {
	if o.publisher == nil {
		return
	}
	var packaged []*TargetResult
	for _, res := range run.Results {
		if res.State == Packaged {
			packaged = append(packaged, res)
		}
	}
	if err := ctx.Err(); err != nil {
		// Cancelled runs never surface artifacts.
		for _, res := range packaged {
			res.fail(StagePublish, err)
		}
		return
	}
	if len(packaged) == 0 {
		ctxlog.FromContext(ctx).Error("Nothing to publish; every target failed.")
		return
	}

	report, err := runStage(ctx, StagePublish, o.cfg.Timeouts, nil, func(ctx context.Context) (*publish.Report, error) {
		return o.publisher.Publish(ctx, run.Artifacts(), tag, meta, run.Targets)
	})
	run.Report = report
	if err != nil {
		for _, res := range packaged {
			res.fail(StagePublish, err)
		}
		return
	}

	failed := make(map[string]error)
	for _, f := range report.Failed {
		if f.Target != "" {
			failed[f.Target] = errors.Join(failed[f.Target], f)
		}
	}
	for _, res := range packaged {
		if err := failed[res.Triple]; err != nil {
			res.fail(StagePublish, err)
			continue
		}
		res.advance(Published)
	}
}

// StageError reports a stage that ran out of time.
type StageError struct {
	Stage   Stage
	Timeout time.Duration
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage timed out after %s", e.Stage, e.Timeout)
}

func (e *StageError) Unwrap() error { return e.Err }

// runStage runs f under the stage timeout. It returns when f does or when
// ctx ends, whichever is first. A result f produces after runStage gave up
// is handed to discard, when non-nil, instead of being lost.
func runStage[T any](ctx context.Context, stage Stage, timeouts Timeouts, discard func(T), f func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	timeout := timeouts.of(stage)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx = ctxlog.With(ctx, "stage", stage.String())

	type result struct {
		v   T
		err error
	}
	var (
		mu        sync.Mutex
		abandoned bool
	)
	ch := make(chan result, 1)
	go func() {
		v, err := f(ctx)
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			if err == nil && discard != nil {
				discard(v)
			}
			return
		}
		ch <- result{v, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		mu.Lock()
		select {
		case r = <-ch:
		default:
			abandoned = true
			r = result{v: zero, err: ctx.Err()}
		}
		mu.Unlock()
	}
	if r.err != nil && timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return zero, &StageError{Stage: stage, Timeout: timeout, Err: r.err}
	}
	return r.v, r.err
}

// removeArtifacts deletes the files of artifacts that will not be
// published.
func removeArtifacts(arts []pack.Artifact) {
	for _, a := range arts {
		os.Remove(a.Path)
	}
}
