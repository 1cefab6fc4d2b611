// Package publish uploads packaged artifacts to a release host.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fengyichui/delta/internal/ctxlog"
	"github.com/fengyichui/delta/internal/pack"
	"github.com/fengyichui/delta/internal/release"
	"github.com/fengyichui/delta/internal/target"
)

// ManifestName is the asset name of the release manifest.
const ManifestName = "release-manifest.yaml"

// Release identifies a release on the host.
type Release struct {
	ID        int64            `json:"id,omitempty"`
	Tag       string           `json:"tag"`
	URL       string           `json:"url,omitempty"`
	UploadURL string           `json:"-"`
	Assets    map[string]int64 `json:"-"` // existing asset IDs by name
}

// Sink is a release host.
type Sink interface {
	// EnsureRelease returns the release for tag, creating it if needed.
	EnsureRelease(ctx context.Context, tag release.Tag) (Release, error)
	// Upload stores the file at path as asset name, replacing an existing
	// asset of the same name.
	Upload(ctx context.Context, rel Release, name, path string) error
}

// Options configures retries and concurrency.
type Options struct {
	Attempts   int           // per artifact, including the first; default 3
	Backoff    time.Duration // delay before the second attempt; default 2s
	MaxBackoff time.Duration // default 30s
	Parallel   int           // concurrent uploads; default 4
}

func (o Options) withDefaults() Options {
	if o.Attempts < 1 {
		o.Attempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 2 * time.Second
	}
	if o.MaxBackoff < o.Backoff {
		o.MaxBackoff = max(30*time.Second, o.Backoff)
	}
	if o.Parallel < 1 {
		o.Parallel = 4
	}
	return o
}

// PublishError reports an artifact that could not be uploaded.
type PublishError struct {
	Artifact string
	Target   string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s: upload %s failed after %d attempt(s): %v", e.Target, e.Artifact, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

type publishErrorJSON struct {
	Artifact string `json:"artifact"`
	Target   string `json:"target,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

func (e *PublishError) MarshalJSON() ([]byte, error) {
	return json.Marshal(publishErrorJSON{e.Artifact, e.Target, e.Attempts, e.Err.Error()})
}

func (e *PublishError) UnmarshalJSON(b []byte) error {
	var v publishErrorJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*e = PublishError{Artifact: v.Artifact, Target: v.Target, Attempts: v.Attempts, Err: errors.New(v.Error)}
	return nil
}

// Report is the outcome of one Publish call.
type Report struct {
	Release   Release         `json:"release"`
	Published []pack.Artifact `json:"published"`
	Failed    []*PublishError `json:"failed,omitempty"`
	Missing   []string        `json:"missing,omitempty"` // expected triples without an archive
}

// Complete reports whether every expected target was published.
func (r *Report) Complete() bool {
	return len(r.Failed) == 0 && len(r.Missing) == 0
}

// Publisher attaches artifacts to a release.
type Publisher struct {
	sink  Sink
	opts  Options
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Publisher uploading to sink.
func New(sink Sink, opts Options) *Publisher {
	return &Publisher{sink: sink, opts: opts.withDefaults(), sleep: sleepCtx}
}

// Publish uploads artifacts to the release for tag. Upload failures do not
// stop other uploads; they are listed in the report. expected names the
// targets of the run so that targets without artifacts are recorded as
// missing in the report and the manifest asset. The returned error is
// non-nil only when the release itself could not be obtained or ctx ended.
func (p *Publisher) Publish(ctx context.Context, artifacts []pack.Artifact, tag release.Tag, meta release.Metadata, expected *target.Set) (*Report, error) {
	logger := ctxlog.FromContext(ctx).With("stage", "publish", "tag", tag.Name)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rel Release
	if _, err := p.retry(ctx, "ensure release", func() error {
		var err error
		rel, err = p.sink.EnsureRelease(ctx, tag)
		return err
	}); err != nil {
		return nil, fmt.Errorf("release %s: %w", tag.Name, err)
	}
	logger.Info("Publishing artifacts.", "release", rel.URL, "count", len(artifacts))

	report := &Report{Release: rel}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(p.opts.Parallel)
	for _, a := range artifacts {
		g.Go(func() error {
			attempts, err := p.retry(ctx, a.Filename, func() error {
				return p.sink.Upload(ctx, rel, a.Filename, a.Path)
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Error("Upload failed.", "artifact", a.Filename, "target", a.Target, "attempts", attempts, "err", err)
				report.Failed = append(report.Failed, &PublishError{Artifact: a.Filename, Target: a.Target, Attempts: attempts, Err: err})
				return nil
			}
			logger.Info("Uploaded artifact.", "artifact", a.Filename, "target", a.Target)
			report.Published = append(report.Published, a)
			return nil
		})
	}
	g.Wait()

	slices.SortFunc(report.Published, func(a, b pack.Artifact) int { return strings.Compare(a.Filename, b.Filename) })
	slices.SortFunc(report.Failed, func(a, b *PublishError) int { return strings.Compare(a.Artifact, b.Artifact) })
	report.Missing = missingTargets(artifacts, expected)
	if len(report.Missing) > 0 {
		logger.Warn("Release is incomplete.", "missing", report.Missing)
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}
	if err := p.uploadManifest(ctx, rel, tag, meta, report); err != nil {
		logger.Error("Manifest upload failed.", "err", err)
		report.Failed = append(report.Failed, err)
	}
	return report, nil
}

func (p *Publisher) uploadManifest(ctx context.Context, rel Release, tag release.Tag, meta release.Metadata, report *Report) *PublishError {
	data, err := NewManifest(meta, tag, report).Marshal()
	if err != nil {
		return &PublishError{Artifact: ManifestName, Err: err}
	}
	dir, err := os.MkdirTemp("", "delta-release-manifest-*")
	if err != nil {
		return &PublishError{Artifact: ManifestName, Err: err}
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, ManifestName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &PublishError{Artifact: ManifestName, Err: err}
	}
	attempts, err := p.retry(ctx, ManifestName, func() error {
		return p.sink.Upload(ctx, rel, ManifestName, path)
	})
	if err != nil {
		return &PublishError{Artifact: ManifestName, Attempts: attempts, Err: err}
	}
	return nil
}

// retry calls f until it succeeds, fails permanently, or the attempt bound
// is reached, doubling the delay between attempts up to MaxBackoff.
func (p *Publisher) retry(ctx context.Context, what string, f func() error) (int, error) {
	backoff := p.opts.Backoff
	for attempt := 1; ; attempt++ {
		err := f()
		if err == nil {
			return attempt, nil
		}
		if attempt >= p.opts.Attempts || ctx.Err() != nil || !temporary(err) {
			return attempt, err
		}
		ctxlog.FromContext(ctx).Warn("Retrying.", "op", what, "attempt", attempt, "backoff", backoff, "err", err)
		if err := p.sleep(ctx, backoff); err != nil {
			return attempt, err
		}
		backoff = min(backoff*2, p.opts.MaxBackoff)
	}
}

// temporary reports whether err may go away on retry. Errors that do not
// say otherwise are retried.
func temporary(err error) bool {
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// missingTargets lists the expected triples without an archive artifact.
func missingTargets(artifacts []pack.Artifact, expected *target.Set) []string {
	if expected == nil {
		return nil
	}
	have := make(map[string]bool)
	for _, a := range artifacts {
		if a.Kind == pack.KindArchive {
			have[a.Target] = true
		}
	}
	var missing []string
	for _, triple := range expected.Triples() {
		if !have[triple] {
			missing = append(missing, triple)
		}
	}
	return missing
}
