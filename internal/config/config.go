// Package config loads the release configuration (release.hcl): project
// metadata, packaging rules, and the target matrix.
package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/fengyichui/delta/internal/ctxlog"
	"github.com/fengyichui/delta/internal/pack"
	"github.com/fengyichui/delta/internal/pipeline"
	"github.com/fengyichui/delta/internal/publish"
	"github.com/fengyichui/delta/internal/release"
	"github.com/fengyichui/delta/internal/target"
)

// DefaultFile is the configuration file looked up when none is given.
const DefaultFile = "release.hcl"

// Defaults applied to settings the file leaves out.
var (
	DefaultTimeouts = pipeline.Timeouts{
		Dependencies: 10 * time.Minute,
		Build:        60 * time.Minute,
		Package:      5 * time.Minute,
		Publish:      15 * time.Minute,
	}
	DefaultPublish = publish.Options{
		Attempts:   3,
		Backoff:    2 * time.Second,
		MaxBackoff: 30 * time.Second,
		Parallel:   4,
	}
)

// Config is a loaded and normalized release configuration. Paths are
// absolute.
type Config struct {
	Path string // file the configuration was read from

	Project    string
	Package    string
	Binary     string
	Repository string // "owner/name" on GitHub

	SourceDir   string
	OutputDir   string
	MaxParallel int
	Strip       bool
	Env         map[string]string // applied to every build

	Targets  *target.Set
	Pack     pack.Options
	Timeouts pipeline.Timeouts
	Publish  publish.Options
	Draft    bool
}

// Metadata returns the release metadata for tag built on host.
func (c *Config) Metadata(tag release.Tag, host target.OS) (release.Metadata, error) {
	return release.NewMetadata(c.Project, c.Package, tag, host)
}

// Validate checks the target matrix against the artifact names it would
// produce for meta, so that collisions are caught before any stage runs.
func (c *Config) Validate(meta release.Metadata) error {
	return c.Targets.Validate(pack.NamesFunc(meta, c.Pack))
}

// Vars are the values visible to expressions in the file.
type Vars struct {
	Environ []string // "KEY=value" pairs exposed as env.KEY
	Version string   // exposed as version; empty when no tag is known yet
}

func (v Vars) evalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range v.Environ {
		k, val, ok := strings.Cut(kv, "=")
		if ok && k != "" {
			env[k] = cty.StringVal(val)
		}
	}
	envVal := cty.EmptyObjectVal
	if len(env) > 0 {
		envVal = cty.ObjectVal(env)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env":     envVal,
			"version": cty.StringVal(v.Version),
		},
	}
}

// Load reads and normalizes the configuration at path.
func Load(ctx context.Context, path string, vars Vars) (*Config, error) {
	logger := ctxlog.FromContext(ctx)

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(abs)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse %s: %w", path, diags)
	}

	var root fileRoot
	diags = gohcl.DecodeBody(file.Body, vars.evalContext(), &root)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode %s: %w", path, diags)
	}

	cfg, err := root.normalize(filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Path = abs
	logger.Debug("Loaded release configuration.", "path", abs, "targets", cfg.Targets.Len())
	return cfg, nil
}

// -----------------------------------------------------------------------------

type fileRoot struct {
	Project     string            `hcl:"project"`
	Package     string            `hcl:"package,optional"`
	Binary      string            `hcl:"binary,optional"`
	Repository  string            `hcl:"repository,optional"`
	SourceDir   string            `hcl:"source_dir,optional"`
	OutputDir   string            `hcl:"output_dir,optional"`
	MaxParallel int               `hcl:"max_parallel,optional"`
	Strip       *bool             `hcl:"strip,optional"`
	Env         map[string]string `hcl:"env,optional"`

	Includes []*includeBlock `hcl:"include,block"`
	Deb      *debBlock       `hcl:"deb,block"`
	Timeouts *timeoutsBlock  `hcl:"timeouts,block"`
	Publish  *publishBlock   `hcl:"publish,block"`
	Targets  []*targetBlock  `hcl:"target,block"`
}

type includeBlock struct {
	Source  string `hcl:"source,label"`
	Dest    string `hcl:"dest,optional"`
	DebDest string `hcl:"deb_dest,optional"`
}

type debBlock struct {
	Enabled     *bool    `hcl:"enabled,optional"`
	Maintainer  string   `hcl:"maintainer,optional"`
	Description string   `hcl:"description,optional"`
	Homepage    string   `hcl:"homepage,optional"`
	Section     string   `hcl:"section,optional"`
	Priority    string   `hcl:"priority,optional"`
	Depends     []string `hcl:"depends,optional"`
}

type timeoutsBlock struct {
	Dependencies string `hcl:"dependencies,optional"`
	Build        string `hcl:"build,optional"`
	Package      string `hcl:"package,optional"`
	Publish      string `hcl:"publish,optional"`
}

type publishBlock struct {
	Attempts   int    `hcl:"attempts,optional"`
	Backoff    string `hcl:"backoff,optional"`
	MaxBackoff string `hcl:"max_backoff,optional"`
	Parallel   int    `hcl:"parallel,optional"`
	Draft      bool   `hcl:"draft,optional"`
}

type targetBlock struct {
	Triple   string            `hcl:"triple,label"`
	OS       string            `hcl:"os"`
	Arch     string            `hcl:"arch"`
	Cross    bool              `hcl:"cross,optional"`
	Env      map[string]string `hcl:"env,optional"`
	Packages []string          `hcl:"packages,optional"`
}

func (r *fileRoot) normalize(baseDir string) (*Config, error) {
	if r.Project == "" {
		return nil, errors.New("project must not be empty")
	}
	cfg := &Config{
		Project:     r.Project,
		Package:     r.Package,
		Binary:      r.Binary,
		Repository:  r.Repository,
		SourceDir:   resolvePath(baseDir, r.SourceDir, "."),
		OutputDir:   resolvePath(baseDir, r.OutputDir, "dist"),
		MaxParallel: r.MaxParallel,
		Strip:       r.Strip == nil || *r.Strip,
		Env:         r.Env,
		Timeouts:    DefaultTimeouts,
		Publish:     DefaultPublish,
	}
	if cfg.Package == "" {
		cfg.Package = cfg.Project
	}
	if cfg.Binary == "" {
		cfg.Binary = cfg.Project
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = runtime.NumCPU()
	}

	cfg.Pack = pack.Options{SourceDir: cfg.SourceDir, OutputDir: cfg.OutputDir}
	for _, inc := range r.Includes {
		cfg.Pack.Include = append(cfg.Pack.Include, pack.Include{Source: inc.Source, Dest: inc.Dest, DebDest: inc.DebDest})
	}
	if d := r.Deb; d != nil {
		cfg.Pack.Deb = pack.DebInfo{
			Enabled:     d.Enabled == nil || *d.Enabled,
			Maintainer:  d.Maintainer,
			Description: d.Description,
			Homepage:    d.Homepage,
			Section:     d.Section,
			Priority:    d.Priority,
			Depends:     d.Depends,
		}
	}

	var errs []error
	if t := r.Timeouts; t != nil {
		errs = append(errs,
			parseDuration("timeouts.dependencies", t.Dependencies, &cfg.Timeouts.Dependencies),
			parseDuration("timeouts.build", t.Build, &cfg.Timeouts.Build),
			parseDuration("timeouts.package", t.Package, &cfg.Timeouts.Package),
			parseDuration("timeouts.publish", t.Publish, &cfg.Timeouts.Publish),
		)
	}
	if p := r.Publish; p != nil {
		if p.Attempts > 0 {
			cfg.Publish.Attempts = p.Attempts
		}
		if p.Parallel > 0 {
			cfg.Publish.Parallel = p.Parallel
		}
		cfg.Draft = p.Draft
		errs = append(errs,
			parseDuration("publish.backoff", p.Backoff, &cfg.Publish.Backoff),
			parseDuration("publish.max_backoff", p.MaxBackoff, &cfg.Publish.MaxBackoff),
		)
	}

	var ds []target.Descriptor
	for _, t := range r.Targets {
		os := target.ParseOS(t.OS)
		if os == target.Unknown {
			errs = append(errs, fmt.Errorf("target %q: %w: %q", t.Triple, target.ErrUnsupportedOS, t.OS))
		}
		ds = append(ds, target.Descriptor{
			OS:       os,
			Arch:     t.Arch,
			Triple:   t.Triple,
			Cross:    t.Cross,
			Env:      t.Env,
			Packages: t.Packages,
		})
	}
	if len(ds) == 0 {
		errs = append(errs, target.ErrNoTargets)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	cfg.Targets = target.NewSet(ds...)
	return cfg, nil
}

func parseDuration(name, s string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return fmt.Errorf("%s: negative duration %s", name, s)
	}
	*dst = d
	return nil
}

func resolvePath(base, p, def string) string {
	if p == "" {
		p = def
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}
