// Package composite holds the catalog of compositing algorithms and the
// per-pixel best-observation selection they share.
package composite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"compositor/internal/compat"
	"compositor/internal/engine"
	"compositor/internal/raster"
)

// Env carries the collaborators an algorithm instance needs.
type Env struct {
	Opener raster.Opener
	Logger *slog.Logger
}

func (e Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Algorithm is a configured compositing rule bound to a set of files.
//
// The lifecycle is ValidateImages, Prepare with the resulting report, then
// ProcessImage. The engine calls ProcessChunk concurrently for disjoint
// windows, so implementations must not mutate shared state in it.
type Algorithm interface {
	engine.Processor

	Descriptor() Descriptor
	Params() Values
	Files() []string
	ValidateImages(ctx context.Context, images []string) (compat.Report, error)
	Prepare(report compat.Report) error
	ProcessImage(ctx context.Context, opts engine.Options) (*engine.Output, error)
}

// DefaultValidate is the shared compatibility check used by algorithms
// that have no special input requirements.
func DefaultValidate(ctx context.Context, env Env, images []string) (compat.Report, error) {
	if env.Opener == nil {
		return compat.Report{}, errors.New("no raster opener configured")
	}
	return compat.Validate(ctx, env.Opener, images, env.logger())
}

// Selector implements Algorithm for every best-observation rule. Variants
// differ only in their descriptor and Rule.
type Selector struct {
	desc   Descriptor
	params Values
	files  []string
	env    Env
	rule   Rule

	inputs   []string
	ref      raster.Geometry
	prepared bool
}

// NewSelector binds rule to files. It does not touch the files.
func NewSelector(desc Descriptor, params Values, rule Rule, files []string, env Env) *Selector {
	return &Selector{
		desc:   desc.clone(),
		params: params,
		files:  append([]string(nil), files...),
		env:    env,
		rule:   rule,
	}
}

func (s *Selector) Descriptor() Descriptor { return s.desc.clone() }
func (s *Selector) Params() Values         { return s.params }
func (s *Selector) Files() []string        { return append([]string(nil), s.files...) }
func (s *Selector) Rule() Rule             { return s.rule }

func (s *Selector) ValidateImages(ctx context.Context, images []string) (compat.Report, error) {
	return DefaultValidate(ctx, s.env, images)
}

// Prepare adopts the compatible inputs and reference of report and checks
// every scoring band against the reference band count.
func (s *Selector) Prepare(report compat.Report) error {
	inputs := report.Compatible()
	if report.Reference == nil || len(inputs) == 0 {
		return &ConfigError{Algorithm: s.desc.Name, Err: errors.New("no compatible input rasters")}
	}
	ref := *report.Reference
	for _, b := range s.rule.Bands {
		if b.Number < 1 || b.Number > ref.Bands {
			return &ConfigError{Algorithm: s.desc.Name, Param: b.Param,
				Err: fmt.Errorf("band %d outside 1..%d of %s", b.Number, ref.Bands, report.ReferencePath)}
		}
	}
	s.inputs = inputs
	s.ref = ref
	s.prepared = true
	return nil
}

// ProcessImage composites the full reference extent.
func (s *Selector) ProcessImage(ctx context.Context, opts engine.Options) (*engine.Output, error) {
	if !s.prepared {
		return nil, &ConfigError{Algorithm: s.desc.Name, Err: errors.New("not prepared")}
	}
	if opts.Opener == nil {
		opts.Opener = s.env.Opener
	}
	if opts.Logger == nil {
		opts.Logger = s.env.logger().With("algorithm", s.desc.Name)
	}
	return engine.Run(ctx, s, opts)
}

func (s *Selector) ProcessChunk(ctx context.Context, src *raster.Stack, win raster.Window) (*engine.Chunk, error) {
	return SelectMax(ctx, src, win, s.ref.Bands, s.rule)
}

func (s *Selector) Inputs() []string           { return s.inputs }
func (s *Selector) Reference() raster.Geometry { return s.ref }
func (s *Selector) OutputBands() int           { return s.ref.Bands }
func (s *Selector) NoData() float64            { return s.rule.NoData }
