// Package planner turns discovered entities into the ordered task list of
// a run. Planning only reads local state, so the same content snapshot and
// scope always produce the same plan.
package planner

import (
	"cmp"
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/logging"
)

// Entity is a narrative entity with the image targets it wants.
type Entity struct {
	Type    batch.EntityType
	Slug    string
	Name    string
	Dir     string
	Targets []Target
}

// Target is one pre-rendered image request of an entity. Prompts arrive
// fully rendered; the planner does not build them.
type Target struct {
	ID             string
	Kind           batch.Kind
	Prompt         string
	NegativePrompt string
	AspectRatio    string
	Size           string
	Quality        string
	Temperature    float64
	// Variants is the number of images requested; zero means one.
	Variants   int
	References []ReferenceSpec
	Model      string
	// OutputDir overrides the entity's default image directory.
	OutputDir string
	// Generated is set when the content already records this target as
	// produced.
	Generated bool
}

// ReferenceSpec points at a local reference image.
type ReferenceSpec struct {
	Path string
	Role string
}

// Discoverer supplies the entities of the requested types.
type Discoverer interface {
	Discover(ctx context.Context, types []batch.EntityType) ([]Entity, error)
}

// Ledger answers whether a task key has already been applied.
type Ledger interface {
	Has(ctx context.Context, key string) (bool, error)
}

// Planner builds plans from a Discoverer.
type Planner struct {
	discoverer Discoverer
	fs         afero.Fs
	model      string
	ledger     Ledger
	logger     *logging.Logger
	now        func() time.Time
}

// Option configures a Planner.
type Option func(*Planner)

// WithLedger consults l when skipping already generated tasks.
func WithLedger(l Ledger) Option {
	return func(p *Planner) { p.ledger = l }
}

// WithLogger sets the planner's logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// WithClock overrides the time stamped on plans.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

// New creates a Planner. model is used for targets that do not name one.
func New(d Discoverer, fs afero.Fs, model string, opts ...Option) *Planner {
	p := &Planner{
		discoverer: d,
		fs:         fs,
		model:      model,
		logger:     logging.NopLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ValidateScope rejects scopes that cannot produce a plan.
func ValidateScope(scope batch.Scope) error {
	if len(scope.EntityTypes) == 0 || len(scope.Kinds) == 0 {
		return errors.ErrEmptyScope
	}
	for _, et := range scope.EntityTypes {
		if !et.Valid() {
			return errors.NewValidationError("unknown entity type").WithField("scope.entityTypes").WithValue(et)
		}
	}
	for _, k := range scope.Kinds {
		if !k.Valid() {
			return errors.NewValidationError("unknown task kind").WithField("scope.kinds").WithValue(k)
		}
	}
	return nil
}

// Plan discovers entities in scope and returns their tasks sorted by
// entity type, slug, target and variant.
func (p *Planner) Plan(ctx context.Context, scope batch.Scope) (*batch.Plan, error) {
	if err := ValidateScope(scope); err != nil {
		return nil, err
	}
	filter, err := NewSlugFilter(scope.SlugFilters)
	if err != nil {
		return nil, errors.NewValidationError("invalid slug filter").WithField("scope.slugFilters").WithCause(err)
	}

	entities, err := p.discoverer.Discover(ctx, scope.EntityTypes)
	if err != nil {
		return nil, errors.Wrap(err, "discover entities")
	}

	summary := batch.PlanSummary{
		ByEntityType: make(map[batch.EntityType]int),
		ByKind:       make(map[batch.Kind]int),
	}
	var tasks []batch.Task

	for _, ent := range entities {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !slices.Contains(scope.EntityTypes, ent.Type) || !filter.Match(ent.Slug) {
			continue
		}
		summary.EntitiesScanned++

		for _, target := range ent.Targets {
			kind := target.Kind
			if kind == "" {
				kind = batch.KindGenerate
			}
			if !slices.Contains(scope.Kinds, kind) {
				continue
			}
			built, err := p.buildTasks(ent, target, kind)
			if err != nil {
				summary.Warnings = append(summary.Warnings, fmt.Sprintf("[%s/%s] %s: %v", ent.Type, ent.Slug, target.ID, err))
				continue
			}
			for _, t := range built {
				if scope.SkipGenerated {
					skip, err := p.alreadyGenerated(ctx, target, t)
					if err != nil {
						return nil, err
					}
					if skip {
						summary.SkippedAlreadyGenerated++
						continue
					}
				}
				tasks = append(tasks, t)
			}
		}
	}

	slices.SortFunc(tasks, compareTasks)
	for _, t := range tasks {
		summary.ByEntityType[t.EntityType]++
		summary.ByKind[t.Kind]++
	}
	summary.TotalTasks = len(tasks)

	p.logger.Info("plan built",
		"tasks", summary.TotalTasks,
		"entities", summary.EntitiesScanned,
		"skipped", summary.SkippedAlreadyGenerated,
		"warnings", len(summary.Warnings))

	return &batch.Plan{
		Scope:     scope,
		Tasks:     tasks,
		Summary:   summary,
		CreatedAt: p.now().UTC(),
	}, nil
}

func (p *Planner) buildTasks(ent Entity, target Target, kind batch.Kind) ([]batch.Task, error) {
	if strings.TrimSpace(target.Prompt) == "" {
		return nil, fmt.Errorf("empty prompt")
	}

	refs := make([]batch.Reference, 0, len(target.References))
	for _, r := range target.References {
		path := r.Path
		if !filepath.IsAbs(path) && ent.Dir != "" {
			path = filepath.Join(ent.Dir, path)
		}
		sum, err := batch.HashFile(p.fs, path)
		if err != nil {
			return nil, fmt.Errorf("reference %s: %w", r.Path, err)
		}
		refs = append(refs, batch.Reference{
			Path:   path,
			MIME:   referenceMIME(path),
			SHA256: sum,
			Role:   r.Role,
		})
	}

	model := target.Model
	if model == "" {
		model = p.model
	}
	outDir := target.OutputDir
	if outDir == "" {
		outDir = filepath.Join(ent.Dir, "images")
	} else if !filepath.IsAbs(outDir) && ent.Dir != "" {
		outDir = filepath.Join(ent.Dir, outDir)
	}

	variants := max(target.Variants, 1)
	tasks := make([]batch.Task, 0, variants)
	for v := range variants {
		base := target.ID
		if v > 0 {
			base = fmt.Sprintf("%s-v%d", target.ID, v)
		}
		t := batch.Task{
			Kind:       kind,
			EntityType: ent.Type,
			EntitySlug: ent.Slug,
			TargetID:   target.ID,
			Variant:    v,
			Spec: batch.ImageSpec{
				Prompt:         target.Prompt,
				NegativePrompt: target.NegativePrompt,
				AspectRatio:    target.AspectRatio,
				Size:           target.Size,
				Quality:        target.Quality,
				Temperature:    target.Temperature,
			},
			References: slices.Clone(refs),
			Model:      model,
			Output:     batch.Output{Dir: outDir, BaseName: base},
		}
		if ent.Name != "" {
			t.Metadata = map[string]string{"entityName": ent.Name}
		}
		t.AssignKey()
		if err := t.Validate(); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// alreadyGenerated applies the skip policy: the content marks the target
// generated, an output file exists under any image extension, or the
// ledger has applied this exact key.
func (p *Planner) alreadyGenerated(ctx context.Context, target Target, t batch.Task) (bool, error) {
	if target.Generated {
		return true, nil
	}
	for _, path := range t.Output.Candidates() {
		if ok, _ := afero.Exists(p.fs, path); ok {
			return true, nil
		}
	}
	if p.ledger != nil {
		ok, err := p.ledger.Has(ctx, t.Key)
		if err != nil {
			return false, errors.Wrap(err, "query ledger")
		}
		return ok, nil
	}
	return false, nil
}

func compareTasks(a, b batch.Task) int {
	return cmp.Or(
		cmp.Compare(a.EntityType.Order(), b.EntityType.Order()),
		strings.Compare(a.EntitySlug, b.EntitySlug),
		strings.Compare(a.TargetID, b.TargetID),
		cmp.Compare(a.Variant, b.Variant),
		strings.Compare(string(a.Kind), string(b.Kind)),
	)
}

func referenceMIME(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	}
	if m := mime.TypeByExtension(ext); m != "" {
		return m
	}
	return "application/octet-stream"
}
