package planner

import (
	"context"
	"reflect"
	"testing"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/errors"
)

const aldwinManifest = `name: Aldwin Gentleheart
targets:
  - id: portrait
    prompt: A kindly old healer in a lantern-lit workshop
    negative_prompt: blurry, extra fingers
    aspect_ratio: "3:4"
    variants: 2
    references:
      - path: refs/face.png
        role: likeness
  - id: study
    kind: analyze
    prompt: Describe the reference portrait
    references:
      - path: refs/face.png
`

const workshopManifest = `name: Cid's Workshop
model: custom-model
targets:
  - id: exterior
    prompt: A cluttered workshop at dusk
  - id: interior
    prompt: Inside the workshop
    generated: true
`

func writeContent(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	write := func(path, data string) {
		if err := afero.WriteFile(fs, path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("/content/characters/aldwin/imagery.yaml", aldwinManifest)
	write("/content/characters/aldwin/refs/face.png", "face-bytes")
	write("/content/characters/borin/notes.md", "no manifest here")
	write("/content/locations/cids-workshop/imagery.yaml", workshopManifest)
	return fs
}

func allScope() batch.Scope {
	return batch.Scope{
		EntityTypes: batch.EntityTypes(),
		Kinds:       []batch.Kind{batch.KindGenerate, batch.KindAnalyze},
	}
}

func TestSlugFilter(t *testing.T) {
	tests := []struct {
		name    string
		filters []string
		slug    string
		want    bool
	}{
		{"empty matches all", nil, "anything", true},
		{"blank ignored", []string{"  "}, "anything", true},
		{"substring", []string{"aldwin"}, "sister-aldwin", true},
		{"case insensitive", []string{"ALDWIN"}, "Aldwin-Gentleheart", true},
		{"no match", []string{"borin"}, "aldwin", false},
		{"any filter", []string{"x", "work"}, "cids-workshop", true},
		{"glob whole slug", []string{"cid*"}, "cids-workshop", true},
		{"glob anchored", []string{"work*"}, "cids-workshop", false},
		{"glob class", []string{"[ab]*"}, "borin", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewSlugFilter(tt.filters)
			if err != nil {
				t.Fatal(err)
			}
			if got := f.Match(tt.slug); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.slug, got, tt.want)
			}
		})
	}
}

func TestFSDiscoverer(t *testing.T) {
	fs := writeContent(t)
	d := NewFSDiscoverer(fs, "/content")

	ents, err := d.Discover(context.Background(), batch.EntityTypes())
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 2 {
		t.Fatalf("Discover() returned %d entities, want 2", len(ents))
	}
	if ents[0].Slug != "aldwin" || ents[1].Slug != "cids-workshop" {
		t.Errorf("entity order = %s, %s", ents[0].Slug, ents[1].Slug)
	}
	if got := ents[1].Targets[0].Model; got != "custom-model" {
		t.Errorf("manifest model not inherited: %q", got)
	}
	if got := ents[0].Targets[0].References[0].Role; got != "likeness" {
		t.Errorf("reference role = %q", got)
	}
}

func TestFSDiscovererInvalidManifest(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/c/characters/x/imagery.yaml", []byte("targets: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := NewFSDiscoverer(fs, "/c").Discover(context.Background(), []batch.EntityType{batch.EntityCharacter})
	if !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Discover() error = %v, want validation error", err)
	}
}

func TestPlan(t *testing.T) {
	fs := writeContent(t)
	p := New(NewFSDiscoverer(fs, "/content"), fs, "default-model")

	plan, err := p.Plan(context.Background(), allScope())
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	var got []string
	for _, task := range plan.Tasks {
		got = append(got, task.EntitySlug+"/"+task.TargetID+"/"+string(rune('0'+task.Variant)))
	}
	want := []string{
		"aldwin/portrait/0",
		"aldwin/portrait/1",
		"aldwin/study/0",
		"cids-workshop/exterior/0",
		"cids-workshop/interior/0",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("task order = %v, want %v", got, want)
	}

	s := plan.Summary
	if s.TotalTasks != 5 || s.EntitiesScanned != 2 {
		t.Errorf("summary = %+v", s)
	}
	if s.ByEntityType[batch.EntityCharacter] != 3 || s.ByKind[batch.KindAnalyze] != 1 {
		t.Errorf("summary counts = %+v", s)
	}

	first := plan.Tasks[0]
	if first.Model != "default-model" {
		t.Errorf("model = %q", first.Model)
	}
	if first.Output.Dir != "/content/characters/aldwin/images" || first.Output.BaseName != "portrait" {
		t.Errorf("output = %+v", first.Output)
	}
	if plan.Tasks[1].Output.BaseName != "portrait-v1" {
		t.Errorf("variant output = %q", plan.Tasks[1].Output.BaseName)
	}
	if len(first.References) != 1 || first.References[0].MIME != "image/png" || len(first.References[0].SHA256) != 64 {
		t.Errorf("references = %+v", first.References)
	}
	for _, task := range plan.Tasks {
		if err := task.Validate(); err != nil {
			t.Errorf("task %s invalid: %v", task.Key, err)
		}
	}
}

func TestPlanDeterministic(t *testing.T) {
	fs := writeContent(t)
	p := New(NewFSDiscoverer(fs, "/content"), fs, "m")

	a, err := p.Plan(context.Background(), allScope())
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Plan(context.Background(), allScope())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a.Keys(), b.Keys()) {
		t.Errorf("replan changed keys:\n%v\n%v", a.Keys(), b.Keys())
	}
}

func TestPlanScopeFilters(t *testing.T) {
	fs := writeContent(t)
	p := New(NewFSDiscoverer(fs, "/content"), fs, "m")

	tests := []struct {
		name  string
		scope batch.Scope
		want  int
	}{
		{
			name:  "locations only",
			scope: batch.Scope{EntityTypes: []batch.EntityType{batch.EntityLocation}, Kinds: []batch.Kind{batch.KindGenerate}},
			want:  2,
		},
		{
			name:  "generate only",
			scope: batch.Scope{EntityTypes: batch.EntityTypes(), Kinds: []batch.Kind{batch.KindGenerate}},
			want:  4,
		},
		{
			name:  "slug filter",
			scope: batch.Scope{EntityTypes: batch.EntityTypes(), Kinds: []batch.Kind{batch.KindGenerate}, SlugFilters: []string{"WORK"}},
			want:  2,
		},
		{
			name:  "skip generated",
			scope: batch.Scope{EntityTypes: []batch.EntityType{batch.EntityLocation}, Kinds: []batch.Kind{batch.KindGenerate}, SkipGenerated: true},
			want:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := p.Plan(context.Background(), tt.scope)
			if err != nil {
				t.Fatal(err)
			}
			if len(plan.Tasks) != tt.want {
				t.Errorf("got %d tasks, want %d", len(plan.Tasks), tt.want)
			}
		})
	}
}

type fakeLedger map[string]bool

func (l fakeLedger) Has(_ context.Context, key string) (bool, error) { return l[key], nil }

func TestPlanSkipGenerated(t *testing.T) {
	fs := writeContent(t)
	scope := batch.Scope{
		EntityTypes: []batch.EntityType{batch.EntityCharacter},
		Kinds:       []batch.Kind{batch.KindGenerate},
	}

	full, err := New(NewFSDiscoverer(fs, "/content"), fs, "m").Plan(context.Background(), scope)
	if err != nil {
		t.Fatal(err)
	}
	if len(full.Tasks) != 2 {
		t.Fatalf("baseline tasks = %d", len(full.Tasks))
	}

	// Variant 0 exists on disk as a jpg, variant 1 is in the ledger.
	if err := afero.WriteFile(fs, "/content/characters/aldwin/images/portrait.jpg", []byte("img"), 0o644); err != nil {
		t.Fatal(err)
	}
	ledger := fakeLedger{full.Tasks[1].Key: true}

	scope.SkipGenerated = true
	plan, err := New(NewFSDiscoverer(fs, "/content"), fs, "m", WithLedger(ledger)).Plan(context.Background(), scope)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tasks) != 0 || plan.Summary.SkippedAlreadyGenerated != 2 {
		t.Errorf("tasks = %d skipped = %d, want 0 and 2", len(plan.Tasks), plan.Summary.SkippedAlreadyGenerated)
	}
}

func TestPlanErrors(t *testing.T) {
	fs := writeContent(t)
	p := New(NewFSDiscoverer(fs, "/content"), fs, "m")

	tests := []struct {
		name  string
		scope batch.Scope
		want  error
	}{
		{"no entity types", batch.Scope{Kinds: []batch.Kind{batch.KindGenerate}}, errors.ErrEmptyScope},
		{"no kinds", batch.Scope{EntityTypes: batch.EntityTypes()}, errors.ErrEmptyScope},
		{"unknown type", batch.Scope{EntityTypes: []batch.EntityType{"dragon"}, Kinds: []batch.Kind{batch.KindGenerate}}, errors.ErrInvalidInput},
		{"unknown kind", batch.Scope{EntityTypes: batch.EntityTypes(), Kinds: []batch.Kind{"paint"}}, errors.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Plan(context.Background(), tt.scope)
			if !errors.Is(err, tt.want) {
				t.Errorf("Plan() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPlanMissingReferenceWarns(t *testing.T) {
	fs := writeContent(t)
	if err := fs.Remove("/content/characters/aldwin/refs/face.png"); err != nil {
		t.Fatal(err)
	}
	p := New(NewFSDiscoverer(fs, "/content"), fs, "m")

	plan, err := p.Plan(context.Background(), allScope())
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tasks) != 2 {
		t.Errorf("got %d tasks, want only the location tasks", len(plan.Tasks))
	}
	if len(plan.Summary.Warnings) != 2 {
		t.Errorf("warnings = %v", plan.Summary.Warnings)
	}
}
