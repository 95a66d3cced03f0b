package planner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/errors"
)

// ManifestFile is the per-entity manifest read by FSDiscoverer.
const ManifestFile = "imagery.yaml"

// manifest mirrors imagery.yaml.
type manifest struct {
	Name    string           `yaml:"name"`
	Model   string           `yaml:"model"`
	Targets []manifestTarget `yaml:"targets"`
}

type manifestTarget struct {
	ID             string              `yaml:"id"`
	Kind           string              `yaml:"kind"`
	Prompt         string              `yaml:"prompt"`
	NegativePrompt string              `yaml:"negative_prompt"`
	AspectRatio    string              `yaml:"aspect_ratio"`
	Size           string              `yaml:"size"`
	Quality        string              `yaml:"quality"`
	Temperature    float64             `yaml:"temperature"`
	Variants       int                 `yaml:"variants"`
	Model          string              `yaml:"model"`
	OutputDir      string              `yaml:"output_dir"`
	Generated      bool                `yaml:"generated"`
	References     []manifestReference `yaml:"references"`
}

type manifestReference struct {
	Path string `yaml:"path"`
	Role string `yaml:"role"`
}

// FSDiscoverer reads entities from a content tree laid out as
// <root>/<type>s/<slug>/imagery.yaml. Entities without a manifest are
// ignored.
type FSDiscoverer struct {
	fs   afero.Fs
	root string
}

// NewFSDiscoverer returns a discoverer rooted at contentDir.
func NewFSDiscoverer(fs afero.Fs, contentDir string) *FSDiscoverer {
	return &FSDiscoverer{fs: fs, root: contentDir}
}

// Discover implements Discoverer. Entities come back sorted by type order
// and slug.
func (d *FSDiscoverer) Discover(ctx context.Context, types []batch.EntityType) ([]Entity, error) {
	var out []Entity
	for _, et := range types {
		typeDir := filepath.Join(d.root, string(et)+"s")
		entries, err := afero.ReadDir(d.fs, typeDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "read %s", typeDir)
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if !e.IsDir() {
				continue
			}
			dir := filepath.Join(typeDir, e.Name())
			ent, ok, err := d.load(et, e.Name(), dir)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, ent)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type.Order() < out[j].Type.Order()
		}
		return out[i].Slug < out[j].Slug
	})
	return out, nil
}

func (d *FSDiscoverer) load(et batch.EntityType, slug, dir string) (Entity, bool, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := afero.ReadFile(d.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return Entity{}, false, nil
		}
		return Entity{}, false, errors.Wrapf(err, "read %s", path)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Entity{}, false, errors.NewValidationError(fmt.Sprintf("invalid %s", path)).WithCause(err)
	}

	ent := Entity{Type: et, Slug: slug, Name: m.Name, Dir: dir}
	for _, mt := range m.Targets {
		t := Target{
			ID:             mt.ID,
			Kind:           batch.Kind(mt.Kind),
			Prompt:         mt.Prompt,
			NegativePrompt: mt.NegativePrompt,
			AspectRatio:    mt.AspectRatio,
			Size:           mt.Size,
			Quality:        mt.Quality,
			Temperature:    mt.Temperature,
			Variants:       mt.Variants,
			Model:          mt.Model,
			OutputDir:      mt.OutputDir,
			Generated:      mt.Generated,
		}
		if t.Model == "" {
			t.Model = m.Model
		}
		for _, r := range mt.References {
			t.References = append(t.References, ReferenceSpec{Path: r.Path, Role: r.Role})
		}
		ent.Targets = append(ent.Targets, t)
	}
	return ent, true, nil
}
