// Package batch defines the core types shared by every stage of an image
// generation run: tasks and their idempotency keys, the run phase lattice,
// and remote job states.
package batch

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Iron-Ham/imagebatch/internal/errors"
)

// EntityType identifies the kind of narrative entity an image belongs to.
type EntityType string

const (
	EntityCharacter EntityType = "character"
	EntityLocation  EntityType = "location"
	EntityChapter   EntityType = "chapter"
)

// EntityTypes lists entity types in plan order.
func EntityTypes() []EntityType {
	return []EntityType{EntityCharacter, EntityLocation, EntityChapter}
}

// Order returns the position of t in plan order, or len(EntityTypes()) for
// unknown types.
func (t EntityType) Order() int {
	for i, et := range EntityTypes() {
		if et == t {
			return i
		}
	}
	return len(EntityTypes())
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t.Order() < len(EntityTypes())
}

// Kind is what a task asks the model to do.
type Kind string

const (
	KindGenerate Kind = "generate"
	KindAnalyze  Kind = "analyze"
)

// Valid reports whether k is a known task kind.
func (k Kind) Valid() bool {
	return k == KindGenerate || k == KindAnalyze
}

// ImageSpec is the fully rendered request for one image.
type ImageSpec struct {
	Prompt         string  `json:"prompt" validate:"required"`
	NegativePrompt string  `json:"negativePrompt,omitempty"`
	AspectRatio    string  `json:"aspectRatio,omitempty"`
	Size           string  `json:"size,omitempty"`
	Quality        string  `json:"quality,omitempty"`
	Temperature    float64 `json:"temperature,omitempty" validate:"gte=0,lte=2"`
}

// Reference is an input image attached to a request. URI is empty until
// the file has been uploaded during staging.
type Reference struct {
	Path   string `json:"path" validate:"required"`
	MIME   string `json:"mime" validate:"required"`
	SHA256 string `json:"sha256" validate:"required,len=64,hexadecimal"`
	Role   string `json:"role,omitempty"`
	URI    string `json:"uri,omitempty"`
}

// Output locates where an applied image is written. The extension is
// chosen at apply time from the returned MIME type.
type Output struct {
	Dir      string `json:"dir" validate:"required"`
	BaseName string `json:"baseName" validate:"required"`
}

// Path returns the output file path for the given extension (".png").
func (o Output) Path(ext string) string {
	return filepath.Join(o.Dir, o.BaseName+ext)
}

// Candidates returns every path an applied output could occupy.
func (o Output) Candidates() []string {
	exts := ImageExtensions()
	paths := make([]string, len(exts))
	for i, ext := range exts {
		paths[i] = o.Path(ext)
	}
	return paths
}

// ImageExtensions lists the extensions an output may be written with.
func ImageExtensions() []string {
	return []string{".png", ".jpg", ".webp"}
}

// ExtensionFor maps a returned MIME type to a file extension.
func ExtensionFor(mime string) string {
	switch strings.ToLower(mime) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// Task is one image request. Its Key identifies the logical request
// forever; everything else is derived from or travels with it.
type Task struct {
	Key        string            `json:"key" validate:"required"`
	Kind       Kind              `json:"kind" validate:"required,oneof=generate analyze"`
	EntityType EntityType        `json:"entityType" validate:"required,oneof=character location chapter"`
	EntitySlug string            `json:"entitySlug" validate:"required"`
	TargetID   string            `json:"targetId" validate:"required,excludes=/"`
	Variant    int               `json:"variant" validate:"gte=0"`
	Spec       ImageSpec         `json:"spec"`
	References []Reference       `json:"references,omitempty" validate:"dive"`
	Model      string            `json:"model" validate:"required"`
	Output     Output            `json:"output"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks structural constraints and that Key matches the task's
// content.
func (t *Task) Validate() error {
	if err := validate.Struct(t); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errors.NewValidationError(fmt.Sprintf("failed %q constraint", fe.Tag())).
				WithField(fe.Namespace()).
				WithValue(fe.Value()).
				WithCause(err)
		}
		return errors.NewValidationError("invalid task").WithCause(err)
	}
	if want := ComputeKey(t); t.Key != want {
		return errors.NewValidationError("key does not match task content").
			WithField("Task.Key").
			WithValue(t.Key)
	}
	return nil
}

// AssignKey sets Key from the task's content.
func (t *Task) AssignKey() {
	t.Key = ComputeKey(t)
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	c := t
	if t.References != nil {
		c.References = append([]Reference(nil), t.References...)
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// WithoutStagingState returns a copy with upload URIs cleared, ready to be
// planned into a new run.
func (t Task) WithoutStagingState() Task {
	c := t.Clone()
	for i := range c.References {
		c.References[i].URI = ""
	}
	return c
}

// IndexByKey maps each task's key to its position in tasks.
func IndexByKey(tasks []Task) map[string]int {
	idx := make(map[string]int, len(tasks))
	for i, t := range tasks {
		idx[t.Key] = i
	}
	return idx
}
