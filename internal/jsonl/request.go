// Package jsonl reads and writes the line-delimited files exchanged with
// the batch service: request files built from tasks, and result files
// returned by finished jobs.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/util"
)

// DefaultMaxTasksPerFile is the largest chunk a request file may hold.
const DefaultMaxTasksPerFile = 500

// Token estimate constants: roughly four characters per text token, and a
// fixed cost per attached image.
const (
	charsPerToken  = 4
	tokensPerImage = 258
)

// maxLineSize bounds a single JSONL line; result lines carry base64 images.
const maxLineSize = 64 << 20

// FileData references an uploaded file.
type FileData struct {
	FileURI  string `json:"fileUri"`
	MIMEType string `json:"mimeType"`
}

// InlineData carries base64 encoded bytes.
type InlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Part is one element of a content turn.
type Part struct {
	Text       string      `json:"text,omitempty"`
	FileData   *FileData   `json:"fileData,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// Content is one conversational turn.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// ImageConfig controls generated image geometry.
type ImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

// GenerationConfig holds sampling and output settings.
type GenerationConfig struct {
	Temperature        *float64     `json:"temperature,omitempty"`
	ResponseModalities []string     `json:"responseModalities,omitempty"`
	ImageConfig        *ImageConfig `json:"imageConfig,omitempty"`
}

// SafetySetting sets the block threshold of one harm category.
type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// GenerateContentRequest is the per-line request body.
type GenerateContentRequest struct {
	Contents         []Content         `json:"contents"`
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings   []SafetySetting   `json:"safetySettings,omitempty"`
}

// RequestLine is one line of a request file. Key is the task key and comes
// back unchanged on the matching result line.
type RequestLine struct {
	Key     string                 `json:"key"`
	Request GenerateContentRequest `json:"request"`
}

// DefaultSafetySettings blocks only high-probability harm in every
// category.
func DefaultSafetySettings() []SafetySetting {
	categories := []string{
		"HARM_CATEGORY_HARASSMENT",
		"HARM_CATEGORY_HATE_SPEECH",
		"HARM_CATEGORY_SEXUALLY_EXPLICIT",
		"HARM_CATEGORY_DANGEROUS_CONTENT",
	}
	out := make([]SafetySetting, len(categories))
	for i, c := range categories {
		out[i] = SafetySetting{Category: c, Threshold: "BLOCK_ONLY_HIGH"}
	}
	return out
}

// BuildOptions configures Build.
type BuildOptions struct {
	MaxTasksPerFile int
	SafetySettings  []SafetySetting
}

// BuildResult lists the request files written, in chunk order, with the
// task count and model of each.
type BuildResult struct {
	Files         []string
	TasksPerFile  []int
	Models        []string
	TotalRequests int
}

// NewRequest renders the request line of a task. Every reference must
// already carry its uploaded URI.
func NewRequest(t batch.Task, safety []SafetySetting) (RequestLine, error) {
	parts := make([]Part, 0, len(t.References)+1)
	for _, ref := range t.References {
		if ref.URI == "" {
			return RequestLine{}, errors.NewValidationError("reference has not been uploaded").
				WithField("references").WithValue(ref.Path)
		}
		parts = append(parts, Part{FileData: &FileData{FileURI: ref.URI, MIMEType: ref.MIME}})
	}

	prompt := t.Spec.Prompt
	if t.Spec.NegativePrompt != "" {
		prompt += "\n\nAvoid: " + t.Spec.NegativePrompt
	}
	parts = append(parts, Part{Text: prompt})

	gen := &GenerationConfig{ResponseModalities: []string{"IMAGE"}}
	if t.Kind == batch.KindAnalyze {
		gen.ResponseModalities = []string{"TEXT"}
	}
	if t.Spec.Temperature != 0 {
		temp := t.Spec.Temperature
		gen.Temperature = &temp
	}
	if t.Spec.AspectRatio != "" || t.Spec.Size != "" {
		gen.ImageConfig = &ImageConfig{AspectRatio: t.Spec.AspectRatio, ImageSize: t.Spec.Size}
	}

	return RequestLine{
		Key: t.Key,
		Request: GenerateContentRequest{
			Contents:         []Content{{Role: "user", Parts: parts}},
			GenerationConfig: gen,
			SafetySettings:   safety,
		},
	}, nil
}

// Build splits tasks into chunks of at most MaxTasksPerFile and writes
// each chunk to pathFor(chunk), chunk numbering starting at 1. Lines keep
// task order. A chunk never mixes models, so a model change also starts a
// new chunk. Nothing is written when any task fails to render.
func Build(fs afero.Fs, tasks []batch.Task, pathFor func(chunk int) string, opts BuildOptions) (*BuildResult, error) {
	if len(tasks) == 0 {
		return nil, errors.ErrNoTasks
	}
	limit := opts.MaxTasksPerFile
	if limit <= 0 || limit > DefaultMaxTasksPerFile {
		limit = DefaultMaxTasksPerFile
	}
	safety := opts.SafetySettings
	if safety == nil {
		safety = DefaultSafetySettings()
	}

	var chunks [][]byte
	var counts []int
	var models []string
	for start := 0; start < len(tasks); {
		end := start + 1
		for end < len(tasks) && end-start < limit && tasks[end].Model == tasks[start].Model {
			end++
		}
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		for _, t := range tasks[start:end] {
			line, err := NewRequest(t, safety)
			if err != nil {
				return nil, errors.Wrapf(err, "task %s", t.Key)
			}
			if err := enc.Encode(line); err != nil {
				return nil, errors.Wrapf(err, "encode task %s", t.Key)
			}
		}
		chunks = append(chunks, buf.Bytes())
		counts = append(counts, end-start)
		models = append(models, tasks[start].Model)
		start = end
	}

	res := &BuildResult{TasksPerFile: counts, Models: models, TotalRequests: len(tasks)}
	for i, data := range chunks {
		path := pathFor(i + 1)
		if err := util.WriteFileAtomic(fs, path, data, 0o644); err != nil {
			return nil, errors.Wrapf(err, "write %s", path)
		}
		res.Files = append(res.Files, path)
	}
	return res, nil
}

// ReadRequests parses a request file back into its lines.
func ReadRequests(fs afero.Fs, path string) ([]RequestLine, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []RequestLine
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	n := 0
	for sc.Scan() {
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var req RequestLine
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, &MalformedError{Line: n, Err: err}
		}
		out = append(out, req)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

// Keys returns the keys of lines in order.
func Keys(lines []RequestLine) []string {
	keys := make([]string, len(lines))
	for i, l := range lines {
		keys[i] = l.Key
	}
	return keys
}

// EstimateRequestTokens approximates the input tokens of one request.
func EstimateRequestTokens(r RequestLine) int {
	tokens := 0
	for _, c := range r.Request.Contents {
		for _, p := range c.Parts {
			if p.Text != "" {
				tokens += ceilDiv(len(p.Text), charsPerToken)
			}
			if p.FileData != nil || p.InlineData != nil {
				tokens += tokensPerImage
			}
		}
	}
	return tokens
}

// EstimateTokens approximates the input tokens of a task list.
func EstimateTokens(tasks []batch.Task) int {
	total := 0
	for _, t := range tasks {
		total += ceilDiv(len(t.Spec.Prompt), charsPerToken)
		if t.Spec.NegativePrompt != "" {
			total += ceilDiv(len(t.Spec.NegativePrompt), charsPerToken)
		}
		total += len(t.References) * tokensPerImage
	}
	return total
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
