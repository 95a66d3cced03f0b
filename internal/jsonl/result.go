package jsonl

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/errors"
)

// Candidate is one generated answer.
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

// PromptFeedback explains a request rejected before generation.
type PromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

// GenerateContentResponse is the body of a successful result line.
type GenerateContentResponse struct {
	Candidates     []Candidate     `json:"candidates,omitempty"`
	PromptFeedback *PromptFeedback `json:"promptFeedback,omitempty"`
}

// ErrorPayload is the body of a failed result line.
type ErrorPayload struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}

// ResultLine is the wire form of one result line. Older files carry the
// key as custom_id.
type ResultLine struct {
	Key      string                   `json:"key,omitempty"`
	CustomID string                   `json:"custom_id,omitempty"`
	Response *GenerateContentResponse `json:"response,omitempty"`
	Error    *ErrorPayload            `json:"error,omitempty"`
}

// Image is a decoded inline image.
type Image struct {
	MIMEType string `validate:"required"`
	Data     []byte `validate:"min=1"`
}

// Success is a response that produced output. It may still lack images
// when the model returned only text or stopped early.
type Success struct {
	Images       []Image `validate:"dive"`
	Text         string
	FinishReason string
}

// FirstImage returns the first image, if any.
func (s *Success) FirstImage() (Image, bool) {
	if len(s.Images) == 0 {
		return Image{}, false
	}
	return s.Images[0], true
}

// Failure is an error payload returned for a request.
type Failure struct {
	Code    string `validate:"required"`
	Message string
	Status  string
}

// Result is one decoded result line: exactly one of Success or Failure is
// set.
type Result struct {
	Key     string   `validate:"required"`
	Line    int      `validate:"gte=1"`
	Success *Success `validate:"required_without=Failure,excluded_with=Failure"`
	Failure *Failure `validate:"required_without=Success"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// MalformedError is a result line that could not be decoded or failed
// validation. It matches ErrMalformedRecord.
type MalformedError struct {
	Line int
	Key  string
	Err  error
}

func (e *MalformedError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("line %d (%s): %v", e.Line, e.Key, e.Err)
	}
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

func (e *MalformedError) Is(target error) bool { return target == errors.ErrMalformedRecord }

// DecodeResult parses and validates one result line.
func DecodeResult(data []byte, lineNo int) (Result, error) {
	var raw ResultLine
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return Result{}, &MalformedError{Line: lineNo, Err: err}
	}
	key := raw.Key
	if key == "" {
		key = raw.CustomID
	}

	res := Result{Key: key, Line: lineNo}
	switch {
	case raw.Error != nil:
		res.Failure = failureFrom(raw.Error)
	case raw.Response != nil:
		if blocked := raw.Response.PromptFeedback; blocked != nil && blocked.BlockReason != "" && len(raw.Response.Candidates) == 0 {
			res.Failure = &Failure{Code: "BLOCKED", Message: "prompt blocked: " + blocked.BlockReason, Status: blocked.BlockReason}
			break
		}
		s, err := successFrom(raw.Response)
		if err != nil {
			return Result{}, &MalformedError{Line: lineNo, Key: key, Err: err}
		}
		res.Success = s
	}

	if err := validate.Struct(res); err != nil {
		return Result{}, &MalformedError{Line: lineNo, Key: key, Err: err}
	}
	return res, nil
}

func failureFrom(p *ErrorPayload) *Failure {
	code := p.Status
	if p.Code != 0 {
		code = strconv.Itoa(p.Code)
	}
	if code == "" {
		code = "UNKNOWN"
	}
	return &Failure{Code: code, Message: p.Message, Status: p.Status}
}

func successFrom(r *GenerateContentResponse) (*Success, error) {
	s := &Success{}
	if len(r.Candidates) == 0 {
		return s, nil
	}
	c := r.Candidates[0]
	s.FinishReason = c.FinishReason
	var text []string
	for _, p := range c.Content.Parts {
		if p.InlineData != nil && p.InlineData.Data != "" {
			data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("decode inline data: %w", err)
			}
			mime := p.InlineData.MIMEType
			if mime == "" {
				mime = "image/png"
			}
			s.Images = append(s.Images, Image{MIMEType: mime, Data: data})
		}
		if p.Text != "" {
			text = append(text, p.Text)
		}
	}
	s.Text = strings.Join(text, "\n")
	return s, nil
}

// ResultReader is a lazy, forward-only reader over a results file. It
// cannot be rewound; reading again means opening the file again.
//
//	r, err := jsonl.OpenResults(fs, path)
//	defer r.Close()
//	for r.Next() {
//		res := r.Record()
//	}
//	if err := r.Err(); err != nil { ... }
type ResultReader struct {
	file      afero.File
	sc        *bufio.Scanner
	line      int
	cur       Result
	err       error
	malformed []*MalformedError
	started   bool
	done      bool
}

// OpenResults opens path for reading.
func OpenResults(fs afero.Fs, path string) (*ResultReader, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &ResultReader{file: f, sc: sc}, nil
}

// Next advances to the next valid record. Blank lines are skipped;
// malformed lines are skipped and recorded.
func (r *ResultReader) Next() bool {
	r.started = true
	if r.done {
		return false
	}
	for r.sc.Scan() {
		r.line++
		data := bytes.TrimSpace(r.sc.Bytes())
		if len(data) == 0 {
			continue
		}
		res, err := DecodeResult(data, r.line)
		if err != nil {
			var me *MalformedError
			if errors.As(err, &me) {
				r.malformed = append(r.malformed, me)
				continue
			}
			r.err = err
			r.done = true
			return false
		}
		r.cur = res
		return true
	}
	r.err = r.sc.Err()
	r.done = true
	r.cur = Result{}
	return false
}

// Record returns the record Next advanced to.
func (r *ResultReader) Record() Result {
	return r.cur
}

// Err returns the first read error. Malformed lines are not errors; see
// Malformed.
func (r *ResultReader) Err() error {
	return r.err
}

// Malformed returns the lines rejected so far.
func (r *ResultReader) Malformed() []*MalformedError {
	return r.malformed
}

// All returns an iterator over the remaining records. The reader can be
// iterated once: a second call yields only ErrConsumed. A read error is
// yielded last.
func (r *ResultReader) All() iter.Seq2[Result, error] {
	if r.started {
		return func(yield func(Result, error) bool) {
			yield(Result{}, errors.ErrConsumed)
		}
	}
	r.started = true
	return func(yield func(Result, error) bool) {
		for r.Next() {
			if !yield(r.Record(), nil) {
				return
			}
		}
		if r.err != nil {
			yield(Result{}, r.err)
		}
	}
}

// Close releases the file.
func (r *ResultReader) Close() error {
	r.done = true
	return r.file.Close()
}
