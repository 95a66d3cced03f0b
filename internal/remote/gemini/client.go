// Package gemini implements the remote file and batch services over the
// Gemini REST API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/logging"
	"github.com/Iron-Ham/imagebatch/internal/remote"
)

// DefaultBaseURL is the public Gemini API endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

const (
	apiVersion       = "v1beta"
	defaultTimeout   = 2 * time.Minute
	maxErrorBodySize = 64 << 10
)

// Client talks to the Gemini Files and Batch APIs. It implements
// remote.Service.
type Client struct {
	baseURL string
	apiKey  string
	tokens  oauth2.TokenSource
	base    *http.Client
	client  *http.Client
	timeout time.Duration
	logger  *logging.Logger
}

var _ remote.Service = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithAPIKey authenticates with an x-goog-api-key header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTokenSource authenticates with OAuth2 bearer tokens.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithAccessToken authenticates with a fixed bearer token.
func WithAccessToken(token string) Option {
	return WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.base = hc }
}

// WithRequestTimeout bounds every call except Download.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client. Either an API key or a token source is required.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL: DefaultBaseURL,
		base:    &http.Client{},
		timeout: defaultTimeout,
		logger:  logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" && c.tokens == nil {
		return nil, errors.NewValidationError("an API key or access token is required").WithField("remote.api_key")
	}

	c.client = c.base
	if c.tokens != nil {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.base)
		c.client = oauth2.NewClient(ctx, c.tokens)
	}
	return c, nil
}

var fileNamePattern = regexp.MustCompile(`files/([^/?:]+)`)

// FileName extracts the "files/<id>" handle from a file name or URI.
func FileName(ref string) (string, error) {
	m := fileNamePattern.FindStringSubmatch(ref)
	if m == nil {
		return "", errors.NewValidationError("not a file reference").WithValue(ref)
	}
	return "files/" + m[1], nil
}

func (c *Client) url(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// do sends req and returns the response when its status is 2xx. Any
// other status is converted to a RemoteError and the body is closed.
func (c *Client) do(op string, req *http.Request) (*http.Response, error) {
	if c.apiKey != "" {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}
	c.logger.Debug("remote request", "op", op, "method", req.Method, "path", req.URL.Path)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportError(req.Context(), op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(op, resp)
	}
	return resp, nil
}

// call performs a bounded JSON request. in may be nil; out may be nil.
func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, op)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return errors.Wrap(err, op)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.do(op, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.NewRemoteError(op, fmt.Errorf("%w: decode response: %v", errors.ErrUnavailable, err))
	}
	return nil
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func classify(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return errors.ErrRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errors.ErrUnauthorized
	case code == http.StatusRequestTimeout:
		return errors.ErrTimeout
	case code >= 500:
		return errors.ErrUnavailable
	default:
		return errors.ErrBadRequest
	}
}

func statusError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	var env struct {
		Error apiError `json:"error"`
	}
	_ = json.Unmarshal(data, &env)

	msg := env.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	if msg == "" {
		msg = resp.Status
	}
	return errors.NewRemoteError(op, fmt.Errorf("%w: %s", classify(resp.StatusCode), msg)).
		WithStatus(resp.StatusCode, env.Error.Status)
}

func transportError(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return errors.NewRemoteError(op, fmt.Errorf("%w: %v", errors.ErrTimeout, err)).WithStatus(0, "DEADLINE_EXCEEDED")
	case ctx.Err() != nil:
		return errors.NewRemoteError(op, errors.Join(errors.ErrCanceled, err))
	default:
		return errors.NewRemoteError(op, fmt.Errorf("%w: %v", errors.ErrUnavailable, err)).WithStatus(0, "UNAVAILABLE")
	}
}

// --- Files API ---

type fileResource struct {
	Name           string      `json:"name"`
	DisplayName    string      `json:"displayName"`
	MIMEType       string      `json:"mimeType"`
	SizeBytes      json.Number `json:"sizeBytes"`
	CreateTime     time.Time   `json:"createTime"`
	ExpirationTime time.Time   `json:"expirationTime"`
	URI            string      `json:"uri"`
	State          string      `json:"state"`
}

func (f fileResource) toFile() remote.File {
	size, _ := f.SizeBytes.Int64()
	state := remote.FileState(strings.ToUpper(f.State))
	switch state {
	case remote.FileActive, remote.FileFailed, remote.FileProcessing:
	case "":
		state = remote.FileActive
	default:
		state = remote.FileProcessing
	}
	return remote.File{
		Name:        f.Name,
		DisplayName: f.DisplayName,
		URI:         f.URI,
		MIMEType:    f.MIMEType,
		SizeBytes:   size,
		State:       state,
		CreatedAt:   f.CreateTime,
		ExpiresAt:   f.ExpirationTime,
	}
}

// Upload sends a file with the resumable upload protocol: one request to
// open a session, one to send the bytes and finalize.
func (c *Client) Upload(ctx context.Context, u remote.Upload) (remote.File, error) {
	const op = "upload file"
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	meta, err := json.Marshal(map[string]any{"file": map[string]string{"display_name": u.DisplayName}})
	if err != nil {
		return remote.File{}, errors.Wrap(err, op)
	}
	start, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("upload/"+apiVersion+"/files"), bytes.NewReader(meta))
	if err != nil {
		return remote.File{}, errors.Wrap(err, op)
	}
	start.Header.Set("Content-Type", "application/json")
	start.Header.Set("X-Goog-Upload-Protocol", "resumable")
	start.Header.Set("X-Goog-Upload-Command", "start")
	start.Header.Set("X-Goog-Upload-Header-Content-Length", strconv.FormatInt(u.Size, 10))
	start.Header.Set("X-Goog-Upload-Header-Content-Type", u.MIMEType)

	resp, err := c.do(op, start)
	if err != nil {
		return remote.File{}, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	session := resp.Header.Get("X-Goog-Upload-URL")
	if session == "" {
		return remote.File{}, errors.NewRemoteError(op, fmt.Errorf("%w: no upload session returned", errors.ErrUnavailable))
	}

	send, err := http.NewRequestWithContext(ctx, http.MethodPost, session, u.Body)
	if err != nil {
		return remote.File{}, errors.Wrap(err, op)
	}
	send.ContentLength = u.Size
	send.Header.Set("X-Goog-Upload-Command", "upload, finalize")
	send.Header.Set("X-Goog-Upload-Offset", "0")

	resp, err = c.do(op, send)
	if err != nil {
		return remote.File{}, err
	}
	defer resp.Body.Close()

	var out struct {
		File fileResource `json:"file"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return remote.File{}, errors.NewRemoteError(op, fmt.Errorf("%w: decode response: %v", errors.ErrUnavailable, err))
	}
	f := out.File.toFile()
	c.logger.Debug("file uploaded", "name", f.Name, "state", string(f.State), "bytes", u.Size)
	return f, nil
}

// GetFile returns the current metadata of a file.
func (c *Client) GetFile(ctx context.Context, name string) (remote.File, error) {
	name, err := FileName(name)
	if err != nil {
		return remote.File{}, err
	}
	var f fileResource
	if err := c.call(ctx, "get file", http.MethodGet, apiVersion+"/"+name, nil, &f); err != nil {
		return remote.File{}, err
	}
	return f.toFile(), nil
}

// DeleteFile removes a file.
func (c *Client) DeleteFile(ctx context.Context, name string) error {
	name, err := FileName(name)
	if err != nil {
		return err
	}
	return c.call(ctx, "delete file", http.MethodDelete, apiVersion+"/"+name, nil, nil)
}

// Download streams a file's contents. It is not subject to the request
// timeout; cancel ctx to abort.
func (c *Client) Download(ctx context.Context, name string) (io.ReadCloser, error) {
	name, err := FileName(name)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("download/"+apiVersion+"/"+name+":download?alt=media"), nil)
	if err != nil {
		return nil, errors.Wrap(err, "download file")
	}
	resp, err := c.do("download file", req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// --- Batch API ---

type batchStats struct {
	RequestCount           json.Number `json:"requestCount"`
	SuccessfulRequestCount json.Number `json:"successfulRequestCount"`
	FailedRequestCount     json.Number `json:"failedRequestCount"`
}

type inlinedResponses struct {
	InlinedResponses []json.RawMessage `json:"inlinedResponses"`
}

type batchOutput struct {
	ResponsesFile    string            `json:"responsesFile"`
	InlinedResponses *inlinedResponses `json:"inlinedResponses"`
}

type batchDest struct {
	FileName string `json:"fileName"`
}

type batchResource struct {
	Name        string       `json:"name"`
	DisplayName string       `json:"displayName"`
	Model       string       `json:"model"`
	State       string       `json:"state"`
	CreateTime  time.Time    `json:"createTime"`
	UpdateTime  time.Time    `json:"updateTime"`
	Output      *batchOutput `json:"output"`
	Dest        *batchDest   `json:"dest"`
	BatchStats  *batchStats  `json:"batchStats"`
}

// operation is the long-running operation envelope batch calls return.
// Some responses carry the batch at the top level instead.
type operation struct {
	batchResource
	Metadata *batchResource `json:"metadata"`
	Response *batchResource `json:"response"`
	Done     bool           `json:"done"`
	Error    *apiError      `json:"error"`
}

func (op operation) resource() batchResource {
	r := op.batchResource
	if op.Metadata != nil {
		r = *op.Metadata
		if r.Name == "" {
			r.Name = op.Name
		}
	}
	if op.Response != nil && op.Response.Output != nil && r.Output == nil {
		r.Output = op.Response.Output
	}
	return r
}

func (op operation) toJob() remote.Job {
	r := op.resource()
	job := remote.Job{
		Name:        r.Name,
		DisplayName: r.DisplayName,
		Model:       r.Model,
		RawState:    r.State,
		State:       batch.ParseJobState(r.State),
		CreatedAt:   r.CreateTime,
		UpdatedAt:   r.UpdateTime,
	}
	if r.Output != nil {
		job.OutputFile = r.Output.ResponsesFile
		if r.Output.InlinedResponses != nil {
			for _, raw := range r.Output.InlinedResponses.InlinedResponses {
				job.InlineResponses = append(job.InlineResponses, normalizeInline(raw))
			}
		}
	}
	if job.OutputFile == "" && r.Dest != nil {
		job.OutputFile = r.Dest.FileName
	}
	if s := r.BatchStats; s != nil {
		total, _ := s.RequestCount.Int64()
		ok, _ := s.SuccessfulRequestCount.Int64()
		failed, _ := s.FailedRequestCount.Int64()
		job.Stats = remote.JobStats{Total: int(total), Succeeded: int(ok), Failed: int(failed)}
	}
	if op.Error != nil {
		job.Error = op.Error.Message
		if r.State == "" {
			job.State = batch.JobFailed
		}
	}
	return job
}

type inlineMeta struct {
	Key string `json:"key"`
}

// normalizeInline lifts metadata.key of an inlined response to a top
// level key so inline and file results share one line format.
func normalizeInline(raw json.RawMessage) json.RawMessage {
	var in struct {
		Key      string          `json:"key"`
		Metadata inlineMeta      `json:"metadata"`
		Response json.RawMessage `json:"response,omitempty"`
		Error    json.RawMessage `json:"error,omitempty"`
	}
	if err := json.Unmarshal(raw, &in); err != nil || in.Key != "" || in.Metadata.Key == "" {
		return raw
	}
	out, err := json.Marshal(struct {
		Key      string          `json:"key"`
		Response json.RawMessage `json:"response,omitempty"`
		Error    json.RawMessage `json:"error,omitempty"`
	}{in.Metadata.Key, in.Response, in.Error})
	if err != nil {
		return raw
	}
	return out
}

func modelPath(model string) string {
	return "models/" + strings.TrimPrefix(model, "models/")
}

// CreateJob creates a batch job reading requests from req.InputFile.
func (c *Client) CreateJob(ctx context.Context, req remote.JobRequest) (remote.Job, error) {
	input, err := FileName(req.InputFile)
	if err != nil {
		return remote.Job{}, err
	}
	body := map[string]any{
		"batch": map[string]any{
			"display_name": req.DisplayName,
			"input_config": map[string]string{"file_name": input},
		},
	}
	var op operation
	if err := c.call(ctx, "create job", http.MethodPost, apiVersion+"/"+modelPath(req.Model)+":batchGenerateContent", body, &op); err != nil {
		return remote.Job{}, err
	}
	job := op.toJob()
	if job.Name == "" {
		return remote.Job{}, errors.NewRemoteError("create job", fmt.Errorf("%w: response has no job name", errors.ErrUnavailable))
	}
	if job.DisplayName == "" {
		job.DisplayName = req.DisplayName
	}
	if job.Model == "" {
		job.Model = req.Model
	}
	return job, nil
}

// GetJob returns the current state of a batch job.
func (c *Client) GetJob(ctx context.Context, name string) (remote.Job, error) {
	var op operation
	if err := c.call(ctx, "get job", http.MethodGet, apiVersion+"/"+name, nil, &op); err != nil {
		return remote.Job{}, err
	}
	job := op.toJob()
	if job.Name == "" {
		job.Name = name
	}
	return job, nil
}

// CancelJob asks the service to stop a batch job.
func (c *Client) CancelJob(ctx context.Context, name string) error {
	return c.call(ctx, "cancel job", http.MethodPost, apiVersion+"/"+name+":cancel", struct{}{}, nil)
}
