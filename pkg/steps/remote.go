package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avisto/stepline/pkg/api"
)

// RemoteStep invokes one downstream service over HTTP and converts the
// response into a StepResult. It honors the Step contract strictly: every
// internal failure becomes a failed result, never a panic or an escaping
// error. The attempt's deadline arrives through the context; the embedded
// client timeout is only a backstop for definitions without one.
type RemoteStep struct {
	kind    string
	service string
	url     string
	apiKey  string
	client  *http.Client

	// buildPayload assembles the request body from the run context.
	// Nil means an empty JSON object.
	buildPayload func(rc *api.RunContext) any
}

var _ api.Step = (*RemoteStep)(nil)

// RemoteOption customizes a RemoteStep.
type RemoteOption func(*RemoteStep)

// WithAPIKey sends the key in the X-API-Key header on every request.
func WithAPIKey(key string) RemoteOption {
	return func(s *RemoteStep) { s.apiKey = key }
}

// WithClient replaces the default HTTP client.
func WithClient(client *http.Client) RemoteOption {
	return func(s *RemoteStep) { s.client = client }
}

// WithPayload supplies the request-body builder.
func WithPayload(build func(rc *api.RunContext) any) RemoteOption {
	return func(s *RemoteStep) { s.buildPayload = build }
}

// NewRemoteStep creates a step of the given kind that POSTs JSON to url on
// behalf of the named service.
func NewRemoteStep(kind, service, url string, opts ...RemoteOption) *RemoteStep {
	s := &RemoteStep{
		kind:    kind,
		service: service,
		url:     strings.TrimRight(url, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RemoteStep) Execute(ctx context.Context, rc *api.RunContext) api.StepResult {
	var payload any = map[string]any{}
	if s.buildPayload != nil {
		payload = s.buildPayload(rc)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return s.failed(fmt.Sprintf("encode request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return s.failed(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return s.failed(err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return s.failed(fmt.Sprintf("read response: %v", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return s.failed(fmt.Sprintf("%s returned status %d", s.service, resp.StatusCode))
	}

	data := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return s.failed(fmt.Sprintf("decode response: %v", err))
		}
	}

	return api.StepResult{
		Kind:    s.kind,
		Service: s.service,
		Success: true,
		Data:    data,
	}
}

func (s *RemoteStep) failed(msg string) api.StepResult {
	return api.StepResult{
		Kind:    s.kind,
		Service: s.service,
		Success: false,
		Error:   msg,
	}
}
