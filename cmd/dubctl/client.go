package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/api/dto"
	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
)

// apiError is a non-2xx response from the API service.
type apiError struct {
	StatusCode int
	Message    string
	Problems   []domain.SegmentProblem
}

func (e *apiError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("api: %s (HTTP %d)", e.Message, e.StatusCode)
	}
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = fmt.Sprintf("segment %d %s: %s", p.Index, p.Field, p.Reason)
	}
	return fmt.Sprintf("api: %s (HTTP %d)\n  %s", e.Message, e.StatusCode, strings.Join(parts, "\n  "))
}

type apiClient struct {
	base   *url.URL
	http   *http.Client
	stream *http.Client
}

func newAPIClient(raw string) (*apiClient, error) {
	if raw == "" {
		raw = defaultAPIURL
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api url must be http or https: %q", raw)
	}
	return &apiClient{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
		// Status streams stay open until the job settles.
		stream: &http.Client{},
	}, nil
}

func (c *apiClient) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &apiError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var body dto.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Problems = body.Problems
	}
	return apiErr
}

func (c *apiClient) submit(ctx context.Context, req dto.CreateJobRequest) (*dto.AcceptedResponse, error) {
	var out dto.AcceptedResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) list(ctx context.Context, status, cursor string, pageSize int) (*dto.ListJobsResponse, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if pageSize > 0 {
		query.Set("page_size", fmt.Sprint(pageSize))
	}
	var out dto.ListJobsResponse
	if err := c.do(ctx, http.MethodGet, "/jobs", query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) job(ctx context.Context, id string) (*dto.JobDTO, error) {
	var out dto.JobDTO
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) edit(ctx context.Context, id string) (*dto.EditResponse, error) {
	var out dto.EditResponse
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id)+"/edit", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) submitEdit(ctx context.Context, id string, req dto.EditRequest) (*dto.AcceptedResponse, error) {
	var out dto.AcceptedResponse
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/edit", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) retry(ctx context.Context, id string) (*dto.AcceptedResponse, error) {
	var out dto.AcceptedResponse
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/retry", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) retranslate(ctx context.Context, id, target string) (*dto.AcceptedResponse, error) {
	var out dto.AcceptedResponse
	body := dto.RetranslateRequest{TargetLanguage: target}
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/retranslate", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) download(ctx context.Context, id string) (*dto.DownloadResponse, error) {
	var out dto.DownloadResponse
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id)+"/download", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// events opens the status stream. The caller closes the body.
func (c *apiClient) events(ctx context.Context, id string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/jobs/"+url.PathEscape(id)+"/events", nil), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open status stream: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp.Body, nil
}
