package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// maxErrorBody bounds how much of a failed response is echoed into the error.
const maxErrorBody = 512

// Remote delegates a stage to an HTTP service. The request body is the JSON
// encoded Request and a 2xx response body must decode into a Result.
type Remote struct {
	client   *http.Client
	endpoint string
	logger   *slog.Logger
}

// NewRemote creates an executor posting to endpoint. If client is nil,
// http.DefaultClient is used.
func NewRemote(client *http.Client, endpoint string, logger *slog.Logger) *Remote {
	if client == nil {
		client = http.DefaultClient
	}
	return &Remote{client: client, endpoint: endpoint, logger: logger}
}

func (r *Remote) Execute(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode stage request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("stage request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	r.logger.Debug("Calling stage service",
		slog.String("job_id", req.JobID),
		slog.String("stage_name", req.Stage.Label()),
		slog.String("endpoint", r.endpoint),
	)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s service: %w", req.Stage.Label(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(snippet))
		if msg == "" {
			return nil, fmt.Errorf("%s service: status %d", req.Stage.Label(), resp.StatusCode)
		}
		return nil, fmt.Errorf("%s service: status %d: %s", req.Stage.Label(), resp.StatusCode, msg)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%s service: malformed response: %w", req.Stage.Label(), err)
	}
	return &result, nil
}
