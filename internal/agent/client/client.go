package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stakework/gridpool/internal/coordinator/api/dto"
	"github.com/stakework/gridpool/internal/coordinator/domain"
)

const requestTimeout = 15 * time.Second

// Client talks to the coordinator's HTTP API. Unary calls use a bounded
// timeout; the job stream uses a dedicated client with no timeout since
// the connection is expected to stay open.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// NewClient creates a coordinator API client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		stream:  &http.Client{},
		logger:  logger,
	}
}

// apiError is a non-2xx reply from the coordinator.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("coordinator replied %d: %s", e.Status, e.Message)
}

// IsRejected reports whether err is a coordinator-side rejection (4xx)
// rather than a transport or server failure.
func IsRejected(err error) bool {
	var ae *apiError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Status >= 400 && ae.Status < 500
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return &apiError{Status: resp.StatusCode, Message: errBody.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// GetChallenge requests a one-time registration challenge.
func (c *Client) GetChallenge(ctx context.Context, workerID, wallet string) (dto.ChallengeResponse, error) {
	var resp dto.ChallengeResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/workers/challenge", dto.ChallengeRequest{
		WorkerID: workerID,
		Wallet:   wallet,
	}, &resp)
	return resp, err
}

// Register submits a signed challenge response.
func (c *Client) Register(ctx context.Context, req dto.RegisterRequest) (dto.RegisterResponse, error) {
	var resp dto.RegisterResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/workers/register", req, &resp)
	return resp, err
}

// Heartbeat sends a liveness pulse with the current in-flight job count.
// The returned bool is the coordinator's reply; false means the worker
// is unknown.
func (c *Client) Heartbeat(ctx context.Context, workerID string, running int) (bool, error) {
	var resp dto.HeartbeatResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/workers/"+workerID+"/heartbeat", dto.HeartbeatRequest{
		RunningCount: running,
	}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// ListScheduled pulls the worker's in-flight jobs.
func (c *Client) ListScheduled(ctx context.Context, workerID string) ([]domain.JobDescriptor, error) {
	var resp struct {
		Jobs []domain.JobDescriptor `json:"jobs"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/workers/"+workerID+"/jobs/scheduled", nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// ReportResult sends an execution result.
func (c *Client) ReportResult(ctx context.Context, req dto.ReportResultRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/jobs/results", req, nil)
}

// PresignOutput asks for access URLs for a file under the job's output
// prefix.
func (c *Client) PresignOutput(ctx context.Context, jobID, filename string) (dto.PresignOutputResponse, error) {
	var resp dto.PresignOutputResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/jobs/"+jobID+"/output-url", dto.PresignOutputRequest{
		Filename: filename,
	}, &resp)
	if err != nil {
		return dto.PresignOutputResponse{}, err
	}
	return resp, nil
}

// StreamJobs opens the push feed and invokes handle for each descriptor.
// It blocks until the stream ends or ctx is cancelled; a nil return means
// the server closed the stream cleanly.
func (c *Client) StreamJobs(ctx context.Context, workerID string, handle func(domain.JobDescriptor)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/workers/"+workerID+"/jobs/stream", nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("open job stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &apiError{Status: resp.StatusCode, Message: "stream rejected"}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var jd domain.JobDescriptor
		if err := json.Unmarshal(line, &jd); err != nil {
			c.logger.Warn("skipping malformed stream line", slog.String("error", err.Error()))
			continue
		}
		handle(jd)
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read job stream: %w", err)
	}
	return nil
}

// FetchPayload downloads a presigned payload URL into w.
func (c *Client) FetchPayload(ctx context.Context, url string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build payload request: %w", err)
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch payload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &apiError{Status: resp.StatusCode, Message: "payload fetch rejected"}
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("read payload: %w", err)
	}
	return n, nil
}
