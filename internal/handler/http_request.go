package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/taskbeat/internal/executor"
	"github.com/t77yq/taskbeat/internal/model"
)

const maxResponseBody = 1 << 20 // 1MB

// HTTPRequestPayload represents the arguments of an http_request job
type HTTPRequestPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout string            `json:"timeout"`
}

// HTTPResponse is the stored result of an http_request job
type HTTPResponse struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
}

// HTTPRequestHandler handles HTTP request tasks
type HTTPRequestHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewHTTPRequestHandler creates a new HTTP request handler
func NewHTTPRequestHandler(logger *zap.Logger) *HTTPRequestHandler {
	return &HTTPRequestHandler{
		logger: logger.Named("http-request"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Handle performs the HTTP request. Network errors, timeouts, 429 and 5xx
// responses are transient; other 4xx responses are permanent.
func (h *HTTPRequestHandler) Handle(ctx context.Context, job *model.Job) ([]byte, error) {
	var payload HTTPRequestPayload
	if err := executor.DecodeArgs(job, &payload); err != nil {
		return nil, err
	}
	if payload.URL == "" {
		return nil, executor.Permanent(errors.New("url is required"))
	}
	if payload.Method == "" {
		payload.Method = http.MethodGet
	}
	if payload.Timeout != "" {
		timeout, err := time.ParseDuration(payload.Timeout)
		if err != nil {
			return nil, executor.Permanent(fmt.Errorf("invalid timeout: %w", err))
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if payload.Body != "" {
		body = strings.NewReader(payload.Body)
	}

	// Create request
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(payload.Method), payload.URL, body)
	if err != nil {
		return nil, executor.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	for key, value := range payload.Headers {
		req.Header.Add(key, value)
	}

	h.logger.Info("Executing HTTP request",
		zap.String("job_id", job.ID),
		zap.String("method", req.Method),
		zap.String("url", payload.URL))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, executor.Transient(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, executor.Transient(fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, executor.Transient(fmt.Errorf("HTTP request failed with status: %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, executor.Permanent(fmt.Errorf("HTTP request failed with status: %d", resp.StatusCode))
	}

	return json.Marshal(HTTPResponse{StatusCode: resp.StatusCode, Body: string(data)})
}
