// Package worker executes tasks in supervised, disposable subprocess
// units: one cached unit per task queue, a hard per-task time limit,
// and crash isolation so a faulting unit never takes the consumer down.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fieldflow/fieldflow/config"
	"github.com/fieldflow/fieldflow/errors"
	"github.com/fieldflow/fieldflow/logger"
	"github.com/fieldflow/fieldflow/spec"
	"github.com/fieldflow/fieldflow/task"
)

// Endpoint performs one task's actual computation.
type Endpoint interface {
	Call(ctx context.Context, taskData any, meta task.Metadata) (any, error)
}

// NewEndpoint builds the endpoint an execution unit hosts.
func NewEndpoint(es spec.EndpointSpec, cfg config.EndpointConfig) (Endpoint, error) {
	switch es.Type {
	case spec.RemoteRestfulEndpoint:
		return newRemoteEndpoint(es, cfg), nil
	case spec.LocalFnEndpoint:
		return &localEndpoint{fn: es.Fn}, nil
	case spec.LocalStreamingFnEndpoint:
		return &streamingEndpoint{}, nil
	default:
		return nil, errors.NewConfigurationError("unknown endpoint type %q", es.Type)
	}
}

type localEndpoint struct {
	fn func(ctx context.Context, taskData any) (any, error)
}

func (e *localEndpoint) Call(ctx context.Context, taskData any, meta task.Metadata) (any, error) {
	out, err := e.fn(ctx, taskData)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrEndpoint, "local endpoint: %v", err)
	}
	return out, nil
}

type streamingEndpoint struct{}

func (e *streamingEndpoint) Call(ctx context.Context, taskData any, meta task.Metadata) (any, error) {
	return nil, errors.Wrap(errors.ErrEndpoint, "localStreamingFnEndpoint is not implemented")
}

// remoteEndpoint posts task data to an external service, retrying
// transient failures a bounded number of times with fixed backoff, and
// rate-limiting outbound calls.
type remoteEndpoint struct {
	url         string
	method      string
	client      *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	backoff     time.Duration
	log         *zap.SugaredLogger
}

func newRemoteEndpoint(es spec.EndpointSpec, cfg config.EndpointConfig) *remoteEndpoint {
	method := es.Method
	if method == "" {
		method = http.MethodPost
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	ratePerSecond := cfg.RatePerSecond
	if ratePerSecond <= 0 {
		ratePerSecond = 10
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 5 * time.Minute
	}
	return &remoteEndpoint{
		url:         es.URL,
		method:      method,
		client:      &http.Client{Timeout: callTimeout},
		limiter:     rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		maxAttempts: maxAttempts,
		backoff:     cfg.RetryBackoff,
		log:         logger.Named("worker.endpoint"),
	}
}

type remoteRequest struct {
	TaskData     any           `json:"taskData"`
	TaskMetadata task.Metadata `json:"taskMetadata"`
}

func (e *remoteEndpoint) Call(ctx context.Context, taskData any, meta task.Metadata) (any, error) {
	body, err := json.Marshal(remoteRequest{TaskData: taskData, TaskMetadata: meta})
	if err != nil {
		return nil, errors.Wrap(err, "encode endpoint request")
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "await rate limiter")
		}

		result, retryable, err := e.callOnce(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		e.log.Warnw("Endpoint call failed",
			"url", e.url, "attempt", attempt, "max_attempts", e.maxAttempts, "error", err)
		if attempt < e.maxAttempts && e.backoff > 0 {
			timer := time.NewTimer(e.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil, errors.Wrapf(errors.ErrEndpoint, "endpoint %s failed after %d attempts: %v", e.url, e.maxAttempts, lastErr)
}

// callOnce reports whether a failure is worth retrying: network faults
// and 5xx are, anything the endpoint rejected outright is not.
func (e *remoteEndpoint) callOnce(ctx context.Context, body []byte) (any, bool, error) {
	req, err := http.NewRequestWithContext(ctx, e.method, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, false, errors.Wrap(err, "build endpoint request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, true, errors.Wrapf(errors.ErrConnectivity, "call %s: %v", e.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, true, errors.Wrapf(errors.ErrEndpoint, "endpoint %s returned %d", e.url, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, false, errors.Wrapf(errors.ErrEndpoint, "endpoint %s returned %d: %s",
			e.url, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, false, errors.Wrapf(errors.ErrEndpoint, "decode response from %s: %v", e.url, err)
	}
	return result, false, nil
}
