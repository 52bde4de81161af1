package jobsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bardlex/prefixminer/internal/job"
	"github.com/bardlex/prefixminer/pkg/circuit"
	"github.com/bardlex/prefixminer/pkg/errors"
	"github.com/bardlex/prefixminer/pkg/log"
	"github.com/bardlex/prefixminer/pkg/retry"
)

// maxBodySize caps how much of a job source response is read
const maxBodySize = 1 << 20

// Config holds job source client settings
type Config struct {
	URL string
	// Timeout applies to each HTTP exchange; zero leaves the transport default
	Timeout time.Duration
	// RetryAttempts is the number of tries per call; one means no retry
	RetryAttempts int
}

// Client fetches jobs from and submits solutions to a single job source URL
type Client struct {
	url            string
	httpClient     *http.Client
	logger         *log.Logger
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewClient creates a job source client
func NewClient(cfg *Config, logger *log.Logger) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "jobsource_client_creation",
			"invalid pool URL").
			WithContext("url", cfg.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New(errors.ErrorTypeValidation, "jobsource_client_creation",
			"pool URL must use http or https").
			WithContext("url", cfg.URL)
	}

	logger = logger.WithComponent("jobsource")
	cbConfig := &circuit.Config{
		Name:            "job_source",
		MaxFailures:     3,
		SuccessRequired: 1,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.LogBreakerState(name, from.String(), to.String())
		},
	}

	retryConfig := retry.JobSourceConfig(cfg.RetryAttempts)
	retryConfig.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.WithError(err).Warn("job source call failed, retrying",
			"attempt", attempt, "delay", delay)
	}

	return &Client{
		url:            cfg.URL,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		logger:         logger,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retryConfig,
	}, nil
}

// FetchJob issues a GET against the pool URL and decodes the job it returns.
// A body that is not a complete job yields a *JobDecodeError wrapped as a
// decode ServiceError, which is never retried.
func (c *Client) FetchJob(ctx context.Context) (*job.Job, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*job.Job, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*job.Job, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeInternal, "fetch_job",
					"failed to build job request")
			}
			req.Header.Set("Accept", "application/json")

			status, body, err := c.do(req)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "fetch_job",
					"failed to fetch job from job source").
					WithContext("url", c.url)
			}

			// A job in the body is used whatever the status; the status
			// only explains a body that is not one
			j, err := DecodeJob(body)
			if err != nil && (status < 200 || status > 299) {
				return nil, errors.New(errors.ErrorTypeNetwork, "fetch_job",
					fmt.Sprintf("job source answered %d %s", status, http.StatusText(status))).
					WithContext("url", c.url).
					WithContext("status_code", status).
					WithRetryable(status >= 500)
			}
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeDecode, "fetch_job",
					"job source returned an invalid job").
					WithContext("url", c.url)
			}
			if status < 200 || status > 299 {
				c.logger.Warn("using job from a non-2xx response", "status_code", status, "job_id", j.JobID)
			}

			c.logger.Debug("fetched job", "job_id", j.JobID, "prev_hash", j.PrevHash, "clean_jobs", j.CleanJobs)
			return j, nil
		})
	})
}

// SubmitSolution posts the solution string, JSON encoded, to the pool URL and
// returns whatever the job source answered. Any HTTP status is a response,
// not an error.
func (c *Client) SubmitSolution(ctx context.Context, solution job.Solution) (*SubmitResponse, error) {
	payload, err := json.Marshal(solution.String())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "submit_solution",
			"failed to encode solution")
	}

	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*SubmitResponse, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*SubmitResponse, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeInternal, "submit_solution",
					"failed to build submission request")
			}
			req.Header.Set("Content-Type", "application/json")

			status, body, err := c.do(req)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "submit_solution",
					"failed to submit solution to job source").
					WithContext("url", c.url).
					WithContext("job_id", solution.JobID)
			}

			resp := &SubmitResponse{
				Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
				StatusCode: status,
				Body:       string(body),
			}

			c.logger.LogSubmission(solution.JobID, solution.Address, status, resp.Status)
			return resp, nil
		})
	})
}

// do performs req and reads at most maxBodySize bytes of the response
func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("failed to close response body", "error", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return resp.StatusCode, nil, err
	}

	return resp.StatusCode, body, nil
}
