package extraction_service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/chatforge/kbingest/config"
	"github.com/chatforge/kbingest/pipeline_type"
)

// Client talks to the external extraction service: upload a chunk, start an
// extraction job against an agent, poll for the result. It keeps no state
// between calls; all job bookkeeping belongs to the orchestrator.
type Client struct {
	cfg        config.Config
	logger     *slog.Logger
	httpClient *http.Client
	limiter    *rate.Limiter
	sleep      sleepFunc
}

func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(cfg.ExtractionRatePerSec), 1),
		sleep:      realSleep,
	}
}

// SetHTTPClient replaces the transport. Used by tests.
func (c *Client) SetHTTPClient(hc *http.Client) { c.httpClient = hc }

// SetSleep replaces the inter-attempt wait. Used by tests.
func (c *Client) SetSleep(s sleepFunc) { c.sleep = s }

// Extract runs the full upload / start / poll sequence for one chunk and
// returns its structured result.
func (c *Client) Extract(ctx context.Context, chunkData []byte, filename, agentID string) (*pipeline_type.ExtractionResult, error) {
	if c.cfg.ExtractionAPIKey == "" {
		return nil, extractionErr(CodeConfigError, "extraction API key is not configured", nil)
	}
	if agentID == "" {
		agentID = c.cfg.ExtractionAgentID
	}
	if agentID == "" {
		return nil, extractionErr(CodeConfigError, "extraction agent id is not configured", nil)
	}

	fileID, err := c.uploadFile(ctx, chunkData, filename)
	if err != nil {
		return nil, err
	}

	jobID, err := c.startJob(ctx, fileID, agentID)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Extraction job started",
		slog.String("file_id", fileID),
		slog.String("job_id", jobID),
		slog.Int("chunk_size", len(chunkData)))

	return c.pollResult(ctx, jobID)
}

type uploadResponse struct {
	ID string `json:"id"`
}

func (c *Client) uploadFile(ctx context.Context, data []byte, filename string) (string, error) {
	body, err := c.callWithRetry(ctx, "upload file", func(ctx context.Context) (*http.Request, error) {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		part, err := writer.CreateFormFile("upload_file", filename)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(data); err != nil {
			return nil, err
		}
		if err := writer.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ExtractionBaseURL+"/api/v1/files", &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return "", extractionErr(CodeUploadError, "failed to upload chunk", err)
	}

	var resp uploadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", extractionErr(CodeUploadError, "failed to decode upload response", err)
	}
	if resp.ID == "" {
		return "", extractionErr(CodeUploadError, "upload response missing file id", nil)
	}
	return resp.ID, nil
}

type startJobRequest struct {
	ExtractionAgentID string `json:"extraction_agent_id"`
	FileID            string `json:"file_id"`
}

type jobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (c *Client) startJob(ctx context.Context, fileID, agentID string) (string, error) {
	payload, err := json.Marshal(startJobRequest{ExtractionAgentID: agentID, FileID: fileID})
	if err != nil {
		return "", extractionErr(CodeStatusCheckError, "failed to marshal job request", err)
	}

	body, err := c.callWithRetry(ctx, "start extraction job", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ExtractionBaseURL+"/api/v1/extraction/jobs", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", extractionErr(CodeStatusCheckError, "failed to start extraction job", err)
	}

	var resp jobResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", extractionErr(CodeStatusCheckError, "failed to decode job response", err)
	}
	if resp.ID == "" {
		return "", extractionErr(CodeStatusCheckError, "job response missing job id", nil)
	}
	return resp.ID, nil
}

type resultEnvelope struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// pollResult fetches the job result, treating not-found and pending as "not
// ready yet" and backing off between attempts. A transport failure gets one
// extra fixed-delay retry before propagating.
func (c *Client) pollResult(ctx context.Context, jobID string) (*pipeline_type.ExtractionResult, error) {
	url := fmt.Sprintf("%s/api/v1/extraction/jobs/%s/result", c.cfg.ExtractionBaseURL, jobID)

	transportRetried := false
	for attempt := 1; attempt <= c.cfg.PollMaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, extractionErr(CodeResultFetchError, "rate limiter wait interrupted", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, extractionErr(CodeResultFetchError, "failed to build result request", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.ExtractionAPIKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if transportRetried {
				return nil, extractionErr(CodeResultFetchError, "failed to fetch extraction result", err)
			}
			transportRetried = true
			c.logger.Warn("Transport error fetching result, retrying once",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()))
			if serr := c.sleep(ctx, c.cfg.PollInitialDelay); serr != nil {
				return nil, extractionErr(CodeResultFetchError, "poll interrupted", serr)
			}
			attempt--
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, extractionErr(CodeResultFetchError, "failed to read result response", readErr)
		}

		pending := resp.StatusCode == http.StatusNotFound
		if !pending && resp.StatusCode != http.StatusOK {
			return nil, extractionErr(CodeResultFetchError,
				fmt.Sprintf("result endpoint returned status %d: %s", resp.StatusCode, truncateBody(body)), nil)
		}

		if !pending {
			var envelope resultEnvelope
			if err := json.Unmarshal(body, &envelope); err != nil {
				return nil, extractionErr(CodeResultFetchError, "failed to decode result response", err)
			}
			switch envelope.Status {
			case "SUCCESS", "COMPLETED", "":
				if len(envelope.Data) > 0 {
					return parseResult(envelope.Data)
				}
				return parseResult(body)
			case "PENDING", "RUNNING", "NOT_FOUND":
				pending = true
			case "ERROR", "FAILED":
				return nil, extractionErr(CodeJobFailed,
					fmt.Sprintf("extraction job %s failed: %s", jobID, envelope.Error), nil)
			default:
				return nil, extractionErr(CodeResultFetchError,
					fmt.Sprintf("unexpected job status %q", envelope.Status), nil)
			}
		}

		if pending {
			if attempt == c.cfg.PollMaxAttempts {
				break
			}
			delay := backoffDelay(attempt, c.cfg.PollInitialDelay, 0)
			c.logger.Debug("Extraction result not ready, backing off",
				slog.String("job_id", jobID),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))
			if err := c.sleep(ctx, delay); err != nil {
				return nil, extractionErr(CodeResultFetchError, "poll interrupted", err)
			}
		}
	}

	return nil, extractionErr(CodeTimeoutError,
		fmt.Sprintf("extraction job %s not ready after %d attempts", jobID, c.cfg.PollMaxAttempts), nil)
}

// callWithRetry issues the request built by build, retrying transport errors
// and retryable statuses with bounded exponential backoff. Returns the
// response body on 2xx.
func (c *Client) callWithRetry(ctx context.Context, desc string, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.CallMaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.ExtractionAPIKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				lastErr = readErr
			} else if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				if attempt > 1 {
					c.logger.Debug("Call succeeded after retry",
						slog.String("call", desc),
						slog.Int("attempt", attempt))
				}
				return body, nil
			} else if !retryableStatus(resp.StatusCode) {
				return nil, fmt.Errorf("%s returned status %d: %s", desc, resp.StatusCode, truncateBody(body))
			} else {
				lastErr = fmt.Errorf("%s returned status %d", desc, resp.StatusCode)
			}
		}

		if attempt == c.cfg.CallMaxAttempts {
			break
		}
		delay := backoffDelay(attempt, c.cfg.CallInitialDelay, c.cfg.CallMaxDelay)
		c.logger.Warn("Call failed, backing off",
			slog.String("call", desc),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", lastErr.Error()))
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s failed after %d attempts: %w", desc, c.cfg.CallMaxAttempts, lastErr)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func truncateBody(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

// parseResult maps the service's JSON payload onto the known result fields,
// keeping unmodeled fields raw under Extra.
func parseResult(data []byte) (*pipeline_type.ExtractionResult, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, extractionErr(CodeResultFetchError, "failed to decode result payload", err)
	}

	result := &pipeline_type.ExtractionResult{}
	for key, value := range raw {
		var err error
		switch key {
		case "text":
			err = json.Unmarshal(value, &result.Text)
		case "title":
			err = json.Unmarshal(value, &result.Title)
		case "summary":
			err = json.Unmarshal(value, &result.Summary)
		case "entities":
			err = json.Unmarshal(value, &result.Entities)
		default:
			if result.Extra == nil {
				result.Extra = make(map[string]json.RawMessage)
			}
			result.Extra[key] = value
		}
		if err != nil {
			return nil, extractionErr(CodeResultFetchError,
				fmt.Sprintf("malformed %q field in result payload", key), err)
		}
	}
	return result, nil
}
