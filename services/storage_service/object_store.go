package storage_service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chatforge/kbingest/config"
)

var ErrNotConfigured = errors.New("object storage is not configured")

// ObjectStore persists blobs to an S3-compatible HTTP gateway and returns
// their public URL. Used for the canonical PDF of every document.
type ObjectStore struct {
	cfg        config.Config
	logger     *slog.Logger
	httpClient *http.Client
}

func New(cfg config.Config, logger *slog.Logger) *ObjectStore {
	return &ObjectStore{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// SetHTTPClient replaces the transport. Used by tests.
func (s *ObjectStore) SetHTTPClient(hc *http.Client) { s.httpClient = hc }

func (s *ObjectStore) Configured() bool { return s.cfg.StorageBaseURL != "" }

// Put uploads data under path and returns the public URL. Transient
// failures are retried with the same bounded backoff policy as extraction
// calls.
func (s *ObjectStore) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if !s.Configured() {
		return "", ErrNotConfigured
	}

	putURL := fmt.Sprintf("%s/%s/%s",
		strings.TrimRight(s.cfg.StorageBaseURL, "/"), s.cfg.StorageBucket, strings.TrimLeft(path, "/"))

	var lastErr error
	delay := s.cfg.CallInitialDelay
	for attempt := 1; attempt <= s.cfg.CallMaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, putURL, bytes.NewReader(data))
		if err != nil {
			return "", fmt.Errorf("failed to build storage request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		if s.cfg.StorageAPIKey != "" {
			req.Header.Set("Authorization", "Bearer "+s.cfg.StorageAPIKey)
		}

		resp, err := s.httpClient.Do(req)
		if err == nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				s.logger.Debug("Stored object",
					slog.String("path", path),
					slog.Int("size", len(data)))
				return s.publicURL(path), nil
			}
			if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return "", fmt.Errorf("object storage returned status %d: %s", resp.StatusCode, string(body))
			}
			lastErr = fmt.Errorf("object storage returned status %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		if attempt == s.cfg.CallMaxAttempts {
			break
		}
		s.logger.Warn("Object storage put failed, retrying",
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > s.cfg.CallMaxDelay {
			delay = s.cfg.CallMaxDelay
		}
	}

	return "", fmt.Errorf("object storage put failed after %d attempts: %w", s.cfg.CallMaxAttempts, lastErr)
}

func (s *ObjectStore) publicURL(path string) string {
	base := s.cfg.StoragePublicURL
	if base == "" {
		base = s.cfg.StorageBaseURL
	}
	return fmt.Sprintf("%s/%s/%s",
		strings.TrimRight(base, "/"), s.cfg.StorageBucket, strings.TrimLeft(path, "/"))
}
