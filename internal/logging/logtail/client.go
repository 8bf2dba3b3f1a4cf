package logtail

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/Chichichkin/LogtailAgent/internal/logging"
)

const (
	DefaultEndpoint = "https://in.logtail.com"
	DefaultTimeout  = 10 * time.Second
	DefaultRetries  = 10

	// BatchIDHeader carries an id that stays the same across retries of one batch.
	BatchIDHeader = "X-Batch-Id"
)

type Config struct {
	Endpoint string
	Timeout  time.Duration
	// Retries is the number of delivery attempts per batch.
	Retries  int
	Compress bool
	Logger   *slog.Logger
}

// Client posts batches of logs to a Logtail ingestion endpoint. It keeps no state
// between calls besides its configuration and the pooled HTTP connections.
type Client struct {
	token      string
	endpoint   string
	retries    int
	compress   bool
	httpClient *http.Client
	logger     *slog.Logger

	backoff time.Duration
	wait    func(ctx context.Context, d time.Duration) error
}

func NewClient(sourceToken string, config Config) *Client {
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Retries <= 0 {
		config.Retries = DefaultRetries
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Client{
		token:    sourceToken,
		endpoint: strings.TrimRight(config.Endpoint, "/") + "/",
		retries:  config.Retries,
		compress: config.Compress,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger:  config.Logger.With("component", "logtail"),
		backoff: time.Second,
		wait:    sleep,
	}
}

// Send delivers the batch, retrying with a linear backoff: attempt i waits i
// seconds first. It reports whether any attempt succeeded; the batch is lost
// otherwise.
func (c *Client) Send(ctx context.Context, batch []logging.Log) bool {
	if len(batch) == 0 {
		return true
	}

	body, err := c.payload(batch)
	if err != nil {
		c.logger.Error("dropping batch that could not be encoded", "batch_size", len(batch), "err", err)
		return false
	}

	batchID := uuid.NewString()
	for i := 0; i < c.retries; i++ {
		if err = c.wait(ctx, time.Duration(i)*c.backoff); err != nil {
			break
		}

		err = c.sendOnce(ctx, body, batchID)
		if err == nil {
			c.logger.Debug("sent batch", "batch_id", batchID, "batch_size", len(batch), "attempt", i+1)
			return true
		}
		c.logger.Debug("send attempt failed", "batch_id", batchID, "attempt", i+1, "retries", c.retries, "err", err)
	}

	c.logger.Warn("dropping batch",
		"batch_id", batchID, "batch_size", len(batch), "retries", c.retries, "err", err)
	return false
}

func (c *Client) payload(batch []logging.Log) ([]byte, error) {
	body, err := encode(batch)
	if err != nil || !c.compress {
		return body, err
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, errors.Wrap(err, "failed to compress batch")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to compress batch")
	}
	return buf.Bytes(), nil
}

func (c *Client) sendOnce(ctx context.Context, body []byte, batchID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(BatchIDHeader, batchID)
	if c.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Errorf("logtail returned status %d: %s", resp.StatusCode, string(responseBody))
	}

	// drain so the connection goes back to the pool
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
