package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPEmitter POSTs events to an endpoint, keeping a local file copy of
// every event.
type HTTPEmitter struct {
	*chained
	endpoint string
	client   *http.Client
	backup   *FileBackup

	Retries    int
	RetryDelay time.Duration
}

// NewHTTPEmitter posts to cfg.Endpoint and backs up to cfg.Dir.
func NewHTTPEmitter(cfg Config) (*HTTPEmitter, error) {
	c, err := newChained(cfg.Dir)
	if err != nil {
		return nil, err
	}
	backup, err := NewFileBackup(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return &HTTPEmitter{
		chained:    c,
		endpoint:   cfg.Endpoint,
		client:     &http.Client{Timeout: 30 * time.Second},
		backup:     backup,
		Retries:    3,
		RetryDelay: time.Second,
	}, nil
}

// Emit implements Emitter. The chain head only advances once the endpoint
// accepts the event.
func (e *HTTPEmitter) Emit(ctx context.Context, evt *Event) error {
	return e.emit(evt, func(evt *Event) error {
		if err := e.backup.Save(evt); err != nil {
			e.log.Warn("audit backup failed", "error", err)
		}
		if err := e.postWithRetry(ctx, evt); err != nil {
			return fmt.Errorf("audit emit failed: %w", err)
		}
		return nil
	})
}

func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *Event) error {
	retries := e.Retries
	if retries < 1 {
		retries = 1
	}
	delay := e.RetryDelay

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		err := e.post(ctx, evt)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < retries {
			e.log.Warn("audit post failed, retrying",
				"attempt", attempt, "max", retries, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", retries, lastErr)
}

func (e *HTTPEmitter) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

func (e *HTTPEmitter) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
