// Package delivery pushes completed job results to the caller's callback URL.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/dkorolev/jobrelay/app/persistence"
	"github.com/dkorolev/jobrelay/app/store"
)

//go:generate moq -out mocks/repeater.go -pkg mocks -skip-ensure -fmt goimports . Repeater
//go:generate moq -out mocks/recorder.go -pkg mocks -skip-ensure -fmt goimports . Recorder

const defaultTimeout = 15 * time.Second

// Repeater retries failed delivery calls
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) error
}

// Recorder keeps the audit trail of delivery attempts
type Recorder interface {
	RecordAttempt(a persistence.Attempt) error
}

// Client sends job records to their callback location. Success is any 2xx
// response, everything else keeps the record for redelivery.
type Client struct {
	Timeout  time.Duration
	Repeater Repeater // optional, single attempt if nil
	History  Recorder // optional

	httpClient *http.Client
}

// New creates a delivery client with a bounded per-call timeout
func New(timeout time.Duration, rptr Repeater, history Recorder) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		Timeout:    timeout,
		Repeater:   rptr,
		History:    history,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Send delivers the full record to its callback, retrying per the configured
// repeater. Returns an error if no acknowledgment was observed.
func (c *Client) Send(ctx context.Context, rec store.Record) error {
	if rec.Callback.URL == "" {
		return errors.New("record has no callback url")
	}
	method := rec.Callback.Method
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.Token, err)
	}

	call := func() error {
		code, e := c.post(ctx, method, rec.Callback.URL, body)
		c.record(rec, code, e)
		return e
	}

	if c.Repeater != nil {
		err = c.Repeater.Do(ctx, call)
	} else {
		err = call()
	}
	if err != nil {
		return fmt.Errorf("delivery of %s to %s failed: %w", rec.Token, rec.Callback.URL, err)
	}
	log.Printf("[DEBUG] delivered %s to %s", rec.Token, rec.Callback.URL)
	return nil
}

func (c *Client) post(ctx context.Context, method, url string, body []byte) (code int, err error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to make request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("callback call failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// record saves the attempt to history, best effort
func (c *Client) record(rec store.Record, code int, callErr error) {
	if c.History == nil {
		return
	}
	a := persistence.Attempt{
		Token:      rec.Token,
		Service:    rec.Service,
		URL:        rec.Callback.URL,
		Method:     rec.Callback.Method,
		StatusCode: code,
		OK:         callErr == nil,
	}
	if callErr != nil {
		a.Error = callErr.Error()
	}
	if err := c.History.RecordAttempt(a); err != nil {
		log.Printf("[WARN] failed to record delivery attempt for %s: %v", rec.Token, err)
	}
}
