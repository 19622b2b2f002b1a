// Package lookup sends lookup commands to the transport bridge and parses
// the replies the lookup bots post back.
package lookup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/tradewatch/internal/correlate"
)

const (
	dispatchTimeout = 10 * time.Second
	maxErrorBody    = 4 << 10
)

// ErrDispatch is matched by every error a dispatcher returns.
var ErrDispatch = errors.New("lookup dispatch failed")

// DispatchError describes a failed dispatch.
type DispatchError struct {
	Lane      correlate.Lane
	SubjectID string
	Status    int // HTTP status, 0 when no response was received
	Err       error
}

func (e *DispatchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("dispatch %s for %s: status %d: %v", e.Lane, e.SubjectID, e.Status, e.Err)
	}
	return fmt.Sprintf("dispatch %s for %s: %v", e.Lane, e.SubjectID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Is reports whether target is ErrDispatch.
func (e *DispatchError) Is(target error) bool { return target == ErrDispatch }

// Command is the body posted to the bridge.
type Command struct {
	Nonce     string `json:"nonce"`
	Command   string `json:"command"`
	Queue     string `json:"queue"`
	Strategy  string `json:"strategy"`
	SubjectID string `json:"subject_id"`
	IssuedAt  string `json:"issued_at"`
}

// WebhookDispatcher posts lookup commands to the bridge. All dispatchers
// sharing one lookup bot should share one limiter.
type WebhookDispatcher struct {
	url     string
	token   string
	command string
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookDispatcher creates a dispatcher that asks the bridge to run
// command in the lane's queue. A nil limiter disables rate limiting.
func NewWebhookDispatcher(url, token, command string, limiter *rate.Limiter) *WebhookDispatcher {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &WebhookDispatcher{
		url:     url,
		token:   token,
		command: command,
		client:  &http.Client{Timeout: dispatchTimeout},
		limiter: limiter,
	}
}

// Dispatch sends one command. Errors are *DispatchError.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, lane correlate.Lane, subjectID string) error {
	fail := func(status int, err error) error {
		return &DispatchError{Lane: lane, SubjectID: subjectID, Status: status, Err: err}
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return fail(0, fmt.Errorf("rate limit: %w", err))
	}

	body, err := json.Marshal(Command{
		Nonce:     ulid.Make().String(),
		Command:   d.command,
		Queue:     lane.Queue,
		Strategy:  lane.Strategy,
		SubjectID: subjectID,
		IssuedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fail(0, fmt.Errorf("marshal command: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fail(0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req) //nolint:gosec // url comes from trusted config
	if err != nil {
		return fail(0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fail(resp.StatusCode, fmt.Errorf("bridge rejected command: %s", bytes.TrimSpace(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
