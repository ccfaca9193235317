// Package directory performs the per-record create/update calls against the
// directory API and classifies their outcomes.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/portalis/dirimport/errors"
	"github.com/portalis/dirimport/ingest"
)

// Client submits identity records to a PingOne-style directory API. It holds
// no session-scoped mutable state: every Submit is a pure request/response.
// The client never retries; retry policy and counting live in the session
// orchestrator so progress accounting stays exact and centralized.
type Client struct {
	baseURL       string
	environmentID string
	http          *resty.Client
	logger        *zap.SugaredLogger
}

// Config carries the connection settings for the directory API
type Config struct {
	BaseURL       string
	EnvironmentID string
	APIToken      string
	Timeout       time.Duration
}

// SubmitResult is the successful outcome of one create/update call
type SubmitResult struct {
	IdentityID string `json:"identity_id"`
	Created    bool   `json:"created"`
}

// userPayload is the wire form of one identity create/update
type userPayload struct {
	Username   string            `json:"username"`
	Email      string            `json:"email,omitempty"`
	Population populationRef     `json:"population"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type populationRef struct {
	ID string `json:"id"`
}

type userResponse struct {
	ID string `json:"id"`
}

// NewClient creates a directory API client
func NewClient(cfg Config, logger *zap.SugaredLogger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	httpClient := resty.New().
		SetHeader("Content-Type", "application/json").
		SetAuthToken(cfg.APIToken).
		SetTimeout(timeout).
		SetRetryCount(0) // Retries belong to the orchestrator, not the transport

	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		environmentID: cfg.EnvironmentID,
		http:          httpClient,
		logger:        logger.Named("directory"),
	}
}

// Submit performs one create/update call for a record against the resolved
// population. A returned error wraps errors.ErrTransientAPI when the call is
// safe to retry (rate limit, server error, network timeout) and
// errors.ErrTerminalAPI otherwise.
func (c *Client) Submit(ctx context.Context, rec *ingest.Record, populationID string) (*SubmitResult, error) {
	payload := userPayload{
		Username:   rec.UniqueValue,
		Email:      fieldValue(rec, "email"),
		Population: populationRef{ID: populationID},
		Attributes: recordAttributes(rec),
	}

	url := fmt.Sprintf("%s/environments/%s/users", c.baseURL, c.environmentID)

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post(url)
	if err != nil {
		// Network failure or timeout - the request may never have reached
		// the directory, safe to retry
		return nil, errors.Wrapf(errors.ErrTransientAPI, "line %d: %v", rec.LineNumber, err)
	}

	return c.classify(rec, resp)
}

// classify maps an HTTP response to success, retryable, or terminal
func (c *Client) classify(rec *ingest.Record, resp *resty.Response) (*SubmitResult, error) {
	status := resp.StatusCode()

	switch {
	case resp.IsSuccess():
		var user userResponse
		if err := json.Unmarshal(resp.Body(), &user); err != nil || user.ID == "" {
			// A success we cannot interpret must not be blindly retried -
			// the identity may already have been created
			return nil, c.terminal(rec, status, "unparseable response body")
		}
		return &SubmitResult{IdentityID: user.ID, Created: status == http.StatusCreated}, nil

	case status == http.StatusTooManyRequests:
		return nil, c.transient(rec, status, "rate limited by directory")

	case status >= 500:
		return nil, c.transient(rec, status, "directory server error")

	default:
		// Remaining 4xx: the request itself is wrong, retrying cannot help
		return nil, c.terminal(rec, status, trimBody(resp.Body()))
	}
}

func (c *Client) transient(rec *ingest.Record, status int, reason string) error {
	c.logger.Debugw("Retryable directory failure",
		"line", rec.LineNumber,
		"status", status,
		"reason", reason,
	)
	err := errors.Wrapf(errors.ErrTransientAPI, "line %d: %s", rec.LineNumber, reason)
	return errors.WithDetail(err, fmt.Sprintf("HTTP status: %d", status))
}

func (c *Client) terminal(rec *ingest.Record, status int, reason string) error {
	c.logger.Debugw("Terminal directory failure",
		"line", rec.LineNumber,
		"status", status,
		"reason", reason,
	)
	err := errors.Wrapf(errors.ErrTerminalAPI, "line %d: %s", rec.LineNumber, reason)
	return errors.WithDetail(err, fmt.Sprintf("HTTP status: %d", status))
}

// fieldValue returns the record field matching name, with the same
// case-insensitive column matching the parser applies to headers
func fieldValue(rec *ingest.Record, name string) string {
	for k, v := range rec.Fields {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// recordAttributes copies the record fields that are not part of the core
// payload so custom columns survive into the directory
func recordAttributes(rec *ingest.Record) map[string]string {
	attrs := make(map[string]string)
	for k, v := range rec.Fields {
		switch strings.ToLower(k) {
		case "username", "email", "populationid", "population_id":
			continue
		}
		if v != "" {
			attrs[k] = v
		}
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

// trimBody keeps error details readable when the directory returns a large body
func trimBody(body []byte) string {
	const maxDetail = 200
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "empty error body"
	}
	if len(s) > maxDetail {
		return s[:maxDetail] + "..."
	}
	return s
}
