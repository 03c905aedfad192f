// Package devin is a client for the Devin session API: create a session from
// a prompt, then poll it for a closed working/blocked/finished status.
package devin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultBaseURL is the production Devin API endpoint.
const DefaultBaseURL = "https://api.devin.ai/v1"

// State is the closed set of remote session states. Anything else the API
// reports is rejected as an *UnknownStatusError rather than coerced.
type State string

const (
	StateWorking  State = "working"
	StateBlocked  State = "blocked"
	StateFinished State = "finished"
)

// Status is one observation of a remote session.
type Status struct {
	State State

	// ResultURL is the pull request URL Devin produced, when finished and
	// reported. May be empty even on a finished session.
	ResultURL string

	// ErrorMessage carries the remote error detail on a blocked session.
	ErrorMessage string
}

// TransportError wraps a network-level failure talking to the API. Callers
// must not confuse it with a semantic "blocked" status; the next poll simply
// retries.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("devin %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError is a non-2xx response from the API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("devin %s: API error (%d): %s", e.Op, e.StatusCode, e.Body)
}

// UnknownStatusError is returned when the API reports a status outside the
// closed working/blocked/finished set.
type UnknownStatusError struct {
	SessionID string
	Raw       string
}

func (e *UnknownStatusError) Error() string {
	return fmt.Sprintf("devin session %s: unknown status %q", e.SessionID, e.Raw)
}

// Client talks to the Devin session API.
type Client struct {
	baseURL        string
	apiKey         string
	githubSecretID string
	client         *http.Client
}

// NewClient creates a Devin API client. baseURL defaults to DefaultBaseURL.
// Every request carries a bounded timeout so one slow session cannot starve
// the polling tick.
func NewClient(baseURL, apiKey, githubSecretID string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:        baseURL,
		apiKey:         apiKey,
		githubSecretID: githubSecretID,
		client:         &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateSession starts a new Devin session for the given prompt and returns
// the remote session id. The call carries no implicit retry: a failure is
// surfaced so the caller can release its reservation.
func (c *Client) CreateSession(ctx context.Context, prompt string) (string, error) {
	body := map[string]any{
		"prompt":     prompt,
		"secret_ids": []string{c.githubSecretID},
		"idempotent": true,
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/sessions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &TransportError{Op: "create session", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Op: "create session", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &APIError{Op: "create session", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("parsing create response: %w", err)
	}
	if result.SessionID == "" {
		return "", fmt.Errorf("create response carried no session_id")
	}
	return result.SessionID, nil
}

// GetSessionStatus polls a session and maps the response onto the closed
// Status variant.
func (c *Client) GetSessionStatus(ctx context.Context, sessionID string) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/sessions/"+sessionID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "get session status", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "get session status", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Op: "get session status", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result struct {
		StatusEnum       string `json:"status_enum"`
		ErrorMessage     string `json:"error_message"`
		StructuredOutput struct {
			PullRequestURL string `json:"pull_request_url"`
			PRURL          string `json:"pr_url"`
		} `json:"structured_output"`
		PullRequest struct {
			HTMLURL string `json:"html_url"`
			URL     string `json:"url"`
		} `json:"pull_request"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parsing status response: %w", err)
	}

	status := &Status{ErrorMessage: result.ErrorMessage}
	switch State(result.StatusEnum) {
	case StateWorking, StateBlocked, StateFinished:
		status.State = State(result.StatusEnum)
	default:
		return nil, &UnknownStatusError{SessionID: sessionID, Raw: result.StatusEnum}
	}

	// The PR URL shows up either in the structured output or on the
	// pull_request object, depending on how the session ended.
	for _, u := range []string{
		result.StructuredOutput.PullRequestURL,
		result.StructuredOutput.PRURL,
		result.PullRequest.HTMLURL,
		result.PullRequest.URL,
	} {
		if u != "" {
			status.ResultURL = u
			break
		}
	}
	return status, nil
}

// BuildPrompt formats the task sent to Devin for a review comment on a PR.
func BuildPrompt(prURL, comment string) string {
	return fmt.Sprintf(
		"Fix the issues in PR %s based on the following comment: %q. "+
			"Once complete, push the fix to a new branch and create a new pull request.",
		prURL, comment,
	)
}
