package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bintlabs/go-sync-db/internal/core/resilience"
	"github.com/bintlabs/go-sync-db/internal/syncerr"
	"github.com/bintlabs/go-sync-db/internal/syncmsg"
)

// HTTPTransport implements Transport over the HTTP surface exposed by
// internal/api/router.go (POST /register, POST /push, POST /pull,
// GET /repair). A decoded PushRejected, UniqueConstraintError or AuthError
// is a protocol outcome, not a transport failure, and is returned to the
// orchestration loop on the first try (spec.md §4.10 owns that decision, not
// this transport). Every other failure is retried with backoff: network
// errors, and also other decoded server errors such as ChecksumMismatch.
type HTTPTransport struct {
	BaseURL     string
	Client      *http.Client
	RetryPolicy *resilience.RetryPolicy
}

// NewHTTPTransport builds a transport against a running sync server.
func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	policy := resilience.DefaultRetryPolicy()
	policy.ErrorChecker = transientErrorChecker{}
	return &HTTPTransport{
		BaseURL:     baseURL,
		Client:      &http.Client{Timeout: timeout},
		RetryPolicy: policy,
	}
}

// transientErrorChecker retries everything except the typed protocol
// outcomes the sync orchestration loop itself branches on.
type transientErrorChecker struct{}

func (transientErrorChecker) IsRetryable(err error) bool {
	var rejected *syncerr.PushRejected
	var unique *syncerr.UniqueConstraintError
	var auth *syncerr.AuthError
	if errors.As(err, &rejected) || errors.As(err, &unique) || errors.As(err, &auth) {
		return false
	}
	return true
}

func (t *HTTPTransport) endpoint(path string) (string, error) {
	u, err := url.Parse(t.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server base url: %w", err)
	}
	u.Path = path
	return u.String(), nil
}

func (t *HTTPTransport) Register(ctx context.Context, name string) (string, string, error) {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return "", "", err
	}
	var resp syncmsg.RegisterResponse
	if err := t.doJSON(ctx, http.MethodPost, "/register", body, &resp); err != nil {
		return "", "", err
	}
	return resp.NodeID, resp.Secret, nil
}

func (t *HTTPTransport) Push(ctx context.Context, msg syncmsg.PushMessage) (int64, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	var resp syncmsg.PushAccepted
	if err := t.doJSON(ctx, http.MethodPost, "/push", body, &resp); err != nil {
		return 0, err
	}
	return resp.LatestVersion, nil
}

func (t *HTTPTransport) Pull(ctx context.Context, req syncmsg.PullRequest) (syncmsg.PullMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return syncmsg.PullMessage{}, err
	}
	var resp syncmsg.PullMessage
	if err := t.doJSON(ctx, http.MethodPost, "/pull", body, &resp); err != nil {
		return syncmsg.PullMessage{}, err
	}
	return resp, nil
}

func (t *HTTPTransport) Repair(ctx context.Context) (syncmsg.RepairSnapshot, error) {
	var resp syncmsg.RepairSnapshot
	if err := t.doJSON(ctx, http.MethodGet, "/repair", nil, &resp); err != nil {
		return syncmsg.RepairSnapshot{}, err
	}
	return resp, nil
}

// doJSON performs one request/response round trip and maps non-2xx
// responses back onto the syncerr taxonomy the orchestration loop branches
// on (spec.md §4.10), rather than a generic HTTP error.
func (t *HTTPTransport) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	endpoint, err := t.endpoint(path)
	if err != nil {
		return err
	}

	return resilience.WithRetry(ctx, t.RetryPolicy, func() error {
		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		} else {
			reader = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.Client.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			var envelope struct {
				Error struct {
					Code    string          `json:"code"`
					Message string          `json:"message"`
					Details json.RawMessage `json:"details"`
				} `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&envelope)
			return mapServerError(resp.StatusCode, envelope.Error.Code, envelope.Error.Message, envelope.Error.Details)
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	})
}

// mapServerError reconstructs the sentinel syncerr types the client
// orchestration loop inspects with errors.As, from the status/code the
// server's syncerr.Kind classification produced on the wire.
func mapServerError(status int, code, message string, details json.RawMessage) error {
	switch syncerr.Kind(code) {
	case syncerr.KindPushRejected:
		var d struct {
			ClientVersion int64 `json:"client_version"`
			ServerVersion int64 `json:"server_version"`
		}
		_ = json.Unmarshal(details, &d)
		return &syncerr.PushRejected{ClientVersion: d.ClientVersion, ServerVersion: d.ServerVersion}
	case syncerr.KindUniqueConstraint:
		var d struct {
			Entries []syncerr.ConstraintEntry `json:"entries"`
		}
		_ = json.Unmarshal(details, &d)
		return &syncerr.UniqueConstraintError{Entries: d.Entries}
	case syncerr.KindAuth:
		return &syncerr.AuthError{Reason: message}
	case syncerr.KindChecksumMismatch:
		var d struct {
			Expected uint32 `json:"expected"`
			Actual   uint32 `json:"actual"`
		}
		_ = json.Unmarshal(details, &d)
		return &syncerr.ChecksumMismatch{Expected: d.Expected, Actual: d.Actual}
	default:
		return fmt.Errorf("server error (status %d, code %s): %s", status, code, message)
	}
}
