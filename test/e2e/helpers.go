package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// waitLong bounds polls that depend on worker scheduling.
const waitLong = 15 * time.Second

// ────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ────────────────────────────────────────────────────────────

// Ask submits a request and returns the parsed AskResponse.
func (app *TestApp) Ask(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	return app.doJSON(t, http.MethodPost, "/api/ask", body, http.StatusOK)
}

// AskExpect submits a request expecting a specific status code. Used for
// rejection paths (queue full, unknown provider).
func (app *TestApp) AskExpect(t *testing.T, body map[string]interface{}, expectedStatus int) map[string]interface{} {
	t.Helper()
	return app.doJSON(t, http.MethodPost, "/api/ask", body, expectedStatus)
}

// AskID submits a request and returns just the request id.
func (app *TestApp) AskID(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	resp := app.Ask(t, body)
	id, _ := resp["request_id"].(string)
	require.NotEmpty(t, id, "ask response missing request_id")
	return id
}

// GetReply fetches the current reply for a request without waiting.
func (app *TestApp) GetReply(t *testing.T, requestID string) map[string]interface{} {
	t.Helper()
	return app.doJSON(t, http.MethodGet, "/api/reply/"+requestID, nil, http.StatusOK)
}

// GetReplyWait long-polls the reply endpoint until the request is terminal
// or the server-side timeout elapses.
func (app *TestApp) GetReplyWait(t *testing.T, requestID string, timeoutS float64) map[string]interface{} {
	t.Helper()
	path := fmt.Sprintf("/api/reply/%s?wait=true&timeout=%g", requestID, timeoutS)
	return app.doJSON(t, http.MethodGet, path, nil, http.StatusOK)
}

// CancelRequest cancels a request, asserting the expected status code.
func (app *TestApp) CancelRequest(t *testing.T, requestID string, expectedStatus int) map[string]interface{} {
	t.Helper()
	return app.doJSON(t, http.MethodDelete, "/api/request/"+requestID, nil, expectedStatus)
}

// GetStatus fetches the combined gateway/provider status document.
func (app *TestApp) GetStatus(t *testing.T) map[string]interface{} {
	t.Helper()
	return app.doJSON(t, http.MethodGet, "/api/status", nil, http.StatusOK)
}

// GetQueue fetches the queue occupancy snapshot.
func (app *TestApp) GetQueue(t *testing.T) map[string]interface{} {
	t.Helper()
	return app.doJSON(t, http.MethodGet, "/api/queue", nil, http.StatusOK)
}

// GetHealth calls GET /api/health.
func (app *TestApp) GetHealth(t *testing.T) map[string]interface{} {
	t.Helper()
	return app.doJSON(t, http.MethodGet, "/api/health", nil, http.StatusOK)
}

// StartDiscussion posts a discussion request and returns the 202 body.
func (app *TestApp) StartDiscussion(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	return app.doJSON(t, http.MethodPost, "/api/discussion", body, http.StatusAccepted)
}

// GetDiscussion retrieves a discussion session by id.
func (app *TestApp) GetDiscussion(t *testing.T, sessionID string) map[string]interface{} {
	t.Helper()
	return app.doJSON(t, http.MethodGet, "/api/discussion/"+sessionID, nil, http.StatusOK)
}

// GetDiscussionMessages retrieves the transcript, optionally filtered by
// round ("" for all).
func (app *TestApp) GetDiscussionMessages(t *testing.T, sessionID, round string) map[string]interface{} {
	t.Helper()
	path := "/api/discussion/" + sessionID + "/messages"
	if round != "" {
		path += "?round=" + round
	}
	return app.doJSON(t, http.MethodGet, path, nil, http.StatusOK)
}

// CancelDiscussion cancels a discussion session.
func (app *TestApp) CancelDiscussion(t *testing.T, sessionID string, expectedStatus int) map[string]interface{} {
	t.Helper()
	return app.doJSON(t, http.MethodDelete, "/api/discussion/"+sessionID, nil, expectedStatus)
}

// doJSON performs one request and decodes the JSON response body.
func (app *TestApp) doJSON(t *testing.T, method, path string, body interface{}, expectedStatus int) map[string]interface{} {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "%s %s: unexpected status", method, path)
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

// ────────────────────────────────────────────────────────────
// Polling Helpers
// ────────────────────────────────────────────────────────────

// WaitForRequestStatus polls the store until the request reaches one of the
// expected statuses. Returns the status it landed on.
func (app *TestApp) WaitForRequestStatus(t *testing.T, requestID string, expected ...string) string {
	t.Helper()
	var actual string
	require.Eventually(t, func() bool {
		r, err := app.Store.GetRequest(context.Background(), requestID)
		if err != nil {
			return false
		}
		actual = string(r.Status)
		for _, exp := range expected {
			if actual == exp {
				return true
			}
		}
		return false
	}, waitLong, 25*time.Millisecond,
		"request %s did not reach status %v (last: %s)", requestID, expected, actual)
	return actual
}

// WaitForDiscussionStatus polls the store until the session reaches one of
// the expected statuses. Returns the status it landed on.
func (app *TestApp) WaitForDiscussionStatus(t *testing.T, sessionID string, expected ...string) string {
	t.Helper()
	var actual string
	require.Eventually(t, func() bool {
		s, err := app.Store.GetDiscussionSession(context.Background(), sessionID)
		if err != nil {
			return false
		}
		actual = string(s.Status)
		for _, exp := range expected {
			if actual == exp {
				return true
			}
		}
		return false
	}, waitLong, 25*time.Millisecond,
		"session %s did not reach status %v (last: %s)", sessionID, expected, actual)
	return actual
}

// toInt converts a JSON-decoded numeric value (typically float64) to int.
func toInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
