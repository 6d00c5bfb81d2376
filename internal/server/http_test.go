package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/crucible-dev/crucible/pkg/crucible"
	"github.com/gin-gonic/gin"
	"github.com/phayes/freeport"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "test-token"

const experimentYaml = `
name: exp
toolchains:
  - stable
  - beta
crates:
  - name: serde
    version: 1.0.0
`

// startTestServer brings up an HTTP server with a fresh coordinator on a free
// port and waits until it accepts requests.
func startTestServer(t *testing.T) (baseURL string) {
	gin.SetMode(gin.TestMode)

	log := logrus.New()
	log.SetOutput(io.Discard)
	coordinator := crucible.NewCoordinator(
		crucible.JSONReportStore{Dir: t.TempDir()},
		crucible.DefaultCoordinatorConfig(),
		log,
	)

	port, err := freeport.GetFreePort()
	require.NoError(t, err)

	_, err = NewServer(HTTP, port, coordinator, []string{testToken})
	require.NoError(t, err)

	baseURL = fmt.Sprintf("http://localhost:%d", port)
	require.Eventually(t, func() bool {
		_, err := http.Get(baseURL + "/poll/probe")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "Server did not come up")
	return baseURL
}

// request sends an authenticated request and decodes the JSON response body.
func request(t *testing.T, method, url string, body any) (int, map[string]any) {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		encoded, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", testToken)

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var decoded map[string]any
	json.NewDecoder(res.Body).Decode(&decoded)
	return res.StatusCode, decoded
}

func TestServerRejectsBadTokens(t *testing.T) {
	baseURL := startTestServer(t)

	res, err := http.Get(baseURL + "/poll/agent-1")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode, "Requests without a token should be rejected")

	req, err := http.NewRequest(http.MethodGet, baseURL+"/poll/agent-1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "wrong-token")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestServerExperimentLifecycle(t *testing.T) {
	baseURL := startTestServer(t)

	// Queue the experiment
	status, body := request(t, http.MethodPost, baseURL+"/experiments", experimentYaml)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "exp", body["name"])

	// Queueing it twice conflicts
	status, _ = request(t, http.MethodPost, baseURL+"/experiments", experimentYaml)
	assert.Equal(t, http.StatusConflict, status)

	// Polling before registering fails
	status, _ = request(t, http.MethodGet, baseURL+"/poll/agent-1", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = request(t, http.MethodPost, baseURL+"/register", map[string]any{"agentId": "agent-1", "capacity": 2})
	require.Equal(t, http.StatusOK, status)

	status, _ = request(t, http.MethodPost, baseURL+"/heartbeat/agent-1", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = request(t, http.MethodPost, baseURL+"/heartbeat/ghost", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = request(t, http.MethodGet, baseURL+"/poll/agent-1", nil)
	require.Equal(t, http.StatusOK, status)
	tasks := body["tasks"].([]any)
	require.Len(t, tasks, 2)

	// Report both outcomes
	for slot := 1; slot <= 2; slot++ {
		status, body = request(t, http.MethodPost, baseURL+"/report/agent-1", map[string]any{
			"taskId":  fmt.Sprintf("exp/reg/serde/1.0.0/tc%d", slot),
			"outcome": "test-pass",
		})
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "ok", body["status"])
	}

	// A duplicate report is acknowledged as stale, not an error
	status, body = request(t, http.MethodPost, baseURL+"/report/agent-1", map[string]any{
		"taskId":  "exp/reg/serde/1.0.0/tc1",
		"outcome": "test-pass",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "stale", body["status"])

	assert.Eventually(t, func() bool {
		status, body = request(t, http.MethodGet, baseURL+"/experiments/exp", nil)
		return status == http.StatusOK && body["status"] == "finalized"
	}, 5*time.Second, 20*time.Millisecond, "Experiment should finalize after both reports")

	assert.Equal(t, float64(2), body["done"])
	assert.Equal(t, float64(2), body["total"])
	results := body["results"].(map[string]any)
	assert.Equal(t, "same-test-pass", results["reg/serde/1.0.0"])

	// Deleting the finalized experiment frees its name
	status, _ = request(t, http.MethodDelete, baseURL+"/experiments/exp", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = request(t, http.MethodGet, baseURL+"/experiments/exp", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = request(t, http.MethodPost, baseURL+"/experiments", experimentYaml)
	assert.Equal(t, http.StatusCreated, status)
}

func TestServerAbort(t *testing.T) {
	baseURL := startTestServer(t)

	status, _ := request(t, http.MethodPost, baseURL+"/experiments", experimentYaml)
	require.Equal(t, http.StatusCreated, status)

	status, _ = request(t, http.MethodPost, baseURL+"/experiments/ghost/abort", nil)
	assert.Equal(t, http.StatusNotFound, status)

	// A running experiment can't be deleted, only aborted
	status, _ = request(t, http.MethodDelete, baseURL+"/experiments/exp", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = request(t, http.MethodPost, baseURL+"/experiments/exp/abort", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = request(t, http.MethodPost, baseURL+"/experiments/exp/abort", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, body := request(t, http.MethodGet, baseURL+"/experiments/exp", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "aborted", body["status"])
}

func TestServerRejectsMalformedRequests(t *testing.T) {
	baseURL := startTestServer(t)

	status, _ := request(t, http.MethodPost, baseURL+"/experiments", "toolchains: [only-one]")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = request(t, http.MethodPost, baseURL+"/register", map[string]any{"agentId": "agent-1", "capacity": 0})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = request(t, http.MethodPost, baseURL+"/report/agent-1", map[string]any{"outcome": "test-pass"})
	assert.Equal(t, http.StatusBadRequest, status)
}
