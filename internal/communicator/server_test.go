package communicator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticState AgentState

func (s staticState) State() AgentState { return AgentState(s) }

func TestStatusEndpoint(t *testing.T) {
	srv := NewAgentServer("127.0.0.1:0", staticState{AgentID: "a1", TaskID: "42", Status: 40, Executing: true}, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/agent/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got AgentState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "42", got.TaskID)
	assert.True(t, got.Executing)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/agent/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
