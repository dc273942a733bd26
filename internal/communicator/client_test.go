package communicator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/forensiclab/agent/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{BaseURL: srv.URL + "/", AgentID: "agent-1", Version: "test"}), srv
}

func TestCallSuccess(t *testing.T) {
	var gotPath, gotQuery, gotAgent string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("tipo")
		gotAgent = r.Header.Get("X-Agent-ID")
		_, _ = io.WriteString(w, `{"sucesso":"1","msg_erro":"","dados":{"n":3}}`)
	})

	resp, err := c.Call(context.Background(), "obtain-task", url.Values{"tipo": {"copy"}})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "/obtain-task", gotPath)
	assert.Equal(t, "copy", gotQuery)
	assert.Equal(t, "agent-1", gotAgent)

	var data struct{ N int }
	require.NoError(t, resp.DecodeData(&data))
	assert.Equal(t, 3, data.N)
}

func TestCallApplicationError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"sucesso":"0","msg_erro":"tarefa inexistente","dados":null}`)
	})

	resp, err := c.Call(context.Background(), "update-task", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrApplication))
	require.NotNil(t, resp)
	assert.False(t, resp.Success)
	assert.Equal(t, "tarefa inexistente", resp.ErrorMessage)
	assert.Equal(t, "tarefa inexistente", apperr.Message(err))
}

func TestCallProtocolErrors(t *testing.T) {
	bodies := map[string]string{
		"not json":        "<html>oops</html>",
		"invalid utf8":    "\xff\xfe{",
		"missing sucesso": `{"msg_erro":"","dados":1}`,
		"bad sucesso":     `{"sucesso":"maybe"}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, body)
			})
			_, err := c.Call(context.Background(), "ping", nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrProtocol), "got %v", err)
			assert.True(t, apperr.IsFatal(err))
		})
	}
}

func TestCallConnectivityErrors(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.Call(context.Background(), "ping", nil)
	assert.True(t, errors.Is(err, apperr.ErrConnectivity))

	srv.Close()
	_, err = c.Call(context.Background(), "ping", nil)
	assert.True(t, errors.Is(err, apperr.ErrConnectivity))
}

func TestCallSwitchesToPostForLargePayloads(t *testing.T) {
	var method, contentType, dados string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		contentType = r.Header.Get("Content-Type")
		_ = r.ParseForm()
		dados = r.PostForm.Get("dados")
		_, _ = io.WriteString(w, `{"sucesso":"1"}`)
	})

	small := url.Values{"dados": {"x"}}
	_, err := c.Call(context.Background(), "update-task", small)
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, method)

	large := url.Values{"dados": {strings.Repeat("a", defaultPostThreshold+1)}}
	_, err = c.Call(context.Background(), "update-task", large)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "application/x-www-form-urlencoded", contentType)
	assert.Len(t, dados, defaultPostThreshold+1)
}

func TestSuccessFlagCoercion(t *testing.T) {
	for _, raw := range []string{`"1"`, `1`, `true`} {
		ok, err := parseSuccess([]byte(raw))
		require.NoError(t, err)
		assert.True(t, ok, raw)
	}
	for _, raw := range []string{`"0"`, `0`, `false`} {
		ok, err := parseSuccess([]byte(raw))
		require.NoError(t, err)
		assert.False(t, ok, raw)
	}
}

func TestMustCallExitsOnFailure(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"sucesso":"0","msg_erro":"no"}`)
	})
	core, logs := observer.New(zapcore.DebugLevel)
	c.logger = zap.New(core)
	code := -1
	c.exit = func(n int) { code = n }

	assert.Nil(t, c.MustCall(context.Background(), "obtain-task", nil))
	assert.Equal(t, 1, code)
	entries := logs.FilterMessage("agent_rpc_fail_fast").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.FatalLevel, entries[0].Level)
}

func TestPing(t *testing.T) {
	replies := []string{"pong", "pong\n", `{"sucesso":"1","dados":"pong"}`}
	for _, reply := range replies {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, reply)
		})
		assert.NoError(t, c.Ping(context.Background()), reply)
	}

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"sucesso":"1","dados":"ping"}`)
	})
	assert.True(t, errors.Is(c.Ping(context.Background()), apperr.ErrProtocol))
}
