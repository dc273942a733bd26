package communicator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forensiclab/agent/config"
	"github.com/forensiclab/agent/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hitLog struct {
	mu   sync.Mutex
	hits []string
}

func (h *hitLog) add(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hits = append(h.hits, name)
}

func (h *hitLog) list() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.hits...)
}

func hostOf(srv *httptest.Server) string {
	return strings.TrimPrefix(strings.TrimPrefix(srv.URL, "http://"), "https://")
}

func TestResolveFailsOverInOrder(t *testing.T) {
	log := &hitLog{}
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add("A")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add("B")
		_, _ = io.WriteString(w, "pong")
	}))
	defer b.Close()

	profile := config.Profile{Name: "development", Protocol: "http", IPs: []string{hostOf(a), hostOf(b)}, SystemPath: "coordinator"}
	r := NewResolver(ClientConfig{Timeout: time.Second}, profile)

	c, err := r.Resolve(context.Background(), profile)
	require.NoError(t, err)
	assert.Equal(t, b.URL+"/coordinator", c.BaseURL())
	assert.Equal(t, []string{"A", "B"}, log.list())
}

func TestResolveSkipsUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	deadHost := hostOf(dead)
	dead.Close()

	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"sucesso":"1","msg_erro":"","dados":"pong"}`)
	}))
	defer live.Close()

	profile := config.Profile{Name: "development", Protocol: "http", IPs: []string{deadHost, hostOf(live)}}
	c, err := NewResolver(ClientConfig{Timeout: time.Second}, profile).Resolve(context.Background(), profile)
	require.NoError(t, err)
	assert.Equal(t, live.URL, c.BaseURL())
}

func TestResolveAllFail(t *testing.T) {
	wrong := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hello")
	}))
	defer wrong.Close()

	profile := config.Profile{Name: "production", Protocol: "http", IPs: []string{hostOf(wrong)}}
	_, err := NewResolver(ClientConfig{Timeout: time.Second}, profile).Resolve(context.Background(), profile)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConnectivity))
}

func TestResolveTLSVerification(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "pong")
	}))
	defer srv.Close()

	profile := config.Profile{Name: "production", Protocol: "https", IPs: []string{hostOf(srv)}}
	_, err := NewResolver(ClientConfig{Timeout: time.Second}, profile).Resolve(context.Background(), profile)
	assert.Error(t, err, "self-signed certificate must be rejected by default")

	profile.Insecure = true
	c, err := NewResolver(ClientConfig{Timeout: time.Second}, profile).Resolve(context.Background(), profile)
	require.NoError(t, err)
	assert.Equal(t, srv.URL, c.BaseURL())
}
