package communicator

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/forensiclab/agent/internal/apperr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultTimeout       = 60 * time.Second
	defaultPostThreshold = 1500

	pongReply = "pong"
)

// Response is the normalized coordinator envelope.
type Response struct {
	Success      bool
	ErrorMessage string
	Data         json.RawMessage
}

// DecodeData unmarshals the envelope payload into v.
func (r *Response) DecodeData(v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

type envelope struct {
	Sucesso json.RawMessage `json:"sucesso"`
	MsgErro string          `json:"msg_erro"`
	Dados   json.RawMessage `json:"dados"`
}

type Client struct {
	baseURL       string
	agentID       string
	version       string
	postThreshold int
	httpClient    *http.Client
	logger        *zap.Logger
	exit          func(int)
}

type ClientConfig struct {
	BaseURL       string
	AgentID       string
	Version       string
	Timeout       time.Duration
	PostThreshold int
	// Insecure disables TLS certificate verification. It is never enabled
	// implicitly.
	Insecure bool
	Logger   *zap.Logger
	// HTTPClient overrides the transport built from Timeout and Insecure.
	HTTPClient *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	threshold := cfg.PostThreshold
	if threshold <= 0 {
		threshold = defaultPostThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.Insecure {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit operator opt-in
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: transport,
		}
	}

	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		agentID:       cfg.AgentID,
		version:       cfg.Version,
		postThreshold: threshold,
		httpClient:    httpClient,
		logger:        logger,
		exit:          os.Exit,
	}
}

// WithBaseURL returns a copy of the client bound to another endpoint,
// sharing the underlying transport.
func (c *Client) WithBaseURL(baseURL string) *Client {
	cp := *c
	cp.baseURL = strings.TrimRight(baseURL, "/")
	return &cp
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Call runs a remote procedure and returns the decoded envelope. A
// well-formed failure reply is returned together with an application error
// so callers can either inspect the response or just check err.
func (c *Client) Call(ctx context.Context, procedure string, params url.Values) (*Response, error) {
	body, err := c.roundTrip(ctx, procedure, params)
	if err != nil {
		return nil, err
	}

	resp, err := decodeEnvelope(procedure, body)
	if err != nil {
		c.logger.Warn("agent_rpc_parse_error", zap.String("procedure", procedure), zap.Error(err))
		return nil, err
	}
	if !resp.Success {
		return resp, &apperr.Error{Kind: apperr.KindApplication, Op: "call " + procedure, Msg: resp.ErrorMessage}
	}
	return resp, nil
}

// MustCall is Call for callers that cannot continue without a successful
// reply: any failure is logged at fatal level and the process exits.
func (c *Client) MustCall(ctx context.Context, procedure string, params url.Values) *Response {
	resp, err := c.Call(ctx, procedure, params)
	if err != nil {
		c.logger.WithOptions(zap.WithFatalHook(exitHook(c.exit))).
			Fatal("agent_rpc_fail_fast", zap.String("procedure", procedure), zap.Error(err))
		return nil
	}
	return resp
}

// exitHook ends the process once a fatal entry has been written.
type exitHook func(int)

func (h exitHook) OnWrite(*zapcore.CheckedEntry, []zapcore.Field) { h(1) }

// Ping checks that the endpoint is a live coordinator. Both a bare "pong"
// body and an envelope carrying "pong" are accepted.
func (c *Client) Ping(ctx context.Context) error {
	body, err := c.roundTrip(ctx, "ping", nil)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(body)) == pongReply {
		return nil
	}
	resp, err := decodeEnvelope("ping", body)
	if err != nil {
		return err
	}
	var reply string
	if err := resp.DecodeData(&reply); err != nil || reply != pongReply {
		return apperr.New(apperr.KindProtocol, "call ping", fmt.Sprintf("unexpected ping reply %q", string(resp.Data)))
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, procedure string, params url.Values) ([]byte, error) {
	start := time.Now()
	endpoint := fmt.Sprintf("%s/%s", c.baseURL, procedure)

	encoded := params.Encode()
	var (
		httpReq *http.Request
		err     error
	)
	if len(encoded) > c.postThreshold {
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(encoded))
		if err == nil {
			httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		target := endpoint
		if encoded != "" {
			target = endpoint + "?" + encoded
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConnectivity, "call "+procedure, fmt.Errorf("failed to create request: %w", err))
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", fmt.Sprintf("ForensicAgent/%s", c.version))
	if c.agentID != "" {
		httpReq.Header.Set("X-Agent-ID", c.agentID)
	}

	c.logger.Debug("agent_rpc_request",
		zap.String("url", endpoint),
		zap.String("method", httpReq.Method),
		zap.Int("payload_bytes", len(encoded)),
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("agent_rpc_network_error", zap.String("procedure", procedure), zap.Error(err))
		return nil, &apperr.Error{Kind: apperr.KindConnectivity, Op: "call " + procedure, Path: endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.KindConnectivity, Op: "call " + procedure, Path: endpoint, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	c.logger.Debug("agent_rpc_response",
		zap.String("procedure", procedure),
		zap.Int("status", resp.StatusCode),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		zap.Int("resp_bytes", len(respBody)),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("agent_rpc_bad_status", zap.String("procedure", procedure), zap.Int("status", resp.StatusCode))
		return nil, &apperr.Error{
			Kind: apperr.KindConnectivity,
			Op:   "call " + procedure,
			Path: endpoint,
			Msg:  fmt.Sprintf("server returned status %d", resp.StatusCode),
		}
	}

	return respBody, nil
}

func decodeEnvelope(procedure string, body []byte) (*Response, error) {
	op := "call " + procedure
	if !utf8.Valid(body) {
		return nil, apperr.New(apperr.KindProtocol, op, "response is not valid utf-8")
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &apperr.Error{Kind: apperr.KindProtocol, Op: op, Msg: "response is not a json envelope", Err: err}
	}
	ok, err := parseSuccess(env.Sucesso)
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.KindProtocol, Op: op, Msg: "invalid sucesso field", Err: err}
	}

	return &Response{
		Success:      ok,
		ErrorMessage: env.MsgErro,
		Data:         env.Dados,
	}, nil
}

var errMissingSuccess = errors.New("missing")

// parseSuccess coerces the envelope flag. The coordinator sends "0"/"1";
// bare numbers and booleans are tolerated.
func parseSuccess(raw json.RawMessage) (bool, error) {
	v := strings.TrimSpace(string(raw))
	switch v {
	case "":
		return false, errMissingSuccess
	case `"1"`, "1", "true", `"true"`:
		return true, nil
	case `"0"`, "0", "false", `"false"`:
		return false, nil
	}
	return false, fmt.Errorf("unexpected value %s", v)
}
