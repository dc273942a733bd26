package communicator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/forensiclab/agent/config"
	"github.com/forensiclab/agent/internal/apperr"
	"go.uber.org/zap"
)

// Resolver picks the first reachable coordinator endpoint of a profile.
type Resolver struct {
	base    *Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewResolver builds a resolver whose ping calls use cfg. The profile's
// Insecure flag is applied on top of cfg.
func NewResolver(cfg ClientConfig, profile config.Profile) *Resolver {
	cfg.Insecure = profile.Insecure
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	c := NewClient(cfg)
	return &Resolver{
		base:    c,
		timeout: timeout,
		logger:  c.logger,
	}
}

// Resolve tries each candidate ip in profile order and returns a client
// bound to the first one that answers ping correctly. Candidates are
// contacted strictly one after the other. When every candidate fails the
// result is a connectivity error; retrying is up to the caller.
func (r *Resolver) Resolve(ctx context.Context, profile config.Profile) (*Client, error) {
	failures := make([]string, 0, len(profile.IPs))
	for _, ip := range profile.IPs {
		baseURL := profile.BaseURL(ip)
		candidate := r.base.WithBaseURL(baseURL)

		pingCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := candidate.Ping(pingCtx)
		cancel()
		if err == nil {
			r.logger.Info("coordinator endpoint selected",
				zap.String("profile", profile.Name),
				zap.String("base_url", baseURL),
			)
			return candidate, nil
		}

		r.logger.Warn("coordinator endpoint unreachable",
			zap.String("profile", profile.Name),
			zap.String("base_url", baseURL),
			zap.Error(err),
		)
		failures = append(failures, fmt.Sprintf("%s: %v", baseURL, err))
		if ctx.Err() != nil {
			break
		}
	}

	return nil, &apperr.Error{
		Kind: apperr.KindConnectivity,
		Op:   "resolve " + profile.Name,
		Msg:  fmt.Sprintf("no coordinator endpoint reachable [%s]", strings.Join(failures, "; ")),
	}
}
