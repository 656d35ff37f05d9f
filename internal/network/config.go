// File: internal/network/config.go
package network

import (
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/xkilldash9x/ctibridge/internal/config"
	"github.com/xkilldash9x/ctibridge/internal/observability"
)

// ClientConfigFrom maps the network section onto a ClientConfig.
func ClientConfigFrom(nc config.NetworkConfig, logger *zap.Logger) (*ClientConfig, error) {
	cfg := NewDefaultClientConfig()
	cfg.IgnoreTLSErrors = nc.IgnoreTLSErrors
	cfg.ForceHTTP2 = nc.ForceHTTP2
	if nc.Timeout > 0 {
		cfg.RequestTimeout = nc.Timeout
	}
	if nc.ProxyURL != "" {
		proxy, err := url.Parse(nc.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		cfg.ProxyURL = proxy
	}
	if logger != nil {
		cfg.Logger = logger
	}
	return cfg, nil
}

// RetryPolicyFrom maps the retry section onto a RetryPolicy retrying on 429.
func RetryPolicyFrom(rc config.RetryConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if rc.MaxRetries >= 0 {
		p.MaxRetries = uint64(rc.MaxRetries)
	}
	if rc.InitialInterval > 0 {
		p.InitialInterval = rc.InitialInterval
	}
	if rc.MaxInterval > 0 {
		p.MaxInterval = rc.MaxInterval
	}
	if rc.Multiplier >= 1 {
		p.Multiplier = rc.Multiplier
	}
	return p
}

// RequesterConfigFor builds the requester settings of one named provider client.
func RequesterConfigFor(name string, nc config.NetworkConfig, auth Authorizer, logger *zap.Logger, metrics *observability.Metrics) RequesterConfig {
	return RequesterConfig{
		Name:       name,
		Retry:      RetryPolicyFrom(nc.Retry),
		Authorizer: auth,
		RateLimit:  nc.RateLimit,
		Burst:      nc.Burst,
		UserAgent:  nc.UserAgent,
		Logger:     logger,
		Metrics:    metrics,
	}
}

// NewClientFromConfig builds the shared HTTP client from the network section.
func NewClientFromConfig(nc config.NetworkConfig, logger *zap.Logger) (*http.Client, error) {
	cfg, err := ClientConfigFrom(nc, logger)
	if err != nil {
		return nil, err
	}
	return NewClient(cfg).Client, nil
}
