package factory

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"feathergate/internal/config"
	"feathergate/internal/provider"
	anthropicProvider "feathergate/internal/provider/anthropic"
	geminiProvider "feathergate/internal/provider/gemini"
	openaiProvider "feathergate/internal/provider/openai"
)

const (
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
	maxIdleConnsPerHost    = 16
)

// RegisterAdapters stores one adapter per known provider in the registry.
func RegisterAdapters(registry *provider.Registry, opts provider.Options) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	adapters := []provider.Adapter{
		openaiProvider.New(opts),
		anthropicProvider.New(opts),
		geminiProvider.New(opts),
	}
	for _, a := range adapters {
		if err := registry.Register(a); err != nil {
			return fmt.Errorf("register %s adapter: %w", a.Provider(), err)
		}
	}
	return nil
}

// NewHTTPClient builds the shared outbound client. Streaming responses are bounded by
// the overall timeout too, so it should be generous or zero.
func NewHTTPClient(cfg config.UpstreamConfig) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}
