package factory

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"feathergate/internal/config"
	"feathergate/internal/models"
	"feathergate/internal/provider"
)

func TestRegisterAdapters(t *testing.T) {
	registry := provider.NewRegistry()
	if err := RegisterAdapters(registry, provider.Options{}); err != nil {
		t.Fatalf("RegisterAdapters() error = %v", err)
	}

	got := registry.Providers()
	if len(got) != len(models.KnownProviders) {
		t.Fatalf("Providers() = %v", got)
	}
	for i, p := range models.KnownProviders {
		if got[i] != p {
			t.Fatalf("Providers()[%d] = %q, want %q", i, got[i], p)
		}
		a, err := registry.Lookup(p)
		if err != nil || a.Provider() != p {
			t.Fatalf("Lookup(%q) = %v, %v", p, a, err)
		}
	}

	if err := RegisterAdapters(registry, provider.Options{}); !errors.Is(err, provider.ErrDuplicateAdapter) {
		t.Fatalf("second RegisterAdapters() error = %v", err)
	}
	if err := RegisterAdapters(nil, provider.Options{}); err == nil {
		t.Fatal("expected error for nil registry")
	}
}

func TestNewHTTPClient(t *testing.T) {
	client := NewHTTPClient(config.UpstreamConfig{
		Timeout:               5 * time.Minute,
		DialTimeout:           3 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
	})

	if client.Timeout != 5*time.Minute {
		t.Fatalf("Timeout = %v", client.Timeout)
	}
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("Transport = %T", client.Transport)
	}
	if transport.ResponseHeaderTimeout != 20*time.Second || transport.Proxy == nil {
		t.Fatalf("transport = %+v", transport)
	}
}
