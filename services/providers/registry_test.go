package providers

import (
	"errors"
	"testing"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	registry := NewRegistry()

	if err := registry.Register(NewMockProvider("OpenAI")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	p, err := registry.Get("openai")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.Name() != "OpenAI" {
		t.Errorf("Name() = %s", p.Name())
	}

	if err := registry.Register(NewMockProvider("openai")); !errors.Is(err, ErrProviderAlreadyRegistered) {
		t.Errorf("duplicate Register() error = %v", err)
	}

	if _, err := registry.Get("missing"); !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	registry := NewRegistry()

	if err := registry.Register(nil); err == nil {
		t.Error("expected error for nil provider")
	}
	if err := registry.Register(NewMockProvider("  ")); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestRegistry_ListingAndAvailability(t *testing.T) {
	registry := NewRegistry()

	text := NewMockProvider("gemini")
	image := NewMockProvider("openai")
	image.capabilities = []Capability{CapabilityText, CapabilityImage}
	offline := NewMockProvider("anthropic")
	offline.available = false

	for _, p := range []Provider{text, image, offline} {
		if err := registry.Register(p); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	names := registry.List()
	want := []string{"anthropic", "gemini", "openai"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("List() = %v, want %v", names, want)
		}
	}
	if registry.Count() != 3 {
		t.Errorf("Count() = %d", registry.Count())
	}

	if got := registry.Available(CapabilityImage); len(got) != 1 || got[0] != "openai" {
		t.Errorf("Available(IMAGE) = %v", got)
	}
	if got := registry.Available(CapabilityText); len(got) != 2 {
		t.Errorf("Available(TEXT) = %v", got)
	}

	descriptors := registry.Descriptors()
	if len(descriptors) != 3 || descriptors[0].Name != "anthropic" || descriptors[0].Available {
		t.Errorf("Descriptors() = %+v", descriptors)
	}
}

func TestRegistryBuilder(t *testing.T) {
	builder := NewRegistryBuilder().
		WithProviderBuilder("mock", func(config ProviderConfig) (Provider, error) {
			p := NewMockProvider("mock")
			p.available = config.APIKey != ""
			return p, nil
		})

	registry, err := builder.Build(map[string]ProviderConfig{"mock": {}})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	p, err := registry.Get("mock")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.IsAvailable() {
		t.Error("provider without API key should be unavailable")
	}

	if _, err := builder.Build(map[string]ProviderConfig{"unknown": {}}); err == nil {
		t.Error("expected error for provider without builder")
	}
}
