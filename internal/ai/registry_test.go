package ai

import (
	"testing"

	"forgebuild/internal/config"
)

func TestRegistryResolvesEveryConfiguredPrefix(t *testing.T) {
	reg := NewRegistryFrom(config.Providers(), nil, nil)

	for _, d := range config.Providers() {
		for _, prefix := range d.ModelPrefixes {
			got := reg.ProviderFor(prefix + "test-model")
			if got != d.Name {
				t.Fatalf("prefix %q resolved to %q, want %q", prefix, got, d.Name)
			}
		}
	}
}

func TestRegistryUnknownPrefixUsesDefault(t *testing.T) {
	reg := NewRegistryFrom(config.Providers(), nil, nil)

	var def string
	for _, d := range config.Providers() {
		if d.Default {
			def = d.Name
		}
	}
	if def == "" {
		t.Fatal("no default provider configured")
	}
	if got := reg.ProviderFor("mystery-model-9000"); got != def {
		t.Fatalf("unknown prefix resolved to %q, want default %q", got, def)
	}
}

func TestRegistryPoolSizes(t *testing.T) {
	pools := map[string]*KeyPool{
		"openai": NewKeyPool([]string{"sk-a", "sk-b"}),
	}
	reg := NewRegistryFrom(config.Providers(), pools, nil)

	sizes := reg.PoolSizes()
	if sizes["openai"] != 2 {
		t.Fatalf("openai pool size = %d", sizes["openai"])
	}
	if sizes["anthropic"] != 0 {
		t.Fatalf("anthropic pool size = %d", sizes["anthropic"])
	}
}
