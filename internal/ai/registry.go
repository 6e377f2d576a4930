package ai

import (
	"net/http"
	"strings"

	"forgebuild/internal/config"
)

// providerEntry binds a descriptor to its credential pool and wire client.
type providerEntry struct {
	desc   config.ProviderDescriptor
	pool   *KeyPool
	client wireClient
}

// Registry is the explicit handle to the configured provider set. It is
// built once at startup and shared by every router call; there is no
// package-level provider state.
type Registry struct {
	entries []*providerEntry
	byName  map[string]*providerEntry
	def     *providerEntry
}

// NewRegistry constructs a Registry from the static descriptor table,
// sourcing each provider's credential pool from its env vars.
func NewRegistry(httpClient *http.Client) *Registry {
	descs := config.Providers()
	pools := make(map[string]*KeyPool, len(descs))
	for _, d := range descs {
		pools[d.Name] = PoolFromEnv(d.KeysEnvVar, d.KeyEnvVar)
	}
	return NewRegistryFrom(descs, pools, httpClient)
}

// NewRegistryFrom builds a Registry from explicit descriptors and pools.
// Descriptors missing from pools get an empty pool.
func NewRegistryFrom(descs []config.ProviderDescriptor, pools map[string]*KeyPool, httpClient *http.Client) *Registry {
	r := &Registry{byName: make(map[string]*providerEntry, len(descs))}
	for _, d := range descs {
		pool := pools[d.Name]
		if pool == nil {
			pool = NewKeyPool(nil)
		}
		var client wireClient
		switch d.Kind {
		case config.KindAnthropic:
			client = newAnthropicClient(d.BaseURL, httpClient)
		default:
			client = newOpenAICompatClient(d.BaseURL, httpClient)
		}
		e := &providerEntry{desc: d, pool: pool, client: client}
		r.entries = append(r.entries, e)
		r.byName[d.Name] = e
		if d.Default {
			r.def = e
		}
	}
	if r.def == nil && len(r.entries) > 0 {
		r.def = r.entries[0]
	}
	return r
}

// Resolve maps a model name to its provider by prefix. Unknown prefixes go
// to the default provider.
func (r *Registry) Resolve(model string) *providerEntry {
	for _, e := range r.entries {
		for _, prefix := range e.desc.ModelPrefixes {
			if strings.HasPrefix(model, prefix) {
				return e
			}
		}
	}
	return r.def
}

// ProviderFor exposes the resolved provider name, mainly for logging and
// report rows.
func (r *Registry) ProviderFor(model string) string {
	if e := r.Resolve(model); e != nil {
		return e.desc.Name
	}
	return ""
}

// alternates returns every other provider in table order, skipping the
// named primary. Empty pools are the caller's concern.
func (r *Registry) alternates(primary string) []*providerEntry {
	out := make([]*providerEntry, 0, len(r.entries)-1)
	for _, e := range r.entries {
		if e.desc.Name != primary {
			out = append(out, e)
		}
	}
	return out
}

// PoolSizes reports each provider's credential count, for the health view.
func (r *Registry) PoolSizes() map[string]int {
	out := make(map[string]int, len(r.entries))
	for _, e := range r.entries {
		out[e.desc.Name] = e.pool.Size()
	}
	return out
}
