package ai

import (
	"os"
	"strings"
	"sync"
	"time"
)

// KeyPool holds the rotating credential set for one provider. Keys under a
// rate-limit cooldown are skipped until the cooldown expires. All methods
// are safe for concurrent use.
type KeyPool struct {
	mu        sync.Mutex
	keys      []string
	cursor    int
	cooldowns map[string]time.Time

	now func() time.Time
}

// NewKeyPool builds a pool from raw key material. Keys are normalized and
// deduplicated; empty results are dropped.
func NewKeyPool(raw []string) *KeyPool {
	p := &KeyPool{
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}
	seen := make(map[string]bool, len(raw))
	for _, r := range raw {
		k := normalizeAPIKey(r)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		p.keys = append(p.keys, k)
	}
	return p
}

// PoolFromEnv merges the plural comma-separated env var with the singular
// one. A key present in both is kept once.
func PoolFromEnv(keysVar, keyVar string) *KeyPool {
	var raw []string
	if v := os.Getenv(keysVar); v != "" {
		raw = append(raw, strings.Split(v, ",")...)
	}
	if v := os.Getenv(keyVar); v != "" {
		raw = append(raw, v)
	}
	return NewKeyPool(raw)
}

// Size returns the number of distinct keys in the pool.
func (p *KeyPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Next returns a usable key, preferring the first non-cooling key at or
// after the cursor. When every key is cooling it returns the one whose
// cooldown expires soonest, so callers can still make a best-effort attempt.
// The second return is false only when the pool is empty.
func (p *KeyPool) Next() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.keys)
	if n == 0 {
		return "", false
	}

	now := p.now()
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		k := p.keys[idx]
		until, cooling := p.cooldowns[k]
		if !cooling || now.After(until) {
			delete(p.cooldowns, k)
			p.cursor = (idx + 1) % n
			return k, true
		}
	}

	// Everything is cooling: hand back the key closest to expiry.
	best := p.keys[0]
	bestUntil := p.cooldowns[best]
	for _, k := range p.keys[1:] {
		if until := p.cooldowns[k]; until.Before(bestUntil) {
			best, bestUntil = k, until
		}
	}
	return best, true
}

// MarkLimited puts a key on cooldown after an upstream rate limit.
func (p *KeyPool) MarkLimited(key string, cooldown time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldowns[key] = p.now().Add(cooldown)
}

// Rotate advances the cursor without consuming a key, so the next call to
// Next starts from a different credential.
func (p *KeyPool) Rotate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) > 0 {
		p.cursor = (p.cursor + 1) % len(p.keys)
	}
}
