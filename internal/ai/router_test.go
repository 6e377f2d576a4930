package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"forgebuild/internal/config"
)

func chatOK(t *testing.T, w http.ResponseWriter, text string) {
	t.Helper()
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": text}},
		},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 20},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Fatalf("encode response: %v", err)
	}
}

// testRouter wires two OpenAI-compatible fake providers: alpha (default,
// prefix alpha-) and beta (prefix beta-, fallback model beta-fallback).
func testRouter(t *testing.T, alpha, beta http.HandlerFunc, alphaKeys, betaKeys []string) *Router {
	t.Helper()

	alphaSrv := httptest.NewServer(alpha)
	t.Cleanup(alphaSrv.Close)
	betaSrv := httptest.NewServer(beta)
	t.Cleanup(betaSrv.Close)

	descs := []config.ProviderDescriptor{
		{
			Name:          "alpha",
			Kind:          config.KindOpenAICompatible,
			BaseURL:       alphaSrv.URL,
			ModelPrefixes: []string{"alpha-"},
			FallbackModel: "alpha-fallback",
			Default:       true,
		},
		{
			Name:          "beta",
			Kind:          config.KindOpenAICompatible,
			BaseURL:       betaSrv.URL,
			ModelPrefixes: []string{"beta-"},
			FallbackModel: "beta-fallback",
		},
	}
	pools := map[string]*KeyPool{
		"alpha": NewKeyPool(alphaKeys),
		"beta":  NewKeyPool(betaKeys),
	}
	rt := NewRouter(NewRegistryFrom(descs, pools, alphaSrv.Client()), NewCostLedger(0))
	rt.sleep = func(time.Duration) {}
	return rt
}

func TestRouterRotatesPastRateLimitedKey(t *testing.T) {
	var attempts int32
	alpha := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		if r.Header.Get("Authorization") == "Bearer k1" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		chatOK(t, w, "hello")
	}
	beta := func(w http.ResponseWriter, r *http.Request) {
		t.Error("alternate provider should not be consulted")
	}

	rt := testRouter(t, alpha, beta, []string{"k1", "k2", "k3"}, []string{"bk"})
	text, err := rt.Ask(context.Background(), "alpha-large", "sys", "user")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if text != "hello" {
		t.Fatalf("got %q", text)
	}
	if n := atomic.LoadInt32(&attempts); n != 2 {
		t.Fatalf("expected 2 attempts (429 then 200), got %d", n)
	}
}

func TestRouterAuthFailureIsFatal(t *testing.T) {
	var attempts int32
	alpha := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}
	beta := func(w http.ResponseWriter, r *http.Request) {
		t.Error("auth failure must not trigger fallback")
	}

	rt := testRouter(t, alpha, beta, []string{"k1", "k2"}, []string{"bk"})
	_, err := rt.Ask(context.Background(), "alpha-large", "", "user")
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("want ErrAuthFailure, got %v", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Fatalf("auth failure must abort after one attempt, got %d", n)
	}
}

func TestRouterFallsThroughToAlternateProvider(t *testing.T) {
	alpha := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}
	var betaModel atomic.Value
	beta := func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			betaModel.Store(req.Model)
		}
		chatOK(t, w, "rescued")
	}

	rt := testRouter(t, alpha, beta, []string{"k1"}, []string{"bk"})
	text, err := rt.Ask(context.Background(), "alpha-large", "", "user")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if text != "rescued" {
		t.Fatalf("got %q", text)
	}
	if m, _ := betaModel.Load().(string); m != "beta-fallback" {
		t.Fatalf("alternate must use its fallback model, got %q", m)
	}
}

func TestRouterAlternateGetsSingleAttempt(t *testing.T) {
	alpha := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}
	var betaAttempts int32
	beta := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&betaAttempts, 1)
		w.WriteHeader(http.StatusBadGateway)
	}

	rt := testRouter(t, alpha, beta, []string{"k1"}, []string{"bk1", "bk2"})
	_, err := rt.Ask(context.Background(), "alpha-large", "", "user")
	if !errors.Is(err, ErrProvidersExhausted) {
		t.Fatalf("want ErrProvidersExhausted, got %v", err)
	}
	if n := atomic.LoadInt32(&betaAttempts); n != 1 {
		t.Fatalf("alternate provider must be tried exactly once, got %d attempts", n)
	}
}

func TestRouterExhaustsAllProviders(t *testing.T) {
	fail := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}

	rt := testRouter(t, fail, fail, []string{"k1"}, []string{"bk"})
	_, err := rt.Ask(context.Background(), "alpha-large", "", "user")
	if !errors.Is(err, ErrProvidersExhausted) {
		t.Fatalf("want ErrProvidersExhausted, got %v", err)
	}
}

func TestRouterSkipsEmptyAlternatePools(t *testing.T) {
	fail := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}
	beta := func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider with no credentials must be skipped")
	}

	rt := testRouter(t, fail, beta, []string{"k1"}, nil)
	_, err := rt.Ask(context.Background(), "alpha-large", "", "user")
	if !errors.Is(err, ErrProvidersExhausted) {
		t.Fatalf("want ErrProvidersExhausted, got %v", err)
	}
}

func TestRouterUnknownModelUsesDefaultProvider(t *testing.T) {
	alpha := func(w http.ResponseWriter, r *http.Request) {
		chatOK(t, w, "default took it")
	}
	beta := func(w http.ResponseWriter, r *http.Request) {
		t.Error("unknown prefix must route to the default provider")
	}

	rt := testRouter(t, alpha, beta, []string{"k1"}, []string{"bk"})
	text, err := rt.Ask(context.Background(), "mystery-model-9", "", "user")
	if err != nil || text != "default took it" {
		t.Fatalf("got %q, %v", text, err)
	}
}

func TestStripFences(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "print('hi')", "print('hi')"},
		{"fenced", "```python\nprint('hi')\n```", "print('hi')"},
		{"fenced no lang", "```\nx = 1\n```", "x = 1"},
		{"leading only", "```python\nx = 1", "x = 1"},
		{"trailing only", "x = 1\n```", "x = 1"},
		{"interior backticks kept", "a = \"```\"\nb = 2", "a = \"```\"\nb = 2"},
		{"whitespace", "  \n```\ncode\n```  \n", "code"},
		{"bare fence", "```", ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := stripFences(tc.in); got != tc.want {
				t.Fatalf("stripFences(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestBackoffCapsAt32Seconds(t *testing.T) {
	t.Parallel()

	if d := backoff(0); d != time.Second {
		t.Fatalf("attempt 0: %v", d)
	}
	if d := backoff(3); d != 8*time.Second {
		t.Fatalf("attempt 3: %v", d)
	}
	if d := backoff(10); d != maxBackoff {
		t.Fatalf("attempt 10 must cap: %v", d)
	}
	if d := backoff(80); d != maxBackoff {
		t.Fatalf("overflow attempt must cap: %v", d)
	}
}

func TestAnthropicWireFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "sk-ant" {
			t.Errorf("missing x-api-key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing anthropic-version header")
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.System != "be terse" {
			t.Errorf("system prompt must ride the top-level field, got %q", req.System)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":5,"output_tokens":7}}`))
	}))
	defer srv.Close()

	c := newAnthropicClient(srv.URL, srv.Client())
	out := c.Complete(context.Background(), "sk-ant", "claude-3-5-haiku-20241022", "be terse", "hi")
	if out.Kind != OutcomeOK {
		t.Fatalf("outcome %v: %v", out.Kind, out.Err)
	}
	if out.Text != "ok" || out.Usage.InputTokens != 5 || out.Usage.OutputTokens != 7 {
		t.Fatalf("bad outcome: %+v", out)
	}
}
